package gridmap

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// SonarReading is a raw range reading together with the poses needed to
// project it onto the grid.
type SonarReading struct {
	Robot    Pose    `json:"robot"`
	Sensor   Pose    `json:"sensor"`
	Distance float64 `json:"distance"`
}

// SensorMessage is a decoded sensor topic payload.
type SensorMessage struct {
	Events []SensorEvent
	Sonar  []SonarReading
}

// Empty reports whether the message carries nothing to apply.
func (m *SensorMessage) Empty() bool {
	return len(m.Events) == 0 && len(m.Sonar) == 0
}

// sensorEnvelope accepts every object shape a sensor payload may take.
type sensorEnvelope struct {
	Events []SensorEvent  `json:"events"`
	Sonar  []SonarReading `json:"sonar"`

	X       *int     `json:"x"`
	Y       *int     `json:"y"`
	Reading *Reading `json:"reading"`

	Robot    Pose     `json:"robot"`
	Sensor   Pose     `json:"sensor"`
	Distance *float64 `json:"distance"`
}

// DecodeSensorMessage decodes a sensor payload. Accepted forms:
//
//	{"x": 3, "y": 4, "reading": "hit"}
//	[{"x": 3, "y": 4, "reading": "hit"}, ...]
//	{"robot": {...}, "sensor": {...}, "distance": 0.8}
//	{"events": [...], "sonar": [...]}
func DecodeSensorMessage(payload []byte) (*SensorMessage, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty sensor payload")
	}

	if trimmed[0] == '[' {
		var events []SensorEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, fmt.Errorf("decoding sensor event list: %w", err)
		}
		return &SensorMessage{Events: events}, nil
	}

	var env sensorEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("decoding sensor payload: %w", err)
	}

	msg := &SensorMessage{Events: env.Events, Sonar: env.Sonar}
	if env.Reading != nil {
		if env.X == nil || env.Y == nil {
			return nil, fmt.Errorf("sensor event needs both x and y")
		}
		msg.Events = append(msg.Events, SensorEvent{Index: Index{X: *env.X, Y: *env.Y}, Reading: *env.Reading})
	}
	if env.Distance != nil {
		msg.Sonar = append(msg.Sonar, SonarReading{Robot: env.Robot, Sensor: env.Sensor, Distance: *env.Distance})
	}
	if msg.Empty() {
		return nil, fmt.Errorf("sensor payload has no events or sonar readings")
	}
	return msg, nil
}

// EventHandler is called for every sensor topic message.
// Parameters: decoded message, decode error
type EventHandler func(msg *SensorMessage, err error)

// CommandHandler is called with the command named on the command topic,
// e.g. "reset" or "snapshot".
type CommandHandler func(command string)

// MQTTClient manages the broker connection and the sensor subscriptions
type MQTTClient struct {
	client         mqtt.Client
	config         *Config
	eventHandler   EventHandler
	commandHandler CommandHandler
	isConnected    bool
	mu             sync.RWMutex
}

// InitMQTT builds a client from config and starts connecting in the
// background. Environment variables MQTT_BROKER, MQTT_CLIENT_ID,
// MQTT_USERNAME and MQTT_PASSWORD override the config file. When no broker
// is configured MQTT is disabled and InitMQTT returns nil, nil.
func InitMQTT(config *Config, handler EventHandler) (*MQTTClient, error) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" && config != nil && config.MQTT.Broker != "" {
		broker = config.MQTT.Broker
	}

	if broker == "" {
		log.Println("MQTT disabled: MQTT_BROKER not set")
		return nil, nil
	}

	if config == nil || config.MQTT.SensorTopic == "" {
		return nil, fmt.Errorf("MQTT enabled but mqtt.sensorTopic is not configured")
	}

	client := &MQTTClient{
		config:       config,
		eventHandler: handler,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)

	clientID := os.Getenv("MQTT_CLIENT_ID")
	if clientID == "" && config.MQTT.ClientID != "" {
		clientID = config.MQTT.ClientID
	}
	if clientID == "" {
		clientID = "occumesh"
	}
	opts.SetClientID(clientID)

	username := os.Getenv("MQTT_USERNAME")
	if username == "" && config.MQTT.Username != "" {
		username = config.MQTT.Username
	}
	if username != "" {
		opts.SetUsername(username)
		password := os.Getenv("MQTT_PASSWORD")
		if password == "" && config.MQTT.Password != "" {
			password = config.MQTT.Password
		}
		opts.SetPassword(password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	// Readings for one cell must be applied in arrival order.
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(client.onConnect)
	opts.SetConnectionLostHandler(client.onConnectionLost)
	opts.SetReconnectingHandler(client.onReconnecting)

	client.client = mqtt.NewClient(opts)

	go client.connectWithRetry()

	return client, nil
}

// connectWithRetry attempts to connect to the MQTT broker with exponential backoff
func (c *MQTTClient) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second

	for {
		log.Println("[MQTT] Connecting to broker...")

		token := c.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("[MQTT] Connected to broker")
				c.setConnected(true)
				return
			}
			log.Printf("[MQTT] Connection failed: %v", token.Error())
		} else {
			log.Println("[MQTT] Connection timeout")
		}

		log.Printf("[MQTT] Retrying connection in %v...", retryDelay)
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

// onConnect subscribes to the sensor and command topics. It runs on every
// (re)connect.
func (c *MQTTClient) onConnect(client mqtt.Client) {
	c.setConnected(true)

	topic := c.config.MQTT.SensorTopic
	log.Printf("[MQTT] Subscribing to sensor topic %s", topic)
	token := client.Subscribe(topic, 1, c.sensorMessageHandler)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("[MQTT] Error subscribing to %s: %v", topic, token.Error())
	}

	if cmd := c.config.MQTT.CommandTopic; cmd != "" {
		log.Printf("[MQTT] Subscribing to command topic %s", cmd)
		token := client.Subscribe(cmd, 1, c.commandMessageHandler)
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("[MQTT] Error subscribing to %s: %v", cmd, token.Error())
		}
	}
}

func (c *MQTTClient) onConnectionLost(client mqtt.Client, err error) {
	log.Printf("[MQTT] Connection interrupted (%v), auto-reconnect will retry", err)
	c.setConnected(false)
}

func (c *MQTTClient) onReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	log.Println("[MQTT] Reconnecting...")
}

func (c *MQTTClient) sensorMessageHandler(client mqtt.Client, msg mqtt.Message) {
	if c.eventHandler == nil {
		return
	}
	decoded, err := DecodeSensorMessage(msg.Payload())
	if err != nil {
		log.Printf("[MQTT] Bad sensor payload on %s (%d bytes): %v", msg.Topic(), len(msg.Payload()), err)
	}
	c.eventHandler(decoded, err)
}

// commandPayload represents the JSON structure of a command message
type commandPayload struct {
	Value string `json:"value"`
}

// parseCommand accepts {"value": "reset"}, "reset" or a bare reset.
func parseCommand(payload []byte) string {
	var cmd commandPayload
	if err := json.Unmarshal(payload, &cmd); err == nil && cmd.Value != "" {
		return strings.ToLower(cmd.Value)
	}
	var plain string
	if err := json.Unmarshal(payload, &plain); err == nil {
		return strings.ToLower(strings.TrimSpace(plain))
	}
	return strings.ToLower(strings.TrimSpace(string(payload)))
}

func (c *MQTTClient) commandMessageHandler(client mqtt.Client, msg mqtt.Message) {
	command := parseCommand(msg.Payload())
	if command == "" {
		log.Printf("[MQTT] Empty command on %s, skipping", msg.Topic())
		return
	}
	log.Printf("[MQTT] Command: %s", command)

	if handler := c.getCommandHandler(); handler != nil {
		handler(command)
	}
}

// SetCommandHandler registers the callback for command topic messages
func (c *MQTTClient) SetCommandHandler(handler CommandHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commandHandler = handler
}

func (c *MQTTClient) getCommandHandler() CommandHandler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.commandHandler
}

// IsConnected returns true if the MQTT client is connected
func (c *MQTTClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.isConnected
}

func (c *MQTTClient) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isConnected = connected
}

// Disconnect gracefully closes the MQTT connection
func (c *MQTTClient) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		log.Println("[MQTT] Disconnecting from broker...")
		c.client.Disconnect(250)
		c.setConnected(false)
	}
}

// GetClient returns the underlying MQTT client for publishing
func (c *MQTTClient) GetClient() mqtt.Client {
	return c.client
}

// newMQTTClientWithMock wraps an existing mqtt.Client; used by tests.
func newMQTTClientWithMock(client mqtt.Client, config *Config, handler EventHandler) *MQTTClient {
	return &MQTTClient{
		client:       client,
		config:       config,
		eventHandler: handler,
	}
}
