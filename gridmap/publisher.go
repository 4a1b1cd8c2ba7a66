package gridmap

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Publisher publishes cell updates and grid summaries to MQTT
type Publisher struct {
	client        mqtt.Client
	publishPrefix string
	qos           byte
	retain        bool
	last          map[Index]CellUpdate
	mu            sync.RWMutex
	sendMu        sync.Mutex
}

// NewPublisher creates a publisher under prefix. MQTT_PUBLISH_PREFIX
// overrides prefix; an empty prefix falls back to "occumesh".
// If client is nil, publishing is disabled (for testing)
func NewPublisher(client mqtt.Client, prefix string) *Publisher {
	if env := os.Getenv("MQTT_PUBLISH_PREFIX"); env != "" {
		prefix = env
	}
	if prefix == "" {
		prefix = "occumesh"
	}

	return &Publisher{
		client:        client,
		publishPrefix: prefix,
		qos:           0,
		retain:        true,
		last:          make(map[Index]CellUpdate),
	}
}

// Prefix returns the topic prefix in use.
func (p *Publisher) Prefix() string { return p.publishPrefix }

// CellTopic returns the topic for one cell: <prefix>/cells/<x>/<y>
func (p *Publisher) CellTopic(idx Index) string {
	return fmt.Sprintf("%s/cells/%d/%d", p.publishPrefix, idx.X, idx.Y)
}

// SummaryTopic returns <prefix>/summary
func (p *Publisher) SummaryTopic() string {
	return p.publishPrefix + "/summary"
}

// PublishUpdate publishes one cell's new state to its cell topic. An update
// equal to the last one published for the cell, apart from its timestamp,
// is skipped.
func (p *Publisher) PublishUpdate(u CellUpdate) error {
	idx := Index{X: u.X, Y: u.Y}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	if prev, ok := p.LastUpdate(idx); ok && sameState(prev, u) {
		return nil
	}
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	payload, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshaling cell update: %w", err)
	}
	if err := p.publish(p.CellTopic(idx), payload); err != nil {
		return err
	}

	p.mu.Lock()
	p.last[idx] = u
	p.mu.Unlock()
	return nil
}

func sameState(a, b CellUpdate) bool {
	a.Timestamp, b.Timestamp = 0, 0
	return a == b
}

// PublishSummary publishes grid statistics to the summary topic.
func (p *Publisher) PublishSummary(stats Stats) error {
	if p.client == nil || !p.client.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	message := map[string]interface{}{
		"stats":     stats,
		"timestamp": time.Now().Unix(),
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshaling summary: %w", err)
	}
	if err := p.publish(p.SummaryTopic(), payload); err != nil {
		return err
	}

	log.Printf("Published grid summary: %d occupied, %d explored of %d cells",
		stats.Occupied, stats.Explored, stats.Cells)
	return nil
}

func (p *Publisher) publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if token.WaitTimeout(2*time.Second) && token.Error() != nil {
		return fmt.Errorf("publishing to %s: %w", topic, token.Error())
	}
	return nil
}

// LastUpdate returns the last update published for a cell
func (p *Publisher) LastUpdate(idx Index) (CellUpdate, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.last[idx]
	return u, ok
}

// Forget drops remembered updates, e.g. after a grid reset
func (p *Publisher) Forget() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = make(map[Index]CellUpdate)
}

// SetQoS sets the Quality of Service level for publishing (0, 1, or 2)
func (p *Publisher) SetQoS(qos byte) {
	if qos <= 2 {
		p.qos = qos
	}
}

// SetRetain sets whether published messages should be retained by the broker
func (p *Publisher) SetRetain(retain bool) {
	p.retain = retain
}
