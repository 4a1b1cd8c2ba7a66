package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kwv/occumesh/gridmap"
)

const (
	streamBuffer       = 1024
	streamWriteTimeout = 5 * time.Second
	streamReadTimeout  = 60 * time.Second
	streamPingPeriod   = streamReadTimeout * 9 / 10
)

// streamMessage is one frame sent to websocket subscribers.
type streamMessage struct {
	Type     string                `json:"type"`
	Snapshot *gridmap.GridSnapshot `json:"snapshot,omitempty"`
	Update   *gridmap.CellUpdate   `json:"update,omitempty"`
}

// StreamHub fans cell updates out to websocket subscribers. Each new
// subscriber first receives a full snapshot of the grid.
type StreamHub struct {
	grid     *gridmap.Grid
	upgrader websocket.Upgrader

	mu      sync.Mutex
	subs    map[uint64]chan []byte
	nextID  atomic.Uint64
	dropped atomic.Uint64
}

// NewStreamHub creates a hub for grid.
func NewStreamHub(grid *gridmap.Grid) *StreamHub {
	return &StreamHub{
		grid: grid,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[uint64]chan []byte),
	}
}

// Publish queues u for every subscriber. Subscribers whose queue is full
// miss the update.
func (h *StreamHub) Publish(u gridmap.CellUpdate) {
	b, err := json.Marshal(streamMessage{Type: "update", Update: &u})
	if err != nil {
		log.Printf("[WS] encode update: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- b:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected clients.
func (h *StreamHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped returns how many updates were skipped for slow subscribers.
func (h *StreamHub) Dropped() uint64 { return h.dropped.Load() }

func (h *StreamHub) subscribe() (uint64, chan []byte) {
	id := h.nextID.Add(1)
	ch := make(chan []byte, streamBuffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	return id, ch
}

func (h *StreamHub) unsubscribe(id uint64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request and streams until the client goes away.
func (h *StreamHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id, out := h.subscribe()
	defer h.unsubscribe(id)
	log.Printf("[WS] subscriber %d connected from %s", id, r.RemoteAddr)

	hello, err := json.Marshal(streamMessage{Type: "snapshot", Snapshot: h.grid.Snapshot()})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		ping := time.NewTicker(streamPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				writeErr <- ctx.Err()
				return
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
					writeErr <- err
					return
				}
			case b := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
		}
	}()

	// Clients only send control frames; reading detects disconnects.
	_ = conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamReadTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	cancel()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
	select {
	case <-writeErr:
	case <-time.After(500 * time.Millisecond):
	}
	log.Printf("[WS] subscriber %d disconnected", id)
}
