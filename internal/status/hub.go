package status

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/NodePath81/rmbt/internal/engine"
)

type message struct {
	SchemaVersion int    `json:"schema_version"`
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"`

	Phase   string         `json:"phase,omitempty"`
	Worker  *int           `json:"worker,omitempty"`
	Message string         `json:"message,omitempty"`
	Error   string         `json:"error,omitempty"`
	Status  *engine.Status `json:"status,omitempty"`
}

type client struct {
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

// Hub fans run events out to websocket clients. It implements
// engine.StatusSink.
type Hub struct {
	mu        sync.Mutex
	clients   map[*client]struct{}
	broadcast chan message
	ctxDone   <-chan struct{}
	now       func() time.Time
}

func NewHub(ctxDone <-chan struct{}) *Hub {
	h := &Hub{
		clients:   make(map[*client]struct{}),
		broadcast: make(chan message, 128),
		ctxDone:   ctxDone,
		now:       time.Now,
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for c := range h.clients {
				c.close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- payload:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) publish(msg message) {
	msg.SchemaVersion = 1
	msg.Timestamp = h.now().UnixMilli()
	select {
	case h.broadcast <- msg:
	default:
	}
}

func (h *Hub) PhaseChanged(phase engine.Phase) {
	h.publish(message{Type: "phase", Phase: phase.String()})
}

func (h *Hub) Diagnostic(worker int, msg string) {
	h.publish(message{Type: "diagnostic", Worker: &worker, Message: msg})
}

func (h *Hub) Aborted(err error) {
	msg := message{Type: "aborted"}
	if err != nil {
		msg.Error = err.Error()
	}
	h.publish(msg)
}

// Progress publishes one status snapshot.
func (h *Hub) Progress(st engine.Status) {
	h.publish(message{Type: "progress", Phase: st.Phase.String(), Status: &st})
}

// StreamProgress publishes snapshots from source every interval until ctx
// is done.
func (h *Hub) StreamProgress(ctx context.Context, interval time.Duration, source func() engine.Status) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.Progress(source())
		}
	}
}
