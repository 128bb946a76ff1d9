// Package hub fans a scan session out to websocket viewers: JSON session
// events on one hub, binary JPEG preview frames on another.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-docscan/pkg/session"
)

// Kind tells a viewer's writer which websocket frame type to use.
type Kind int

const (
	// KindEvent is a JSON-encoded session.Event.
	KindEvent Kind = iota
	// KindPreview is a JPEG preview frame.
	KindPreview
)

// Message is one queued websocket frame.
type Message struct {
	Kind  Kind
	// Event is the event type for KindEvent messages.
	Event session.EventType
	Data  []byte
}

// EventMessage encodes ev for viewers.
func EventMessage(ev session.Event) (Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: KindEvent, Event: ev.Type, Data: data}, nil
}

// SnapshotMessage is the mode event carrying st, sent to viewers that join
// or start over.
func SnapshotMessage(st session.State) (Message, error) {
	return EventMessage(session.Event{Type: session.EventMode, State: st, Time: time.Now()})
}

// PreviewMessage wraps an encoded JPEG frame.
func PreviewMessage(jpeg []byte) Message {
	return Message{Kind: KindPreview, Data: jpeg}
}

// Hub tracks the viewers of one stream and fans messages out to them.
type Hub struct {
	name   string
	logger *slog.Logger

	clients map[*Client]bool
	mu      sync.RWMutex

	broadcast  chan Message
	register   chan *Client
	unregister chan *Client

	// done is closed when Run returns so late joins and leaves never block.
	done     chan struct{}
	doneOnce sync.Once

	running atomic.Bool
	dropped atomic.Uint64
}

// Option configures a Hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) { h.logger = l }
}

// New creates a hub. name labels its log records.
func New(name string, opts ...Option) *Hub {
	h := &Hub{
		name:       name,
		logger:     slog.Default(),
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "hub", "hub", name)
	return h
}

// Run delivers messages until ctx is done, then disconnects every viewer.
// A hub runs once; joins after Run returns are refused.
func (h *Hub) Run(ctx context.Context) {
	h.running.Store(true)
	defer func() {
		h.running.Store(false)
		h.doneOnce.Do(func() { close(h.done) })
	}()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				h.dropLocked(client)
			}
			h.mu.Unlock()
			h.logger.Debug("hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("viewer joined", "viewers", count)

		case client := <-h.unregister:
			h.mu.Lock()
			h.dropLocked(client)
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("viewer left", "viewers", count)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if !client.queue(msg) {
					h.dropLocked(client)
					h.logger.Warn("dropped slow viewer", "event", string(msg.Event))
				}
			}
			h.mu.Unlock()
		}
	}
}

// dropLocked removes client and closes its queue. Callers hold mu.
func (h *Hub) dropLocked(client *Client) {
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// join hands client to Run. It reports false once the hub has stopped.
func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// leave hands client back to Run. It returns at once when the hub has
// stopped.
func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues msg for every viewer, dropping it when the queue is full.
func (h *Hub) Broadcast(msg Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
		h.logger.Warn("broadcast queue full, dropping message", "event", string(msg.Event))
	}
}

// Publish encodes ev and broadcasts it.
func (h *Hub) Publish(ev session.Event) error {
	msg, err := EventMessage(ev)
	if err != nil {
		return err
	}
	h.Broadcast(msg)
	return nil
}

// PublishPreview broadcasts an encoded JPEG frame.
func (h *Hub) PublishPreview(jpeg []byte) {
	h.Broadcast(PreviewMessage(jpeg))
}

// ClientCount returns the number of connected viewers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many broadcasts were discarded because the queue was
// full.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// IsRunning returns whether Run is active.
func (h *Hub) IsRunning() bool {
	return h.running.Load()
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}
