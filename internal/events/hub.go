package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Event types pushed to plugin pages
const (
	TypeReply  = "reply"
	TypeUnload = "unload"
	typePing   = "ping"
)

// clientBuffer is how many events a slow page may fall behind before
// further events are dropped for it
const clientBuffer = 8

// Event tells a page its view changed
type Event struct {
	View      string    `json:"view"`
	Type      string    `json:"type"`
	Phase     string    `json:"phase,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans view events out to Server-Sent Events subscribers
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]map[chan Event]struct{}
	keepAlive time.Duration
	log       *zerolog.Logger
}

// NewHub creates a hub pinging idle streams every 30 seconds
func NewHub(log *zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]map[chan Event]struct{}),
		keepAlive: 30 * time.Second,
		log:       log,
	}
}

// Subscribe registers a listener for view. The returned func unregisters it.
func (h *Hub) Subscribe(view string) (<-chan Event, func()) {
	ch := make(chan Event, clientBuffer)

	h.mu.Lock()
	if h.clients[view] == nil {
		h.clients[view] = make(map[chan Event]struct{})
	}
	h.clients[view][ch] = struct{}{}
	n := len(h.clients[view])
	h.mu.Unlock()

	h.log.Debug().Str("view", view).Int("clients", n).Msg("sse client registered")

	return ch, func() { h.unsubscribe(view, ch) }
}

func (h *Hub) unsubscribe(view string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[view]
	if !ok {
		return
	}
	if _, ok := clients[ch]; !ok {
		return
	}
	delete(clients, ch)
	close(ch)
	if len(clients) == 0 {
		delete(h.clients, view)
	}
}

// Publish sends e to every listener of e.View without blocking
func (h *Hub) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.clients[e.View] {
		select {
		case ch <- e:
		default:
			h.log.Warn().Str("view", e.View).Str("event", e.Type).Msg("sse client channel full, dropping event")
		}
	}
}

// Close ends every stream of view after telling it the view is gone
func (h *Hub) Close(view string) {
	h.Publish(Event{View: view, Type: TypeUnload})

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients[view] {
		close(ch)
	}
	delete(h.clients, view)
}

// ClientCount returns the number of open streams for view
func (h *Hub) ClientCount(view string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[view])
}

// Stream serves view's events as text/event-stream until the client
// disconnects or the view is closed
func (h *Hub) Stream(c *gin.Context, view string) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(200)
	c.Writer.Flush()

	events, unsubscribe := h.Subscribe(view)
	defer unsubscribe()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			body, err := json.Marshal(e)
			if err != nil {
				h.log.Error().Err(err).Msg("failed to marshal sse event")
				continue
			}
			c.SSEvent(e.Type, string(body))
			c.Writer.Flush()

		case t := <-ticker.C:
			c.SSEvent(typePing, `{"timestamp":"`+t.Format(time.RFC3339)+`"}`)
			c.Writer.Flush()

		case <-ctx.Done():
			return
		}
	}
}
