// Package stream pushes indicator records to websocket clients as they are
// computed. The Hub is a RecordPublisher: the ingestion loop hands it every
// record and it fans out to connected clients without ever blocking.
package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"rsi-engine/internal/logger"
	"rsi-engine/internal/model"
	"rsi-engine/internal/store"

	"github.com/gorilla/websocket"
)

// Envelope is the frame sent to clients.
type Envelope struct {
	Type string          `json:"type"` // "snapshot" or "rsi"
	Data json.RawMessage `json:"data"`
}

// Hub tracks websocket clients and fans records out to them. A client whose
// send buffer is full misses the record; the pipeline never waits on it.
type Hub struct {
	snapshot func() store.Snapshot
	bufSize  int
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool

	OnDrop       func()      // a record was dropped for a slow client
	OnClientsChg func(n int) // client count changed
}

// NewHub creates a hub. snapshot provides the initial state sent to each new
// client; bufSize is the per-client send buffer.
func NewHub(snapshot func() store.Snapshot, bufSize int, log *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = 256
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Hub{
		snapshot: snapshot,
		bufSize:  bufSize,
		log:      log.With("component", "stream"),
		clients:  make(map[*Client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Name() string { return "stream" }

// Publish queues rec for every interested client. It never blocks and never
// fails.
func (h *Hub) Publish(_ context.Context, rec model.IndicatorRecord) error {
	frame, err := json.Marshal(Envelope{Type: "rsi", Data: rec.JSON()})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.wants(rec.TokenAddress) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
	return nil
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.notify()
	return nil
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams records. ?token=a,b restricts the
// stream to those tokens; clients may change it later with a SUBSCRIBE frame.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn, parseTokens(r.URL.Query().Get("token")))
	if !h.add(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	h.log.Info("ws client connected", "remote", r.RemoteAddr, "clients", h.Clients())

	go c.writePump()
	go c.readPump()
}

// add registers c and queues its snapshot frame under the write lock. Publish
// holds the read lock while queuing, so every live frame lands after the
// snapshot and a client never sees a record older than one already sent.
func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	c.queueSnapshot()
	h.notify()
	return true
}

// resubscribe swaps c's token filter and queues a fresh snapshot, with the
// same ordering guarantee as add.
func (h *Hub) resubscribe(c *Client, tokens map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()
	c.queueSnapshot()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.notify()
	}
}

// notify must be called with h.mu held.
func (h *Hub) notify() {
	if h.OnClientsChg != nil {
		h.OnClientsChg(len(h.clients))
	}
}

func parseTokens(s string) map[string]bool {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, t := range strings.Split(s, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out[t] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
