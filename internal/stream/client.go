package stream

import (
	"encoding/json"
	"sync"
	"time"

	"rsi-engine/internal/model"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is a single websocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	tokens map[string]bool // nil means every token
}

// subscribeMsg replaces the client's token filter. An empty list means all.
type subscribeMsg struct {
	Type   string   `json:"type"`
	Tokens []string `json:"tokens"`
}

func newClient(h *Hub, conn *websocket.Conn, tokens map[string]bool) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.bufSize),
		tokens: tokens,
	}
}

func (c *Client) wants(token string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens == nil || c.tokens[token]
}

// queueSnapshot queues one snapshot frame with the latest record of every
// token the client wants. Must be called with c.hub.mu write-locked.
func (c *Client) queueSnapshot() {
	if c.hub.snapshot == nil {
		return
	}
	snap := c.hub.snapshot()
	recs := make(map[string]model.IndicatorRecord, len(snap.Records))
	for k, rec := range snap.Records {
		if c.wants(k) {
			recs[k] = rec
		}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		c.hub.log.Error("encoding snapshot frame", "error", err)
		return
	}
	frame, _ := json.Marshal(Envelope{Type: "snapshot", Data: data})
	select {
	case c.send <- frame:
	default:
		if c.hub.OnDrop != nil {
			c.hub.OnDrop()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.log.Info("ws client disconnected", "clients", c.hub.Clients())
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if json.Unmarshal(raw, &msg) != nil || msg.Type != "SUBSCRIBE" {
			continue
		}
		var tokens map[string]bool
		if len(msg.Tokens) > 0 {
			tokens = make(map[string]bool, len(msg.Tokens))
			for _, t := range msg.Tokens {
				tokens[t] = true
			}
		}
		c.hub.resubscribe(c, tokens)
	}
}
