package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client is one websocket peer. With no subscriptions it receives every strategy.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	subMu sync.RWMutex
	subs  map[string]bool // strategy ids
}

// SubscribeMsg is the client request to (un)subscribe from strategies.
type SubscribeMsg struct {
	Type  string   `json:"type"` // "SUBSCRIBE" or "UNSUBSCRIBE"
	ReqID string   `json:"reqId"`
	IDs   []string `json:"ids"`
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[string]bool),
	}
}

// trySend queues msg unless the client is too slow. Callers hold hub.mu.
func (c *Client) trySend(msg []byte) {
	select {
	case c.send <- msg:
	default:
		if c.hub.prom != nil {
			c.hub.prom.ObserverDrops.Inc()
		}
	}
}

func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		env, _ := json.Marshal(map[string]interface{}{
			"channel":     channel,
			"data":        entry.Data,
			"ts":          entry.TS.Format(time.RFC3339Nano),
			"channel_seq": entry.Seq,
			"initial":     true,
		})
		c.trySend(env)
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
			// Coalesce whatever is queued into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			for n := len(c.send); n > 0; n-- {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
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
		c.hub.RemoveClient(c)
		c.conn.Close()
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

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(raw, &base) != nil {
			continue
		}

		switch strings.ToUpper(base.Type) {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			var msg SubscribeMsg
			if err := json.Unmarshal(raw, &msg); err != nil {
				continue
			}
			c.applySubscription(strings.ToUpper(msg.Type) == "SUBSCRIBE", msg.IDs)
			ack, _ := json.Marshal(map[string]interface{}{
				"type":  "ACK",
				"reqId": msg.ReqID,
				"ids":   c.subscriptions(),
			})
			c.queueReply(ack)
		default:
			if base.Ping > 0 {
				pong, _ := json.Marshal(map[string]interface{}{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
				c.queueReply(pong)
			}
		}
	}
}

// queueReply sends a direct reply unless the client is already being removed.
func (c *Client) queueReply(msg []byte) {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if c.hub.clients[c] {
		c.trySend(msg)
	}
}

func (c *Client) applySubscription(add bool, ids []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, id := range ids {
		if add {
			c.subs[id] = true
		} else {
			delete(c.subs, id)
		}
	}
}

func (c *Client) subscriptions() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	return out
}

// matchesChannel reports whether c wants messages on channel.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	id, ok := strings.CutPrefix(channel, "strategy:")
	if !ok {
		return true
	}
	return c.subs[id]
}
