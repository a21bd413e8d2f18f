// Package gateway fans committed strategy views out to websocket observers and
// relays them on Redis for observers in other processes.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"strategy-engine/internal/metrics"
	"strategy-engine/internal/strategy"
)

// Publisher relays payloads to out-of-process observers (Redis PUBLISH).
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

type event struct {
	view    *strategy.View
	removed string
	at      time.Time
}

// Hub manages websocket clients and implements strategy.Observer. Publish and
// Removed only enqueue; Run does the encoding and fan-out.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*Client]bool
	latest      map[string]latestEntry
	seq         int64
	channelSeqs map[string]int64
	replayBufs  map[string]*ReplayBuffer

	events    chan event
	publisher Publisher
	prom      *metrics.Metrics
	log       *zap.Logger
	upgrader  websocket.Upgrader

	Latency     *LatencyTracker
	Broadcaster *Broadcaster
}

// NewHub creates a hub with an event queue of queueSize. publisher may be nil.
func NewHub(queueSize int, publisher Publisher, prom *metrics.Metrics, log *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = 1024
	}
	h := &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		events:      make(chan event, queueSize),
		publisher:   publisher,
		prom:        prom,
		log:         log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		Latency: NewLatencyTracker(4096),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Publish implements strategy.Observer.
func (h *Hub) Publish(v *strategy.View) {
	h.enqueue(event{view: v})
}

// Removed implements strategy.Observer.
func (h *Hub) Removed(id string) {
	h.enqueue(event{removed: id, at: time.Now().UTC()})
}

func (h *Hub) enqueue(ev event) {
	select {
	case h.events <- ev:
	default:
		if h.prom != nil {
			h.prom.ObserverDrops.Inc()
		}
	}
}

// Run encodes and broadcasts queued events until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-h.events:
			h.handle(ctx, ev)
		}
	}
}

func (h *Hub) handle(ctx context.Context, ev event) {
	var (
		id string
		u  Update
	)
	if ev.view != nil {
		id = ev.view.ID
		u = NewUpdate(ev.view)
	} else {
		id = ev.removed
		u = Removal(id, ev.at)
	}

	data, err := json.Marshal(u)
	if err != nil {
		h.log.Error("encode observer update", zap.String("id", id), zap.Error(err))
		return
	}

	channel := Channel(id)
	h.Broadcaster.Broadcast(channel, data)
	if ev.view == nil {
		h.forget(channel)
	}

	if h.publisher != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := h.publisher.Publish(pctx, RedisChannel(id), data); err != nil && ctx.Err() == nil {
			h.log.Debug("observer relay failed", zap.String("id", id), zap.Error(err))
		}
		cancel()
	}
}

// forget drops the cached state of a removed channel after its final broadcast.
func (h *Hub) forget(channel string) {
	h.mu.Lock()
	delete(h.latest, channel)
	delete(h.replayBufs, channel)
	delete(h.channelSeqs, channel)
	h.mu.Unlock()
}

// ServeWS upgrades the request and registers the client. The optional
// "last_ts" query parameter limits the initial state to newer entries.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	h.Register(conn, r.URL.Query().Get("last_ts"))
}

// Register starts the pumps for an upgraded connection.
func (h *Hub) Register(conn *websocket.Conn, lastTS string) {
	client := newClient(h, conn)
	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.setClientGauge(count)
	h.log.Info("ws client connected", zap.Int("clients", count))

	client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient unregisters c and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	close(c.send)
	h.mu.Unlock()
	h.setClientGauge(count)
	h.log.Info("ws client disconnected", zap.Int("clients", count))
}

func (h *Hub) setClientGauge(n int) {
	if h.prom != nil {
		h.prom.ObserverClients.Set(float64(n))
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// LatestAll returns the last payload of every live channel.
func (h *Hub) LatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		out[k] = v.Data
	}
	return out
}

// ReplayRange returns buffered envelopes of channel with from <= channel_seq <= to.
func (h *Hub) ReplayRange(channel string, from, to int64) [][]byte {
	h.mu.RLock()
	rb := h.replayBufs[channel]
	h.mu.RUnlock()
	if rb == nil {
		return nil
	}
	entries := rb.Range(from, to)
	out := make([][]byte, len(entries))
	for i, e := range entries {
		out[i] = e.Data
	}
	return out
}

// ChannelSeq returns the last sequence number broadcast on channel.
func (h *Hub) ChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// Stats is the periodic "stats" message sent to every client.
type Stats struct {
	Strategies int     `json:"strategies"`
	Clients    int     `json:"clients"`
	LagP50Ms   float64 `json:"lag_p50_ms"`
	LagP95Ms   float64 `json:"lag_p95_ms"`
	LagP99Ms   float64 `json:"lag_p99_ms"`
	UptimeSec  int64   `json:"uptime_sec"`
	TS         string  `json:"ts"`
}

// StartStatsBroadcast sends a stats message to every client each interval until
// ctx is cancelled.
func (h *Hub) StartStatsBroadcast(ctx context.Context, start time.Time, interval time.Duration, strategies func() int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			s := Stats{
				Strategies: strategies(),
				Clients:    h.ClientCount(),
				UptimeSec:  int64(now.Sub(start).Seconds()),
				TS:         now.UTC().Format(time.RFC3339),
			}
			s.LagP50Ms, s.LagP95Ms, s.LagP99Ms = h.Latency.Percentiles()
			msg, _ := json.Marshal(map[string]interface{}{"type": "stats", "stats": s})

			h.mu.RLock()
			for c := range h.clients {
				c.trySend(msg)
			}
			h.mu.RUnlock()
		}
	}
}
