package gateway

import (
	"encoding/json"
	"strconv"
	"time"
)

// Broadcaster builds envelopes and fans them out to matching clients.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast sends data on channel. Each channel has its own channel_seq so
// clients can detect gaps and backfill from the replay buffer; seq is global.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	now := b.now().UTC()
	if ts := extractTS(data); !ts.IsZero() {
		if lag := float64(now.Sub(ts).Microseconds()) / 1000.0; lag >= 0 {
			b.hub.Latency.Record(lag)
		}
	}

	b.hub.mu.Lock()
	b.hub.seq++
	seq := b.hub.seq
	b.hub.channelSeqs[channel]++
	channelSeq := b.hub.channelSeqs[channel]
	b.hub.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	rb, ok := b.hub.replayBufs[channel]
	if !ok {
		rb = NewReplayBuffer(200)
		b.hub.replayBufs[channel] = rb
	}
	b.hub.mu.Unlock()

	env := buildEnvelope(channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, env)

	b.hub.mu.RLock()
	defer b.hub.mu.RUnlock()
	for c := range b.hub.clients {
		if c.matchesChannel(channel) {
			c.trySend(env)
		}
	}
}

// buildEnvelope hand-writes {"channel":..,"data":..,"ts":..,"seq":..,"channel_seq":..}.
// channel is always "strategy:<id>" with a JSON-safe id.
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+128)
	buf = append(buf, `{"channel":`...)
	buf = strconv.AppendQuote(buf, channel)
	buf = append(buf, `,"data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}

// extractTS reads the "ts" field of a payload; zero if absent.
func extractTS(data []byte) time.Time {
	var partial struct {
		TS time.Time `json:"ts"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return time.Time{}
	}
	return partial.TS
}
