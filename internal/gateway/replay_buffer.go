package gateway

import "sync"

type replayEntry struct {
	Seq  int64
	Data []byte // envelope JSON
}

// ReplayBuffer keeps the most recent envelopes of one channel so a client that
// noticed a channel_seq gap can fetch what it missed.
type ReplayBuffer struct {
	mu    sync.RWMutex
	ring  []replayEntry
	head  int // oldest entry
	count int
}

func NewReplayBuffer(capacity int) *ReplayBuffer {
	if capacity <= 0 {
		capacity = 200
	}
	return &ReplayBuffer{ring: make([]replayEntry, capacity)}
}

// Push stores a copy of data under seq, evicting the oldest entry when full.
func (rb *ReplayBuffer) Push(seq int64, data []byte) {
	cp := append([]byte(nil), data...)

	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.count < len(rb.ring) {
		rb.ring[(rb.head+rb.count)%len(rb.ring)] = replayEntry{Seq: seq, Data: cp}
		rb.count++
		return
	}
	rb.ring[rb.head] = replayEntry{Seq: seq, Data: cp}
	rb.head = (rb.head + 1) % len(rb.ring)
}

// Range returns the entries with from <= seq <= to, oldest first.
func (rb *ReplayBuffer) Range(from, to int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	var out []replayEntry
	for i := 0; i < rb.count; i++ {
		e := rb.ring[(rb.head+i)%len(rb.ring)]
		if e.Seq >= from && e.Seq <= to {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of buffered entries.
func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.count
}
