package chat

import (
	"sync"
	"time"

	"github.com/c360studio/overlord/llm"
)

// DefaultHistorySize bounds the rolling conversation window per channel.
const DefaultHistorySize = 10

type historyEntry struct {
	msg llm.Message
	at  time.Time
}

// History keeps a bounded rolling conversation per channel. A non-zero
// TTL additionally drops entries older than the TTL on read.
type History struct {
	max int
	ttl time.Duration

	mu       sync.Mutex
	channels map[string][]historyEntry
}

// NewHistory builds a history window. max <= 0 uses DefaultHistorySize;
// ttl <= 0 disables age-based pruning.
func NewHistory(max int, ttl time.Duration) *History {
	if max <= 0 {
		max = DefaultHistorySize
	}
	return &History{
		max:      max,
		ttl:      ttl,
		channels: make(map[string][]historyEntry),
	}
}

// Add appends one message to a channel's window, evicting the oldest
// entry when the window is full.
func (h *History) Add(channel, role, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := append(h.channels[channel], historyEntry{
		msg: llm.Message{Role: role, Content: content},
		at:  time.Now(),
	})
	if len(entries) > h.max {
		entries = entries[len(entries)-h.max:]
	}
	h.channels[channel] = entries
}

// Messages returns the live window for a channel, oldest first.
func (h *History) Messages(channel string) []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	entries := h.channels[channel]
	cutoff := time.Now().Add(-h.ttl)

	out := make([]llm.Message, 0, len(entries))
	for _, e := range entries {
		if h.ttl > 0 && e.at.Before(cutoff) {
			continue
		}
		out = append(out, e.msg)
	}
	return out
}

// Clear drops a channel's window.
func (h *History) Clear(channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, channel)
}
