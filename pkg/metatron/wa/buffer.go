// Package wa – buffer.go implements the bounded message buffer and the
// message-id deduplicator. Both structures have hard capacity limits so
// memory stays flat across long uptimes.
package wa

import (
	"strings"
	"sync"
	"time"
)

// BufferCapacity is the ring buffer size. The dedup window is twice this.
const BufferCapacity = 100

// HistoryStaleness is the age past which messages arriving through a bulk
// history sync are discarded instead of buffered, so old conversations are
// not replayed as if they were new.
const HistoryStaleness = 2 * time.Minute

// Deduplicator tracks recently seen message ids. The seen set is trimmed
// back to capacity once it exceeds twice the capacity — an approximation
// that can in theory re-accept an id that cycles out during a burst; this
// is accepted behavior, not exact LRU.
type Deduplicator struct {
	capacity int
	ids      []string
	seen     map[string]struct{}
	mu       sync.Mutex
}

// NewDeduplicator creates a deduplicator with the given capacity.
// capacity <= 0 falls back to BufferCapacity.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = BufferCapacity
	}
	return &Deduplicator{
		capacity: capacity,
		seen:     make(map[string]struct{}, 2*capacity),
	}
}

// ShouldProcess returns true exactly once per message id within the
// tracking window, marking it seen as a side effect.
func (d *Deduplicator) ShouldProcess(messageID string) bool {
	if messageID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, dup := d.seen[messageID]; dup {
		return false
	}

	d.ids = append(d.ids, messageID)
	d.seen[messageID] = struct{}{}

	// Trim to the most recent capacity entries once the set exceeds 2x.
	if len(d.ids) > 2*d.capacity {
		drop := d.ids[:len(d.ids)-d.capacity]
		for _, id := range drop {
			delete(d.seen, id)
		}
		kept := make([]string, d.capacity)
		copy(kept, d.ids[len(d.ids)-d.capacity:])
		d.ids = kept
	}

	return true
}

// Len returns the number of tracked ids.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.ids)
}

// MessageBuffer is a fixed-capacity ring of the most recent messages, kept
// for inspection via the admin API. Evicted entries release their voice
// payload immediately.
type MessageBuffer struct {
	capacity int
	entries  []BufferedMessage
	start    int // index of the oldest entry
	count    int
	mu       sync.RWMutex
}

// NewMessageBuffer creates a buffer holding at most capacity messages.
// capacity <= 0 falls back to BufferCapacity.
func NewMessageBuffer(capacity int) *MessageBuffer {
	if capacity <= 0 {
		capacity = BufferCapacity
	}
	return &MessageBuffer{
		capacity: capacity,
		entries:  make([]BufferedMessage, capacity),
	}
}

// Push appends a message, evicting the oldest entry when full.
func (b *MessageBuffer) Push(msg BufferedMessage) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == b.capacity {
		// Evict oldest; drop its audio so the payload doesn't outlive
		// the entry.
		b.entries[b.start].VoicePayload = nil
		b.entries[b.start] = msg
		b.start = (b.start + 1) % b.capacity
		return
	}

	b.entries[(b.start+b.count)%b.capacity] = msg
	b.count++
}

// Len returns the number of buffered messages.
func (b *MessageBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Query returns up to limit of the most recent messages, newest first,
// optionally filtered by address. Phone-style filters match on digit
// substrings of From/To; group identifiers (ending in "@g.us") must
// match exactly.
func (b *MessageBuffer) Query(addressFilter string, limit int) []BufferedMessage {
	if limit <= 0 || limit > b.capacity {
		limit = b.capacity
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BufferedMessage, 0, limit)
	for i := b.count - 1; i >= 0 && len(out) < limit; i-- {
		entry := b.entries[(b.start+i)%b.capacity]
		if addressFilter != "" && !matchesAddress(entry, addressFilter) {
			continue
		}
		out = append(out, entry)
	}
	return out
}

// TakeVoicePayload returns the voice payload for a message id and nulls it
// out in the buffer, so consumed audio is not retained.
func (b *MessageBuffer) TakeVoicePayload(messageID string) ([]byte, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i := 0; i < b.count; i++ {
		idx := (b.start + i) % b.capacity
		if b.entries[idx].ID == messageID && b.entries[idx].VoicePayload != nil {
			payload := b.entries[idx].VoicePayload
			mime := b.entries[idx].VoiceMimeType
			b.entries[idx].VoicePayload = nil
			return payload, mime
		}
	}
	return nil, ""
}

// matchesAddress applies the query filter semantics.
func matchesAddress(msg BufferedMessage, filter string) bool {
	if isGroupAddress(filter) {
		return msg.From == filter || msg.To == filter
	}

	digits := onlyDigits(filter)
	if digits == "" {
		return strings.Contains(msg.From, filter) || strings.Contains(msg.To, filter)
	}
	return strings.Contains(onlyDigits(msg.From), digits) ||
		strings.Contains(onlyDigits(msg.To), digits)
}

// isGroupAddress reports whether s is a group JID. Only the suffix is
// checked: formatted phone numbers legitimately contain dashes, and even
// legacy dashed group ids still end in "@g.us".
func isGroupAddress(s string) bool {
	return strings.HasSuffix(s, "@g.us")
}

// IsOpaqueAddress reports whether s is a LID that still needs resolving
// before a permission lookup.
func IsOpaqueAddress(s string) bool {
	return strings.HasSuffix(s, "@lid")
}

// PhoneDigits normalizes a phone-style address to bare digits.
func PhoneDigits(s string) string {
	return onlyDigits(s)
}

// onlyDigits strips everything but 0-9.
func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
