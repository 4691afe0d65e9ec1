package events

import (
	"sync"
	"time"

	"bcsync/internal/models"

	"github.com/google/uuid"
)

// subscriberBuffer is the channel depth of each live subscriber. A subscriber
// that falls further behind misses entries rather than blocking publishers.
const subscriberBuffer = 64

// LogSink keeps the most recent webhook activity in a bounded ring buffer and
// fans new entries out to live subscribers.
type LogSink struct {
	mu          sync.RWMutex
	entries     []models.LogEntry
	next        int
	full        bool
	subscribers map[int]chan models.LogEntry
	nextSubID   int
	now         func() time.Time
}

// NewLogSink constructs a sink holding at most size entries.
func NewLogSink(size int) *LogSink {
	if size <= 0 {
		size = 200
	}
	return &LogSink{
		entries:     make([]models.LogEntry, size),
		subscribers: make(map[int]chan models.LogEntry),
		now:         time.Now,
	}
}

// Publish appends the entry, evicting the oldest once the buffer is full.
func (s *LogSink) Publish(entry models.LogEntry) {
	if s == nil {
		return
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Time.IsZero() {
		entry.Time = s.now().UTC()
	}

	s.mu.Lock()
	s.entries[s.next] = entry
	s.next = (s.next + 1) % len(s.entries)
	if s.next == 0 {
		s.full = true
	}
	// Sends happen under the lock so an unsubscribe cannot close a channel mid-send.
	for _, ch := range s.subscribers {
		select {
		case ch <- entry:
		default:
		}
	}
	s.mu.Unlock()
}

// Recent returns up to n entries, oldest first. n <= 0 returns everything held.
func (s *LogSink) Recent(n int) []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ordered []models.LogEntry
	if s.full {
		ordered = append(ordered, s.entries[s.next:]...)
	}
	ordered = append(ordered, s.entries[:s.next]...)

	if n > 0 && len(ordered) > n {
		ordered = ordered[len(ordered)-n:]
	}
	return append([]models.LogEntry(nil), ordered...)
}

// Subscribe registers a live listener. The returned function unsubscribes and
// closes the channel; it is safe to call more than once.
func (s *LogSink) Subscribe() (<-chan models.LogEntry, func()) {
	ch := make(chan models.LogEntry, subscriberBuffer)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers reports the number of live listeners.
func (s *LogSink) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
