// Package notify records operator-facing notifications in a bounded feed.
package notify

import (
	"log"
	"os"
	"sync"
	"time"
)

// Level is the severity shown to the operator.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Kind classifies why a notification was raised.
type Kind string

const (
	KindTimeout         Kind = "timeout"
	KindBackendError    Kind = "backend_error"
	KindUnavailable     Kind = "channel_unavailable"
	KindStoppedLocally  Kind = "stopped_locally"
	KindFallbackTimeout Kind = "fallback_timeout"
	KindFallbackStarted Kind = "fallback_started"
)

// Notification is a single entry in the feed.
type Notification struct {
	Seq        uint64    `json:"seq"`
	Level      Level     `json:"level"`
	Kind       Kind      `json:"kind"`
	StrategyID string    `json:"strategyId,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Publisher accepts notifications.
type Publisher interface {
	Publish(n Notification) Notification
}

// Feed keeps the most recent notifications, dropping the oldest once full.
type Feed struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	items    []Notification
	logger   *log.Logger
}

const defaultCapacity = 200

// NewFeed creates a feed holding at most capacity entries. Capacity <= 0 uses the default.
func NewFeed(capacity int, logger *log.Logger) *Feed {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = log.New(os.Stdout, "notify ", log.LstdFlags|log.Lmicroseconds)
	}
	return &Feed{
		mu:       sync.Mutex{},
		capacity: capacity,
		seq:      0,
		items:    make([]Notification, 0, capacity),
		logger:   logger,
	}
}

// Publish assigns a sequence number, logs and stores n.
func (f *Feed) Publish(n Notification) Notification {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	if n.Level == "" {
		n.Level = LevelInfo
	}
	f.mu.Lock()
	f.seq++
	n.Seq = f.seq
	if len(f.items) >= f.capacity {
		copy(f.items[0:], f.items[1:])
		f.items[len(f.items)-1] = n
	} else {
		f.items = append(f.items, n)
	}
	f.mu.Unlock()

	f.logger.Printf("[%s] %s %s: %s", n.Level, n.StrategyID, n.Kind, n.Message)
	return n
}

// Recent returns up to limit entries, oldest first. limit <= 0 returns everything held.
func (f *Feed) Recent(limit int) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	start := 0
	if limit > 0 && len(f.items) > limit {
		start = len(f.items) - limit
	}
	out := make([]Notification, len(f.items)-start)
	copy(out, f.items[start:])
	return out
}

// Since returns entries with a sequence number greater than seq.
func (f *Feed) Since(seq uint64) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Notification, 0)
	for _, n := range f.items {
		if n.Seq > seq {
			out = append(out, n)
		}
	}
	return out
}

// Len returns the number of held entries.
func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
