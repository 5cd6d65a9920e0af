// Package ratelimit bounds AI-backend call volume with two fixed ceilings:
// a global per-minute count and a per-conversation count per calendar day.
package ratelimit

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxPerMinute             = 10
	DefaultMaxPerConversationPerDay = 15

	window    = 60 * time.Second
	dayLayout = "2006-01-02"
)

type Config struct {
	MaxPerMinute             int `yaml:"max_per_minute"`
	MaxPerConversationPerDay int `yaml:"max_per_conversation_per_day"`
}

func (c Config) withDefaults() Config {
	if c.MaxPerMinute <= 0 {
		c.MaxPerMinute = DefaultMaxPerMinute
	}
	if c.MaxPerConversationPerDay <= 0 {
		c.MaxPerConversationPerDay = DefaultMaxPerConversationPerDay
	}
	return c
}

// Usage is a point-in-time view of the limiter counters.
type Usage struct {
	Sent         int
	MaxPerMinute int
	WindowStart  time.Time
	Conversation map[string]int
}

// Limiter is safe for concurrent use. Check and Increment are separate calls:
// callers increment only after a reply was actually delivered.
type Limiter struct {
	cfg Config
	now func() time.Time
	log *slog.Logger

	mu          sync.Mutex
	sent        int
	windowStart time.Time
	perDay      map[string]int
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the logger used for limit events.
func WithLogger(log *slog.Logger) Option {
	return func(l *Limiter) {
		if log != nil {
			l.log = log
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		log:    slog.Default(),
		perDay: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.windowStart = l.now()
	return l
}

func (l *Limiter) Config() Config { return l.cfg }

// Check reports whether a reply to conversationID fits under both ceilings.
// It does not mutate any counter.
func (l *Limiter) Check(conversationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sent >= l.cfg.MaxPerMinute {
		l.log.Warn("ratelimit: global limit reached", "sent", l.sent, "max", l.cfg.MaxPerMinute)
		return false
	}
	key := l.dayKey(conversationID)
	if n := l.perDay[key]; n >= l.cfg.MaxPerConversationPerDay {
		l.log.Warn("ratelimit: conversation limit reached",
			"conversation_id", conversationID, "count", n, "max", l.cfg.MaxPerConversationPerDay)
		return false
	}
	return true
}

// Increment bumps the global and per-conversation counters unconditionally.
func (l *Limiter) Increment(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sent++
	key := l.dayKey(conversationID)
	l.perDay[key]++
	l.log.Info("ratelimit: counters",
		"global", l.sent, "global_max", l.cfg.MaxPerMinute,
		"conversation_id", conversationID, "conversation", l.perDay[key],
		"conversation_max", l.cfg.MaxPerConversationPerDay)
}

// ResetWindowIfElapsed zeroes the global counter once more than a minute has
// passed since the window started. Per-day keys from earlier dates are
// dropped at the same time.
func (l *Limiter) ResetWindowIfElapsed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.windowStart) <= window {
		return false
	}
	l.sent = 0
	l.windowStart = now
	l.pruneLocked(now)
	l.log.Debug("ratelimit: minute window reset")
	return true
}

func (l *Limiter) Snapshot() Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	conv := make(map[string]int, len(l.perDay))
	for k, v := range l.perDay {
		conv[k] = v
	}
	return Usage{
		Sent:         l.sent,
		MaxPerMinute: l.cfg.MaxPerMinute,
		WindowStart:  l.windowStart,
		Conversation: conv,
	}
}

func (l *Limiter) dayKey(conversationID string) string {
	return conversationID + "_" + l.now().Format(dayLayout)
}

func (l *Limiter) pruneLocked(now time.Time) {
	suffix := "_" + now.Format(dayLayout)
	for k := range l.perDay {
		if !strings.HasSuffix(k, suffix) {
			delete(l.perDay, k)
		}
	}
}
