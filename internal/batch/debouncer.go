// Package batch coalesces bursts of inbound messages per conversation. Each
// arrival resets a single-shot timer; the accumulated batch is handed off
// only after a quiet period of one window.
package batch

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"convo-bridge/internal/domain"
)

const DefaultWindow = 5 * time.Second

// Timer is a cancellable delayed task.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d on its own goroutine.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// RealScheduler is backed by time.AfterFunc.
type RealScheduler struct{}

func (RealScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

type pending struct {
	batch domain.Batch
	timer Timer
	gen   uint64
}

// Debouncer keeps at most one live batch per conversation.
type Debouncer struct {
	window time.Duration
	sched  Scheduler
	now    func() time.Time
	flush  func(domain.Batch)
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	gen     uint64
	closed  bool
	// inflight counts handoffs started before Close. Add only runs under mu
	// while the debouncer is open.
	inflight sync.WaitGroup
}

type Option func(*Debouncer)

// WithScheduler replaces the timer source, for tests.
func WithScheduler(s Scheduler) Option {
	return func(d *Debouncer) {
		if s != nil {
			d.sched = s
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Debouncer) {
		if now != nil {
			d.now = now
		}
	}
}

// WithLogger sets the logger used for batch events.
func WithLogger(l *slog.Logger) Option {
	return func(d *Debouncer) {
		if l != nil {
			d.log = l
		}
	}
}

// New returns a Debouncer that calls flush with each completed batch. A
// window <= 0 disables buffering: every event is flushed synchronously as a
// batch of one.
func New(window time.Duration, flush func(domain.Batch), opts ...Option) *Debouncer {
	d := &Debouncer{
		window:  window,
		sched:   RealScheduler{},
		now:     time.Now,
		flush:   flush,
		log:     slog.Default(),
		pending: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Debouncer) Window() time.Duration { return d.window }

// OnInbound buffers ev and restarts its conversation's countdown.
func (d *Debouncer) OnInbound(ev domain.InboundEvent) {
	if ev.ConversationID == "" {
		d.log.Error("batch: dropping event without conversation id", "message_id", ev.MessageID)
		return
	}
	if ev.ArrivalTime.IsZero() {
		ev.ArrivalTime = d.now()
	}

	d.mu.Lock()
	if d.window <= 0 || d.closed {
		tracked := !d.closed
		if tracked {
			d.inflight.Add(1)
		}
		d.mu.Unlock()
		if tracked {
			defer d.inflight.Done()
		}
		d.flush(domain.Batch{
			ConversationID: ev.ConversationID,
			WorkspaceID:    ev.WorkspaceID,
			Events:         []domain.InboundEvent{ev},
			FirstArrival:   ev.ArrivalTime,
		})
		return
	}
	defer d.mu.Unlock()

	p, ok := d.pending[ev.ConversationID]
	if !ok {
		p = &pending{batch: domain.Batch{
			ConversationID: ev.ConversationID,
			WorkspaceID:    ev.WorkspaceID,
			FirstArrival:   ev.ArrivalTime,
		}}
		d.pending[ev.ConversationID] = p
	}
	p.batch.Events = append(p.batch.Events, ev)
	if p.batch.WorkspaceID == "" {
		p.batch.WorkspaceID = ev.WorkspaceID
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	d.gen++
	gen := d.gen
	id := ev.ConversationID
	p.gen = gen
	p.timer = d.sched.AfterFunc(d.window, func() { d.fire(id, gen) })

	d.log.Debug("batch: buffered message",
		"conversation_id", id, "pending", len(p.batch.Events), "window", d.window)
}

// Flush hands off the pending batch for conversationID immediately. It
// reports whether there was one.
func (d *Debouncer) Flush(conversationID string) bool {
	d.mu.Lock()
	p, ok := d.detachLocked(conversationID)
	if ok {
		d.inflight.Add(1)
	}
	d.mu.Unlock()
	if !ok {
		return false
	}
	defer d.inflight.Done()
	d.handoff(p.batch)
	return true
}

// Pending returns the number of conversations with a buffered batch.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close flushes every pending batch and waits for handoffs already running.
// Later events bypass buffering.
func (d *Debouncer) Close() {
	d.mu.Lock()
	d.closed = true
	ids := make([]string, 0, len(d.pending))
	for id := range d.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	batches := make([]domain.Batch, 0, len(ids))
	for _, id := range ids {
		if p, ok := d.detachLocked(id); ok {
			batches = append(batches, p.batch)
		}
	}
	d.mu.Unlock()

	if len(batches) > 0 {
		d.log.Info("batch: flushing pending batches on close", "count", len(batches))
	}
	for _, b := range batches {
		d.handoff(b)
	}
	d.inflight.Wait()
}

func (d *Debouncer) fire(conversationID string, gen uint64) {
	d.mu.Lock()
	p, ok := d.pending[conversationID]
	if !ok || p.gen != gen {
		// superseded by a newer arrival or already flushed
		d.mu.Unlock()
		return
	}
	delete(d.pending, conversationID)
	d.inflight.Add(1)
	d.mu.Unlock()

	defer d.inflight.Done()
	d.handoff(p.batch)
}

func (d *Debouncer) detachLocked(conversationID string) (*pending, bool) {
	p, ok := d.pending[conversationID]
	if !ok {
		return nil, false
	}
	delete(d.pending, conversationID)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p, true
}

func (d *Debouncer) handoff(b domain.Batch) {
	if len(b.Events) == 0 {
		return
	}
	d.log.Info("batch: flushing",
		"conversation_id", b.ConversationID, "messages", len(b.Events),
		"waited", d.now().Sub(b.FirstArrival).Round(time.Millisecond))
	d.flush(b)
}
