// Package session is the durable conversation state store. It keeps the
// records in memory, applies expiry on every read and write pass, and
// mirrors each mutation to a repository.Persister. Backends that also
// implement repository.Reader are read through, so a CLI or a second
// instance sharing the backend is seen on the next access. Backend failures
// are logged and never surface to callers.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"convo-bridge/internal/domain"
	"convo-bridge/internal/repository"
)

const (
	DefaultTTL         = 24 * time.Hour
	DefaultTakeoverTTL = 12 * time.Hour
)

// Store keeps one ConversationRecord per conversation.
type Store struct {
	backend     repository.Persister
	reader      repository.Reader
	ttl         time.Duration
	takeoverTTL time.Duration
	now         func() time.Time
	log         *slog.Logger

	mu      sync.Mutex
	records map[string]domain.ConversationRecord
	// dirty holds ids whose last backend write failed. The in-memory copy of
	// those ids wins over the backend until a write succeeds.
	dirty map[string]bool
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the session lifetime applied on save.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithTakeoverTTL sets how long an admin takeover suppresses replies.
func WithTakeoverTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.takeoverTTL = d
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger used for store events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// Open builds a Store and loads the records persisted by backend. A failed
// load is logged and the store starts empty. Entries the backend could not
// decode are logged and left in the backend. Records already expired are
// dropped from the backend as well.
func Open(ctx context.Context, backend repository.Persister, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		ttl:         DefaultTTL,
		takeoverTTL: DefaultTakeoverTTL,
		now:         time.Now,
		log:         slog.Default(),
		records:     make(map[string]domain.ConversationRecord),
		dirty:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}

	if backend == nil {
		return s
	}
	if r, ok := backend.(repository.Reader); ok {
		s.reader = r
	}
	loaded, err := s.load(ctx)
	if err != nil {
		s.log.Error("session: load failed, starting empty", "err", err)
		return s
	}
	if loaded != nil {
		s.records = loaded
	}
	s.mu.Lock()
	evicted := s.evictExpiredLocked(ctx)
	s.mu.Unlock()
	s.log.Info("session: loaded records", "count", len(s.records), "expired", evicted)
	return s
}

// TTL returns the configured session lifetime.
func (s *Store) TTL() time.Duration { return s.ttl }

// TakeoverTTL returns the configured takeover lifetime.
func (s *Store) TakeoverTTL() time.Duration { return s.takeoverTTL }

// Get returns the session id for conversationID when an unexpired record
// with a session exists.
func (s *Store) Get(ctx context.Context, conversationID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok || rec.SessionID == nil {
		return "", false
	}
	return *rec.SessionID, true
}

// GetState returns the stored state, READY_FOR_RESPONSE when no record exists.
func (s *Store) GetState(ctx context.Context, conversationID string) domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok || !rec.State.Valid() {
		return domain.StateReadyForResponse
	}
	return rec.State
}

// Record returns a copy of the unexpired record for conversationID.
func (s *Store) Record(ctx context.Context, conversationID string) (domain.ConversationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked(ctx, conversationID)
}

// Save upserts a record with a fresh expiry. It always succeeds.
func (s *Store) Save(ctx context.Context, conversationID, sessionID string, state domain.State) bool {
	if !state.Valid() {
		state = domain.StateReadyForResponse
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec := domain.ConversationRecord{
		ConversationID:    conversationID,
		SessionID:         domain.StringPtr(sessionID),
		State:             state,
		Created:           now,
		Expiry:            now.Add(s.ttl),
		LastUserReplyTime: domain.TimePtr(now),
	}
	s.putLocked(ctx, rec)
	s.log.Info("session: saved", "conversation_id", conversationID, "session_id", sessionID, "state", state)
	return true
}

// ReplaceSession swaps the session id of a live record and keeps its state,
// admin and expiry. Without a live record it saves a fresh ready one.
func (s *Store) ReplaceSession(ctx context.Context, conversationID, sessionID string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok {
		rec = domain.ConversationRecord{
			ConversationID:    conversationID,
			State:             domain.StateReadyForResponse,
			Created:           now,
			Expiry:            now.Add(s.ttl),
			LastUserReplyTime: domain.TimePtr(now),
		}
	}
	rec.SessionID = domain.StringPtr(sessionID)
	s.putLocked(ctx, rec)
	s.log.Info("session: session replaced", "conversation_id", conversationID, "session_id", sessionID, "state", rec.State)
	return true
}

// MarkAwaitingUserReply records that an AI reply was delivered.
func (s *Store) MarkAwaitingUserReply(ctx context.Context, conversationID, sessionID string) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok {
		rec = domain.ConversationRecord{
			ConversationID:    conversationID,
			SessionID:         domain.StringPtr(sessionID),
			Created:           now,
			Expiry:            now.Add(s.ttl),
			LastUserReplyTime: domain.TimePtr(now),
		}
	} else if rec.SessionID == nil && sessionID != "" {
		rec.SessionID = domain.StringPtr(sessionID)
	}
	rec.State = domain.StateAwaitingUserReply
	rec.LastAIResponseTime = domain.TimePtr(now)
	s.putLocked(ctx, rec)
	s.log.Info("session: awaiting user reply", "conversation_id", conversationID)
}

// MarkReadyForResponse flips an existing record to ready. An absent record
// is implicitly ready and is not written.
func (s *Store) MarkReadyForResponse(ctx context.Context, conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok {
		return false
	}
	rec.State = domain.StateReadyForResponse
	rec.LastUserReplyTime = domain.TimePtr(s.now())
	s.putLocked(ctx, rec)
	s.log.Info("session: ready for response", "conversation_id", conversationID)
	return true
}

// MarkAdminTakeover suppresses AI replies until ClearTakeover or until the
// takeover TTL elapses.
func (s *Store) MarkAdminTakeover(ctx context.Context, conversationID, adminID string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok {
		rec = domain.ConversationRecord{
			ConversationID: conversationID,
			Created:        now,
		}
	}
	rec.State = domain.StateAdminTakeover
	rec.AdminID = adminID
	rec.Expiry = now.Add(s.takeoverTTL)
	s.putLocked(ctx, rec)
	s.log.Info("session: admin takeover", "conversation_id", conversationID, "admin_id", adminID)
	return true
}

// ClearTakeover reactivates AI replies for a conversation under takeover.
func (s *Store) ClearTakeover(ctx context.Context, conversationID string) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.liveLocked(ctx, conversationID)
	if !ok || rec.State != domain.StateAdminTakeover {
		return false
	}
	rec.State = domain.StateReadyForResponse
	rec.AdminID = ""
	rec.Expiry = now.Add(s.ttl)
	rec.LastUserReplyTime = domain.TimePtr(now)
	s.putLocked(ctx, rec)
	s.log.Info("session: takeover cleared", "conversation_id", conversationID)
	return true
}

// Remove deletes the record for conversationID.
func (s *Store) Remove(ctx context.Context, conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshLocked(ctx, conversationID)
	if _, ok := s.records[conversationID]; !ok {
		return false
	}
	delete(s.records, conversationID)
	s.deleteLocked(ctx, conversationID)
	s.log.Info("session: removed", "conversation_id", conversationID)
	return true
}

// All returns conversation id → session id for every unexpired record. A
// record without a session maps to "".
func (s *Store) All(ctx context.Context) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncLocked(ctx)
	s.evictExpiredLocked(ctx)
	out := make(map[string]string, len(s.records))
	for id, rec := range s.records {
		out[id] = rec.Session()
	}
	return out
}

// Records returns a sorted copy of every unexpired record.
func (s *Store) Records(ctx context.Context) []domain.ConversationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.syncLocked(ctx)
	s.evictExpiredLocked(ctx)
	out := make([]domain.ConversationRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out
}

// Sweep evicts expired records and returns how many were dropped.
func (s *Store) Sweep(ctx context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(ctx)
	return s.evictExpiredLocked(ctx)
}

// liveLocked returns the record if present and unexpired, evicting it
// otherwise.
func (s *Store) liveLocked(ctx context.Context, conversationID string) (domain.ConversationRecord, bool) {
	s.refreshLocked(ctx, conversationID)
	rec, ok := s.records[conversationID]
	if !ok {
		return domain.ConversationRecord{}, false
	}
	if rec.Expired(s.now()) {
		delete(s.records, conversationID)
		s.deleteLocked(ctx, conversationID)
		s.log.Info("session: expired", "conversation_id", conversationID, "state", rec.State)
		return domain.ConversationRecord{}, false
	}
	return rec, true
}

func (s *Store) evictExpiredLocked(ctx context.Context) int {
	now := s.now()
	var expired []string
	for id, rec := range s.records {
		if rec.Expired(now) {
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return 0
	}
	for _, id := range expired {
		delete(s.records, id)
	}
	s.deleteLocked(ctx, expired...)
	s.log.Info("session: cleaned up expired records", "count", len(expired))
	return len(expired)
}

// load reads every record from the backend. Entries the backend skipped
// are logged and do not fail the load.
func (s *Store) load(ctx context.Context) (map[string]domain.ConversationRecord, error) {
	loaded, err := s.backend.Load(ctx)
	var loadErr *repository.LoadError
	if errors.As(err, &loadErr) {
		for id, cause := range loadErr.Skipped {
			s.log.Warn("session: skipped undecodable record", "conversation_id", id, "err", cause)
		}
		return loaded, nil
	}
	return loaded, err
}

// refreshLocked replaces the in-memory copy of conversationID with the
// backend's. Dirty ids and read failures keep the in-memory copy.
func (s *Store) refreshLocked(ctx context.Context, conversationID string) {
	if s.reader == nil || s.dirty[conversationID] {
		return
	}
	rec, ok, err := s.reader.Get(ctx, conversationID)
	if err != nil {
		s.log.Warn("session: read-through failed", "conversation_id", conversationID, "err", err)
		return
	}
	if !ok {
		delete(s.records, conversationID)
		return
	}
	s.records[conversationID] = rec
}

// syncLocked merges a full backend load into memory, keeping dirty ids.
func (s *Store) syncLocked(ctx context.Context) {
	if s.reader == nil {
		return
	}
	loaded, err := s.load(ctx)
	if err != nil {
		s.log.Warn("session: reload failed, keeping memory", "err", err)
		return
	}
	for id := range s.records {
		if _, found := loaded[id]; !found && !s.dirty[id] {
			delete(s.records, id)
		}
	}
	for id, rec := range loaded {
		if !s.dirty[id] {
			s.records[id] = rec
		}
	}
}

func (s *Store) putLocked(ctx context.Context, rec domain.ConversationRecord) {
	s.records[rec.ConversationID] = rec
	if s.backend == nil {
		return
	}
	if err := s.backend.Put(ctx, rec); err != nil {
		s.dirty[rec.ConversationID] = true
		s.log.Error("session: persist failed", "conversation_id", rec.ConversationID, "err", err)
		return
	}
	delete(s.dirty, rec.ConversationID)
}

func (s *Store) deleteLocked(ctx context.Context, ids ...string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Delete(ctx, ids...); err != nil {
		for _, id := range ids {
			s.dirty[id] = true
		}
		s.log.Error("session: persist delete failed", "ids", ids, "err", err)
		return
	}
	for _, id := range ids {
		delete(s.dirty, id)
	}
}
