package session

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-bridge/internal/domain"
	"convo-bridge/internal/repository"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// memPersister records backend calls and can be told to fail.
type memPersister struct {
	records map[string]domain.ConversationRecord
	loadErr error
	putErr  error
	deleted []string
	puts    int
}

func newMemPersister() *memPersister {
	return &memPersister{records: make(map[string]domain.ConversationRecord)}
}

func (m *memPersister) Load(_ context.Context) (map[string]domain.ConversationRecord, error) {
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	out := make(map[string]domain.ConversationRecord, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out, nil
}

func (m *memPersister) Put(_ context.Context, rec domain.ConversationRecord) error {
	m.puts++
	if m.putErr != nil {
		return m.putErr
	}
	m.records[rec.ConversationID] = rec
	return nil
}

func (m *memPersister) Delete(_ context.Context, ids ...string) error {
	for _, id := range ids {
		delete(m.records, id)
	}
	m.deleted = append(m.deleted, ids...)
	return nil
}

// readingPersister also serves single-record reads, like the shared backends.
type readingPersister struct {
	*memPersister
}

func (r readingPersister) Get(_ context.Context, id string) (domain.ConversationRecord, bool, error) {
	rec, ok := r.records[id]
	return rec, ok, nil
}

func newTestStore(t *testing.T, p repository.Persister, clock *fakeClock) *Store {
	t.Helper()
	return Open(context.Background(), p, WithClock(clock.Now))
}

func TestGetState_DefaultsToReady(t *testing.T) {
	s := newTestStore(t, newMemPersister(), newFakeClock())
	require.Equal(t, domain.StateReadyForResponse, s.GetState(context.Background(), "unknown"))
	_, ok := s.Get(context.Background(), "unknown")
	require.False(t, ok)
}

func TestSave_SetsExpiryAndPersists(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := newMemPersister()
	s := newTestStore(t, p, clock)

	require.True(t, s.Save(ctx, "c1", "sess-1", domain.StateReadyForResponse))
	sid, ok := s.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, "sess-1", sid)

	rec := p.records["c1"]
	require.True(t, rec.Expiry.Equal(clock.Now().Add(DefaultTTL)))
	require.NotNil(t, rec.LastUserReplyTime)
	require.Nil(t, rec.LastAIResponseTime)
}

func TestGet_LazilyEvictsExpired(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := newMemPersister()
	s := newTestStore(t, p, clock)

	s.Save(ctx, "c1", "sess-1", domain.StateAwaitingUserReply)
	clock.Advance(DefaultTTL + time.Second)

	_, ok := s.Get(ctx, "c1")
	require.False(t, ok)
	require.NotContains(t, p.records, "c1")
	require.Equal(t, domain.StateReadyForResponse, s.GetState(ctx, "c1"))
}

func TestMarkAwaitingUserReply_CreatesOrUpdates(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore(t, newMemPersister(), clock)

	s.MarkAwaitingUserReply(ctx, "new", "sess-new")
	rec, ok := s.Record(ctx, "new")
	require.True(t, ok)
	require.Equal(t, domain.StateAwaitingUserReply, rec.State)
	require.Equal(t, "sess-new", rec.Session())

	s.Save(ctx, "c1", "sess-1", domain.StateReadyForResponse)
	created, _ := s.Record(ctx, "c1")
	clock.Advance(time.Minute)
	s.MarkAwaitingUserReply(ctx, "c1", "ignored")
	rec, _ = s.Record(ctx, "c1")
	require.Equal(t, domain.StateAwaitingUserReply, rec.State)
	require.Equal(t, "sess-1", rec.Session())
	require.True(t, rec.LastAIResponseTime.Equal(clock.Now()))
	require.True(t, rec.Expiry.Equal(created.Expiry), "awaiting must not extend expiry")
}

func TestMarkReadyForResponse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemPersister(), newFakeClock())

	require.False(t, s.MarkReadyForResponse(ctx, "absent"))
	_, ok := s.Record(ctx, "absent")
	require.False(t, ok, "ready state for an absent record is implicit")

	s.MarkAwaitingUserReply(ctx, "c1", "sess-1")
	require.True(t, s.MarkReadyForResponse(ctx, "c1"))
	require.True(t, s.MarkReadyForResponse(ctx, "c1"))
	require.Equal(t, domain.StateReadyForResponse, s.GetState(ctx, "c1"))
}

func TestMarkAdminTakeover_NewConversation(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore(t, newMemPersister(), clock)

	require.True(t, s.MarkAdminTakeover(ctx, "c1", "admin42"))
	rec, ok := s.Record(ctx, "c1")
	require.True(t, ok)
	require.Nil(t, rec.SessionID)
	require.Equal(t, domain.StateAdminTakeover, rec.State)
	require.Equal(t, "admin42", rec.AdminID)
	require.True(t, rec.Expiry.Equal(clock.Now().Add(DefaultTakeoverTTL)))

	_, ok = s.Get(ctx, "c1")
	require.False(t, ok, "takeover without session has no session id")

	clock.Advance(DefaultTakeoverTTL + time.Second)
	require.Equal(t, domain.StateReadyForResponse, s.GetState(ctx, "c1"))
}

func TestMarkAdminTakeover_KeepsSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newMemPersister(), newFakeClock())

	s.Save(ctx, "c1", "sess-1", domain.StateAwaitingUserReply)
	s.MarkAdminTakeover(ctx, "c1", "admin42")
	sid, ok := s.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, "sess-1", sid)
}

func TestClearTakeover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore(t, newMemPersister(), clock)

	require.False(t, s.ClearTakeover(ctx, "c1"))
	s.MarkAdminTakeover(ctx, "c1", "admin42")
	require.True(t, s.ClearTakeover(ctx, "c1"))

	rec, _ := s.Record(ctx, "c1")
	require.Equal(t, domain.StateReadyForResponse, rec.State)
	require.Empty(t, rec.AdminID)
	require.True(t, rec.Expiry.Equal(clock.Now().Add(DefaultTTL)))
	require.False(t, s.ClearTakeover(ctx, "c1"))
}

func TestRemoveAndAll(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore(t, newMemPersister(), clock)

	s.Save(ctx, "c1", "sess-1", domain.StateReadyForResponse)
	s.MarkAdminTakeover(ctx, "c2", "admin42")
	require.Equal(t, map[string]string{"c1": "sess-1", "c2": ""}, s.All(ctx))

	require.True(t, s.Remove(ctx, "c1"))
	require.False(t, s.Remove(ctx, "c1"))

	clock.Advance(DefaultTakeoverTTL + time.Second)
	require.Empty(t, s.All(ctx))
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	p := newMemPersister()
	s := newTestStore(t, p, clock)

	s.Save(ctx, "c1", "sess-1", domain.StateReadyForResponse)
	s.MarkAdminTakeover(ctx, "c2", "admin42")
	clock.Advance(DefaultTakeoverTTL + time.Second)

	require.Equal(t, 1, s.Sweep(ctx))
	require.Equal(t, []string{"c2"}, p.deleted)
	require.Len(t, s.Records(ctx), 1)
}

func TestPersistFailure_InMemoryStaysAuthoritative(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	p.putErr = errors.New("disk full")
	s := newTestStore(t, p, newFakeClock())

	require.True(t, s.Save(ctx, "c1", "sess-1", domain.StateReadyForResponse))
	sid, ok := s.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, "sess-1", sid)
	require.Equal(t, 1, p.puts)
}

func TestOpen_LoadFailureStartsEmpty(t *testing.T) {
	p := newMemPersister()
	p.loadErr = errors.New("corrupt")
	s := newTestStore(t, p, newFakeClock())
	require.Empty(t, s.All(context.Background()))
}

func TestRoundTrip_FileBackend(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "sessions.json")

	fs, err := repository.NewFileStore(path)
	require.NoError(t, err)
	s := Open(ctx, fs, WithClock(clock.Now), WithTTL(2*time.Hour), WithTakeoverTTL(time.Hour))

	s.Save(ctx, "ready", "sess-r", domain.StateReadyForResponse)
	s.Save(ctx, "awaiting", "sess-a", domain.StateReadyForResponse)
	s.MarkAwaitingUserReply(ctx, "awaiting", "sess-a")
	s.MarkAdminTakeover(ctx, "takeover", "admin42")
	clock.Advance(90 * time.Minute) // takeover expired, sessions live

	reopenedFS, err := repository.NewFileStore(path)
	require.NoError(t, err)
	reopened := Open(ctx, reopenedFS, WithClock(clock.Now))

	type pair struct {
		session string
		state   domain.State
	}
	got := map[string]pair{}
	for _, rec := range reopened.Records(ctx) {
		got[rec.ConversationID] = pair{rec.Session(), rec.State}
	}
	require.Equal(t, map[string]pair{
		"ready":    {"sess-r", domain.StateReadyForResponse},
		"awaiting": {"sess-a", domain.StateAwaitingUserReply},
	}, got)
}

func TestReplaceSession_KeepsTakeover(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	s := newTestStore(t, newMemPersister(), clock)

	s.Save(ctx, "c1", "sess-1", domain.StateAwaitingUserReply)
	s.MarkAdminTakeover(ctx, "c1", "admin42")
	before, _ := s.Record(ctx, "c1")

	require.True(t, s.ReplaceSession(ctx, "c1", "sess-2"))
	rec, ok := s.Record(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, "sess-2", rec.Session())
	require.Equal(t, domain.StateAdminTakeover, rec.State)
	require.Equal(t, "admin42", rec.AdminID)
	require.True(t, rec.Expiry.Equal(before.Expiry))

	require.True(t, s.ReplaceSession(ctx, "fresh", "sess-3"))
	rec, _ = s.Record(ctx, "fresh")
	require.Equal(t, domain.StateReadyForResponse, rec.State)
	require.True(t, rec.Expiry.Equal(clock.Now().Add(DefaultTTL)))
}

func TestOpen_KeepsRecordsBesideUndecodableOne(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.json")
	doc := `{
  "good1": {"session_id": "s1", "created": "2026-03-01T11:00:00Z", "expiry": "2026-03-02T11:00:00Z", "state": "awaiting_user_reply"},
  "good2": {"session_id": null, "created": "2026-03-01T11:00:00Z", "expiry": "2026-03-01T23:00:00Z", "state": "admin_takeover", "admin_id": "admin42"},
  "bad": {"session_id": "s3", "created": "yesterday", "expiry": "2026-03-02T11:00:00Z", "state": "ready_for_response"}
}`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	fs, err := repository.NewFileStore(path)
	require.NoError(t, err)
	s := Open(ctx, fs, WithClock(newFakeClock().Now))
	require.Len(t, s.Records(ctx), 2)
	require.Equal(t, domain.StateAdminTakeover, s.GetState(ctx, "good2"))

	s.Save(ctx, "new", "s4", domain.StateReadyForResponse)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stored map[string]map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	require.Len(t, stored, 4)
	require.Equal(t, "yesterday", stored["bad"]["created"])
	require.Equal(t, "admin42", stored["good2"]["admin_id"])
}

func TestReadThrough_SeesOtherProcess(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	path := filepath.Join(t.TempDir(), "sessions.json")
	open := func() *Store {
		fs, err := repository.NewFileStore(path)
		require.NoError(t, err)
		return Open(ctx, fs, WithClock(clock.Now))
	}

	server := open()
	server.Save(ctx, "c1", "sess-1", domain.StateAwaitingUserReply)

	cli := open()
	require.True(t, cli.MarkAdminTakeover(ctx, "c1", "admin42"))

	require.Equal(t, domain.StateAdminTakeover, server.GetState(ctx, "c1"))
	server.Save(ctx, "c2", "sess-2", domain.StateReadyForResponse)

	check := open()
	rec, ok := check.Record(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, domain.StateAdminTakeover, rec.State)
	require.Equal(t, "admin42", rec.AdminID)
	require.Len(t, check.Records(ctx), 2)

	require.True(t, cli.Remove(ctx, "c2"))
	require.Equal(t, map[string]string{"c1": "sess-1"}, server.All(ctx))
}

func TestPersistFailure_MemoryWinsOverStaleBackend(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	s := newTestStore(t, readingPersister{p}, newFakeClock())

	p.putErr = errors.New("disk full")
	s.Save(ctx, "c1", "sess-1", domain.StateReadyForResponse)
	sid, ok := s.Get(ctx, "c1")
	require.True(t, ok)
	require.Equal(t, "sess-1", sid)
	require.Len(t, s.Records(ctx), 1)

	p.putErr = nil
	s.MarkAwaitingUserReply(ctx, "c1", "sess-1")
	require.Contains(t, p.records, "c1")

	delete(p.records, "c1")
	_, ok = s.Get(ctx, "c1")
	require.False(t, ok, "a clean id follows the backend")
}
