package poller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-bridge/internal/domain"
	"convo-bridge/internal/integrations/intercom"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

type fakeSource struct {
	convs    map[string]domain.ConversationContext
	listErr  error
	listOpts []intercom.ListOptions
	fetched  []string
	// ghosts are listed but cannot be fetched.
	ghosts   []string
}

func (f *fakeSource) Workspaces() []string { return []string{"main"} }

func (f *fakeSource) ListConversations(_ context.Context, _ string, opts intercom.ListOptions) ([]domain.ConversationContext, error) {
	f.listOpts = append(f.listOpts, opts)
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]domain.ConversationContext, 0, len(f.convs))
	for _, c := range f.convs {
		out = append(out, domain.ConversationContext{ID: c.ID, UpdatedAt: c.UpdatedAt})
	}
	for _, id := range f.ghosts {
		out = append(out, domain.ConversationContext{ID: id})
	}
	return out, nil
}

func (f *fakeSource) FetchConversation(_ context.Context, _, id string) (domain.ConversationContext, error) {
	f.fetched = append(f.fetched, id)
	c, ok := f.convs[id]
	if !ok {
		return domain.ConversationContext{}, errors.New("not found")
	}
	return c, nil
}

type recordingSink struct{ events []domain.InboundEvent }

func (s *recordingSink) OnInbound(ev domain.InboundEvent) { s.events = append(s.events, ev) }

type counters struct {
	resets, sweeps, verifies int
}

func (c *counters) ResetWindowIfElapsed() bool { c.resets++; return true }
func (c *counters) Sweep(context.Context) int  { c.sweeps++; return 0 }
func (c *counters) VerifySessions(context.Context) (bool, error) {
	c.verifies++
	return false, nil
}

type stopSwitch bool

func (s stopSwitch) Active() bool { return bool(s) }

func part(id, author, body string, at time.Time) domain.ConversationPart {
	return domain.ConversationPart{ID: id, PartType: "comment", AuthorType: author, Body: body, CreatedAt: at}
}

func newPoller(t *testing.T, src *fakeSource, sink *recordingSink, c *counters, now *time.Time) *Poller {
	t.Helper()
	p, err := New(Config{HeartbeatEvery: 2}, Deps{
		Source:   src,
		Sink:     sink,
		Limiter:  c,
		Sessions: c,
		Verifier: c,
		Now:      func() time.Time { return *now },
	})
	require.NoError(t, err)
	return p
}

func TestExtractNewMessages(t *testing.T) {
	seen, err := LoadProcessedSet("", 0)
	require.NoError(t, err)
	seen.Add("old-id")

	conv := domain.ConversationContext{ID: "c1", WorkspaceID: "main", Parts: []domain.ConversationPart{
		part("p3", "user", "<p>second</p>", t0.Add(3*time.Second)),
		part("p1", "user", "first", t0.Add(time.Second)),
		part("p2", domain.AuthorAdmin, "admin reply", t0.Add(2*time.Second)),
		part("p0", "user", "too old", t0.Add(-time.Second)),
		part("old-id", "user", "seen", t0.Add(4*time.Second)),
		part("p5", "lead", "<br>", t0.Add(5*time.Second)),
		part("p6", "", "no author", t0.Add(6*time.Second)),
	}}

	evs := ExtractNewMessages(conv, t0, seen, t0.Add(time.Minute))
	require.Len(t, evs, 3)
	require.Equal(t, "p1", evs[0].MessageID)
	require.Equal(t, "p3", evs[1].MessageID)
	require.Equal(t, "second", evs[1].Text)
	require.Equal(t, "p6", evs[2].MessageID)
	require.Equal(t, "main", evs[0].WorkspaceID)
	require.True(t, seen.Has("p1"))
	require.False(t, seen.Has("p5"), "empty bodies are not marked processed")

	require.Empty(t, ExtractNewMessages(conv, t0, seen, t0), "second pass finds nothing new")
}

func TestRunOnce_DeliversAndAdvances(t *testing.T) {
	now := t0
	src := &fakeSource{convs: map[string]domain.ConversationContext{
		"c1": {ID: "c1", UpdatedAt: t0.Add(-10 * time.Minute), Parts: []domain.ConversationPart{
			part("p1", "user", "hello", t0.Add(-10*time.Minute)),
		}},
	}}
	sink := &recordingSink{}
	c := &counters{}
	p := newPoller(t, src, sink, c, &now)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "c1", sink.events[0].ConversationID)
	require.Equal(t, "main", sink.events[0].WorkspaceID)
	require.Equal(t, intercom.ListOptions{PerPage: 25, State: "open", Sort: "updated_at", Order: "desc"}, src.listOpts[0])
	require.Equal(t, 1, c.resets)
	require.Equal(t, 1, c.sweeps)
	require.Zero(t, c.verifies)

	// Nothing updated since the previous cycle: no fetch at all.
	now = t0.Add(time.Minute)
	src.fetched = nil
	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, src.fetched)
	require.Equal(t, 1, c.verifies, "heartbeat runs every second cycle")

	// A new user part arrives.
	now = t0.Add(2 * time.Minute)
	conv := src.convs["c1"]
	conv.UpdatedAt = now.Add(-10 * time.Second)
	conv.Parts = append(conv.Parts, part("p2", "user", "again", now.Add(-10*time.Second)))
	src.convs["c1"] = conv
	n, err = p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "p2", sink.events[1].MessageID)
}

func TestRunOnce_EmergencyStop(t *testing.T) {
	now := t0
	src := &fakeSource{}
	c := &counters{}
	p := newPoller(t, src, &recordingSink{}, c, &now)
	p.deps.Stop = stopSwitch(true)

	_, err := p.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrEmergencyStop)
	require.Empty(t, src.listOpts)
	require.Zero(t, c.resets)
}

func TestRunOnce_ListErrorReported(t *testing.T) {
	now := t0
	src := &fakeSource{listErr: errors.New("intercom down")}
	p := newPoller(t, src, &recordingSink{}, &counters{}, &now)
	_, err := p.RunOnce(context.Background())
	require.ErrorContains(t, err, "intercom down")
}

func TestRunOnce_FetchErrorSkipsConversation(t *testing.T) {
	now := t0
	src := &fakeSource{
		convs: map[string]domain.ConversationContext{"c2": {ID: "c2", Parts: []domain.ConversationPart{
			part("p1", "user", "still here", t0.Add(-time.Minute)),
		}}},
		ghosts: []string{"gone"},
	}
	sink := &recordingSink{}
	p := newPoller(t, src, sink, &counters{}, &now)

	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Contains(t, src.fetched, "gone")
}

func TestRun_StopsOnCancel(t *testing.T) {
	now := t0
	path := filepath.Join(t.TempDir(), "processed.json")
	set, err := LoadProcessedSet(path, 0)
	require.NoError(t, err)
	p, err := New(Config{Interval: time.Hour}, Deps{
		Source:    &fakeSource{},
		Sink:      &recordingSink{},
		Processed: set,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	require.FileExists(t, path)
}

func TestNew_RequiresSourceAndSink(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}
