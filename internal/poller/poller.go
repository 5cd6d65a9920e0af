// Package poller is the polling front door. It sweeps open conversations on
// an interval and feeds unseen user messages to the batcher, for
// deployments where webhooks cannot reach the bridge.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"convo-bridge/internal/domain"
	"convo-bridge/internal/integrations/intercom"
	"convo-bridge/internal/usecase"
)

const (
	DefaultInterval       = 60 * time.Second
	DefaultPerPage        = 25
	DefaultHeartbeatEvery = 5
	initialLookback       = time.Hour
	// Cycles overlap so a message stamped in the same second as a cycle
	// start is not missed. Processed ids prevent double delivery.
	cycleOverlap = 5 * time.Second
)

// ErrEmergencyStop is returned by RunOnce while the kill switch is on.
var ErrEmergencyStop = errors.New("poller: emergency stop active")

// Source lists and fetches conversations per workspace.
type Source interface {
	Workspaces() []string
	ListConversations(ctx context.Context, workspaceID string, opts intercom.ListOptions) ([]domain.ConversationContext, error)
	FetchConversation(ctx context.Context, workspaceID, conversationID string) (domain.ConversationContext, error)
}

type Sink interface {
	OnInbound(ev domain.InboundEvent)
}

type WindowResetter interface {
	ResetWindowIfElapsed() bool
}

type Sweeper interface {
	Sweep(ctx context.Context) int
}

type Verifier interface {
	VerifySessions(ctx context.Context) (bool, error)
}

type StopSwitch interface {
	Active() bool
}

type Config struct {
	Interval       time.Duration
	PerPage        int
	HeartbeatEvery int
}

type Deps struct {
	Source    Source
	Sink      Sink
	Limiter   WindowResetter
	Sessions  Sweeper
	Verifier  Verifier
	Stop      StopSwitch
	Processed *ProcessedSet
	Log       *slog.Logger
	Now       func() time.Time
}

type Poller struct {
	cfg  Config
	deps Deps

	lastProcessed time.Time
	cycles        int
}

func New(cfg Config, deps Deps) (*Poller, error) {
	if deps.Source == nil || deps.Sink == nil {
		return nil, errors.New("poller: source and sink are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = DefaultPerPage
	}
	if cfg.HeartbeatEvery < 0 {
		cfg.HeartbeatEvery = 0
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Processed == nil {
		deps.Processed, _ = LoadProcessedSet("", 0)
	}
	return &Poller{
		cfg:           cfg,
		deps:          deps,
		lastProcessed: deps.Now().Add(-initialLookback),
	}, nil
}

// Run polls immediately and then every interval until ctx is done. The
// processed ids are saved on exit.
func (p *Poller) Run(ctx context.Context) error {
	p.deps.Log.Info("poller: starting", "interval", p.cfg.Interval)
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	defer func() {
		if err := p.deps.Processed.Save(); err != nil {
			p.deps.Log.Error("poller: save processed ids", "err", err)
		}
	}()

	for {
		if _, err := p.RunOnce(ctx); err != nil && !errors.Is(err, ErrEmergencyStop) {
			p.deps.Log.Error("poller: cycle failed", "err", err)
		}
		select {
		case <-ctx.Done():
			p.deps.Log.Info("poller: stopping")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs one sweep and returns how many messages were delivered.
func (p *Poller) RunOnce(ctx context.Context) (int, error) {
	if p.deps.Stop != nil && p.deps.Stop.Active() {
		p.deps.Log.Error("poller: emergency stop detected, skipping cycle")
		return 0, ErrEmergencyStop
	}
	cycleStart := p.deps.Now()

	if p.deps.Limiter != nil {
		p.deps.Limiter.ResetWindowIfElapsed()
	}
	if p.deps.Sessions != nil {
		if n := p.deps.Sessions.Sweep(ctx); n > 0 {
			p.deps.Log.Info("poller: swept expired sessions", "count", n)
		}
	}
	p.cycles++
	if p.deps.Verifier != nil && p.cfg.HeartbeatEvery > 0 && p.cycles%p.cfg.HeartbeatEvery == 0 {
		if _, err := p.deps.Verifier.VerifySessions(ctx); err != nil {
			p.deps.Log.Warn("poller: session heartbeat failed", "err", err)
		}
	}

	delivered := 0
	var listErrs []error
	for _, ws := range p.deps.Source.Workspaces() {
		n, err := p.sweepWorkspace(ctx, ws)
		delivered += n
		if err != nil {
			listErrs = append(listErrs, err)
		}
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
	}

	p.lastProcessed = cycleStart.Add(-cycleOverlap)
	if err := p.deps.Processed.Save(); err != nil {
		p.deps.Log.Error("poller: save processed ids", "err", err)
	}
	p.deps.Log.Info("poller: cycle completed", "delivered", delivered, "cycle", p.cycles)
	return delivered, errors.Join(listErrs...)
}

func (p *Poller) sweepWorkspace(ctx context.Context, ws string) (int, error) {
	convs, err := p.deps.Source.ListConversations(ctx, ws, intercom.ListOptions{
		PerPage: p.cfg.PerPage,
		State:   "open",
		Sort:    "updated_at",
		Order:   "desc",
	})
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, listed := range convs {
		if !listed.UpdatedAt.IsZero() && !listed.UpdatedAt.After(p.lastProcessed) {
			continue
		}
		conv, err := p.deps.Source.FetchConversation(ctx, ws, listed.ID)
		if err != nil {
			p.deps.Log.Error("poller: fetch conversation", "conversation_id", listed.ID, "workspace_id", ws, "err", err)
			continue
		}
		if conv.WorkspaceID == "" {
			conv.WorkspaceID = ws
		}
		for _, ev := range ExtractNewMessages(conv, p.lastProcessed, p.deps.Processed, p.deps.Now()) {
			p.deps.Sink.OnInbound(ev)
			delivered++
		}
	}
	return delivered, nil
}

// ExtractNewMessages returns the non-admin parts of conv created after since
// and not yet in seen, with markup stripped and empty bodies skipped, oldest
// first. Returned parts are added to seen.
func ExtractNewMessages(conv domain.ConversationContext, since time.Time, seen *ProcessedSet, now time.Time) []domain.InboundEvent {
	var out []domain.InboundEvent
	created := make(map[string]time.Time)
	for _, part := range conv.Parts {
		if part.ID == "" || seen.Has(part.ID) {
			continue
		}
		if !part.CreatedAt.After(since) {
			continue
		}
		if !domain.IsUserAuthor(part.AuthorType) {
			continue
		}
		text := usecase.CleanMarkup(part.Body)
		if text == "" {
			continue
		}
		seen.Add(part.ID)
		created[part.ID] = part.CreatedAt
		out = append(out, domain.InboundEvent{
			ConversationID: conv.ID,
			WorkspaceID:    conv.WorkspaceID,
			MessageID:      part.ID,
			Text:           text,
			ArrivalTime:    now,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return created[out[i].MessageID].Before(created[out[j].MessageID])
	})
	return out
}
