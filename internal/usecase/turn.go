package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"convo-bridge/internal/domain"
)

const (
	defaultTurnTimeout = 3 * time.Minute
	conversationClosed = "closed"
)

// Outcome is how a batch ended when no error occurred.
type Outcome string

const (
	OutcomeSent          Outcome = "sent"
	OutcomeTakeover      Outcome = "admin_takeover"
	OutcomeClosed        Outcome = "conversation_closed"
	OutcomeAwaitingReply Outcome = "awaiting_user_reply"
	OutcomeRateLimited   Outcome = "rate_limited"
	OutcomeEmpty         Outcome = "empty"
	OutcomeFailed        Outcome = "failed"
)

// Messenger is the messaging-platform client, routed per workspace.
type Messenger interface {
	FetchConversation(ctx context.Context, workspaceID, conversationID string) (domain.ConversationContext, error)
	SendReply(ctx context.Context, workspaceID, conversationID, text string) error
	MarkRead(ctx context.Context, workspaceID, conversationID string) error
}

// Assistant is the AI backend. It retries internally.
type Assistant interface {
	CreateSession(ctx context.Context) (string, error)
	SendMessage(ctx context.Context, sessionID, text, conversationID string) (string, error)
}

// TurnGate is the conversation state machine.
type TurnGate interface {
	TakeoverActive(ctx context.Context, conversationID string) bool
	CanSendAIResponse(ctx context.Context, conversationID string) bool
	MarkUserReplyReceived(ctx context.Context, conversationID string) bool
	MarkAIResponseSent(ctx context.Context, conversationID, sessionID string)
}

type SessionStore interface {
	Get(ctx context.Context, conversationID string) (string, bool)
	GetState(ctx context.Context, conversationID string) domain.State
	Save(ctx context.Context, conversationID, sessionID string, state domain.State) bool
	ReplaceSession(ctx context.Context, conversationID, sessionID string) bool
	Remove(ctx context.Context, conversationID string) bool
	All(ctx context.Context) map[string]string
}

type RateLimiter interface {
	Check(conversationID string) bool
	Increment(conversationID string)
}

// TurnService runs one AI turn per flushed batch.
type TurnService struct {
	messenger Messenger
	assistant Assistant
	gate      TurnGate
	sessions  SessionStore
	limiter   RateLimiter
	log       *slog.Logger

	turnTimeout time.Duration
	markRead    bool
	pick        func(n int) int
	marker      func() string
}

type Option func(*TurnService)

// WithLogger sets the logger used for turn events.
func WithLogger(l *slog.Logger) Option {
	return func(s *TurnService) {
		if l != nil {
			s.log = l
		}
	}
}

// WithTurnTimeout bounds a whole turn started by Run.
func WithTurnTimeout(d time.Duration) Option {
	return func(s *TurnService) {
		if d > 0 {
			s.turnTimeout = d
		}
	}
}

// WithMarkRead marks the conversation read after a delivered reply.
func WithMarkRead(on bool) Option {
	return func(s *TurnService) { s.markRead = on }
}

func NewTurnService(m Messenger, a Assistant, g TurnGate, st SessionStore, l RateLimiter, opts ...Option) (*TurnService, error) {
	if m == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if a == nil {
		return nil, errors.New("usecase: assistant must not be nil")
	}
	if g == nil {
		return nil, errors.New("usecase: turn gate must not be nil")
	}
	if st == nil {
		return nil, errors.New("usecase: session store must not be nil")
	}
	if l == nil {
		return nil, errors.New("usecase: rate limiter must not be nil")
	}
	s := &TurnService{
		messenger:   m,
		assistant:   a,
		gate:        g,
		sessions:    st,
		limiter:     l,
		log:         slog.Default(),
		turnTimeout: defaultTurnTimeout,
		pick:        randomIndex,
		marker:      newMarker,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Run is the debouncer callback. It never panics and never returns errors;
// the outcome is logged.
func (s *TurnService) Run(b domain.Batch) {
	log := s.log.With("conversation_id", b.ConversationID, "workspace_id", b.WorkspaceID)
	defer func() {
		if r := recover(); r != nil {
			log.Error("usecase: turn panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.turnTimeout)
	defer cancel()

	start := time.Now()
	outcome, err := s.ProcessBatch(ctx, b)
	if err != nil {
		var ue *Error
		if errors.As(err, &ue) && ue.Alert() {
			log.Error("usecase: turn failed, operator attention needed", "code", ue.Code, "reason", ue.Reason, "err", err)
			return
		}
		log.Warn("usecase: turn failed", "err", err, "elapsed", time.Since(start))
		return
	}
	log.Info("usecase: turn finished", "outcome", outcome, "messages", len(b.Events), "elapsed", time.Since(start))
}

// ProcessBatch fetches context, checks eligibility and limits, asks the
// assistant and relays its reply. State only advances after confirmed
// delivery.
func (s *TurnService) ProcessBatch(ctx context.Context, b domain.Batch) (Outcome, error) {
	convID := strings.TrimSpace(b.ConversationID)
	if convID == "" {
		return OutcomeFailed, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	}
	if len(b.Events) == 0 {
		return OutcomeEmpty, nil
	}

	conv, err := s.messenger.FetchConversation(ctx, b.WorkspaceID, convID)
	if err != nil {
		return OutcomeFailed, classify("fetch_conversation_error", err)
	}
	if conv.State == conversationClosed {
		s.log.Info("usecase: conversation closed, skipping batch", "conversation_id", convID, "messages", len(b.Events))
		return OutcomeClosed, nil
	}

	// Every event in a batch is a user message.
	s.gate.MarkUserReplyReceived(ctx, convID)

	if s.gate.TakeoverActive(ctx, convID) {
		s.log.Info("usecase: admin takeover active, skipping batch", "conversation_id", convID)
		return OutcomeTakeover, nil
	}
	if !s.gate.CanSendAIResponse(ctx, convID) {
		return OutcomeAwaitingReply, nil
	}
	if !s.limiter.Check(convID) {
		s.log.Warn("usecase: rate limited, dropping batch", "conversation_id", convID, "messages", len(b.Events))
		return OutcomeRateLimited, nil
	}

	query := CleanMarkup(strings.Join(b.Texts(), "\n"))
	if query == "" {
		return OutcomeEmpty, nil
	}

	sessionID, err := s.ensureSession(ctx, convID)
	if err != nil {
		return OutcomeFailed, err
	}

	reply, err := s.assistant.SendMessage(ctx, sessionID, query, convID)
	if err != nil {
		if status, ok := upstreamStatusCode(err); ok && status == 404 {
			// Drop the dead session so the next turn creates a fresh one.
			s.sessions.Remove(ctx, convID)
		}
		return OutcomeFailed, classify("assistant_error", err)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		s.log.Warn("usecase: empty assistant reply", "conversation_id", convID, "session_id", sessionID)
		return OutcomeEmpty, nil
	}

	if err := s.messenger.SendReply(ctx, b.WorkspaceID, convID, reply); err != nil {
		return OutcomeFailed, classify("reply_delivery_error", err)
	}

	s.gate.MarkAIResponseSent(ctx, convID, sessionID)
	s.limiter.Increment(convID)

	if s.markRead {
		if err := s.messenger.MarkRead(ctx, b.WorkspaceID, convID); err != nil {
			s.log.Warn("usecase: mark read failed", "conversation_id", convID, "err", err)
		}
	}
	return OutcomeSent, nil
}

// ensureSession returns the stored session or creates and persists one.
func (s *TurnService) ensureSession(ctx context.Context, convID string) (string, error) {
	if sid, ok := s.sessions.Get(ctx, convID); ok && sid != "" {
		return sid, nil
	}
	sid, err := s.assistant.CreateSession(ctx)
	if err != nil {
		return "", classify("create_session_error", err)
	}
	if strings.TrimSpace(sid) == "" {
		return "", newError(ErrorUpstream, "empty_session_id", nil)
	}
	s.sessions.Save(ctx, convID, sid, s.sessions.GetState(ctx, convID))
	s.log.Info("usecase: created session", "conversation_id", convID, "session_id", sid)
	return sid, nil
}

// replaceSession swaps in a fresh session and leaves state, admin and
// expiry of the record alone.
func (s *TurnService) replaceSession(ctx context.Context, convID string) (string, error) {
	sid, err := s.assistant.CreateSession(ctx)
	if err != nil {
		return "", fmt.Errorf("usecase: recreate session for %s: %w", convID, err)
	}
	if strings.TrimSpace(sid) == "" {
		return "", newError(ErrorUpstream, "empty_session_id", nil)
	}
	s.sessions.ReplaceSession(ctx, convID, sid)
	return sid, nil
}

// VerifySessions probes one randomly chosen stored session. A failed or
// empty probe replaces the session. It reports whether a replacement was
// made.
func (s *TurnService) VerifySessions(ctx context.Context) (bool, error) {
	all := s.sessions.All(ctx)
	ids := make([]string, 0, len(all))
	for id, sid := range all {
		if sid != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return false, nil
	}
	sort.Strings(ids)
	convID := ids[s.pick(len(ids))]
	sid := all[convID]

	probe := fmt.Sprintf("TEST_SESSION_VERIFY_%s - please reply with OK", s.marker())
	reply, err := s.assistant.SendMessage(ctx, sid, probe, convID)
	if err == nil && strings.TrimSpace(reply) != "" {
		s.log.Debug("usecase: session verified", "conversation_id", convID, "session_id", sid)
		return false, nil
	}
	s.log.Warn("usecase: session probe failed, recreating", "conversation_id", convID, "session_id", sid, "err", err)
	newSID, rerr := s.replaceSession(ctx, convID)
	if rerr != nil {
		return false, rerr
	}
	s.log.Info("usecase: session replaced", "conversation_id", convID, "old_session_id", sid, "session_id", newSID)
	return true, nil
}

func randomIndex(n int) int { return rand.IntN(n) }

func newMarker() string { return uuid.NewString()[:8] }
