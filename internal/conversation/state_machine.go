// Package conversation gates AI replies per conversation. A conversation is
// ready, awaiting a user reply, or under admin takeover; the bot may only
// speak when ready, so it never sends two messages without a user reply in
// between and never speaks while a human owns the thread.
package conversation

import (
	"context"
	"log/slog"

	"convo-bridge/internal/domain"
)

// Store is the subset of session.Store the state machine drives.
type Store interface {
	GetState(ctx context.Context, conversationID string) domain.State
	Record(ctx context.Context, conversationID string) (domain.ConversationRecord, bool)
	MarkAwaitingUserReply(ctx context.Context, conversationID, sessionID string)
	MarkReadyForResponse(ctx context.Context, conversationID string) bool
	MarkAdminTakeover(ctx context.Context, conversationID, adminID string) bool
	ClearTakeover(ctx context.Context, conversationID string) bool
}

// StateMachine decides whether the AI may speak in a conversation, backed by
// the session store.
type StateMachine struct {
	store Store
	log   *slog.Logger
}

// NewStateMachine returns a StateMachine over store. A nil log uses
// slog.Default.
func NewStateMachine(store Store, log *slog.Logger) *StateMachine {
	if log == nil {
		log = slog.Default()
	}
	return &StateMachine{store: store, log: log}
}

func (m *StateMachine) State(ctx context.Context, conversationID string) domain.State {
	return m.store.GetState(ctx, conversationID)
}

// CanSendAIResponse is true for ready or unknown conversations.
func (m *StateMachine) CanSendAIResponse(ctx context.Context, conversationID string) bool {
	switch st := m.store.GetState(ctx, conversationID); st {
	case domain.StateAdminTakeover:
		m.log.Info("conversation: admin takeover active, not responding", "conversation_id", conversationID)
		return false
	case domain.StateAwaitingUserReply:
		m.log.Info("conversation: awaiting user reply, not responding", "conversation_id", conversationID)
		return false
	default:
		return true
	}
}

// MarkAIResponseSent moves a ready or absent conversation to awaiting. It does
// nothing under takeover.
func (m *StateMachine) MarkAIResponseSent(ctx context.Context, conversationID, sessionID string) {
	if m.store.GetState(ctx, conversationID) == domain.StateAdminTakeover {
		m.log.Warn("conversation: reply sent during takeover, state kept", "conversation_id", conversationID)
		return
	}
	m.store.MarkAwaitingUserReply(ctx, conversationID, sessionID)
}

// MarkUserReplyReceived moves an existing conversation back to ready. It
// returns false when there is no record or a takeover is active.
func (m *StateMachine) MarkUserReplyReceived(ctx context.Context, conversationID string) bool {
	rec, ok := m.store.Record(ctx, conversationID)
	if !ok {
		return false
	}
	if rec.State == domain.StateAdminTakeover {
		return false
	}
	return m.store.MarkReadyForResponse(ctx, conversationID)
}

func (m *StateMachine) MarkAdminTakeover(ctx context.Context, conversationID, adminID string) bool {
	return m.store.MarkAdminTakeover(ctx, conversationID, adminID)
}

// Reactivate ends a takeover. It returns false when none is active.
func (m *StateMachine) Reactivate(ctx context.Context, conversationID string) bool {
	return m.store.ClearTakeover(ctx, conversationID)
}

// TakeoverActive reports an unexpired takeover. Reading through the store
// evicts an expired one.
func (m *StateMachine) TakeoverActive(ctx context.Context, conversationID string) bool {
	return m.store.GetState(ctx, conversationID) == domain.StateAdminTakeover
}
