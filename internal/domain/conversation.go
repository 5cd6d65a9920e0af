package domain

import "time"

// State is the reply-eligibility state of a conversation.
type State string

const (
	StateReadyForResponse  State = "ready_for_response"
	StateAwaitingUserReply State = "awaiting_user_reply"
	StateAdminTakeover     State = "admin_takeover"
)

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateReadyForResponse, StateAwaitingUserReply, StateAdminTakeover:
		return true
	}
	return false
}

// ConversationRecord is the persisted per-conversation session state.
// A nil SessionID means no AI session has been created yet.
type ConversationRecord struct {
	ConversationID     string
	SessionID          *string
	State              State
	Created            time.Time
	Expiry             time.Time
	LastUserReplyTime  *time.Time
	LastAIResponseTime *time.Time
	AdminID            string
}

// Expired reports whether the record is past its expiry at now.
func (r ConversationRecord) Expired(now time.Time) bool {
	return r.Expiry.Before(now)
}

// Session returns the session id, or "" when none was created.
func (r ConversationRecord) Session() string {
	if r.SessionID == nil {
		return ""
	}
	return *r.SessionID
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}
