package domain

import (
	"encoding/json"
	"time"
)

// AuthorAdmin is the platform's author type for teammates, the bot's own
// admin included.
const AuthorAdmin = "admin"

// IsUserAuthor reports whether a part by authorType counts as a user
// message. Every non-admin author does, bots and unknown types included.
func IsUserAuthor(authorType string) bool {
	return authorType != AuthorAdmin
}

// InboundEvent is a normalized inbound user message delivered by a front
// door (webhook or poller) into the batching engine.
type InboundEvent struct {
	ConversationID string
	WorkspaceID    string
	MessageID      string
	Text           string
	Payload        json.RawMessage
	ArrivalTime    time.Time
}

// Batch is the set of events coalesced for one conversation during a quiet
// period. Events are in arrival order.
type Batch struct {
	ConversationID string
	WorkspaceID    string
	Events         []InboundEvent
	FirstArrival   time.Time
}

// Texts returns the message texts in arrival order.
func (b Batch) Texts() []string {
	out := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		out = append(out, ev.Text)
	}
	return out
}

// ConversationContext is the platform's view of a conversation at fetch time.
type ConversationContext struct {
	ID          string
	WorkspaceID string
	State       string
	Open        bool
	UpdatedAt   time.Time
	Parts       []ConversationPart
}

// ConversationPart is a single message in a conversation, including the
// initiating message.
type ConversationPart struct {
	ID         string
	PartType   string
	AuthorType string
	AuthorID   string
	AuthorName string
	Body       string
	CreatedAt  time.Time
}
