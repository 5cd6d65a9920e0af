// Package repository holds the persistence backends for conversation
// session state. Every backend implements Persister; the session store keeps
// the authoritative in-memory copy and mirrors each mutation here.
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"convo-bridge/internal/domain"
)

// Persister is the storage contract consumed by the session store.
type Persister interface {
	Load(ctx context.Context) (map[string]domain.ConversationRecord, error)
	Put(ctx context.Context, rec domain.ConversationRecord) error
	Delete(ctx context.Context, ids ...string) error
}

// Reader is implemented by backends that serve a single record. The session
// store reads through it so processes sharing a backend see each other's
// writes.
type Reader interface {
	Get(ctx context.Context, conversationID string) (domain.ConversationRecord, bool, error)
}

// LoadError lists entries Load could not decode. Load still returns every
// entry that did decode alongside it, and the skipped entries stay in the
// backend untouched.
type LoadError struct {
	Skipped map[string]error
}

func (e *LoadError) Error() string {
	ids := make([]string, 0, len(e.Skipped))
	for id := range e.Skipped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Skipped[id]))
	}
	return fmt.Sprintf("repository: skipped %d undecodable record(s): %s", len(ids), strings.Join(parts, "; "))
}

// loadResult returns out with a *LoadError when anything was skipped.
func loadResult(out map[string]domain.ConversationRecord, skipped map[string]error) (map[string]domain.ConversationRecord, error) {
	if len(skipped) == 0 {
		return out, nil
	}
	return out, &LoadError{Skipped: skipped}
}

// recordJSON is the on-disk shape of one conversation entry. Field names are
// the durable contract of the state file and must not change.
type recordJSON struct {
	SessionID          *string      `json:"session_id"`
	Created            string       `json:"created,omitempty"`
	Expiry             string       `json:"expiry"`
	State              domain.State `json:"state,omitempty"`
	LastUserReplyTime  *string      `json:"last_user_reply_time"`
	LastAIResponseTime *string      `json:"last_ai_response_time"`
	AdminID            string       `json:"admin_id,omitempty"`
}

// Older state files were written with naive local timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("repository: unrecognised timestamp %q", s)
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return nil, nil
	}
	t, err := parseTime(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toJSON(rec domain.ConversationRecord) recordJSON {
	out := recordJSON{
		SessionID:          rec.SessionID,
		Expiry:             formatTime(rec.Expiry),
		State:              rec.State,
		LastUserReplyTime:  formatTimePtr(rec.LastUserReplyTime),
		LastAIResponseTime: formatTimePtr(rec.LastAIResponseTime),
		AdminID:            rec.AdminID,
	}
	if !rec.Created.IsZero() {
		out.Created = formatTime(rec.Created)
	}
	return out
}

func fromJSON(id string, in recordJSON) (domain.ConversationRecord, error) {
	expiry, err := parseTime(in.Expiry)
	if err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("expiry: %w", err)
	}
	rec := domain.ConversationRecord{
		ConversationID: id,
		SessionID:      in.SessionID,
		State:          in.State,
		Expiry:         expiry,
		AdminID:        in.AdminID,
	}
	if in.Created != "" {
		if rec.Created, err = parseTime(in.Created); err != nil {
			return domain.ConversationRecord{}, fmt.Errorf("created: %w", err)
		}
	}
	if rec.LastUserReplyTime, err = parseTimePtr(in.LastUserReplyTime); err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("last_user_reply_time: %w", err)
	}
	if rec.LastAIResponseTime, err = parseTimePtr(in.LastAIResponseTime); err != nil {
		return domain.ConversationRecord{}, fmt.Errorf("last_ai_response_time: %w", err)
	}
	// Legacy entries predate the state field.
	if !rec.State.Valid() {
		rec.State = domain.StateReadyForResponse
		if rec.LastUserReplyTime == nil && !rec.Created.IsZero() {
			rec.LastUserReplyTime = domain.TimePtr(rec.Created)
		}
	}
	return rec, nil
}
