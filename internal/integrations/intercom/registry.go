package intercom

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"convo-bridge/internal/domain"
)

// Registry routes calls to the client of an explicitly named workspace. An
// empty workspace id selects the default.
type Registry struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	defaultName string
}

func NewRegistry(defaultWorkspace string, def *Client) *Registry {
	r := &Registry{clients: make(map[string]*Client), defaultName: strings.TrimSpace(defaultWorkspace)}
	if def != nil {
		r.clients[r.defaultName] = def
	}
	return r
}

func (r *Registry) Register(workspaceID string, c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.TrimSpace(workspaceID)] = c
}

// DefaultWorkspace is the id used when a request names none.
func (r *Registry) DefaultWorkspace() string { return r.defaultName }

// Workspaces lists registered workspace ids, sorted.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) resolve(workspaceID string) string {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return r.defaultName
	}
	return workspaceID
}

func (r *Registry) Client(workspaceID string) (*Client, error) {
	workspaceID = r.resolve(workspaceID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[workspaceID]
	if !ok || c == nil {
		return nil, fmt.Errorf("intercom: unknown workspace %q", workspaceID)
	}
	return c, nil
}

func (r *Registry) FetchConversation(ctx context.Context, workspaceID, conversationID string) (domain.ConversationContext, error) {
	c, err := r.Client(workspaceID)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	conv, err := c.FetchConversation(ctx, conversationID)
	if err != nil {
		return domain.ConversationContext{}, err
	}
	conv.WorkspaceID = r.resolve(workspaceID)
	return conv, nil
}

// ListConversations lists one workspace's conversations, tagging each with
// the workspace id.
func (r *Registry) ListConversations(ctx context.Context, workspaceID string, opts ListOptions) ([]domain.ConversationContext, error) {
	c, err := r.Client(workspaceID)
	if err != nil {
		return nil, err
	}
	convs, err := c.ListConversations(ctx, opts)
	if err != nil {
		return nil, err
	}
	ws := r.resolve(workspaceID)
	for i := range convs {
		convs[i].WorkspaceID = ws
	}
	return convs, nil
}

func (r *Registry) SendReply(ctx context.Context, workspaceID, conversationID, text string) error {
	c, err := r.Client(workspaceID)
	if err != nil {
		return err
	}
	return c.SendReply(ctx, conversationID, text)
}

func (r *Registry) MarkRead(ctx context.Context, workspaceID, conversationID string) error {
	c, err := r.Client(workspaceID)
	if err != nil {
		return err
	}
	return c.MarkRead(ctx, conversationID)
}

// IsOwnAdmin reports whether adminID is the admin the workspace's client
// replies as.
func (r *Registry) IsOwnAdmin(workspaceID, adminID string) bool {
	c, err := r.Client(workspaceID)
	if err != nil || adminID == "" {
		return false
	}
	return c.AdminID() == adminID
}
