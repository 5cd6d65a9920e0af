package intercom

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"convo-bridge/internal/domain"
	"convo-bridge/internal/integrations/httpclient"
)

const (
	defaultBaseURL = "https://api.intercom.io"

	// Below this many remaining calls the client waits for the window reset.
	rateLimitFloor    = 10
	maxRateLimitSleep = time.Minute
)

type author struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Name string `json:"name"`
}

type wirePart struct {
	ID        string `json:"id"`
	PartType  string `json:"part_type"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	Author    author `json:"author"`
}

type wireConversation struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	Open      bool      `json:"open"`
	UpdatedAt int64     `json:"updated_at"`
	CreatedAt int64     `json:"created_at"`
	Source    *wirePart `json:"source"`
	// Older API versions name the initiating message differently.
	ConversationMessage *wirePart `json:"conversation_message"`
	Parts               struct {
		Parts []wirePart `json:"conversation_parts"`
	} `json:"conversation_parts"`
}

type listResponse struct {
	Conversations []wireConversation `json:"conversations"`
}

type replyRequest struct {
	Type        string `json:"type"`
	AdminID     string `json:"admin_id"`
	MessageType string `json:"message_type"`
	Body        string `json:"body"`
}

// ListOptions selects conversations for a polling sweep.
type ListOptions struct {
	PerPage int
	State   string
	Sort    string
	Order   string
}

// Client is a focused Intercom REST client acting as one admin.
type Client struct {
	baseURL string
	token   string
	adminID string
	http    *httpclient.Client
	log     *slog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.http.HTTP = httpClient
	}
}

func WithRetry(p httpclient.RetryPolicy) Option {
	return func(c *Client) {
		c.http.Retry = p
	}
}

// WithLogger sets the logger used for API calls.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
			c.http.Log = l
		}
	}
}

func NewClient(token, adminID string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("intercom: access token must not be empty")
	}
	adminID = strings.TrimSpace(adminID)
	if adminID == "" {
		return nil, errors.New("intercom: admin id must not be empty")
	}
	c := &Client{
		baseURL: defaultBaseURL,
		token:   token,
		adminID: adminID,
		http: &httpclient.Client{
			Service: "intercom",
			HTTP:    &http.Client{Timeout: 30 * time.Second},
			Retry:   httpclient.DefaultRetry,
		},
		log:   slog.Default(),
		now:   time.Now,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

// AdminID is the admin the client replies as. Parts authored by it are the
// bridge's own messages.
func (c *Client) AdminID() string { return c.adminID }

func (c *Client) FetchConversation(ctx context.Context, conversationID string) (domain.ConversationContext, error) {
	if strings.TrimSpace(conversationID) == "" {
		return domain.ConversationContext{}, errors.New("intercom: conversation id is required")
	}
	resp, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, nil)
	if err != nil {
		return domain.ConversationContext{}, fmt.Errorf("intercom: fetch conversation %s: %w", conversationID, err)
	}
	var wc wireConversation
	if err := json.Unmarshal(resp.Body, &wc); err != nil {
		return domain.ConversationContext{}, fmt.Errorf("intercom: decode conversation: %w", err)
	}
	return wc.toDomain(), nil
}

// SendReply posts text as an admin comment.
func (c *Client) SendReply(ctx context.Context, conversationID, text string) error {
	body, err := json.Marshal(replyRequest{
		Type:        "admin",
		AdminID:     c.adminID,
		MessageType: "comment",
		Body:        "<p>" + text + "</p>",
	})
	if err != nil {
		return fmt.Errorf("intercom: marshal reply: %w", err)
	}
	path := "/conversations/" + url.PathEscape(conversationID) + "/reply"
	if _, err := c.do(ctx, http.MethodPost, path, nil, body); err != nil {
		return fmt.Errorf("intercom: reply to %s: %w", conversationID, err)
	}
	return nil
}

func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if _, err := c.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("intercom: mark read %s: %w", conversationID, err)
	}
	return nil
}

func (c *Client) ListConversations(ctx context.Context, opts ListOptions) ([]domain.ConversationContext, error) {
	if opts.PerPage <= 0 {
		opts.PerPage = 25
	}
	if opts.State == "" {
		opts.State = "open"
	}
	if opts.Sort == "" {
		opts.Sort = "updated_at"
	}
	if opts.Order == "" {
		opts.Order = "desc"
	}
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(opts.PerPage))
	q.Set("state", opts.State)
	q.Set("sort", opts.Sort)
	q.Set("order", opts.Order)

	resp, err := c.do(ctx, http.MethodGet, "/conversations", q, nil)
	if err != nil {
		return nil, fmt.Errorf("intercom: list conversations: %w", err)
	}
	var lr listResponse
	if err := json.Unmarshal(resp.Body, &lr); err != nil {
		return nil, fmt.Errorf("intercom: decode conversation list: %w", err)
	}
	out := make([]domain.ConversationContext, 0, len(lr.Conversations))
	for _, wc := range lr.Conversations {
		out = append(out, wc.toDomain())
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte) (*httpclient.Response, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	resp, err := c.http.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		return req, nil
	})

	header := http.Header(nil)
	if resp != nil {
		header = resp.Header
	} else {
		var se *httpclient.HTTPStatusError
		if errors.As(err, &se) {
			header = se.Header
		}
	}
	if waitErr := c.honorRateLimit(ctx, header); waitErr != nil && err == nil {
		err = waitErr
	}
	return resp, err
}

// honorRateLimit waits for the window reset when the remaining call budget
// is nearly exhausted.
func (c *Client) honorRateLimit(ctx context.Context, h http.Header) error {
	if h == nil {
		return nil
	}
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil || remaining >= rateLimitFloor {
		return nil
	}
	reset, _ := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64)
	wait := time.Unix(reset, 0).Sub(c.now())
	if wait < 0 {
		wait = 0
	}
	wait += time.Second
	if wait > maxRateLimitSleep {
		wait = maxRateLimitSleep
	}
	c.log.Warn("intercom: rate limit nearly reached", "remaining", remaining, "sleep", wait)
	return c.sleep(ctx, wait)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p wirePart) toDomain() domain.ConversationPart {
	return domain.ConversationPart{
		ID:         p.ID,
		PartType:   p.PartType,
		AuthorType: p.Author.Type,
		AuthorID:   p.Author.ID,
		AuthorName: p.Author.Name,
		Body:       p.Body,
		CreatedAt:  unixTime(p.CreatedAt),
	}
}

func (wc wireConversation) toDomain() domain.ConversationContext {
	out := domain.ConversationContext{
		ID:        wc.ID,
		State:     wc.State,
		Open:      wc.Open || wc.State == "open",
		UpdatedAt: unixTime(wc.UpdatedAt),
	}
	initial := wc.Source
	if initial == nil {
		initial = wc.ConversationMessage
	}
	if initial != nil && (initial.ID != "" || initial.Body != "") {
		part := initial.toDomain()
		if part.PartType == "" {
			part.PartType = "initial"
		}
		if part.CreatedAt.IsZero() {
			part.CreatedAt = unixTime(wc.CreatedAt)
		}
		out.Parts = append(out.Parts, part)
	}
	for _, p := range wc.Parts.Parts {
		out.Parts = append(out.Parts, p.toDomain())
	}
	return out
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
