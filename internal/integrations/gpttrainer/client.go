package gpttrainer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"convo-bridge/internal/integrations/httpclient"
)

const (
	defaultBaseURL = "https://app.gpt-trainer.com/api/v1"
	defaultTimeout = 2 * time.Minute
)

// messageRequest is the body of the non-streaming message endpoint.
type messageRequest struct {
	Query          string `json:"query"`
	Stream         bool   `json:"stream"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// sessionResponse carries the new session id under either key.
type sessionResponse struct {
	UUID      string `json:"uuid"`
	SessionID string `json:"session_id"`
}

// replyFields are checked in order for the assistant's text.
var replyFields = []string{"response", "text", "message", "answer", "content"}

// Client talks to a single chatbot on the GPT-Trainer API.
type Client struct {
	baseURL     string
	apiKey      string
	chatbotUUID string
	http        *httpclient.Client
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
		c.http.Log = l
	}
}

func NewClient(apiKey, chatbotUUID string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("gpttrainer: api key must not be empty")
	}
	chatbotUUID = strings.TrimSpace(chatbotUUID)
	if chatbotUUID == "" {
		return nil, errors.New("gpttrainer: chatbot uuid must not be empty")
	}
	c := &Client{
		baseURL:     defaultBaseURL,
		apiKey:      apiKey,
		chatbotUUID: chatbotUUID,
		http: &httpclient.Client{
			Service: "gpttrainer",
			HTTP:    &http.Client{Timeout: defaultTimeout},
			Retry:   httpclient.DefaultRetry,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

// CreateSession opens a new conversational context on the chatbot.
func (c *Client) CreateSession(ctx context.Context) (string, error) {
	url := fmt.Sprintf("%s/chatbot/%s/session/create", c.baseURL, c.chatbotUUID)
	resp, err := c.http.Do(ctx, c.post(url, nil))
	if err != nil {
		return "", fmt.Errorf("gpttrainer: create session: %w", err)
	}

	var payload sessionResponse
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return "", fmt.Errorf("gpttrainer: decode session response: %w", err)
	}
	id := payload.SessionID
	if id == "" {
		id = payload.UUID
	}
	if id == "" {
		return "", errors.New("gpttrainer: no session id in response")
	}
	return id, nil
}

// SendMessage sends text to the session and returns the assistant's reply.
// An empty reply is not an error.
func (c *Client) SendMessage(ctx context.Context, sessionID, text, conversationID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", errors.New("gpttrainer: session id must not be empty")
	}
	body, err := json.Marshal(messageRequest{Query: text, ConversationID: conversationID})
	if err != nil {
		return "", fmt.Errorf("gpttrainer: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/session/%s/message/stream", c.baseURL, sessionID)
	resp, err := c.http.Do(ctx, c.post(url, body))
	if err != nil {
		return "", fmt.Errorf("gpttrainer: send message: %w", err)
	}
	return extractReply(resp.Body), nil
}

func (c *Client) post(url string, body []byte) func(ctx context.Context) (*http.Request, error) {
	return func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		return req, nil
	}
}

// extractReply picks the first known text field of a JSON reply, falling
// back to the raw body when it is not a JSON object.
func extractReply(raw []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return strings.TrimSpace(string(raw))
	}
	for _, key := range replyFields {
		if s, ok := obj[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
