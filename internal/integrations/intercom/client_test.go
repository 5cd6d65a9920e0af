package intercom

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"convo-bridge/internal/integrations/httpclient"
)

var fastRetry = httpclient.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

const conversationJSON = `{
  "id": "c1",
  "state": "open",
  "open": true,
  "created_at": 1772359200,
  "updated_at": 1772359500,
  "source": {"id": "m0", "body": "<p>Hi there</p>", "author": {"type": "user", "id": "u1", "name": "Ana"}},
  "conversation_parts": {"conversation_parts": [
    {"id": "p1", "part_type": "comment", "body": "<p>Welcome</p>", "created_at": 1772359300, "author": {"type": "admin", "id": "99", "name": "Sofia"}},
    {"id": "p2", "part_type": "comment", "body": "need help", "created_at": 1772359400, "author": {"type": "user", "id": "u1"}}
  ]}
}`

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithBaseURL(srv.URL), WithHTTPClient(srv.Client()), WithRetry(fastRetry)}, opts...)
	c, err := NewClient("tok", "99", opts...)
	require.NoError(t, err)
	return c
}

func TestNewClient_Validates(t *testing.T) {
	_, err := NewClient("", "99")
	require.Error(t, err)
	_, err = NewClient("tok", "")
	require.Error(t, err)
}

func TestFetchConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/conversations/c1", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(conversationJSON))
	}))
	defer srv.Close()

	conv, err := newTestClient(t, srv).FetchConversation(context.Background(), "c1")
	require.NoError(t, err)
	require.Equal(t, "c1", conv.ID)
	require.True(t, conv.Open)
	require.Len(t, conv.Parts, 3)

	require.Equal(t, "m0", conv.Parts[0].ID)
	require.Equal(t, "initial", conv.Parts[0].PartType)
	require.Equal(t, time.Unix(1772359200, 0).UTC(), conv.Parts[0].CreatedAt)
	require.Equal(t, "admin", conv.Parts[1].AuthorType)
	require.Equal(t, "99", conv.Parts[1].AuthorID)
	require.Equal(t, "need help", conv.Parts[2].Body)
}

func TestFetchConversation_LegacyInitialMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"c2","conversation_message":{"id":"m9","body":"old","created_at":5,"author":{"type":"lead"}}}`))
	}))
	defer srv.Close()

	conv, err := newTestClient(t, srv).FetchConversation(context.Background(), "c2")
	require.NoError(t, err)
	require.Len(t, conv.Parts, 1)
	require.Equal(t, "lead", conv.Parts[0].AuthorType)
}

func TestFetchConversation_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv).FetchConversation(context.Background(), "missing")
	require.Error(t, err)
	require.True(t, httpclient.IsNotFound(err))
	require.EqualValues(t, 1, calls.Load())
}

func TestSendReply_Body(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/conversations/c1/reply", r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		var got replyRequest
		require.NoError(t, json.Unmarshal(raw, &got))
		require.Equal(t, replyRequest{Type: "admin", AdminID: "99", MessageType: "comment", Body: "<p>hello</p>"}, got)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).SendReply(context.Background(), "c1", "hello"))
}

func TestMarkRead(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/conversations/c1/read", r.URL.Path)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	require.NoError(t, newTestClient(t, srv).MarkRead(context.Background(), "c1"))
}

func TestListConversations_Query(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		require.Equal(t, "25", q.Get("per_page"))
		require.Equal(t, "open", q.Get("state"))
		require.Equal(t, "updated_at", q.Get("sort"))
		require.Equal(t, "desc", q.Get("order"))
		_, _ = w.Write([]byte(`{"conversations":[` + conversationJSON + `]}`))
	}))
	defer srv.Close()

	list, err := newTestClient(t, srv).ListConversations(context.Background(), ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "c1", list[0].ID)
}

func TestRateLimitHeaders_Sleep(t *testing.T) {
	now := time.Unix(1772359200, 0)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "3")
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(now.Add(4*time.Second).Unix(), 10))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	var slept []time.Duration
	c.now = func() time.Time { return now }
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	require.NoError(t, c.MarkRead(context.Background(), "c1"))
	require.Equal(t, []time.Duration{5 * time.Second}, slept)
}

func TestRateLimitHeaders_PlentyRemaining(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("X-RateLimit-Remaining", "500")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	c.sleep = func(context.Context, time.Duration) error {
		t.Fatal("must not sleep")
		return nil
	}
	require.NoError(t, c.MarkRead(context.Background(), "c1"))
}

func TestRegistry(t *testing.T) {
	def, err := NewClient("tok-a", "1")
	require.NoError(t, err)
	other, err := NewClient("tok-b", "2")
	require.NoError(t, err)

	r := NewRegistry("main", def)
	r.Register("eu", other)

	got, err := r.Client("")
	require.NoError(t, err)
	require.Same(t, def, got)
	got, err = r.Client("eu")
	require.NoError(t, err)
	require.Same(t, other, got)

	_, err = r.Client("nope")
	require.ErrorContains(t, err, "unknown workspace")
	require.Equal(t, []string{"eu", "main"}, r.Workspaces())

	require.True(t, r.IsOwnAdmin("eu", "2"))
	require.False(t, r.IsOwnAdmin("eu", "1"))
	require.False(t, r.IsOwnAdmin("main", ""))
}

func TestRegistry_TagsWorkspace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/conversations" {
			_, _ = w.Write([]byte(`{"conversations":[` + conversationJSON + `]}`))
			return
		}
		_, _ = w.Write([]byte(conversationJSON))
	}))
	defer srv.Close()

	r := NewRegistry("main", newTestClient(t, srv))

	list, err := r.ListConversations(context.Background(), "", ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "main", list[0].WorkspaceID)

	conv, err := r.FetchConversation(context.Background(), "main", "c1")
	require.NoError(t, err)
	require.Equal(t, "main", conv.WorkspaceID)

	_, err = r.ListConversations(context.Background(), "eu", ListOptions{})
	require.ErrorContains(t, err, "unknown workspace")
}
