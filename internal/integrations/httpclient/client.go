// Package httpclient is the shared request loop of the platform and AI
// clients: bounded exponential backoff for transient failures and a
// status-aware error for everything else.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	maxErrorBody    = 4096
	maxResponseBody = 1 << 20
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	Service    string
	StatusCode int
	URL        string
	Body       string
	Header     http.Header
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d from %s: %s", e.Service, e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

func statusOf(err error) (int, bool) {
	var se *HTTPStatusError
	if !errors.As(err, &se) {
		return 0, false
	}
	return se.StatusCode, true
}

// IsNotFound reports a 404 from upstream.
func IsNotFound(err error) bool {
	code, ok := statusOf(err)
	return ok && code == http.StatusNotFound
}

// IsPermission reports a 401 or 403 from upstream.
func IsPermission(err error) bool {
	code, ok := statusOf(err)
	return ok && (code == http.StatusUnauthorized || code == http.StatusForbidden)
}

// IsTransient reports a failure worth retrying: 429, 5xx, or a transport
// error that is not a context cancellation.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if code, ok := statusOf(err); ok {
		return code == http.StatusTooManyRequests || code >= 500
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy bounds the attempts made for one logical call.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

var DefaultRetry = RetryPolicy{
	MaxAttempts:  3,
	InitialDelay: time.Second,
	MaxDelay:     10 * time.Second,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultRetry.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultRetry.MaxDelay
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialDelay
	eb.MaxInterval = p.MaxDelay
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0
	eb.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Response is a fully read 2xx response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client executes requests with retries.
type Client struct {
	Service string
	HTTP    *http.Client
	Retry   RetryPolicy
	Log     *slog.Logger
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// Do sends the request built by newReq, rebuilding it for each attempt so
// bodies can be replayed. 4xx other than 429 is returned without retrying.
func (c *Client) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*Response, error) {
	var out *Response
	op := func() error {
		req, err := newReq(ctx)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("%s: create request: %w", c.Service, err))
		}
		resp, err := c.once(req)
		if err != nil {
			if ctx.Err() != nil || !IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = resp
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger().Warn(c.Service+": request failed, retrying", "err", err, "wait", wait)
	}
	if err := backoff.RetryNotify(op, c.Retry.backOff(ctx), notify); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) once(req *http.Request) (*Response, error) {
	res, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %s %s: %w", c.Service, req.Method, req.URL.Path, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		return nil, &HTTPStatusError{
			Service:    c.Service,
			StatusCode: res.StatusCode,
			URL:        req.URL.String(),
			Body:       string(buf),
			Header:     res.Header,
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("%s: read response body: %w", c.Service, err)
	}
	return &Response{StatusCode: res.StatusCode, Header: res.Header, Body: buf}, nil
}
