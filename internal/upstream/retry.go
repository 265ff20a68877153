package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// maxErrorBody caps how much of a failed reply is kept.
const maxErrorBody = 8 << 10

// retryDelay is the pause before the single retry of a transient failure.
var retryDelay = 500 * time.Millisecond

// UpstreamError represents a failed helper request with error details.
type UpstreamError struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

func (e *UpstreamError) Error() string {
	msg := strings.TrimSpace(string(e.Body))
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if id := upstreamRequestID(e.Headers); id != "" {
		return fmt.Sprintf("helper returned %d: %s (request_id=%s)", e.StatusCode, msg, id)
	}
	return fmt.Sprintf("helper returned %d: %s", e.StatusCode, msg)
}

// Rejected reports whether the helper explicitly declined the request.
func (e *UpstreamError) Rejected() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// DoWithRetry sends a request and retries once when the helper answers with a
// transient gateway status. Transport failures are returned as-is so callers
// can classify the helper as unreachable.
func (c *Client) DoWithRetry(ctx context.Context, req *Request) (*Response, error) {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	uerr := drainError(resp)
	if !transient(uerr.StatusCode) {
		return nil, uerr
	}

	if c.Verbose {
		slog.Warn("upstream.retry", "req_id", req.Payload.ReqID, "status", uerr.StatusCode)
	}
	select {
	case <-time.After(retryDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	resp, err = c.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 400 {
		return resp, nil
	}
	return nil, drainError(resp)
}

func drainError(resp *Response) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body.Body, maxErrorBody))
	resp.Body.Body.Close()
	return &UpstreamError{StatusCode: resp.StatusCode, Body: body, Headers: resp.Headers}
}

func transient(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
