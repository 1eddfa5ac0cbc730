package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client implements Caller over HTTP. A bounded timeout applies to every call;
// a timeout is reported as a TransientError, never as success.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
	logger  *slog.Logger
}

func NewClient(baseURL string, tokens TokenSource, timeout time.Duration, transport http.RoundTripper, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: timeout, Transport: transport},
		tokens:  tokens,
		logger:  logger,
	}
}

// Call executes one remote call. A rejected token is refreshed and replayed
// once; a second rejection falls through to transient handling.
func (c *Client) Call(ctx context.Context, req Request) (Response, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return Response{}, &TransientError{Op: req.Endpoint, Err: err}
	}

	resp, err := c.do(ctx, req, token)
	if err == nil && resp.Status == http.StatusUnauthorized {
		c.logger.Debug("token rejected, refreshing", slog.String("endpoint", req.Endpoint))
		if token, err = c.tokens.Refresh(ctx); err == nil {
			resp, err = c.do(ctx, req, token)
		}
	}
	if err != nil {
		return Response{}, &TransientError{Op: req.Endpoint, Err: err}
	}
	return c.normalize(req, resp)
}

// do performs the HTTP exchange and captures quota headers. Network-level
// failures surface as errors; HTTP status handling happens in normalize.
func (c *Client) do(ctx context.Context, req Request, token string) (Response, error) {
	var body io.Reader
	if req.Payload != nil {
		buf, err := json.Marshal(req.Payload)
		if err != nil {
			return Response{}, fmt.Errorf("encode payload: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Endpoint, body)
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.Payload != nil {
		httpReq.Header.Set("Content-Type", "application/json;charset=UTF-8")
	}

	c.logger.Debug("remote call", slog.String("method", req.Method), slog.String("endpoint", req.Endpoint))

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return Response{}, err
	}
	return Response{
		Status: httpResp.StatusCode,
		Body:   respBody,
		Quota:  parseQuotaHeaders(httpResp.Header),
	}, nil
}

// normalize maps HTTP statuses onto the error taxonomy.
func (c *Client) normalize(req Request, resp Response) (Response, error) {
	switch {
	case resp.Status < 400:
		return resp, nil
	case resp.Status == http.StatusUnauthorized:
		return resp, &TransientError{Op: req.Endpoint, Err: ErrAuthExpired}
	case resp.Status == http.StatusTooManyRequests:
		return resp, fmt.Errorf("%s: %w", req.Endpoint, ErrQuotaExceeded)
	case resp.Status >= 500:
		return resp, &TransientError{Op: req.Endpoint, Err: fmt.Errorf("HTTP %d", resp.Status)}
	default:
		return resp, &ValidationError{Status: resp.Status, Reason: rejectionReason(resp.Body)}
	}
}

// rejectionReason extracts the service's verbatim rejection message.
func rejectionReason(body []byte) string {
	var payload struct {
		Errors []struct {
			Title string `json:"title"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && len(payload.Errors) > 0 {
		return payload.Errors[0].Title
	}
	return strings.TrimSpace(string(body))
}
