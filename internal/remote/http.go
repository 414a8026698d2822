package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/roach88/rollbook/internal/ir"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 30 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 64 << 20

// HTTPClient is the Client for a JSON-over-HTTP backend.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	header  http.Header
}

var _ Client = (*HTTPClient)(nil)

// HTTPOption configures an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithHeader adds a header to every request, e.g. an Authorization token
// supplied by the embedding application.
func WithHeader(key, value string) HTTPOption {
	return func(h *HTTPClient) { h.header.Add(key, value) }
}

// NewHTTPClient creates a client for the backend at baseURL.
func NewHTTPClient(baseURL string, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
		header:  make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send implements Client. A batch of one is sent as a bare object.
func (c *HTTPClient) Send(ctx context.Context, batch []Request) error {
	if len(batch) == 0 {
		return nil
	}

	var body any = batch
	if len(batch) == 1 {
		body = batch[0]
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return &Error{Op: "send", Message: "encode request", Err: err}
	}

	resp, err := c.do(ctx, "send", http.MethodPost, "/sync", &buf)
	if err != nil {
		return err
	}
	if resp.Status != StatusSuccess {
		return &Error{Op: "send", StatusCode: http.StatusOK, Message: responseMessage(resp), Rejected: true}
	}
	return nil
}

// FetchSnapshot implements Client.
func (c *HTTPClient) FetchSnapshot(ctx context.Context) (ir.Snapshot, error) {
	resp, err := c.do(ctx, "snapshot", http.MethodGet, "/snapshot", nil)
	if err != nil {
		return nil, err
	}
	if resp.Status != StatusSuccess {
		return nil, &Error{Op: "snapshot", StatusCode: http.StatusOK, Message: responseMessage(resp), Rejected: true}
	}
	if resp.Data == nil {
		return ir.Snapshot{}, nil
	}
	return resp.Data, nil
}

// Ping implements Client.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return &Error{Op: "ping", Err: err}
	}
	c.applyHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Op: "ping", Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck

	if resp.StatusCode >= 300 {
		return &Error{Op: "ping", StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body io.Reader) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, &Error{Op: op, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	c.applyHeaders(req)

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &Error{Op: op, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("%w: %w", ErrUnreachable, err)}
	}

	var resp Response
	decodeErr := json.Unmarshal(data, &resp)

	if httpResp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		if decodeErr == nil {
			msg = responseMessage(&resp)
		}
		return nil, &Error{
			Op:         op,
			StatusCode: httpResp.StatusCode,
			Message:    msg,
			Rejected:   httpResp.StatusCode >= 400 && httpResp.StatusCode < 500,
		}
	}
	if decodeErr != nil {
		return nil, &Error{Op: op, StatusCode: httpResp.StatusCode, Message: "malformed response", Err: decodeErr}
	}
	return &resp, nil
}

func (c *HTTPClient) applyHeaders(req *http.Request) {
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

func responseMessage(resp *Response) string {
	if resp.Error != "" {
		return resp.Error
	}
	if resp.Status == "" {
		return "missing status"
	}
	return "status " + resp.Status
}
