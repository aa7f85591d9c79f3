package transports

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/mdedetrich/nakadi/internal/cursors"
	"github.com/mdedetrich/nakadi/internal/problems"
)

// HTTPTransport implements SubscriptionTransport over the REST API.
type HTTPTransport struct {
	base   func() string
	client *http.Client
}

// NewHTTPTransport constructs an HTTPTransport resolving the base URL lazily.
func NewHTTPTransport(base func() string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTransport{base: base, client: client}
}

// Do sends a JSON request and decodes a JSON answer into out when out is not
// nil. Non-2xx answers become *APIError.
func (t *HTTPTransport) Do(ctx context.Context, method, path string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.base()+path, body)
	if err != nil {
		return 0, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return resp.StatusCode, readAPIError(resp)
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return resp.StatusCode, err
		}
		if len(bytes.TrimSpace(b)) > 0 {
			if err := json.Unmarshal(b, out); err != nil {
				return resp.StatusCode, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return resp.StatusCode, nil
}

// APIError is a non-2xx answer, carrying the problem document when present.
type APIError struct {
	Status  int
	Problem problems.Problem
	Body    string
}

func (e *APIError) Error() string {
	if e.Problem.Detail != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Problem.Title, e.Problem.Detail)
	}
	return fmt.Sprintf("%d %s %s", e.Status, http.StatusText(e.Status), e.Body)
}

// Temporary reports whether retrying may succeed.
func (e *APIError) Temporary() bool {
	return e.Status == http.StatusServiceUnavailable || e.Status == http.StatusTooManyRequests
}

func readAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	e := &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	_ = json.Unmarshal(b, &e.Problem)
	return e
}

// GetCursors fetches committed cursors via HTTP.
func (t *HTTPTransport) GetCursors(ctx context.Context, subscriptionID string) ([]cursors.Cursor, error) {
	var out struct {
		Items []cursors.Cursor `json:"items"`
	}
	_, err := t.Do(ctx, http.MethodGet, "/subscriptions/"+url.PathEscape(subscriptionID)+"/cursors", nil, &out)
	return out.Items, err
}

// CommitCursors commits cursors via HTTP. 204 means all were committed.
func (t *HTTPTransport) CommitCursors(ctx context.Context, subscriptionID string, cs []cursors.Cursor) (cursors.CommitResult, error) {
	var res cursors.CommitResult
	in := map[string]any{"items": cs}
	status, err := t.Do(ctx, http.MethodPut, "/subscriptions/"+url.PathEscape(subscriptionID)+"/cursors", in, &res)
	if err != nil {
		return cursors.CommitResult{}, err
	}
	if status == http.StatusNoContent {
		res.Committed = true
		res.Items = make([]cursors.CommitItem, len(cs))
		for i, c := range cs {
			res.Items[i] = cursors.CommitItem{Cursor: c, Result: cursors.ResultCommitted}
		}
	}
	return res, nil
}

// Stream reads the NDJSON subscription stream. An error frame ends the stream
// with an *APIError.
func (t *HTTPTransport) Stream(ctx context.Context, req StreamRequest, onBatch func(Batch) error) error {
	q := url.Values{}
	setInt := func(name string, v int) {
		if v > 0 {
			q.Set(name, strconv.Itoa(v))
		}
	}
	setInt("batch_limit", req.BatchLimit)
	setInt("stream_limit", req.StreamLimit)
	setInt("batch_flush_timeout", req.BatchFlushTimeout)
	setInt("stream_timeout", req.StreamTimeout)
	setInt("batch_keep_alive_limit", req.BatchKeepAliveLimit)
	if req.Filter != "" {
		q.Set("filter", req.Filter)
	}
	u := t.base() + "/subscriptions/" + url.PathEscape(req.SubscriptionID) + "/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	hreq.Header.Set("Accept", "application/x-json-stream")
	resp, err := t.client.Do(hreq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64<<10), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var frame struct {
			Batch
			Status int `json:"status"`
		}
		if err := json.Unmarshal(line, &frame); err != nil {
			return fmt.Errorf("decode frame: %w", err)
		}
		if frame.Status != 0 {
			e := &APIError{Status: frame.Status, Body: string(line)}
			_ = json.Unmarshal(line, &e.Problem)
			return e
		}
		if err := onBatch(frame.Batch); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
