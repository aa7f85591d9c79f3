package controllers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mdedetrich/nakadi/internal/problems"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
)

// StreamIDHeader carries the session id of a stream response.
const StreamIDHeader = "X-Nakadi-StreamId"

// maxBodyBytes bounds request bodies that are decoded in full.
const maxBodyBytes = 8 << 20

// writeError writes err as a problem document.
func writeError(w http.ResponseWriter, err error) {
	problems.WriteError(w, err)
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// readBody reads the whole request body, rejecting oversized ones.
func readBody(r *http.Request) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", problems.ErrValidation, err)
	}
	if len(b) > maxBodyBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", problems.ErrValidation, maxBodyBytes)
	}
	return b, nil
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v any) error {
	b, err := readBody(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: invalid request body: %w", problems.ErrValidation, err)
	}
	return nil
}

// parseStreamParams reads the consumer knobs of a stream request. Timeouts
// are whole seconds.
func parseStreamParams(q url.Values) (streamsvc.StreamParams, error) {
	var p streamsvc.StreamParams
	ints := []struct {
		name string
		dst  *int
	}{
		{"batch_limit", &p.BatchLimit},
		{"stream_limit", &p.StreamLimit},
		{"batch_keep_alive_limit", &p.BatchKeepAliveLimit},
	}
	for _, f := range ints {
		n, err := parseNonNegative(q, f.name)
		if err != nil {
			return p, err
		}
		*f.dst = n
	}
	secs := []struct {
		name string
		dst  *time.Duration
	}{
		{"batch_flush_timeout", &p.BatchFlushTimeout},
		{"stream_timeout", &p.StreamTimeout},
	}
	for _, f := range secs {
		n, err := parseNonNegative(q, f.name)
		if err != nil {
			return p, err
		}
		*f.dst = time.Duration(n) * time.Second
	}
	p.Filter = q.Get("filter")
	return p, nil
}

func parseNonNegative(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", problems.ErrValidation, name)
	}
	return n, nil
}
