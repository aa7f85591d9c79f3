package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/problems"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

const (
	ndjsonContentType = "application/x-json-stream"
	sseContentType    = "text/event-stream"
)

// streamSink writes frames to a chunked HTTP response. The status line waits
// for the first frame, so a session failing while it starts answers with the
// problem status and a plain problem body instead of a 200 stream.
type streamSink struct {
	w       http.ResponseWriter
	rc      *http.ResponseController
	sse     bool
	started bool
}

// newStreamSink picks server-sent events when the client accepts them and
// newline-delimited JSON otherwise.
func newStreamSink(w http.ResponseWriter, r *http.Request) *streamSink {
	return &streamSink{
		w:   w,
		rc:  http.NewResponseController(w),
		sse: strings.Contains(r.Header.Get("Accept"), sseContentType),
	}
}

func (s *streamSink) Send(ctx context.Context, f delivery.Frame) error {
	if ctx.Err() != nil {
		return problems.ErrClientDisconnected
	}
	if ef, ok := f.(delivery.ErrorFrame); ok && !s.started {
		s.started = true
		problems.Write(s.w, ef.Problem)
		return nil
	}
	s.begin()
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if s.sse {
		prefix := "data: "
		if _, ok := f.(delivery.ErrorFrame); ok {
			prefix = "event: error\ndata: "
		}
		b = append(append([]byte(prefix), b...), '\n', '\n')
	} else {
		b = append(b, '\n')
	}
	if _, err := s.w.Write(b); err != nil {
		return problems.ErrClientDisconnected
	}
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return problems.ErrClientDisconnected
	}
	return nil
}

func (s *streamSink) begin() {
	if s.started {
		return
	}
	s.started = true
	h := s.w.Header()
	if s.sse {
		h.Set("Content-Type", sseContentType)
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
	} else {
		h.Set("Content-Type", ndjsonContentType)
	}
	s.w.WriteHeader(http.StatusOK)
}

// Close commits the status line of a session that sent nothing.
func (s *streamSink) Close() error {
	s.begin()
	return nil
}

// runSession streams sess to completion on the request goroutine.
func runSession(w http.ResponseWriter, r *http.Request, sess *delivery.Session, logger logpkg.Logger) delivery.Result {
	w.Header().Set(StreamIDHeader, sess.ID())
	return runSessionContext(r.Context(), sess, logger)
}

func runSessionContext(ctx context.Context, sess *delivery.Session, logger logpkg.Logger) delivery.Result {
	res := sess.Run(ctx)
	logger.Debug("http.stream.end",
		logpkg.Str("session", sess.ID()),
		logpkg.Str("state", res.State.String()),
		logpkg.Int("events", res.Events),
		logpkg.Int("batches", res.Batches))
	return res
}
