package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mdedetrich/nakadi/internal/delivery"
	"github.com/mdedetrich/nakadi/internal/problems"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsSink sends each frame as one JSON text message. conn is set once the
// upgrade succeeds, which happens after the session (and its id) exists.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Send(ctx context.Context, f delivery.Frame) error {
	if ctx.Err() != nil {
		return problems.ErrClientDisconnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := s.conn.WriteJSON(f); err != nil {
		return problems.ErrClientDisconnected
	}
	return nil
}

func (s *wsSink) Close() error {
	if s.conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

// serveWebSocket upgrades the request and runs sess over it. Reading from
// the connection is how a peer close is noticed.
func serveWebSocket(w http.ResponseWriter, r *http.Request, sess *delivery.Session, sink *wsSink, logger logpkg.Logger) {
	conn, err := upgrader.Upgrade(w, r, http.Header{StreamIDHeader: []string{sess.ID()}})
	if err != nil {
		// Upgrade already answered the request.
		return
	}
	sink.conn = conn
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	runSessionContext(ctx, sess, logger)
}
