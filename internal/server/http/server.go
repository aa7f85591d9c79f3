package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mdedetrich/nakadi/internal/runtime"
	"github.com/mdedetrich/nakadi/internal/server/http/controllers"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	subscriptionsvc "github.com/mdedetrich/nakadi/internal/services/subscriptions"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

type Server struct {
	rt     *runtime.Runtime
	srv    *http.Server
	lis    net.Listener
	logger logpkg.Logger
}

func New(rt *runtime.Runtime, logger logpkg.Logger) *Server {
	if logger == nil {
		logger = rt.Logger()
	}
	logger = logger.With(logpkg.Component("http"))
	streams := streamsvc.NewWithLogger(rt, logger)
	subs := subscriptionsvc.New(rt, streams)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(cors)
	router.Use(requestLogger(logger))
	controllers.NewControllerRegistry(rt, streams, subs, logger).RegisterAllRoutes(router)

	s := &Server{
		rt:     rt,
		logger: logger,
		// No write timeout: stream sessions hold the response open.
		srv: &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second},
	}
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.srv.BaseContext = func(net.Listener) context.Context { return ctx }
	s.logger.Info("http.listen", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(l) }()
	select {
	case <-ctx.Done():
		timeout := s.rt.Config().Server.ShutdownTimeout.D()
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		cctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = s.srv.Shutdown(cctx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Addr is the bound address once ListenAndServe has started.
func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

func (s *Server) Close() {
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Nakadi-StreamId")
		w.Header().Set("Access-Control-Expose-Headers", "X-Nakadi-StreamId, Location")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(logger logpkg.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			t0 := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http.request",
				logpkg.Str("method", r.Method),
				logpkg.Str("path", r.URL.Path),
				logpkg.Int("status", ww.Status()),
				logpkg.Int("bytes", ww.BytesWritten()),
				logpkg.Dur("dur", time.Since(t0)))
		})
	}
}
