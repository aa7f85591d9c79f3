package grpcserver

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/mdedetrich/nakadi/internal/runtime"
	streamsvc "github.com/mdedetrich/nakadi/internal/services/streams"
	subscriptionsvc "github.com/mdedetrich/nakadi/internal/services/subscriptions"
	logpkg "github.com/mdedetrich/nakadi/pkg/log"
)

// Server owns the gRPC server instance and runtime.
type Server struct {
	rt     *runtime.Runtime
	grpc   *grpc.Server
	lis    net.Listener
	logger logpkg.Logger
}

// New constructs a gRPC server and registers services.
func New(rt *runtime.Runtime, logger logpkg.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = rt.Logger()
	}
	logger = logger.With(logpkg.Component("grpc"))
	streams := streamsvc.NewWithLogger(rt, logger)
	s := &Server{rt: rt, grpc: grpc.NewServer(opts...), logger: logger}
	healthpb.RegisterHealthServer(s.grpc, &healthSvc{rt: rt})
	RegisterSubscriptionsServer(s.grpc, &subscriptionsSvc{
		svc:    subscriptionsvc.New(rt, streams),
		logger: logger,
	})
	return s
}

// ListenAndServe binds to addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.lis = l
	s.logger.Info("grpc.listen", logpkg.Str("addr", l.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(l) }()
	select {
	case <-ctx.Done():
		s.stop()
		return nil
	case err := <-errCh:
		return err
	}
}

// Serve accepts connections on l until the server stops.
func (s *Server) Serve(l net.Listener) error {
	return s.grpc.Serve(l)
}

// Close stops the server and closes the listener.
func (s *Server) Close() {
	if s.grpc != nil {
		s.stop()
	}
	if s.lis != nil {
		_ = s.lis.Close()
	}
}

// stop drains in-flight calls, then forces open event streams closed once the
// shutdown timeout passes.
func (s *Server) stop() {
	timeout := s.rt.Config().Server.ShutdownTimeout.D()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		s.grpc.Stop()
		<-done
	}
}
