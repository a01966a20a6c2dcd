package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/Shasikumar10/Chat-App/internal/api"
	"github.com/Shasikumar10/Chat-App/internal/auth"
	"github.com/Shasikumar10/Chat-App/internal/chat"
	"github.com/Shasikumar10/Chat-App/internal/config"
	"github.com/Shasikumar10/Chat-App/internal/gateway"
	"github.com/Shasikumar10/Chat-App/internal/instance"
	"github.com/Shasikumar10/Chat-App/internal/lock"
	"github.com/Shasikumar10/Chat-App/internal/metrics"
	"github.com/Shasikumar10/Chat-App/internal/status"
	"github.com/Shasikumar10/Chat-App/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server manages the control-plane gRPC server on the instance's Unix domain socket.
type Server struct {
	grpcServer *grpc.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer creates a gRPC server bound to the instance socket. It takes the
// instance lock so a stale socket is only removed by the lock holder.
func NewServer(
	p Params,
	logger *zap.Logger,
	admin *api.AdminService,
	hs *health.Server,
	_ *lock.Lock,
) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = instance.SocketPath(p.Instance)
	}

	// Clean stale socket if it exists.
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}

	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	srv := grpc.NewServer()
	api.RegisterAdminServer(srv, admin)
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{
		grpcServer: srv,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
	}, nil
}

// Start begins serving gRPC requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("gRPC server starting", zap.String("socket", s.socketPath))
	return s.grpcServer.Serve(s.listener)
}

// Stop performs a graceful shutdown and removes the socket file.
func (s *Server) Stop(_ context.Context) {
	s.logger.Info("gRPC server stopping")
	s.grpcServer.GracefulStop()
	_ = os.Remove(s.socketPath)
}

// HTTPServer serves the REST API, the websocket endpoint, /healthz and /metrics.
type HTTPServer struct {
	srv      *http.Server
	addr     string
	listener net.Listener
	logger   *zap.Logger
}

func NewHTTPServer(
	cfg *config.Config,
	svc *chat.Service,
	a *auth.Authenticator,
	gw *gateway.Gateway,
	m *metrics.Metrics,
	machine *status.Machine,
	db *store.DB,
	logger *zap.Logger,
) *HTTPServer {
	router := api.NewRouter(api.RouterDeps{
		Chat:    svc,
		Auth:    a,
		Gateway: gw,
		Metrics: m,
		Health:  readiness(machine, db),
		Logger:  logger.Named("http"),
	})
	return &HTTPServer{
		srv: &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		addr:   cfg.Server.HTTPAddr,
		logger: logger,
	}
}

// Start binds the listen address and serves in the background. Bind errors
// are returned so startup fails instead of running without a listener.
func (s *HTTPServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = lis
	s.logger.Info("HTTP server starting", zap.String("addr", lis.Addr().String()))
	go func() {
		if err := s.srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, which differs from the configured one for ":0".
func (s *HTTPServer) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight requests until ctx expires, then closes the rest.
func (s *HTTPServer) Stop(ctx context.Context) {
	s.logger.Info("HTTP server stopping")
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("HTTP shutdown incomplete", zap.Error(err))
		_ = s.srv.Close()
	}
}
