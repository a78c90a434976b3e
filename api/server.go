// Package api exposes the scoring proxy over gRPC and HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/recsys-proxy-cache/recsys-proxy-cache/proxy"
)

// RequestIDHeader carries the request ID in gRPC metadata and HTTP headers.
const RequestIDHeader = "x-request-id"

// Server implements RecsysProxyCacheServer on top of a proxy.Handler.
type Server struct {
	handler *proxy.Handler
	config  *ServerConfig

	// Server state
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	startTime  time.Time

	requests atomic.Uint64
	failures atomic.Uint64

	running bool
	mu      sync.RWMutex
}

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// Address to listen on (e.g., ":50051")
	Address string

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with the service's defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":50051",
		MaxRecvMsgSize: 16 * 1024 * 1024, // 16MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// NewServer creates a gRPC server for handler. A nil config uses the defaults.
func NewServer(handler *proxy.Handler, config *ServerConfig) (*Server, error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{handler: handler, config: config}, nil
}

// Start listens on address (the configured address if empty) and serves
// until Stop is called.
func (s *Server) Start(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	gs, err := s.attach(lis)
	if err != nil {
		return err
	}
	return gs.Serve(lis)
}

// StartAsync starts the gRPC server on address and returns immediately.
func (s *Server) StartAsync(address string) error {
	lis, err := s.listen(address)
	if err != nil {
		return err
	}
	return s.ServeAsync(lis)
}

// ServeAsync serves on an existing listener and returns immediately.
func (s *Server) ServeAsync(lis net.Listener) error {
	gs, err := s.attach(lis)
	if err != nil {
		return err
	}
	go func() {
		if err := gs.Serve(lis); err != nil {
			logrus.Errorf("gRPC server stopped: %v", err)
		}
	}()
	return nil
}

func (s *Server) listen(address string) (net.Listener, error) {
	if address == "" {
		address = s.config.Address
	}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return lis, nil
}

func (s *Server) attach(lis net.Listener) (*grpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		_ = lis.Close()
		return nil, errors.New("server is already running")
	}

	opts := []grpc.ServerOption{grpc.UnaryInterceptor(loggingInterceptor)}
	if s.config.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize))
	}
	if s.config.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(s.config.MaxSendMsgSize))
	}
	s.grpcServer = grpc.NewServer(opts...)
	RegisterRecsysProxyCacheServer(s.grpcServer, s)

	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.listener = lis
	s.running = true
	s.startTime = time.Now()
	logrus.Infof("gRPC server listening on %s", lis.Addr())
	return s.grpcServer, nil
}

// Addr returns the listening address, or nil before the server starts.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop marks the service as not serving and gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false

	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// IsRunning reports whether the server has been started and not stopped.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Uptime returns the time since the server started.
func (s *Server) Uptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// Requests returns the number of GetScores calls served and how many failed.
func (s *Server) Requests() (total, failed uint64) {
	return s.requests.Load(), s.failures.Load()
}

// GetScores scores a batch through the shared handler.
func (s *Server) GetScores(ctx context.Context, req *proxy.ScoreRequest) (*proxy.ScoreResponse, error) {
	s.requests.Add(1)
	resp, err := s.handler.Handle(ctx, req)
	if err != nil {
		s.failures.Add(1)
		return nil, toStatus(err)
	}
	return resp, nil
}

// toStatus maps handler errors onto gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, proxy.ErrInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// loggingInterceptor tags every unary call with a request ID, taken from the
// caller's metadata when present, and logs its outcome.
func loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	requestID := ""
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(RequestIDHeader); len(v) > 0 {
			requestID = v[0]
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	_ = grpc.SetHeader(ctx, metadata.Pairs(RequestIDHeader, requestID))

	start := time.Now()
	resp, err := handler(ctx, req)
	entry := logrus.WithFields(logrus.Fields{
		"request_id": requestID,
		"method":     info.FullMethod,
		"duration":   time.Since(start),
	})
	if err != nil {
		entry.Warnf("call failed: %v", err)
	} else {
		entry.Debug("call completed")
	}
	return resp, err
}
