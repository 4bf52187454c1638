// internal/api/grpc/server.go
package grpc

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/openeeap/rlactor/internal/observability/logging"
	"github.com/openeeap/rlactor/internal/observability/metrics"
	"github.com/openeeap/rlactor/internal/platform/training/collective"
	"github.com/openeeap/rlactor/pkg/config"
)

// Gradient vectors of a whole model travel in one message
const maxMessageSize = 256 << 20

// Server hosts the collective rendezvous for ranks in other processes
type Server struct {
	config           config.CollectiveConfig
	server           *grpc.Server
	listener         net.Listener
	logger           logging.Logger
	metricsCollector *metrics.MetricsCollector

	rendezvous   *collective.Rendezvous
	healthServer *health.Server
}

// NewServer listens on cfg.Address and prepares the collective service
func NewServer(cfg config.CollectiveConfig, logger logging.Logger, collector *metrics.MetricsCollector) (*Server, error) {
	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	return NewServerWithListener(listener, cfg, logger, collector), nil
}

// NewServerWithListener prepares the collective service on an existing listener
func NewServerWithListener(listener net.Listener, cfg config.CollectiveConfig, logger logging.Logger, collector *metrics.MetricsCollector) *Server {
	if logger == nil {
		logger = logging.NewNoopLogger()
	}
	if collector == nil {
		collector = metrics.NewMetricsCollector(metrics.CollectorConfig{})
	}

	s := &Server{
		config:           cfg,
		listener:         listener,
		logger:           logger,
		metricsCollector: collector,
		healthServer:     health.NewServer(),
	}
	s.rendezvous = collective.NewRendezvous(
		collective.WithRoundTimeout(cfg.RoundTimeout),
		collective.WithServerLogger(logger),
		collective.WithServerRecorder(collector),
	)

	s.server = grpc.NewServer(s.buildServerOptions()...)
	collective.Register(s.server, s.rendezvous)
	grpc_health_v1.RegisterHealthServer(s.server, s.healthServer)

	return s
}

// buildServerOptions 构建服务器选项
func (s *Server) buildServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			s.recoveryInterceptor(),
			s.loggingInterceptor(),
			s.metricsInterceptor(),
		),

		// A rank may sit in a round for minutes while its peers compute
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),

		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(collective.ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)

	s.logger.Info("Starting collective rendezvous server",
		logging.String("address", s.listener.Addr().String()),
		logging.String("group", s.config.Group),
		logging.Duration("round_timeout", s.config.RoundTimeout))

	if err := s.server.Serve(s.listener); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop 优雅停止 gRPC 服务器
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping collective rendezvous server",
		logging.Int("pending_rounds", s.rendezvous.Pending()))

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	s.healthServer.SetServingStatus(collective.ServiceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("Collective rendezvous server stopped gracefully")
		return nil
	case <-ctx.Done():
		s.logger.Warn("Collective rendezvous server stop timeout, forcing stop")
		s.server.Stop()
		return ctx.Err()
	}
}

// Addr returns the listening address
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// recoveryInterceptor panic 恢复拦截器
func (s *Server) recoveryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic recovered in gRPC handler",
					logging.String("method", info.FullMethod),
					logging.Any("panic", r))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}

// loggingInterceptor 日志拦截器
func (s *Server) loggingInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := []logging.Field{
			logging.String("method", info.FullMethod),
			logging.Duration("duration", time.Since(start)),
		}
		if err != nil {
			s.logger.Warn("gRPC request failed", append(fields, logging.Error(err))...)
		} else {
			s.logger.Debug("gRPC request completed", fields...)
		}
		return resp, err
	}
}

// metricsInterceptor 指标拦截器
func (s *Server) metricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		s.metricsCollector.RecordGRPCRequest(info.FullMethod, status.Code(err).String(), time.Since(start))
		return resp, err
	}
}

//Personal.AI order the ending
