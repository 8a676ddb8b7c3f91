package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"BattleLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "battles.v1.Battles"

// GRPCServer exposes the standard gRPC health protocol for orchestrators
// and reflection for grpcurl. Its status follows the HealthChecker.
type GRPCServer struct {
	grpcServer    *grpc.Server
	health        *health.Server
	addr          string
	healthChecker *observability.HealthChecker
	log           zerolog.Logger
}

func NewGRPCServer(addr string, hc *observability.HealthChecker, log zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:    grpcServer,
		health:        healthServer,
		addr:          addr,
		healthChecker: hc,
		log:           log,
	}
}

// Sync copies the HealthChecker's verdict into the gRPC health status.
func (s *GRPCServer) Sync(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if s.healthChecker != nil {
		if !s.healthChecker.IsReady() || len(s.healthChecker.Check(ctx)) > 0 {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Start serves until ctx is cancelled, re-evaluating health every
// interval.
func (s *GRPCServer) Start(ctx context.Context, interval time.Duration) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis, interval)
}

// Serve is Start on an existing listener.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			s.Sync(ctx)
			select {
			case <-ctx.Done():
				s.log.Info().Msg("gRPC server shutting down")
				s.health.Shutdown()
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
			}
		}
	}()

	s.log.Info().Str("addr", lis.Addr().String()).Msg("gRPC health server listening")
	return s.grpcServer.Serve(lis)
}
