package server

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the name reported by the gRPC health service.
const ServiceName = "wcp.Scoring"

// NewGRPCServer creates a gRPC server with the standard interceptors and
// registers health and reflection. The health server starts SERVING; the
// caller flips it on shutdown.
func NewGRPCServer(authToken string, logger *slog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoveryInterceptor(logger),
			LoggingInterceptor(logger),
			AuthInterceptor(authToken),
		),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return srv, hs
}
