// ABOUTME: gRPC server exposing grpc.health.v1 (public) plus channelz and reflection (admin only)
// ABOUTME: The health serving status follows every published health report

package server

import (
	"time"

	"google.golang.org/grpc"
	channelzsvc "google.golang.org/grpc/channelz/service"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/2389/counsel-coordinator/internal/auth"
	"github.com/2389/counsel-coordinator/internal/health"
	"github.com/2389/counsel-coordinator/internal/metrics"
)

// HealthService is the gRPC health service name that tracks the coordinator.
const HealthService = "counsel.Coordinator"

// grpcPolicy leaves the health service open to load balancers.
var grpcPolicy = auth.GRPCPolicy{
	PublicPrefixes: []string{"/grpc.health.v1.Health/"},
}

func (s *Server) newGRPCServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(auth.UnaryInterceptor(s.verifier, grpcPolicy, s.logger)),
		grpc.ChainStreamInterceptor(auth.StreamInterceptor(s.verifier, grpcPolicy, s.logger)),
	)

	healthpb.RegisterHealthServer(srv, s.grpcHealth)
	channelzsvc.RegisterChannelzServiceToServer(srv)
	reflection.Register(srv)
	return srv
}

// reportObserver counts reports and mirrors their status into the gRPC
// health service. Degraded still serves.
type reportObserver struct {
	metrics *metrics.Metrics
	health  *grpchealth.Server
}

func (o *reportObserver) ReportPublished(status string) {
	o.metrics.ReportPublished(status)

	serving := healthpb.HealthCheckResponse_SERVING
	if status == string(health.StatusUnhealthy) {
		serving = healthpb.HealthCheckResponse_NOT_SERVING
	}
	o.health.SetServingStatus("", serving)
	o.health.SetServingStatus(HealthService, serving)
}
