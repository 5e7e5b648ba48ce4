// Package api exposes the daemon's sync status over gRPC using the standard
// health checking protocol, so orchestrators and grpc_health_probe can tell
// whether the store is current.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"barsync/internal/domain"
)

// SyncService is the health service name whose status tracks the outcome of
// the last sync run.
const SyncService = "barsync.Sync"

// Server hosts the gRPC health endpoint.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu   sync.Mutex
	last *domain.RunReport
}

// NewServer creates a Server. The overall service is SERVING immediately;
// SyncService stays NOT_SERVING until a run completes.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SyncService, healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, log: log.With("component", "api")}
}

// Observe records a finished run. Complete and up-to-date runs mark
// SyncService SERVING; partial or cancelled runs mark it NOT_SERVING.
func (s *Server) Observe(r *domain.RunReport) {
	if r == nil {
		return
	}
	s.mu.Lock()
	s.last = r
	s.mu.Unlock()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	switch r.Status {
	case domain.StatusComplete, domain.StatusUpToDate:
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(SyncService, status)
	s.log.Info("sync status", "asOf", r.AsOf.Format(domain.DateLayout), "status", r.Status, "serving", status.String())
}

// LastReport returns the most recently observed report, or nil.
func (s *Server) LastReport() *domain.RunReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Shutdown()
		case <-stopped:
		}
	}()
	defer close(stopped)

	s.log.Info("grpc listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Shutdown marks every service NOT_SERVING and waits for in-flight RPCs.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
