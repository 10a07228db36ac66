// Package probe exposes process health over the standard gRPC health protocol.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// CommsService is the service name whose status follows the heartbeat monitor.
const CommsService = "yohan.comms"

const defaultRefreshInterval = 10 * time.Second

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor reports whether the heartbeat loop is running.
type Monitor interface {
	Running() bool
}

// Server serves grpc.health.v1.Health. The overall status is SERVING while
// the monitor runs and the store answers pings.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	store    Pinger
	monitor  Monitor
	interval time.Duration
	logger   *slog.Logger
}

// New creates a health server. Either dependency may be nil.
func New(store Pinger, monitor Monitor, interval time.Duration, logger *slog.Logger) *Server {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		grpc:     gs,
		health:   hs,
		store:    store,
		monitor:  monitor,
		interval: interval,
		logger:   logger,
	}
}

// ListenAndServe listens on addr and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("probe listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is done, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Refresh(ctx)

	done := make(chan struct{})
	served := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Refresh(ctx)
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-served:
				return
			}
		}
	}()

	s.logger.Info("Health probe listening", "addr", lis.Addr().String())
	err := s.grpc.Serve(lis)
	close(served)
	<-done
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("probe serve: %w", err)
	}
	return nil
}

// Refresh recomputes and publishes serving status.
func (s *Server) Refresh(ctx context.Context) {
	commsUp := s.monitor == nil || s.monitor.Running()

	storeUp := true
	if s.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.store.Ping(pingCtx); err != nil {
			s.logger.Warn("Health probe store ping failed", "error", err)
			storeUp = false
		}
		cancel()
	}

	s.health.SetServingStatus(CommsService, status(commsUp))
	s.health.SetServingStatus("", status(commsUp && storeUp))
}

func status(up bool) healthpb.HealthCheckResponse_ServingStatus {
	if up {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}
