// Package grpcserver runs the gRPC health listener polled by the orchestrator.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported next to the overall "" entry.
const ServiceName = "docattest.v1.Attestation"

const (
	pingTimeout = 2 * time.Second
	stopTimeout = 5 * time.Second
)

// Pinger reports whether a backing dependency answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Health serves grpc.health.v1 and flips to NOT_SERVING while the database is unreachable.
type Health struct {
	hs       *health.Server
	srv      *grpc.Server
	db       Pinger
	interval time.Duration
	log      *zap.Logger
}

// NewHealth builds the listener. reflect enables server reflection (dev only).
func NewHealth(db Pinger, interval time.Duration, reflect bool, log *zap.Logger) *Health {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			RecoverUnary(log),
			LoggingUnary(log),
		),
		grpc.ChainStreamInterceptor(
			RecoverStream(log),
			LoggingStream(log),
		),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	if reflect {
		reflection.Register(srv)
	}
	return &Health{hs: hs, srv: srv, db: db, interval: interval, log: log}
}

// Refresh pings the database once and publishes the result.
func (h *Health) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	st := healthpb.HealthCheckResponse_SERVING
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("database ping failed", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.hs.SetServingStatus("", st)
	h.hs.SetServingStatus(ServiceName, st)
	return st
}

// Serve listens on addr until ctx is done.
func (h *Health) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	return h.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, pinging the database every interval.
func (h *Health) ServeListener(ctx context.Context, lis net.Listener) error {
	h.Refresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		h.log.Info("health listening", zap.String("addr", lis.Addr().String()))
		errCh <- h.srv.Serve(lis)
	}()

	tick := time.NewTicker(h.interval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			h.Refresh(ctx)
		case err := <-errCh:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("health serve: %w", err)
			}
			return nil
		case <-ctx.Done():
			h.stop()
			return nil
		}
	}
}

func (h *Health) stop() {
	h.hs.Shutdown()
	done := make(chan struct{})
	go func() {
		h.srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		h.srv.Stop()
	}
	h.log.Info("health shutdown complete")
}
