package api

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
	"google.golang.org/grpc/keepalive"
)

// HealthServiceName is the gRPC health service name reporting checkpoint store health.
// The empty service name reports the same status.
const HealthServiceName = "graphchat.CheckpointStore"

const defaultHealthInterval = 10 * time.Second

// Pinger is the part of the checkpoint store the health server probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// GRPCHealth serves the standard grpc.health.v1 service for orchestrators
// that probe over gRPC.
type GRPCHealth struct {
	server   *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
}

// NewGRPCHealth creates a gRPC health server. interval <= 0 uses 10s.
func NewGRPCHealth(pinger Pinger, interval time.Duration) *GRPCHealth {
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    2 * time.Minute,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             30 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCHealth{
		server:   srv,
		health:   hs,
		pinger:   pinger,
		interval: interval,
	}
}

// Refresh pings the store once and publishes the result.
func (g *GRPCHealth) Refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	pingCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := g.pinger.Ping(pingCtx); err != nil {
		slog.Warn("gRPC health: checkpoint store unreachable", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(HealthServiceName, status)
}

// Serve accepts connections on lis until ctx is cancelled.
func (g *GRPCHealth) Serve(ctx context.Context, lis net.Listener) error {
	g.Refresh(ctx)

	go func() {
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				g.health.Shutdown()
				g.server.GracefulStop()
				return
			case <-ticker.C:
				g.Refresh(ctx)
			}
		}
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC health: %w", err)
	}
	return nil
}
