package server

import (
	"context"
	"net"
	"time"

	"cosmossdk.io/log"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bundlekit/oppool/pool"
)

const healthProbeInterval = 5 * time.Second

// StartHealthServer exposes the standard gRPC health service, marking the
// pool SERVING while a get_supported_entry_points probe answers within one
// second.
func StartHealthServer(ctx context.Context, logger log.Logger, g *errgroup.Group, addr string, handle *pool.Handle) error {
	logger = logger.With(log.ModuleKey, "Health")

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("failed to listen", "address", addr, "error", err)
		return err
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	g.Go(func() error {
		logger.Info("starting gRPC health server", "address", addr)
		errCh := make(chan error, 1)
		go func() {
			errCh <- grpcServer.Serve(ln)
		}()
		select {
		case <-ctx.Done():
			logger.Info("stopping gRPC health server", "address", addr)
			grpcServer.GracefulStop()
			return nil
		case err := <-errCh:
			return err
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(healthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				healthServer.Shutdown()
				return nil
			case <-ticker.C:
				status := healthpb.HealthCheckResponse_SERVING
				if err := handle.Healthy(ctx); err != nil {
					logger.Error("health probe failed", "error", err)
					status = healthpb.HealthCheckResponse_NOT_SERVING
				}
				healthServer.SetServingStatus("", status)
			}
		}
	})
	return nil
}
