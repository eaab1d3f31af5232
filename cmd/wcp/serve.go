package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/whiteclaws/clawpoints/internal/config"
	"github.com/whiteclaws/clawpoints/internal/engine"
	"github.com/whiteclaws/clawpoints/internal/events"
	"github.com/whiteclaws/clawpoints/internal/ingest"
	"github.com/whiteclaws/clawpoints/internal/jobs"
	"github.com/whiteclaws/clawpoints/internal/lease"
	"github.com/whiteclaws/clawpoints/internal/server"
	"github.com/whiteclaws/clawpoints/internal/snapshot"
	"github.com/whiteclaws/clawpoints/internal/store"
	"github.com/whiteclaws/clawpoints/internal/store/memory"
	"github.com/whiteclaws/clawpoints/internal/store/postgres"
)

// limiterIdle is how long a client may stay quiet before its rate limiter
// is evicted.
const limiterIdle = 10 * time.Minute

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the scoring server (HTTP, gRPC health, jobs, bus ingest)",
	GroupID: "system",
	// Override PersistentPreRunE so we don't build an API client.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		policy, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}

		var st store.Store
		if cfg.UsesMemoryStore() {
			st = memory.New()
			logger.Warn("using in-process memory store; state is lost on exit")
		} else {
			pg, err := postgres.New(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			st = pg
		}
		defer func() {
			if err := st.Close(); err != nil {
				logger.Error("error closing store", "err", err)
			}
		}()

		holder := lease.NewHolder()
		var locker lease.Locker = lease.NewStoreLocker(st, holder)
		if cfg.RedisURL != "" {
			rl, err := lease.NewRedisLocker(context.Background(), cfg.RedisURL, holder)
			if err != nil {
				return err
			}
			defer rl.Close()
			locker = rl
			logger.Info("job leases in redis", "holder", holder)
		}

		hub := server.NewHub()
		publisher := events.MultiPublisher{hub}
		if cfg.NATSURL != "" {
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				return err
			}
			publisher = append(publisher, pub)
			logger.Info("notifications enabled", "nats_url", cfg.NATSURL)
		} else {
			logger.Info("notifications on NATS disabled (WCP_NATS_URL not set)")
		}
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Error("error closing publisher", "err", err)
			}
		}()

		var dests []snapshot.Destination
		if cfg.SnapshotS3Bucket != "" {
			s3Dest, err := snapshot.NewS3Destination(context.Background(),
				cfg.SnapshotS3Bucket, cfg.SnapshotS3Prefix, cfg.SnapshotS3Region, cfg.SnapshotS3Endpoint)
			if err != nil {
				logger.Error("failed to create S3 snapshot destination", "err", err)
			} else {
				dests = append(dests, s3Dest)
				logger.Info("snapshot S3 destination enabled", "bucket", cfg.SnapshotS3Bucket, "prefix", cfg.SnapshotS3Prefix)
			}
		}
		if cfg.SnapshotDir != "" {
			dirDest, err := snapshot.NewDirDestination(cfg.SnapshotDir)
			if err != nil {
				logger.Error("failed to create snapshot directory", "err", err)
			} else {
				dests = append(dests, dirDest)
				logger.Info("snapshot directory enabled", "dir", cfg.SnapshotDir)
			}
		}
		var exporter *snapshot.Exporter
		if len(dests) > 0 {
			exporter = snapshot.NewExporter(st, dests, logger)
		}

		pool := pond.NewPool(cfg.Workers)
		defer pool.StopAndWait()

		eng := engine.New(engine.Options{
			Store:     st,
			Policy:    policy,
			Pool:      pool,
			Locker:    locker,
			Publisher: publisher,
			Snapshots: exporter,
			Logger:    logger,
		})

		srv := server.New(server.Options{
			Engine:    eng,
			Hub:       hub,
			Logger:    logger,
			AuthToken: cfg.AuthToken,
			JWTSecret: cfg.JWTSecret,
			Rate:      cfg.HTTPRate,
			Burst:     cfg.HTTPBurst,
		})

		grpcServer, healthServer := server.NewGRPCServer(cfg.AuthToken, logger)
		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if cfg.NATSURL != "" {
			sub, err := events.NewNATSSubscriber(cfg.NATSURL)
			if err != nil {
				logger.Error("failed to create ingest subscriber", "err", err)
			} else {
				handler := ingest.NewHandler(eng, logger)
				go func() {
					if err := handler.Run(ctx, sub); err != nil {
						logger.Error("ingest subscriber error", "err", err)
					}
					sub.Close()
				}()
				logger.Info("bus ingest started")
			}
		}

		var scheduler *jobs.Scheduler
		if cfg.JobsEnabled {
			scheduler = jobs.New(logger, cfg.JobTimeout)
			if err := jobs.Register(scheduler, eng, cfg); err != nil {
				return err
			}
			scheduler.Start()
			logger.Info("job scheduler started", "jobs", scheduler.Jobs())
		}

		go func() {
			t := time.NewTicker(limiterIdle)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					if n := srv.SweepLimiters(limiterIdle); n > 0 {
						logger.Debug("evicted idle rate limiters", "count", n)
					}
				}
			}
		}()

		logger.Info("wcp server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"season", eng.CurrentSeason(),
			"store", storeKind(cfg),
		)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus(server.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if scheduler != nil {
			scheduler.Stop(shutdownCtx)
			logger.Info("job scheduler stopped")
		}

		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		logger.Info("shutdown complete")
		return nil
	},
}

func storeKind(cfg *config.Config) string {
	if cfg.UsesMemoryStore() {
		return "memory"
	}
	return "postgres"
}
