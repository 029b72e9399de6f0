package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blinkdate/matchmaker/internal/app"
	"github.com/blinkdate/matchmaker/internal/cache"
	"github.com/blinkdate/matchmaker/internal/config"
	"github.com/blinkdate/matchmaker/internal/db"
	"github.com/blinkdate/matchmaker/internal/events"
	"github.com/blinkdate/matchmaker/internal/logger"
	"github.com/blinkdate/matchmaker/internal/metrics"
	"github.com/blinkdate/matchmaker/internal/server"
	"github.com/blinkdate/matchmaker/internal/service/matchmaking"
)

func main() {
	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	// Init DB
	database, err := db.NewDB(cfg)
	if err != nil {
		log.Error("failed to init db", "err", err)
		return
	}
	if err := db.Migrate(database); err != nil {
		log.Error("failed to migrate db", "err", err)
		return
	}

	// Init Redis
	redisCache := cache.NewRedisCache(cfg)
	if err := redisCache.Ping(context.Background()); err != nil {
		log.Error("failed to connect to redis", "err", err)
		return
	}

	// Init NATS. The engine runs without it; lifecycle events are just
	// dropped, so a broker outage never blocks matchmaking.
	pub, err := events.Connect(events.Config{URL: cfg.NATS.URL, Name: cfg.NATS.Name}, log)
	if err != nil {
		log.Warn("NATS unavailable, lifecycle events disabled", "err", err)
		pub = nil
	}
	defer pub.Close()

	appCtx := app.New(cfg, database, redisCache, pub, log)
	svc := matchmaking.New(appCtx)

	if cfg.App.ENV == "development" {
		if err := db.SeedTestData(database); err != nil {
			log.Error("failed to seed", "err", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	startSweeps(ctx, cfg, svc, log)

	// Prometheus scrape endpoint.
	metricsSrv := &http.Server{Addr: cfg.Metrics.Addr, Handler: metrics.Handler()}
	go func() {
		log.Info("metrics listening", "addr", cfg.Metrics.Addr)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server stopped", "err", err)
		}
	}()

	grpcSrv := server.New(cfg)
	go func() {
		log.Info("starting gRPC server", "addr", cfg.GRPC.Host+":"+cfg.GRPC.Port)
		if err := grpcSrv.Serve(); err != nil {
			log.Error("gRPC server stopped", "err", err)
			cancel()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.Info("shutting down", "signal", s.String())
	case <-ctx.Done():
	}

	cancel()
	grpcSrv.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	svc.Close()
	log.Info("shutdown complete")
}

// startSweeps launches the background cadences: the matching pass, the
// presence finalizer, the reveal/vote timeout sweeps and the
// consistency audit. All stop when ctx is cancelled.
func startSweeps(ctx context.Context, cfg *config.Config, svc *matchmaking.Service, log *slog.Logger) {
	run := func(name string, every time.Duration, fn func(context.Context) error) {
		go func() {
			ticker := time.NewTicker(every)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := fn(ctx); err != nil {
						log.Error("sweep failed", "sweep", name, "err", err)
					}
				}
			}
		}()
	}

	run("matching_pass", cfg.Match.PassInterval, svc.RunMatchingPass)
	run("presence", cfg.Match.PresenceInterval, svc.FinalizePresence)
	run("reveal_timeout", cfg.Match.SweepInterval, svc.SweepRevealTimeouts)
	run("vote_timeout", cfg.Match.SweepInterval, svc.SweepVoteTimeouts)
	run("audit", cfg.Match.AuditInterval, svc.AuditConsistency)
}
