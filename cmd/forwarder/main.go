package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/admin"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/cloud"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/config"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/forwarder"
	zladapter "github.com/AmnadTaowsoam/FarmIQ-V02-sub003/logger/zerolog"
	tladapter "github.com/AmnadTaowsoam/FarmIQ-V02-sub003/metrics/tally"
	"github.com/AmnadTaowsoam/FarmIQ-V02-sub003/repository/pgxv5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	tally "github.com/uber-go/tally/v4"
)

func main() {
	zl := zerolog.New(os.Stdout).With().Timestamp().Str("service", "edge-outbox-forwarder").Logger()
	log := &zladapter.Logger{Logger: zl}

	cfg, err := config.Load()
	if err != nil {
		log.Error("loading the configuration", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("connecting to the outbox database", err)
		os.Exit(1)
	}
	defer pool.Close()

	repo := pgxv5.New(pool)

	client := cloud.NewClient(cloud.Config{
		EndpointURL: cfg.CloudURL,
		AuthMode:    cfg.CloudAuthMode,
		APIKey:      cfg.CloudAPIKey,
		HMACSecret:  cfg.CloudHMACSecret,
		WorkerId:    cfg.WorkerID,
	}, &http.Client{Timeout: cfg.CloudTimeout})

	scope, closer := tally.NewRootScope(tally.ScopeOptions{Prefix: "edge_forwarder"}, time.Second)
	defer closer.Close() //nolint:errcheck

	fwd := forwarder.New(cfg.WorkerID, cfg.TenantID, cfg.EdgeID,
		forwarder.Settings{
			BatchSize:           cfg.BatchSize,
			LeaseSeconds:        cfg.LeaseSeconds,
			MaxAttempts:         cfg.MaxAttempts,
			BackoffBaseSeconds:  cfg.BackoffBaseSeconds,
			BackoffCapSeconds:   cfg.BackoffCapSeconds,
			SyncInterval:        cfg.SyncInterval,
			SweepInterval:       cfg.SweepInterval,
			UnclaimAfterSeconds: cfg.UnclaimAfterSeconds,
		},
		repo, client,
		forwarder.WithLogger(log),
		forwarder.WithCounters(
			&tladapter.Counter{Counter: scope.Counter("delivered_total")},
			&tladapter.Counter{Counter: scope.Counter("failed_total")},
		),
	)

	go fwd.Run(ctx)

	adminSrv := admin.NewServer(repo, fwd, client, cfg.AdminEnabled, cfg.AdminAPIKey, log)
	srv := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           adminSrv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("admin server listening on " + cfg.AdminListen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("admin server shutdown failed", err)
	}
}
