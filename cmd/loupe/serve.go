package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/loupe/approval"
	approvalmem "github.com/lirancohen/loupe/approval/memory"
	approvalpg "github.com/lirancohen/loupe/approval/pgstore"
	"github.com/lirancohen/loupe/audit"
	auditmem "github.com/lirancohen/loupe/audit/memory"
	auditpg "github.com/lirancohen/loupe/audit/pgstore"
	"github.com/lirancohen/loupe/config"
	"github.com/lirancohen/loupe/crm"
	crmmem "github.com/lirancohen/loupe/crm/memory"
	crmpg "github.com/lirancohen/loupe/crm/pgstore"
	"github.com/lirancohen/loupe/engine"
	"github.com/lirancohen/loupe/httpapi"
	"github.com/lirancohen/loupe/metrics"
	"github.com/lirancohen/loupe/policy"
	"github.com/lirancohen/loupe/river"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

// stores are the persistence backends the engine runs on.
type stores struct {
	approval approval.Store
	audit    audit.Store
	crm      crm.Store
	pool     *pgxpool.Pool
}

func openStores(ctx context.Context, cfg config.Config) (stores, error) {
	if cfg.Store == config.StoreMemory {
		return stores{approval: approvalmem.New(), audit: auditmem.New(), crm: crmmem.New()}, nil
	}

	pool, err := openPool(ctx, cfg.Database)
	if err != nil {
		return stores{}, err
	}
	return stores{
		approval: approvalpg.New(pool),
		audit:    auditpg.New(pool),
		crm:      crmpg.New(pool),
		pool:     pool,
	}, nil
}

func openPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

func serve(ctx context.Context, cfg config.Config, logger zeroLogger) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	if st.pool != nil {
		defer st.pool.Close()
	}

	evaluator, err := policy.New(cfg.Policy.Thresholds)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	// The runner is the engine's notifier, and the engine is the runner's
	// executor, so the registry is bound after both exist.
	var (
		registry *river.Registry
		runner   river.Runner
		notifier approval.Notifier
	)
	if st.pool != nil {
		registry = river.NewRegistry()
		registry.Subscribe("log", logNotices(logger))

		rcfg := river.Config{
			Pool:       st.pool,
			Registry:   registry,
			Logger:     logger,
			Workers:    cfg.Jobs.Workers,
			JobTimeout: cfg.Jobs.JobTimeout,
		}
		if cfg.Expiry.Enabled() {
			rcfg.ExpiryInterval = cfg.Jobs.ExpiryInterval
		}
		r, err := river.NewRunner(rcfg)
		if err != nil {
			return err
		}
		runner, notifier = r, r
	} else {
		logger.Warn("memory store selected: no background jobs, approved requests run through POST /approvals/{id}/execute")
	}

	eng, err := engine.New(engine.Config{
		Evaluator: evaluator,
		Store:     st.approval,
		CRM:       st.crm,
		Audit:     st.audit,
		Notifier:  notifier,
		Observer:  collector,
		Expiry:    cfg.Expiry,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if runner != nil {
		registry.SetExecutor(eng)
		registry.SetExpirer(eng)
		if err := runner.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
			defer cancel()
			if err := runner.Stop(stopCtx); err != nil {
				logger.Error("stop runner", "error", err)
			}
		}()
	}

	api, err := httpapi.New(httpapi.Config{
		Engine:  eng,
		Tokens:  httpapi.NewTokens([]byte(cfg.HTTP.JWTSecret), cfg.HTTP.TokenTTL),
		Metrics: collector,
		Health: func(ctx context.Context) error {
			if st.pool == nil {
				return nil
			}
			return st.pool.Ping(ctx)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr, "store", cfg.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// logNotices records every notice in the service log.
func logNotices(logger zeroLogger) river.NoticeHandler {
	return river.NoticeHandlerFunc(func(_ context.Context, n approval.Notice) error {
		logger.Info("notice",
			"kind", n.Kind,
			"tenant_id", n.TenantID,
			"request_id", n.RequestID,
			"escalation_id", n.EscalationID,
			"priority", n.Priority,
			"actor_id", n.ActorID,
		)
		return nil
	})
}

