package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	approvalpg "github.com/lirancohen/loupe/approval/pgstore"
	auditpg "github.com/lirancohen/loupe/audit/pgstore"
	crmpg "github.com/lirancohen/loupe/crm/pgstore"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/spf13/cobra"
)

func newMigrateCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Long:  "Applies the River job tables and the approval, audit and CRM schemas. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if cfg.Database.URL == "" {
				return errors.New("database.url is required")
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			pool, err := openPool(cmd.Context(), cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			return migrate(cmd.Context(), pool, logger)
		},
	}
}

func migrate(ctx context.Context, pool *pgxpool.Pool, logger zeroLogger) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("river migrations: %w", err)
	}
	logger.Info("river schema migrated", "versions", len(res.Versions))

	steps := []struct {
		name    string
		migrate func(context.Context, *pgxpool.Pool) error
	}{
		{"approval", approvalpg.Migrate},
		{"audit", auditpg.Migrate},
		{"crm", crmpg.Migrate},
	}
	for _, s := range steps {
		if err := s.migrate(ctx, pool); err != nil {
			return fmt.Errorf("%s schema: %w", s.name, err)
		}
		logger.Info("schema migrated", "schema", s.name)
	}
	return nil
}
