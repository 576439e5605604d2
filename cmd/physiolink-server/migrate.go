package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"physiolink/backend/internal/config"
	"physiolink/backend/internal/store/mongo"
	"physiolink/backend/internal/store/postgres"
)

func migrateCmd(load loader) *cobra.Command {
	var (
		timeout  time.Duration
		rollback bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the schema of the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runMigrate(ctx, cfg, log, rollback)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "overall migration timeout")
	cmd.Flags().BoolVar(&rollback, "rollback", false, "revert the last applied migration group (postgres only)")
	return cmd
}

func runMigrate(ctx context.Context, cfg config.Config, log *slog.Logger, rollback bool) error {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{MaxOpenConns: 2})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			return err
		}
		defer func() {
			if err := postgres.Close(db); err != nil {
				log.Warn("database close failed", slog.Any("err", err))
			}
		}()

		if rollback {
			reverted, err := postgres.Rollback(ctx, db)
			if err != nil {
				log.Error("rollback failed", slog.Any("err", err))
				return err
			}
			log.Info("migrations rolled back", slog.Any("versions", reverted), slog.Int("count", len(reverted)))
			return nil
		}

		applied, err := postgres.Migrate(ctx, db)
		if err != nil {
			log.Error("migration failed", slog.Any("err", err))
			return err
		}
		log.Info("migrations applied", slog.Any("versions", applied), slog.Int("count", len(applied)))
		return nil

	case config.StoreBackendMongo:
		if rollback {
			return errors.New("rollback is only supported for the postgres store")
		}
		st, err := mongo.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			log.Error("mongo connection failed", slog.Any("err", err))
			return err
		}
		defer closeStore(st, log)

		if err := st.EnsureIndexes(ctx); err != nil {
			log.Error("index creation failed", slog.Any("err", err))
			return err
		}
		log.Info("mongo indexes ensured", slog.String("database", cfg.MongoDatabase))
		return nil

	case config.StoreBackendMemory:
		log.Info("in-memory store needs no migration")
		return nil
	}
	return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
