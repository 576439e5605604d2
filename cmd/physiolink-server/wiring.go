package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"physiolink/backend/internal/config"
	"physiolink/backend/internal/domain"
	"physiolink/backend/internal/events"
	"physiolink/backend/internal/service/scheduling"
	"physiolink/backend/internal/store"
	"physiolink/backend/internal/store/memory"
	"physiolink/backend/internal/store/mongo"
	"physiolink/backend/internal/store/postgres"
)

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendPostgres:
		log.Info("connecting to database", databaseLogArgs(cfg.DatabaseURL)...)
		db, err := postgres.Open(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxOpenConns:    cfg.DBMaxOpenConns,
			MaxIdleConns:    cfg.DBMaxIdleConns,
			ConnMaxLifetime: cfg.DBConnMaxLifetime,
			ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		})
		if err != nil {
			args := append([]any{slog.Any("err", err)}, databaseLogArgs(cfg.DatabaseURL)...)
			log.Error("database connection failed", args...)
			return nil, err
		}
		return postgres.New(db), nil

	case config.StoreBackendMongo:
		log.Info("connecting to mongo", databaseLogArgs(cfg.MongoURL)...)
		st, err := mongo.Connect(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			log.Error("mongo connection failed", slog.Any("err", err))
			return nil, err
		}
		return st, nil

	case config.StoreBackendMemory:
		log.Warn("using in-memory store; data is lost on restart")
		return memory.New(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}

// openBus returns nil when events are disabled. The returned cleanup closes
// the bus and any client it owns, and is safe to call more than once.
func openBus(ctx context.Context, cfg config.Config, log *slog.Logger) (events.Bus, func(), error) {
	switch cfg.EventsBackend {
	case config.EventsBackendNone:
		return nil, func() {}, nil

	case config.EventsBackendLocal:
		bus := events.NewLocalBus(log)
		var once sync.Once
		return bus, func() { once.Do(func() { _ = bus.Close() }) }, nil

	case config.EventsBackendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			log.Error("redis connection failed", slog.Any("err", err), slog.String("redis_addr", cfg.RedisAddr))
			return nil, nil, err
		}
		bus := events.NewRedisBus(client, log)
		var once sync.Once
		return bus, func() {
			once.Do(func() {
				if err := bus.Close(); err != nil {
					log.Warn("event bus close failed", slog.Any("err", err))
				}
				if err := client.Close(); err != nil {
					log.Warn("redis close failed", slog.Any("err", err))
				}
			})
		}, nil
	}
	return nil, nil, fmt.Errorf("unknown events backend %q", cfg.EventsBackend)
}

func newService(cfg config.Config, st store.Store, bus events.Bus, log *slog.Logger, opts ...scheduling.Option) (*scheduling.Service, error) {
	catalog, err := domain.NewCatalog(cfg.TimeSlots)
	if err != nil {
		return nil, fmt.Errorf("scheduling.time_slots: %w", err)
	}
	base := []scheduling.Option{
		scheduling.WithCatalog(catalog),
		scheduling.WithLocation(cfg.TimeZone),
		scheduling.WithStaleAfter(cfg.StaleReservationAfter),
		scheduling.WithLogger(log),
	}
	if bus != nil {
		base = append(base, scheduling.WithPublisher(bus))
	}
	return scheduling.NewService(st, append(base, opts...)...), nil
}

func closeStore(st store.Store, log *slog.Logger) {
	if err := st.Close(); err != nil {
		log.Warn("store close failed", slog.Any("err", err))
	}
}
