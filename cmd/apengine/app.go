package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/payables-engine/api"
	"github.com/warp/payables-engine/engine"
	"github.com/warp/payables-engine/invoice"
	"github.com/warp/payables-engine/lock"
	"github.com/warp/payables-engine/logger"
	"github.com/warp/payables-engine/store/sqlite"
)

// averageWindow is how many prior invoices a non-fixed definition averages.
const averageWindow = 3

// app is the wired engine shared by every command.
type app struct {
	store     *sqlite.Store
	templates *engine.TemplateService
	recurring *engine.RecurringService
	driver    *api.MaterializationDriver
	handler   *api.Handler
	redis     *redis.Client
	log       zerolog.Logger
}

func newApp(ctx context.Context, dbPath string) (*app, error) {
	log := logger.WithComponent("app")

	store, err := sqlite.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}

	scale := cfg.MoneyScale
	allocator := engine.NewDistributionAllocator(scale)
	materializer := engine.NewRecurringInvoiceMaterializer(
		allocator,
		engine.NewRecurringInvoiceScheduler(),
		invoice.NewAverageOfLastN(averageWindow, scale),
	)

	a := &app{
		store:     store,
		templates: engine.NewTemplateService(store, allocator, logger.WithComponent("templates")),
		recurring: engine.NewRecurringService(store, materializer, engine.SystemClock{}, logger.WithComponent("recurring")),
		log:       log,
	}

	var locker lock.Locker = lock.NewLocal()
	if cfg.RedisAddress != "" {
		client, err := lock.Connect(ctx, cfg.RedisAddress, cfg.RedisPassword)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddress, err)
		}
		a.redis = client
		locker = lock.NewRedis(client, cfg.LockTTL, logger.WithComponent("lock"))
		log.Info().Str("address", cfg.RedisAddress).Msg("using redis run locks")
	}

	a.driver = api.NewMaterializationDriver(store, a.recurring, lock.NewGuard(locker))
	a.driver.Enabled = cfg.DriverEnabled
	a.driver.CheckInterval = cfg.DriverInterval
	a.driver.Concurrency = cfg.DriverConcurrency
	a.driver.HaltOnError = cfg.DriverHaltOnError

	a.handler = api.NewHandler(store, a.templates, a.recurring, a.driver, scale)
	return a, nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close redis client")
		}
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("failed to close database")
	}
}
