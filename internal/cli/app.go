package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/yichenzhou/groupflow/internal/config"
	"github.com/yichenzhou/groupflow/internal/dispatch"
	"github.com/yichenzhou/groupflow/internal/redislock"
	"github.com/yichenzhou/groupflow/internal/store"
	"github.com/yichenzhou/groupflow/pkg/telemetry"
)

// app wires configuration, stores and telemetry for one command run.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	pool    *pgxpool.Pool
	ledger  store.TaskLedger
	results store.ResultStore
	plans   store.PlanStore
	books   store.BookMetaStore

	redisClient *redis.Client
	stopTracer  func()
}

func newApp(ctx context.Context, command string) (*app, error) {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel).With(slog.String("command", command))

	stopTracer, err := telemetry.InitTracer(ctx, "groupflow-"+command, cfg.OTelEndpoint)
	if err != nil {
		return nil, fmt.Errorf("tracer: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := store.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		stopTracer()
		return nil, fmt.Errorf("postgres: %w", err)
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		pool:       pool,
		ledger:     store.NewTaskLedger(pool),
		results:    store.NewResultStore(pool),
		plans:      store.NewPlanStore(pool),
		books:      store.NewBookMetaStore(pool),
		stopTracer: stopTracer,
	}, nil
}

func (a *app) Close() {
	if a.redisClient != nil {
		_ = a.redisClient.Close()
	}
	a.pool.Close()
	a.stopTracer()
}

func (a *app) locker() *redislock.Locker {
	if a.redisClient == nil {
		a.redisClient = redislock.NewClient(a.cfg.RedisAddr)
	}
	return redislock.NewLocker(a.redisClient, a.cfg.LockTTL)
}

func (a *app) deliverer() *dispatch.Deliverer {
	sinkOpts := []dispatch.SinkOption{}
	if a.cfg.SinkTimeout > 0 {
		sinkOpts = append(sinkOpts, dispatch.WithSinkTimeout(a.cfg.SinkTimeout))
	}
	if a.cfg.SinkAttempts > 0 {
		sinkOpts = append(sinkOpts, dispatch.WithSinkAttempts(a.cfg.SinkAttempts))
	}
	sink := dispatch.NewHTTPSink(a.cfg.SinkEndpoint, sinkOpts...)
	barrier := dispatch.NewBarrier(a.ledger, a.plans, a.logger)
	return dispatch.NewDeliverer(
		barrier, a.plans, a.results, a.books, sink, a.locker(), a.logger,
		dispatch.WithMaxRetries(a.cfg.MaxRetries),
	)
}

// printSummary writes the single machine-readable result object to stdout.
func printSummary(v any) error {
	enc := json.NewEncoder(os.Stdout)
	return enc.Encode(v)
}
