// Package app assembles the process: database, logger, worker pool, caches,
// engines and background jobs, built once and torn down in reverse order.
package app

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"crowdwork/internal/async"
	"crowdwork/internal/boomerang"
	"crowdwork/internal/config"
	"crowdwork/internal/db"
	"crowdwork/internal/ingest"
	"crowdwork/internal/jobs"
	"crowdwork/internal/ledger"
	"crowdwork/internal/lifecycle"
	"crowdwork/internal/migrate"
	"crowdwork/internal/notify"
	"crowdwork/internal/payments"
	"crowdwork/internal/repo"
	"crowdwork/internal/reputation"
	"crowdwork/internal/statcache"

	"database/sql"
)

// App holds the wired process components.
type App struct {
	Config     *config.Config
	DB         *sql.DB
	Repo       repo.Repo
	Log        *zap.Logger
	Pool       *async.Pool
	Cache      statcache.Cache
	Notifier   notify.Notifier
	Aggregator reputation.Aggregator
	Ledger     *ledger.Engine
	Lifecycle  *lifecycle.Engine
	Ingest     *ingest.Manager
	Boomerang  *boomerang.Controller
	Jobs       *jobs.Manager
}

// New opens the workspace database, runs migrations and wires every
// component. The caller owns Close.
func New(workspace string, cfg *config.Config, log *zap.Logger) (*App, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	pool, err := async.NewPool(cfg.Pool.Size, log)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create pool: %w", err)
	}

	r := repo.Repo{DB: conn}
	cache := statcache.NewMemory()

	var notifier notify.Notifier = notify.LogNotifier{Log: log}
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Secret,
			time.Duration(cfg.Notify.TimeoutSeconds)*time.Second)
	}

	agg := reputation.NewAggregator(r, cfg.Boomerang)
	led := ledger.New(conn, cfg, payments.Sandbox{Log: log}, log)
	life := lifecycle.New(conn, cfg.Lifecycle, cache, pool, led, log)
	ing := ingest.New(conn, cfg.Ingest, log)
	boom := boomerang.New(r, agg, cfg.Boomerang, log)

	mgr, err := jobs.NewManager(log,
		jobs.BoomerangJob{Controller: boom, Config: cfg.Boomerang},
		jobs.ExpireJob{Engine: life, Config: cfg.Lifecycle},
		jobs.PayoutJob{Ledger: led, Config: cfg.Payout},
		jobs.DigestJob{Repo: r, Notifier: notifier, Config: cfg.Notify, Log: log},
	)
	if err != nil {
		pool.Release()
		conn.Close()
		return nil, err
	}

	return &App{
		Config:     cfg,
		DB:         conn,
		Repo:       r,
		Log:        log,
		Pool:       pool,
		Cache:      cache,
		Notifier:   notifier,
		Aggregator: agg,
		Ledger:     led,
		Lifecycle:  life,
		Ingest:     ing,
		Boomerang:  boom,
		Jobs:       mgr,
	}, nil
}

// Close tears down in reverse wiring order.
func (a *App) Close() {
	if a.Jobs != nil {
		if err := a.Jobs.Stop(); err != nil {
			a.Log.Warn("scheduler shutdown", zap.Error(err))
		}
	}
	if a.Pool != nil {
		a.Pool.Release()
	}
	if a.DB != nil {
		a.DB.Close()
	}
	_ = a.Log.Sync()
}
