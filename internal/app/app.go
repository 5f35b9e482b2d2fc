// Package app owns the process-wide object graph: one pool, one breaker,
// one batch writer, one store and one clock engine, built from config and
// torn down in order. Callers either construct an App explicitly or use the
// Shared accessor.
package app

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/batch"
	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/clock"
	"github.com/timekeeperhq/trackstore/internal/codec"
	"github.com/timekeeperhq/trackstore/internal/config"
	"github.com/timekeeperhq/trackstore/internal/health"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/kv/rediskv"
	"github.com/timekeeperhq/trackstore/internal/logger"
	"github.com/timekeeperhq/trackstore/internal/pool"
	"github.com/timekeeperhq/trackstore/internal/store"
)

// Option adjusts construction, mainly for tests.
type Option func(*options)

type options struct {
	dialer kv.Dialer
	roles  clock.RoleAssigner
}

// WithDialer replaces the Redis dialer, for tests against the in-memory
// backend.
func WithDialer(d kv.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithRoles installs the external role collaborator.
func WithRoles(r clock.RoleAssigner) Option {
	return func(o *options) { o.roles = r }
}

// App is the assembled tracking store service.
type App struct {
	Cfg     *config.Config
	Log     zerolog.Logger
	Pool    *pool.Pool
	Queue   *breaker.FallbackQueue
	Breaker *breaker.Breaker
	Batch   *batch.Writer
	Store   *store.Store
	Clock   *clock.Engine
	Health  *health.ServiceHealthChecker

	healthCancel context.CancelFunc
}

// New builds the object graph. Nothing dials the backend until first use.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	dialer := o.dialer
	if dialer == nil {
		d, err := rediskv.NewDialer(cfg.BackendURL, cfg.BackendTimeout)
		if err != nil {
			return nil, errors.Wrap(err, "app: backend dialer")
		}
		dialer = d
	}

	p := pool.New(dialer, pool.Config{
		Size:           cfg.PoolSize,
		AcquireTimeout: cfg.PoolAcquireTimeout,
		ProbeInterval:  cfg.PoolProbeInterval,
	}, log)

	queue, err := breaker.OpenQueue(cfg.FallbackQueuePath)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	brk := breaker.New(breaker.Config{
		Threshold:     cfg.BreakerThreshold,
		Cooldown:      cfg.BreakerCooldown,
		MaxCooldown:   cfg.BreakerMaxCooldown,
		SuccessStreak: cfg.BreakerSuccessStreak,
	}, queue, log)

	bw := batch.New(batch.Config{
		Threshold: cfg.BatchThreshold,
		Interval:  cfg.BatchInterval,
	}, p, brk, log)

	cd := codec.New(
		codec.WithCompressMin(cfg.CompressMin),
		codec.WithWorkers(int64(cfg.CompressWorkers)),
	)

	st := store.New(store.Config{
		SettingsCacheSize:    cfg.SettingsCacheSize,
		SettingsCacheTTL:     cfg.SettingsCacheTTL,
		CategoryCacheSize:    cfg.CategoryCacheSize,
		CategoryCacheTTL:     cfg.CategoryCacheTTL,
		UserCacheSize:        cfg.UserCacheSize,
		LeaderboardCacheSize: cfg.LeaderboardCacheSize,
		LeaderboardCacheTTL:  cfg.LeaderboardCacheTTL,
		MaxCategories:        cfg.MaxCategories,
	}, p, brk, bw, cd, log)

	// Replay handlers: store mutations first, then batch deltas.
	storeApply := store.Applier(p)
	batchApply := batch.Applier(p)
	brk.SetApplier(func(ctx context.Context, qw breaker.QueuedWrite) error {
		if handled, err := storeApply(ctx, qw); handled {
			return err
		}
		if handled, err := batchApply(ctx, qw); handled {
			return err
		}
		return errors.Errorf("app: no replay handler for queued write kind %q", qw.Kind)
	})

	eng := clock.New(st, o.roles, log)

	a := &App{
		Cfg:     cfg,
		Log:     log,
		Pool:    p,
		Queue:   queue,
		Breaker: brk,
		Batch:   bw,
		Store:   st,
		Clock:   eng,
	}
	a.startHealth(log)
	return a, nil
}

func (a *App) startHealth(log zerolog.Logger) {
	backend := health.NewPingChecker("backend", log, a.Store)
	brk := health.NewChecker("breaker", log, func(ctx context.Context) error {
		if s := a.Breaker.Snapshot(ctx); s.State == breaker.StateOpen {
			return errors.Errorf("breaker open, retry in %s", s.RetryAfter)
		}
		return nil
	})
	backlog := health.NewChecker("batch", log, func(ctx context.Context) error {
		if n := a.Batch.PendingCount(); n > 10*a.Cfg.BatchThreshold {
			return errors.Errorf("batch backlog %d", n)
		}
		return nil
	})
	a.Health = health.NewServiceHealthChecker(log, backend, brk, backlog)

	ctx, cancel := context.WithCancel(context.Background())
	a.healthCancel = cancel
	interval := 10 * time.Second
	if a.Cfg.IsTesting() {
		interval = 50 * time.Millisecond
	}
	go backend.Start(ctx, interval)
	go brk.Start(ctx, interval)
	go backlog.Start(ctx, interval)
	go a.Health.Start(ctx, interval)
}

// Close drains the batch writer and releases every resource, in dependency
// order.
func (a *App) Close(ctx context.Context) error {
	if a.healthCancel != nil {
		a.healthCancel()
	}
	var firstErr error
	if err := a.Batch.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Pool.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.Queue.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

var (
	sharedMu sync.Mutex
	shared   *App
)

// Shared returns the process-wide store and clock engine, building them
// from the environment on first call.
func Shared() (*store.Store, *clock.Engine, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		cfg, err := config.New()
		if err != nil {
			return nil, nil, err
		}
		a, err := New(cfg, logger.New("trackstore"))
		if err != nil {
			return nil, nil, err
		}
		shared = a
	}
	return shared.Store, shared.Clock, nil
}

// CloseShared tears down the shared instance if one was built.
func CloseShared(ctx context.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if shared == nil {
		return nil
	}
	err := shared.Close(ctx)
	shared = nil
	return err
}
