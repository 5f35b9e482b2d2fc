// Package store implements the tracking data facade: categories, time
// records, leaderboards, settings and active sessions, persisted in the
// backing key-value store behind the pool, breaker, caches and batch writer.
package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/timekeeperhq/trackstore/internal/batch"
	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/cache"
	"github.com/timekeeperhq/trackstore/internal/codec"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
	"github.com/timekeeperhq/trackstore/internal/pool"
	"golang.org/x/sync/singleflight"
)

// Queued-write kinds owned by this package, replayed by Applier.
const (
	KindSet       = "store.set"
	KindDel       = "store.del"
	KindSAdd      = "store.sadd"
	KindSRem      = "store.srem"
	KindHSet      = "store.hset"
	KindHDel      = "store.hdel"
	KindZRem      = "store.zrem"
	KindZRemRange = "store.zremrange"
)

// mutation is the durable form of one diverted store write.
type mutation struct {
	Key     string            `msgpack:"k,omitempty"`
	Keys    []string          `msgpack:"ks,omitempty"`
	Members []string          `msgpack:"m,omitempty"`
	Fields  map[string][]byte `msgpack:"f,omitempty"`
	Payload []byte            `msgpack:"p,omitempty"`
	Min     float64           `msgpack:"lo,omitempty"`
	Max     float64           `msgpack:"hi,omitempty"`
}

// Config holds store-level tunables.
type Config struct {
	SettingsCacheSize    int
	SettingsCacheTTL     time.Duration
	CategoryCacheSize    int
	CategoryCacheTTL     time.Duration
	UserCacheSize        int
	LeaderboardCacheSize int
	LeaderboardCacheTTL  time.Duration
	MaxCategories        int
}

func (c *Config) resolve() {
	if c.SettingsCacheSize <= 0 {
		c.SettingsCacheSize = 512
	}
	if c.SettingsCacheTTL <= 0 {
		c.SettingsCacheTTL = 5 * time.Minute
	}
	if c.CategoryCacheSize <= 0 {
		c.CategoryCacheSize = 1024
	}
	if c.CategoryCacheTTL <= 0 {
		c.CategoryCacheTTL = time.Minute
	}
	if c.UserCacheSize <= 0 {
		c.UserCacheSize = 4096
	}
	if c.LeaderboardCacheSize <= 0 {
		c.LeaderboardCacheSize = 256
	}
	if c.LeaderboardCacheTTL <= 0 {
		c.LeaderboardCacheTTL = 30 * time.Second
	}
	if c.MaxCategories <= 0 {
		c.MaxCategories = 50
	}
}

// Store is the tracking data facade. All methods are safe for concurrent
// use.
type Store struct {
	cfg   Config
	pool  *pool.Pool
	brk   *breaker.Breaker
	batch *batch.Writer
	codec *codec.Codec
	log   zerolog.Logger

	settingsCache *cache.Tier[model.ServerSettings]
	categoryCache *cache.Tier[[]model.Category]
	userCache     *cache.Tier[model.UserTimeRecord]
	lbCache       *cache.Tier[[]model.LeaderboardEntry]

	lbGroup singleflight.Group

	now func() time.Time
}

// New wires the facade over its collaborators.
func New(cfg Config, p *pool.Pool, brk *breaker.Breaker, bw *batch.Writer, cd *codec.Codec, log zerolog.Logger) *Store {
	cfg.resolve()
	return &Store{
		cfg:           cfg,
		pool:          p,
		brk:           brk,
		batch:         bw,
		codec:         cd,
		log:           log.With().Str("component", "store").Logger(),
		settingsCache: cache.NewTTL[model.ServerSettings]("settings", cfg.SettingsCacheSize, cfg.SettingsCacheTTL),
		categoryCache: cache.NewTTL[[]model.Category]("categories", cfg.CategoryCacheSize, cfg.CategoryCacheTTL),
		userCache:     cache.NewLRU[model.UserTimeRecord]("usertimes", cfg.UserCacheSize),
		// Leaderboard rows age out rather than relying on invalidation
		// alone: the sorted-set increments ride the batch writer, so a
		// read between invalidation and flush can cache a pre-flush
		// snapshot. The TTL bounds how long that snapshot can live.
		lbCache: cache.NewTTL[[]model.LeaderboardEntry]("leaderboard", cfg.LeaderboardCacheSize, cfg.LeaderboardCacheTTL),
		now:     time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) { s.now = now }

// read runs a read-only op through the breaker. While the breaker is open a
// cache miss surfaces as *model.BackendUnavailableError.
func (s *Store) read(ctx context.Context, name string, fn func(conn kv.Conn) error) error {
	err := s.brk.Execute(ctx, breaker.Op{
		Name:  name,
		Apply: func(ctx context.Context) error { return s.pool.With(ctx, fn) },
	})
	var open *model.CircuitBreakerOpenError
	if errors.As(err, &open) {
		return &model.BackendUnavailableError{Err: err}
	}
	return err
}

// write runs a mutating op through the breaker. It returns
// breaker.ErrQueued when the write was diverted into the fallback queue.
func (s *Store) write(ctx context.Context, name string, fallbacks []breaker.QueuedWrite, fn func(conn kv.Conn) error) error {
	return s.brk.Execute(ctx, breaker.Op{
		Name:      name,
		Apply:     func(ctx context.Context) error { return s.pool.With(ctx, fn) },
		Fallbacks: fallbacks,
	})
}

func queued(kind string, m mutation) breaker.QueuedWrite {
	b, err := msgpack.Marshal(&m)
	if err != nil {
		panic(err)
	}
	return breaker.QueuedWrite{Kind: kind, Payload: b}
}

// Applier returns the replay handler for this package's queued-write kinds.
// Unknown kinds are left for other handlers.
func Applier(p *pool.Pool) func(ctx context.Context, qw breaker.QueuedWrite) (bool, error) {
	return func(ctx context.Context, qw breaker.QueuedWrite) (bool, error) {
		switch qw.Kind {
		case KindSet, KindDel, KindSAdd, KindSRem, KindHSet, KindHDel, KindZRem, KindZRemRange:
		default:
			return false, nil
		}
		var m mutation
		if err := msgpack.Unmarshal(qw.Payload, &m); err != nil {
			return true, errors.Wrap(err, "store: decode queued mutation")
		}
		err := p.With(ctx, func(conn kv.Conn) error {
			switch qw.Kind {
			case KindSet:
				return conn.Set(ctx, m.Key, m.Payload, 0)
			case KindDel:
				return conn.Del(ctx, m.Keys...)
			case KindSAdd:
				return conn.SAdd(ctx, m.Key, m.Members...)
			case KindSRem:
				return conn.SRem(ctx, m.Key, m.Members...)
			case KindHSet:
				return conn.HSet(ctx, m.Key, m.Fields)
			case KindHDel:
				return conn.HDel(ctx, m.Key, m.Members...)
			case KindZRemRange:
				_, err := conn.ZRemRangeByScore(ctx, m.Key, m.Min, m.Max)
				return err
			default:
				return conn.ZRem(ctx, m.Key, m.Members...)
			}
		})
		return true, err
	}
}
