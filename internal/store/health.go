package store

import (
	"context"

	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/cache"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/pool"
)

// Metrics is the operational snapshot surfaced by Metrics and the health
// endpoint.
type Metrics struct {
	Pool         pool.Stats       `json:"pool"`
	Breaker      breaker.Snapshot `json:"breaker"`
	BatchPending int              `json:"batch_pending"`
	Caches       []cache.Stats    `json:"caches"`
}

// HealthCheck pings the backing store through the pool. A healthy result
// means reads and writes are currently flowing.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.read(ctx, "health_check", func(conn kv.Conn) error {
		return conn.Ping(ctx)
	})
}

// HealthPing implements the health.HealthPinger contract.
func (s *Store) HealthPing(ctx context.Context) error {
	return s.HealthCheck(ctx)
}

// Metrics reports pool, breaker, batch and cache telemetry.
func (s *Store) Metrics(ctx context.Context) Metrics {
	return Metrics{
		Pool:         s.pool.Stats(),
		Breaker:      s.brk.Snapshot(ctx),
		BatchPending: s.batch.PendingCount(),
		Caches: []cache.Stats{
			s.settingsCache.Stats(),
			s.categoryCache.Stats(),
			s.userCache.Stats(),
			s.lbCache.Stats(),
		},
	}
}
