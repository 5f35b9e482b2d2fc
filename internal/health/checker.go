package health

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Checker turns a probe function into a HealthChecker with a cached flag.
// The store ping, breaker state and batch backlog checks are all wired
// through this.
type Checker struct {
	name    string
	probe   func(ctx context.Context) error
	healthy atomic.Int32
	log     zerolog.Logger
}

// NewChecker builds a checker around probe; probe must return nil when the
// component is healthy.
func NewChecker(name string, log zerolog.Logger, probe func(ctx context.Context) error) *Checker {
	return &Checker{name: name, probe: probe, log: log.With().Str("checker", name).Logger()}
}

// NewPingChecker adapts a HealthPinger into a Checker.
func NewPingChecker(name string, log zerolog.Logger, p HealthPinger) *Checker {
	return NewChecker(name, log, p.HealthPing)
}

func (c *Checker) Name() string { return c.name }

// IsHealthy returns the cached result of the last probe.
func (c *Checker) IsHealthy() bool { return c.healthy.Load() == 1 }

// Start probes on the given interval until ctx is done.
func (c *Checker) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	eval := func() {
		probeCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.probe(probeCtx)
		cancel()
		if err != nil {
			if c.healthy.Swap(0) == 1 {
				c.log.Warn().Err(err).Msg("component unhealthy")
			}
			return
		}
		if c.healthy.Swap(1) == 0 {
			c.log.Info().Msg("component healthy")
		}
	}

	eval()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			eval()
		}
	}
}
