// Package breaker guards the backing store with a circuit breaker. While the
// breaker is open, writes divert into a durable fallback queue instead of
// failing; once the backend recovers the queue is replayed in enqueue order.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/model"
)

// State is the breaker position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrQueued reports that a write was diverted into the fallback queue rather
// than applied. Callers should degrade gracefully (serve cached values) and
// must not retry the write themselves.
var ErrQueued = errors.New("write queued for replay")

var (
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackstore_breaker_state",
		Help: "Breaker state (0 closed, 1 open, 2 half-open).",
	})
	tripsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_breaker_trips_total",
		Help: "Transitions into the open state.",
	})
	queuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_breaker_queued_writes_total",
		Help: "Writes diverted into the fallback queue.",
	})
	replayedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_breaker_replayed_writes_total",
		Help: "Queued writes successfully replayed.",
	})
)

// Op is one backing-store operation run under the breaker. Fallbacks, when
// non-empty, are the durable form of the write used if the breaker is open
// or the apply fails; reads leave Fallbacks nil.
type Op struct {
	Name      string
	Apply     func(ctx context.Context) error
	Fallbacks []QueuedWrite
}

// Config holds the breaker tunables.
type Config struct {
	// Threshold is the consecutive-failure count that trips the breaker.
	Threshold int
	// Cooldown is the initial open interval; it doubles on every failed
	// probe up to MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
	// SuccessStreak is how many half-open successes close the breaker.
	SuccessStreak int
}

func (c *Config) resolve() {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.MaxCooldown <= 0 {
		c.MaxCooldown = 5 * time.Minute
	}
	if c.SuccessStreak <= 0 {
		c.SuccessStreak = 3
	}
}

// Snapshot is a point-in-time view of breaker state for health reporting.
type Snapshot struct {
	State      State
	Failures   int
	Cooldown   time.Duration
	RetryAfter time.Duration
	QueueDepth int64
}

// Breaker is the circuit breaker plus its fallback queue. Replay is driven
// by the applier the owner registers at wiring time.
type Breaker struct {
	cfg   Config
	log   zerolog.Logger
	queue *FallbackQueue

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	cooldown  time.Duration
	probing   bool
	backoff   *backoff.ExponentialBackOff

	applier func(ctx context.Context, w QueuedWrite) error

	now func() time.Time
}

// New builds a breaker over queue. The applier replays queued writes when
// the breaker closes; it must be registered before the first drain via
// SetApplier.
func New(cfg Config, queue *FallbackQueue, log zerolog.Logger) *Breaker {
	cfg.resolve()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Cooldown
	bo.Multiplier = 2
	bo.MaxInterval = cfg.MaxCooldown
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return &Breaker{
		cfg:      cfg,
		log:      log.With().Str("component", "breaker").Logger(),
		queue:    queue,
		cooldown: cfg.Cooldown,
		backoff:  bo,
		now:      time.Now,
	}
}

// SetApplier registers the replay handler for queued writes.
func (b *Breaker) SetApplier(apply func(ctx context.Context, w QueuedWrite) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.applier = apply
}

// SetNow overrides the clock, for tests.
func (b *Breaker) SetNow(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// State reports the current state, promoting OPEN to HALF_OPEN if the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Execute runs op under the breaker.
//
// CLOSED and HALF_OPEN run the op; failures count toward tripping. While
// OPEN, ops with fallbacks are enqueued and ErrQueued returned; ops without
// fallbacks fail with *model.CircuitBreakerOpenError. Closing the breaker
// from HALF_OPEN drains the fallback queue before returning.
func (b *Breaker) Execute(ctx context.Context, op Op) error {
	b.mu.Lock()
	b.maybeHalfOpenLocked()

	claimedProbe := false
	switch b.state {
	case StateOpen:
		retryAfter := b.cooldown - b.now().Sub(b.openedAt)
		b.mu.Unlock()
		return b.divert(ctx, op, retryAfter)
	case StateHalfOpen:
		if b.probing {
			// One probe at a time; everyone else is treated as if open.
			retryAfter := b.cooldown
			b.mu.Unlock()
			return b.divert(ctx, op, retryAfter)
		}
		b.probing = true
		claimedProbe = true
	}
	b.mu.Unlock()

	err := op.Apply(ctx)

	b.mu.Lock()
	// Only the op that claimed the probe slot may release it; an op that
	// started in CLOSED and finished after a trip must not touch it.
	if claimedProbe {
		b.probing = false
	}

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.cfg.Threshold {
			b.tripLocked(op.Name, err)
			retryAfter := b.cooldown
			b.mu.Unlock()
			// The write that tripped the breaker is not lost.
			if derr := b.divert(ctx, op, retryAfter); errors.Is(derr, ErrQueued) {
				return derr
			}
			return &model.BackendUnavailableError{Err: err}
		}
		b.mu.Unlock()
		return err
	}

	// Success path.
	if b.state == StateHalfOpen && claimedProbe {
		b.successes++
		if b.successes >= b.cfg.SuccessStreak {
			b.closeLocked()
			b.mu.Unlock()
			b.drain(ctx)
			return nil
		}
		b.mu.Unlock()
		return nil
	}
	if b.failures > 0 {
		b.failures--
	}
	b.mu.Unlock()
	return nil
}

// divert enqueues a write op or fails a read op while the backend is
// unavailable.
func (b *Breaker) divert(ctx context.Context, op Op, retryAfter time.Duration) error {
	if len(op.Fallbacks) == 0 {
		if retryAfter < 0 {
			retryAfter = 0
		}
		return &model.CircuitBreakerOpenError{RetryAfter: retryAfter}
	}
	if err := b.queue.Enqueue(ctx, op.Fallbacks); err != nil {
		b.log.Error().Err(err).Str("op", op.Name).Msg("fallback enqueue failed, write lost")
		return &model.BackendUnavailableError{Err: err}
	}
	queuedTotal.Add(float64(len(op.Fallbacks)))
	b.log.Warn().Str("op", op.Name).Int("writes", len(op.Fallbacks)).Msg("write diverted to fallback queue")
	return ErrQueued
}

// drain replays the fallback queue, re-opening the breaker on a partial
// failure.
func (b *Breaker) drain(ctx context.Context) {
	b.mu.Lock()
	apply := b.applier
	b.mu.Unlock()
	if apply == nil {
		return
	}
	applied, err := b.queue.Drain(ctx, apply)
	replayedTotal.Add(float64(applied))
	if err != nil {
		b.log.Error().Err(err).Int("applied", applied).Msg("fallback replay failed partway, re-opening")
		b.mu.Lock()
		b.tripLocked("fallback_replay", err)
		b.mu.Unlock()
		return
	}
	if applied > 0 {
		b.log.Info().Int("applied", applied).Msg("fallback queue drained")
	}
}

// Snapshot reports breaker and queue state.
func (b *Breaker) Snapshot(ctx context.Context) Snapshot {
	depth, err := b.queue.Depth(ctx)
	if err != nil {
		depth = -1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	s := Snapshot{
		State:      b.state,
		Failures:   b.failures,
		Cooldown:   b.cooldown,
		QueueDepth: depth,
	}
	if b.state == StateOpen {
		if ra := b.cooldown - b.now().Sub(b.openedAt); ra > 0 {
			s.RetryAfter = ra
		}
	}
	return s
}

func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.state = StateHalfOpen
		b.successes = 0
		stateGauge.Set(2)
	}
}

func (b *Breaker) tripLocked(opName string, cause error) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.successes = 0
	b.cooldown = b.backoff.NextBackOff()
	stateGauge.Set(1)
	tripsTotal.Inc()
	b.log.Warn().Err(cause).Str("op", opName).Dur("cooldown", b.cooldown).Msg("circuit breaker opened")
}

func (b *Breaker) closeLocked() {
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.backoff.Reset()
	b.cooldown = b.cfg.Cooldown
	stateGauge.Set(0)
	b.log.Info().Msg("circuit breaker closed")
}
