// Package pool maintains a bounded set of backing-store connections.
// Connections are dialed lazily up to the configured size; callers that
// cannot get one within the acquisition timeout receive a
// *model.PoolExhaustedError instead of queueing forever.
package pool

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/model"
)

var (
	dialsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_pool_dials_total",
		Help: "Connections dialed by the pool.",
	})
	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_pool_exhausted_total",
		Help: "Acquisitions that timed out waiting for a free connection.",
	})
	discardsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_pool_discards_total",
		Help: "Connections dropped after a failed health probe or caller error.",
	})
)

// Stats is a point-in-time snapshot of pool state.
type Stats struct {
	Size      int
	InUse     int
	Idle      int
	Dials     int64
	Exhausted int64
	Discards  int64
}

// Config controls pool behavior.
type Config struct {
	Size           int
	AcquireTimeout time.Duration
	// ProbeInterval is how often idle connections are pinged. Zero disables
	// the probe loop.
	ProbeInterval time.Duration
}

// Pool hands out connections from a bounded set.
type Pool struct {
	dialer kv.Dialer
	cfg    Config
	log    zerolog.Logger

	mu       sync.Mutex
	idle     []kv.Conn
	open     int
	closed   bool
	dials    int64
	exhaust  int64
	discards int64

	// free is signaled with one token per available slot or idle conn.
	free chan struct{}

	stopProbe chan struct{}
	probeDone chan struct{}
}

// New builds a pool and starts its probe loop. The first connection is not
// dialed until first use.
func New(dialer kv.Dialer, cfg Config, log zerolog.Logger) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = 10
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	p := &Pool{
		dialer:    dialer,
		cfg:       cfg,
		log:       log.With().Str("component", "pool").Logger(),
		free:      make(chan struct{}, cfg.Size),
		stopProbe: make(chan struct{}),
		probeDone: make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		p.free <- struct{}{}
	}
	if cfg.ProbeInterval > 0 {
		go p.probeLoop()
	} else {
		close(p.probeDone)
	}
	return p
}

// Acquire returns a connection, dialing one if the pool is under its size
// limit. It fails with *model.PoolExhaustedError when no slot frees up in
// time.
func (p *Pool) Acquire(ctx context.Context) (kv.Conn, error) {
	start := time.Now()
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case <-p.free:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		p.mu.Lock()
		p.exhaust++
		p.mu.Unlock()
		exhaustedTotal.Inc()
		return nil, &model.PoolExhaustedError{Waited: time.Since(start)}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.free <- struct{}{}
		return nil, context.Canceled
	}
	if n := len(p.idle); n > 0 {
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	p.open++
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx)
	if err != nil {
		p.mu.Lock()
		p.open--
		p.mu.Unlock()
		p.free <- struct{}{}
		return nil, err
	}
	p.mu.Lock()
	p.dials++
	p.mu.Unlock()
	dialsTotal.Inc()
	return conn, nil
}

// Release returns a healthy connection to the pool.
func (p *Pool) Release(conn kv.Conn) {
	p.mu.Lock()
	if p.closed {
		p.open--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
	p.free <- struct{}{}
}

// Discard closes a connection the caller no longer trusts, freeing its slot.
func (p *Pool) Discard(conn kv.Conn) {
	_ = conn.Close()
	discardsTotal.Inc()
	p.mu.Lock()
	p.open--
	p.discards++
	closed := p.closed
	p.mu.Unlock()
	if !closed {
		p.free <- struct{}{}
	}
}

// With runs fn with a pooled connection. A non-nil error from fn discards
// the connection rather than recycling it, since most backend errors leave
// the wire state unknown.
func (p *Pool) With(ctx context.Context, fn func(conn kv.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := fn(conn); err != nil {
		p.Discard(conn)
		return err
	}
	p.Release(conn)
	return nil
}

// Stats reports current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      p.cfg.Size,
		InUse:     p.open - len(p.idle),
		Idle:      len(p.idle),
		Dials:     p.dials,
		Exhausted: p.exhaust,
		Discards:  p.discards,
	}
}

// Close drains idle connections and stops the probe loop. Connections still
// checked out are closed as they come back.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.open -= len(idle)
	p.mu.Unlock()

	close(p.stopProbe)
	if p.cfg.ProbeInterval > 0 {
		<-p.probeDone
	}
	for _, c := range idle {
		_ = c.Close()
	}
	return nil
}

func (p *Pool) probeLoop() {
	defer close(p.probeDone)
	ticker := time.NewTicker(p.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopProbe:
			return
		case <-ticker.C:
			p.probeIdle()
		}
	}
}

// probeIdle pings idle connections and drops the dead ones. A slot token is
// held for each connection being probed so concurrent acquires cannot
// oversubscribe the pool while a probe is in flight.
func (p *Pool) probeIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p.mu.Lock()
	limit := len(p.idle)
	p.mu.Unlock()

	var healthy []kv.Conn
	taken := 0
	for i := 0; i < limit; i++ {
		select {
		case <-p.free:
		default:
			// Pool is busy; finish early and probe the rest next tick.
			i = limit
			continue
		}
		p.mu.Lock()
		n := len(p.idle)
		if n == 0 {
			p.mu.Unlock()
			p.free <- struct{}{}
			break
		}
		conn := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		taken++

		if err := conn.Ping(ctx); err != nil {
			p.log.Warn().Err(err).Msg("dropping dead idle connection")
			_ = conn.Close()
			discardsTotal.Inc()
			p.mu.Lock()
			p.open--
			p.discards++
			p.mu.Unlock()
			continue
		}
		healthy = append(healthy, conn)
	}

	p.mu.Lock()
	p.idle = append(p.idle, healthy...)
	p.mu.Unlock()
	for i := 0; i < taken; i++ {
		p.free <- struct{}{}
	}
}
