// Package batch coalesces frequent small deltas (time increments, counters,
// leaderboard bumps) and flushes them to the backing store as one pipelined
// write. Flush failures route through the circuit breaker, so a backend
// outage diverts the whole batch into the fallback queue instead of losing
// it.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/timekeeperhq/trackstore/internal/breaker"
	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/pool"
)

// Queued-write kinds owned by this package.
const (
	KindHIncrBy = "batch.hincrby"
	KindZIncrBy = "batch.zincrby"
	KindZAdd    = "batch.zadd"
)

var (
	flushesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackstore_batch_flushes_total",
		Help: "Batch flushes attempted.",
	})
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackstore_batch_pending",
		Help: "Deltas waiting for the next flush.",
	})
)

type hashKey struct {
	key   string
	field string
}

type zsetKey struct {
	key    string
	member string
}

type zaddOp struct {
	key string
	z   kv.Z
}

// delta is the durable form of one pending write, used for fallback replay.
type delta struct {
	Key    string  `msgpack:"k"`
	Field  string  `msgpack:"f,omitempty"`
	Member string  `msgpack:"m,omitempty"`
	Int    int64   `msgpack:"i,omitempty"`
	Float  float64 `msgpack:"x,omitempty"`
	Score  float64 `msgpack:"s,omitempty"`
}

// Config holds the flush tunables.
type Config struct {
	// Threshold flushes when this many distinct pending deltas accumulate.
	Threshold int
	// Interval flushes whatever is pending on a timer.
	Interval time.Duration
}

func (c *Config) resolve() {
	if c.Threshold <= 0 {
		c.Threshold = 100
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Second
	}
}

// Writer accumulates deltas and flushes them in one pipeline. Increments on
// the same key coalesce by summing, so a hot counter costs one pipeline slot
// no matter how often it is bumped between flushes.
type Writer struct {
	cfg  Config
	pool *pool.Pool
	brk  *breaker.Breaker
	log  zerolog.Logger

	mu     sync.Mutex
	hinc   map[hashKey]int64
	hOrder []hashKey
	zinc   map[zsetKey]float64
	zOrder []zsetKey
	zadds  []zaddOp

	stop chan struct{}
	done chan struct{}
}

// New builds a writer and starts its interval flush loop.
func New(cfg Config, p *pool.Pool, brk *breaker.Breaker, log zerolog.Logger) *Writer {
	cfg.resolve()
	w := &Writer{
		cfg:  cfg,
		pool: p,
		brk:  brk,
		log:  log.With().Str("component", "batch").Logger(),
		hinc: make(map[hashKey]int64),
		zinc: make(map[zsetKey]float64),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go w.loop()
	return w
}

// HIncrBy queues a hash-field increment.
func (w *Writer) HIncrBy(ctx context.Context, key, field string, n int64) {
	w.mu.Lock()
	k := hashKey{key: key, field: field}
	if _, ok := w.hinc[k]; !ok {
		w.hOrder = append(w.hOrder, k)
	}
	w.hinc[k] += n
	w.bumpLocked(ctx)
}

// ZIncrBy queues a sorted-set score increment.
func (w *Writer) ZIncrBy(ctx context.Context, key, member string, score float64) {
	w.mu.Lock()
	k := zsetKey{key: key, member: member}
	if _, ok := w.zinc[k]; !ok {
		w.zOrder = append(w.zOrder, k)
	}
	w.zinc[k] += score
	w.bumpLocked(ctx)
}

// ZAdd queues a sorted-set insert. Inserts never coalesce.
func (w *Writer) ZAdd(ctx context.Context, key string, z kv.Z) {
	w.mu.Lock()
	w.zadds = append(w.zadds, zaddOp{key: key, z: z})
	w.bumpLocked(ctx)
}

// bumpLocked updates the gauge and flushes if the threshold is reached.
// Callers hold w.mu; it is released before any flush.
func (w *Writer) bumpLocked(ctx context.Context) {
	n := w.pendingLocked()
	pendingGauge.Set(float64(n))
	if n < w.cfg.Threshold {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	if err := w.Flush(ctx); err != nil && !errors.Is(err, breaker.ErrQueued) {
		w.log.Error().Err(err).Msg("threshold flush failed")
	}
}

func (w *Writer) pendingLocked() int {
	return len(w.hOrder) + len(w.zOrder) + len(w.zadds)
}

// PendingCount reports how many deltas await the next flush.
func (w *Writer) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingLocked()
}

// Flush writes everything pending in one pipeline through the breaker. A
// diverted flush (breaker open) returns breaker.ErrQueued; the deltas are
// then owned by the fallback queue, not by this writer.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	if w.pendingLocked() == 0 {
		w.mu.Unlock()
		return nil
	}
	hOrder, hinc := w.hOrder, w.hinc
	zOrder, zinc := w.zOrder, w.zinc
	zadds := w.zadds
	w.hinc = make(map[hashKey]int64)
	w.hOrder = nil
	w.zinc = make(map[zsetKey]float64)
	w.zOrder = nil
	w.zadds = nil
	pendingGauge.Set(0)
	w.mu.Unlock()

	flushesTotal.Inc()

	fallbacks := make([]breaker.QueuedWrite, 0, len(hOrder)+len(zOrder)+len(zadds))
	for _, k := range hOrder {
		fallbacks = append(fallbacks, encodeDelta(KindHIncrBy, delta{Key: k.key, Field: k.field, Int: hinc[k]}))
	}
	for _, k := range zOrder {
		fallbacks = append(fallbacks, encodeDelta(KindZIncrBy, delta{Key: k.key, Member: k.member, Float: zinc[k]}))
	}
	for _, op := range zadds {
		fallbacks = append(fallbacks, encodeDelta(KindZAdd, delta{Key: op.key, Member: op.z.Member, Score: op.z.Score}))
	}

	op := breaker.Op{
		Name: "batch_flush",
		Apply: func(ctx context.Context) error {
			return w.pool.With(ctx, func(conn kv.Conn) error {
				pipe := conn.Pipeline()
				for _, k := range hOrder {
					pipe.HIncrBy(k.key, k.field, hinc[k])
				}
				for _, k := range zOrder {
					pipe.ZIncrBy(k.key, zinc[k], k.member)
				}
				for _, op := range zadds {
					pipe.ZAdd(op.key, op.z)
				}
				return pipe.Exec(ctx)
			})
		},
		Fallbacks: fallbacks,
	}
	return w.brk.Execute(ctx, op)
}

// Close flushes the remaining deltas and stops the interval loop.
func (w *Writer) Close(ctx context.Context) error {
	close(w.stop)
	<-w.done
	err := w.Flush(ctx)
	if errors.Is(err, breaker.ErrQueued) {
		return nil
	}
	return err
}

func (w *Writer) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := w.Flush(ctx); err != nil && !errors.Is(err, breaker.ErrQueued) {
				w.log.Error().Err(err).Msg("interval flush failed")
			}
			cancel()
		}
	}
}

// QueuedHIncrBy builds the durable form of a hash increment, for callers
// that apply increments synchronously but share this package's replay path.
func QueuedHIncrBy(key, field string, n int64) breaker.QueuedWrite {
	return encodeDelta(KindHIncrBy, delta{Key: key, Field: field, Int: n})
}

// QueuedZIncrBy builds the durable form of a sorted-set increment.
func QueuedZIncrBy(key, member string, score float64) breaker.QueuedWrite {
	return encodeDelta(KindZIncrBy, delta{Key: key, Member: member, Float: score})
}

// QueuedZAdd builds the durable form of a sorted-set insert.
func QueuedZAdd(key string, z kv.Z) breaker.QueuedWrite {
	return encodeDelta(KindZAdd, delta{Key: key, Member: z.Member, Score: z.Score})
}

func encodeDelta(kind string, d delta) breaker.QueuedWrite {
	b, err := msgpack.Marshal(&d)
	if err != nil {
		// Deltas are plain scalars; marshal cannot fail in practice.
		panic(err)
	}
	return breaker.QueuedWrite{Kind: kind, Payload: b}
}

// Applier returns the replay handler for this package's queued-write kinds.
// Unknown kinds are reported so the composed applier can try other handlers.
func Applier(p *pool.Pool) func(ctx context.Context, qw breaker.QueuedWrite) (bool, error) {
	return func(ctx context.Context, qw breaker.QueuedWrite) (bool, error) {
		var d delta
		switch qw.Kind {
		case KindHIncrBy, KindZIncrBy, KindZAdd:
			if err := msgpack.Unmarshal(qw.Payload, &d); err != nil {
				return true, errors.Wrap(err, "batch: decode queued delta")
			}
		default:
			return false, nil
		}
		err := p.With(ctx, func(conn kv.Conn) error {
			switch qw.Kind {
			case KindHIncrBy:
				_, err := conn.HIncrBy(ctx, d.Key, d.Field, d.Int)
				return err
			case KindZIncrBy:
				_, err := conn.ZIncrBy(ctx, d.Key, d.Float, d.Member)
				return err
			default:
				return conn.ZAdd(ctx, d.Key, kv.Z{Member: d.Member, Score: d.Score})
			}
		})
		return true, err
	}
}
