package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/timekeeperhq/trackstore/internal/kv"
	"github.com/timekeeperhq/trackstore/internal/kv/kvtest"
	"github.com/timekeeperhq/trackstore/internal/model"
)

func newTestPool(t *testing.T, st *kvtest.Store, size int, timeout time.Duration) *Pool {
	t.Helper()
	p := New(st.Dialer(), Config{Size: size, AcquireTimeout: timeout}, zerolog.Nop())
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestAcquireDialsLazilyAndReusesConnections(t *testing.T) {
	t.Parallel()
	st := kvtest.New()
	p := newTestPool(t, st, 3, time.Second)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c1)
	c2, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c2)

	if st.Dials() != 1 {
		t.Fatalf("want 1 dial, got %d", st.Dials())
	}
	s := p.Stats()
	if s.Idle != 1 || s.InUse != 0 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	t.Parallel()
	st := kvtest.New()
	p := newTestPool(t, st, 1, 50*time.Millisecond)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer p.Release(c)

	_, err = p.Acquire(ctx)
	var pe *model.PoolExhaustedError
	if !errors.As(err, &pe) {
		t.Fatalf("want PoolExhaustedError, got %v", err)
	}
	if pe.Waited < 50*time.Millisecond {
		t.Fatalf("error should report wait time, got %s", pe.Waited)
	}
	if p.Stats().Exhausted != 1 {
		t.Fatalf("exhausted counter not bumped: %+v", p.Stats())
	}
}

func TestDialFailureFreesSlot(t *testing.T) {
	t.Parallel()
	st := kvtest.New()
	dialErr := errors.New("refused")
	st.SetDialErr(dialErr)
	p := newTestPool(t, st, 1, 100*time.Millisecond)
	ctx := context.Background()

	if _, err := p.Acquire(ctx); !errors.Is(err, dialErr) {
		t.Fatalf("want dial error, got %v", err)
	}

	// The slot must be reusable once the backend recovers.
	st.SetDialErr(nil)
	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after recovery: %v", err)
	}
	p.Release(c)
}

func TestWithDiscardsConnOnError(t *testing.T) {
	t.Parallel()
	st := kvtest.New()
	p := newTestPool(t, st, 2, time.Second)
	ctx := context.Background()

	opErr := errors.New("boom")
	err := p.With(ctx, func(conn kv.Conn) error { return opErr })
	if !errors.Is(err, opErr) {
		t.Fatalf("With should surface fn error, got %v", err)
	}
	s := p.Stats()
	if s.Discards != 1 || s.Idle != 0 {
		t.Fatalf("errored conn should be discarded: %+v", s)
	}

	if err := p.With(ctx, func(conn kv.Conn) error { return nil }); err != nil {
		t.Fatalf("With: %v", err)
	}
	if p.Stats().Idle != 1 {
		t.Fatalf("clean conn should be recycled: %+v", p.Stats())
	}
}

func TestCloseRejectsFurtherAcquires(t *testing.T) {
	t.Parallel()
	st := kvtest.New()
	p := New(st.Dialer(), Config{Size: 1, AcquireTimeout: time.Second}, zerolog.Nop())
	c, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	p.Release(c)
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close twice: %v", err)
	}
}
