package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// flakyComponent fails its health ping while failing is set.
type flakyComponent struct {
	failing atomic.Bool
}

func (f *flakyComponent) HealthPing(ctx context.Context) error {
	if f.failing.Load() {
		return errors.New("component down")
	}
	return nil
}

func TestServiceHealthFollowsComponentProbes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := zerolog.Nop()

	backend := &flakyComponent{}
	writer := &flakyComponent{}
	a := NewPingChecker("backend", log, backend)
	b := NewChecker("batch", log, writer.HealthPing)
	if a.Name() != "backend" || b.Name() != "batch" {
		t.Fatalf("checker names: %q %q", a.Name(), b.Name())
	}
	go a.Start(ctx, 5*time.Millisecond)
	go b.Start(ctx, 5*time.Millisecond)

	svc := NewServiceHealthChecker(log, a, b)
	go svc.Start(ctx, 5*time.Millisecond)

	// Both probes pass, so the service converges to healthy.
	waitTrue(t, func() bool { return svc.IsHealthy() })

	// One failing component takes the whole service down.
	writer.failing.Store(true)
	waitTrue(t, func() bool { return !svc.IsHealthy() })
	if !a.IsHealthy() {
		t.Fatal("healthy component dragged down by its sibling")
	}
	if b.IsHealthy() {
		t.Fatal("failing component still reports healthy")
	}

	// Recovery propagates back up.
	writer.failing.Store(false)
	waitTrue(t, func() bool { return svc.IsHealthy() })
}

func waitTrue(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout")
}
