package cache

import (
	"testing"
	"time"
)

func TestLRUEvictsOldestAndCounts(t *testing.T) {
	t.Parallel()
	c := NewLRU[int]("test-lru", 2)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3) // evicts a

	if _, ok := c.Get("a"); ok {
		t.Fatal("a should have been evicted")
	}
	if v, ok := c.Get("b"); !ok || v != 2 {
		t.Fatalf("b: got %d ok=%v", v, ok)
	}

	s := c.Stats()
	if s.Hits != 1 || s.Misses != 1 || s.Len != 2 {
		t.Fatalf("unexpected stats: %+v", s)
	}
}

func TestTTLExpiresEntries(t *testing.T) {
	t.Parallel()
	c := NewTTL[string]("test-ttl", 8, 30*time.Millisecond)
	c.Add("k", "v")
	if v, ok := c.Get("k"); !ok || v != "v" {
		t.Fatalf("fresh entry missing: %q ok=%v", v, ok)
	}
	time.Sleep(60 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatal("entry should have expired")
	}
}

func TestRemoveAndPurge(t *testing.T) {
	t.Parallel()
	c := New2Q[int]("test-2q", 16)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Remove("a")
	if _, ok := c.Get("a"); ok {
		t.Fatal("removed entry still present")
	}
	c.Purge()
	if c.Stats().Len != 0 {
		t.Fatalf("purge left entries: %+v", c.Stats())
	}
}
