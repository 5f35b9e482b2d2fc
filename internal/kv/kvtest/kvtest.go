// Package kvtest provides an in-memory kv.Conn for tests, with injectable
// failures so pool, breaker and batch behavior can be exercised without a
// running backend.
package kvtest

import (
	"context"
	"path"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/timekeeperhq/trackstore/internal/kv"
)

type stringVal struct {
	b   []byte
	exp time.Time
}

// Store is the shared state behind every Conn handed out by a single test.
// All methods are safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	strings map[string]stringVal
	hashes  map[string]map[string][]byte
	sets    map[string]map[string]struct{}
	zsets   map[string]map[string]float64

	err     error
	dialErr error
	dials   int
	ops     int

	now func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		strings: make(map[string]stringVal),
		hashes:  make(map[string]map[string][]byte),
		sets:    make(map[string]map[string]struct{}),
		zsets:   make(map[string]map[string]float64),
		now:     time.Now,
	}
}

// SetNow overrides the clock used for expiry checks.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// SetErr makes every subsequent operation fail with err until cleared with
// SetErr(nil). Pipelines fail on Exec without applying anything.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// SetDialErr makes Dial fail with err until cleared.
func (s *Store) SetDialErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// Dials reports how many connections were dialed.
func (s *Store) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Ops reports how many individual operations were applied.
func (s *Store) Ops() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops
}

// Conn returns a connection backed by this store.
func (s *Store) Conn() kv.Conn { return &conn{s: s} }

// Dialer returns a kv.Dialer that hands out connections to this store.
func (s *Store) Dialer() kv.Dialer {
	return kv.DialFunc(func(ctx context.Context) (kv.Conn, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.dialErr != nil {
			return nil, s.dialErr
		}
		s.dials++
		return &conn{s: s}, nil
	})
}

// begin checks the injected error and counts the operation. Callers must hold
// no locks.
func (s *Store) begin() error {
	if s.err != nil {
		return s.err
	}
	s.ops++
	return nil
}

func (s *Store) getString(key string) ([]byte, bool) {
	v, ok := s.strings[key]
	if !ok {
		return nil, false
	}
	if !v.exp.IsZero() && s.now().After(v.exp) {
		delete(s.strings, key)
		return nil, false
	}
	return v.b, true
}

type conn struct {
	s      *Store
	closed bool
}

func (c *conn) Ping(ctx context.Context) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.err
}

func (c *conn) Close() error {
	c.closed = true
	return nil
}

func (c *conn) Get(ctx context.Context, key string) ([]byte, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, err
	}
	b, ok := c.s.getString(key)
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (c *conn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	c.s.setString(key, value, ttl)
	return nil
}

func (s *Store) setString(key string, value []byte, ttl time.Duration) {
	b := make([]byte, len(value))
	copy(b, value)
	v := stringVal{b: b}
	if ttl > 0 {
		v.exp = s.now().Add(ttl)
	}
	s.strings[key] = v
}

func (c *conn) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return false, err
	}
	if _, ok := c.s.getString(key); ok {
		return false, nil
	}
	c.s.setString(key, value, ttl)
	return true, nil
}

func (c *conn) Del(ctx context.Context, keys ...string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	for _, k := range keys {
		delete(c.s.strings, k)
		delete(c.s.hashes, k)
		delete(c.s.sets, k)
		delete(c.s.zsets, k)
	}
	return nil
}

func (c *conn) HGet(ctx context.Context, key, field string) ([]byte, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, err
	}
	b, ok := c.s.hashes[key][field]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (c *conn) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, err
	}
	h := c.s.hashes[key]
	out := make(map[string][]byte, len(h))
	for f, b := range h {
		cp := make([]byte, len(b))
		copy(cp, b)
		out[f] = cp
	}
	return out, nil
}

func (c *conn) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	c.s.hset(key, fields)
	return nil
}

func (s *Store) hset(key string, fields map[string][]byte) {
	h := s.hashes[key]
	if h == nil {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	for f, b := range fields {
		cp := make([]byte, len(b))
		copy(cp, b)
		h[f] = cp
	}
}

func (c *conn) HDel(ctx context.Context, key string, fields ...string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	for _, f := range fields {
		delete(c.s.hashes[key], f)
	}
	if len(c.s.hashes[key]) == 0 {
		delete(c.s.hashes, key)
	}
	return nil
}

func (c *conn) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return 0, err
	}
	return c.s.hincrBy(key, field, delta), nil
}

func (s *Store) hincrBy(key, field string, delta int64) int64 {
	h := s.hashes[key]
	if h == nil {
		h = make(map[string][]byte)
		s.hashes[key] = h
	}
	cur := parseInt(h[field])
	cur += delta
	h[field] = []byte(formatInt(cur))
	return cur
}

func (c *conn) SAdd(ctx context.Context, key string, members ...string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	c.s.sadd(key, members)
	return nil
}

func (s *Store) sadd(key string, members []string) {
	set := s.sets[key]
	if set == nil {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
}

func (c *conn) SRem(ctx context.Context, key string, members ...string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	c.s.srem(key, members)
	return nil
}

func (s *Store) srem(key string, members []string) {
	for _, m := range members {
		delete(s.sets[key], m)
	}
	if len(s.sets[key]) == 0 {
		delete(s.sets, key)
	}
}

func (c *conn) SMembers(ctx context.Context, key string) ([]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(c.s.sets[key]))
	for m := range c.s.sets[key] {
		out = append(out, m)
	}
	sort.Strings(out)
	return out, nil
}

func (c *conn) SIsMember(ctx context.Context, key, member string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return false, err
	}
	_, ok := c.s.sets[key][member]
	return ok, nil
}

func (c *conn) ZAdd(ctx context.Context, key string, members ...kv.Z) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	c.s.zadd(key, members)
	return nil
}

func (s *Store) zadd(key string, members []kv.Z) {
	z := s.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	for _, m := range members {
		z[m.Member] = m.Score
	}
}

func (c *conn) ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return 0, err
	}
	return c.s.zincrBy(key, delta, member), nil
}

func (s *Store) zincrBy(key string, delta float64, member string) float64 {
	z := s.zsets[key]
	if z == nil {
		z = make(map[string]float64)
		s.zsets[key] = z
	}
	z[member] += delta
	return z[member]
}

func (c *conn) ZRem(ctx context.Context, key string, members ...string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return err
	}
	for _, m := range members {
		delete(c.s.zsets[key], m)
	}
	if len(c.s.zsets[key]) == 0 {
		delete(c.s.zsets, key)
	}
	return nil
}

func (c *conn) ZCard(ctx context.Context, key string) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return 0, err
	}
	return int64(len(c.s.zsets[key])), nil
}

func (c *conn) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.Z, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, err
	}
	all := sortedZ(c.s.zsets[key])
	// Descending by score, as the real backend returns them.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if stop < 0 {
		stop = int64(len(all)) + stop
	}
	if start >= int64(len(all)) || stop < start {
		return nil, nil
	}
	if stop >= int64(len(all)) {
		stop = int64(len(all)) - 1
	}
	return all[start : stop+1], nil
}

func (c *conn) ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]kv.Z, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, err
	}
	var out []kv.Z
	for _, z := range sortedZ(c.s.zsets[key]) {
		if z.Score >= min && z.Score <= max {
			out = append(out, z)
		}
	}
	return out, nil
}

func (c *conn) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return 0, err
	}
	return c.s.zremRangeByScore(key, min, max), nil
}

func (s *Store) zremRangeByScore(key string, min, max float64) int64 {
	var n int64
	for m, score := range s.zsets[key] {
		if score >= min && score <= max {
			delete(s.zsets[key], m)
			n++
		}
	}
	if len(s.zsets[key]) == 0 {
		delete(s.zsets, key)
	}
	return n
}

// sortedZ returns members ascending by score, ties broken by member, so
// range results are deterministic.
func sortedZ(z map[string]float64) []kv.Z {
	out := make([]kv.Z, 0, len(z))
	for m, s := range z {
		out = append(out, kv.Z{Member: m, Score: s})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Member < out[j].Member
	})
	return out
}

func (c *conn) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if err := c.s.begin(); err != nil {
		return nil, 0, err
	}
	// Single-pass scan: every key in one batch, cursor always terminal.
	seen := make(map[string]struct{})
	for k := range c.s.strings {
		seen[k] = struct{}{}
	}
	for k := range c.s.hashes {
		seen[k] = struct{}{}
	}
	for k := range c.s.sets {
		seen[k] = struct{}{}
	}
	for k := range c.s.zsets {
		seen[k] = struct{}{}
	}
	var out []string
	for k := range seen {
		ok, err := path.Match(match, k)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, 0, nil
}

func (c *conn) Pipeline() kv.Pipeline {
	return &pipeline{s: c.s}
}

// pipeline buffers mutations and applies them atomically on Exec. When a
// failure is injected, Exec fails without applying anything.
type pipeline struct {
	s   *Store
	ops []func(s *Store)
}

func (p *pipeline) Set(key string, value []byte, ttl time.Duration) {
	p.ops = append(p.ops, func(s *Store) { s.setString(key, value, ttl) })
}

func (p *pipeline) Del(keys ...string) {
	p.ops = append(p.ops, func(s *Store) {
		for _, k := range keys {
			delete(s.strings, k)
			delete(s.hashes, k)
			delete(s.sets, k)
			delete(s.zsets, k)
		}
	})
}

func (p *pipeline) HSet(key string, fields map[string][]byte) {
	p.ops = append(p.ops, func(s *Store) { s.hset(key, fields) })
}

func (p *pipeline) HIncrBy(key, field string, delta int64) {
	p.ops = append(p.ops, func(s *Store) { s.hincrBy(key, field, delta) })
}

func (p *pipeline) SAdd(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) { s.sadd(key, members) })
}

func (p *pipeline) SRem(key string, members ...string) {
	p.ops = append(p.ops, func(s *Store) { s.srem(key, members) })
}

func (p *pipeline) ZAdd(key string, members ...kv.Z) {
	p.ops = append(p.ops, func(s *Store) { s.zadd(key, members) })
}

func (p *pipeline) ZIncrBy(key string, delta float64, member string) {
	p.ops = append(p.ops, func(s *Store) { s.zincrBy(key, delta, member) })
}

func (p *pipeline) ZRemRangeByScore(key string, min, max float64) {
	p.ops = append(p.ops, func(s *Store) { s.zremRangeByScore(key, min, max) })
}

func (p *pipeline) Len() int { return len(p.ops) }

func (p *pipeline) Exec(ctx context.Context) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	if p.s.err != nil {
		return p.s.err
	}
	for _, op := range p.ops {
		op(p.s)
	}
	p.s.ops += len(p.ops)
	p.ops = nil
	return nil
}

func parseInt(b []byte) int64 {
	n, _ := strconv.ParseInt(string(b), 10, 64)
	return n
}

func formatInt(n int64) string {
	return strconv.FormatInt(n, 10)
}
