// Package kv defines the minimal backing-store primitive set the tracking
// store depends on: hashes, sorted sets, sets, plain strings with expiry,
// atomic increments, cursor iteration and pipelining. Adapters live under
// kv/<driver>/ (e.g. rediskv); kvtest provides an in-memory implementation.
package kv

import (
	"context"
	"time"
)

// Z is one member of a sorted set.
type Z struct {
	Member string
	Score  float64
}

// Conn is a single logical connection to the backing store. Lookups on
// missing keys return nil values, not errors.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	HGet(ctx context.Context, key, field string) ([]byte, error)
	HGetAll(ctx context.Context, key string) (map[string][]byte, error)
	HSet(ctx context.Context, key string, fields map[string][]byte) error
	HDel(ctx context.Context, key string, fields ...string) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	ZAdd(ctx context.Context, key string, members ...Z) error
	ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZCard(ctx context.Context, key string) (int64, error)
	// ZRevRangeWithScores returns members by descending score; stop == -1
	// means the end of the set.
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]Z, error)
	ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]Z, error)
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// Scan walks the keyspace with a glob pattern. A returned cursor of 0
	// means the iteration is complete.
	Scan(ctx context.Context, cursor uint64, match string, count int64) (keys []string, next uint64, err error)

	Pipeline() Pipeline
}

// Pipeline accumulates writes and sends them in one round trip on Exec.
type Pipeline interface {
	Set(key string, value []byte, ttl time.Duration)
	Del(keys ...string)
	HSet(key string, fields map[string][]byte)
	HIncrBy(key, field string, delta int64)
	SAdd(key string, members ...string)
	SRem(key string, members ...string)
	ZAdd(key string, members ...Z)
	ZIncrBy(key string, delta float64, member string)
	ZRemRangeByScore(key string, min, max float64)

	Len() int
	Exec(ctx context.Context) error
}

// Dialer produces connections for the pool.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }
