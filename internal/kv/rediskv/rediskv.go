// Package rediskv adapts go-redis to the kv primitive set. Each dialed Conn
// wraps a client pinned to a single underlying connection so that the pool
// package, not the driver, owns connection bounding.
package rediskv

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/timekeeperhq/trackstore/internal/kv"
)

// Dialer dials dedicated Redis connections from a URL
// (redis://host:port/db).
type Dialer struct {
	opts *redis.Options
}

// NewDialer parses url and returns a dialer for it.
func NewDialer(url string, timeout time.Duration) (*Dialer, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	// One connection per Conn; bounding happens in the pool.
	opts.PoolSize = 1
	opts.MinIdleConns = 0
	if timeout > 0 {
		opts.DialTimeout = timeout
		opts.ReadTimeout = timeout
		opts.WriteTimeout = timeout
	}
	return &Dialer{opts: opts}, nil
}

// Dial opens a connection and verifies it with a ping.
func (d *Dialer) Dial(ctx context.Context) (kv.Conn, error) {
	opts := *d.opts
	client := redis.NewClient(&opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &conn{c: client}, nil
}

type conn struct {
	c *redis.Client
}

func (c *conn) Ping(ctx context.Context) error { return c.c.Ping(ctx).Err() }
func (c *conn) Close() error                   { return c.c.Close() }

func (c *conn) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := c.c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (c *conn) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.c.Set(ctx, key, value, ttl).Err()
}

func (c *conn) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return c.c.SetNX(ctx, key, value, ttl).Result()
}

func (c *conn) Del(ctx context.Context, keys ...string) error {
	return c.c.Del(ctx, keys...).Err()
}

func (c *conn) HGet(ctx context.Context, key, field string) ([]byte, error) {
	b, err := c.c.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return b, err
}

func (c *conn) HGetAll(ctx context.Context, key string) (map[string][]byte, error) {
	m, err := c.c.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (c *conn) HSet(ctx context.Context, key string, fields map[string][]byte) error {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	return c.c.HSet(ctx, key, args).Err()
}

func (c *conn) HDel(ctx context.Context, key string, fields ...string) error {
	return c.c.HDel(ctx, key, fields...).Err()
}

func (c *conn) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return c.c.HIncrBy(ctx, key, field, delta).Result()
}

func (c *conn) SAdd(ctx context.Context, key string, members ...string) error {
	return c.c.SAdd(ctx, key, toAny(members)...).Err()
}

func (c *conn) SRem(ctx context.Context, key string, members ...string) error {
	return c.c.SRem(ctx, key, toAny(members)...).Err()
}

func (c *conn) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.c.SMembers(ctx, key).Result()
}

func (c *conn) SIsMember(ctx context.Context, key, member string) (bool, error) {
	return c.c.SIsMember(ctx, key, member).Result()
}

func (c *conn) ZAdd(ctx context.Context, key string, members ...kv.Z) error {
	return c.c.ZAdd(ctx, key, toRedisZ(members)...).Err()
}

func (c *conn) ZIncrBy(ctx context.Context, key string, delta float64, member string) (float64, error) {
	return c.c.ZIncrBy(ctx, key, delta, member).Result()
}

func (c *conn) ZRem(ctx context.Context, key string, members ...string) error {
	return c.c.ZRem(ctx, key, toAny(members)...).Err()
}

func (c *conn) ZCard(ctx context.Context, key string) (int64, error) {
	return c.c.ZCard(ctx, key).Result()
}

func (c *conn) ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) ([]kv.Z, error) {
	zs, err := c.c.ZRevRangeWithScores(ctx, key, start, stop).Result()
	if err != nil {
		return nil, err
	}
	return fromRedisZ(zs), nil
}

func (c *conn) ZRangeByScoreWithScores(ctx context.Context, key string, min, max float64) ([]kv.Z, error) {
	zs, err := c.c.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: formatScore(min),
		Max: formatScore(max),
	}).Result()
	if err != nil {
		return nil, err
	}
	return fromRedisZ(zs), nil
}

func (c *conn) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	return c.c.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Result()
}

func (c *conn) Scan(ctx context.Context, cursor uint64, match string, count int64) ([]string, uint64, error) {
	return c.c.Scan(ctx, cursor, match, count).Result()
}

func (c *conn) Pipeline() kv.Pipeline {
	return &pipeline{p: c.c.Pipeline()}
}

type pipeline struct {
	p redis.Pipeliner
	n int
}

func (p *pipeline) Set(key string, value []byte, ttl time.Duration) {
	p.p.Set(context.Background(), key, value, ttl)
	p.n++
}

func (p *pipeline) Del(keys ...string) {
	p.p.Del(context.Background(), keys...)
	p.n++
}

func (p *pipeline) HSet(key string, fields map[string][]byte) {
	args := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		args[k] = v
	}
	p.p.HSet(context.Background(), key, args)
	p.n++
}

func (p *pipeline) HIncrBy(key, field string, delta int64) {
	p.p.HIncrBy(context.Background(), key, field, delta)
	p.n++
}

func (p *pipeline) SAdd(key string, members ...string) {
	p.p.SAdd(context.Background(), key, toAny(members)...)
	p.n++
}

func (p *pipeline) SRem(key string, members ...string) {
	p.p.SRem(context.Background(), key, toAny(members)...)
	p.n++
}

func (p *pipeline) ZAdd(key string, members ...kv.Z) {
	p.p.ZAdd(context.Background(), key, toRedisZ(members)...)
	p.n++
}

func (p *pipeline) ZIncrBy(key string, delta float64, member string) {
	p.p.ZIncrBy(context.Background(), key, delta, member)
	p.n++
}

func (p *pipeline) ZRemRangeByScore(key string, min, max float64) {
	p.p.ZRemRangeByScore(context.Background(), key, formatScore(min), formatScore(max))
	p.n++
}

func (p *pipeline) Len() int { return p.n }

func (p *pipeline) Exec(ctx context.Context) error {
	_, err := p.p.Exec(ctx)
	return err
}

func toAny(members []string) []interface{} {
	out := make([]interface{}, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func toRedisZ(members []kv.Z) []redis.Z {
	out := make([]redis.Z, len(members))
	for i, z := range members {
		out[i] = redis.Z{Member: z.Member, Score: z.Score}
	}
	return out
}

func fromRedisZ(zs []redis.Z) []kv.Z {
	out := make([]kv.Z, len(zs))
	for i, z := range zs {
		m, _ := z.Member.(string)
		out[i] = kv.Z{Member: m, Score: z.Score}
	}
	return out
}

func formatScore(f float64) string {
	if math.IsInf(f, -1) {
		return "-inf"
	}
	if math.IsInf(f, 1) {
		return "+inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}
