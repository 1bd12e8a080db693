// Package redisstate keeps shared workflow state in Redis: admitted message
// ids and confirmed delivery keys, so several herald processes can share one
// dedup window.
package redisstate

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const (
	admitPrefix    = "herald:admitted:"
	deliveryPrefix = "herald:delivered:"
)

// Client wraps a go-redis client.
type Client struct {
	rdb *goredis.Client
}

// New parses a redis:// URL, connects and pings.
func New(ctx context.Context, url string) (*Client, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	rdb := goredis.NewClient(opts)

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

// Close closes the underlying connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping reports whether Redis is reachable, for readiness probes.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Admitter admits message ids with SET NX. Keys expire after the retention
// window, which replaces explicit pruning.
type Admitter struct {
	c         *Client
	retention time.Duration
}

// Admitter returns a workflow admitter. Zero retention keeps ids forever.
func (c *Client) Admitter(retention time.Duration) *Admitter {
	return &Admitter{c: c, retention: retention}
}

// Admit reports whether id was newly admitted.
func (a *Admitter) Admit(ctx context.Context, id string) (bool, error) {
	ok, err := a.c.rdb.SetNX(ctx, admitPrefix+id, time.Now().UTC().Format(time.RFC3339Nano), a.retention).Result()
	if err != nil {
		return false, fmt.Errorf("admit %s: %w", id, err)
	}
	return ok, nil
}

// Ledger remembers confirmed delivery keys so a retried send after a crash
// can be recognised.
type Ledger struct {
	c   *Client
	ttl time.Duration
}

// Ledger returns a delivery ledger whose entries expire after ttl.
func (c *Client) Ledger(ttl time.Duration) *Ledger {
	return &Ledger{c: c, ttl: ttl}
}

// Delivered reports whether key was marked delivered.
func (l *Ledger) Delivered(ctx context.Context, key string) (bool, error) {
	n, err := l.c.rdb.Exists(ctx, deliveryPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("check delivery %s: %w", key, err)
	}
	return n > 0, nil
}

// MarkDelivered records key as delivered.
func (l *Ledger) MarkDelivered(ctx context.Context, key string) error {
	if err := l.c.rdb.Set(ctx, deliveryPrefix+key, time.Now().UTC().Format(time.RFC3339Nano), l.ttl).Err(); err != nil {
		return fmt.Errorf("mark delivery %s: %w", key, err)
	}
	return nil
}
