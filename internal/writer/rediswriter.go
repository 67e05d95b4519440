package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tomvit/yamc-go/internal/errs"
)

// RedisCacheWriter mirrors the last envelope seen per collector into
// Redis, a non-timeseries sink for dashboards or other consumers that
// only want each collector's most recent value without querying the
// timeseries store.
type RedisCacheWriter struct {
	client *redis.Client
	keyFmt string // e.g. "yamc:last:%s"
}

// NewRedisCacheWriter constructs the Redis sink.
func NewRedisCacheWriter(redisURL, keyFmt string) (*RedisCacheWriter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errs.NewConfig("redis writer", err)
	}
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	if keyFmt == "" {
		keyFmt = "yamc:last:%s"
	}
	return &RedisCacheWriter{client: redis.NewClient(opts), keyFmt: keyFmt}, nil
}

// Healthcheck pings Redis.
func (w *RedisCacheWriter) Healthcheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := w.client.Ping(pingCtx).Err(); err != nil {
		return errs.NewHealthCheck("redis writer", err)
	}
	return nil
}

// DoWrite stores the most recent envelope per collector as a JSON
// string under a per-collector key, with a 24h expiry.
func (w *RedisCacheWriter) DoWrite(ctx context.Context, batch []Envelope) error {
	last := map[string]Envelope{}
	for _, env := range batch {
		last[env.CollectorID] = env
	}
	pipe := w.client.Pipeline()
	for id, env := range last {
		body, err := json.Marshal(env.Data)
		if err != nil {
			return errs.NewData("redis writer", err)
		}
		pipe.Set(ctx, fmt.Sprintf(w.keyFmt, id), body, 24*time.Hour)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.NewHealthCheck("redis writer", err)
	}
	return nil
}

// Close releases the Redis client.
func (w *RedisCacheWriter) Close() error {
	return w.client.Close()
}
