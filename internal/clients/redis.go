package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ranierigmusella/ckan-docker/internal/orchestrator"
)

// redisPinger is the interface used by RedisClient for health probing.
// It is implemented by the real go-redis client and by test doubles.
type redisPinger interface {
	PingResult(ctx context.Context) (string, error)
	Close() error
}

// realRedisPinger adapts *redis.Client to redisPinger.
type realRedisPinger struct {
	client *redis.Client
}

func (r *realRedisPinger) PingResult(ctx context.Context) (string, error) {
	return r.client.Ping(ctx).Result()
}

func (r *realRedisPinger) Close() error {
	return r.client.Close()
}

// RedisClient checks the Redis instance CKAN uses for caching and jobs.
type RedisClient struct {
	url    string
	pinger redisPinger
}

// NewRedisClient creates a RedisClient for url (redis://host:port/db), which
// may be empty when Redis is not configured. A connection is only opened
// inside Probe.
func NewRedisClient(url string) *RedisClient {
	return &RedisClient{url: url}
}

// Endpoint describes the Redis instance this client talks to.
func (c *RedisClient) Endpoint() orchestrator.Endpoint {
	return orchestrator.Endpoint{Kind: orchestrator.KindRedis, Target: c.url}
}

// Probe sends PING and expects PONG. The connection is closed before
// returning.
func (c *RedisClient) Probe(ctx context.Context) orchestrator.ProbeResult {
	start := time.Now()
	err := c.ping(ctx)
	return probeResult(string(orchestrator.KindRedis), start, err)
}

func (c *RedisClient) ping(ctx context.Context) error {
	p := c.pinger
	if p == nil {
		opts, err := redis.ParseURL(c.url)
		if err != nil {
			return fmt.Errorf("parsing redis URL: %w", err)
		}
		p = &realRedisPinger{client: redis.NewClient(opts)}
		defer p.Close() //nolint:errcheck
	}

	val, err := p.PingResult(ctx)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if val != "PONG" {
		return fmt.Errorf("unexpected PING response: %q", val)
	}
	return nil
}
