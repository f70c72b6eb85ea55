package emitter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// RedisConfig configures the Redis publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces channels and keys. Defaults to "orion:vision".
	Prefix string
	// LatestTTL expires the latest-result key. Zero keeps it forever.
	LatestTTL time.Duration
}

// Redis publishes every result on channel <prefix>:<service_id> and keeps
// the newest one under <prefix>:<service_id>:latest.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
	logger *slog.Logger

	published atomic.Uint64
	errors    atomic.Uint64
}

var _ Publisher = (*Redis)(nil)

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*Redis, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "orion:vision"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("emitter: connect to redis %s: %w", cfg.Addr, err)
	}

	logger.Info("emitter: redis connected", "addr", cfg.Addr, "prefix", cfg.Prefix)
	return &Redis{cfg: cfg, client: client, logger: logger}, nil
}

// Channel returns the pub/sub channel for serviceID.
func (r *Redis) Channel(serviceID string) string {
	return r.cfg.Prefix + ":" + serviceID
}

// LatestKey returns the key holding the newest result of serviceID.
func (r *Redis) LatestKey(serviceID string) string {
	return r.Channel(serviceID) + ":latest"
}

func (r *Redis) Publish(ctx context.Context, serviceID string, result detection.DetectionResult) error {
	payload, err := Encode(serviceID, result)
	if err != nil {
		r.errors.Add(1)
		return fmt.Errorf("emitter: encode result: %w", err)
	}

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.Channel(serviceID), payload)
	pipe.Set(ctx, r.LatestKey(serviceID), payload, r.cfg.LatestTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		r.errors.Add(1)
		return fmt.Errorf("emitter: redis publish %s: %w", serviceID, err)
	}
	r.published.Add(1)
	return nil
}

// Latest returns the newest payload stored for serviceID, or redis.Nil.
func (r *Redis) Latest(ctx context.Context, serviceID string) ([]byte, error) {
	return r.client.Get(ctx, r.LatestKey(serviceID)).Bytes()
}

// Counts returns how many publishes succeeded and failed.
func (r *Redis) Counts() (published, failed uint64) {
	return r.published.Load(), r.errors.Load()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
