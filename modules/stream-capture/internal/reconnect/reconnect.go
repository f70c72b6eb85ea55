// Package reconnect retries stream connections with exponential backoff and
// classifies pipeline errors for logs and metrics.
package reconnect

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Config controls exponential backoff.
type Config struct {
	MaxRetries    int           // attempts after the first failure (default: 5)
	RetryDelay    time.Duration // initial delay (default: 1s)
	MaxRetryDelay time.Duration // delay cap (default: 30s)
}

// DefaultConfig returns 5 retries starting at 1s, capped at 30s.
func DefaultConfig() Config {
	return Config{
		MaxRetries:    5,
		RetryDelay:    1 * time.Second,
		MaxRetryDelay: 30 * time.Second,
	}
}

// State carries retry counters across Run calls.
type State struct {
	CurrentRetries int
	// Reconnects counts every failed attempt over the state's lifetime.
	Reconnects uint32
}

// Reset clears the retry counter after a healthy period.
func (s *State) Reset() {
	s.CurrentRetries = 0
}

// ConnectFunc attempts one connection.
type ConnectFunc func(ctx context.Context) error

// Run calls connect until it succeeds, ctx ends, or MaxRetries consecutive
// failures occurred. Delays follow RetryDelay * 2^(attempt-1), capped at
// MaxRetryDelay.
func Run(ctx context.Context, connect ConnectFunc, cfg Config, state *State, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := connect(ctx)
		if err == nil {
			state.CurrentRetries = 0
			return nil
		}

		state.CurrentRetries++
		state.Reconnects++

		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("reconnect: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := Backoff(state.CurrentRetries, cfg)
		logger.Warn("reconnect: retrying connection",
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
			"category", Classify(err.Error(), "").String(),
			"error", err,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Backoff returns the delay before retry number attempt (1-based).
func Backoff(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxRetryDelay {
			return cfg.MaxRetryDelay
		}
	}
	if delay > cfg.MaxRetryDelay {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
