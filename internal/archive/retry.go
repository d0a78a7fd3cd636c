package archive

import (
	"context"
	"errors"
	"io/fs"
	"math/rand/v2"
	"time"

	"github.com/josuekenge/selly-capture/internal/logging"
)

// RetryConfig controls how often a failed upload is retried.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFrac    float64 // ±fraction of delay to randomize
}

// DefaultRetryConfig suits object stores reached over the internet.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterFrac:    0.3,
	}
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	return !errors.Is(err, context.Canceled) &&
		!errors.Is(err, context.DeadlineExceeded) &&
		!errors.Is(err, fs.ErrNotExist) &&
		!errors.Is(err, fs.ErrPermission)
}

func uploadWithRetry(ctx context.Context, p Provider, localPath, key string, cfg RetryConfig) error {
	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := applyJitter(delay, cfg.JitterFrac)
			log.Debug("retrying upload", "provider", p.Name(), "key", key, "attempt", attempt, "delay", wait)
			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(wait):
			}
			delay = time.Duration(float64(delay) * cfg.BackoffFactor)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}

		lastErr = p.Upload(ctx, localPath, key)
		if lastErr == nil || !retryable(lastErr) {
			return lastErr
		}
	}
	log.Warn("upload retries exhausted", "provider", p.Name(), "key", key,
		"attempts", cfg.MaxRetries+1, logging.KeyError, lastErr)
	return lastErr
}

func applyJitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	jitter := float64(d) * frac * (2*rand.Float64() - 1)
	if result := time.Duration(float64(d) + jitter); result > 0 {
		return result
	}
	return 0
}
