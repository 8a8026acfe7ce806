package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiterConfig controls request pacing and transient-error retries
// for a RateLimitedProvider.
type RateLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	MaxRetries        int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
}

// RateLimitedProvider wraps a Provider with a token-bucket rate limit and
// optional bounded-backoff retries. The judge itself never retries; retry
// behavior lives here, configured by the operator.
type RateLimitedProvider struct {
	inner   Provider
	limiter *rate.Limiter
	cfg     RateLimiterConfig
}

// NewRateLimitedProvider wraps inner with the given config.
func NewRateLimitedProvider(inner Provider, cfg RateLimiterConfig) (*RateLimitedProvider, error) {
	if inner == nil {
		return nil, fmt.Errorf("rate limiter: inner provider is required")
	}
	if cfg.RequestsPerMinute <= 0 {
		return nil, fmt.Errorf("rate limiter: requests per minute must be positive, got %d", cfg.RequestsPerMinute)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	return &RateLimitedProvider{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), cfg.Burst),
		cfg:     cfg,
	}, nil
}

func (p *RateLimitedProvider) Name() string         { return p.inner.Name() }
func (p *RateLimitedProvider) DefaultModel() string { return p.inner.DefaultModel() }

// Complete waits for a rate-limit token, then delegates. Errors are
// retried up to MaxRetries times with doubling backoff capped at
// MaxBackoff. Context cancellation aborts both waits.
func (p *RateLimitedProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	backoff := p.cfg.InitialBackoff
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			backoff *= 2
			if backoff > p.cfg.MaxBackoff {
				backoff = p.cfg.MaxBackoff
			}
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := p.inner.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("provider %s failed after %d attempts: %w", p.inner.Name(), p.cfg.MaxRetries+1, lastErr)
}
