package llm

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// FaultConfig defines the fault injection parameters for a FaultProvider.
type FaultConfig struct {
	ErrorRate     float64       // Probability [0,1] of returning an error
	LatencyJitter time.Duration // Random additional latency [0, LatencyJitter)
	TimeoutAfter  time.Duration // If > 0, returns context.DeadlineExceeded after this duration
}

// FaultProvider wraps a Provider and injects configurable faults. It
// exists to exercise the pipeline's provider-error paths in tests without
// touching a real API.
type FaultProvider struct {
	inner  Provider
	config FaultConfig
	rng    *rand.Rand
	mu     sync.Mutex
}

// NewFaultProvider creates a FaultProvider with a time-based seed.
func NewFaultProvider(inner Provider, config FaultConfig) *FaultProvider {
	return NewFaultProviderWithSeed(inner, config, time.Now().UnixNano())
}

// NewFaultProviderWithSeed creates a FaultProvider with a deterministic seed for testing.
func NewFaultProviderWithSeed(inner Provider, config FaultConfig, seed int64) *FaultProvider {
	return &FaultProvider{
		inner:  inner,
		config: config,
		rng:    rand.New(rand.NewSource(seed)), //nolint:gosec
	}
}

// Name returns the provider name prefixed with "fault:".
func (f *FaultProvider) Name() string {
	return "fault:" + f.inner.Name()
}

// DefaultModel delegates to the inner provider.
func (f *FaultProvider) DefaultModel() string {
	return f.inner.DefaultModel()
}

// Complete injects faults according to FaultConfig before delegating.
func (f *FaultProvider) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.mu.Lock()
	errorRoll := f.rng.Float64()
	var jitter time.Duration
	if f.config.LatencyJitter > 0 {
		jitter = time.Duration(f.rng.Int63n(int64(f.config.LatencyJitter)))
	}
	f.mu.Unlock()

	if f.config.ErrorRate > 0 && errorRoll < f.config.ErrorRate {
		return nil, fmt.Errorf("injected fault: simulated provider error")
	}

	if f.config.TimeoutAfter > 0 {
		select {
		case <-time.After(f.config.TimeoutAfter):
		case <-ctx.Done():
		}
		return nil, context.DeadlineExceeded
	}

	if jitter > 0 {
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return f.inner.Complete(ctx, req)
}
