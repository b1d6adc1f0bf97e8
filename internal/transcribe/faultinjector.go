package transcribe

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

// ErrInjectedFailure is returned by FaultInjector when it decides to fail
// a call, so tests and logs can distinguish injected failures from real
// provider errors.
var ErrInjectedFailure = errors.New("transcription: injected failure")

// FaultInjector is a Provider that fails a configurable fraction of calls,
// used in place of a real transcription backend for local development and
// for exercising the Processor's retry loop deterministically in tests.
type FaultInjector struct {
	failureRate float64
	rng         *rand.Rand
	mu          sync.Mutex
}

// NewFaultInjector returns a FaultInjector that fails roughly failureRate of
// calls (0.0-1.0). A failureRate outside that range is clamped.
func NewFaultInjector(failureRate float64, seed int64) *FaultInjector {
	if failureRate < 0 {
		failureRate = 0
	}
	if failureRate > 1 {
		failureRate = 1
	}
	return &FaultInjector{
		failureRate: failureRate,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

func (f *FaultInjector) Name() string { return "fault-injector" }

func (f *FaultInjector) Transcribe(ctx context.Context, callID string) (*Result, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	f.mu.Lock()
	roll := f.rng.Float64()
	f.mu.Unlock()

	if roll < f.failureRate {
		return nil, fmt.Errorf("%w: call %s", ErrInjectedFailure, callID)
	}

	return &Result{
		Transcript: fmt.Sprintf("[simulated transcript for %s]", callID),
		Sentiment:  "neutral",
	}, nil
}
