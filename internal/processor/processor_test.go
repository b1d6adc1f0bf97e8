package processor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/memstore"
	"github.com/snarg/callkernel/internal/notifier"
	"github.com/snarg/callkernel/internal/statemachine"
	"github.com/snarg/callkernel/internal/transcribe"
)

// scriptedProvider returns a scripted sequence of errors/success to drive
// deterministic retry-loop tests without relying on randomness.
type scriptedProvider struct {
	mu      sync.Mutex
	script  []error // nil entries mean "succeed"
	calls   int32
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Transcribe(ctx context.Context, callID string) (*transcribe.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := int(atomic.AddInt32(&p.calls, 1)) - 1
	if i >= len(p.script) {
		return nil, errors.New("script exhausted")
	}
	if p.script[i] != nil {
		return nil, p.script[i]
	}
	return &transcribe.Result{Transcript: "hello", Sentiment: "neutral"}, nil
}

func newTestProcessor(store database.Store, provider transcribe.Provider, maxRetries int) (*Processor, *notifier.Notifier) {
	n := notifier.New(16)
	p := New(store, provider, n, maxRetries, zerolog.Nop())
	p.now = func() time.Time { return time.Unix(1000, 0) }
	p.backoffFor = func(int) time.Duration { return time.Millisecond }
	return p, n
}

func seedInProgressCall(t *testing.T, store database.Store, callID string) {
	t.Helper()
	ctx := context.Background()
	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := tx.CreateCall(ctx, callID, time.Unix(0, 0)); err != nil {
		t.Fatalf("create call: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestProcessorSucceedsFirstAttempt(t *testing.T) {
	store := memstore.New()
	seedInProgressCall(t, store, "call-1")
	provider := &scriptedProvider{script: []error{nil}}
	p, _ := newTestProcessor(store, provider, 5)

	p.run(context.Background(), "call-1")

	snap, err := store.GetCallSnapshot(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.State != string(statemachine.Completed) {
		t.Fatalf("expected COMPLETED, got %s", snap.Call.State)
	}
	if snap.AIResult.Transcript != "hello" {
		t.Fatalf("expected transcript, got %q", snap.AIResult.Transcript)
	}
	if snap.AIResult.RetryCount != 1 {
		t.Fatalf("expected retry_count 1, got %d", snap.AIResult.RetryCount)
	}
}

// TestProcessorRetryExhaustion mirrors the spec scenario: max_ai_retries=2
// (so 3 total attempts) all fail, the call ends FAILED.
func TestProcessorRetryExhaustion(t *testing.T) {
	store := memstore.New()
	seedInProgressCall(t, store, "call-1")
	failCause := errors.New("boom")
	provider := &scriptedProvider{script: []error{failCause, failCause, failCause}}
	p, _ := newTestProcessor(store, provider, 2)
	p.run(context.Background(), "call-1")

	if atomic.LoadInt32(&provider.calls) != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", provider.calls)
	}

	snap, err := store.GetCallSnapshot(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.State != string(statemachine.Failed) {
		t.Fatalf("expected FAILED, got %s", snap.Call.State)
	}
	if snap.AIResult.Status != database.AIStatusFailed {
		t.Fatalf("expected ai status FAILED, got %s", snap.AIResult.Status)
	}
	if snap.AIResult.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", snap.AIResult.RetryCount)
	}
}

func TestProcessorSucceedsAfterRetries(t *testing.T) {
	store := memstore.New()
	seedInProgressCall(t, store, "call-1")
	failCause := errors.New("transient")
	provider := &scriptedProvider{script: []error{failCause, failCause, nil}}
	p, _ := newTestProcessor(store, provider, 5)
	p.run(context.Background(), "call-1")

	snap, err := store.GetCallSnapshot(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.State != string(statemachine.Completed) {
		t.Fatalf("expected COMPLETED, got %s", snap.Call.State)
	}
	if snap.AIResult.RetryCount != 3 {
		t.Fatalf("expected retry_count 3, got %d", snap.AIResult.RetryCount)
	}
}

// TestProcessorIdempotenceGuardConcurrent fires Trigger-equivalent runs
// concurrently for the same call id; only one must actually call the
// provider, the rest must no-op because the row lock + state check
// rejects them.
func TestProcessorIdempotenceGuardConcurrent(t *testing.T) {
	store := memstore.New()
	seedInProgressCall(t, store, "call-1")
	provider := &scriptedProvider{script: []error{nil}}
	p, _ := newTestProcessor(store, provider, 5)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.run(context.Background(), "call-1")
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&provider.calls) != 1 {
		t.Fatalf("expected exactly 1 provider call across %d racing triggers, got %d", n, provider.calls)
	}
}

func TestProcessorNoOpOnCompletedCall(t *testing.T) {
	store := memstore.New()
	seedInProgressCall(t, store, "call-1")
	provider := &scriptedProvider{script: []error{nil}}
	p, _ := newTestProcessor(store, provider, 5)
	p.run(context.Background(), "call-1")

	if atomic.LoadInt32(&provider.calls) != 1 {
		t.Fatalf("expected 1 call after first run, got %d", provider.calls)
	}

	// Triggering again on an already-COMPLETED call must be a no-op.
	p.run(context.Background(), "call-1")
	if atomic.LoadInt32(&provider.calls) != 1 {
		t.Fatalf("expected no additional provider calls on completed call, got %d", provider.calls)
	}
}
