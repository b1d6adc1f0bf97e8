package recovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/memstore"
	"github.com/snarg/callkernel/internal/statemachine"
)

type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTrigger) Trigger(ctx context.Context, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callID)
}

func seedProcessing(t *testing.T, store *memstore.Store, callID string, lastRetryAt time.Time) {
	t.Helper()
	ctx := context.Background()
	tx, _ := store.Begin(ctx)
	if _, err := tx.CreateCall(ctx, callID, time.Unix(0, 0)); err != nil {
		t.Fatalf("create call: %v", err)
	}
	if err := tx.UpdateCallState(ctx, callID, string(statemachine.ProcessingAI), time.Unix(0, 0)); err != nil {
		t.Fatalf("update state: %v", err)
	}
	ai, _ := tx.GetAIResultForUpdate(ctx, callID)
	ai.Status = database.AIStatusProcessing
	ai.LastRetryAt = &lastRetryAt
	if err := tx.UpdateAIResult(ctx, *ai); err != nil {
		t.Fatalf("update ai result: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestSweeperRecoversStaleCall(t *testing.T) {
	store := memstore.New()
	fixedNow := time.Unix(10000, 0)
	seedProcessing(t, store, "stale-call", fixedNow.Add(-10*time.Minute))

	trig := &recordingTrigger{}
	s := NewSweeper(store, trig, time.Hour, 5*time.Minute, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }

	s.sweepOnce(context.Background())

	snap, err := store.GetCallSnapshot(context.Background(), "stale-call")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.State != string(statemachine.Failed) {
		t.Fatalf("expected FAILED, got %s", snap.Call.State)
	}
	if len(trig.calls) != 1 || trig.calls[0] != "stale-call" {
		t.Fatalf("expected exactly one re-trigger for stale-call, got %v", trig.calls)
	}
}

func TestSweeperIgnoresFreshCall(t *testing.T) {
	store := memstore.New()
	fixedNow := time.Unix(10000, 0)
	seedProcessing(t, store, "fresh-call", fixedNow.Add(-30*time.Second))

	trig := &recordingTrigger{}
	s := NewSweeper(store, trig, time.Hour, 5*time.Minute, zerolog.Nop())
	s.now = func() time.Time { return fixedNow }

	s.sweepOnce(context.Background())

	snap, err := store.GetCallSnapshot(context.Background(), "fresh-call")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.State != string(statemachine.ProcessingAI) {
		t.Fatalf("expected fresh call to remain PROCESSING_AI, got %s", snap.Call.State)
	}
	if len(trig.calls) != 0 {
		t.Fatalf("expected no re-trigger for fresh call, got %v", trig.calls)
	}
}
