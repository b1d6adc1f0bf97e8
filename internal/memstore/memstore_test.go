package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/snarg/callkernel/internal/database"
)

func TestCreateCallDuplicate(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(0, 0)

	tx1, _ := s.Begin(ctx)
	if _, err := tx1.CreateCall(ctx, "call-1", now); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := tx1.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx2, _ := s.Begin(ctx)
	_, err := tx2.CreateCall(ctx, "call-1", now)
	if err != database.ErrCallAlreadyExists {
		t.Fatalf("expected ErrCallAlreadyExists, got %v", err)
	}
	tx2.Rollback(ctx)
}

func TestInsertPacketDuplicateSequence(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(0, 0)

	tx, _ := s.Begin(ctx)
	tx.CreateCall(ctx, "call-1", now)
	if err := tx.InsertPacket(ctx, database.Packet{CallID: "call-1", Sequence: 0}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := tx.InsertPacket(ctx, database.Packet{CallID: "call-1", Sequence: 0})
	if err != database.ErrDuplicatePacket {
		t.Fatalf("expected ErrDuplicatePacket, got %v", err)
	}
	tx.Commit(ctx)
}

// TestConcurrentCreateCallSerializes races N goroutines creating the same
// call id; exactly one must win, mirroring what a real SELECT ... FOR
// UPDATE-guarded insert on the same primary key would do.
func TestConcurrentCreateCallSerializes(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(0, 0)

	const n = 50
	var wg sync.WaitGroup
	var successes int64
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, _ := s.Begin(ctx)
			defer tx.Rollback(ctx)
			if _, err := tx.CreateCall(ctx, "race-call", now); err == nil {
				atomic.AddInt64(&successes, 1)
				tx.Commit(ctx)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful create, got %d", successes)
	}
}

func TestGetCallSnapshotNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetCallSnapshot(context.Background(), "missing"); err != database.ErrCallNotFound {
		t.Fatalf("expected ErrCallNotFound, got %v", err)
	}
}

func TestListOrphanedProcessing(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Unix(1000, 0)
	old := now.Add(-10 * time.Minute)

	tx, _ := s.Begin(ctx)
	tx.CreateCall(ctx, "stale-call", now)
	res, _ := tx.GetAIResultForUpdate(ctx, "stale-call")
	res.Status = database.AIStatusProcessing
	res.LastRetryAt = &old
	tx.UpdateAIResult(ctx, *res)
	tx.Commit(ctx)

	tx2, _ := s.Begin(ctx)
	tx2.CreateCall(ctx, "fresh-call", now)
	res2, _ := tx2.GetAIResultForUpdate(ctx, "fresh-call")
	res2.Status = database.AIStatusProcessing
	res2.LastRetryAt = &now
	tx2.UpdateAIResult(ctx, *res2)
	tx2.Commit(ctx)

	ids, err := s.ListOrphanedProcessing(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("ListOrphanedProcessing: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale-call" {
		t.Fatalf("expected [stale-call], got %v", ids)
	}
}
