package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/memstore"
)

// recordingTrigger counts and records Trigger calls instead of running a
// real Processor; the Coordinator itself doesn't care what Trigger does.
type recordingTrigger struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingTrigger) Trigger(ctx context.Context, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, callID)
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestCoordinator() (*Coordinator, *memstore.Store, *recordingTrigger) {
	store := memstore.New()
	trig := &recordingTrigger{}
	c := New(store, trig, zerolog.Nop())
	return c, store, trig
}

func TestOrderedHappyPath(t *testing.T) {
	c, store, trig := newTestCoordinator()
	ctx := context.Background()

	for seq := int64(0); seq <= 2; seq++ {
		res, err := c.Submit(ctx, "c1", seq, []byte("data"), time.Now())
		if err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
		if res.Message != "" {
			t.Fatalf("unexpected message for seq %d: %s", seq, res.Message)
		}
	}

	snap, err := store.GetCallSnapshot(ctx, "c1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.LastSequence != 2 {
		t.Fatalf("expected last_sequence 2, got %d", snap.Call.LastSequence)
	}
	if trig.count() != 3 {
		t.Fatalf("expected 3 triggers, got %d", trig.count())
	}
}

func TestMissingPacketGap(t *testing.T) {
	c, store, _ := newTestCoordinator()
	ctx := context.Background()

	seqs := []int64{0, 1, 3}
	var gapSeen bool
	for _, seq := range seqs {
		res, err := c.Submit(ctx, "c2", seq, []byte("data"), time.Now())
		if err != nil {
			t.Fatalf("submit seq %d: %v", seq, err)
		}
		if seq == 3 && res.Message != "" {
			gapSeen = true
		}
	}
	if !gapSeen {
		t.Fatal("expected a gap warning message for sequence 3")
	}

	snap, err := store.GetCallSnapshot(ctx, "c2")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.LastSequence != 3 {
		t.Fatalf("expected last_sequence 3, got %d", snap.Call.LastSequence)
	}
}

func TestDuplicatePacketAbsorbed(t *testing.T) {
	c, store, trig := newTestCoordinator()
	ctx := context.Background()

	res1, err := c.Submit(ctx, "c3", 0, []byte("x"), time.Now())
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	res2, err := c.Submit(ctx, "c3", 0, []byte("y"), time.Now())
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if res2.Message == "" {
		t.Fatal("expected a duplicate-packet note on the second submission")
	}
	_ = res1

	packets := store.Packets("c3")
	if len(packets) != 1 {
		t.Fatalf("expected exactly 1 persisted packet, got %d", len(packets))
	}
	if string(packets[0].Data) != "x" {
		t.Fatalf("expected original data %q to win, got %q", "x", packets[0].Data)
	}
	if trig.count() != 1 {
		t.Fatalf("expected exactly 1 trigger (duplicate must not re-trigger), got %d", trig.count())
	}
}

func TestRaceAtFirstPacket(t *testing.T) {
	c, store, _ := newTestCoordinator()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for _, seq := range []int64{0, 1} {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			_, err := c.Submit(ctx, "c4", seq, []byte("data"), time.Now())
			errs <- err
		}(seq)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}

	snap, err := store.GetCallSnapshot(ctx, "c4")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.LastSequence != 1 {
		t.Fatalf("expected last_sequence 1, got %d", snap.Call.LastSequence)
	}
	if len(store.Packets("c4")) != 2 {
		t.Fatalf("expected 2 packets, got %d", len(store.Packets("c4")))
	}
}

func TestMassiveConcurrentLoad(t *testing.T) {
	c, store, _ := newTestCoordinator()
	ctx := context.Background()

	var wg sync.WaitGroup
	for seq := int64(0); seq < 20; seq++ {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			if _, err := c.Submit(ctx, "c5", seq, []byte("data"), time.Now()); err != nil {
				t.Errorf("submit seq %d: %v", seq, err)
			}
		}(seq)
	}
	wg.Wait()

	snap, err := store.GetCallSnapshot(ctx, "c5")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Call.LastSequence != 19 {
		t.Fatalf("expected last_sequence 19, got %d", snap.Call.LastSequence)
	}
	packets := store.Packets("c5")
	if len(packets) != 20 {
		t.Fatalf("expected 20 packets, got %d", len(packets))
	}
	seen := make(map[int64]bool)
	for _, p := range packets {
		if seen[p.Sequence] {
			t.Fatalf("duplicate sequence %d persisted", p.Sequence)
		}
		seen[p.Sequence] = true
	}
}

func TestNegativeSequenceRejected(t *testing.T) {
	c, _, trig := newTestCoordinator()
	_, err := c.Submit(context.Background(), "c6", -1, []byte("data"), time.Now())
	if err == nil {
		t.Fatal("expected an error for negative sequence")
	}
	if trig.count() != 0 {
		t.Fatal("expected no trigger for a rejected submission")
	}
}
