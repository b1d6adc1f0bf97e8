// Package memstore is an in-memory fake of database.Store used by tests
// that exercise concurrency properties (races between first packets,
// concurrent submissions for the same call, retry exhaustion) without a
// real Postgres instance. It mimics SELECT ... FOR UPDATE by handing out a
// real per-call-id mutex that the first row-touching Tx method (such as
// GetCallForUpdate) acquires and the transaction releases on Commit or Rollback — so two goroutines racing to
// lock the same call_id serialize exactly the way two Postgres backends
// would, and goroutines touching different call_ids never block each
// other.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/snarg/callkernel/internal/database"
)

// Store is the in-memory fake. Zero value is not usable; use New.
type Store struct {
	mu    sync.Mutex // protects the maps below, not the per-call locks
	locks map[string]*sync.Mutex

	calls     map[string]*database.Call
	packets   map[string][]database.Packet
	aiResults map[string]*database.AIResult
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		locks:     make(map[string]*sync.Mutex),
		calls:     make(map[string]*database.Call),
		packets:   make(map[string][]database.Packet),
		aiResults: make(map[string]*database.AIResult),
	}
}

func (s *Store) lockFor(callID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[callID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[callID] = l
	}
	return l
}

// Begin returns a Tx that has not yet locked any row; the lock is acquired
// lazily by GetCallForUpdate/GetAIResultForUpdate/CreateCall, matching how a
// real Postgres transaction only blocks once it actually touches a row.
func (s *Store) Begin(ctx context.Context) (database.Tx, error) {
	return &tx{store: s}, nil
}

// GetCallSnapshot is a non-transactional, unlocked read.
func (s *Store) GetCallSnapshot(ctx context.Context, callID string) (*database.CallSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok {
		return nil, database.ErrCallNotFound
	}
	snap := &database.CallSnapshot{Call: *c, PacketCount: int64(len(s.packets[callID]))}
	if r, ok := s.aiResults[callID]; ok {
		cp := *r
		snap.AIResult = &cp
	}
	return snap, nil
}

// Packets returns a copy of the packets persisted for callID, in insertion
// order. Test-only helper; not part of database.Store.
func (s *Store) Packets(callID string) []database.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]database.Packet, len(s.packets[callID]))
	copy(out, s.packets[callID])
	return out
}

// ListOrphanedProcessing returns call ids whose AI result is PROCESSING and
// stale, in deterministic (sorted) order.
func (s *Store) ListOrphanedProcessing(ctx context.Context, staleBefore time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, r := range s.aiResults {
		if r.Status != database.AIStatusProcessing {
			continue
		}
		last := r.LastRetryAt
		if last == nil {
			last = r.CompletedAt
		}
		if last == nil || last.Before(staleBefore) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// tx is the in-memory transaction handle. It holds at most one acquired
// per-call-id lock at a time (this fake only ever touches a single call_id
// per transaction, matching how the Processor and Coordinator use Store).
type tx struct {
	store    *Store
	callID   string
	held     *sync.Mutex
	done     bool
}

func (t *tx) acquire(callID string) {
	if t.held != nil {
		return // already holding this call's lock
	}
	l := t.store.lockFor(callID)
	l.Lock()
	t.callID = callID
	t.held = l
}

func (t *tx) GetCallForUpdate(ctx context.Context, callID string) (*database.Call, error) {
	t.acquire(callID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.calls[callID]
	if !ok {
		return nil, database.ErrCallNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *tx) CreateCall(ctx context.Context, callID string, now time.Time) (*database.Call, error) {
	t.acquire(callID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.calls[callID]; ok {
		return nil, database.ErrCallAlreadyExists
	}
	c := &database.Call{
		CallID:       callID,
		State:        "IN_PROGRESS",
		LastSequence: -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	t.store.calls[callID] = c
	cp := *c
	return &cp, nil
}

func (t *tx) InsertPacket(ctx context.Context, p database.Packet) error {
	t.acquire(p.CallID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, existing := range t.store.packets[p.CallID] {
		if existing.Sequence == p.Sequence {
			return database.ErrDuplicatePacket
		}
	}
	p.ID = int64(len(t.store.packets[p.CallID]) + 1)
	t.store.packets[p.CallID] = append(t.store.packets[p.CallID], p)
	return nil
}

func (t *tx) UpdateCallSequence(ctx context.Context, callID string, lastSequence int64, now time.Time) error {
	t.acquire(callID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.calls[callID]
	if !ok {
		return database.ErrCallNotFound
	}
	c.LastSequence = lastSequence
	c.UpdatedAt = now
	return nil
}

func (t *tx) UpdateCallState(ctx context.Context, callID, state string, now time.Time) error {
	t.acquire(callID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	c, ok := t.store.calls[callID]
	if !ok {
		return database.ErrCallNotFound
	}
	c.State = state
	c.UpdatedAt = now
	return nil
}

func (t *tx) GetAIResultForUpdate(ctx context.Context, callID string) (*database.AIResult, error) {
	t.acquire(callID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	r, ok := t.store.aiResults[callID]
	if !ok {
		r = &database.AIResult{CallID: callID, Status: database.AIStatusPending}
		t.store.aiResults[callID] = r
	}
	cp := *r
	return &cp, nil
}

func (t *tx) UpdateAIResult(ctx context.Context, res database.AIResult) error {
	t.acquire(res.CallID)
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := res
	t.store.aiResults[res.CallID] = &cp
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	t.release()
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	t.release()
	return nil
}

func (t *tx) release() {
	if t.done {
		return
	}
	t.done = true
	if t.held != nil {
		t.held.Unlock()
	}
}
