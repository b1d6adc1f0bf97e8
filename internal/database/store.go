package database

import (
	"context"
	"time"
)

// Store is the transactional persistence boundary the Processor and
// Ingestion Coordinator are built against. The only concrete implementation
// used in production is PGStore; tests use the in-memory fake in
// internal/memstore, which simulates the same row-exclusive locking
// semantics without a real Postgres instance.
type Store interface {
	// Begin opens a new transaction-scoped handle.
	Begin(ctx context.Context) (Tx, error)

	// GetCallSnapshot is a non-transactional read used by status queries;
	// it does not take any lock.
	GetCallSnapshot(ctx context.Context, callID string) (*CallSnapshot, error)

	// ListOrphanedProcessing returns call ids whose ai_results row is still
	// PROCESSING and whose last activity is older than staleBefore. Used by
	// the recovery sweeper; does not take any lock itself — each returned
	// call id is re-checked under lock before being acted on.
	ListOrphanedProcessing(ctx context.Context, staleBefore time.Time) ([]string, error)
}

// Tx is a single Store transaction. Callers must call exactly one of Commit
// or Rollback; deferring Rollback immediately after Begin succeeds is safe
// even when Commit is later called, since committing first makes the
// deferred Rollback a no-op.
type Tx interface {
	// GetCallForUpdate locks the call row (SELECT ... FOR UPDATE) and
	// returns it, or ErrCallNotFound if no such call exists.
	GetCallForUpdate(ctx context.Context, callID string) (*Call, error)

	// CreateCall inserts a new call row in IN_PROGRESS with last_sequence
	// -1, or returns ErrCallAlreadyExists on a concurrent duplicate insert.
	CreateCall(ctx context.Context, callID string, now time.Time) (*Call, error)

	// InsertPacket inserts a packet, or returns ErrDuplicatePacket if a
	// packet with the same (call_id, sequence) already exists.
	InsertPacket(ctx context.Context, p Packet) error

	// UpdateCallSequence advances last_sequence and bumps updated_at. The
	// caller is responsible for only calling this with a monotonically
	// increasing value.
	UpdateCallSequence(ctx context.Context, callID string, lastSequence int64, now time.Time) error

	// UpdateCallState transitions the call's persisted state.
	UpdateCallState(ctx context.Context, callID, state string, now time.Time) error

	// GetAIResultForUpdate locks the ai_results row (creating a PENDING one
	// first if absent) and returns it.
	GetAIResultForUpdate(ctx context.Context, callID string) (*AIResult, error)

	// UpdateAIResult writes back the full ai_results row.
	UpdateAIResult(ctx context.Context, res AIResult) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
