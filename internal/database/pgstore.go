package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// PGStore is the Postgres-backed Store implementation.
type PGStore struct {
	db *DB
}

// NewPGStore wraps an open DB as a Store.
func NewPGStore(db *DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx}, nil
}

func (s *PGStore) GetCallSnapshot(ctx context.Context, callID string) (*CallSnapshot, error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var c Call
	err = tx.QueryRow(ctx,
		`SELECT call_id, state, last_sequence, created_at, updated_at FROM calls WHERE call_id = $1`,
		callID,
	).Scan(&c.CallID, &c.State, &c.LastSequence, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}

	snap := &CallSnapshot{Call: c}

	if err := tx.QueryRow(ctx,
		`SELECT count(*) FROM packets WHERE call_id = $1`,
		callID,
	).Scan(&snap.PacketCount); err != nil {
		return nil, err
	}

	var r AIResult
	var lastRetryAt, completedAt *time.Time
	err = tx.QueryRow(ctx,
		`SELECT call_id, transcript, sentiment, status, retry_count, last_retry_at, completed_at, error_message
		 FROM ai_results WHERE call_id = $1`,
		callID,
	).Scan(&r.CallID, &r.Transcript, &r.Sentiment, &r.Status, &r.RetryCount, &lastRetryAt, &completedAt, &r.ErrorMessage)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// no AI result yet; leave snap.AIResult nil
	case err != nil:
		return nil, err
	default:
		r.LastRetryAt = lastRetryAt
		r.CompletedAt = completedAt
		snap.AIResult = &r
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *PGStore) ListOrphanedProcessing(ctx context.Context, staleBefore time.Time) ([]string, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT call_id FROM ai_results
		 WHERE status = $1 AND COALESCE(last_retry_at, completed_at, now() - interval '100 years') < $2`,
		AIStatusProcessing, staleBefore,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// pgTx is the pgx.Tx-backed Tx implementation.
type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetCallForUpdate(ctx context.Context, callID string) (*Call, error) {
	var c Call
	err := t.tx.QueryRow(ctx,
		`SELECT call_id, state, last_sequence, created_at, updated_at
		 FROM calls WHERE call_id = $1 FOR UPDATE`,
		callID,
	).Scan(&c.CallID, &c.State, &c.LastSequence, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCallNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (t *pgTx) CreateCall(ctx context.Context, callID string, now time.Time) (*Call, error) {
	c := &Call{
		CallID:       callID,
		State:        "IN_PROGRESS",
		LastSequence: -1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO calls (call_id, state, last_sequence, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		c.CallID, c.State, c.LastSequence, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return nil, classifyWriteError(err, "calls_pkey", "")
	}
	return c, nil
}

func (t *pgTx) InsertPacket(ctx context.Context, p Packet) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO packets (call_id, sequence, data, timestamp, received_at) VALUES ($1, $2, $3, $4, $5)`,
		p.CallID, p.Sequence, p.Data, p.Timestamp, p.ReceivedAt,
	)
	if err != nil {
		return classifyWriteError(err, "", "packets_call_id_sequence_key")
	}
	return nil
}

func (t *pgTx) UpdateCallSequence(ctx context.Context, callID string, lastSequence int64, now time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE calls SET last_sequence = $1, updated_at = $2 WHERE call_id = $3`,
		lastSequence, now, callID,
	)
	return err
}

func (t *pgTx) UpdateCallState(ctx context.Context, callID, state string, now time.Time) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE calls SET state = $1, updated_at = $2 WHERE call_id = $3`,
		state, now, callID,
	)
	return err
}

func (t *pgTx) GetAIResultForUpdate(ctx context.Context, callID string) (*AIResult, error) {
	var r AIResult
	var lastRetryAt, completedAt *time.Time
	err := t.tx.QueryRow(ctx,
		`SELECT call_id, transcript, sentiment, status, retry_count, last_retry_at, completed_at, error_message
		 FROM ai_results WHERE call_id = $1 FOR UPDATE`,
		callID,
	).Scan(&r.CallID, &r.Transcript, &r.Sentiment, &r.Status, &r.RetryCount, &lastRetryAt, &completedAt, &r.ErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		r = AIResult{CallID: callID, Status: AIStatusPending}
		_, err := t.tx.Exec(ctx,
			`INSERT INTO ai_results (call_id, status) VALUES ($1, $2)`,
			callID, AIStatusPending,
		)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}
	if err != nil {
		return nil, err
	}
	r.LastRetryAt = lastRetryAt
	r.CompletedAt = completedAt
	return &r, nil
}

func (t *pgTx) UpdateAIResult(ctx context.Context, res AIResult) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE ai_results SET transcript = $1, sentiment = $2, status = $3, retry_count = $4,
		 last_retry_at = $5, completed_at = $6, error_message = $7 WHERE call_id = $8`,
		res.Transcript, res.Sentiment, res.Status, res.RetryCount,
		res.LastRetryAt, res.CompletedAt, res.ErrorMessage, res.CallID,
	)
	return err
}

func (t *pgTx) Commit(ctx context.Context) error {
	return t.tx.Commit(ctx)
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
