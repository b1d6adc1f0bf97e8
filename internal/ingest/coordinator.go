// Package ingest is the per-packet entry point: under a per-call exclusive
// row lock it ensures a call row exists, deduplicates and validates
// sequence, persists the packet, and triggers the Processor without
// awaiting it.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/metrics"
)

// Trigger is implemented by *processor.Processor; kept as an interface
// here so this package does not import processor (processor does not need
// to know about ingestion).
type Trigger interface {
	Trigger(ctx context.Context, callID string)
}

// Coordinator is the packet submission entry point.
type Coordinator struct {
	store   database.Store
	trigger Trigger
	log     zerolog.Logger

	now func() time.Time
}

// New builds a Coordinator.
func New(store database.Store, trigger Trigger, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		trigger: trigger,
		log:     log.With().Str("component", "ingest").Logger(),
		now:     time.Now,
	}
}

// SubmitResult is the outcome of a successful Submit call.
type SubmitResult struct {
	CallID  string
	Sequence int64
	Message string // informational note (duplicate, gap, reorder); empty on the ordinary path
}

// maxCreateRetries bounds the create_call / get_call_for_update restart
// loop at step 3 so a pathological hot-loop cannot spin forever; in
// practice at most one restart ever happens (the loser of the first-packet
// race restarts exactly once).
const maxCreateRetries = 10

// Submit runs the Ingestion Coordinator algorithm for one packet. It
// returns before any transcription work starts: the Processor is spawned
// as a detached task after the transaction commits.
func (c *Coordinator) Submit(ctx context.Context, callID string, sequence int64, data []byte, timestamp time.Time) (*SubmitResult, error) {
	if sequence < 0 {
		return nil, fmt.Errorf("sequence must be non-negative, got %d", sequence)
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxCreateRetries {
			return nil, fmt.Errorf("ingestion failed: exhausted %d create-call restarts for call %s", maxCreateRetries, callID)
		}

		res, retry, err := c.submitOnce(ctx, callID, sequence, data, timestamp)
		if err != nil {
			return nil, fmt.Errorf("ingestion failed: %w", err)
		}
		if retry {
			continue
		}
		return res, nil
	}
}

// submitOnce runs steps 1-7 once. retry=true means a concurrent
// create_call race was lost and step 1 should be retried from scratch
// (step 3's restart-at-step-1 behavior).
func (c *Coordinator) submitOnce(ctx context.Context, callID string, sequence int64, data []byte, timestamp time.Time) (res *SubmitResult, retry bool, err error) {
	now := c.now()

	// Steps 1-2: open T, attempt get_call_for_update.
	tx, err := c.store.Begin(ctx)
	if err != nil {
		return nil, false, err
	}

	call, err := tx.GetCallForUpdate(ctx, callID)
	switch {
	case errors.Is(err, database.ErrCallNotFound):
		// Step 3: absent. Commit T (releasing nothing — no lock was taken
		// on a nonexistent row), then open T' and try create_call.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}

		tx2, err := c.store.Begin(ctx)
		if err != nil {
			return nil, false, err
		}
		_, err = tx2.CreateCall(ctx, callID, now)
		if errors.Is(err, database.ErrCallAlreadyExists) {
			tx2.Rollback(ctx)
			return nil, true, nil // restart at step 1
		}
		if err != nil {
			tx2.Rollback(ctx)
			return nil, false, err
		}
		if err := tx2.Commit(ctx); err != nil {
			return nil, false, err
		}
		// The call now exists; restart at step 1 to acquire its lock the
		// same way every other caller does.
		return nil, true, nil

	case err != nil:
		tx.Rollback(ctx)
		return nil, false, err
	}

	// Step 4: with the row locked in T, attempt insert_packet.
	insertErr := tx.InsertPacket(ctx, database.Packet{
		CallID:     callID,
		Sequence:   sequence,
		Data:       data,
		Timestamp:  timestamp,
		ReceivedAt: now,
	})

	if errors.Is(insertErr, database.ErrDuplicatePacket) {
		// Duplicate: commit T, return accepted with a note, no Processor
		// trigger.
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		metrics.PacketsDuplicateTotal.Inc()
		return &SubmitResult{CallID: callID, Sequence: sequence, Message: "duplicate packet, already ingested"}, false, nil
	}
	if insertErr != nil {
		tx.Rollback(ctx)
		return nil, false, insertErr
	}
	metrics.PacketsIngestedTotal.Inc()

	message := ""
	newLastSequence := sequence
	if sequence < call.LastSequence {
		newLastSequence = call.LastSequence
	}
	if sequence != call.LastSequence+1 {
		if sequence < call.LastSequence {
			message = "sequence reorder: packet arrived after later sequences were already recorded"
			c.log.Warn().Str("call_id", callID).Int64("sequence", sequence).Int64("last_sequence", call.LastSequence).Msg("sequence reorder")
		} else {
			message = "sequence gap: one or more earlier packets have not yet arrived"
			c.log.Warn().Str("call_id", callID).Int64("sequence", sequence).Int64("last_sequence", call.LastSequence).Msg("sequence gap")
		}
	}

	if err := tx.UpdateCallSequence(ctx, callID, newLastSequence, now); err != nil {
		tx.Rollback(ctx)
		return nil, false, err
	}

	// Step 5: commit T (releases the lock).
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}

	// Steps 6-7: spawn the Processor, detached; return accepted.
	c.trigger.Trigger(ctx, callID)

	return &SubmitResult{CallID: callID, Sequence: sequence, Message: message}, false, nil
}
