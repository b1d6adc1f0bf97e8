// Package recovery implements two recovery mechanisms: a periodic
// staleness sweep that rescues calls stuck in PROCESSING_AI after a crash,
// and a filesystem-watched operator nudge that re-triggers the Processor
// for a named call (a no-op for a call still in PROCESSING_AI).
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/metrics"
	"github.com/snarg/callkernel/internal/statemachine"
)

// Trigger is implemented by *processor.Processor.
type Trigger interface {
	Trigger(ctx context.Context, callID string)
}

// Sweeper periodically demotes calls whose PROCESSING_AI has gone stale —
// almost always because the process that claimed them crashed or was
// killed before the retry loop finished — back to FAILED, then re-fires
// the Processor so a fresh FAILED -> PROCESSING_AI attempt can run. It
// takes the same row lock the idempotence guard does, so it can never
// race a live Processor for the same call.
type Sweeper struct {
	store      database.Store
	trigger    Trigger
	interval   time.Duration
	staleAfter time.Duration
	log        zerolog.Logger

	now func() time.Time
}

// NewSweeper builds a Sweeper. interval is how often it scans;
// staleAfter is how long an ai_results row may sit PROCESSING with no
// retry activity before being considered orphaned.
func NewSweeper(store database.Store, trigger Trigger, interval, staleAfter time.Duration, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:      store,
		trigger:    trigger,
		interval:   interval,
		staleAfter: staleAfter,
		log:        log.With().Str("component", "recovery.sweeper").Logger(),
		now:        time.Now,
	}
}

// Run blocks, sweeping on each tick, until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	staleBefore := s.now().Add(-s.staleAfter)
	ids, err := s.store.ListOrphanedProcessing(ctx, staleBefore)
	if err != nil {
		s.log.Error().Err(err).Msg("list orphaned processing calls failed")
		return
	}
	for _, id := range ids {
		if s.recover(ctx, id) {
			s.log.Warn().Str("call_id", id).Msg("recovered orphaned call from stale PROCESSING_AI")
			s.trigger.Trigger(ctx, id)
		}
	}
}

// recover re-checks id under lock (the list query above does not lock) and
// demotes it if it is still genuinely stale. Returns true if it demoted
// the call.
func (s *Sweeper) recover(ctx context.Context, callID string) bool {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("begin tx failed")
		return false
	}
	defer tx.Rollback(ctx)

	call, err := tx.GetCallForUpdate(ctx, callID)
	if errors.Is(err, database.ErrCallNotFound) {
		return false
	}
	if err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("load call failed")
		return false
	}
	if call.State != string(statemachine.ProcessingAI) {
		return false // already moved on by the time we got the lock
	}

	ai, err := tx.GetAIResultForUpdate(ctx, callID)
	if err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("load ai result failed")
		return false
	}
	if ai.Status != database.AIStatusProcessing {
		return false
	}
	last := ai.LastRetryAt
	if last == nil {
		last = ai.CompletedAt
	}
	if last != nil && last.After(s.now().Add(-s.staleAfter)) {
		return false // activity since we listed it; not actually stale
	}

	now := s.now()
	if err := statemachine.Transition(statemachine.ProcessingAI, statemachine.Failed); err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("unexpected illegal transition")
		return false
	}
	if err := tx.UpdateCallState(ctx, callID, string(statemachine.Failed), now); err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("update call state failed")
		return false
	}
	ai.Status = database.AIStatusFailed
	ai.ErrorMessage = "recovered: orphaned after process restart"
	if err := tx.UpdateAIResult(ctx, *ai); err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("update ai result failed")
		return false
	}
	if err := tx.Commit(ctx); err != nil {
		s.log.Error().Err(err).Str("call_id", callID).Msg("commit failed")
		return false
	}
	metrics.OrphansRecoveredTotal.Inc()
	return true
}
