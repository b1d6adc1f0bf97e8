// Package processor owns the per-call AI transcription workflow: an
// idempotence guard that claims a call exactly once across however many
// goroutines or processes race to trigger it, a bounded retry loop with
// jittered exponential backoff, and the state transitions that make the
// result visible to the rest of the system.
package processor

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/callkernel/internal/database"
	"github.com/snarg/callkernel/internal/metrics"
	"github.com/snarg/callkernel/internal/notifier"
	"github.com/snarg/callkernel/internal/statemachine"
	"github.com/snarg/callkernel/internal/transcribe"
)

// Processor runs the transcription workflow for individual calls.
type Processor struct {
	store      database.Store
	provider   transcribe.Provider
	notify     *notifier.Notifier
	maxRetries int
	log        zerolog.Logger

	now        func() time.Time           // overridable for tests
	backoffFor func(attempt int) time.Duration // overridable for tests
}

// New builds a Processor. maxRetries is the number of retries permitted
// after the first attempt, so a call may see at most maxRetries+1 calls to
// provider.Transcribe before being marked FAILED.
func New(store database.Store, provider transcribe.Provider, notify *notifier.Notifier, maxRetries int, log zerolog.Logger) *Processor {
	return &Processor{
		store:      store,
		provider:   provider,
		notify:     notify,
		maxRetries: maxRetries,
		log:        log.With().Str("component", "processor").Logger(),
		now:        time.Now,
		backoffFor: backoff,
	}
}

// Trigger asynchronously attempts to process callID. It returns
// immediately; the actual work (including the idempotence check) happens
// on a detached goroutine. Safe to call any number of times concurrently
// for the same or different call ids — only one goroutine across the
// whole fleet will ever actually claim and run a given call's workflow,
// because the claim is made under a Postgres row lock, not an in-process
// mutex.
func (p *Processor) Trigger(ctx context.Context, callID string) {
	go p.run(context.WithoutCancel(ctx), callID)
}

// run is the synchronous body of Trigger, split out so tests can await
// completion directly instead of racing a goroutine.
func (p *Processor) run(ctx context.Context, callID string) {
	claimed, err := p.claim(ctx, callID)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("claim failed")
		return
	}
	if !claimed {
		return // another trigger already owns this call, or it isn't eligible
	}

	p.notify.Publish(notifier.Event{Type: "call_update", CallID: callID, State: string(statemachine.ProcessingAI)})

	attempt := 0
	for {
		attempt++
		result, err := p.provider.Transcribe(ctx, callID)
		if err == nil {
			metrics.TranscriptionAttemptsTotal.WithLabelValues("success").Inc()
			p.finalizeSuccess(ctx, callID, attempt, result)
			return
		}
		metrics.TranscriptionAttemptsTotal.WithLabelValues("failure").Inc()

		if attempt > p.maxRetries {
			p.finalizeFailure(ctx, callID, attempt, err)
			return
		}

		p.recordRetry(ctx, callID, attempt, err)

		select {
		case <-time.After(p.backoffFor(attempt)):
		case <-ctx.Done():
			return
		}
	}
}

// claim locks the call and its AI result row, applies the idempotence
// guard, and — if the call is eligible — transitions it into PROCESSING_AI
// within the same transaction. It returns false (with no error) whenever
// another caller already owns the call or the call is in a terminal state.
func (p *Processor) claim(ctx context.Context, callID string) (bool, error) {
	tx, err := p.store.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	call, err := tx.GetCallForUpdate(ctx, callID)
	if err != nil {
		return false, err
	}

	if !statemachine.CanTransition(statemachine.State(call.State), statemachine.ProcessingAI) {
		return false, nil // already PROCESSING_AI, COMPLETED, or ARCHIVED
	}

	ai, err := tx.GetAIResultForUpdate(ctx, callID)
	if err != nil {
		return false, err
	}
	if ai.Status == database.AIStatusProcessing || ai.Status == database.AIStatusCompleted {
		return false, nil
	}

	now := p.now()
	if err := tx.UpdateCallState(ctx, callID, string(statemachine.ProcessingAI), now); err != nil {
		return false, err
	}
	ai.Status = database.AIStatusProcessing
	// Stamp the claim so the recovery sweeper measures staleness from the
	// start of this run until the first retry is recorded.
	ai.LastRetryAt = &now
	if err := tx.UpdateAIResult(ctx, *ai); err != nil {
		return false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Processor) recordRetry(ctx context.Context, callID string, attempt int, cause error) {
	now := p.now()
	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("begin tx for retry record failed")
		return
	}
	defer tx.Rollback(ctx)

	ai, err := tx.GetAIResultForUpdate(ctx, callID)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("load ai result for retry record failed")
		return
	}
	ai.RetryCount = attempt
	ai.LastRetryAt = &now
	ai.ErrorMessage = cause.Error()
	if err := tx.UpdateAIResult(ctx, *ai); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("record retry failed")
		return
	}
	if err := tx.Commit(ctx); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("commit retry record failed")
	}
	p.log.Warn().Str("call_id", callID).Int("attempt", attempt).Err(cause).Msg("transcription attempt failed, will retry")
}

func (p *Processor) finalizeSuccess(ctx context.Context, callID string, attempt int, result *transcribe.Result) {
	now := p.now()
	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("begin tx for success finalize failed")
		return
	}
	defer tx.Rollback(ctx)

	call, err := tx.GetCallForUpdate(ctx, callID)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("load call for success finalize failed")
		return
	}
	if err := statemachine.Transition(statemachine.State(call.State), statemachine.Completed); err != nil {
		var illegal *statemachine.ErrIllegalTransition
		if !errors.As(err, &illegal) {
			p.log.Error().Err(err).Str("call_id", callID).Msg("unexpected transition error")
		}
		return
	}
	if err := tx.UpdateCallState(ctx, callID, string(statemachine.Completed), now); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("update call state failed")
		return
	}

	ai, err := tx.GetAIResultForUpdate(ctx, callID)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("load ai result for success finalize failed")
		return
	}
	ai.Status = database.AIStatusCompleted
	ai.Transcript = result.Transcript
	ai.Sentiment = result.Sentiment
	ai.RetryCount = attempt
	ai.CompletedAt = &now
	ai.ErrorMessage = ""
	if err := tx.UpdateAIResult(ctx, *ai); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("update ai result failed")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("commit success finalize failed")
		return
	}

	p.log.Info().Str("call_id", callID).Msg("transcription completed")
	metrics.CallsCompletedTotal.Inc()
	p.notify.Publish(notifier.Event{
		Type:       "call_update",
		CallID:     callID,
		State:      string(statemachine.Completed),
		Transcript: result.Transcript,
		Sentiment:  result.Sentiment,
	})
}

func (p *Processor) finalizeFailure(ctx context.Context, callID string, attempt int, cause error) {
	now := p.now()
	tx, err := p.store.Begin(ctx)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("begin tx for failure finalize failed")
		return
	}
	defer tx.Rollback(ctx)

	call, err := tx.GetCallForUpdate(ctx, callID)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("load call for failure finalize failed")
		return
	}
	if err := statemachine.Transition(statemachine.State(call.State), statemachine.Failed); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("unexpected transition error")
		return
	}
	if err := tx.UpdateCallState(ctx, callID, string(statemachine.Failed), now); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("update call state failed")
		return
	}

	ai, err := tx.GetAIResultForUpdate(ctx, callID)
	if err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("load ai result for failure finalize failed")
		return
	}
	ai.Status = database.AIStatusFailed
	ai.RetryCount = attempt
	ai.ErrorMessage = cause.Error()
	if err := tx.UpdateAIResult(ctx, *ai); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("update ai result failed")
		return
	}

	if err := tx.Commit(ctx); err != nil {
		p.log.Error().Err(err).Str("call_id", callID).Msg("commit failure finalize failed")
		return
	}

	p.log.Warn().Str("call_id", callID).Err(cause).Msg("transcription retries exhausted")
	metrics.CallsFailedTotal.Inc()
	p.notify.Publish(notifier.Event{
		Type:   "call_update",
		CallID: callID,
		State:  string(statemachine.Failed),
		Error:  cause.Error(),
	})
}
