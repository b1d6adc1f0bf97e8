package recovery

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// NudgeWatcher watches a directory for operator-dropped "<call_id>.nudge"
// sentinel files and re-fires the Processor for the named call. The
// trigger passes through the idempotence guard like any other, so it
// starts a new run for a call in IN_PROGRESS or FAILED and does nothing for
// a call still in PROCESSING_AI (that case is left to the Sweeper).
type NudgeWatcher struct {
	dir     string
	trigger Trigger
	log     zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewNudgeWatcher creates (but does not start) a watcher over dir.
func NewNudgeWatcher(dir string, trigger Trigger, log zerolog.Logger) (*NudgeWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return &NudgeWatcher{
		dir:     dir,
		trigger: trigger,
		log:     log.With().Str("component", "recovery.nudge").Str("dir", dir).Logger(),
		watcher: w,
	}, nil
}

// Run blocks, dispatching nudges, until the ctx-derived done channel closes
// or the watcher is closed. Callers should run this in its own goroutine
// and call Close on shutdown.
func (n *NudgeWatcher) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case event, ok := <-n.watcher.Events:
			if !ok {
				return
			}
			n.handle(event)
		case err, ok := <-n.watcher.Errors:
			if !ok {
				return
			}
			n.log.Error().Err(err).Msg("nudge watcher error")
		}
	}
}

func (n *NudgeWatcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	name := filepath.Base(event.Name)
	callID, ok := strings.CutSuffix(name, ".nudge")
	if !ok || callID == "" {
		return
	}
	n.log.Info().Str("call_id", callID).Msg("operator nudge received")
	n.trigger.Trigger(context.Background(), callID)
}

// Close releases the underlying inotify/kqueue handle.
func (n *NudgeWatcher) Close() error {
	return n.watcher.Close()
}
