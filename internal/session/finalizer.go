package session

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/pipeline"
	"github.com/stenoworks/steno/internal/queue"
)

// Finalizer handles finalize queue jobs: it delivers the completion notice
// to the session's chat binding and kicks reconciliation so the finalize
// scan picks the session up promptly. It never flips IsFinalized itself;
// that stays with the reconciliation loop.
type Finalizer struct {
	notifier pipeline.Notifier
	kick     func()
	emitter  pipeline.Emitter
	out      io.Writer
}

// FinalizerOpts holds parameters for creating a Finalizer.
type FinalizerOpts struct {
	Notifier pipeline.Notifier // optional; delivery is skipped without it
	Kick     func()            // optional reconcile kick
	Emitter  pipeline.Emitter  // optional
	Out      io.Writer         // defaults to os.Stdout
}

// NewFinalizer creates a Finalizer.
func NewFinalizer(opts FinalizerOpts) *Finalizer {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Finalizer{
		notifier: opts.Notifier,
		kick:     opts.Kick,
		emitter:  opts.Emitter,
		out:      opts.Out,
	}
}

// Handler returns the finalize queue handler binding. Delivery failures
// propagate to the worker runtime for backoff; malformed payloads are
// dropped.
func (f *Finalizer) Handler() queue.Handler {
	return func(ctx context.Context, job *models.Job) error {
		var payload DonePayload
		if err := queue.Unmarshal(job, &payload); err != nil {
			fmt.Fprintf(f.out, "session: drop malformed finalize job %s: %v\n", job.ID, err)
			return nil
		}

		if f.notifier != nil && payload.ChatID != "" {
			if err := f.notifier.Notify(ctx, payload.ChatID, payload.NotifyPreview); err != nil {
				return fmt.Errorf("session: deliver completion notice for %s: %w",
					payload.SessionID, err)
			}
		} else {
			fmt.Fprintf(f.out, "session: no chat binding for %s, completion notice skipped\n",
				payload.SessionID)
		}

		if f.kick != nil {
			f.kick()
		}
		if f.emitter != nil {
			f.emitter.Emit(payload.SessionID, "session_status", map[string]interface{}{
				"event":          "completion_notified",
				"already_closed": payload.AlreadyClosed,
			})
		}
		return nil
	}
}
