// Package reconcile implements the periodic repair loop. Independent bounded
// scans requeue stalled transcriptions, requeue stalled categorizations,
// finalize completed sessions and surface due deferred reviews. A failure in
// one scan never blocks the others.
package reconcile

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stenoworks/steno/internal/fault"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/pipeline"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/scope"
	"gorm.io/gorm"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Result reports what one reconciliation pass did.
type Result struct {
	TranscribeRequeued int
	CategorizeRequeued int
	Finalized          int
	ReviewsPending     int
	ReviewsEnqueued    int
	Errors             []error
}

// Sweeper runs the reconciliation scans.
type Sweeper struct {
	db            *gorm.DB
	sc            scope.Scope
	enqueue       pipeline.Enqueuer
	emitter       pipeline.Emitter
	maxAttempts   int
	requeueLimit  int
	finalizeLimit int
	reviewLimit   int
	cronExpr      string
	kick          chan struct{}
	out           io.Writer
}

// SweeperOpts holds parameters for creating a Sweeper.
type SweeperOpts struct {
	DB            *gorm.DB
	Scope         scope.Scope
	Enqueue       pipeline.Enqueuer // nil makes review enqueueing unavailable
	Emitter       pipeline.Emitter  // optional
	MaxAttempts   int               // defaults to 8
	RequeueLimit  int               // per-pass cap for scan (a), defaults to 50
	FinalizeLimit int               // per-pass cap for scan (b), defaults to 50
	ReviewLimit   int               // per-pass cap for scan (c), defaults to 50
	CronExpr      string            // defaults to "*/5 * * * *"
	Out           io.Writer         // defaults to os.Stdout
}

// NewSweeper creates a Sweeper.
func NewSweeper(opts SweeperOpts) (*Sweeper, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("reconcile: db is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.RequeueLimit <= 0 {
		opts.RequeueLimit = 50
	}
	if opts.FinalizeLimit <= 0 {
		opts.FinalizeLimit = 50
	}
	if opts.ReviewLimit <= 0 {
		opts.ReviewLimit = 50
	}
	if opts.CronExpr == "" {
		opts.CronExpr = "*/5 * * * *"
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if _, err := cronParser.Parse(opts.CronExpr); err != nil {
		return nil, fmt.Errorf("reconcile: parse cron expression %q: %w", opts.CronExpr, err)
	}
	return &Sweeper{
		db:            opts.DB,
		sc:            opts.Scope,
		enqueue:       opts.Enqueue,
		emitter:       opts.Emitter,
		maxAttempts:   opts.MaxAttempts,
		requeueLimit:  opts.RequeueLimit,
		finalizeLimit: opts.FinalizeLimit,
		reviewLimit:   opts.ReviewLimit,
		cronExpr:      opts.CronExpr,
		kick:          make(chan struct{}, 1),
		out:           opts.Out,
	}, nil
}

// Kick requests an immediate reconciliation pass from the scheduler loop.
// Non-blocking; a pass already requested absorbs further kicks.
func (s *Sweeper) Kick() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run executes reconciliation passes on the cron schedule until the context
// is cancelled. Kick() forces an immediate pass.
func (s *Sweeper) Run(ctx context.Context) error {
	sched, err := cronParser.Parse(s.cronExpr)
	if err != nil {
		return fmt.Errorf("reconcile: parse cron expression %q: %w", s.cronExpr, err)
	}

	for {
		wait := time.Until(sched.Next(time.Now()))
		if wait < 0 {
			wait = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.kick:
		case <-time.After(wait):
		}

		res := s.Sweep(ctx)
		s.report(res)
	}
}

// Sweep runs the scans once and returns their combined result. Each scan
// runs regardless of the others failing.
func (s *Sweeper) Sweep(ctx context.Context) Result {
	var res Result

	if err := s.requeueTranscriptions(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}
	if err := s.requeueCategorizations(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}
	if err := s.finalizeSessions(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}
	if err := s.enqueueDueReviews(ctx, &res); err != nil {
		res.Errors = append(res.Errors, err)
	}

	return res
}

// requeueTranscriptions re-enqueues messages whose transcription retry is
// due. The session's coarse processed flag is deliberately ignored: it may be
// stale while individual messages still need work.
func (s *Sweeper) requeueTranscriptions(ctx context.Context, res *Result) error {
	var stalled []models.Message
	err := s.db.Scopes(s.sc.Where(scope.FamilyWithLegacy)).
		Where("to_transcribe = ? AND is_transcribed = ?", true, false).
		Where("next_attempt_at IS NOT NULL AND next_attempt_at <= ?", time.Now()).
		Where("attempts < ?", s.maxAttempts).
		Order("next_attempt_at ASC").
		Limit(s.requeueLimit).
		Find(&stalled).Error
	if err != nil {
		return fmt.Errorf("reconcile: scan stalled transcriptions: %w", err)
	}

	for _, msg := range stalled {
		key := queue.UnitStageKey(msg.SessionID, msg.ID, queue.Transcribe)
		payload := pipeline.TranscribePayload{MessageID: msg.ID}
		if err := s.enqueueJob(queue.Transcribe, payload, key); err != nil {
			return err
		}
		res.TranscribeRequeued++
	}
	return nil
}

// requeueCategorizations re-enqueues transcribed messages whose
// categorization retry is due.
func (s *Sweeper) requeueCategorizations(ctx context.Context, res *Result) error {
	var uncategorized []models.Message
	err := s.db.Scopes(s.sc.Where(scope.FamilyWithLegacy)).
		Where("is_transcribed = ? AND is_categorized = ?", true, false).
		Where("next_categorize_at IS NOT NULL AND next_categorize_at <= ?", time.Now()).
		Where("categorize_attempts < ?", s.maxAttempts).
		Order("next_categorize_at ASC").
		Limit(s.requeueLimit).
		Find(&uncategorized).Error
	if err != nil {
		return fmt.Errorf("reconcile: scan stalled categorizations: %w", err)
	}

	for _, msg := range uncategorized {
		key := queue.UnitStageKey(msg.SessionID, msg.ID, queue.Categorize)
		payload := pipeline.CategorizePayload{MessageID: msg.ID, SessionID: msg.SessionID}
		if err := s.enqueueJob(queue.Categorize, payload, key); err != nil {
			return err
		}
		res.CategorizeRequeued++
	}
	return nil
}

// finalizeSessions flips completed, done-marked sessions to finalized.
// Stage completion lives in a JSON column, so candidates are narrowed in SQL
// and checked in Go.
func (s *Sweeper) finalizeSessions(ctx context.Context, res *Result) error {
	var candidates []models.Session
	err := s.db.Scopes(s.sc.Where(scope.FamilyWithLegacy)).
		Where("to_finalize = ? AND is_finalized = ? AND is_deleted = ?", true, false, false).
		Order("updated_at DESC").
		Limit(s.finalizeLimit).
		Find(&candidates).Error
	if err != nil {
		return fmt.Errorf("reconcile: scan finalizable sessions: %w", err)
	}

	for _, sess := range candidates {
		if !sess.StagesFinished() {
			continue
		}
		update := map[string]interface{}{
			"is_finalized": true,
			"to_finalize":  false,
		}
		if err := s.db.Model(&models.Session{}).Where("id = ?", sess.ID).
			Updates(update).Error; err != nil {
			return fmt.Errorf("reconcile: finalize session %s: %w", sess.ID, err)
		}
		res.Finalized++
		if s.emitter != nil {
			s.emitter.Emit(sess.ID, "session_status", map[string]interface{}{
				"event":        "finalized",
				"is_finalized": true,
			})
		}
	}
	return nil
}

// enqueueDueReviews pushes due deferred reviews onto the review queue. The
// pending count is reported even when the queue is unavailable so the gap is
// visible to operators.
func (s *Sweeper) enqueueDueReviews(ctx context.Context, res *Result) error {
	var due []models.DeferredReview
	err := s.db.Scopes(s.sc.Where(scope.FamilyWithLegacy)).
		Where("status = ? AND due_at <= ?", models.ReviewPending, time.Now()).
		Order("due_at ASC").
		Limit(s.reviewLimit).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("reconcile: scan due reviews: %w", err)
	}
	res.ReviewsPending = len(due)

	if len(due) == 0 {
		return nil
	}
	if s.enqueue == nil {
		return fault.New(fault.TransportUnavailable,
			fmt.Sprintf("review queue unavailable, %d due reviews waiting", len(due)))
	}

	for _, review := range due {
		key := queue.UnitStageKey(review.SessionID, review.TaskID, queue.Review)
		payload := pipeline.ReviewPayload{TaskID: review.TaskID}
		if err := s.enqueueJob(queue.Review, payload, key); err != nil {
			return err
		}
		if err := s.db.Model(&models.DeferredReview{}).Where("id = ?", review.ID).
			Update("status", models.ReviewEnqueued).Error; err != nil {
			return fmt.Errorf("reconcile: mark review %s enqueued: %w", review.ID, err)
		}
		res.ReviewsEnqueued++
	}
	return nil
}

// enqueueJob wraps the injected enqueuer with an unavailability check.
func (s *Sweeper) enqueueJob(queueName string, payload interface{}, key string) error {
	if s.enqueue == nil {
		return fault.New(fault.TransportUnavailable, queueName+" queue unavailable")
	}
	if err := s.enqueue(queueName, payload, key); err != nil {
		return fmt.Errorf("reconcile: enqueue %s: %w", queueName, err)
	}
	return nil
}

// report logs one pass summary.
func (s *Sweeper) report(res Result) {
	fmt.Fprintf(s.out,
		"reconcile: transcribe=%d categorize=%d finalized=%d reviews=%d/%d errors=%d\n",
		res.TranscribeRequeued, res.CategorizeRequeued, res.Finalized,
		res.ReviewsEnqueued, res.ReviewsPending, len(res.Errors))
	for _, err := range res.Errors {
		fmt.Fprintf(s.out, "reconcile: %v\n", err)
	}
}
