// Package pipeline implements the per-stage job handlers that drive a
// session from raw inbound messages to a finalizable state. All handlers
// obey one contract: load the unit of work under the runtime filter, treat
// absence as a reported not_found rather than a thrown failure, mark unmet
// preconditions processed-with-skip so downstream stages keep progressing,
// retry quota-shaped upstream failures with capped exponential backoff, and
// persist terminal configuration failures without retrying.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/stenoworks/steno/internal/generation"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/scope"
	"gorm.io/gorm"
)

// Result codes for stage handlers.
const (
	CodeOK       = "ok"
	CodeSkipped  = "skipped"
	CodeNotFound = "not_found"
	CodeRetrying = "retrying"
	CodeTerminal = "terminal"
)

// Retry reason codes persisted on work items.
const (
	ReasonQuota       = "insufficient_quota"
	ReasonMaxAttempts = "max_attempts_exceeded"
	ReasonConfig      = "terminal_config"
)

// Transcription methods.
const (
	MethodVoice        = "voice"
	MethodTextFallback = "text_fallback"
	MethodSkipped      = "skipped"
)

// Result is the non-throwing outcome of one stage handler invocation.
type Result struct {
	Code   string
	Reason string
}

// Emitter delivers session-scoped progress events to realtime subscribers.
type Emitter interface {
	Emit(sessionID, event string, payload map[string]interface{})
}

// Notifier sends a text message to a chat binding. The transport adapters
// satisfy this.
type Notifier interface {
	Notify(ctx context.Context, chatID, text string) error
}

// Enqueuer inserts the next-stage job. The queue package satisfies this via
// EnqueueFunc; tests substitute a recorder.
type Enqueuer func(queueName string, payload interface{}, dedupKey string) error

// Opts holds parameters for creating a Pipeline.
type Opts struct {
	DB           *gorm.DB
	Scope        scope.Scope
	Generation   generation.Client
	Emitter      Emitter  // optional
	Notifier     Notifier // optional; notify stage skips without it
	Enqueue      Enqueuer
	RetryBase    time.Duration // defaults to 30s
	RetryCeiling time.Duration // defaults to 1h
	MaxAttempts  int           // defaults to 8
	Out          io.Writer     // defaults to os.Stdout
}

// Pipeline hosts the stage handlers.
type Pipeline struct {
	db           *gorm.DB
	sc           scope.Scope
	gen          generation.Client
	emitter      Emitter
	notifier     Notifier
	enqueue      Enqueuer
	retryBase    time.Duration
	retryCeiling time.Duration
	maxAttempts  int
	out          io.Writer
}

// New creates a Pipeline.
func New(opts Opts) (*Pipeline, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("pipeline: db is required")
	}
	if opts.Enqueue == nil {
		return nil, fmt.Errorf("pipeline: enqueue is required")
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = 30 * time.Second
	}
	if opts.RetryCeiling <= 0 {
		opts.RetryCeiling = time.Hour
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 8
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Pipeline{
		db:           opts.DB,
		sc:           opts.Scope,
		gen:          opts.Generation,
		emitter:      opts.Emitter,
		notifier:     opts.Notifier,
		enqueue:      opts.Enqueue,
		retryBase:    opts.RetryBase,
		retryCeiling: opts.RetryCeiling,
		maxAttempts:  opts.MaxAttempts,
		out:          opts.Out,
	}, nil
}

// emit publishes a realtime event if an emitter is configured.
func (p *Pipeline) emit(sessionID, event string, payload map[string]interface{}) {
	if p.emitter != nil {
		p.emitter.Emit(sessionID, event, payload)
	}
}

// loadMessage fetches one message under the runtime filter.
func (p *Pipeline) loadMessage(id string) (*models.Message, bool, error) {
	var msg models.Message
	result := p.db.Scopes(p.sc.Where(scope.FamilyWithLegacy)).
		Where("id = ?", id).Limit(1).Find(&msg)
	if result.Error != nil {
		return nil, false, fmt.Errorf("pipeline: load message %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return &msg, true, nil
}

// loadSession fetches one non-deleted session under the runtime filter.
func (p *Pipeline) loadSession(id string) (*models.Session, bool, error) {
	var sess models.Session
	result := p.db.Scopes(p.sc.Where(scope.FamilyWithLegacy)).
		Where("id = ? AND is_deleted = ?", id, false).Limit(1).Find(&sess)
	if result.Error != nil {
		return nil, false, fmt.Errorf("pipeline: load session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return &sess, true, nil
}

// setSessionStage updates one stage entry on a session row and emits a
// status event.
func (p *Pipeline) setSessionStage(sess *models.Session, stage string, st models.StageStatus) error {
	sess.SetStage(stage, st)
	if err := p.db.Model(&models.Session{}).Where("id = ?", sess.ID).
		Update("stages", sess.Stages).Error; err != nil {
		return fmt.Errorf("pipeline: update session %s stage %s: %w", sess.ID, stage, err)
	}
	p.emit(sess.ID, "session_status", map[string]interface{}{
		"stage":        stage,
		"is_processed": st.IsProcessed,
		"is_finished":  st.IsFinished,
		"error":        st.Error,
	})
	return nil
}

// finishStage marks a stage finished on a session.
func (p *Pipeline) finishStage(sess *models.Session, stage string, skipped bool, reason string) error {
	now := time.Now()
	return p.setSessionStage(sess, stage, models.StageStatus{
		IsProcessed: true,
		IsFinished:  true,
		Skipped:     skipped,
		Reason:      reason,
		FinishedAt:  &now,
	})
}
