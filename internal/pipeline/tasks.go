package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stenoworks/steno/internal/fault"
	"github.com/stenoworks/steno/internal/generation"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/queue"
)

// NotifyPayload is the notify queue message body.
type NotifyPayload struct {
	SessionID string                 `json:"session_id"`
	Event     string                 `json:"event"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// reviewDelay is how far in the future extracted tasks are scheduled for a
// deferred review pass.
const reviewDelay = 24 * time.Hour

// CreateTasks extracts action items from a session's categorized messages
// and schedules them for deferred review. Runs once per session; the dedup
// key and the finished-stage check make redeliveries no-ops.
func (p *Pipeline) CreateTasks(ctx context.Context, payload TasksPayload) (Result, error) {
	sess, found, err := p.loadSession(payload.SessionID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Code: CodeNotFound}, nil
	}

	if sess.StageMap()[models.StageTasks].IsFinished {
		return Result{Code: CodeOK, Reason: "already_extracted"}, nil
	}

	var messages []models.Message
	if err := p.db.Where("session_id = ? AND is_categorized = ?", sess.ID, true).
		Order("created_at ASC").Find(&messages).Error; err != nil {
		return Result{}, fmt.Errorf("pipeline: load categorized messages %s: %w", sess.ID, err)
	}

	var texts []string
	for _, m := range messages {
		if m.Transcript != "" {
			texts = append(texts, m.Transcript)
		} else if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}

	if len(texts) == 0 {
		if err := p.finishStage(sess, models.StageTasks, true, "no_content"); err != nil {
			return Result{}, err
		}
		if err := p.enqueueNotify(sess.ID, "session_processed"); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeSkipped, Reason: "no_content"}, nil
	}

	if p.gen == nil {
		if err := p.persistStageError(sess, models.StageTasks, ReasonConfig); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeTerminal, Reason: ReasonConfig}, nil
	}

	tasks, terr := p.gen.ExtractTasks(ctx, texts)
	if terr != nil {
		if fault.Is(terr, fault.TerminalConfig) {
			if err := p.persistStageError(sess, models.StageTasks, ReasonConfig); err != nil {
				return Result{}, err
			}
			return Result{Code: CodeTerminal, Reason: ReasonConfig}, nil
		}
		if generation.IsQuota(terr) {
			// Session-level stages ride the queue's own backoff: persist the
			// reason and hand the failure to the worker runtime.
			if err := p.persistStageError(sess, models.StageTasks, ReasonQuota); err != nil {
				return Result{}, err
			}
			return Result{Code: CodeRetrying, Reason: ReasonQuota},
				fault.Wrap(fault.RetryableUpstream, ReasonQuota, terr)
		}
		return Result{}, fmt.Errorf("pipeline: extract tasks %s: %w", sess.ID, terr)
	}

	now := time.Now()
	for _, task := range tasks {
		review := models.DeferredReview{
			ID:        uuid.NewString(),
			SessionID: sess.ID,
			TaskID:    uuid.NewString(),
			Runtime:   p.sc.Tag(),
			Status:    models.ReviewPending,
			DueAt:     now.Add(reviewDelay),
		}
		if err := p.db.Create(&review).Error; err != nil {
			return Result{}, fmt.Errorf("pipeline: create deferred review: %w", err)
		}
		p.emit(sess.ID, "message_update", map[string]interface{}{
			"stage": models.StageTasks,
			"task":  task,
		})
	}

	if err := p.finishStage(sess, models.StageTasks, false, ""); err != nil {
		return Result{}, err
	}
	if err := p.enqueueNotify(sess.ID, "session_processed"); err != nil {
		return Result{}, err
	}
	return Result{Code: CodeOK}, nil
}

// persistStageError records a stage failure on the session's status map.
func (p *Pipeline) persistStageError(sess *models.Session, stage, reason string) error {
	st := sess.StageMap()[stage]
	st.IsProcessing = false
	st.Error = reason
	st.Reason = reason
	return p.setSessionStage(sess, stage, st)
}

// enqueueNotify schedules the notification stage for a session.
func (p *Pipeline) enqueueNotify(sessionID, event string) error {
	payload := NotifyPayload{SessionID: sessionID, Event: event}
	key := queue.SessionStageKey(sessionID, queue.Notify)
	if err := p.enqueue(queue.Notify, payload, key); err != nil {
		return fmt.Errorf("pipeline: enqueue notify for %s: %w", sessionID, err)
	}
	return nil
}
