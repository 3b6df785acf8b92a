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

// TasksPayload is the create_tasks queue message body.
type TasksPayload struct {
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
}

// Categorize assigns a category to one message. When the last message of a
// session is categorized, the session is marked messages-processed and the
// task-extraction stage is enqueued. Ordering between concurrent messages is
// irrelevant: aggregation only needs all of them done.
func (p *Pipeline) Categorize(ctx context.Context, payload CategorizePayload) (Result, error) {
	msg, found, err := p.loadMessage(payload.MessageID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Code: CodeNotFound}, nil
	}

	if msg.IsCategorized {
		return Result{Code: CodeOK, Reason: "already_categorized"}, nil
	}

	text := msg.Transcript
	if text == "" {
		text = msg.Text
	}

	if text == "" {
		// Nothing to classify: processed-with-skip keeps the session moving.
		if err := p.finishCategorization(msg, "uncategorized"); err != nil {
			return Result{}, err
		}
		if err := p.maybeAdvanceToTasks(msg.SessionID); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeSkipped, Reason: "no_content"}, nil
	}

	if p.gen == nil {
		if err := p.persistCategorizeTerminal(msg, ReasonConfig, "generation client not configured"); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeTerminal, Reason: ReasonConfig}, nil
	}

	category, cerr := p.gen.Categorize(ctx, text)
	if cerr != nil {
		return p.handleCategorizeFailure(msg, cerr)
	}

	if err := p.finishCategorization(msg, category); err != nil {
		return Result{}, err
	}
	if err := p.maybeAdvanceToTasks(msg.SessionID); err != nil {
		return Result{}, err
	}
	return Result{Code: CodeOK}, nil
}

// finishCategorization persists the category and clears retry bookkeeping.
func (p *Pipeline) finishCategorization(msg *models.Message, category string) error {
	update := map[string]interface{}{
		"is_categorized":     true,
		"category":           category,
		"next_categorize_at": nil,
		"categorize_reason":  "",
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(update).Error; err != nil {
		return fmt.Errorf("pipeline: persist category %s: %w", msg.ID, err)
	}
	msg.IsCategorized = true
	msg.Category = category

	p.emit(msg.SessionID, "message_update", map[string]interface{}{
		"message_id":     msg.ID,
		"stage":          models.StageCategorization,
		"is_categorized": true,
		"category":       category,
	})
	return nil
}

// handleCategorizeFailure mirrors the transcription failure classification
// for the categorization stage.
func (p *Pipeline) handleCategorizeFailure(msg *models.Message, cause error) (Result, error) {
	if fault.Is(cause, fault.TerminalConfig) {
		if err := p.persistCategorizeTerminal(msg, ReasonConfig, cause.Error()); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeTerminal, Reason: ReasonConfig}, nil
	}
	if !generation.IsQuota(cause) {
		return Result{}, fmt.Errorf("pipeline: categorize %s: %w", msg.ID, cause)
	}

	attempts := msg.CategorizeAttempts + 1
	if attempts > p.maxAttempts {
		if err := p.persistCategorizeTerminal(msg, ReasonMaxAttempts, cause.Error()); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeTerminal, Reason: ReasonMaxAttempts}, nil
	}

	next := time.Now().Add(queue.Backoff(p.retryBase, p.retryCeiling, attempts))
	update := map[string]interface{}{
		"categorize_attempts": attempts,
		"next_categorize_at":  next,
		"categorize_reason":   ReasonQuota,
		"last_error":          cause.Error(),
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(update).Error; err != nil {
		return Result{}, fmt.Errorf("pipeline: persist categorize retry %s: %w", msg.ID, err)
	}

	p.emit(msg.SessionID, "message_update", map[string]interface{}{
		"message_id":   msg.ID,
		"stage":        models.StageCategorization,
		"retry_reason": ReasonQuota,
		"attempts":     attempts,
	})
	return Result{Code: CodeRetrying, Reason: ReasonQuota}, nil
}

// persistCategorizeTerminal records a terminal categorization failure.
func (p *Pipeline) persistCategorizeTerminal(msg *models.Message, reason, detail string) error {
	update := map[string]interface{}{
		"categorize_reason":  reason,
		"last_error":         detail,
		"next_categorize_at": nil,
	}
	if reason == ReasonMaxAttempts {
		update["categorize_attempts"] = msg.CategorizeAttempts + 1
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(update).Error; err != nil {
		return fmt.Errorf("pipeline: persist categorize terminal %s: %w", msg.ID, err)
	}
	p.emit(msg.SessionID, "message_update", map[string]interface{}{
		"message_id": msg.ID,
		"stage":      models.StageCategorization,
		"error":      reason,
	})
	return nil
}

// maybeAdvanceToTasks checks whether every message in the session has been
// categorized and, if so, flips the aggregate flags and enqueues the
// session-level task-extraction stage.
func (p *Pipeline) maybeAdvanceToTasks(sessionID string) error {
	var pending int64
	if err := p.db.Model(&models.Message{}).
		Where("session_id = ? AND is_categorized = ?", sessionID, false).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("pipeline: count pending categorizations: %w", err)
	}
	if pending > 0 {
		return nil
	}

	sess, found, err := p.loadSession(sessionID)
	if err != nil || !found {
		return err
	}

	if !sess.IsMessagesProcessed {
		if err := p.db.Model(&models.Session{}).Where("id = ?", sessionID).
			Update("is_messages_processed", true).Error; err != nil {
			return fmt.Errorf("pipeline: mark messages processed %s: %w", sessionID, err)
		}
		sess.IsMessagesProcessed = true
	}
	if !sess.StageMap()[models.StageCategorization].IsFinished {
		if err := p.finishStage(sess, models.StageCategorization, false, ""); err != nil {
			return err
		}
	}

	payload := TasksPayload{SessionID: sessionID, JobID: uuid.NewString()}
	key := queue.SessionStageKey(sessionID, queue.Tasks)
	if err := p.enqueue(queue.Tasks, payload, key); err != nil {
		return fmt.Errorf("pipeline: enqueue tasks for %s: %w", sessionID, err)
	}
	return nil
}
