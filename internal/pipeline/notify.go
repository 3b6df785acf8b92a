package pipeline

import (
	"context"
	"fmt"

	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/scope"
)

// ReviewPayload is the deferred_review queue message body.
type ReviewPayload struct {
	TaskID string `json:"task_id"`
}

// Notify delivers a processing summary to the session's chat binding and
// finishes the notification stage. A deployment without a usable transport
// degrades to processed-with-skip instead of crashing or deadlocking.
func (p *Pipeline) Notify(ctx context.Context, payload NotifyPayload) (Result, error) {
	sess, found, err := p.loadSession(payload.SessionID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Code: CodeNotFound}, nil
	}

	if sess.StageMap()[models.StageNotification].IsFinished {
		return Result{Code: CodeOK, Reason: "already_notified"}, nil
	}

	if p.notifier == nil || sess.ChatID == "" {
		if err := p.finishStage(sess, models.StageNotification, true, "no_chat_binding"); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeSkipped, Reason: "no_chat_binding"}, nil
	}

	text := p.buildSummary(sess, payload.Event)
	if err := p.notifier.Notify(ctx, sess.ChatID, text); err != nil {
		return Result{}, fmt.Errorf("pipeline: notify %s: %w", sess.ID, err)
	}

	if err := p.finishStage(sess, models.StageNotification, false, ""); err != nil {
		return Result{}, err
	}
	return Result{Code: CodeOK}, nil
}

// buildSummary renders the short human-readable status string sent to chat.
// Internal error codes never appear here; they stay in audit records.
func (p *Pipeline) buildSummary(sess *models.Session, event string) string {
	var msgCount, taskCount int64
	p.db.Model(&models.Message{}).Where("session_id = ?", sess.ID).Count(&msgCount)
	p.db.Model(&models.DeferredReview{}).Where("session_id = ?", sess.ID).Count(&taskCount)

	switch event {
	case "session_processed":
		return fmt.Sprintf("Session processed: %d message(s), %d task(s) extracted.", msgCount, taskCount)
	default:
		return fmt.Sprintf("Session update (%s): %d message(s).", event, msgCount)
	}
}

// Review handles a due deferred-review work item: it surfaces the task to
// subscribers and marks the review done.
func (p *Pipeline) Review(ctx context.Context, payload ReviewPayload) (Result, error) {
	var review models.DeferredReview
	result := p.db.Scopes(p.sc.Where(scope.FamilyWithLegacy)).
		Where("task_id = ?", payload.TaskID).Limit(1).Find(&review)
	if result.Error != nil {
		return Result{}, fmt.Errorf("pipeline: load review %s: %w", payload.TaskID, result.Error)
	}
	if result.RowsAffected == 0 {
		return Result{Code: CodeNotFound}, nil
	}

	if review.Status == models.ReviewDone {
		return Result{Code: CodeOK, Reason: "already_reviewed"}, nil
	}

	if err := p.db.Model(&models.DeferredReview{}).Where("id = ?", review.ID).
		Update("status", models.ReviewDone).Error; err != nil {
		return Result{}, fmt.Errorf("pipeline: finish review %s: %w", review.ID, err)
	}

	p.emit(review.SessionID, "session_status", map[string]interface{}{
		"event":   "review_due",
		"task_id": review.TaskID,
	})
	return Result{Code: CodeOK}, nil
}
