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

// TranscribePayload is the transcribe queue message body.
type TranscribePayload struct {
	MessageID string `json:"message_id"`
}

// CategorizePayload is the categorize queue message body.
type CategorizePayload struct {
	MessageID string `json:"message_id"`
	SessionID string `json:"session_id"`
	JobID     string `json:"job_id"`
}

// Transcribe converts a message's voice content to text. Messages without a
// voice file fall back to their text body (method=text_fallback); messages
// with neither are marked processed-with-skip so categorization still runs.
func (p *Pipeline) Transcribe(ctx context.Context, payload TranscribePayload) (Result, error) {
	msg, found, err := p.loadMessage(payload.MessageID)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Code: CodeNotFound}, nil
	}

	// Re-delivery of already-finished work is a no-op on persisted output.
	if msg.IsTranscribed {
		return Result{Code: CodeOK, Reason: "already_transcribed"}, nil
	}

	switch {
	case msg.VoicePath == "" && msg.Text != "":
		// Text-only message: nothing to transcribe, the text already is
		// the transcript.
		if err := p.finishTranscription(msg, msg.Text, MethodTextFallback); err != nil {
			return Result{}, err
		}

	case msg.VoicePath == "" && msg.Text == "":
		// No transcribable content at all: processed-with-skip so the
		// categorization stage does not deadlock waiting on this message.
		if err := p.finishTranscription(msg, "", MethodSkipped); err != nil {
			return Result{}, err
		}
		if err := p.enqueueCategorize(msg); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeSkipped, Reason: "no_transcribable_content"}, nil

	default:
		if p.gen == nil {
			if err := p.persistMessageTerminal(msg, ReasonConfig, "generation client not configured"); err != nil {
				return Result{}, err
			}
			return Result{Code: CodeTerminal, Reason: ReasonConfig}, nil
		}
		text, terr := p.gen.Transcribe(ctx, msg.VoicePath)
		if terr != nil {
			return p.handleTranscribeFailure(msg, terr)
		}
		if err := p.finishTranscription(msg, text, MethodVoice); err != nil {
			return Result{}, err
		}
	}

	if err := p.enqueueCategorize(msg); err != nil {
		return Result{}, err
	}
	return Result{Code: CodeOK}, nil
}

// finishTranscription persists a successful (or skipped) transcription and
// clears retry bookkeeping. Attempt counters are kept: they only ever grow.
func (p *Pipeline) finishTranscription(msg *models.Message, transcript, method string) error {
	update := map[string]interface{}{
		"is_transcribed":    true,
		"transcribe_method": method,
		"transcript":        transcript,
		"next_attempt_at":   nil,
		"retry_reason":      "",
		"last_error":        "",
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(update).Error; err != nil {
		return fmt.Errorf("pipeline: persist transcription %s: %w", msg.ID, err)
	}
	msg.IsTranscribed = true
	msg.TranscribeMethod = method
	msg.Transcript = transcript

	p.emit(msg.SessionID, "message_update", map[string]interface{}{
		"message_id":     msg.ID,
		"stage":          models.StageTranscription,
		"is_transcribed": true,
		"method":         method,
	})

	return p.refreshTranscriptionStage(msg.SessionID)
}

// refreshTranscriptionStage marks the session transcription stage finished
// once every message in the session is transcribed.
func (p *Pipeline) refreshTranscriptionStage(sessionID string) error {
	var pending int64
	if err := p.db.Model(&models.Message{}).
		Where("session_id = ? AND is_transcribed = ?", sessionID, false).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("pipeline: count pending transcriptions: %w", err)
	}
	if pending > 0 {
		return nil
	}
	sess, found, err := p.loadSession(sessionID)
	if err != nil || !found {
		return err
	}
	if sess.StageMap()[models.StageTranscription].IsFinished {
		return nil
	}
	return p.finishStage(sess, models.StageTranscription, false, "")
}

// handleTranscribeFailure classifies a generation failure. Quota-shaped
// errors schedule a capped-backoff retry on the message row itself; anything
// else is unexpected and propagates to the worker runtime.
func (p *Pipeline) handleTranscribeFailure(msg *models.Message, cause error) (Result, error) {
	if fault.Is(cause, fault.TerminalConfig) {
		if err := p.persistMessageTerminal(msg, ReasonConfig, cause.Error()); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeTerminal, Reason: ReasonConfig}, nil
	}
	if !generation.IsQuota(cause) {
		return Result{}, fmt.Errorf("pipeline: transcribe %s: %w", msg.ID, cause)
	}

	attempts := msg.Attempts + 1
	if attempts > p.maxAttempts {
		if err := p.persistMessageTerminal(msg, ReasonMaxAttempts, cause.Error()); err != nil {
			return Result{}, err
		}
		return Result{Code: CodeTerminal, Reason: ReasonMaxAttempts}, nil
	}

	next := time.Now().Add(queue.Backoff(p.retryBase, p.retryCeiling, attempts))
	update := map[string]interface{}{
		"attempts":        attempts,
		"next_attempt_at": next,
		"retry_reason":    ReasonQuota,
		"last_error":      cause.Error(),
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(update).Error; err != nil {
		return Result{}, fmt.Errorf("pipeline: persist retry state %s: %w", msg.ID, err)
	}

	p.emit(msg.SessionID, "message_update", map[string]interface{}{
		"message_id":   msg.ID,
		"stage":        models.StageTranscription,
		"retry_reason": ReasonQuota,
		"attempts":     attempts,
	})
	return Result{Code: CodeRetrying, Reason: ReasonQuota}, nil
}

// persistMessageTerminal records a terminal failure requiring external
// intervention. No retry is scheduled.
func (p *Pipeline) persistMessageTerminal(msg *models.Message, reason, detail string) error {
	update := map[string]interface{}{
		"retry_reason":    reason,
		"last_error":      detail,
		"next_attempt_at": nil,
	}
	if reason == ReasonMaxAttempts {
		update["attempts"] = msg.Attempts + 1
	}
	if err := p.db.Model(&models.Message{}).Where("id = ?", msg.ID).
		Updates(update).Error; err != nil {
		return fmt.Errorf("pipeline: persist terminal state %s: %w", msg.ID, err)
	}
	p.emit(msg.SessionID, "message_update", map[string]interface{}{
		"message_id": msg.ID,
		"stage":      models.StageTranscription,
		"error":      reason,
	})
	return nil
}

// enqueueCategorize schedules the next stage for a message with a
// deterministic dedup key, so duplicate deliveries collapse.
func (p *Pipeline) enqueueCategorize(msg *models.Message) error {
	payload := CategorizePayload{
		MessageID: msg.ID,
		SessionID: msg.SessionID,
		JobID:     uuid.NewString(),
	}
	key := queue.UnitStageKey(msg.SessionID, msg.ID, queue.Categorize)
	if err := p.enqueue(queue.Categorize, payload, key); err != nil {
		return fmt.Errorf("pipeline: enqueue categorize for %s: %w", msg.ID, err)
	}
	return nil
}
