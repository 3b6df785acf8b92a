// Package session implements the idempotent completion ("done") flow. A
// completion request closes the session exactly once, always clears the
// owner's active mapping and always leaves an audit record tagging which
// transport carried the notification.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stenoworks/steno/internal/fault"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/pipeline"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/scope"
	"gorm.io/gorm"
)

// DonePayload is the finalize queue message body.
type DonePayload struct {
	SessionID     string `json:"session_id"`
	ChatID        string `json:"chat_id"`
	OwnerID       string `json:"owner_id"`
	NotifyPreview string `json:"notify_preview"`
	AlreadyClosed bool   `json:"already_closed"`
}

// Fallback delivers a completion notice directly when the durable queue
// cannot carry it.
type Fallback func(ctx context.Context, payload DonePayload) error

// CompleteOpts holds parameters for one completion request.
type CompleteOpts struct {
	SessionID string
	Snapshot  *models.Session   // optional preloaded row, skips the load
	Queue     pipeline.Enqueuer // optional durable queue (primary transport)
	Fallback  Fallback          // optional direct handler (secondary transport)
	Actor     string            // who asked: "cli", "socket", owner id
	Event     string            // source event name for the audit record
	Kick      func()            // optional reconcile kick
	Emitter   pipeline.Emitter  // optional
	Out       io.Writer         // defaults to os.Stdout
}

// Result reports how a completion request was carried out.
type Result struct {
	SessionID     string
	AlreadyClosed bool
	Mode          string // models.SourceQueued / SourceFallback / SourceFallbackHandler
}

// Complete executes the done flow for one session. Retried requests skip
// only the mutation step: mapping cleanup, audit and notification run every
// time.
func Complete(ctx context.Context, db *gorm.DB, sc scope.Scope, opts CompleteOpts) (*Result, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Event == "" {
		opts.Event = "session_done"
	}

	id := strings.TrimSpace(opts.SessionID)
	if _, err := uuid.Parse(id); err != nil {
		return nil, fault.Wrap(fault.InvalidInput, "malformed session id "+opts.SessionID, err)
	}

	sess := opts.Snapshot
	if sess == nil {
		var loaded models.Session
		result := db.Scopes(sc.Where(scope.FamilyWithLegacy)).
			Where("id = ? AND is_deleted = ?", id, false).Limit(1).Find(&loaded)
		if result.Error != nil {
			return nil, fmt.Errorf("session: load %s: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return nil, fault.New(fault.NotFound, "session "+id+" not found")
		}
		sess = &loaded
	}

	// Mutate once. The conditional write makes concurrent requests race
	// safely: exactly one sees rows affected.
	alreadyClosed := !sess.IsActive
	if sess.IsActive {
		now := time.Now()
		result := db.Model(&models.Session{}).
			Where("id = ? AND is_active = ?", sess.ID, true).
			Updates(map[string]interface{}{
				"is_active":   false,
				"to_finalize": true,
				"done_at":     now,
				"done_count":  gorm.Expr("done_count + 1"),
			})
		if result.Error != nil {
			return nil, fmt.Errorf("session: close %s: %w", sess.ID, result.Error)
		}
		if result.RowsAffected == 0 {
			alreadyClosed = true
		}
		sess.IsActive = false
	}

	preview := buildPreview(db, sess)
	payload := DonePayload{
		SessionID:     sess.ID,
		ChatID:        sess.ChatID,
		OwnerID:       sess.OwnerID,
		NotifyPreview: preview,
		AlreadyClosed: alreadyClosed,
	}

	mode, deliveryErr := dispatch(ctx, opts, payload)

	// Mapping cleanup and the audit record are unconditional: a failed
	// notification must not leave a closed session looking active.
	if err := clearMapping(db, sc, sess); err != nil {
		return nil, err
	}
	if err := writeAudit(db, sc, sess, opts, mode, alreadyClosed, deliveryErr); err != nil {
		return nil, err
	}

	if deliveryErr != nil {
		return nil, deliveryErr
	}

	if opts.Kick != nil {
		opts.Kick()
	}
	if opts.Emitter != nil {
		opts.Emitter.Emit(sess.ID, "session_status", map[string]interface{}{
			"event":          "done",
			"is_active":      false,
			"already_closed": alreadyClosed,
		})
	}

	fmt.Fprintf(opts.Out, "session: completed %s via %s (already_closed=%v)\n",
		sess.ID, mode, alreadyClosed)
	return &Result{SessionID: sess.ID, AlreadyClosed: alreadyClosed, Mode: mode}, nil
}

// dispatch picks the notification transport: durable queue with a chat
// binding first, direct fallback second. Having neither is an explicit
// transport_unavailable, not a silent success.
func dispatch(ctx context.Context, opts CompleteOpts, payload DonePayload) (string, error) {
	if opts.Queue != nil && payload.ChatID != "" {
		key := queue.SessionStageKey(payload.SessionID, queue.Finalize)
		if err := opts.Queue(queue.Finalize, payload, key); err == nil {
			return models.SourceQueued, nil
		} else if opts.Fallback != nil {
			fmt.Fprintf(opts.Out, "session: finalize enqueue failed for %s, using fallback: %v\n",
				payload.SessionID, err)
			if ferr := opts.Fallback(ctx, payload); ferr != nil {
				return "", fault.Wrap(fault.TransportUnavailable, "fallback after queue failure", ferr)
			}
			return models.SourceFallbackHandler, nil
		} else {
			return "", fault.Wrap(fault.TransportUnavailable, "finalize queue failed", err)
		}
	}

	if opts.Fallback != nil {
		if err := opts.Fallback(ctx, payload); err != nil {
			return "", fault.Wrap(fault.TransportUnavailable, "fallback delivery failed", err)
		}
		return models.SourceFallback, nil
	}

	return "", fault.New(fault.TransportUnavailable, "no transport for completion notice")
}

// clearMapping removes the owner's active-session pointer, matching by
// session id and by owner so a re-pointed mapping is cleaned up either way.
func clearMapping(db *gorm.DB, sc scope.Scope, sess *models.Session) error {
	err := db.Where("session_id = ? OR (owner_id = ? AND runtime = ?)",
		sess.ID, sess.OwnerID, sc.Tag()).
		Delete(&models.ActiveSession{}).Error
	if err != nil {
		return fmt.Errorf("session: clear mapping for %s: %w", sess.ID, err)
	}
	return nil
}

// writeAudit appends the completion audit record.
func writeAudit(db *gorm.DB, sc scope.Scope, sess *models.Session, opts CompleteOpts, mode string, alreadyClosed bool, deliveryErr error) error {
	status := "ok"
	if deliveryErr != nil {
		status = string(fault.TransportUnavailable)
	}

	meta, _ := json.Marshal(map[string]interface{}{
		"already_closed": alreadyClosed,
		"chat_id":        sess.ChatID,
	})

	record := models.AuditRecord{
		SessionID:   sess.ID,
		ProjectID:   sess.ProjectID,
		Runtime:     sc.Tag(),
		EventName:   "session_completed",
		Status:      status,
		Actor:       opts.Actor,
		SourceMode:  mode,
		SourceEvent: opts.Event,
		Metadata:    string(meta),
	}
	if err := db.Create(&record).Error; err != nil {
		return fmt.Errorf("session: write audit for %s: %w", sess.ID, err)
	}
	return nil
}

// buildPreview renders the short completion summary sent to the chat
// binding. Counts only, no internal codes.
func buildPreview(db *gorm.DB, sess *models.Session) string {
	var msgCount, taskCount int64
	db.Model(&models.Message{}).Where("session_id = ?", sess.ID).Count(&msgCount)
	db.Model(&models.DeferredReview{}).Where("session_id = ?", sess.ID).Count(&taskCount)

	preview := fmt.Sprintf("Session closed for %s: %d message(s), %d task(s).",
		sess.OwnerID, msgCount, taskCount)
	if sess.ProjectID != "" {
		preview += " Project: " + sess.ProjectID + "."
	}
	return preview
}
