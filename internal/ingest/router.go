// Package ingest resolves inbound chat events to sessions and appends them
// as normalized messages. Resolution order: explicit session reference,
// active-session mapping, auto-create. Unauthorized senders are rejected
// before any write.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/stenoworks/steno/internal/fault"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/pipeline"
	"github.com/stenoworks/steno/internal/queue"
	"github.com/stenoworks/steno/internal/scope"
	"github.com/stenoworks/steno/internal/transport"
	"gorm.io/gorm"
)

// triggerMarker in the message text binds the configured default project to
// an auto-created session.
const triggerMarker = "+project"

// sesRefPattern matches an explicit session reference of the form
// "#ses:<uuid>". Candidates that do not parse as a UUID fall through to the
// next resolution step instead of failing ingestion.
var sesRefPattern = regexp.MustCompile(`#ses:([0-9a-fA-F-]{36})`)

// Router routes inbound events to sessions.
type Router struct {
	db             *gorm.DB
	sc             scope.Scope
	allowed        func(ownerID string) bool
	defaultProject string
	enqueue        pipeline.Enqueuer
	emitter        pipeline.Emitter
	out            io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	DB             *gorm.DB
	Scope          scope.Scope
	Allowed        func(ownerID string) bool // nil allows everyone
	DefaultProject string
	Enqueue        pipeline.Enqueuer
	Emitter        pipeline.Emitter // optional
	Out            io.Writer        // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ingest: db is required")
	}
	if opts.Enqueue == nil {
		return nil, fmt.Errorf("ingest: enqueue is required")
	}
	if opts.Allowed == nil {
		opts.Allowed = func(string) bool { return true }
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Router{
		db:             opts.DB,
		sc:             opts.Scope,
		allowed:        opts.Allowed,
		defaultProject: opts.DefaultProject,
		enqueue:        opts.Enqueue,
		emitter:        opts.Emitter,
		out:            opts.Out,
	}, nil
}

// Handle ingests one inbound event: it resolves the target session, appends
// a normalized message, refreshes the owner's active-session mapping and
// enqueues transcription. Events without ingestable content are dropped.
func (r *Router) Handle(ctx context.Context, evt transport.InboundEvent) (*models.Message, error) {
	if !r.allowed(evt.OwnerID) {
		return nil, fault.New(fault.AccessDenied, "owner "+evt.OwnerID+" not in allowlist")
	}
	if !evt.HasContent() {
		return nil, nil
	}

	sess, created, err := r.resolveSession(evt)
	if err != nil {
		return nil, err
	}

	if err := r.updateMapping(evt, sess); err != nil {
		return nil, err
	}

	msg, err := r.appendMessage(evt, sess, created)
	if err != nil {
		return nil, err
	}

	key := queue.UnitStageKey(sess.ID, msg.ID, queue.Transcribe)
	if err := r.enqueue(queue.Transcribe, pipeline.TranscribePayload{MessageID: msg.ID}, key); err != nil {
		return nil, fmt.Errorf("ingest: enqueue transcribe for %s: %w", msg.ID, err)
	}

	if r.emitter != nil {
		r.emitter.Emit(sess.ID, "message_update", map[string]interface{}{
			"message_id": msg.ID,
			"event":      "ingested",
			"has_voice":  msg.VoicePath != "",
		})
	}
	return msg, nil
}

// resolveSession finds or creates the session an event belongs to. The
// second return value reports whether the session was created by this call.
func (r *Router) resolveSession(evt transport.InboundEvent) (*models.Session, bool, error) {
	// 1. Explicit reference in the message or the message it replies to.
	// The session must belong to the sender or be bound to the chat the
	// event arrived in; anything else is rejected, never silently
	// redirected.
	if ref := parseSessionRef(evt.Text, evt.ReplyText); ref != "" {
		sess, found, err := r.loadSession(ref)
		if err != nil {
			return nil, false, err
		}
		if found {
			sameChat := sess.ChatID != "" && sess.ChatID == evt.ChatID
			if sess.OwnerID != evt.OwnerID && !sameChat {
				return nil, false, fault.New(fault.AccessDenied,
					"session "+ref+" is not owned by "+evt.OwnerID)
			}
			return sess, false, nil
		}
		// Reference to an unknown session falls through to the mapping.
	}

	// 2. Active-session mapping.
	sess, err := r.lookupActive(evt.OwnerID)
	if err != nil {
		return nil, false, err
	}
	if sess != nil {
		return sess, false, nil
	}

	// 3. Auto-create.
	sess = &models.Session{
		ID:       uuid.NewString(),
		OwnerID:  evt.OwnerID,
		ChatID:   evt.ChatID,
		Runtime:  r.sc.Tag(),
		IsActive: true,
	}
	if strings.Contains(evt.Text, triggerMarker) {
		sess.ProjectID = r.defaultProject
	}
	if err := r.db.Create(sess).Error; err != nil {
		return nil, false, fmt.Errorf("ingest: create session: %w", err)
	}
	fmt.Fprintf(r.out, "ingest: created session %s for owner %s\n", sess.ID, evt.OwnerID)
	return sess, true, nil
}

// lookupActive resolves the owner's active-session mapping. A pointer at a
// missing, deleted or inactive session is cleared (self-heal) and treated as
// a miss.
func (r *Router) lookupActive(ownerID string) (*models.Session, error) {
	var mapping models.ActiveSession
	result := r.db.Scopes(r.sc.Where(scope.FamilyWithLegacy)).
		Where("owner_id = ?", ownerID).Limit(1).Find(&mapping)
	if result.Error != nil {
		return nil, fmt.Errorf("ingest: load mapping for %s: %w", ownerID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	sess, found, err := r.loadSession(mapping.SessionID)
	if err != nil {
		return nil, err
	}
	if found && sess.IsActive {
		return sess, nil
	}

	if err := r.db.Delete(&models.ActiveSession{}, "id = ?", mapping.ID).Error; err != nil {
		return nil, fmt.Errorf("ingest: clear stale mapping for %s: %w", ownerID, err)
	}
	fmt.Fprintf(r.out, "ingest: cleared stale mapping for owner %s (session %s)\n",
		ownerID, mapping.SessionID)
	return nil, nil
}

// updateMapping points the owner's mapping at the resolved session. A
// mapping that already points there is left untouched.
func (r *Router) updateMapping(evt transport.InboundEvent, sess *models.Session) error {
	var mapping models.ActiveSession
	result := r.db.Where("owner_id = ? AND runtime = ?", evt.OwnerID, r.sc.Tag()).
		Limit(1).Find(&mapping)
	if result.Error != nil {
		return fmt.Errorf("ingest: load mapping: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		if mapping.SessionID == sess.ID && mapping.ChatID == evt.ChatID {
			return nil
		}
		if err := r.db.Model(&models.ActiveSession{}).Where("id = ?", mapping.ID).
			Updates(map[string]interface{}{
				"session_id": sess.ID,
				"chat_id":    evt.ChatID,
			}).Error; err != nil {
			return fmt.Errorf("ingest: update mapping: %w", err)
		}
		return nil
	}

	mapping = models.ActiveSession{
		OwnerID:   evt.OwnerID,
		Runtime:   r.sc.Tag(),
		SessionID: sess.ID,
		ChatID:    evt.ChatID,
	}
	if err := r.db.Create(&mapping).Error; err != nil {
		return fmt.Errorf("ingest: create mapping: %w", err)
	}
	return nil
}

// appendMessage persists the normalized message row for an event. Forwarded
// context is folded into the text body so downstream stages see one unit.
func (r *Router) appendMessage(evt transport.InboundEvent, sess *models.Session, created bool) (*models.Message, error) {
	text := evt.Text
	if created && strings.Contains(text, triggerMarker) {
		text = strings.TrimSpace(strings.Replace(text, triggerMarker, "", 1))
	}
	if evt.Forwarded != "" {
		if text == "" {
			text = evt.Forwarded
		} else {
			text = text + "\n" + evt.Forwarded
		}
	}

	msg := &models.Message{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		Runtime:      r.sc.Tag(),
		OwnerID:      evt.OwnerID,
		ChatID:       evt.ChatID,
		TransportID:  evt.MessageID,
		Text:         text,
		VoicePath:    evt.VoiceURL,
		ToTranscribe: true,
	}

	var list []models.Attachment
	for i, att := range evt.Attachments {
		normalized := models.Attachment{
			Name:         att.Name,
			MIME:         att.MIME,
			UniqueFileID: att.FileID,
			ReversePath:  fmt.Sprintf("messages/%s/%d", msg.ID, i),
		}
		if att.FileID != "" {
			normalized.PublicPath = "files/" + att.FileID
		}
		list = append(list, normalized)
	}
	msg.SetAttachments(list)

	if err := r.db.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("ingest: create message: %w", err)
	}
	return msg, nil
}

// loadSession fetches one non-deleted session under the runtime filter.
func (r *Router) loadSession(id string) (*models.Session, bool, error) {
	var sess models.Session
	result := r.db.Scopes(r.sc.Where(scope.FamilyWithLegacy)).
		Where("id = ? AND is_deleted = ?", id, false).Limit(1).Find(&sess)
	if result.Error != nil {
		return nil, false, fmt.Errorf("ingest: load session %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, false, nil
	}
	return &sess, true, nil
}

// parseSessionRef extracts the first well-formed session reference from the
// given texts. Malformed candidates are ignored.
func parseSessionRef(texts ...string) string {
	for _, text := range texts {
		for _, match := range sesRefPattern.FindAllStringSubmatch(text, -1) {
			if _, err := uuid.Parse(match[1]); err == nil {
				return match[1]
			}
		}
	}
	return ""
}
