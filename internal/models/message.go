package models

import (
	"encoding/json"
	"time"
)

// Attachment is one normalized file attached to an inbound message. Every
// attachment gets a deterministic reverse path keyed by message id and index;
// attachments whose transport supplies a stable unique file id additionally
// get a forward public path so content is addressable either way.
type Attachment struct {
	Name         string `json:"name"`
	MIME         string `json:"mime,omitempty"`
	UniqueFileID string `json:"unique_file_id,omitempty"`
	ReversePath  string `json:"reverse_path"`
	PublicPath   string `json:"public_path,omitempty"`
}

// Message is one inbound conversational event appended to a session. Retry
// bookkeeping for transcription and categorization lives directly on the row;
// the reconciliation loop reads it to requeue stalled work.
type Message struct {
	ID        string `gorm:"primaryKey;size:36"`
	SessionID string `gorm:"size:36;not null;index"`
	Runtime   string `gorm:"size:32;index"`

	OwnerID     string `gorm:"size:64"`
	ChatID      string `gorm:"size:128"`
	TransportID string `gorm:"size:128"` // platform message id

	Text      string `gorm:"type:text"`
	VoicePath string `gorm:"size:512"`

	// Attachments is a JSON array of Attachment.
	Attachments string `gorm:"type:json"`

	ToTranscribe     bool   `gorm:"default:false;index"`
	IsTranscribed    bool   `gorm:"default:false;index"`
	TranscribeMethod string `gorm:"size:32"`
	Transcript       string `gorm:"type:text"`

	IsCategorized bool   `gorm:"default:false;index"`
	Category      string `gorm:"size:64"`

	// Transcription retry bookkeeping, read by the reconciliation loop.
	Attempts      int `gorm:"default:0"`
	NextAttemptAt *time.Time
	RetryReason   string `gorm:"size:64"`
	LastError     string `gorm:"type:text"`

	// Categorization retry bookkeeping.
	CategorizeAttempts int `gorm:"default:0"`
	NextCategorizeAt   *time.Time
	CategorizeReason   string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Session Session `gorm:"foreignKey:SessionID"`
}

// AttachmentList decodes the Attachments JSON column.
func (m *Message) AttachmentList() []Attachment {
	if m.Attachments == "" {
		return nil
	}
	var list []Attachment
	if err := json.Unmarshal([]byte(m.Attachments), &list); err != nil {
		return nil
	}
	return list
}

// SetAttachments encodes the attachment list into the JSON column.
func (m *Message) SetAttachments(list []Attachment) {
	if len(list) == 0 {
		m.Attachments = "[]"
		return
	}
	data, err := json.Marshal(list)
	if err != nil {
		return
	}
	m.Attachments = string(data)
}
