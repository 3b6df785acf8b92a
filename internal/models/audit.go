package models

import "time"

// Source modes recorded on audit rows, tagging which transport carried a
// completion request.
const (
	SourceQueued          = "queued"
	SourceFallback        = "fallback"
	SourceFallbackHandler = "fallback_handler"
)

// AuditRecord is an append-only operator-facing record of a lifecycle event.
// Internal error codes stay here and in logs; clients only ever see short
// human-readable status strings.
type AuditRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"size:36;index"`
	ProjectID   string `gorm:"size:64"`
	Runtime     string `gorm:"size:32;index"`
	EventName   string `gorm:"size:64;not null"`
	Status      string `gorm:"size:32"`
	Actor       string `gorm:"size:64"`
	SourceMode  string `gorm:"size:32"`
	SourceEvent string `gorm:"size:64"`
	Metadata    string `gorm:"type:json"`
	CreatedAt   time.Time
}
