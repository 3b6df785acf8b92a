package models

import "time"

// Job statuses.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobDone    = "done"
	JobFailed  = "failed"
	JobDead    = "dead" // attempt ceiling exceeded, needs operator intervention
)

// Job is a queue envelope persisted in the shared store. The store is the
// sole synchronization point: claiming is a conditional pending→running
// update, and the dedup key prevents a second pending/running job for the
// same (queue, unit, stage) triple.
type Job struct {
	ID       string `gorm:"primaryKey;size:36"`
	Queue    string `gorm:"size:32;not null;index:idx_queue_status"`
	Status   string `gorm:"size:16;default:pending;index:idx_queue_status"`
	Runtime  string `gorm:"size:32;index"`
	DedupKey string `gorm:"size:160;index"`

	// Payload is a JSON-encoded stage-specific body.
	Payload string `gorm:"type:json"`

	Attempts      int       `gorm:"default:0"`
	NextAttemptAt time.Time `gorm:"index"`
	LastError     string    `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}
