package models

import "time"

// DeferredReview is a task scheduled for a future review pass. The
// reconciliation loop enqueues due reviews onto the review queue.
type DeferredReview struct {
	ID        string    `gorm:"primaryKey;size:36"`
	SessionID string    `gorm:"size:36;index"`
	TaskID    string    `gorm:"size:64;not null"`
	Runtime   string    `gorm:"size:32;index"`
	Status    string    `gorm:"size:16;default:pending;index"`
	DueAt     time.Time `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Deferred review statuses.
const (
	ReviewPending  = "pending"
	ReviewEnqueued = "enqueued"
	ReviewDone     = "done"
)
