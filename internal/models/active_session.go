package models

import "time"

// ActiveSession is the per-owner pointer to the session currently receiving
// new inbound events. At most one row exists per (owner, runtime family);
// a pointer at a deleted or inactive session self-heals by being cleared on
// the next lookup rather than failing the caller.
type ActiveSession struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	OwnerID   string `gorm:"size:64;not null;uniqueIndex:idx_owner_runtime"`
	Runtime   string `gorm:"size:32;uniqueIndex:idx_owner_runtime"`
	SessionID string `gorm:"size:36;not null;index"`
	ChatID    string `gorm:"size:128"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
