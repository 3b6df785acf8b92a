package models

import "time"

// ProxyService is one downstream service the dependency watchdog probes.
// Probe results are persisted here; start/restart actions are fire-and-forget
// and surface failures through LastError and logs only.
type ProxyService struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	Name         string `gorm:"size:64;not null;uniqueIndex"`
	ProbeURL     string `gorm:"size:256"`
	StartCommand string `gorm:"size:512"`
	Status       string `gorm:"size:16;default:unknown"` // unknown, healthy, unhealthy, starting
	LastProbeAt  *time.Time
	LastError    string `gorm:"type:text"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Proxy service statuses.
const (
	ProxyUnknown   = "unknown"
	ProxyHealthy   = "healthy"
	ProxyUnhealthy = "unhealthy"
	ProxyStarting  = "starting"
)
