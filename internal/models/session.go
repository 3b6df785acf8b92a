package models

import (
	"encoding/json"
	"time"
)

// Stage names for the per-session processing pipeline. Operators may record
// additional custom stages in the status map; these four are the required set
// checked at finalization.
const (
	StageTranscription  = "transcription"
	StageCategorization = "categorization"
	StageTasks          = "tasks"
	StageNotification   = "notification"
)

// RequiredStages is the set of stages that must be finished before a session
// can be finalized.
var RequiredStages = []string{
	StageTranscription,
	StageCategorization,
	StageTasks,
	StageNotification,
}

// StageStatus records the progress of a single pipeline stage on a session.
type StageStatus struct {
	IsProcessing bool       `json:"is_processing"`
	IsProcessed  bool       `json:"is_processed"`
	IsFinished   bool       `json:"is_finished"`
	Skipped      bool       `json:"skipped,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// Session groups inbound conversational events for one owner and drives them
// through the processing pipeline. Sessions are never physically deleted,
// only soft-deleted via IsDeleted.
type Session struct {
	ID        string `gorm:"primaryKey;size:36"`
	OwnerID   string `gorm:"size:64;not null;index"`
	ChatID    string `gorm:"size:128;index"`
	Runtime   string `gorm:"size:32;index"`
	ProjectID string `gorm:"size:64"`

	IsActive  bool `gorm:"default:true;index"`
	IsDeleted bool `gorm:"default:false;index"`

	// Stages is a JSON map of stage name to StageStatus.
	Stages              string `gorm:"type:json"`
	IsMessagesProcessed bool   `gorm:"default:false"`

	ToFinalize  bool `gorm:"default:false;index"`
	IsFinalized bool `gorm:"default:false;index"`
	DoneCount   int  `gorm:"default:0"`

	CreatedAt time.Time
	UpdatedAt time.Time `gorm:"index"`
	DoneAt    *time.Time

	Messages []Message `gorm:"foreignKey:SessionID"`
}

// StageMap decodes the Stages JSON column. An empty or invalid column yields
// an empty map rather than an error so callers can always mutate and re-save.
func (s *Session) StageMap() map[string]StageStatus {
	m := make(map[string]StageStatus)
	if s.Stages != "" {
		_ = json.Unmarshal([]byte(s.Stages), &m)
	}
	return m
}

// SetStage updates one stage entry and re-encodes the Stages column.
func (s *Session) SetStage(name string, st StageStatus) {
	m := s.StageMap()
	m[name] = st
	data, err := json.Marshal(m)
	if err != nil {
		return
	}
	s.Stages = string(data)
}

// StagesFinished reports whether every required stage has IsFinished set.
func (s *Session) StagesFinished() bool {
	m := s.StageMap()
	for _, name := range RequiredStages {
		if !m[name].IsFinished {
			return false
		}
	}
	return true
}
