// Package queue implements the DB-backed named job queues. The document
// store is the sole synchronization point: claiming a job is a conditional
// pending→running write, and a deterministic dedup key makes re-enqueuing an
// in-flight unit a no-op. Delivery is at-least-once; handlers must be
// idempotent.
package queue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stenoworks/steno/internal/models"
	"github.com/stenoworks/steno/internal/scope"
	"gorm.io/gorm"
)

// Queue names.
const (
	Ingest     = "ingest"
	Transcribe = "transcribe"
	Categorize = "categorize"
	Tasks      = "tasks"
	Notify     = "notify"
	Finalize   = "finalize"
	Review     = "review"
)

// SessionStageKey builds the dedup key for session-level work:
// "{session_id}-{stage}".
func SessionStageKey(sessionID, stage string) string {
	return sessionID + "-" + stage
}

// UnitStageKey builds the dedup key for per-unit work:
// "{session_id}-{unit_id}-{STAGE}".
func UnitStageKey(sessionID, unitID, stage string) string {
	return fmt.Sprintf("%s-%s-%s", sessionID, unitID, strings.ToUpper(stage))
}

// Backoff computes the retry delay for the given 1-based attempt count:
// min(ceiling, base * 2^(attempts-1)).
func Backoff(base, ceiling time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Enqueue creates a job on the named queue. When dedupKey is non-empty and
// an equivalent pending or running job already exists for this runtime, the
// call is a no-op and returns (nil, false, nil).
func Enqueue(db *gorm.DB, sc scope.Scope, queueName string, payload interface{}, dedupKey string) (*models.Job, bool, error) {
	if queueName == "" {
		return nil, false, fmt.Errorf("queue: queue name is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("queue: marshal payload for %s: %w", queueName, err)
	}

	var job *models.Job
	created := false

	err = db.Transaction(func(tx *gorm.DB) error {
		if dedupKey != "" {
			var existing models.Job
			result := tx.Scopes(sc.Where(scope.Strict)).
				Where("queue = ? AND dedup_key = ? AND status IN ?",
					queueName, dedupKey, []string{models.JobPending, models.JobRunning}).
				Limit(1).Find(&existing)
			if result.Error != nil {
				return fmt.Errorf("dedup lookup: %w", result.Error)
			}
			if result.RowsAffected > 0 {
				job = &existing
				return nil
			}
		}

		j := models.Job{
			ID:            uuid.NewString(),
			Queue:         queueName,
			Status:        models.JobPending,
			Runtime:       sc.Tag(),
			DedupKey:      dedupKey,
			Payload:       string(body),
			NextAttemptAt: time.Now(),
		}
		if err := tx.Create(&j).Error; err != nil {
			return fmt.Errorf("create: %w", err)
		}
		job = &j
		created = true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("queue: enqueue %s: %w", queueName, err)
	}
	return job, created, nil
}

// Claim atomically takes the most overdue pending job from the named queue.
// Returns (nil, nil) when nothing is due. The pending→running transition is
// a conditional write, so two concurrent claimers cannot take the same job.
func Claim(db *gorm.DB, sc scope.Scope, queueName string) (*models.Job, error) {
	var claimed *models.Job

	err := db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		result := tx.Scopes(sc.Where(scope.Strict)).
			Where("queue = ? AND status = ? AND next_attempt_at <= ?",
				queueName, models.JobPending, time.Now()).
			Order("next_attempt_at ASC, created_at ASC").
			Limit(1).Find(&job)
		if result.Error != nil {
			return fmt.Errorf("find pending: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}

		update := tx.Model(&models.Job{}).
			Where("id = ? AND status = ?", job.ID, models.JobPending).
			Update("status", models.JobRunning)
		if update.Error != nil {
			return fmt.Errorf("mark running: %w", update.Error)
		}
		if update.RowsAffected == 0 {
			// Lost the race to a concurrent claimer.
			return nil
		}
		job.Status = models.JobRunning
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: claim %s: %w", queueName, err)
	}
	return claimed, nil
}

// Complete marks a job done and clears retry bookkeeping.
func Complete(db *gorm.DB, jobID string) error {
	result := db.Model(&models.Job{}).Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":     models.JobDone,
			"last_error": "",
		})
	if result.Error != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("queue: complete %s: job not found", jobID)
	}
	return nil
}

// Fail records a failed attempt and re-pends the job with exponential
// backoff. Once attempts exceed maxAttempts the job is marked dead and left
// for operator intervention.
func Fail(db *gorm.DB, job *models.Job, cause error, base, ceiling time.Duration, maxAttempts int) error {
	attempts := job.Attempts + 1
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	if attempts > maxAttempts {
		result := db.Model(&models.Job{}).Where("id = ?", job.ID).
			Updates(map[string]interface{}{
				"status":     models.JobDead,
				"attempts":   attempts,
				"last_error": "max_attempts_exceeded: " + msg,
			})
		if result.Error != nil {
			return fmt.Errorf("queue: kill %s: %w", job.ID, result.Error)
		}
		return nil
	}

	delay := Backoff(base, ceiling, attempts)
	result := db.Model(&models.Job{}).Where("id = ?", job.ID).
		Updates(map[string]interface{}{
			"status":          models.JobPending,
			"attempts":        attempts,
			"next_attempt_at": time.Now().Add(delay),
			"last_error":      msg,
		})
	if result.Error != nil {
		return fmt.Errorf("queue: fail %s: %w", job.ID, result.Error)
	}
	return nil
}

// Unmarshal decodes a job payload into out.
func Unmarshal(job *models.Job, out interface{}) error {
	if err := json.Unmarshal([]byte(job.Payload), out); err != nil {
		return fmt.Errorf("queue: decode %s payload: %w", job.Queue, err)
	}
	return nil
}
