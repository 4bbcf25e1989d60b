package models

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Job is a durable queue entry. ID is the owning entity id, so a queue holds at most
// one row per entity; re-enqueueing reuses the row.
type Job struct {
	Queue              string            `gorm:"primaryKey;size:40;index:idx_job_due,priority:1" json:"queue"`
	ID                 string            `gorm:"primaryKey;size:64" json:"id"`
	Payload            datatypes.JSONMap `json:"payload"`
	Priority           int               `gorm:"not null;default:0" json:"priority"`
	Status             JobStatus         `gorm:"size:20;not null;index:idx_job_due,priority:2" json:"status"`
	Attempts           int               `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts        int               `gorm:"not null" json:"max_attempts"`
	BackoffType        BackoffType       `gorm:"size:20;not null" json:"backoff_type"`
	BackoffDelayMs     int64             `gorm:"not null" json:"backoff_delay_ms"`
	NextAttemptAt      time.Time         `gorm:"not null;index:idx_job_due,priority:3" json:"next_attempt_at"`
	LockedAt           *time.Time        `json:"locked_at"`
	LockedBy           *string           `gorm:"size:100" json:"locked_by"`
	LastError          *string           `gorm:"type:text" json:"last_error"`
	PublishedMessageId *string           `gorm:"size:100" json:"published_message_id"`
	EnqueuedAt         time.Time         `gorm:"not null" json:"enqueued_at"`
	FinishedAt         *time.Time        `gorm:"index" json:"finished_at"`
	CreatedAt          time.Time         `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetJob(ctx context.Context, db *gorm.DB, queue, id string) (*Job, error) {
	var j Job
	if err := db.WithContext(ctx).Where("queue = ? AND id = ?", queue, id).Take(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}
