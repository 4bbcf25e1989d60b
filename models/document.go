package models

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Document struct {
	ID                string         `gorm:"primaryKey;size:36" json:"id"`
	UserId            int            `gorm:"index;not null" json:"user_id"`
	Title             string         `gorm:"size:255;not null" json:"title"`
	FilePath          string         `gorm:"size:512" json:"file_path"`
	ContentType       string         `gorm:"size:100" json:"content_type"`
	FileSize          int64          `json:"file_size"`
	Status            DocumentStatus `gorm:"size:20;index;not null;default:'pending'" json:"status"`
	HasModerationData bool           `gorm:"not null;default:false" json:"has_moderation_data"`
	ModerationScore   *float64       `json:"moderation_score"`
	ModerationFlags   datatypes.JSON `json:"moderation_flags"`
	TextPreview       string         `gorm:"type:text" json:"text_preview"`
	RejectionReason   *string        `gorm:"type:text" json:"rejection_reason"`
	ModeratedAt       *time.Time     `json:"moderated_at"`
	CreatedAt         time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateDocument(ctx context.Context, db *gorm.DB, d *Document) error {
	if d == nil {
		return errors.New("document is nil")
	}
	if d.Status == "" {
		d.Status = DocumentStatusPending
	}
	return db.WithContext(ctx).Create(d).Error
}

func GetDocument(ctx context.Context, db *gorm.DB, id string) (*Document, error) {
	var d Document
	if err := db.WithContext(ctx).Where("id = ?", id).Take(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// LockDocument loads the row with SELECT ... FOR UPDATE. tx must be an open transaction.
func LockDocument(tx *gorm.DB, id string) (*Document, error) {
	var d Document
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).Take(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

// ListStalePendingDocuments returns pending documents created before the cutoff, oldest first.
func ListStalePendingDocuments(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]Document, error) {
	var docs []Document
	err := db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", DocumentStatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&docs).Error
	return docs, err
}

// ListPendingDocumentsWithoutJob finds pending documents whose enqueue never landed
// (or whose job history was pruned), so they can be re-enqueued out of band.
func ListPendingDocumentsWithoutJob(ctx context.Context, db *gorm.DB, createdBefore time.Time, limit int) ([]Document, error) {
	var docs []Document
	err := db.WithContext(ctx).
		Where("documents.status = ? AND documents.created_at <= ?", DocumentStatusPending, createdBefore).
		Where("NOT EXISTS (SELECT 1 FROM jobs WHERE jobs.id = documents.id AND jobs.queue = ?)", QueueModeration).
		Order("documents.created_at ASC").
		Limit(limit).
		Find(&docs).Error
	return docs, err
}
