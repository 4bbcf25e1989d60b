package models

import (
	"context"
	"time"

	"github.com/mmdatafocus/docshare_backend/utils"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEvent is the audit row for an authenticated provider event.
// (provider, provider_event_id) is unique, so a replayed event is recognised cheaply.
type WebhookEvent struct {
	ID              int64          `gorm:"primaryKey" json:"id"`
	Provider        string         `gorm:"size:30;not null;index:uniq_webhook_event,unique" json:"provider"`
	ProviderEventId string         `gorm:"size:255;not null;index:uniq_webhook_event,unique" json:"provider_event_id"`
	EventType       string         `gorm:"size:100;not null" json:"event_type"`
	Payload         datatypes.JSON `json:"payload"`
	ProcessedAt     *time.Time     `json:"processed_at"`
	ProcessingError *string        `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// RecordWebhookEvent inserts the event if unseen. It returns the stored row and whether it
// had already been processed successfully.
func RecordWebhookEvent(ctx context.Context, db *gorm.DB, provider, eventId, eventType string, payload []byte) (*WebhookEvent, bool, error) {
	ev := WebhookEvent{
		Provider:        provider,
		ProviderEventId: eventId,
		EventType:       eventType,
		Payload:         datatypes.JSON(payload),
	}
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&ev)
	if res.Error != nil && !utils.IsDuplicateKeyErr(res.Error) {
		return nil, false, res.Error
	}
	if res.Error == nil && res.RowsAffected == 1 {
		return &ev, false, nil
	}

	var existing WebhookEvent
	if err := db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventId).
		Take(&existing).Error; err != nil {
		return nil, false, err
	}
	done := existing.ProcessedAt != nil && existing.ProcessingError == nil
	return &existing, done, nil
}

// MarkWebhookEventProcessed records the handling outcome. A nil procErr clears any earlier error.
func MarkWebhookEventProcessed(ctx context.Context, db *gorm.DB, id int64, procErr error) error {
	now := time.Now()
	updates := map[string]interface{}{"processed_at": now, "processing_error": nil}
	if procErr != nil {
		updates["processed_at"] = nil
		updates["processing_error"] = utils.Truncate(procErr.Error(), 2000)
	}
	return db.WithContext(ctx).Model(&WebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
