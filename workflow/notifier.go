package workflow

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Notifier persists notifications and, when a topic is configured, pushes them to Pub/Sub
// for realtime delivery. Every failure is logged and swallowed.
type Notifier struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Publisher Publisher
	Topic     string
	Timeout   time.Duration
}

func NewNotifier(db *gorm.DB, logger *logrus.Logger, publisher Publisher, topic string) *Notifier {
	return &Notifier{
		DB:        db,
		Logger:    logger,
		Publisher: publisher,
		Topic:     topic,
		Timeout:   5 * time.Second,
	}
}

func (n *Notifier) Notify(ctx context.Context, in models.NewNotification) *models.Notification {
	if n == nil || n.DB == nil {
		return nil
	}
	// Settlement has already committed; a cancelled request must not drop the notification.
	ctx = context.WithoutCancel(ctx)
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	row, err := models.CreateNotification(ctx, n.DB, in)
	if err != nil {
		config.LogError(n.Logger, "Notifier", "Notify", "persist notification", map[string]interface{}{
			"user_id":    in.UserId,
			"type":       in.Type,
			"related_id": in.RelatedId,
		}, err)
		return nil
	}

	if n.Publisher != nil && n.Topic != "" {
		body, err := json.Marshal(row)
		if err == nil {
			_, err = n.Publisher.Publish(ctx, n.Topic, body, map[string]string{
				"user_id": strconv.Itoa(row.UserId),
				"type":    string(row.Type),
			})
		}
		if err != nil && n.Logger != nil {
			n.Logger.WithFields(logrus.Fields{
				"field":           "Notifier",
				"notification_id": row.ID,
				"user_id":         row.UserId,
			}).Warn("notification push failed: " + err.Error())
		}
	}
	return row
}
