package models

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/mmdatafocus/docshare_backend/utils"
	"gorm.io/gorm"
)

type Notification struct {
	ID        int64            `gorm:"primaryKey" json:"id"`
	UserId    int              `gorm:"not null;index:idx_notification_user,priority:1" json:"user_id"`
	Type      NotificationType `gorm:"size:40;not null" json:"type"`
	Title     string           `gorm:"size:255;not null" json:"title"`
	Message   string           `gorm:"type:text" json:"message"`
	RelatedId *string          `gorm:"size:64" json:"related_id"`
	IsRead    bool             `gorm:"not null;default:false;index:idx_notification_user,priority:2" json:"is_read"`
	ReadAt    *time.Time       `json:"read_at"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

type NewNotification struct {
	UserId    int
	Type      NotificationType
	Title     string
	Message   string
	RelatedId string
}

func CreateNotification(ctx context.Context, db *gorm.DB, in NewNotification) (*Notification, error) {
	if in.UserId <= 0 || in.Type == "" || in.Title == "" {
		return nil, errors.New("notification requires recipient, type and title")
	}
	n := Notification{
		UserId:  in.UserId,
		Type:    in.Type,
		Title:   utils.Truncate(in.Title, 255),
		Message: in.Message,
	}
	if in.RelatedId != "" {
		n.RelatedId = utils.NewString(in.RelatedId)
	}
	if err := db.WithContext(ctx).Create(&n).Error; err != nil {
		return nil, err
	}
	return &n, nil
}

type NotificationFilter struct {
	UserId     int
	UnreadOnly bool
	After      *string
	Limit      int
}

type NotificationsConnection struct {
	Edges       []Notification `json:"edges"`
	PageInfo    PageInfo       `json:"pageInfo"`
	UnreadCount int64          `json:"unreadCount"`
}

func ListNotifications(ctx context.Context, db *gorm.DB, f NotificationFilter) (*NotificationsConnection, error) {
	if f.UserId <= 0 {
		return nil, errors.New("user id is required")
	}
	limit := normalizeLimit(f.Limit)

	q := db.WithContext(ctx).Model(&Notification{}).Where("user_id = ?", f.UserId)
	if f.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	decoded, err := DecodeCursor(f.After)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	if decoded != "" {
		afterId, err := strconv.ParseInt(decoded, 10, 64)
		if err != nil {
			return nil, ErrInvalidCursor
		}
		q = q.Where("id < ?", afterId)
	}

	var rows []Notification
	if err := q.Order("id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		return nil, err
	}
	hasNext := len(rows) > limit
	if hasNext {
		rows = rows[:limit]
	}

	unread, err := CountUnreadNotifications(ctx, db, f.UserId)
	if err != nil {
		return nil, err
	}

	conn := &NotificationsConnection{Edges: rows, PageInfo: PageInfo{HasNextPage: &hasNext}, UnreadCount: unread}
	if len(rows) > 0 {
		conn.PageInfo.StartCursor = EncodeCursor(strconv.FormatInt(rows[0].ID, 10))
		conn.PageInfo.EndCursor = EncodeCursor(strconv.FormatInt(rows[len(rows)-1].ID, 10))
	}
	return conn, nil
}

func CountUnreadNotifications(ctx context.Context, db *gorm.DB, userId int) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userId, false).
		Count(&count).Error
	return count, err
}

// MarkNotificationRead only touches rows owned by userId; anything else reports not found.
func MarkNotificationRead(ctx context.Context, db *gorm.DB, userId int, id int64) error {
	now := time.Now()
	res := db.WithContext(ctx).Model(&Notification{}).
		Where("id = ? AND user_id = ?", id, userId).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func MarkAllNotificationsRead(ctx context.Context, db *gorm.DB, userId int) (int64, error) {
	now := time.Now()
	res := db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND is_read = ?", userId, false).
		Updates(map[string]interface{}{"is_read": true, "read_at": now})
	return res.RowsAffected, res.Error
}

func DeleteNotification(ctx context.Context, db *gorm.DB, userId int, id int64) error {
	res := db.WithContext(ctx).Where("id = ? AND user_id = ?", id, userId).Delete(&Notification{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}
