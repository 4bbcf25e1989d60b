package main

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/models"
)

func (a *App) listNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		unreadOnly, _ := strconv.ParseBool(c.Query("unread_only"))
		conn, err := models.ListNotifications(c.Request.Context(), a.DB, models.NotificationFilter{
			UserId:     currentUserId(c),
			UnreadOnly: unreadOnly,
			After:      queryCursor(c, "after"),
			Limit:      queryInt(c, "limit", 0),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, conn)
	}
}

func (a *App) unreadNotificationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := models.CountUnreadNotifications(c.Request.Context(), a.DB, currentUserId(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"unread": count})
	}
}

func (a *App) markAllNotificationsReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := models.MarkAllNotificationsRead(c.Request.Context(), a.DB, currentUserId(c))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "updated": n})
	}
}

func (a *App) markNotificationReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := notificationIdParam(c)
		if !ok {
			return
		}
		if err := models.MarkNotificationRead(c.Request.Context(), a.DB, currentUserId(c), id); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func (a *App) deleteNotificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := notificationIdParam(c)
		if !ok {
			return
		}
		if err := models.DeleteNotification(c.Request.Context(), a.DB, currentUserId(c), id); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func notificationIdParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid notification id"})
		return 0, false
	}
	return id, true
}
