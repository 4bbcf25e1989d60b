package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/sirupsen/logrus"
)

type retryJobRequest struct {
	Queue string `json:"queue"`
	Id    string `json:"id" binding:"required"`
}

func (a *App) jobStatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		queue := strings.TrimSpace(c.DefaultQuery("queue", models.QueueModeration))
		stats, err := a.Pipeline.Queue.Stats(c.Request.Context(), queue)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queue": queue, "stats": stats})
	}
}

// jobRetryHandler restarts a failed job from attempt zero.
func (a *App) jobRetryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retryJobRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		if req.Queue == "" {
			req.Queue = models.QueueModeration
		}
		handle, err := a.Pipeline.Queue.Retry(c.Request.Context(), req.Queue, strings.TrimSpace(req.Id))
		if err != nil {
			respondError(c, err)
			return
		}
		if a.Logger != nil {
			a.Logger.WithFields(logrus.Fields{
				"field":    "jobRetryHandler",
				"queue":    req.Queue,
				"job_id":   handle.Id,
				"admin_id": currentUserId(c),
			}).Info("job restarted by operator")
		}
		c.JSON(http.StatusOK, handle)
	}
}

func (a *App) ledgerConsistencyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		drift, err := models.CheckBalanceConsistency(c.Request.Context(), a.DB)
		if err != nil {
			respondError(c, err)
			return
		}
		if drift == nil {
			drift = []models.BalanceDrift{}
		}
		c.JSON(http.StatusOK, gin.H{"consistent": len(drift) == 0, "drift": drift})
	}
}
