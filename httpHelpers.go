package main

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/mmdatafocus/docshare_backend/workflow"
)

func currentUserId(c *gin.Context) int {
	id, _ := utils.GetUserIdFromContext(c.Request.Context())
	return id
}

// respondError maps domain errors to status codes. Anything unrecognised is recorded on
// the gin context for customErrorLogger and answered with a generic 500.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrEntityNotFound), errors.Is(err, workflow.ErrJobNotFound), utils.IsRecordNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, workflow.ErrInvalidCallback), errors.Is(err, workflow.ErrInvalidJob),
		errors.Is(err, workflow.ErrInvalidPurchase), errors.Is(err, providers.ErrUnsupportedFileType),
		errors.Is(err, models.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrInsufficientCredits):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrDocumentNotAvailable), errors.Is(err, workflow.ErrEntityNotPending),
		errors.Is(err, workflow.ErrJobNotRetryable), errors.Is(err, workflow.ErrConflictingOutcome),
		errors.Is(err, workflow.ErrOutcomeNotYetApplicable):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, workflow.ErrProviderUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "provider unavailable, try again later"})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func queryInt(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func queryCursor(c *gin.Context, key string) *string {
	v := c.Query(key)
	if v == "" {
		return nil
	}
	return &v
}
