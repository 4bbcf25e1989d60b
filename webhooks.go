package main

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/sirupsen/logrus"
)

const (
	moderationSecretHeader = "X-Webhook-Secret"
	maxWebhookBodyBytes    = 1 << 20
)

// moderationCallback is the body the moderation worker posts.
type moderationCallback struct {
	DocumentId  string   `json:"document_id"`
	Status      string   `json:"status"`
	Score       *float64 `json:"score"`
	Flags       []string `json:"flags"`
	TextPreview string   `json:"text_preview"`
	Error       string   `json:"error"`
	EventId     string   `json:"event_id"`
}

// validModerationSecret compares in constant time. An unset secret rejects everything.
func validModerationSecret(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

func (a *App) logSecurity(c *gin.Context, handler, msg string) {
	if a.Logger == nil {
		return
	}
	a.Logger.WithFields(logrus.Fields{
		"field":          handler,
		"security":       true,
		"client_ip":      c.ClientIP(),
		"correlation_id": utils.CorrelationIdOrNew(c.Request.Context()),
	}).Warn(msg)
}

func (a *App) moderationWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Authenticate before reading the body; no state is touched on failure.
		if !validModerationSecret(a.Settings.ModerationWebhookSecret, c.GetHeader(moderationSecretHeader)) {
			a.logSecurity(c, "moderationWebhookHandler", "moderation webhook rejected: bad secret")
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		var in moderationCallback
		if err := json.Unmarshal(body, &in); err != nil {
			config.LogError(a.Logger, "webhooks.go", "moderationWebhookHandler", "Unmarshal body", string(body), err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		ctx := c.Request.Context()
		verdict, err := workflow.InterpretModeration(workflow.ModerationReport{
			DocumentId:  in.DocumentId,
			Status:      in.Status,
			Score:       in.Score,
			Flags:       in.Flags,
			TextPreview: in.TextPreview,
			Error:       in.Error,
		}, a.Pipeline.Verifier.Threshold, workflow.SourceWebhook, in.EventId)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		docId := strings.TrimSpace(in.DocumentId)

		switch {
		case verdict.Pending:
			c.JSON(http.StatusOK, gin.H{"success": true, "status": models.DocumentStatusPending})
			return
		case verdict.WorkerFailed:
			reason := strings.TrimSpace(in.Error)
			if reason == "" {
				reason = "moderation worker reported failure"
			}
			err := a.Pipeline.Queue.Fail(ctx, models.QueueModeration, docId, reason)
			if errors.Is(err, workflow.ErrJobNotFound) {
				// No job to retry (pruned or never enqueued): fail the document directly.
				_, err = a.Pipeline.Engine.Settle(ctx, a.Pipeline.Documents, workflow.Callback{
					EntityId: docId,
					Outcome:  workflow.OutcomeFailure,
					Reason:   utils.Truncate(reason, 2000),
					Evidence: workflow.Evidence{ProcessingFailed: true, ProviderStatus: in.Status},
					Source:   workflow.SourceWebhook,
					EventId:  in.EventId,
				})
			}
			a.respondSettled(c, err, nil)
			return
		}

		result, err := a.Pipeline.Engine.Settle(ctx, a.Pipeline.Documents, *verdict.Callback)
		a.respondSettled(c, err, result)
	}
}

// respondSettled answers a provider callback. Handled outcomes, including duplicates and
// rejected conflicts, are 2xx so the provider stops retrying.
func (a *App) respondSettled(c *gin.Context, err error, result *workflow.SettlementResult) {
	switch {
	case err == nil:
		resp := gin.H{"success": true}
		if result != nil {
			resp["status"] = result.Status
			resp["already_processed"] = result.AlreadyProcessed
		}
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, workflow.ErrConflictingOutcome):
		c.JSON(http.StatusOK, gin.H{"success": true, "ignored": "conflicting_outcome"})
	case errors.Is(err, workflow.ErrOutcomeNotYetApplicable):
		// Non-2xx so the provider redelivers once the preceding event has landed.
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "retry": true})
	case errors.Is(err, workflow.ErrEntityNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entity not found"})
	case errors.Is(err, workflow.ErrInvalidCallback):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		// Non-2xx tells the provider to retry.
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "settlement failed"})
	}
}

func (a *App) stripeWebhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Webhooks == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "payments are not configured"})
			return
		}
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBodyBytes))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		event, err := a.Webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
		if err != nil {
			if errors.Is(err, providers.ErrInvalidSignature) {
				a.logSecurity(c, "stripeWebhookHandler", "stripe webhook rejected: "+err.Error())
			} else {
				config.LogError(a.Logger, "webhooks.go", "stripeWebhookHandler", "decode event", nil, err)
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook"})
			return
		}

		ctx := c.Request.Context()
		record, done, err := models.RecordWebhookEvent(ctx, a.DB, "stripe", event.EventId, event.Type, event.Payload)
		if err != nil {
			_ = c.Error(err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
			return
		}
		if done {
			c.JSON(http.StatusOK, gin.H{"success": true, "duplicate": true})
			return
		}

		if event.Outcome == "" || event.PaymentIntentId == "" {
			_ = models.MarkWebhookEventProcessed(ctx, a.DB, record.ID, nil)
			c.JSON(http.StatusOK, gin.H{"success": true, "ignored": "unhandled_event"})
			return
		}

		result, err := a.Pipeline.Engine.Settle(ctx, a.Pipeline.Payments, workflow.Callback{
			EntityId: event.PaymentIntentId,
			Outcome:  event.Outcome,
			Reason:   utils.Truncate(event.Reason, 2000),
			Evidence: workflow.Evidence{ProviderStatus: event.Type},
			Source:   workflow.SourceWebhook,
			EventId:  event.EventId,
		})
		switch {
		case err == nil, errors.Is(err, workflow.ErrConflictingOutcome):
			_ = models.MarkWebhookEventProcessed(ctx, a.DB, record.ID, nil)
		default:
			_ = models.MarkWebhookEventProcessed(ctx, a.DB, record.ID, err)
		}
		a.respondSettled(c, err, result)
	}
}
