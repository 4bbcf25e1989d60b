package main

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/docshare_backend/workflow"
)

type createPaymentIntentRequest struct {
	Credits int `json:"credits" binding:"required,gt=0"`
}

func (a *App) createPaymentIntentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createPaymentIntentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "credits must be a positive integer"})
			return
		}
		out, err := a.Pipeline.Checkout.CreateCheckout(c.Request.Context(), currentUserId(c), req.Credits)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, out)
	}
}

// verifyPaymentHandler is the client-facing Verification Fallback. A provider outage still
// answers 200 with the local state so the client can keep polling.
func (a *App) verifyPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payment intent id is required"})
			return
		}
		state, err := a.Pipeline.Verifier.VerifyPayment(c.Request.Context(), currentUserId(c), id)
		if err != nil {
			if errors.Is(err, workflow.ErrProviderUnavailable) && state != nil {
				c.JSON(http.StatusOK, gin.H{"payment": state, "warning": "provider unavailable; showing last known state"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"payment": state})
	}
}
