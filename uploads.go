package main

import (
	"errors"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/providers"
	"github.com/mmdatafocus/docshare_backend/workflow"
	"github.com/sirupsen/logrus"
)

type uploadDocumentResponse struct {
	Document *models.Document   `json:"document"`
	Job      *workflow.JobHandle `json:"job,omitempty"`
	// Queued is false when the enqueue failed; the reconciler picks the document up later.
	Queued bool `json:"queued"`
}

type downloadResponse struct {
	DocumentId string `json:"document_id"`
	URL        string `json:"url"`
	ExpiresAt  string `json:"expires_at"`
	Charged    bool   `json:"charged"`
	Cost       int    `json:"cost"`
	Balance    int    `json:"balance"`
}

// uploadDocumentHandler stores the file, creates a pending document and enqueues moderation.
func (a *App) uploadDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Files == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is not configured"})
			return
		}
		userId := currentUserId(c)
		maxBytes := a.Settings.MaxUploadBytes
		if maxBytes <= 0 {
			maxBytes = 25 << 20
		}

		fh, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
			return
		}
		if fh.Size <= 0 || fh.Size > maxBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds " + strconv.FormatInt(maxBytes>>20, 10) + "MB limit"})
			return
		}
		title := strings.TrimSpace(c.PostForm("title"))
		if title == "" {
			title = strings.TrimSuffix(fh.Filename, filepath.Ext(fh.Filename))
		}
		if title == "" || len([]rune(title)) > 255 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "title is required (max 255 characters)"})
			return
		}

		f, err := fh.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
			return
		}
		data, err := io.ReadAll(io.LimitReader(f, maxBytes+1))
		_ = f.Close()
		if err != nil || int64(len(data)) > maxBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid file"})
			return
		}
		contentType, err := providers.DetectDocumentContentType(fh.Filename, data)
		if err != nil {
			respondError(c, err)
			return
		}

		ctx := c.Request.Context()
		docId := uuid.NewString()
		objectName := path.Join("documents", strconv.Itoa(userId), docId+strings.ToLower(filepath.Ext(fh.Filename)))
		size, err := a.Files.Upload(ctx, objectName, data, contentType)
		if err != nil {
			config.LogError(a.Logger, "uploads.go", "uploadDocumentHandler", "upload to storage", map[string]interface{}{"user_id": userId, "object": objectName}, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to store file"})
			return
		}

		doc := &models.Document{
			ID:          docId,
			UserId:      userId,
			Title:       title,
			FilePath:    objectName,
			ContentType: contentType,
			FileSize:    size,
			Status:      models.DocumentStatusPending,
		}
		if err := models.CreateDocument(ctx, a.DB, doc); err != nil {
			_ = a.Files.Delete(ctx, objectName)
			respondError(c, err)
			return
		}

		resp := uploadDocumentResponse{Document: doc}
		handle, err := a.Pipeline.Queue.Enqueue(ctx, models.QueueModeration, doc.ID, map[string]interface{}{
			"file_path":    doc.FilePath,
			"content_type": doc.ContentType,
			"user_id":      userId,
		}, nil)
		if err != nil {
			// The document stays pending; the reconciler re-enqueues it.
			if a.Logger != nil {
				a.Logger.WithFields(logrus.Fields{
					"field":       "uploadDocumentHandler",
					"document_id": doc.ID,
				}).Warn("moderation enqueue failed; left for reconciliation: " + err.Error())
			}
		} else {
			resp.Job = handle
			resp.Queued = true
		}
		c.JSON(http.StatusCreated, resp)
	}
}

func (a *App) documentStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := a.Pipeline.Verifier.VerifyDocument(c.Request.Context(), currentUserId(c), c.Param("id"))
		if err != nil {
			if errors.Is(err, workflow.ErrProviderUnavailable) && state != nil {
				c.JSON(http.StatusOK, gin.H{"document": state, "warning": "moderation service unavailable; showing last known state"})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"document": state})
	}
}

// downloadDocumentHandler charges the download once per user and document, then signs a URL.
func (a *App) downloadDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.Files == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage is not configured"})
			return
		}
		ctx := c.Request.Context()
		userId := currentUserId(c)
		docId := c.Param("id")

		spend, err := a.Pipeline.Credits.SpendForDownload(ctx, userId, docId)
		if err != nil {
			respondError(c, err)
			return
		}
		doc, err := models.GetDocument(ctx, a.DB, docId)
		if err != nil {
			respondError(c, err)
			return
		}
		url, expires, err := a.Files.SignedURL(ctx, doc.FilePath)
		if err != nil {
			// The charge is committed and idempotent, so the client can simply retry.
			config.LogError(a.Logger, "uploads.go", "downloadDocumentHandler", "sign url", map[string]interface{}{"user_id": userId, "document_id": docId}, err)
			c.JSON(http.StatusBadGateway, gin.H{"error": "failed to sign download url"})
			return
		}
		c.JSON(http.StatusOK, downloadResponse{
			DocumentId: doc.ID,
			URL:        url,
			ExpiresAt:  expires.UTC().Format(time.RFC3339),
			Charged:    spend.Charged,
			Cost:       spend.Cost,
			Balance:    spend.Balance,
		})
	}
}
