package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	DocumentKindName = "document"

	// DocumentUploadReward is credited to the author once per approved document.
	DocumentUploadReward = 1

	textPreviewMaxRunes = 500
)

// FileRemover deletes stored document files.
type FileRemover interface {
	Delete(ctx context.Context, path string) error
}

// ApprovedByScore applies the moderation cutoff: a score must be strictly greater than
// threshold to approve, so a score equal to the threshold is rejected.
func ApprovedByScore(score, threshold float64) bool {
	return score > threshold
}

// ModerationReport is a moderation result as reported by the worker webhook or read back
// from the moderation service.
type ModerationReport struct {
	DocumentId  string
	Status      string
	Score       *float64
	Flags       []string
	TextPreview string
	Error       string
}

type ModerationVerdict struct {
	// Callback is set when the report carries a terminal decision.
	Callback *Callback
	// WorkerFailed means this processing attempt failed; the queue decides on a retry.
	WorkerFailed bool
	Pending      bool
}

// InterpretModeration turns a report into a settlement callback.
func InterpretModeration(r ModerationReport, threshold float64, source CallbackSource, eventId string) (ModerationVerdict, error) {
	id := strings.TrimSpace(r.DocumentId)
	if id == "" {
		return ModerationVerdict{}, fmt.Errorf("%w: document id is required", ErrInvalidCallback)
	}
	cb := &Callback{
		EntityId: id,
		Source:   source,
		EventId:  eventId,
		Evidence: Evidence{
			Score:          r.Score,
			Flags:          r.Flags,
			TextPreview:    utils.Truncate(r.TextPreview, textPreviewMaxRunes),
			ProviderStatus: r.Status,
		},
	}

	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "approved":
		cb.Outcome = OutcomeSuccess
	case "rejected":
		cb.Outcome = OutcomeFailure
		cb.Reason = rejectionReason(r)
	case "completed":
		if r.Score == nil {
			return ModerationVerdict{}, fmt.Errorf("%w: completed result without score", ErrInvalidCallback)
		}
		if ApprovedByScore(*r.Score, threshold) {
			cb.Outcome = OutcomeSuccess
		} else {
			cb.Outcome = OutcomeFailure
			cb.Reason = rejectionReason(r)
		}
	case "failed":
		return ModerationVerdict{WorkerFailed: true}, nil
	case "", "pending", "queued", "processing":
		return ModerationVerdict{Pending: true}, nil
	default:
		return ModerationVerdict{}, fmt.Errorf("%w: unknown moderation status %q", ErrInvalidCallback, r.Status)
	}
	return ModerationVerdict{Callback: cb}, nil
}

func rejectionReason(r ModerationReport) string {
	if msg := strings.TrimSpace(r.Error); msg != "" {
		return msg
	}
	if len(r.Flags) > 0 {
		return "Content flagged by moderation: " + strings.Join(r.Flags, ", ")
	}
	return "Content did not pass moderation"
}

// DocumentSettlement settles moderation results for documents.
type DocumentSettlement struct {
	Files  FileRemover
	Logger *logrus.Logger
}

func (k *DocumentSettlement) Name() string { return DocumentKindName }

func (k *DocumentSettlement) Lock(tx *gorm.DB, id string) (*LockedEntity, error) {
	doc, err := models.LockDocument(tx, id)
	if err != nil {
		return nil, err
	}
	return &LockedEntity{
		Id:       doc.ID,
		OwnerId:  doc.UserId,
		Status:   string(doc.Status),
		Terminal: doc.Status.IsTerminal(),
		Row:      doc,
	}, nil
}

func (k *DocumentSettlement) Plan(entity *LockedEntity, cb Callback) (Transition, error) {
	doc := entity.Row.(*models.Document)
	switch cb.Outcome {
	case OutcomeSuccess:
		return Transition{
			Status: string(models.DocumentStatusApproved),
			Effect: &LedgerEffect{
				Kind:          models.TransactionTypeUpload,
				Amount:        DocumentUploadReward,
				ReferenceType: models.ReferenceTypeDocument,
				Description:   "Upload approved: " + doc.Title,
			},
		}, nil
	case OutcomeFailure:
		if cb.Evidence.ProcessingFailed {
			return Transition{Status: string(models.DocumentStatusFailed)}, nil
		}
		return Transition{Status: string(models.DocumentStatusRejected)}, nil
	default:
		return Transition{}, fmt.Errorf("%w: documents cannot be refunded", ErrInvalidCallback)
	}
}

func (k *DocumentSettlement) CanTransition(from, to string) bool {
	if models.DocumentStatus(from) != models.DocumentStatusPending {
		return false
	}
	return models.DocumentStatus(to).IsTerminal()
}

func (k *DocumentSettlement) Supersedes(current, target string) bool { return false }

func (k *DocumentSettlement) Premature(current, target string) bool { return false }

func (k *DocumentSettlement) Apply(tx *gorm.DB, entity *LockedEntity, t Transition, cb Callback) error {
	doc := entity.Row.(*models.Document)
	now := time.Now().UTC()
	status := models.DocumentStatus(t.Status)

	updates := map[string]interface{}{
		"status":       status,
		"moderated_at": &now,
	}
	if !cb.Evidence.ProcessingFailed {
		updates["has_moderation_data"] = true
		if cb.Evidence.Score != nil {
			updates["moderation_score"] = *cb.Evidence.Score
		}
		if cb.Evidence.Flags != nil {
			flags, err := json.Marshal(cb.Evidence.Flags)
			if err != nil {
				return err
			}
			updates["moderation_flags"] = datatypes.JSON(flags)
		}
		if cb.Evidence.TextPreview != "" {
			updates["text_preview"] = utils.Truncate(cb.Evidence.TextPreview, textPreviewMaxRunes)
		}
	}
	reason := ""
	if status != models.DocumentStatusApproved {
		reason = strings.TrimSpace(cb.Reason)
		if reason == "" {
			reason = "Content did not pass moderation"
			if status == models.DocumentStatusFailed {
				reason = "Moderation could not be completed"
			}
		}
		updates["rejection_reason"] = reason
		doc.RejectionReason = &reason
	}

	if err := tx.Model(&models.Document{}).Where("id = ?", doc.ID).Updates(updates).Error; err != nil {
		return err
	}
	doc.Status = status
	doc.ModeratedAt = &now

	jobStatus := models.JobStatusCompleted
	if status == models.DocumentStatusFailed {
		jobStatus = models.JobStatusFailed
	}
	return finishJob(tx, models.QueueModeration, doc.ID, jobStatus, reason, now)
}

// AfterCommit removes a rejected document's file. A failed document keeps its file.
func (k *DocumentSettlement) AfterCommit(ctx context.Context, entity *LockedEntity, t Transition, cb Callback) {
	doc := entity.Row.(*models.Document)
	if models.DocumentStatus(t.Status) != models.DocumentStatusRejected || k.Files == nil || doc.FilePath == "" {
		return
	}
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := k.Files.Delete(delCtx, doc.FilePath); err != nil && k.Logger != nil {
		k.Logger.WithFields(logrus.Fields{
			"field":       "DocumentSettlement",
			"document_id": doc.ID,
			"file_path":   doc.FilePath,
		}).Warn("failed to delete rejected document file: " + err.Error())
	}
}

func (k *DocumentSettlement) Notification(entity *LockedEntity, t Transition, cb Callback) *models.NewNotification {
	doc := entity.Row.(*models.Document)
	n := &models.NewNotification{UserId: doc.UserId, RelatedId: doc.ID}
	reason := ""
	if doc.RejectionReason != nil {
		reason = *doc.RejectionReason
	}
	switch models.DocumentStatus(t.Status) {
	case models.DocumentStatusApproved:
		n.Type = models.NotificationTypeDocumentApproved
		n.Title = "Document approved"
		n.Message = fmt.Sprintf("%q passed moderation and is now published. You earned %d credit.", doc.Title, DocumentUploadReward)
	case models.DocumentStatusRejected:
		n.Type = models.NotificationTypeDocumentRejected
		n.Title = "Document rejected"
		n.Message = fmt.Sprintf("%q was rejected: %s", doc.Title, reason)
	case models.DocumentStatusFailed:
		n.Type = models.NotificationTypeDocumentFailed
		n.Title = "Document processing failed"
		n.Message = fmt.Sprintf("%q could not be processed: %s", doc.Title, reason)
	default:
		return nil
	}
	return n
}

// DocumentPendingGuard only lets pending documents into the moderation queue.
func DocumentPendingGuard() EntityGuard {
	return func(tx *gorm.DB, entityId string) error {
		doc, err := models.LockDocument(tx, entityId)
		if err != nil {
			if utils.IsRecordNotFound(err) {
				return ErrEntityNotFound
			}
			return err
		}
		if doc.Status != models.DocumentStatusPending {
			return ErrEntityNotPending
		}
		return nil
	}
}

// SettleExhaustedDocument moves a document whose moderation job ran out of attempts to failed.
func SettleExhaustedDocument(engine *SettlementEngine, kind SettlementKind) ExhaustionHandler {
	return func(ctx context.Context, job models.Job, reason string) error {
		if engine == nil {
			return errors.New("settlement engine is nil")
		}
		_, err := engine.Settle(ctx, kind, Callback{
			EntityId: job.ID,
			Outcome:  OutcomeFailure,
			Reason:   utils.Truncate(reason, 2000),
			Evidence: Evidence{ProcessingFailed: true},
			Source:   SourceQueue,
			EventId:  fmt.Sprintf("job:%s:%s:exhausted", job.Queue, job.ID),
		})
		return err
	}
}
