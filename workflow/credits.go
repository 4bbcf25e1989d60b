package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/mmdatafocus/docshare_backend/config"
	"github.com/mmdatafocus/docshare_backend/models"
	"github.com/mmdatafocus/docshare_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var ErrDocumentNotAvailable = errors.New("document is not available for download")

type SpendResult struct {
	DocumentId string                    `json:"document_id"`
	Charged    bool                      `json:"charged"`
	Cost       int                       `json:"cost"`
	Entry      *models.CreditTransaction `json:"entry,omitempty"`
	// Balance is read after commit, never derived from the pre-spend balance.
	Balance int `json:"balance"`
}

// CreditService charges credits for downloads. The buyer's user row lock serializes
// concurrent spends against the same balance.
type CreditService struct {
	DB           *gorm.DB
	Logger       *logrus.Logger
	DownloadCost int
}

// SpendForDownload charges the download cost once per (user, document). Authors download
// their own documents for free.
func (s *CreditService) SpendForDownload(ctx context.Context, userId int, documentId string) (*SpendResult, error) {
	result := &SpendResult{DocumentId: documentId, Cost: s.DownloadCost}

	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := models.LockUser(tx, userId)
		if err != nil {
			if utils.IsRecordNotFound(err) {
				return ErrEntityNotFound
			}
			return err
		}

		var doc models.Document
		if err := tx.Where("id = ?", documentId).Take(&doc).Error; err != nil {
			if utils.IsRecordNotFound(err) {
				return ErrEntityNotFound
			}
			return err
		}
		if doc.Status != models.DocumentStatusApproved {
			return ErrDocumentNotAvailable
		}
		if doc.UserId == userId || s.DownloadCost <= 0 {
			return nil
		}

		paid, err := models.UserCreditEffectExists(tx, userId, models.ReferenceTypeDocument, doc.ID, models.TransactionTypeDownload)
		if err != nil {
			return err
		}
		if paid {
			return nil
		}
		if user.CreditBalance < s.DownloadCost {
			return ErrInsufficientCredits
		}

		entry, err := models.AppendCreditTransaction(tx, models.NewCreditTransaction{
			UserId:        userId,
			Amount:        -s.DownloadCost,
			Type:          models.TransactionTypeDownload,
			Description:   "Download: " + doc.Title,
			ReferenceType: models.ReferenceTypeDocument,
			ReferenceId:   doc.ID,
			OneTime:       true,
			EffectScope:   "user:" + strconv.Itoa(userId),
		})
		if err != nil {
			return err
		}
		result.Charged = true
		result.Entry = entry
		return nil
	})
	if errors.Is(err, models.ErrDuplicateEffect) {
		result.Charged = false
		result.Entry = nil
		err = nil
	}
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrEntityNotFound) && !errors.Is(err, ErrDocumentNotAvailable) {
			config.LogError(s.Logger, "CreditService", "SpendForDownload", "spend credits", map[string]interface{}{"user_id": userId, "document_id": documentId}, err)
		}
		return nil, err
	}

	balance, err := models.GetCreditBalance(ctx, s.DB, userId)
	if err != nil {
		return nil, fmt.Errorf("read balance after spend: %w", err)
	}
	result.Balance = balance
	if !result.Charged {
		result.Cost = 0
	}

	if result.Charged && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":       "CreditService",
			"user_id":     userId,
			"document_id": documentId,
			"cost":        s.DownloadCost,
			"balance":     balance,
		}).Info("download charged")
	}
	return result, nil
}
