package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/docshare_backend/models"
	"gorm.io/gorm"
)

const PaymentKindName = "payment"

// PaymentSettlement settles provider payment events for credit purchases.
type PaymentSettlement struct{}

func (k *PaymentSettlement) Name() string { return PaymentKindName }

func (k *PaymentSettlement) Lock(tx *gorm.DB, id string) (*LockedEntity, error) {
	pi, err := models.LockPaymentIntent(tx, id)
	if err != nil {
		return nil, err
	}
	return &LockedEntity{
		Id:       pi.ID,
		OwnerId:  pi.UserId,
		Status:   string(pi.Status),
		Terminal: pi.Status.IsTerminal(),
		Row:      pi,
	}, nil
}

func (k *PaymentSettlement) Plan(entity *LockedEntity, cb Callback) (Transition, error) {
	pi := entity.Row.(*models.PaymentIntent)
	switch cb.Outcome {
	case OutcomeSuccess:
		return Transition{
			Status: string(models.PaymentStatusSucceeded),
			Effect: &LedgerEffect{
				Kind:          models.TransactionTypePurchase,
				Amount:        pi.Credits,
				ReferenceType: models.ReferenceTypePaymentIntent,
				Description:   fmt.Sprintf("Purchased %d credits", pi.Credits),
			},
		}, nil
	case OutcomeFailure:
		return Transition{Status: string(models.PaymentStatusFailed)}, nil
	case OutcomeRefund:
		return Transition{
			Status: string(models.PaymentStatusRefunded),
			Effect: &LedgerEffect{
				Kind:          models.TransactionTypeRefund,
				Amount:        -pi.Credits,
				ReferenceType: models.ReferenceTypePaymentIntent,
				Description:   fmt.Sprintf("Refund of %d credits", pi.Credits),
			},
		}, nil
	default:
		return Transition{}, fmt.Errorf("%w: unknown outcome %q", ErrInvalidCallback, cb.Outcome)
	}
}

// CanTransition: pending settles to succeeded or failed; only succeeded can be refunded.
func (k *PaymentSettlement) CanTransition(from, to string) bool {
	switch models.PaymentStatus(from) {
	case models.PaymentStatusPending:
		return to == string(models.PaymentStatusSucceeded) || to == string(models.PaymentStatusFailed)
	case models.PaymentStatusSucceeded:
		return to == string(models.PaymentStatusRefunded)
	default:
		return false
	}
}

func (k *PaymentSettlement) Supersedes(current, target string) bool {
	return current == string(models.PaymentStatusRefunded) && target == string(models.PaymentStatusSucceeded)
}

// Premature: a refund can overtake the success event it reverses.
func (k *PaymentSettlement) Premature(current, target string) bool {
	return current == string(models.PaymentStatusPending) && target == string(models.PaymentStatusRefunded)
}

func (k *PaymentSettlement) Apply(tx *gorm.DB, entity *LockedEntity, t Transition, cb Callback) error {
	pi := entity.Row.(*models.PaymentIntent)
	now := time.Now().UTC()
	status := models.PaymentStatus(t.Status)

	updates := map[string]interface{}{"status": status}
	switch status {
	case models.PaymentStatusSucceeded:
		updates["succeeded_at"] = &now
		pi.SucceededAt = &now
	case models.PaymentStatusFailed:
		reason := strings.TrimSpace(cb.Reason)
		if reason == "" {
			reason = "Payment failed"
		}
		updates["failed_at"] = &now
		updates["failure_reason"] = reason
		pi.FailedAt = &now
		pi.FailureReason = &reason
	case models.PaymentStatusRefunded:
		updates["refunded_at"] = &now
		pi.RefundedAt = &now
	}
	if err := tx.Model(&models.PaymentIntent{}).Where("id = ?", pi.ID).Updates(updates).Error; err != nil {
		return err
	}
	pi.Status = status
	return nil
}

func (k *PaymentSettlement) AfterCommit(ctx context.Context, entity *LockedEntity, t Transition, cb Callback) {
}

func (k *PaymentSettlement) Notification(entity *LockedEntity, t Transition, cb Callback) *models.NewNotification {
	pi := entity.Row.(*models.PaymentIntent)
	n := &models.NewNotification{UserId: pi.UserId, RelatedId: pi.ID}
	switch models.PaymentStatus(t.Status) {
	case models.PaymentStatusSucceeded:
		n.Type = models.NotificationTypePaymentSucceeded
		n.Title = "Payment received"
		n.Message = fmt.Sprintf("%d credits were added to your balance.", pi.Credits)
	case models.PaymentStatusFailed:
		n.Type = models.NotificationTypePaymentFailed
		n.Title = "Payment failed"
		n.Message = "Your payment could not be completed."
		if pi.FailureReason != nil {
			n.Message = "Your payment could not be completed: " + *pi.FailureReason
		}
	case models.PaymentStatusRefunded:
		n.Type = models.NotificationTypePaymentRefunded
		n.Title = "Payment refunded"
		n.Message = fmt.Sprintf("Your payment was refunded and %d credits were removed from your balance.", pi.Credits)
	default:
		return nil
	}
	return n
}
