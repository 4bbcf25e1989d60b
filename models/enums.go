package models

import (
	"errors"
	"strings"
)

type DocumentStatus string

const (
	DocumentStatusPending  DocumentStatus = "pending"
	DocumentStatusApproved DocumentStatus = "approved"
	DocumentStatusRejected DocumentStatus = "rejected"
	// DocumentStatusFailed means moderation could not be completed (retries exhausted).
	DocumentStatusFailed DocumentStatus = "failed"
)

func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusApproved || s == DocumentStatusRejected || s == DocumentStatusFailed
}

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusSucceeded || s == PaymentStatusFailed || s == PaymentStatusRefunded
}

// TransactionType is the kind of a credit ledger row.
type TransactionType string

const (
	TransactionTypeEarn     TransactionType = "earn"
	TransactionTypeSpend    TransactionType = "spend"
	TransactionTypeBonus    TransactionType = "bonus"
	TransactionTypePenalty  TransactionType = "penalty"
	TransactionTypePurchase TransactionType = "purchase"
	TransactionTypeTransfer TransactionType = "transfer"
	TransactionTypeUpload   TransactionType = "upload"
	TransactionTypeDownload TransactionType = "download"
	TransactionTypeRefund   TransactionType = "refund"
)

var allTransactionTypes = []TransactionType{
	TransactionTypeEarn, TransactionTypeSpend, TransactionTypeBonus, TransactionTypePenalty,
	TransactionTypePurchase, TransactionTypeTransfer, TransactionTypeUpload, TransactionTypeDownload,
	TransactionTypeRefund,
}

func ParseTransactionType(v string) (TransactionType, error) {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, t := range allTransactionTypes {
		if string(t) == v {
			return t, nil
		}
	}
	return "", errors.New("invalid transaction type")
}

// ReferenceType names the entity a ledger row or notification points at.
type ReferenceType string

const (
	ReferenceTypeDocument      ReferenceType = "document"
	ReferenceTypePaymentIntent ReferenceType = "payment_intent"
	ReferenceTypeSeed          ReferenceType = "seed"
)

type NotificationType string

const (
	NotificationTypeDocumentApproved NotificationType = "document_approved"
	NotificationTypeDocumentRejected NotificationType = "document_rejected"
	NotificationTypeDocumentFailed   NotificationType = "document_failed"
	NotificationTypePaymentSucceeded NotificationType = "payment_succeeded"
	NotificationTypePaymentFailed    NotificationType = "payment_failed"
	NotificationTypePaymentRefunded  NotificationType = "payment_refunded"
	NotificationTypeComment          NotificationType = "comment"
	NotificationTypeFollow           NotificationType = "follow"
	NotificationTypeRating           NotificationType = "rating"
)

// Job statuses. "delayed" is not stored: it is a waiting job whose next_attempt_at is in the future.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

type BackoffType string

const (
	BackoffExponential BackoffType = "exponential"
	BackoffFixed       BackoffType = "fixed"
)

const (
	QueueModeration = "moderation"
)
