package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// TransactionStatus is the lifecycle state of a payment transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusRefunded  TransactionStatus = "refunded"
	TransactionStatusDisputed  TransactionStatus = "disputed"
)

// PaymentTransaction is one checkout session's payment as seen by this service.
// Amount is fixed at creation; RefundedAmount only grows and never exceeds Amount.
type PaymentTransaction struct {
	ID              uuid.UUID         `json:"id" gorm:"type:uuid;primaryKey"`
	SessionID       string            `json:"session_id" gorm:"not null;uniqueIndex"`
	PaymentIntentID string            `json:"payment_intent_id,omitempty" gorm:"index"`
	ChargeID        string            `json:"charge_id,omitempty" gorm:"index"`
	UserID          *string           `json:"user_id,omitempty" gorm:"index"`
	GuestSessionID  *string           `json:"guest_session_id,omitempty" gorm:"index"`
	CustomerEmail   string            `json:"customer_email,omitempty"`
	ProductID       string            `json:"product_id" gorm:"not null;index"`
	Amount          int64             `json:"amount" gorm:"not null"`
	Currency        string            `json:"currency" gorm:"size:3;not null"`
	Status          TransactionStatus `json:"status" gorm:"size:16;not null;index"`
	RefundedAmount  int64             `json:"refunded_amount" gorm:"not null"`
	RefundID        *string           `json:"refund_id,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// RefundableAmount is what is left to refund.
func (t *PaymentTransaction) RefundableAmount() int64 {
	return t.Amount - t.RefundedAmount
}

// Subject returns the access subject that paid for this transaction.
func (t *PaymentTransaction) Subject() Subject {
	s := Subject{Email: t.CustomerEmail}
	if t.UserID != nil {
		s.UserID = *t.UserID
	}
	if t.GuestSessionID != nil {
		s.GuestSessionID = *t.GuestSessionID
	}
	return s
}

func (t *PaymentTransaction) TableName() string { return "payment_transactions" }

func (t *PaymentTransaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.Status == "" {
		t.Status = TransactionStatusPending
	}
	return nil
}
