package events

import (
	"time"

	"github.com/google/uuid"
)

// Business event types merchants can subscribe to.
const (
	PurchaseCompleted = "purchase.completed"
	RefundIssued      = "refund.issued"
	DisputeOpened     = "dispute.created"
	LeadCaptured      = "lead.captured"
	AccessRevoked     = "access.revoked"

	// Wildcard subscribes an endpoint to every business event.
	Wildcard = "*"
)

var businessEvents = []string{
	PurchaseCompleted,
	RefundIssued,
	DisputeOpened,
	LeadCaptured,
	AccessRevoked,
}

// BusinessEvents lists the subscribable event types.
func BusinessEvents() []string {
	out := make([]string, len(businessEvents))
	copy(out, businessEvents)
	return out
}

// IsSubscribable reports whether an endpoint may subscribe to t.
func IsSubscribable(t string) bool {
	if t == Wildcard {
		return true
	}
	for _, ev := range businessEvents {
		if ev == t {
			return true
		}
	}
	return false
}

// Business is an internal event published for outbound delivery.
type Business struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurred_at"`
	Data       interface{} `json:"data"`
}

// NewBusiness stamps a new business event.
func NewBusiness(eventType string, data interface{}) Business {
	return Business{
		ID:         "bevt_" + uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// PurchasePayload is the data of purchase.completed.
type PurchasePayload struct {
	TransactionID string `json:"transaction_id"`
	SessionID     string `json:"session_id"`
	ProductID     string `json:"product_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	UserID        string `json:"user_id,omitempty"`
	Email         string `json:"email,omitempty"`
	Guest         bool   `json:"guest"`
}

// RefundPayload is the data of refund.issued.
type RefundPayload struct {
	TransactionID  string `json:"transaction_id"`
	ProductID      string `json:"product_id"`
	RefundID       string `json:"refund_id,omitempty"`
	Amount         int64  `json:"amount"`
	RefundedAmount int64  `json:"refunded_amount"`
	Currency       string `json:"currency"`
	FullyRefunded  bool   `json:"fully_refunded"`
}

// DisputePayload is the data of dispute.created.
type DisputePayload struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
	DisputeID     string `json:"dispute_id"`
	Reason        string `json:"reason,omitempty"`
	Amount        int64  `json:"amount"`
}

// LeadPayload is the data of lead.captured.
type LeadPayload struct {
	ProductID string `json:"product_id"`
	Email     string `json:"email"`
	UserID    string `json:"user_id,omitempty"`
}

// AccessPayload is the data of access.revoked.
type AccessPayload struct {
	TransactionID string `json:"transaction_id"`
	ProductID     string `json:"product_id"`
	UserID        string `json:"user_id,omitempty"`
	GuestSession  string `json:"guest_session_id,omitempty"`
}
