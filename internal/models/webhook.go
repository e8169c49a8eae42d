package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeliveryStatus is the outcome of one outbound delivery attempt.
type DeliveryStatus string

const (
	DeliveryStatusSuccess DeliveryStatus = "success"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// WebhookEndpoint is a merchant registered destination for business events.
type WebhookEndpoint struct {
	ID          uuid.UUID                   `json:"id" gorm:"type:uuid;primaryKey"`
	URL         string                      `json:"url" gorm:"not null"`
	Events      datatypes.JSONSlice[string] `json:"events" gorm:"not null"`
	Secret      string                      `json:"secret,omitempty" gorm:"not null"`
	IsActive    bool                        `json:"is_active" gorm:"not null;index"`
	Description string                      `json:"description"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// Subscribes reports whether the endpoint wants eventType.
func (e *WebhookEndpoint) Subscribes(eventType string) bool {
	for _, ev := range e.Events {
		if ev == eventType || ev == "*" {
			return true
		}
	}
	return false
}

// WebhookDeliveryLog is one append-only row per delivery attempt.
type WebhookDeliveryLog struct {
	ID           uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	EndpointID   uuid.UUID      `json:"endpoint_id" gorm:"type:uuid;not null;index"`
	EventType    string         `json:"event_type" gorm:"not null"`
	Payload      datatypes.JSON `json:"payload"`
	Status       DeliveryStatus `json:"status" gorm:"size:16;not null;index"`
	HTTPStatus   *int           `json:"http_status,omitempty"`
	ResponseBody string         `json:"response_body,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	DurationMs   int64          `json:"duration_ms"`
	CreatedAt    time.Time      `json:"created_at" gorm:"index"`
}

// ProcessedEvent is one inbound provider event id already handled.
type ProcessedEvent struct {
	EventID     string         `json:"event_id" gorm:"primaryKey;size:255"`
	Result      datatypes.JSON `json:"result"`
	ProcessedAt time.Time      `json:"processed_at"`
	ExpiresAt   time.Time      `json:"expires_at" gorm:"index"`
}

func (e *WebhookEndpoint) TableName() string    { return "webhook_endpoints" }
func (l *WebhookDeliveryLog) TableName() string { return "webhook_delivery_logs" }
func (p *ProcessedEvent) TableName() string     { return "processed_events" }

func (e *WebhookEndpoint) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (l *WebhookDeliveryLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

// All lists every model for AutoMigrate in tests and local runs.
func All() []interface{} {
	return []interface{}{
		&Product{},
		&PaymentTransaction{},
		&UserProductAccess{},
		&GuestPurchase{},
		&ProcessedEvent{},
		&WebhookEndpoint{},
		&WebhookDeliveryLog{},
	}
}
