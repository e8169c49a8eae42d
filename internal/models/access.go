package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Subject identifies who holds access: a registered user, or a guest keyed by
// the checkout session that created the purchase.
type Subject struct {
	UserID         string `json:"user_id,omitempty"`
	GuestSessionID string `json:"guest_session_id,omitempty"`
	Email          string `json:"email,omitempty"`
}

// IsGuest reports whether the subject has no user account.
func (s Subject) IsGuest() bool {
	return s.UserID == ""
}

// IsZero reports whether the subject identifies nobody.
func (s Subject) IsZero() bool {
	return s.UserID == "" && s.GuestSessionID == ""
}

// UserProductAccess grants a registered user access to a product.
type UserProductAccess struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	UserID        string     `json:"user_id" gorm:"not null;uniqueIndex:idx_user_product"`
	ProductID     string     `json:"product_id" gorm:"not null;uniqueIndex:idx_user_product"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt     time.Time  `json:"created_at"`
}

// GuestPurchase grants a guest checkout access to a product.
type GuestPurchase struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	SessionID     string     `json:"session_id" gorm:"not null;uniqueIndex:idx_guest_product"`
	ProductID     string     `json:"product_id" gorm:"not null;uniqueIndex:idx_guest_product"`
	Email         string     `json:"email"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty" gorm:"type:uuid;index"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (a *UserProductAccess) TableName() string { return "user_product_access" }
func (g *GuestPurchase) TableName() string     { return "guest_purchases" }

func (a *UserProductAccess) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func (g *GuestPurchase) BeforeCreate(tx *gorm.DB) error {
	if g.ID == uuid.Nil {
		g.ID = uuid.New()
	}
	return nil
}
