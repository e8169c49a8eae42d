package services

import (
	"context"
	"fmt"
	"net/mail"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
	"github.com/sambitmohanty1/payment-webhooks/internal/eventbus"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
)

// freeClaimPrefix keys guest claims of free products, which have no checkout session.
const freeClaimPrefix = "free:"

// AccessService grants and revokes product access for users and guests.
type AccessService struct {
	db     *gorm.DB
	logger *zap.Logger
	publisher
}

// NewAccessService creates a new access service
func NewAccessService(db *gorm.DB, bus eventbus.EventBus, logger *zap.Logger) *AccessService {
	return &AccessService{
		db:        db,
		logger:    logger,
		publisher: publisher{bus: bus, logger: logger},
	}
}

// Grant gives subject access to productID. It reports whether a new grant was
// created; an existing grant is left untouched.
func (s *AccessService) Grant(ctx context.Context, subject models.Subject, productID string, txID *uuid.UUID) (bool, error) {
	return s.grant(s.db.WithContext(ctx), subject, productID, txID)
}

func (s *AccessService) grant(db *gorm.DB, subject models.Subject, productID string, txID *uuid.UUID) (bool, error) {
	if subject.IsZero() {
		return false, errs.BusinessRule("access subject is required")
	}

	var res *gorm.DB
	if subject.IsGuest() {
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.GuestPurchase{
			SessionID:     subject.GuestSessionID,
			ProductID:     productID,
			Email:         subject.Email,
			TransactionID: txID,
		})
	} else {
		res = db.Clauses(clause.OnConflict{DoNothing: true}).Create(&models.UserProductAccess{
			UserID:        subject.UserID,
			ProductID:     productID,
			TransactionID: txID,
		})
	}
	if res.Error != nil {
		return false, fmt.Errorf("failed to grant access to %s: %w", productID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// HasAccess reports whether subject holds a grant for productID.
func (s *AccessService) HasAccess(ctx context.Context, subject models.Subject, productID string) (bool, error) {
	var count int64
	var err error
	if subject.IsGuest() {
		err = s.db.WithContext(ctx).Model(&models.GuestPurchase{}).
			Where("session_id = ? AND product_id = ?", subject.GuestSessionID, productID).
			Count(&count).Error
	} else {
		err = s.db.WithContext(ctx).Model(&models.UserProductAccess{}).
			Where("user_id = ? AND product_id = ?", subject.UserID, productID).
			Count(&count).Error
	}
	if err != nil {
		return false, fmt.Errorf("failed to check access: %w", err)
	}
	return count > 0, nil
}

// Revoke removes subject's grant for productID and returns the rows removed.
func (s *AccessService) Revoke(ctx context.Context, subject models.Subject, productID string) (int64, error) {
	var res *gorm.DB
	if subject.IsGuest() {
		res = s.db.WithContext(ctx).
			Where("session_id = ? AND product_id = ?", subject.GuestSessionID, productID).
			Delete(&models.GuestPurchase{})
	} else {
		res = s.db.WithContext(ctx).
			Where("user_id = ? AND product_id = ?", subject.UserID, productID).
			Delete(&models.UserProductAccess{})
	}
	if res.Error != nil {
		return 0, fmt.Errorf("failed to revoke access to %s: %w", productID, res.Error)
	}
	return res.RowsAffected, nil
}

// RevokeForTransaction removes every grant created by tx from both the user
// and guest tables. Each table is attempted even if the other fails; the
// returned error combines both failures.
func (s *AccessService) RevokeForTransaction(ctx context.Context, tx *models.PaymentTransaction) (int64, error) {
	var revoked int64
	var combined error

	userRes := s.db.WithContext(ctx).Where("transaction_id = ?", tx.ID).Delete(&models.UserProductAccess{})
	if userRes.Error != nil {
		combined = errors.CombineErrors(combined, errors.Wrap(userRes.Error, "failed to revoke user access"))
	} else {
		revoked += userRes.RowsAffected
	}

	guestRes := s.db.WithContext(ctx).Where("transaction_id = ?", tx.ID).Delete(&models.GuestPurchase{})
	if guestRes.Error != nil {
		combined = errors.CombineErrors(combined, errors.Wrap(guestRes.Error, "failed to revoke guest access"))
	} else {
		revoked += guestRes.RowsAffected
	}

	if revoked > 0 {
		s.logger.Info("Access revoked",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("product_id", tx.ProductID),
			zap.Int64("grants", revoked))
		subject := tx.Subject()
		s.publish(ctx, events.AccessRevoked, events.AccessPayload{
			TransactionID: tx.ID.String(),
			ProductID:     tx.ProductID,
			UserID:        subject.UserID,
			GuestSession:  subject.GuestSessionID,
		})
	}
	return revoked, combined
}

// ClaimResult reports the outcome of a free product claim.
type ClaimResult struct {
	ProductID string `json:"product_id"`
	Granted   bool   `json:"granted"`
	Message   string `json:"message"`
}

// ClaimFree grants a free product to a user or an email-identified guest and
// emits lead.captured for new grants.
func (s *AccessService) ClaimFree(ctx context.Context, productID, email, userID string) (*ClaimResult, error) {
	email = strings.TrimSpace(email)
	userID = strings.TrimSpace(userID)

	if email != "" {
		addr, err := mail.ParseAddress(email)
		if err != nil {
			return nil, errs.BusinessRule("invalid email address")
		}
		email = strings.ToLower(addr.Address)
	}
	if email == "" && userID == "" {
		return nil, errs.BusinessRule("email or user_id is required")
	}

	var product models.Product
	if err := s.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("product", productID)
		}
		return nil, fmt.Errorf("failed to load product: %w", err)
	}
	if !product.IsFree() {
		return nil, errs.BusinessRule("product %s is not free", productID)
	}

	subject := models.Subject{UserID: userID, Email: email}
	if subject.IsGuest() {
		subject.GuestSessionID = freeClaimPrefix + email
	}

	granted, err := s.Grant(ctx, subject, productID, nil)
	if err != nil {
		return nil, err
	}

	result := &ClaimResult{ProductID: productID, Granted: granted, Message: "Access granted"}
	if !granted {
		result.Message = "Already claimed"
		return result, nil
	}

	s.logger.Info("Free product claimed",
		zap.String("product_id", productID),
		zap.Bool("guest", subject.IsGuest()))
	s.publish(ctx, events.LeadCaptured, events.LeadPayload{
		ProductID: productID,
		Email:     email,
		UserID:    userID,
	})
	return result, nil
}
