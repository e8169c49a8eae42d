package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
	"github.com/sambitmohanty1/payment-webhooks/internal/eventbus"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/idempotency"
	"github.com/sambitmohanty1/payment-webhooks/internal/metrics"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
)

// DefaultRefundCeiling caps a single refund request in minor units.
const DefaultRefundCeiling int64 = 99_999_999

// PaymentRules are the amount and currency checks applied to settlements and refunds.
type PaymentRules struct {
	AllowedCurrencies []string
	MinimumAmount     int64
	RefundCeiling     int64
}

func (r PaymentRules) currencyAllowed(currency string) bool {
	if len(r.AllowedCurrencies) == 0 {
		return true
	}
	for _, c := range r.AllowedCurrencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// ValidatePayment checks a settled amount against the product. The amount the
// provider settled is the only one trusted.
func (r PaymentRules) ValidatePayment(product *models.Product, amount int64, currency string) error {
	if !strings.EqualFold(currency, product.Currency) {
		return errs.BusinessRule("currency mismatch: expected %s, got %s", strings.ToUpper(product.Currency), strings.ToUpper(currency))
	}
	if !r.currencyAllowed(currency) {
		return errs.BusinessRule("currency %s is not accepted", strings.ToUpper(currency))
	}

	if product.PayWhatYouWant {
		minimum := product.MinPrice
		if r.MinimumAmount > minimum {
			minimum = r.MinimumAmount
		}
		if amount < minimum {
			return errs.BusinessRule("amount %d is below the minimum of %d", amount, minimum)
		}
		return nil
	}

	if amount != product.Price {
		return errs.BusinessRule("amount mismatch: expected %d, got %d", product.Price, amount)
	}
	return nil
}

// RefundOutcome describes a refund the provider executed. Warnings list local
// follow-ups that failed afterwards; they never undo the refund.
type RefundOutcome struct {
	Transaction    *models.PaymentTransaction `json:"transaction"`
	RefundID       string                     `json:"refund_id"`
	ProviderStatus string                     `json:"provider_status"`
	Amount         int64                      `json:"amount"`
	FullyRefunded  bool                       `json:"fully_refunded"`
	AccessRevoked  int64                      `json:"access_revoked"`
	Warnings       []string                   `json:"warnings,omitempty"`
}

// TransactionService drives the payment transaction lifecycle.
type TransactionService struct {
	db       *gorm.DB
	access   *AccessService
	provider PaymentProvider
	rules    PaymentRules
	logger   *zap.Logger
	tracer   trace.Tracer
	publisher
}

// NewTransactionService creates a new transaction service
func NewTransactionService(db *gorm.DB, access *AccessService, provider PaymentProvider, bus eventbus.EventBus, rules PaymentRules, logger *zap.Logger) *TransactionService {
	if rules.RefundCeiling <= 0 {
		rules.RefundCeiling = DefaultRefundCeiling
	}
	return &TransactionService{
		db:        db,
		access:    access,
		provider:  provider,
		rules:     rules,
		logger:    logger,
		tracer:    otel.Tracer("transaction-service"),
		publisher: publisher{bus: bus, logger: logger},
	}
}

// Get returns a transaction by id.
func (s *TransactionService) Get(ctx context.Context, id uuid.UUID) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&tx).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("transaction", id.String())
		}
		return nil, fmt.Errorf("failed to fetch transaction: %w", err)
	}
	return &tx, nil
}

// CompleteCheckout applies a finished checkout session. Business problems are
// reported in the result rather than as errors because the provider will not
// send a corrected payload.
func (s *TransactionService) CompleteCheckout(ctx context.Context, c *events.CheckoutCompleted) (idempotency.Result, error) {
	ctx, span := s.tracer.Start(ctx, "complete_checkout")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", c.SessionID),
		attribute.String("product_id", c.ProductID),
	)

	if c.ProductID == "" {
		return idempotency.Result{Message: "Missing product_id in session metadata"}, nil
	}

	var product models.Product
	if err := s.db.WithContext(ctx).Where("id = ?", c.ProductID).First(&product).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return idempotency.Result{Message: fmt.Sprintf("Unknown product %s", c.ProductID)}, nil
		}
		return idempotency.Result{}, fmt.Errorf("failed to load product: %w", err)
	}

	if !c.Paid() {
		return s.recordPending(ctx, c)
	}

	if err := s.rules.ValidatePayment(&product, c.AmountTotal, c.Currency); err != nil {
		s.logger.Warn("Checkout rejected",
			zap.String("session_id", c.SessionID),
			zap.String("product_id", c.ProductID),
			zap.Error(err))
		return idempotency.Result{Message: err.Error()}, nil
	}

	var completed models.PaymentTransaction
	var message string
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		var existing models.PaymentTransaction
		err := db.Where("session_id = ?", c.SessionID).First(&existing).Error
		switch {
		case err == nil:
			if existing.Status != models.TransactionStatusPending {
				message = fmt.Sprintf("Transaction already %s", existing.Status)
				return nil
			}
			res := db.Model(&models.PaymentTransaction{}).
				Where("id = ? AND status = ?", existing.ID, models.TransactionStatusPending).
				Updates(map[string]interface{}{
					"status":            models.TransactionStatusCompleted,
					"payment_intent_id": c.PaymentIntentID,
					"updated_at":        time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to complete transaction: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				message = "Transaction changed concurrently"
				return nil
			}
			existing.Status = models.TransactionStatusCompleted
			existing.PaymentIntentID = c.PaymentIntentID
			completed = existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			completed = newTransaction(c, models.TransactionStatusCompleted)
			if err := db.Create(&completed).Error; err != nil {
				return fmt.Errorf("failed to create transaction: %w", err)
			}
		default:
			return fmt.Errorf("failed to load transaction: %w", err)
		}

		if _, err := s.access.grant(db, completed.Subject(), completed.ProductID, &completed.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return idempotency.Result{}, err
	}
	if message != "" {
		return idempotency.Result{Message: message}, nil
	}

	s.logger.Info("Transaction completed",
		zap.String("transaction_id", completed.ID.String()),
		zap.String("session_id", completed.SessionID),
		zap.String("product_id", completed.ProductID),
		zap.Int64("amount", completed.Amount))

	subject := completed.Subject()
	s.publish(ctx, events.PurchaseCompleted, events.PurchasePayload{
		TransactionID: completed.ID.String(),
		SessionID:     completed.SessionID,
		ProductID:     completed.ProductID,
		Amount:        completed.Amount,
		Currency:      completed.Currency,
		UserID:        subject.UserID,
		Email:         subject.Email,
		Guest:         subject.IsGuest(),
	})

	return idempotency.Result{Processed: true, Message: "Payment completed"}, nil
}

func (s *TransactionService) recordPending(ctx context.Context, c *events.CheckoutCompleted) (idempotency.Result, error) {
	tx := newTransaction(c, models.TransactionStatusPending)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "session_id"}}, DoNothing: true}).
		Create(&tx)
	if res.Error != nil {
		return idempotency.Result{}, fmt.Errorf("failed to record pending transaction: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		s.logger.Info("Pending transaction recorded",
			zap.String("transaction_id", tx.ID.String()),
			zap.String("session_id", c.SessionID),
			zap.String("payment_status", c.PaymentStatus))
	}
	return idempotency.Result{Message: "Payment not completed; transaction pending"}, nil
}

func newTransaction(c *events.CheckoutCompleted, status models.TransactionStatus) models.PaymentTransaction {
	tx := models.PaymentTransaction{
		SessionID:       c.SessionID,
		PaymentIntentID: c.PaymentIntentID,
		CustomerEmail:   c.Email,
		ProductID:       c.ProductID,
		Amount:          c.AmountTotal,
		Currency:        strings.ToUpper(c.Currency),
		Status:          status,
	}
	if c.UserID != "" {
		userID := c.UserID
		tx.UserID = &userID
	} else {
		sessionID := c.SessionID
		tx.GuestSessionID = &sessionID
	}
	return tx
}

// Refund executes a merchant initiated refund of amount minor units.
//
// The amount is reserved with a compare-and-swap on refunded_amount before the
// provider is called, so concurrent refunds can never exceed the transaction
// amount. If the provider fails the reservation is reversed. Once the provider
// has refunded, later local failures only add warnings to the outcome.
func (s *TransactionService) Refund(ctx context.Context, id uuid.UUID, amount int64) (*RefundOutcome, error) {
	ctx, span := s.tracer.Start(ctx, "refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("transaction_id", id.String()),
		attribute.Int64("amount", amount),
	)

	if amount <= 0 {
		metrics.RecordRefund("rejected")
		return nil, errs.BusinessRule("refund amount must be a positive integer of minor units")
	}
	if amount > s.rules.RefundCeiling {
		metrics.RecordRefund("rejected")
		return nil, errs.BusinessRule("refund amount exceeds maximum of %d", s.rules.RefundCeiling)
	}

	tx, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.reserveRefund(ctx, tx, amount); err != nil {
		metrics.RecordRefund("rejected")
		return nil, err
	}

	// tx is the pre-reservation snapshot, so the key must not derive from it.
	reservation := uuid.NewString()
	refund, err := s.provider.Refund(ctx, ProviderRefundRequest{
		PaymentIntentID: tx.PaymentIntentID,
		ChargeID:        tx.ChargeID,
		Amount:          amount,
		IdempotencyKey:  "refund_" + reservation,
		Metadata: map[string]string{
			"transaction_id": tx.ID.String(),
			"reservation_id": reservation,
		},
	})
	if err != nil {
		span.RecordError(err)
		metrics.RecordRefund("provider_failed")
		if rerr := s.releaseRefund(context.WithoutCancel(ctx), tx.ID, amount); rerr != nil {
			s.logger.Error("Failed to release refund reservation",
				zap.String("transaction_id", tx.ID.String()),
				zap.Int64("amount", amount),
				zap.Error(rerr))
		}
		return nil, errs.Provider(err, "provider refund failed")
	}

	// The money has moved. Nothing below may fail the request.
	ctx = context.WithoutCancel(ctx)
	outcome := &RefundOutcome{
		RefundID:       refund.ID,
		ProviderStatus: refund.Status,
		Amount:         amount,
	}

	if err := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ?", tx.ID).
		Update("refund_id", refund.ID).Error; err != nil {
		s.warn(outcome, tx.ID, errs.Downstream(err, "failed to record refund id"))
	}

	updated, err := s.Get(ctx, tx.ID)
	if err != nil {
		s.warn(outcome, tx.ID, errs.Downstream(err, "failed to reload transaction"))
		tx.RefundedAmount += amount
		if tx.RefundedAmount == tx.Amount {
			tx.Status = models.TransactionStatusRefunded
		}
		updated = tx
	}
	outcome.Transaction = updated
	outcome.FullyRefunded = updated.RefundedAmount == updated.Amount

	if outcome.FullyRefunded {
		revoked, err := s.access.RevokeForTransaction(ctx, updated)
		outcome.AccessRevoked = revoked
		if err != nil {
			s.warn(outcome, tx.ID, errs.Downstream(err, "failed to revoke access"))
		}
	}

	metrics.RecordRefund("completed")
	s.logger.Info("Refund issued",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("refund_id", refund.ID),
		zap.Int64("amount", amount),
		zap.Int64("refunded_amount", updated.RefundedAmount),
		zap.Bool("fully_refunded", outcome.FullyRefunded))

	s.publish(ctx, events.RefundIssued, events.RefundPayload{
		TransactionID:  updated.ID.String(),
		ProductID:      updated.ProductID,
		RefundID:       refund.ID,
		Amount:         amount,
		RefundedAmount: updated.RefundedAmount,
		Currency:       updated.Currency,
		FullyRefunded:  outcome.FullyRefunded,
	})
	return outcome, nil
}

func (s *TransactionService) warn(outcome *RefundOutcome, id uuid.UUID, err error) {
	s.logger.Warn("Refund follow-up failed",
		zap.String("transaction_id", id.String()),
		zap.Error(err))
	outcome.Warnings = append(outcome.Warnings, err.Error())
}

// reserveRefund atomically adds amount to refunded_amount if the transaction
// is still completed and the amount fits.
func (s *TransactionService) reserveRefund(ctx context.Context, tx *models.PaymentTransaction, amount int64) error {
	if tx.Status != models.TransactionStatusCompleted {
		return errs.BusinessRule("transaction is %s; only completed transactions can be refunded", tx.Status)
	}
	if amount > tx.RefundableAmount() {
		return errs.BusinessRule("refund amount exceeds refundable amount (%d)", tx.RefundableAmount())
	}

	res := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ? AND refunded_amount + ? <= amount", tx.ID, models.TransactionStatusCompleted, amount).
		Updates(map[string]interface{}{
			"refunded_amount": gorm.Expr("refunded_amount + ?", amount),
			"status":          gorm.Expr("CASE WHEN refunded_amount + ? >= amount THEN ? ELSE status END", amount, models.TransactionStatusRefunded),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to reserve refund: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Lost a race; report against the current row.
	current, err := s.Get(ctx, tx.ID)
	if err != nil {
		return err
	}
	if current.Status != models.TransactionStatusCompleted {
		return errs.BusinessRule("transaction is %s; only completed transactions can be refunded", current.Status)
	}
	return errs.BusinessRule("refund amount exceeds refundable amount (%d)", current.RefundableAmount())
}

func (s *TransactionService) releaseRefund(ctx context.Context, id uuid.UUID, amount int64) error {
	return s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ? AND refunded_amount >= ?", id, amount).
		Updates(map[string]interface{}{
			"refunded_amount": gorm.Expr("refunded_amount - ?", amount),
			"status":          gorm.Expr("CASE WHEN status = ? THEN ? ELSE status END", models.TransactionStatusRefunded, models.TransactionStatusCompleted),
			"updated_at":      time.Now(),
		}).Error
}

// ApplyProviderRefund records a refund made on the provider side. The
// provider reports the cumulative refunded amount, so refunded_amount only
// ever moves up to it.
func (s *TransactionService) ApplyProviderRefund(ctx context.Context, r *events.ChargeRefunded) (idempotency.Result, error) {
	tx, err := s.findByCharge(ctx, r.ChargeID, r.PaymentIntentID)
	if err != nil {
		return idempotency.Result{}, err
	}
	if tx == nil {
		return idempotency.Result{Message: fmt.Sprintf("No transaction for charge %s", r.ChargeID)}, nil
	}
	if tx.Status != models.TransactionStatusCompleted && tx.Status != models.TransactionStatusRefunded {
		return idempotency.Result{Message: fmt.Sprintf("Transaction is %s; refund not applied", tx.Status)}, nil
	}

	target := r.AmountRefunded
	if target > tx.Amount {
		target = tx.Amount
	}
	if target <= tx.RefundedAmount {
		return idempotency.Result{Message: "Refund already recorded"}, nil
	}

	updates := map[string]interface{}{
		"refunded_amount": target,
		"status":          gorm.Expr("CASE WHEN ? >= amount THEN ? ELSE status END", target, models.TransactionStatusRefunded),
		"charge_id":       r.ChargeID,
		"updated_at":      time.Now(),
	}
	if r.RefundID != "" {
		updates["refund_id"] = r.RefundID
	}
	res := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ? AND refunded_amount < ? AND status IN ?", tx.ID, target,
			[]models.TransactionStatus{models.TransactionStatusCompleted, models.TransactionStatusRefunded}).
		Updates(updates)
	if res.Error != nil {
		return idempotency.Result{}, fmt.Errorf("failed to apply provider refund: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return idempotency.Result{Message: "Refund already recorded"}, nil
	}

	delta := target - tx.RefundedAmount
	tx.RefundedAmount = target
	fully := target == tx.Amount
	if fully {
		tx.Status = models.TransactionStatusRefunded
		if _, err := s.access.RevokeForTransaction(ctx, tx); err != nil {
			s.logger.Warn("Access revocation failed after provider refund",
				zap.String("transaction_id", tx.ID.String()),
				zap.Error(errs.Downstream(err, "failed to revoke access")))
		}
	}

	s.logger.Info("Provider refund recorded",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("charge_id", r.ChargeID),
		zap.Int64("refunded_amount", target))

	s.publish(ctx, events.RefundIssued, events.RefundPayload{
		TransactionID:  tx.ID.String(),
		ProductID:      tx.ProductID,
		RefundID:       r.RefundID,
		Amount:         delta,
		RefundedAmount: target,
		Currency:       tx.Currency,
		FullyRefunded:  fully,
	})
	return idempotency.Result{Processed: true, Message: "Refund recorded"}, nil
}

// MarkDisputed moves a completed transaction to disputed.
func (s *TransactionService) MarkDisputed(ctx context.Context, d *events.DisputeCreated) (idempotency.Result, error) {
	tx, err := s.findByCharge(ctx, d.ChargeID, d.PaymentIntentID)
	if err != nil {
		return idempotency.Result{}, err
	}
	if tx == nil {
		return idempotency.Result{Message: fmt.Sprintf("No transaction for disputed charge %s", d.ChargeID)}, nil
	}

	updates := map[string]interface{}{
		"status":     models.TransactionStatusDisputed,
		"updated_at": time.Now(),
	}
	if d.ChargeID != "" {
		updates["charge_id"] = d.ChargeID
	}
	res := s.db.WithContext(ctx).Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ?", tx.ID, models.TransactionStatusCompleted).
		Updates(updates)
	if res.Error != nil {
		return idempotency.Result{}, fmt.Errorf("failed to mark transaction disputed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return idempotency.Result{Message: fmt.Sprintf("Transaction is %s; dispute not applied", tx.Status)}, nil
	}

	s.logger.Warn("Transaction disputed",
		zap.String("transaction_id", tx.ID.String()),
		zap.String("dispute_id", d.DisputeID),
		zap.String("reason", d.Reason))

	s.publish(ctx, events.DisputeOpened, events.DisputePayload{
		TransactionID: tx.ID.String(),
		ProductID:     tx.ProductID,
		DisputeID:     d.DisputeID,
		Reason:        d.Reason,
		Amount:        d.Amount,
	})
	return idempotency.Result{Processed: true, Message: "Dispute recorded"}, nil
}

// findByCharge looks a transaction up by charge id, falling back to the
// payment intent. It returns nil when neither matches.
func (s *TransactionService) findByCharge(ctx context.Context, chargeID, paymentIntentID string) (*models.PaymentTransaction, error) {
	var tx models.PaymentTransaction
	if chargeID != "" {
		err := s.db.WithContext(ctx).Where("charge_id = ?", chargeID).First(&tx).Error
		if err == nil {
			return &tx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up charge %s: %w", chargeID, err)
		}
	}
	if paymentIntentID != "" {
		err := s.db.WithContext(ctx).Where("payment_intent_id = ?", paymentIntentID).First(&tx).Error
		if err == nil {
			return &tx, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to look up payment intent %s: %w", paymentIntentID, err)
		}
	}
	return nil, nil
}
