package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/eventbus"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/testutil"
)

// recordingBus captures published business events synchronously.
type recordingBus struct {
	mu     sync.Mutex
	events []events.Business
}

func (b *recordingBus) Publish(_ context.Context, _ string, ev events.Business) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, eventbus.EventHandler) (eventbus.Subscription, error) {
	return nil, nil
}

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.events))
	for _, ev := range b.events {
		out = append(out, ev.Type)
	}
	return out
}

// fakeProvider records refund calls and fails when err is set.
type fakeProvider struct {
	mu    sync.Mutex
	calls []ProviderRefundRequest
	err   error
}

func (p *fakeProvider) Refund(_ context.Context, req ProviderRefundRequest) (*ProviderRefund, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	return &ProviderRefund{
		ID:     fmt.Sprintf("re_%d", len(p.calls)),
		Status: "succeeded",
		Amount: req.Amount,
	}, nil
}

func (p *fakeProvider) keys() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make(map[string]int, len(p.calls))
	for _, c := range p.calls {
		keys[c.IdempotencyKey]++
	}
	return keys
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

type fixture struct {
	db           *gorm.DB
	bus          *recordingBus
	provider     *fakeProvider
	access       *AccessService
	transactions *TransactionService
	logger       *zap.Logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	logger := zap.NewNop()
	bus := &recordingBus{}
	provider := &fakeProvider{}
	access := NewAccessService(db, bus, logger)
	rules := PaymentRules{AllowedCurrencies: []string{"USD", "EUR"}, MinimumAmount: 100}

	return &fixture{
		db:           db,
		bus:          bus,
		provider:     provider,
		access:       access,
		transactions: NewTransactionService(db, access, provider, bus, rules, logger),
		logger:       logger,
	}
}

// completedTx inserts a completed transaction with an access grant.
func (f *fixture) completedTx(t *testing.T, productID string, amount int64) *models.PaymentTransaction {
	t.Helper()
	userID := "user_" + uuid.NewString()[:8]
	tx := &models.PaymentTransaction{
		SessionID:       "cs_" + uuid.NewString(),
		PaymentIntentID: "pi_" + uuid.NewString()[:8],
		UserID:          &userID,
		ProductID:       productID,
		Amount:          amount,
		Currency:        "USD",
		Status:          models.TransactionStatusCompleted,
	}
	require.NoError(t, f.db.Create(tx).Error)
	_, err := f.access.Grant(context.Background(), tx.Subject(), productID, &tx.ID)
	require.NoError(t, err)
	return tx
}

func (f *fixture) reload(t *testing.T, id uuid.UUID) *models.PaymentTransaction {
	t.Helper()
	var tx models.PaymentTransaction
	require.NoError(t, f.db.Where("id = ?", id).First(&tx).Error)
	return &tx
}

func (f *fixture) count(t *testing.T, model interface{}) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}

type checkoutOpts struct {
	eventID       string
	eventType     string
	sessionID     string
	productID     string
	userID        string
	amount        int64
	currency      string
	paymentStatus string
}

// checkoutEventJSON builds a provider event envelope for a checkout session.
func checkoutEventJSON(t *testing.T, o checkoutOpts) []byte {
	t.Helper()
	if o.eventType == "" {
		o.eventType = events.TypeCheckoutSessionCompleted
	}
	if o.currency == "" {
		o.currency = "usd"
	}
	if o.paymentStatus == "" {
		o.paymentStatus = "paid"
	}
	metadata := map[string]string{}
	if o.productID != "" {
		metadata["product_id"] = o.productID
	}
	if o.userID != "" {
		metadata["user_id"] = o.userID
	}

	body, err := json.Marshal(map[string]interface{}{
		"id":     o.eventID,
		"object": "event",
		"type":   o.eventType,
		"data": map[string]interface{}{
			"object": map[string]interface{}{
				"id":             o.sessionID,
				"object":         "checkout.session",
				"amount_total":   o.amount,
				"currency":       o.currency,
				"payment_status": o.paymentStatus,
				"payment_intent": "pi_" + o.sessionID,
				"customer_email": "buyer@example.com",
				"metadata":       metadata,
			},
		},
	})
	require.NoError(t, err)
	return body
}
