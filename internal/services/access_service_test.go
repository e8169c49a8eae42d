package services

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/testutil"
)

func TestAccessService_GrantIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user := models.Subject{UserID: "user_1"}
	guest := models.Subject{GuestSessionID: "cs_1", Email: "g@example.com"}

	for _, subject := range []models.Subject{user, guest} {
		created, err := f.access.Grant(ctx, subject, "prod_1", nil)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = f.access.Grant(ctx, subject, "prod_1", nil)
		require.NoError(t, err)
		assert.False(t, created)

		has, err := f.access.HasAccess(ctx, subject, "prod_1")
		require.NoError(t, err)
		assert.True(t, has)
	}

	assert.Equal(t, int64(1), f.count(t, &models.UserProductAccess{}))
	assert.Equal(t, int64(1), f.count(t, &models.GuestPurchase{}))

	_, err := f.access.Grant(ctx, models.Subject{}, "prod_1", nil)
	assert.True(t, errors.Is(err, errs.ErrBusinessRule))
}

func TestAccessService_Revoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subject := models.Subject{UserID: "user_1"}

	_, err := f.access.Grant(ctx, subject, "prod_1", nil)
	require.NoError(t, err)

	n, err := f.access.Revoke(ctx, subject, "prod_1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = f.access.Revoke(ctx, subject, "prod_1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAccessService_RevokeForTransactionCoversBothTables(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := &models.PaymentTransaction{ID: uuid.New(), ProductID: "prod_1"}
	other := uuid.New()

	_, err := f.access.Grant(ctx, models.Subject{UserID: "user_1"}, "prod_1", &tx.ID)
	require.NoError(t, err)
	_, err = f.access.Grant(ctx, models.Subject{GuestSessionID: "cs_1"}, "prod_1", &tx.ID)
	require.NoError(t, err)
	_, err = f.access.Grant(ctx, models.Subject{UserID: "user_2"}, "prod_1", &other)
	require.NoError(t, err)

	revoked, err := f.access.RevokeForTransaction(ctx, tx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), revoked)

	assert.Equal(t, int64(1), f.count(t, &models.UserProductAccess{}))
	assert.Zero(t, f.count(t, &models.GuestPurchase{}))
	assert.Equal(t, []string{events.AccessRevoked}, f.bus.types())
}

func TestAccessService_RevokeForTransactionReportsFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tx := &models.PaymentTransaction{ID: uuid.New(), ProductID: "prod_1"}
	_, err := f.access.Grant(ctx, models.Subject{GuestSessionID: "cs_1"}, "prod_1", &tx.ID)
	require.NoError(t, err)

	require.NoError(t, f.db.Migrator().DropTable(&models.UserProductAccess{}))

	revoked, err := f.access.RevokeForTransaction(ctx, tx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to revoke user access")
	assert.Equal(t, int64(1), revoked, "guest table is still attempted")
}

func TestAccessService_ClaimFree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	free := testutil.SeedProduct(t, f.db, models.Product{Price: 0, Currency: "USD"})
	paid := testutil.SeedProduct(t, f.db, models.Product{Price: 900, Currency: "USD"})

	res, err := f.access.ClaimFree(ctx, free.ID, " Lead@Example.com ", "")
	require.NoError(t, err)
	assert.True(t, res.Granted)

	has, err := f.access.HasAccess(ctx, models.Subject{GuestSessionID: "free:lead@example.com"}, free.ID)
	require.NoError(t, err)
	assert.True(t, has)

	res, err = f.access.ClaimFree(ctx, free.ID, "lead@example.com", "")
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, "Already claimed", res.Message)

	res, err = f.access.ClaimFree(ctx, free.ID, "", "user_7")
	require.NoError(t, err)
	assert.True(t, res.Granted)

	assert.Equal(t, []string{events.LeadCaptured, events.LeadCaptured}, f.bus.types())

	tests := []struct {
		name      string
		productID string
		email     string
		class     error
	}{
		{"paid product", paid.ID, "a@example.com", errs.ErrBusinessRule},
		{"unknown product", "prod_missing", "a@example.com", errs.ErrNotFound},
		{"bad email", free.ID, "not-an-email", errs.ErrBusinessRule},
		{"nobody", free.ID, "", errs.ErrBusinessRule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.access.ClaimFree(ctx, tt.productID, tt.email, "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.class), "got %v", err)
		})
	}
}
