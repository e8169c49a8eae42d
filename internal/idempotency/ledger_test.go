package idempotency

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/testutil"
)

func newRedisLedger(t *testing.T, ttl time.Duration) (*RedisLedger, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLedger(client, ttl), mr
}

func ledgers(t *testing.T) map[string]Ledger {
	redisLedger, _ := newRedisLedger(t, time.Hour)
	return map[string]Ledger{
		"memory":   NewMemoryLedger(time.Hour),
		"redis":    redisLedger,
		"postgres": NewGormLedger(testutil.SetupTestDB(t), time.Hour),
	}
}

func TestLedger_Contract(t *testing.T) {
	ctx := context.Background()

	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			processed, err := ledger.IsProcessed(ctx, "evt_1")
			require.NoError(t, err)
			assert.False(t, processed)

			claimed, err := ledger.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.True(t, claimed)

			// Claimed but not finished: known, no cached result yet.
			processed, err = ledger.IsProcessed(ctx, "evt_1")
			require.NoError(t, err)
			assert.True(t, processed)
			res, err := ledger.GetCachedResult(ctx, "evt_1")
			require.NoError(t, err)
			assert.Nil(t, res)

			claimed, err = ledger.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.False(t, claimed, "second claim must lose")

			require.NoError(t, ledger.MarkProcessed(ctx, "evt_1", Result{Processed: true, Message: "done"}))
			res, err = ledger.GetCachedResult(ctx, "evt_1")
			require.NoError(t, err)
			require.NotNil(t, res)
			assert.Equal(t, Result{Processed: true, Message: "done"}, *res)

			require.NoError(t, ledger.Release(ctx, "evt_1"))
			claimed, err = ledger.Claim(ctx, "evt_1")
			require.NoError(t, err)
			assert.True(t, claimed, "released ids can be claimed again")
		})
	}
}

func TestLedger_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()

	for name, ledger := range ledgers(t) {
		t.Run(name, func(t *testing.T) {
			var wins int32
			var wg sync.WaitGroup
			for i := 0; i < 25; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := ledger.Claim(ctx, "evt_race")
					assert.NoError(t, err)
					if ok {
						atomic.AddInt32(&wins, 1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), wins)
		})
	}
}

func TestRedisLedger_Expiry(t *testing.T) {
	ctx := context.Background()
	ledger, mr := newRedisLedger(t, time.Minute)

	ok, err := ledger.Claim(ctx, "evt_ttl")
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Minute)

	ok, err = ledger.Claim(ctx, "evt_ttl")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGormLedger_ExpiryAndPurge(t *testing.T) {
	ctx := context.Background()
	db := testutil.SetupTestDB(t)
	ledger := NewGormLedger(db, time.Hour)

	base := time.Now()
	ledger.now = func() time.Time { return base }

	ok, err := ledger.Claim(ctx, "evt_old")
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = ledger.Claim(ctx, "evt_other")
	require.NoError(t, err)
	require.True(t, ok)

	ledger.now = func() time.Time { return base.Add(2 * time.Hour) }

	processed, err := ledger.IsProcessed(ctx, "evt_old")
	require.NoError(t, err)
	assert.False(t, processed, "expired entries are not reported")

	ok, err = ledger.Claim(ctx, "evt_old")
	require.NoError(t, err)
	assert.True(t, ok, "expired entries can be reclaimed")

	purged, err := ledger.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	var count int64
	require.NoError(t, db.Model(&models.ProcessedEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGormLedger_ConflictIsAlreadyProcessed(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "processed_events"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "processed_events" .* ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ledger := NewGormLedger(gormDB, time.Hour)
	ok, err := ledger.Claim(context.Background(), "evt_dup")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNew_SelectsBackend(t *testing.T) {
	logger := zap.NewNop()

	l, err := New(BackendMemory, 0, nil, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryLedger{}, l)

	_, err = New(BackendRedis, 0, nil, nil, logger)
	assert.Error(t, err)

	_, err = New(BackendPostgres, 0, nil, nil, logger)
	assert.Error(t, err)

	_, err = New("dynamo", 0, nil, nil, logger)
	assert.Error(t, err)
}
