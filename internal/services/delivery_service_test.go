package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/signature"
	"github.com/sambitmohanty1/payment-webhooks/internal/ssrf"
	"github.com/sambitmohanty1/payment-webhooks/internal/testutil"
)

// newTestDeliveryService allows loopback destinations so httptest servers are reachable.
func newTestDeliveryService(db *gorm.DB, timeout time.Duration) *DeliveryService {
	s := NewDeliveryService(db, timeout, 4, zap.NewNop())
	s.validate = func(string) ssrf.Result { return ssrf.Result{Valid: true} }
	return s
}

func seedEndpoint(t *testing.T, db *gorm.DB, url string, active bool, evs ...string) *models.WebhookEndpoint {
	t.Helper()
	ep := &models.WebhookEndpoint{
		URL:      url,
		Events:   datatypes.JSONSlice[string](evs),
		Secret:   "whsec_" + strings.Repeat("a", 16),
		IsActive: true,
	}
	require.NoError(t, db.Create(ep).Error)
	if !active {
		require.NoError(t, db.Model(ep).Update("is_active", false).Error)
	}
	return ep
}

func deliveryLogs(t *testing.T, db *gorm.DB) []models.WebhookDeliveryLog {
	t.Helper()
	var logs []models.WebhookDeliveryLog
	require.NoError(t, db.Order("created_at").Find(&logs).Error)
	return logs
}

func TestDeliver_SignedEnvelopeAndLog(t *testing.T) {
	db := testutil.SetupTestDB(t)

	var gotBody []byte
	var gotSig, gotEvent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(HeaderWebhookSignature)
		gotEvent = r.Header.Get(HeaderWebhookEvent)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	ep := seedEndpoint(t, db, srv.URL, true, events.PurchaseCompleted)
	s := newTestDeliveryService(db, time.Second)

	results, err := s.Deliver(context.Background(), events.PurchaseCompleted, map[string]interface{}{"product_id": "p1"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DeliveryStatusSuccess, results[0].Status)
	require.NotNil(t, results[0].HTTPStatus)
	assert.Equal(t, http.StatusAccepted, *results[0].HTTPStatus)

	assert.JSONEq(t, `{"event":"purchase.completed","data":{"product_id":"p1"}}`, string(gotBody))
	assert.Equal(t, events.PurchaseCompleted, gotEvent)

	// The merchant verifies with the same scheme the provider uses.
	assert.NoError(t, signature.Verify(gotBody, gotSig, ep.Secret, time.Minute))
	assert.Error(t, signature.Verify(gotBody, gotSig, "whsec_wrong", time.Minute))

	logs := deliveryLogs(t, db)
	require.Len(t, logs, 1)
	assert.Equal(t, ep.ID, logs[0].EndpointID)
	assert.Equal(t, models.DeliveryStatusSuccess, logs[0].Status)
	assert.Equal(t, "ok", logs[0].ResponseBody)
	assert.Empty(t, logs[0].ErrorMessage)
	assert.JSONEq(t, string(gotBody), string(logs[0].Payload))
}

func TestDeliver_FailuresAreLoggedOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)

	var calls int32
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(strings.Repeat("x", 4096)))
	}))
	defer failing.Close()

	closed := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	closedURL := closed.URL
	closed.Close()

	seedEndpoint(t, db, failing.URL, true, events.RefundIssued)
	down := seedEndpoint(t, db, closedURL, true, "*")
	s := newTestDeliveryService(db, time.Second)

	results, err := s.Deliver(context.Background(), events.RefundIssued, events.RefundPayload{Amount: 100})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "no retries")

	logs := deliveryLogs(t, db)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, models.DeliveryStatusFailed, l.Status)
		if l.EndpointID == down.ID {
			assert.Nil(t, l.HTTPStatus)
			assert.NotEmpty(t, l.ErrorMessage)
		} else {
			require.NotNil(t, l.HTTPStatus)
			assert.Equal(t, http.StatusInternalServerError, *l.HTTPStatus)
			assert.Len(t, l.ResponseBody, 1024)
		}
	}
}

func TestDeliver_ResponseBodyIsCutOnRuneBoundary(t *testing.T) {
	db := testutil.SetupTestDB(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// "é" occupies bytes 1024 and 1025.
		_, _ = w.Write([]byte(strings.Repeat("a", 1023) + "é tail"))
	}))
	defer srv.Close()

	seedEndpoint(t, db, srv.URL, true, events.PurchaseCompleted)
	s := newTestDeliveryService(db, time.Second)

	_, err := s.Deliver(context.Background(), events.PurchaseCompleted, nil)
	require.NoError(t, err)

	logs := deliveryLogs(t, db)
	require.Len(t, logs, 1)
	assert.True(t, utf8.ValidString(logs[0].ResponseBody))
	assert.Equal(t, strings.Repeat("a", 1023), logs[0].ResponseBody)
}

func TestStorableText(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want string
	}{
		{name: "plain", in: []byte("ok"), want: "ok"},
		{name: "complete multibyte tail", in: []byte("caf\xc3\xa9"), want: "café"},
		{name: "cut two byte rune", in: []byte("caf\xc3"), want: "caf"},
		{name: "cut four byte rune", in: []byte("x\xf0\x9f\x98"), want: "x"},
		{name: "nul bytes", in: []byte("ok\x00done"), want: "okdone"},
		{name: "invalid in the middle", in: []byte("a\xffb"), want: "a?b"},
		{name: "empty", in: nil, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, storableText(tt.in))
		})
	}
}

func TestDeliver_OnlySubscribedActiveEndpoints(t *testing.T) {
	db := testutil.SetupTestDB(t)

	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	seedEndpoint(t, db, srv.URL, true, events.LeadCaptured)
	seedEndpoint(t, db, srv.URL, true, "*")
	seedEndpoint(t, db, srv.URL, true, events.RefundIssued)
	seedEndpoint(t, db, srv.URL, false, events.LeadCaptured)

	s := newTestDeliveryService(db, time.Second)
	results, err := s.Deliver(context.Background(), events.LeadCaptured, events.LeadPayload{Email: "a@b.co"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Len(t, deliveryLogs(t, db), 2)
}

func TestDeliver_SlowEndpointDoesNotBlockOthers(t *testing.T) {
	db := testutil.SetupTestDB(t)

	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer slow.Close()
	defer close(release)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer fast.Close()

	slowEp := seedEndpoint(t, db, slow.URL, true, "*")
	fastEp := seedEndpoint(t, db, fast.URL, true, "*")
	s := newTestDeliveryService(db, 200*time.Millisecond)

	// The caller's context is already cancelled; attempts still run under their own timeout.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := s.Deliver(ctx, events.PurchaseCompleted, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byEndpoint := map[string]DeliveryResult{}
	for _, r := range results {
		byEndpoint[r.EndpointID.String()] = r
	}
	assert.Equal(t, models.DeliveryStatusSuccess, byEndpoint[fastEp.ID.String()].Status)
	assert.Equal(t, models.DeliveryStatusFailed, byEndpoint[slowEp.ID.String()].Status)
	assert.Nil(t, byEndpoint[slowEp.ID.String()].HTTPStatus)
}

func TestDeliver_BlockedDestinationIsRecheckedAtSendTime(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ep := seedEndpoint(t, db, "http://169.254.169.254/latest/meta-data", true, "*")

	s := NewDeliveryService(db, time.Second, 2, zap.NewNop())
	results, err := s.Deliver(context.Background(), events.DisputeOpened, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.DeliveryStatusFailed, results[0].Status)
	assert.Contains(t, results[0].Error, "blocked destination")

	logs := deliveryLogs(t, db)
	require.Len(t, logs, 1)
	assert.Equal(t, ep.ID, logs[0].EndpointID)
	assert.Nil(t, logs[0].HTTPStatus)
}

func TestDeliver_RedirectsAreNotFollowed(t *testing.T) {
	db := testutil.SetupTestDB(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://169.254.169.254/", http.StatusFound)
	}))
	defer srv.Close()

	seedEndpoint(t, db, srv.URL, true, "*")
	s := newTestDeliveryService(db, time.Second)

	results, err := s.Deliver(context.Background(), events.AccessRevoked, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NotNil(t, results[0].HTTPStatus)
	assert.Equal(t, http.StatusFound, *results[0].HTTPStatus)
	assert.Equal(t, models.DeliveryStatusFailed, results[0].Status)
}

func TestHandleEvent_DeliversBusinessEvent(t *testing.T) {
	db := testutil.SetupTestDB(t)

	var env Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&env)
	}))
	defer srv.Close()

	seedEndpoint(t, db, srv.URL, true, events.LeadCaptured)
	s := newTestDeliveryService(db, time.Second)

	ev := events.NewBusiness(events.LeadCaptured, events.LeadPayload{ProductID: "p1", Email: "a@b.co"})
	require.NoError(t, s.HandleEvent(context.Background(), ev))
	assert.Equal(t, events.LeadCaptured, env.Event)
}
