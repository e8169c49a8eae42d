package services

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/idempotency"
	"github.com/sambitmohanty1/payment-webhooks/internal/metrics"
	"github.com/sambitmohanty1/payment-webhooks/internal/signature"
)

const (
	// HeaderSignature carries the provider's signature on inbound calls.
	HeaderSignature = "X-Signature"

	DefaultMaxBodyBytes int64 = 1 << 20

	messageAlreadyProcessed = "Already processed"
	messageUnhandled        = "Unhandled event type"
)

// WebhookConfig configures inbound verification and throttling.
type WebhookConfig struct {
	Secret       string
	Tolerance    time.Duration
	MaxBodyBytes int64
	RateLimit    float64 // requests per second; 0 disables
	RateBurst    int
}

// IngestResponse is the body returned to the provider.
type IngestResponse struct {
	Received  bool   `json:"received"`
	Processed bool   `json:"processed"`
	Message   string `json:"message,omitempty"`
}

// WebhookService authenticates inbound provider events and applies each
// event id at most once.
type WebhookService struct {
	cfg          WebhookConfig
	ledger       idempotency.Ledger
	transactions *TransactionService
	limiter      *rate.Limiter
	logger       *zap.Logger
	tracer       trace.Tracer
}

// NewWebhookService creates a new webhook service
func NewWebhookService(cfg WebhookConfig, ledger idempotency.Ledger, transactions *TransactionService, logger *zap.Logger) *WebhookService {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = signature.DefaultTolerance
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}

	s := &WebhookService{
		cfg:          cfg,
		ledger:       ledger,
		transactions: transactions,
		logger:       logger,
		tracer:       otel.Tracer("webhook-service"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = int(cfg.RateLimit)
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return s
}

// HandleProviderWebhook is the gin handler for POST /webhooks/provider.
func (s *WebhookService) HandleProviderWebhook(c *gin.Context) {
	if s.limiter != nil && !s.limiter.Allow() {
		metrics.RecordInboundEvent("", metrics.OutcomeRateLimited)
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "read_failed"})
		return
	}

	resp, err := s.Ingest(c.Request.Context(), body, c.GetHeader(HeaderSignature))
	if err != nil {
		if errors.Is(err, errs.ErrAuthentication) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		// 5xx makes the provider redeliver; the claim was released.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Ingest verifies and applies one inbound event. The returned error is either
// an authentication failure or an internal failure after which the event id
// was released for redelivery.
func (s *WebhookService) Ingest(ctx context.Context, body []byte, sigHeader string) (*IngestResponse, error) {
	ctx, span := s.tracer.Start(ctx, "ingest_webhook")
	defer span.End()

	ev, err := signature.VerifyInbound(body, sigHeader, s.cfg.Secret, s.cfg.Tolerance)
	if err != nil {
		metrics.RecordInboundEvent("", metrics.OutcomeInvalid)
		s.logger.Warn("Rejected inbound webhook", zap.Error(err))
		return nil, err
	}

	eventType := string(ev.Type)
	span.SetAttributes(
		attribute.String("event_id", ev.ID),
		attribute.String("event_type", eventType),
	)
	logger := s.logger.With(zap.String("event_id", ev.ID), zap.String("event_type", eventType))

	claimed, err := s.ledger.Claim(ctx, ev.ID)
	if err != nil {
		metrics.RecordInboundEvent(eventType, metrics.OutcomeError)
		logger.Error("Failed to claim event", zap.Error(err))
		return nil, err
	}
	if !claimed {
		metrics.RecordInboundEvent(eventType, metrics.OutcomeDuplicate)
		resp := &IngestResponse{Received: true, Message: messageAlreadyProcessed}
		if cached, err := s.ledger.GetCachedResult(ctx, ev.ID); err == nil && cached != nil {
			resp.Processed = cached.Processed
		}
		logger.Info("Duplicate event ignored")
		return resp, nil
	}

	result, err := s.dispatch(ctx, events.Decode(ev))
	if err != nil {
		span.RecordError(err)
		metrics.RecordInboundEvent(eventType, metrics.OutcomeError)
		logger.Error("Event handling failed", zap.Error(err))
		if rerr := s.ledger.Release(context.WithoutCancel(ctx), ev.ID); rerr != nil {
			logger.Error("Failed to release event claim", zap.Error(rerr))
		}
		return nil, err
	}

	// The claim already guards against reprocessing; a lost result only
	// changes what a duplicate reports.
	if err := s.ledger.MarkProcessed(context.WithoutCancel(ctx), ev.ID, result); err != nil {
		logger.Warn("Failed to cache event result", zap.Error(err))
	}

	outcome := metrics.OutcomeProcessed
	if !result.Processed {
		outcome = metrics.OutcomeIgnored
	}
	metrics.RecordInboundEvent(eventType, outcome)
	logger.Info("Event handled",
		zap.Bool("processed", result.Processed),
		zap.String("message", result.Message))

	return &IngestResponse{Received: true, Processed: result.Processed, Message: result.Message}, nil
}

func (s *WebhookService) dispatch(ctx context.Context, in events.Inbound) (idempotency.Result, error) {
	switch in.Kind {
	case events.KindCheckoutCompleted:
		return s.transactions.CompleteCheckout(ctx, in.Checkout)
	case events.KindChargeRefunded:
		return s.transactions.ApplyProviderRefund(ctx, in.Refund)
	case events.KindDisputeCreated:
		return s.transactions.MarkDisputed(ctx, in.Dispute)
	case events.KindIncomplete:
		err := errs.Malformed("Malformed event: %s", in.Problem)
		s.logger.Warn("Acknowledging malformed event", zap.String("event_id", in.ID), zap.Error(err))
		return idempotency.Result{Message: err.Error()}, nil
	default:
		return idempotency.Result{Message: messageUnhandled}, nil
	}
}
