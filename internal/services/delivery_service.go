package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/metrics"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/signature"
	"github.com/sambitmohanty1/payment-webhooks/internal/ssrf"
)

const (
	// HeaderWebhookSignature carries the outbound signature.
	HeaderWebhookSignature = "X-Webhook-Signature"
	// HeaderWebhookEvent names the business event type.
	HeaderWebhookEvent = "X-Webhook-Event"

	DefaultDeliveryTimeout = 10 * time.Second
	DefaultDeliveryWorkers = 8

	maxResponseBody = 1024
	userAgent       = "payment-webhooks/1.0"
)

// Envelope is the JSON body POSTed to merchant endpoints.
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// DeliveryResult summarises one delivery attempt.
type DeliveryResult struct {
	EndpointID uuid.UUID             `json:"endpoint_id"`
	URL        string                `json:"url"`
	Status     models.DeliveryStatus `json:"status"`
	HTTPStatus *int                  `json:"http_status,omitempty"`
	Error      string                `json:"error,omitempty"`
	DurationMs int64                 `json:"duration_ms"`
}

// DeliveryService fans business events out to subscribed merchant endpoints.
// Every attempt is made once and logged once; there are no retries.
type DeliveryService struct {
	db      *gorm.DB
	client  *http.Client
	timeout time.Duration
	workers int
	logger  *zap.Logger
	tracer  trace.Tracer

	// validate re-checks a destination before each attempt.
	validate func(rawURL string) ssrf.Result
}

// NewDeliveryService creates a new delivery service
func NewDeliveryService(db *gorm.DB, timeout time.Duration, workers int, logger *zap.Logger) *DeliveryService {
	if timeout <= 0 {
		timeout = DefaultDeliveryTimeout
	}
	if workers <= 0 {
		workers = DefaultDeliveryWorkers
	}
	return &DeliveryService{
		db: db,
		client: &http.Client{
			// A redirect could point anywhere, including addresses the guard rejects.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout:  timeout,
		workers:  workers,
		logger:   logger,
		tracer:   otel.Tracer("delivery-service"),
		validate: ssrf.Validate,
	}
}

// HandleEvent is the event bus subscriber for business events.
func (s *DeliveryService) HandleEvent(ctx context.Context, ev events.Business) error {
	_, err := s.Deliver(ctx, ev.Type, ev.Data)
	return err
}

// Deliver sends payload to every active endpoint subscribed to eventType and
// waits for all attempts. Individual failures are recorded in the log and the
// results; the error is only set when endpoints could not be loaded.
// Cancelling ctx does not abort deliveries; each attempt has its own timeout.
func (s *DeliveryService) Deliver(ctx context.Context, eventType string, payload interface{}) ([]DeliveryResult, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "deliver")
	defer span.End()
	span.SetAttributes(attribute.String("event_type", eventType))

	endpoints, err := s.subscribers(ctx, eventType)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(endpoints) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(Envelope{Event: eventType, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal webhook envelope: %w", err)
	}

	p := pool.NewWithResults[DeliveryResult]().WithMaxGoroutines(s.workers)
	for i := range endpoints {
		ep := endpoints[i]
		p.Go(func() DeliveryResult {
			return s.deliverOne(ctx, &ep, eventType, body)
		})
	}
	results := p.Wait()

	span.SetAttributes(attribute.Int("endpoints", len(results)))
	return results, nil
}

func (s *DeliveryService) subscribers(ctx context.Context, eventType string) ([]models.WebhookEndpoint, error) {
	var active []models.WebhookEndpoint
	if err := s.db.WithContext(ctx).Where("is_active = ?", true).Find(&active).Error; err != nil {
		return nil, fmt.Errorf("failed to load webhook endpoints: %w", err)
	}

	subscribed := active[:0]
	for _, ep := range active {
		if ep.Subscribes(eventType) {
			subscribed = append(subscribed, ep)
		}
	}
	return subscribed, nil
}

// deliverOne makes a single attempt under its own timeout.
func (s *DeliveryService) deliverOne(parent context.Context, ep *models.WebhookEndpoint, eventType string, body []byte) DeliveryResult {
	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "deliver_endpoint")
	defer span.End()
	span.SetAttributes(
		attribute.String("endpoint_id", ep.ID.String()),
		attribute.String("event_type", eventType),
	)

	start := time.Now()
	result := DeliveryResult{EndpointID: ep.ID, URL: ep.URL, Status: models.DeliveryStatusFailed}
	var responseBody string

	if check := s.validate(ep.URL); !check.Valid {
		result.Error = "blocked destination: " + check.Error
	} else {
		result.HTTPStatus, responseBody, result.Error = s.post(ctx, ep, eventType, body)
		if result.HTTPStatus != nil && *result.HTTPStatus >= 200 && *result.HTTPStatus < 300 {
			result.Status = models.DeliveryStatusSuccess
		}
	}

	took := time.Since(start)
	result.DurationMs = took.Milliseconds()
	metrics.RecordDelivery(eventType, string(result.Status), took)

	entry := models.WebhookDeliveryLog{
		EndpointID:   ep.ID,
		EventType:    eventType,
		Payload:      datatypes.JSON(body),
		Status:       result.Status,
		HTTPStatus:   result.HTTPStatus,
		ResponseBody: responseBody,
		ErrorMessage: result.Error,
		DurationMs:   result.DurationMs,
	}
	// The attempt already happened; log it even if the timeout expired.
	if err := s.db.WithContext(parent).Create(&entry).Error; err != nil {
		s.logger.Error("Failed to write delivery log",
			zap.String("endpoint_id", ep.ID.String()),
			zap.String("event_type", eventType),
			zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("endpoint_id", ep.ID.String()),
		zap.String("event_type", eventType),
		zap.String("status", string(result.Status)),
		zap.Int64("duration_ms", result.DurationMs),
	}
	if result.Status == models.DeliveryStatusSuccess {
		s.logger.Info("Webhook delivered", fields...)
	} else {
		span.SetAttributes(attribute.String("error", result.Error))
		s.logger.Warn("Webhook delivery failed", append(fields, zap.String("error", result.Error))...)
	}
	return result
}

func (s *DeliveryService) post(ctx context.Context, ep *models.WebhookEndpoint, eventType string, body []byte) (*int, string, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Sprintf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderWebhookEvent, eventType)
	req.Header.Set(HeaderWebhookSignature, signature.SignOutbound(body, ep.Secret))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", err.Error()
	}
	defer resp.Body.Close()

	status := resp.StatusCode
	snippet, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return &status, storableText(snippet), fmt.Sprintf("failed to read response: %v", err)
	}

	var errMsg string
	if status < 200 || status >= 300 {
		errMsg = fmt.Sprintf("endpoint returned HTTP %d", status)
	}
	return &status, storableText(snippet), errMsg
}

// storableText makes an arbitrary response prefix safe for a UTF-8 text
// column: a rune cut by the size limit is dropped, invalid sequences become
// "?" and NUL bytes are removed.
func storableText(b []byte) string {
	for i := 1; i <= utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if !utf8.FullRune(b[len(b)-i:]) {
				b = b[:len(b)-i]
			}
			break
		}
	}
	return strings.ReplaceAll(strings.ToValidUTF8(string(b), "?"), "\x00", "")
}
