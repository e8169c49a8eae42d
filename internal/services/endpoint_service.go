package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/sambitmohanty1/payment-webhooks/internal/errs"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
	"github.com/sambitmohanty1/payment-webhooks/internal/models"
	"github.com/sambitmohanty1/payment-webhooks/internal/ssrf"
)

const (
	secretPrefix = "whsec_"
	secretBytes  = 32

	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

// CreateEndpointInput is the payload for registering an endpoint.
type CreateEndpointInput struct {
	URL         string   `json:"url" binding:"required"`
	Events      []string `json:"events" binding:"required"`
	Description string   `json:"description"`
	IsActive    *bool    `json:"is_active"`
}

// UpdateEndpointInput changes only the fields that are set.
type UpdateEndpointInput struct {
	URL         *string  `json:"url"`
	Events      []string `json:"events"`
	Description *string  `json:"description"`
	IsActive    *bool    `json:"is_active"`
}

// LogFilter narrows a delivery log listing.
type LogFilter struct {
	Status     string
	EndpointID *uuid.UUID
	EventType  string
	Limit      int
}

// EndpointService manages merchant webhook endpoints and their delivery logs.
type EndpointService struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewEndpointService creates a new endpoint service
func NewEndpointService(db *gorm.DB, logger *zap.Logger) *EndpointService {
	return &EndpointService{db: db, logger: logger}
}

// Create registers an endpoint with a freshly generated signing secret.
func (s *EndpointService) Create(ctx context.Context, in CreateEndpointInput) (*models.WebhookEndpoint, error) {
	url, err := validateEndpointURL(in.URL)
	if err != nil {
		return nil, err
	}
	evs, err := validateEvents(in.Events)
	if err != nil {
		return nil, err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}

	ep := &models.WebhookEndpoint{
		URL:         url,
		Events:      datatypes.JSONSlice[string](evs),
		Secret:      secret,
		IsActive:    true,
		Description: strings.TrimSpace(in.Description),
	}
	if in.IsActive != nil {
		ep.IsActive = *in.IsActive
	}

	if err := s.db.WithContext(ctx).Create(ep).Error; err != nil {
		return nil, fmt.Errorf("failed to create webhook endpoint: %w", err)
	}

	s.logger.Info("Webhook endpoint created",
		zap.String("endpoint_id", ep.ID.String()),
		zap.Strings("events", evs))
	return ep, nil
}

// Get returns an endpoint by id.
func (s *EndpointService) Get(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&ep).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errs.NotFound("webhook endpoint", id.String())
		}
		return nil, fmt.Errorf("failed to fetch webhook endpoint: %w", err)
	}
	return &ep, nil
}

// List returns every endpoint, newest first.
func (s *EndpointService) List(ctx context.Context) ([]models.WebhookEndpoint, error) {
	var eps []models.WebhookEndpoint
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&eps).Error; err != nil {
		return nil, fmt.Errorf("failed to list webhook endpoints: %w", err)
	}
	return eps, nil
}

// Update applies in to the endpoint. A new URL goes through the same
// destination checks as on creation.
func (s *EndpointService) Update(ctx context.Context, id uuid.UUID, in UpdateEndpointInput) (*models.WebhookEndpoint, error) {
	ep, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if in.URL != nil {
		url, err := validateEndpointURL(*in.URL)
		if err != nil {
			return nil, err
		}
		updates["url"] = url
		ep.URL = url
	}
	if in.Events != nil {
		evs, err := validateEvents(in.Events)
		if err != nil {
			return nil, err
		}
		ep.Events = datatypes.JSONSlice[string](evs)
		updates["events"] = ep.Events
	}
	if in.Description != nil {
		ep.Description = strings.TrimSpace(*in.Description)
		updates["description"] = ep.Description
	}
	if in.IsActive != nil {
		ep.IsActive = *in.IsActive
		updates["is_active"] = ep.IsActive
	}
	if len(updates) == 0 {
		return ep, nil
	}
	updates["updated_at"] = time.Now()

	if err := s.db.WithContext(ctx).Model(&models.WebhookEndpoint{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update webhook endpoint: %w", err)
	}

	s.logger.Info("Webhook endpoint updated", zap.String("endpoint_id", id.String()))
	return ep, nil
}

// RotateSecret replaces the endpoint's signing secret.
func (s *EndpointService) RotateSecret(ctx context.Context, id uuid.UUID) (*models.WebhookEndpoint, error) {
	ep, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&models.WebhookEndpoint{}).Where("id = ?", id).
		Updates(map[string]interface{}{"secret": secret, "updated_at": time.Now()}).Error; err != nil {
		return nil, fmt.Errorf("failed to rotate secret: %w", err)
	}
	ep.Secret = secret

	s.logger.Info("Webhook endpoint secret rotated", zap.String("endpoint_id", id.String()))
	return ep, nil
}

// Delete removes an endpoint. Its delivery logs are kept.
func (s *EndpointService) Delete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.WebhookEndpoint{})
	if res.Error != nil {
		return fmt.Errorf("failed to delete webhook endpoint: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errs.NotFound("webhook endpoint", id.String())
	}

	s.logger.Info("Webhook endpoint deleted", zap.String("endpoint_id", id.String()))
	return nil
}

// ListLogs returns delivery attempts, newest first.
func (s *EndpointService) ListLogs(ctx context.Context, f LogFilter) ([]models.WebhookDeliveryLog, error) {
	query := s.db.WithContext(ctx).Model(&models.WebhookDeliveryLog{})

	switch models.DeliveryStatus(f.Status) {
	case "":
	case models.DeliveryStatusSuccess, models.DeliveryStatusFailed:
		query = query.Where("status = ?", f.Status)
	default:
		return nil, errs.BusinessRule("invalid status filter %q", f.Status)
	}
	if f.EndpointID != nil {
		query = query.Where("endpoint_id = ?", *f.EndpointID)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}

	var logs []models.WebhookDeliveryLog
	if err := query.Order("created_at DESC").Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("failed to list delivery logs: %w", err)
	}
	return logs, nil
}

func validateEndpointURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errs.BusinessRule("url is required")
	}
	if check := ssrf.Validate(raw); !check.Valid {
		return "", errs.BusinessRule("invalid webhook url: %s", check.Error)
	}
	return raw, nil
}

func validateEvents(in []string) ([]string, error) {
	if len(in) == 0 {
		return nil, errs.BusinessRule("at least one event is required")
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, ev := range in {
		ev = strings.TrimSpace(ev)
		if !events.IsSubscribable(ev) {
			return nil, errs.BusinessRule("unsupported event type %q", ev)
		}
		if !seen[ev] {
			seen[ev] = true
			out = append(out, ev)
		}
	}
	return out, nil
}

func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate webhook secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}
