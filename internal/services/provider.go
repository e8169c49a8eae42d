package services

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PaymentProvider executes money movements on the provider's side.
type PaymentProvider interface {
	Refund(ctx context.Context, req ProviderRefundRequest) (*ProviderRefund, error)
}

// ProviderRefundRequest identifies the payment to refund. PaymentIntentID is
// preferred; ChargeID is used when the intent is unknown.
type ProviderRefundRequest struct {
	PaymentIntentID string
	ChargeID        string
	Amount          int64
	IdempotencyKey  string
	Metadata        map[string]string
}

// ProviderRefund is the provider's view of an executed refund.
type ProviderRefund struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount int64  `json:"amount"`
}

// StripeProvider implements PaymentProvider on the Stripe API.
type StripeProvider struct {
	api    *client.API
	tracer trace.Tracer
}

// NewStripeProvider creates a provider authenticated with secretKey.
func NewStripeProvider(secretKey string) *StripeProvider {
	return NewStripeProviderWithBackends(secretKey, nil)
}

// NewStripeProviderWithBackends allows pointing the client at a custom backend.
func NewStripeProviderWithBackends(secretKey string, backends *stripe.Backends) *StripeProvider {
	return &StripeProvider{
		api:    client.New(secretKey, backends),
		tracer: otel.Tracer("stripe-provider"),
	}
}

func (p *StripeProvider) Refund(ctx context.Context, req ProviderRefundRequest) (*ProviderRefund, error) {
	ctx, span := p.tracer.Start(ctx, "stripe_refund")
	defer span.End()

	span.SetAttributes(
		attribute.String("payment_intent_id", req.PaymentIntentID),
		attribute.String("charge_id", req.ChargeID),
		attribute.Int64("amount", req.Amount),
	)

	params := &stripe.RefundParams{
		Amount: stripe.Int64(req.Amount),
	}
	switch {
	case req.PaymentIntentID != "":
		params.PaymentIntent = stripe.String(req.PaymentIntentID)
	case req.ChargeID != "":
		params.Charge = stripe.String(req.ChargeID)
	default:
		return nil, fmt.Errorf("refund needs a payment intent or charge id")
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	r, err := p.api.Refunds.New(params)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	return &ProviderRefund{
		ID:     r.ID,
		Status: string(r.Status),
		Amount: r.Amount,
	}, nil
}
