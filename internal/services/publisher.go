package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/sambitmohanty1/payment-webhooks/internal/eventbus"
	"github.com/sambitmohanty1/payment-webhooks/internal/events"
)

// publisher emits business events. A publish failure is only logged: the state
// change that produced the event is already committed.
type publisher struct {
	bus    eventbus.EventBus
	logger *zap.Logger
}

func (p publisher) publish(ctx context.Context, eventType string, data interface{}) {
	if p.bus == nil {
		return
	}
	ev := events.NewBusiness(eventType, data)
	if err := p.bus.Publish(ctx, eventbus.TopicBusinessEvents, ev); err != nil {
		p.logger.Warn("Failed to publish business event",
			zap.String("event_type", eventType),
			zap.String("event_id", ev.ID),
			zap.Error(err))
	}
}
