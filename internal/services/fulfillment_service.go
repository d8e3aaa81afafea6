package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/repositories"
)

var (
	errFulfillmentOrdersRequired = errors.New("fulfillment service: order repository is required")
	errFulfillmentClockRequired  = errors.New("fulfillment service: clock is required")
)

// FulfillmentServiceDeps wires the order store for delivery confirmation.
type FulfillmentServiceDeps struct {
	Orders repositories.OrderRepository
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(context.Context, string, map[string]any)
}

type fulfillmentService struct {
	orders repositories.OrderRepository
	events OrderEventPublisher
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewFulfillmentService constructs a FulfillmentService enforcing dependency validation.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Orders == nil {
		return nil, errFulfillmentOrdersRequired
	}
	if deps.Clock == nil {
		return nil, errFulfillmentClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentService{
		orders: deps.Orders,
		events: deps.Events,
		now:    func() time.Time { return deps.Clock().UTC() },
		logger: logger,
	}, nil
}

// MarkDelivered records delivery for a paid order. Unpaid orders are rejected.
func (s *fulfillmentService) MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	now := s.now()
	updated, err := s.orders.MarkDelivered(ctx, repositories.OrderMarkDeliveredRequest{
		OrderID: orderID,
		Now:     now,
	})
	if err != nil {
		return Order{}, mapOrderStateError(err)
	}

	s.logger(ctx, "fulfillment.delivered", map[string]any{
		"orderId": updated.ID,
		"actorId": strings.TrimSpace(cmd.ActorID),
	})

	if s.events != nil {
		if err := s.events.PublishOrderEvent(ctx, domain.OrderEvent{
			Kind:        domain.OrderEventDelivered,
			OrderID:     updated.ID,
			OrderNumber: updated.OrderNumber,
			UserID:      updated.UserID,
			Total:       updated.Totals.Total,
			Currency:    updated.Currency,
			OccurredAt:  now,
		}); err != nil {
			s.logger(ctx, "fulfillment.event_publish_failed", map[string]any{
				"orderId": updated.ID,
				"error":   err.Error(),
			})
		}
	}

	return updated, nil
}
