package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/marketlane/api/internal/domain"
)

func newTestFulfillmentService(t *testing.T, orders *stubOrderRepository, events *stubEventPublisher) FulfillmentService {
	t.Helper()
	deps := FulfillmentServiceDeps{
		Orders: orders,
		Clock:  testClock,
	}
	if events != nil {
		deps.Events = events
	}
	svc, err := NewFulfillmentService(deps)
	if err != nil {
		t.Fatalf("NewFulfillmentService: %v", err)
	}
	return svc
}

func TestMarkDeliveredPaidOrder(t *testing.T) {
	orders := newStubOrderRepository(newStubProductRepository(), nil)
	paidAt := testClock().Add(-time.Hour)
	orders.orders["order-1"] = domain.Order{
		ID:          "order-1",
		OrderNumber: "ML-000001",
		UserID:      "user-1",
		Currency:    "USD",
		Totals:      domain.OrderTotals{Total: 6500},
		IsPaid:      true,
		PaidAt:      &paidAt,
	}
	events := &stubEventPublisher{}
	svc := newTestFulfillmentService(t, orders, events)

	updated, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{
		OrderID: "order-1",
		ActorID: "admin-1",
	})
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	if !updated.IsDelivered || updated.DeliveredAt == nil {
		t.Fatalf("expected delivered order, got %+v", updated)
	}
	if !updated.DeliveredAt.Equal(testClock()) {
		t.Fatalf("expected deliveredAt %s, got %s", testClock(), updated.DeliveredAt)
	}
	if len(events.events) != 1 || events.events[0].Kind != domain.OrderEventDelivered {
		t.Fatalf("expected order.delivered event, got %+v", events.events)
	}
}

func TestMarkDeliveredRejectsUnpaidOrder(t *testing.T) {
	orders := newStubOrderRepository(newStubProductRepository(), nil)
	orders.orders["order-1"] = domain.Order{ID: "order-1", UserID: "user-1"}
	svc := newTestFulfillmentService(t, orders, nil)

	_, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{OrderID: "order-1"})
	if !errors.Is(err, ErrOrderNotPaid) {
		t.Fatalf("expected ErrOrderNotPaid, got %v", err)
	}
	if orders.orders["order-1"].IsDelivered {
		t.Fatalf("unpaid order must not be marked delivered")
	}
}

func TestMarkDeliveredMissingOrder(t *testing.T) {
	orders := newStubOrderRepository(newStubProductRepository(), nil)
	svc := newTestFulfillmentService(t, orders, nil)

	if _, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{OrderID: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := svc.MarkDelivered(context.Background(), MarkDeliveredCommand{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestMarkDeliveredTwice(t *testing.T) {
	orders := newStubOrderRepository(newStubProductRepository(), nil)
	paidAt := testClock().Add(-time.Hour)
	orders.orders["order-1"] = domain.Order{
		ID:     "order-1",
		UserID: "user-1",
		IsPaid: true,
		PaidAt: &paidAt,
	}
	svc := newTestFulfillmentService(t, orders, nil)
	ctx := context.Background()

	if _, err := svc.MarkDelivered(ctx, MarkDeliveredCommand{OrderID: "order-1"}); err != nil {
		t.Fatalf("first MarkDelivered: %v", err)
	}
	if _, err := svc.MarkDelivered(ctx, MarkDeliveredCommand{OrderID: "order-1"}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected ErrOrderInvalidState, got %v", err)
	}
}
