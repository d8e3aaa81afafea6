package services

import (
	"context"
	"errors"
	"testing"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/payments"
)

// scriptedProvider returns canned provider responses so the reconciliation
// rules can be driven from the order side.
type scriptedProvider struct {
	createResult  payments.ProviderOrder
	createErr     error
	captureResult payments.CaptureResult
	captureErr    error
	lookupResult  payments.CaptureResult
	lookupErr     error
	createCalls   int
	captureCalls  int
	lookupCalls   int
}

func (p *scriptedProvider) CreateOrder(ctx context.Context, req payments.CreateOrderRequest) (payments.ProviderOrder, error) {
	p.createCalls++
	return p.createResult, p.createErr
}

func (p *scriptedProvider) Capture(ctx context.Context, req payments.CaptureRequest) (payments.CaptureResult, error) {
	p.captureCalls++
	return p.captureResult, p.captureErr
}

func (p *scriptedProvider) Refund(ctx context.Context, req payments.RefundRequest) (payments.CaptureResult, error) {
	return payments.CaptureResult{}, errors.New("not implemented")
}

func (p *scriptedProvider) Lookup(ctx context.Context, req payments.LookupRequest) (payments.CaptureResult, error) {
	p.lookupCalls++
	return p.lookupResult, p.lookupErr
}

var _ payments.Provider = (*scriptedProvider)(nil)

func newTestPaymentService(t *testing.T, orders *stubOrderRepository, provider *scriptedProvider, events *stubEventPublisher) PaymentService {
	t.Helper()
	manager, err := payments.NewManager(map[string]payments.Provider{"paypal": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc, err := NewPaymentService(PaymentServiceDeps{
		Orders:    orders,
		Providers: manager,
		Events:    events,
		Clock:     testClock,
	})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}
	return svc
}

func seedUnpaidOrder(orders *stubOrderRepository, products *stubProductRepository) domain.Order {
	products.products["prod-1"] = domain.Product{ID: "prod-1", Name: "Walnut Desk Organiser", Price: 2500, Stock: 10}
	order := domain.Order{
		ID:          "order-1",
		OrderNumber: "ML-000001",
		UserID:      "user-1",
		Currency:    "USD",
		Items: []domain.OrderItem{
			{OrderID: "order-1", ProductID: "prod-1", Quantity: 2, UnitPrice: 2500},
		},
		Totals: domain.OrderTotals{Items: 5000, Shipping: 1000, Tax: 500, Total: 6500},
	}
	orders.orders[order.ID] = order
	return order
}

func capturedResult(providerOrderID string, amount int64) payments.CaptureResult {
	return payments.CaptureResult{
		Provider:        "paypal",
		ProviderOrderID: providerOrderID,
		TransactionID:   "CAP-1",
		Status:          payments.StatusSucceeded,
		Amount:          amount,
		Currency:        "USD",
		PayerEmail:      "buyer@example.com",
		Captured:        true,
	}
}

func TestCreatePaymentIntentAttachesReference(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	seedUnpaidOrder(orders, products)
	provider := &scriptedProvider{
		createResult: payments.ProviderOrder{
			ID:          "PAYPAL-1",
			Status:      payments.StatusPending,
			ApprovalURL: "https://paypal.example/approve/PAYPAL-1",
		},
	}
	svc := newTestPaymentService(t, orders, provider, nil)

	intent, err := svc.CreatePaymentIntent(context.Background(), CreatePaymentIntentCommand{
		OrderID: "order-1",
		ActorID: "user-1",
	})
	if err != nil {
		t.Fatalf("CreatePaymentIntent: %v", err)
	}

	if intent.Provider != "paypal" || intent.ProviderOrderID != "PAYPAL-1" {
		t.Fatalf("unexpected intent %+v", intent)
	}
	if intent.ApprovalURL == "" {
		t.Fatalf("expected approval url")
	}
	stored := orders.orders["order-1"]
	if stored.PaymentResult == nil || stored.PaymentResult.ProviderOrderID != "PAYPAL-1" {
		t.Fatalf("expected intent attached to order, got %+v", stored.PaymentResult)
	}
	if !stored.PaymentResult.CreatedAt.Equal(testClock()) {
		t.Fatalf("expected intent timestamp from service clock, got %v", stored.PaymentResult.CreatedAt)
	}
	if !stored.UpdatedAt.Equal(testClock()) {
		t.Fatalf("expected order update timestamp from service clock, got %v", stored.UpdatedAt)
	}
	if stored.IsPaid {
		t.Fatalf("intent creation must not mark the order paid")
	}
}

func TestCreatePaymentIntentGuards(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	provider := &scriptedProvider{}
	svc := newTestPaymentService(t, orders, provider, nil)
	ctx := context.Background()

	if _, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{OrderID: "missing"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, ActorID: "intruder"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID, Provider: "bitcoin"}); !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected ErrPaymentInvalidInput for unknown provider, got %v", err)
	}

	paid := orders.orders[order.ID]
	paid.IsPaid = true
	orders.orders[order.ID] = paid
	if _, err := svc.CreatePaymentIntent(ctx, CreatePaymentIntentCommand{OrderID: order.ID}); !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected ErrOrderAlreadyPaid, got %v", err)
	}
}

func TestCapturePaymentReconcilesOnce(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	orders.orders[order.ID] = withIntent(order, "PAYPAL-1")
	provider := &scriptedProvider{captureResult: capturedResult("PAYPAL-1", 6500)}
	events := &stubEventPublisher{}
	svc := newTestPaymentService(t, orders, provider, events)
	ctx := context.Background()

	updated, err := svc.CapturePayment(ctx, CapturePaymentCommand{
		OrderID:         order.ID,
		ProviderOrderID: "PAYPAL-1",
		ActorID:         "user-1",
	})
	if err != nil {
		t.Fatalf("CapturePayment: %v", err)
	}

	if !updated.IsPaid || updated.PaidAt == nil {
		t.Fatalf("expected order paid, got %+v", updated)
	}
	if updated.PaymentResult == nil || updated.PaymentResult.TransactionID != "CAP-1" {
		t.Fatalf("expected payment result recorded, got %+v", updated.PaymentResult)
	}
	if got := products.products["prod-1"].Stock; got != 8 {
		t.Fatalf("expected stock decremented to 8, got %d", got)
	}
	if len(events.events) != 1 || events.events[0].Kind != domain.OrderEventPaid {
		t.Fatalf("expected order.paid event, got %+v", events.events)
	}

	// A second capture attempt must not decrement stock again.
	if _, err := svc.CapturePayment(ctx, CapturePaymentCommand{
		OrderID:         order.ID,
		ProviderOrderID: "PAYPAL-1",
	}); !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected ErrOrderAlreadyPaid, got %v", err)
	}
	if got := products.products["prod-1"].Stock; got != 8 {
		t.Fatalf("expected stock unchanged at 8, got %d", got)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected exactly one order.paid event, got %d", len(events.events))
	}
}

func TestCapturePaymentVerificationFailures(t *testing.T) {
	cases := []struct {
		name   string
		result payments.CaptureResult
	}{
		{name: "provider order mismatch", result: capturedResult("PAYPAL-OTHER", 6500)},
		{name: "amount mismatch", result: capturedResult("PAYPAL-1", 6400)},
		{name: "currency mismatch", result: func() payments.CaptureResult {
			r := capturedResult("PAYPAL-1", 6500)
			r.Currency = "EUR"
			return r
		}()},
		{name: "not captured", result: func() payments.CaptureResult {
			r := capturedResult("PAYPAL-1", 6500)
			r.Captured = false
			r.Status = payments.StatusPending
			return r
		}()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			products := newStubProductRepository()
			orders := newStubOrderRepository(products, nil)
			order := seedUnpaidOrder(orders, products)
			orders.orders[order.ID] = withIntent(order, "PAYPAL-1")
			provider := &scriptedProvider{captureResult: tc.result}
			svc := newTestPaymentService(t, orders, provider, nil)

			_, err := svc.CapturePayment(context.Background(), CapturePaymentCommand{
				OrderID:         order.ID,
				ProviderOrderID: "PAYPAL-1",
			})
			if !errors.Is(err, ErrPaymentVerificationFailed) {
				t.Fatalf("expected ErrPaymentVerificationFailed, got %v", err)
			}
			if orders.orders[order.ID].IsPaid {
				t.Fatalf("order must stay unpaid on verification failure")
			}
			if orders.markPaid != 0 {
				t.Fatalf("MarkPaid must not be attempted, got %d calls", orders.markPaid)
			}
			if got := products.products["prod-1"].Stock; got != 10 {
				t.Fatalf("stock must be untouched, got %d", got)
			}
		})
	}
}

func TestCapturePaymentRequiresRecordedIntent(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	provider := &scriptedProvider{captureResult: capturedResult("PAYPAL-1", 6500)}
	svc := newTestPaymentService(t, orders, provider, nil)
	ctx := context.Background()

	if _, err := svc.CapturePayment(ctx, CapturePaymentCommand{OrderID: order.ID}); !errors.Is(err, ErrPaymentVerificationFailed) {
		t.Fatalf("expected ErrPaymentVerificationFailed without intent, got %v", err)
	}

	orders.orders[order.ID] = withIntent(order, "PAYPAL-1")
	if _, err := svc.CapturePayment(ctx, CapturePaymentCommand{
		OrderID:         order.ID,
		ProviderOrderID: "PAYPAL-OTHER",
	}); !errors.Is(err, ErrPaymentVerificationFailed) {
		t.Fatalf("expected ErrPaymentVerificationFailed on reference mismatch, got %v", err)
	}
	if provider.captureCalls != 0 {
		t.Fatalf("provider capture must not be called, got %d", provider.captureCalls)
	}
}

func TestHandleWebhookEventReconciles(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	orders.orders[order.ID] = withIntent(order, "PAYPAL-1")
	provider := &scriptedProvider{lookupResult: capturedResult("PAYPAL-1", 6500)}
	events := &stubEventPublisher{}
	svc := newTestPaymentService(t, orders, provider, events)

	payload := []byte(`{
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {
			"id": "CAP-1",
			"custom_id": "order-1",
			"supplementary_data": {"related_ids": {"order_id": "PAYPAL-1"}}
		}
	}`)
	if err := svc.HandleWebhookEvent(context.Background(), PaymentWebhookCommand{
		Provider: "paypal",
		Payload:  payload,
	}); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}

	if !orders.orders[order.ID].IsPaid {
		t.Fatalf("expected order paid after webhook")
	}
	if provider.lookupCalls != 1 {
		t.Fatalf("expected provider re-queried, got %d lookups", provider.lookupCalls)
	}
	if len(events.events) != 1 || events.events[0].Kind != domain.OrderEventPaid {
		t.Fatalf("expected order.paid event, got %+v", events.events)
	}
}

func TestHandleWebhookEventIgnoresUnsettledEvents(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	seedUnpaidOrder(orders, products)
	provider := &scriptedProvider{}
	svc := newTestPaymentService(t, orders, provider, nil)

	payload := []byte(`{"event_type": "PAYMENT.CAPTURE.DENIED", "resource": {"custom_id": "order-1"}}`)
	if err := svc.HandleWebhookEvent(context.Background(), PaymentWebhookCommand{
		Provider: "paypal",
		Payload:  payload,
	}); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	if provider.lookupCalls != 0 {
		t.Fatalf("ignored event must not hit the provider")
	}
	if orders.orders["order-1"].IsPaid {
		t.Fatalf("ignored event must not mutate the order")
	}
}

func TestHandleWebhookEventIdempotentOnPaidOrder(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	paid := withIntent(order, "PAYPAL-1")
	paid.IsPaid = true
	orders.orders[order.ID] = paid
	provider := &scriptedProvider{}
	svc := newTestPaymentService(t, orders, provider, nil)

	payload := []byte(`{
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {
			"custom_id": "order-1",
			"supplementary_data": {"related_ids": {"order_id": "PAYPAL-1"}}
		}
	}`)
	if err := svc.HandleWebhookEvent(context.Background(), PaymentWebhookCommand{
		Provider: "paypal",
		Payload:  payload,
	}); err != nil {
		t.Fatalf("expected duplicate notification acknowledged, got %v", err)
	}
	if provider.lookupCalls != 0 {
		t.Fatalf("paid order must short-circuit before the provider lookup")
	}
}

func TestHandleWebhookEventStripePayload(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	orders.orders[order.ID] = withIntent(order, "pi_123")

	provider := &scriptedProvider{lookupResult: func() payments.CaptureResult {
		r := capturedResult("pi_123", 6500)
		r.Provider = "stripe"
		return r
	}()}
	manager, err := payments.NewManager(map[string]payments.Provider{"stripe": provider})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	svc, err := NewPaymentService(PaymentServiceDeps{Orders: orders, Providers: manager, Clock: testClock})
	if err != nil {
		t.Fatalf("NewPaymentService: %v", err)
	}

	payload := []byte(`{
		"type": "payment_intent.succeeded",
		"data": {"object": {"id": "pi_123", "metadata": {"order_id": "order-1"}}}
	}`)
	if err := svc.HandleWebhookEvent(context.Background(), PaymentWebhookCommand{
		Provider: "stripe",
		Payload:  payload,
	}); err != nil {
		t.Fatalf("HandleWebhookEvent: %v", err)
	}
	if !orders.orders[order.ID].IsPaid {
		t.Fatalf("expected order paid after stripe webhook")
	}
}

func TestMarkPaidManually(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	provider := &scriptedProvider{}
	events := &stubEventPublisher{}
	svc := newTestPaymentService(t, orders, provider, events)

	updated, err := svc.MarkPaidManually(context.Background(), ManualMarkPaidCommand{
		OrderID: order.ID,
		ActorID: "admin-1",
		Note:    "bank transfer ref 42",
	})
	if err != nil {
		t.Fatalf("MarkPaidManually: %v", err)
	}

	if !updated.IsPaid {
		t.Fatalf("expected order paid")
	}
	if updated.PaymentResult == nil || updated.PaymentResult.Provider != "manual" || updated.PaymentResult.PaidBy != "admin-1" {
		t.Fatalf("unexpected payment result %+v", updated.PaymentResult)
	}
	if updated.PaymentResult.AmountPaid != 6500 {
		t.Fatalf("expected amount 6500, got %d", updated.PaymentResult.AmountPaid)
	}
	if got := products.products["prod-1"].Stock; got != 8 {
		t.Fatalf("expected stock decremented, got %d", got)
	}

	if _, err := svc.MarkPaidManually(context.Background(), ManualMarkPaidCommand{
		OrderID: order.ID,
		ActorID: "admin-1",
	}); !errors.Is(err, ErrOrderAlreadyPaid) {
		t.Fatalf("expected ErrOrderAlreadyPaid, got %v", err)
	}
}

func TestCapturePaymentInsufficientStock(t *testing.T) {
	products := newStubProductRepository()
	orders := newStubOrderRepository(products, nil)
	order := seedUnpaidOrder(orders, products)
	orders.orders[order.ID] = withIntent(order, "PAYPAL-1")
	low := products.products["prod-1"]
	low.Stock = 1
	products.products["prod-1"] = low

	provider := &scriptedProvider{captureResult: capturedResult("PAYPAL-1", 6500)}
	svc := newTestPaymentService(t, orders, provider, nil)

	_, err := svc.CapturePayment(context.Background(), CapturePaymentCommand{
		OrderID:         order.ID,
		ProviderOrderID: "PAYPAL-1",
	})
	if !errors.Is(err, ErrOrderInsufficientStock) {
		t.Fatalf("expected ErrOrderInsufficientStock, got %v", err)
	}
	if orders.orders[order.ID].IsPaid {
		t.Fatalf("order must stay unpaid when stock is short")
	}
	if got := products.products["prod-1"].Stock; got != 1 {
		t.Fatalf("stock must be untouched, got %d", got)
	}
}

func withIntent(order domain.Order, providerOrderID string) domain.Order {
	order.PaymentResult = &domain.PaymentResult{
		Provider:        "paypal",
		ProviderOrderID: providerOrderID,
		Status:          string(payments.StatusPending),
	}
	return order
}
