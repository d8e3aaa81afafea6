package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/payments"
	"github.com/marketlane/api/internal/repositories"
)

var (
	errPaymentOrdersRequired    = errors.New("payment service: order repository is required")
	errPaymentProvidersRequired = errors.New("payment service: provider manager is required")
	errPaymentClockRequired     = errors.New("payment service: clock is required")
)

// ErrPaymentInvalidInput indicates the caller supplied invalid input.
var ErrPaymentInvalidInput = errors.New("payment service: invalid input")

// ErrPaymentUnavailable indicates a provider or backend failure.
var ErrPaymentUnavailable = errors.New("payment service: unavailable")

// ErrPaymentVerificationFailed indicates the provider-side payment state does
// not match the order: wrong reference, wrong amount, or not captured. The
// order is never mutated on a verification failure.
var ErrPaymentVerificationFailed = errors.New("payment service: verification failed")

// PaymentServiceDeps wires the order store and PSP manager for payment flows.
type PaymentServiceDeps struct {
	Orders    repositories.OrderRepository
	Providers *payments.Manager
	Events    OrderEventPublisher
	Clock     func() time.Time
	Logger    func(context.Context, string, map[string]any)
}

type paymentService struct {
	orders    repositories.OrderRepository
	providers *payments.Manager
	events    OrderEventPublisher
	now       func() time.Time
	logger    func(context.Context, string, map[string]any)
}

// NewPaymentService constructs a PaymentService enforcing dependency validation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Orders == nil {
		return nil, errPaymentOrdersRequired
	}
	if deps.Providers == nil {
		return nil, errPaymentProvidersRequired
	}
	if deps.Clock == nil {
		return nil, errPaymentClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		orders:    deps.Orders,
		providers: deps.Providers,
		events:    deps.Events,
		now:       func() time.Time { return deps.Clock().UTC() },
		logger:    logger,
	}, nil
}

// CreatePaymentIntent opens a provider-side order for an unpaid order and
// records the reference so later captures can be verified against it.
func (s *paymentService) CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error) {
	if s == nil || s.orders == nil {
		return PaymentIntent{}, ErrPaymentUnavailable
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return PaymentIntent{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return PaymentIntent{}, mapOrderStateError(err)
	}
	if order.IsPaid {
		return PaymentIntent{}, ErrOrderAlreadyPaid
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" && order.UserID != actor {
		return PaymentIntent{}, ErrOrderForbidden
	}

	providerOrder, err := s.providers.CreateOrder(ctx,
		payments.PaymentContext{
			PreferredProvider: cmd.Provider,
			Currency:          order.Currency,
		},
		payments.CreateOrderRequest{
			OrderID:        order.ID,
			Amount:         order.Totals.Total,
			Currency:       order.Currency,
			IdempotencyKey: order.ID + ":intent",
			Metadata:       map[string]string{"order_id": order.ID},
		},
	)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			return PaymentIntent{}, fmt.Errorf("%w: unsupported provider %q", ErrPaymentInvalidInput, cmd.Provider)
		}
		s.logger(ctx, "payment.intent_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return PaymentIntent{}, ErrPaymentUnavailable
	}

	now := s.now()
	if _, err := s.orders.AttachPaymentIntent(ctx, repositories.OrderAttachIntentRequest{
		OrderID: order.ID,
		Result: domain.PaymentResult{
			Provider:        providerOrder.Provider,
			ProviderOrderID: providerOrder.ID,
			Status:          string(providerOrder.Status),
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		Now: now,
	}); err != nil {
		return PaymentIntent{}, mapOrderStateError(err)
	}

	s.logger(ctx, "payment.intent_created", map[string]any{
		"orderId":         order.ID,
		"provider":        providerOrder.Provider,
		"providerOrderId": providerOrder.ID,
	})

	return PaymentIntent{
		OrderID:         order.ID,
		Provider:        providerOrder.Provider,
		ProviderOrderID: providerOrder.ID,
		ClientSecret:    providerOrder.ClientSecret,
		ApprovalURL:     providerOrder.ApprovalURL,
		Status:          string(providerOrder.Status),
		ExpiresAt:       providerOrder.ExpiresAt,
	}, nil
}

// CapturePayment settles the provider order and reconciles the confirmation
// into the order store. The provider reference, captured state, amount, and
// currency are all verified before any order mutation happens.
func (s *paymentService) CapturePayment(ctx context.Context, cmd CapturePaymentCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrPaymentUnavailable
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderStateError(err)
	}
	if order.IsPaid {
		return Order{}, ErrOrderAlreadyPaid
	}
	if actor := strings.TrimSpace(cmd.ActorID); actor != "" && order.UserID != actor {
		return Order{}, ErrOrderForbidden
	}
	if order.PaymentResult == nil || strings.TrimSpace(order.PaymentResult.ProviderOrderID) == "" {
		return Order{}, fmt.Errorf("%w: no payment intent recorded", ErrPaymentVerificationFailed)
	}
	if providerOrderID := strings.TrimSpace(cmd.ProviderOrderID); providerOrderID != "" &&
		providerOrderID != order.PaymentResult.ProviderOrderID {
		return Order{}, fmt.Errorf("%w: provider order mismatch", ErrPaymentVerificationFailed)
	}

	result, err := s.providers.Capture(ctx,
		payments.PaymentContext{
			PreferredProvider: order.PaymentResult.Provider,
			Currency:          order.Currency,
		},
		payments.CaptureRequest{
			ProviderOrderID: order.PaymentResult.ProviderOrderID,
			IdempotencyKey:  order.ID + ":capture",
		},
	)
	if err != nil {
		s.logger(ctx, "payment.capture_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return Order{}, ErrPaymentUnavailable
	}

	if err := s.verifyCapture(order, result); err != nil {
		s.logger(ctx, "payment.verification_failed", map[string]any{
			"orderId":         order.ID,
			"providerOrderId": result.ProviderOrderID,
			"status":          string(result.Status),
			"amount":          result.Amount,
		})
		return Order{}, err
	}

	return s.reconcile(ctx, order.ID, domain.PaymentResult{
		Provider:        result.Provider,
		ProviderOrderID: result.ProviderOrderID,
		TransactionID:   result.TransactionID,
		Status:          string(result.Status),
		PayerEmail:      firstNonEmpty(result.PayerEmail, cmd.PayerEmail),
		AmountPaid:      result.Amount,
		PaidBy:          order.UserID,
		Raw:             result.Raw,
	})
}

// HandleWebhookEvent ingests an asynchronous provider notification. The
// payload is treated as a hint only: the provider is re-queried and the
// payment verified before reconciliation. Duplicate notifications for a paid
// order are acknowledged without touching it.
func (s *paymentService) HandleWebhookEvent(ctx context.Context, cmd PaymentWebhookCommand) error {
	if s == nil || s.orders == nil {
		return ErrPaymentUnavailable
	}
	provider := strings.ToLower(strings.TrimSpace(cmd.Provider))
	if provider == "" {
		return fmt.Errorf("%w: provider is required", ErrPaymentInvalidInput)
	}
	if len(cmd.Payload) == 0 {
		return fmt.Errorf("%w: payload is required", ErrPaymentInvalidInput)
	}

	hint, err := parseWebhookHint(provider, cmd.Payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
	}
	if !hint.settled {
		s.logger(ctx, "payment.webhook_ignored", map[string]any{
			"provider": provider,
			"event":    hint.eventType,
		})
		return nil
	}
	if hint.orderID == "" || hint.providerOrderID == "" {
		return fmt.Errorf("%w: event is missing order references", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, hint.orderID)
	if err != nil {
		return mapOrderStateError(err)
	}
	if order.IsPaid {
		return nil
	}
	if order.PaymentResult == nil || order.PaymentResult.ProviderOrderID != hint.providerOrderID {
		return fmt.Errorf("%w: provider order mismatch", ErrPaymentVerificationFailed)
	}

	result, err := s.providers.Lookup(ctx,
		payments.PaymentContext{PreferredProvider: provider, Currency: order.Currency},
		payments.LookupRequest{ProviderOrderID: hint.providerOrderID},
	)
	if err != nil {
		s.logger(ctx, "payment.webhook_lookup_failed", map[string]any{
			"provider": provider,
			"orderId":  order.ID,
			"error":    err.Error(),
		})
		return ErrPaymentUnavailable
	}
	if err := s.verifyCapture(order, result); err != nil {
		return err
	}

	if _, err := s.reconcile(ctx, order.ID, domain.PaymentResult{
		Provider:        result.Provider,
		ProviderOrderID: result.ProviderOrderID,
		TransactionID:   result.TransactionID,
		Status:          string(result.Status),
		PayerEmail:      result.PayerEmail,
		AmountPaid:      result.Amount,
		PaidBy:          order.UserID,
		Raw:             result.Raw,
	}); err != nil {
		// A concurrent capture can win the race; the webhook is then done.
		if errors.Is(err, ErrOrderAlreadyPaid) {
			return nil
		}
		return err
	}
	return nil
}

// MarkPaidManually records an out-of-band payment such as a bank transfer.
func (s *paymentService) MarkPaidManually(ctx context.Context, cmd ManualMarkPaidCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrPaymentUnavailable
	}
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	actorID := strings.TrimSpace(cmd.ActorID)
	if actorID == "" {
		return Order{}, fmt.Errorf("%w: actor id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderStateError(err)
	}

	result := domain.PaymentResult{
		Provider:   "manual",
		Status:     string(payments.StatusSucceeded),
		AmountPaid: order.Totals.Total,
		PaidBy:     actorID,
	}
	if note := strings.TrimSpace(cmd.Note); note != "" {
		result.Raw = map[string]any{"note": note}
	}

	return s.reconcile(ctx, order.ID, result)
}

// reconcile flips the order to paid exactly once and emits the paid event.
func (s *paymentService) reconcile(ctx context.Context, orderID string, result domain.PaymentResult) (Order, error) {
	now := s.now()
	updated, err := s.orders.MarkPaid(ctx, repositories.OrderMarkPaidRequest{
		OrderID: orderID,
		Result:  result,
		Now:     now,
	})
	if err != nil {
		return Order{}, mapOrderStateError(err)
	}

	s.logger(ctx, "payment.reconciled", map[string]any{
		"orderId":       updated.ID,
		"provider":      result.Provider,
		"transactionId": result.TransactionID,
		"amount":        result.AmountPaid,
	})

	s.publishEvent(ctx, domain.OrderEvent{
		Kind:        domain.OrderEventPaid,
		OrderID:     updated.ID,
		OrderNumber: updated.OrderNumber,
		UserID:      updated.UserID,
		Total:       updated.Totals.Total,
		Currency:    updated.Currency,
		OccurredAt:  now,
	})

	return updated, nil
}

// verifyCapture rejects provider results that do not settle this exact order.
func (s *paymentService) verifyCapture(order Order, result payments.CaptureResult) error {
	if order.PaymentResult == nil || result.ProviderOrderID != order.PaymentResult.ProviderOrderID {
		return fmt.Errorf("%w: provider order mismatch", ErrPaymentVerificationFailed)
	}
	if !result.Captured || result.Status != payments.StatusSucceeded {
		return fmt.Errorf("%w: payment not captured", ErrPaymentVerificationFailed)
	}
	if result.Amount != order.Totals.Total {
		return fmt.Errorf("%w: amount mismatch", ErrPaymentVerificationFailed)
	}
	if result.Currency != "" && !strings.EqualFold(result.Currency, order.Currency) {
		return fmt.Errorf("%w: currency mismatch", ErrPaymentVerificationFailed)
	}
	return nil
}

func (s *paymentService) publishEvent(ctx context.Context, event domain.OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event_publish_failed", map[string]any{
			"kind":    string(event.Kind),
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

type webhookHint struct {
	eventType       string
	orderID         string
	providerOrderID string
	settled         bool
}

// parseWebhookHint extracts the order references from provider payloads.
// Stripe events carry the intent under data.object; PayPal events carry the
// resource with our order id in custom_id.
func parseWebhookHint(provider string, payload []byte) (webhookHint, error) {
	switch provider {
	case "stripe":
		var event struct {
			Type string `json:"type"`
			Data struct {
				Object struct {
					ID       string            `json:"id"`
					Metadata map[string]string `json:"metadata"`
				} `json:"object"`
			} `json:"data"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			return webhookHint{}, fmt.Errorf("decode stripe event: %w", err)
		}
		return webhookHint{
			eventType:       event.Type,
			orderID:         strings.TrimSpace(event.Data.Object.Metadata["order_id"]),
			providerOrderID: strings.TrimSpace(event.Data.Object.ID),
			settled:         event.Type == "payment_intent.succeeded",
		}, nil
	case "paypal":
		var event struct {
			EventType string `json:"event_type"`
			Resource  struct {
				ID                string `json:"id"`
				CustomID          string `json:"custom_id"`
				SupplementaryData struct {
					RelatedIDs struct {
						OrderID string `json:"order_id"`
					} `json:"related_ids"`
				} `json:"supplementary_data"`
			} `json:"resource"`
		}
		if err := json.Unmarshal(payload, &event); err != nil {
			return webhookHint{}, fmt.Errorf("decode paypal event: %w", err)
		}
		hint := webhookHint{
			eventType:       event.EventType,
			orderID:         strings.TrimSpace(event.Resource.CustomID),
			providerOrderID: strings.TrimSpace(event.Resource.SupplementaryData.RelatedIDs.OrderID),
			settled:         event.EventType == "PAYMENT.CAPTURE.COMPLETED" || event.EventType == "CHECKOUT.ORDER.APPROVED",
		}
		// Order-level events put the PayPal order id directly on the resource.
		if hint.providerOrderID == "" {
			hint.providerOrderID = strings.TrimSpace(event.Resource.ID)
		}
		return hint, nil
	default:
		return webhookHint{}, fmt.Errorf("unknown provider %q", provider)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
