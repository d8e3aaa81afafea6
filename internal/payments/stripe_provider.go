package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Capture(id string, params *stripe.PaymentIntentCaptureParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Payment Intents.
// Stripe charges directly: CreateOrder opens the intent, the customer confirms
// it client-side, and Capture verifies settlement (capturing manually held
// funds when the intent still requires it).
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateOrder opens a Payment Intent for the order amount. The client secret
// lets the storefront confirm the intent with the customer's card.
func (p *StripeProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (ProviderOrder, error) {
	if p == nil {
		return ProviderOrder{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return ProviderOrder{}, errors.New("stripe: amount must be positive")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}

	params.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if orderID := strings.TrimSpace(req.OrderID); orderID != "" {
		params.Metadata["order_id"] = orderID
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return ProviderOrder{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return ProviderOrder{
		ID:           intent.ID,
		Provider:     "stripe",
		Status:       stripeStatus(intent),
		ClientSecret: intent.ClientSecret,
		ExpiresAt:    p.clock().Add(30 * time.Minute),
		Raw:          stripeRaw(intent),
	}, nil
}

// Capture finalises the Payment Intent. Intents confirmed client-side usually
// arrive already succeeded; manually held funds are captured here.
func (p *StripeProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("stripe: provider is nil")
	}
	intentID := strings.TrimSpace(req.ProviderOrderID)
	if intentID == "" {
		return CaptureResult{}, errors.New("stripe: payment intent id is required")
	}

	getParams := &stripe.PaymentIntentParams{}
	getParams.Context = ctx
	if p.account != "" {
		getParams.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(intentID, getParams)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}

	if intent.Status == stripe.PaymentIntentStatusRequiresCapture {
		captureParams := &stripe.PaymentIntentCaptureParams{}
		captureParams.Context = ctx
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			captureParams.SetIdempotencyKey(key)
		}
		if p.account != "" {
			captureParams.SetStripeAccount(p.account)
		}
		if req.Amount != nil {
			captureParams.AmountToCapture = stripe.Int64(*req.Amount)
		}
		intent, err = p.api.intents.Capture(intentID, captureParams)
		if err != nil {
			return CaptureResult{}, fmt.Errorf("stripe: capture payment intent: %w", err)
		}
	}

	p.logger(ctx, "payments.stripe.intent.captured", map[string]any{
		"paymentIntent":  intent.ID,
		"status":         intent.Status,
		"amountReceived": intent.AmountReceived,
	})

	return stripeCaptureResult(intent), nil
}

// Refund creates a refund for the captured Payment Intent.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("stripe: provider is nil")
	}
	intentID := strings.TrimSpace(req.TransactionID)
	if intentID == "" {
		return CaptureResult{}, errors.New("stripe: transaction id is required")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	if _, err := p.api.refunds.New(params); err != nil {
		return CaptureResult{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": intentID,
	})
	return p.Lookup(ctx, LookupRequest{ProviderOrderID: intentID})
}

// Lookup retrieves the Payment Intent state without mutating it.
func (p *StripeProvider) Lookup(ctx context.Context, req LookupRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(strings.TrimSpace(req.ProviderOrderID), params)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return stripeCaptureResult(intent), nil
}

func stripeStatus(intent *stripe.PaymentIntent) Status {
	if intent == nil {
		return StatusPending
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func stripeCaptureResult(intent *stripe.PaymentIntent) CaptureResult {
	if intent == nil {
		return CaptureResult{}
	}

	status := stripeStatus(intent)

	var capturedAt *time.Time
	var refundedAt *time.Time
	var payerEmail string
	var transactionID string
	captured := intent.Status == stripe.PaymentIntentStatusSucceeded

	if charge := intent.LatestCharge; charge != nil {
		transactionID = charge.ID
		if charge.BillingDetails != nil {
			payerEmail = charge.BillingDetails.Email
		}
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
			captured = true
		}
		if charge.Refunded || charge.AmountRefunded > 0 {
			t := time.Unix(charge.Created, 0).UTC()
			refundedAt = &t
			if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
				status = StatusRefunded
			}
		}
	}
	if transactionID == "" {
		transactionID = intent.ID
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}

	return CaptureResult{
		Provider:        "stripe",
		ProviderOrderID: intent.ID,
		TransactionID:   transactionID,
		Status:          status,
		Amount:          amount,
		Currency:        currency,
		PayerEmail:      payerEmail,
		Captured:        captured,
		CapturedAt:      capturedAt,
		RefundedAt:      refundedAt,
		Raw:             stripeRaw(intent),
	}
}

func stripeRaw(intent *stripe.PaymentIntent) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}
	return raw
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}

var _ Provider = (*StripeProvider)(nil)
