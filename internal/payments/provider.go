package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded (partially or fully).
	StatusRefunded Status = "refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// OrderLineItem describes a single line item to include in a provider order.
type OrderLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	Amount   int64
	Currency string
}

// CreateOrderRequest captures the payload required to open a provider-side order.
type CreateOrderRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
	Items          []OrderLineItem
}

// ProviderOrder represents the PSP-side order returned to the client for approval.
type ProviderOrder struct {
	ID           string
	Provider     string
	Status       Status
	ClientSecret string
	ApprovalURL  string
	ExpiresAt    time.Time
	Raw          map[string]any
}

// CaptureRequest finalises a previously created provider order.
type CaptureRequest struct {
	ProviderOrderID string
	Amount          *int64
	IdempotencyKey  string
	Metadata        map[string]string
}

// RefundRequest defines a PSP refund attempt against a captured transaction.
// Currency qualifies Amount for providers whose refund API takes a money
// object rather than a bare amount.
type RefundRequest struct {
	TransactionID  string
	Amount         *int64
	Currency       string
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest fetches provider-side payment state for reconciliation.
type LookupRequest struct {
	ProviderOrderID string
}

// CaptureResult normalises PSP capture responses for storage and reconciliation.
type CaptureResult struct {
	Provider        string
	ProviderOrderID string
	TransactionID   string
	Status          Status
	Amount          int64
	Currency        string
	PayerEmail      string
	Captured        bool
	CapturedAt      *time.Time
	RefundedAt      *time.Time
	Raw             map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	// CreateOrder opens a provider-side order for the given amount and
	// returns the reference the client needs to complete approval.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (ProviderOrder, error)

	// Capture finalises the provider order and returns the settled result.
	Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error)

	// Refund reverses a captured transaction.
	Refund(ctx context.Context, req RefundRequest) (CaptureResult, error)

	// Lookup fetches the current provider-side state without mutating it.
	Lookup(ctx context.Context, req LookupRequest) (CaptureResult, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["paypal"]; ok {
		m.defaultProvider = "paypal"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, ErrUnsupportedProvider
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Providers lists the registered provider keys.
func (m *Manager) Providers() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.providers))
	for key := range m.providers {
		keys = append(keys, key)
	}
	return keys
}

// CreateOrder delegates to the resolved provider.
func (m *Manager) CreateOrder(ctx context.Context, paymentCtx PaymentContext, req CreateOrderRequest) (ProviderOrder, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return ProviderOrder{}, err
	}
	order, err := provider.CreateOrder(ctx, req)
	if err != nil {
		return ProviderOrder{}, err
	}
	order.Provider = key
	return order, nil
}

// Capture delegates to the resolved provider.
func (m *Manager) Capture(ctx context.Context, paymentCtx PaymentContext, req CaptureRequest) (CaptureResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CaptureResult{}, err
	}
	result, err := provider.Capture(ctx, req)
	if err != nil {
		return CaptureResult{}, err
	}
	result.Provider = key
	return result, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (CaptureResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CaptureResult{}, err
	}
	result, err := provider.Refund(ctx, req)
	if err != nil {
		return CaptureResult{}, err
	}
	result.Provider = key
	return result, nil
}

// Lookup delegates to the resolved provider.
func (m *Manager) Lookup(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (CaptureResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return CaptureResult{}, err
	}
	result, err := provider.Lookup(ctx, req)
	if err != nil {
		return CaptureResult{}, err
	}
	result.Provider = key
	return result, nil
}
