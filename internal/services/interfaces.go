package services

import (
	"context"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	CartScope          = domain.CartScope
	CartTotals         = domain.CartTotals
	Product            = domain.Product
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderTotals        = domain.OrderTotals
	OrderEvent         = domain.OrderEvent
	Address            = domain.Address
	PaymentResult      = domain.PaymentResult
	PriceLine          = domain.PriceLine
	PriceQuote         = domain.PriceQuote
	SystemHealthReport = domain.SystemHealthReport
)

// PricingEngine converts cart lines into a deterministic quote in minor units.
type PricingEngine interface {
	Quote(lines []PriceLine) (PriceQuote, error)
}

// CartService manages mutable cart state for both guest sessions and signed-in users.
type CartService interface {
	GetOrCreateCart(ctx context.Context, scope CartScope) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error)
	MergeSessionCart(ctx context.Context, cmd MergeCartCommand) (Cart, error)
	ClearCart(ctx context.Context, scope CartScope) error
}

// OrderService assembles orders from carts and exposes order reads.
type OrderService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error)
	GetOrder(ctx context.Context, query OrderQuery) (Order, error)
	ListUserOrders(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
}

// PaymentService drives the provider payment flow and reconciles confirmations
// into the order store exactly once.
type PaymentService interface {
	CreatePaymentIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (PaymentIntent, error)
	CapturePayment(ctx context.Context, cmd CapturePaymentCommand) (Order, error)
	HandleWebhookEvent(ctx context.Context, cmd PaymentWebhookCommand) error
	MarkPaidManually(ctx context.Context, cmd ManualMarkPaidCommand) (Order, error)
}

// FulfillmentService records post-payment fulfillment progress.
type FulfillmentService interface {
	MarkDelivered(ctx context.Context, cmd MarkDeliveredCommand) (Order, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// Command and DTO definitions ------------------------------------------------

// AddCartItemCommand upserts a product line into the scoped cart.
type AddCartItemCommand struct {
	Scope     CartScope
	ProductID string
	Quantity  int
}

// RemoveCartItemCommand removes a product line from the scoped cart.
type RemoveCartItemCommand struct {
	Scope     CartScope
	ProductID string
}

// MergeCartCommand folds a guest session cart into the user's cart at sign-in.
type MergeCartCommand struct {
	SessionID string
	UserID    string
}

// PlaceOrderCommand converts the user's cart into an order.
type PlaceOrderCommand struct {
	UserID          string
	PaymentMethod   string
	ShippingAddress Address
}

// OrderQuery scopes an order read to the requesting actor.
type OrderQuery struct {
	OrderID    string
	ActorID    string
	ActorRoles []string
}

// OrderListFilter bounds admin order listings.
type OrderListFilter = repositories.OrderListFilter

// CreatePaymentIntentCommand opens a provider-side order for an unpaid order.
type CreatePaymentIntentCommand struct {
	OrderID  string
	Provider string
	ActorID  string
}

// PaymentIntent is the client-facing handle for completing a payment.
type PaymentIntent struct {
	OrderID         string
	Provider        string
	ProviderOrderID string
	ClientSecret    string
	ApprovalURL     string
	Status          string
	ExpiresAt       time.Time
}

// CapturePaymentCommand settles an approved provider order and reconciles it.
type CapturePaymentCommand struct {
	OrderID         string
	ProviderOrderID string
	ActorID         string
	PayerEmail      string
}

// PaymentWebhookCommand carries a raw provider notification. The payload is
// treated as a hint only: the service re-queries the provider before changing
// any order state, so no signature material travels with it.
type PaymentWebhookCommand struct {
	Provider string
	Payload  []byte
}

// ManualMarkPaidCommand records an out-of-band payment (bank transfer, support override).
type ManualMarkPaidCommand struct {
	OrderID string
	ActorID string
	Note    string
}

// MarkDeliveredCommand confirms fulfillment of a paid order.
type MarkDeliveredCommand struct {
	OrderID string
	ActorID string
}

// CounterCommand requests the next value from a named sequence.
type CounterCommand struct {
	CounterID string
	Step      int64
}
