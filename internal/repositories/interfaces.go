package repositories

import (
	"context"
	"time"

	domain "github.com/marketlane/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Products() ProductRepository
	Orders() OrderRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// CartRepository owns cart persistence keyed by ownership scope.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	GetCart(ctx context.Context, scope domain.CartScope) (domain.Cart, error)
	DeleteCart(ctx context.Context, scope domain.CartScope) error
}

// ProductRepository reads catalog projections the order pipeline depends on.
// Stock mutations happen exclusively inside OrderRepository transactions.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)
}

// OrderRepository persists orders and owns the transactional lifecycle writes:
// placement (order + items + cart clear), payment reconciliation (paid flip +
// stock decrement), and delivery confirmation.
type OrderRepository interface {
	// Place writes the order with its item snapshots and clears the source
	// cart in one transaction.
	Place(ctx context.Context, req OrderPlaceRequest) (domain.Order, error)

	// MarkPaid flips the order to paid exactly once. The already-paid check,
	// the payment result write, and the per-item stock decrement share one
	// transaction; a second confirmation fails with an already-paid state
	// error and leaves everything untouched.
	MarkPaid(ctx context.Context, req OrderMarkPaidRequest) (domain.Order, error)

	// MarkDelivered records delivery for a paid order.
	MarkDelivered(ctx context.Context, req OrderMarkDeliveredRequest) (domain.Order, error)

	// AttachPaymentIntent records the provider order reference created for
	// the order so later captures can be verified against it.
	AttachPaymentIntent(ctx context.Context, req OrderAttachIntentRequest) (domain.Order, error)

	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderPlaceRequest carries the assembled order and the cart scope to clear.
type OrderPlaceRequest struct {
	Order     domain.Order
	CartScope domain.CartScope
	Now       time.Time
}

// OrderAttachIntentRequest records a pending provider order reference.
type OrderAttachIntentRequest struct {
	OrderID string
	Result  domain.PaymentResult
	Now     time.Time
}

// OrderMarkPaidRequest finalises payment state for an order.
type OrderMarkPaidRequest struct {
	OrderID string
	Result  domain.PaymentResult
	Now     time.Time
}

// OrderMarkDeliveredRequest records fulfillment completion.
type OrderMarkDeliveredRequest struct {
	OrderID string
	Now     time.Time
}

// OrderListFilter bounds order queries for users and admins.
type OrderListFilter struct {
	UserID     string
	PaidOnly   *bool
	DateRange  domain.RangeQuery[time.Time]
	Pagination domain.Pagination
}

// ProductListFilter bounds catalog listings.
type ProductListFilter struct {
	Category   *string
	Brand      *string
	InStock    *bool
	Pagination domain.Pagination
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
