package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// RangeQuery represents inclusive range filters for numeric or timestamp fields.
type RangeQuery[T comparable] struct {
	From *T
	To   *T
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// CartScope identifies the owner of a cart. Exactly one of SessionID or
// UserID must be set; carts for anonymous visitors are keyed by session,
// carts for signed-in customers by user.
type CartScope struct {
	SessionID string
	UserID    string
}

// Valid reports whether the scope names exactly one owner.
func (s CartScope) Valid() bool {
	return (s.SessionID == "") != (s.UserID == "")
}

// Key returns the storage key for the scope.
func (s CartScope) Key() string {
	if s.UserID != "" {
		return "user:" + s.UserID
	}
	return "session:" + s.SessionID
}

// Cart aggregates the mutable shopping cart state for one scope.
type Cart struct {
	ID        string
	SessionID string
	UserID    string
	Currency  string
	Items     []CartItem
	Totals    CartTotals
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Scope reconstructs the ownership scope stored on the cart.
func (c Cart) Scope() CartScope {
	return CartScope{SessionID: c.SessionID, UserID: c.UserID}
}

// IsEmpty reports whether the cart has no purchasable lines.
func (c Cart) IsEmpty() bool {
	for _, item := range c.Items {
		if item.Quantity > 0 {
			return false
		}
	}
	return true
}

// CartItem stores a single product entry within a cart. Name, Slug, Image and
// UnitPrice are snapshots taken when the line was added.
type CartItem struct {
	ProductID string
	Name      string
	Slug      string
	Image     string
	Quantity  int
	UnitPrice int64
	AddedAt   time.Time
	UpdatedAt *time.Time
}

// CartTotals summarizes monetary rollups for the cart in minor units.
type CartTotals struct {
	Items    int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Product is the catalog view the order pipeline depends on: pricing and
// snapshot fields plus the live stock counter.
type Product struct {
	ID          string
	Name        string
	Slug        string
	Image       string
	Description string
	Brand       string
	Category    string
	Price       int64
	Stock       int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Order captures an immutable purchase record assembled from a cart.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	Currency        string
	PaymentMethod   string
	ShippingAddress Address
	Items           []OrderItem
	Totals          OrderTotals
	IsPaid          bool
	PaidAt          *time.Time
	PaymentResult   *PaymentResult
	IsDelivered     bool
	DeliveredAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
// Fixed at order creation and never recomputed.
type OrderTotals struct {
	Items    int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderItem mirrors a cart line at the time the order was placed. Identity is
// the (OrderID, ProductID) pair; the record is immutable once written.
type OrderItem struct {
	OrderID   string
	ProductID string
	Name      string
	Slug      string
	Image     string
	Quantity  int
	UnitPrice int64
}

// LineTotal returns quantity times unit price for the snapshot line.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// PaymentResult records the provider's view of a settled (or pending)
// payment attached to an order.
type PaymentResult struct {
	Provider        string
	ProviderOrderID string
	TransactionID   string
	Status          string
	PayerEmail      string
	AmountPaid      int64
	PaidBy          string
	Raw             map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Address stores the denormalized shipping destination copied onto orders.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// HealthStatus enumerates dependency probe outcomes.
type HealthStatus string

const (
	// HealthStatusOK indicates the dependency responded normally.
	HealthStatusOK HealthStatus = "ok"
	// HealthStatusDegraded indicates the dependency responded with errors.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusError indicates the dependency is unreachable or timed out.
	HealthStatusError HealthStatus = "error"
)

// SystemHealthCheck records a single dependency probe outcome.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes for readiness responses.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// OrderEventKind enumerates lifecycle notifications published for orders.
type OrderEventKind string

const (
	// OrderEventCreated is emitted when an order is assembled from a cart.
	OrderEventCreated OrderEventKind = "order.created"
	// OrderEventPaid is emitted exactly once when payment is reconciled.
	OrderEventPaid OrderEventKind = "order.paid"
	// OrderEventDelivered is emitted when fulfillment completes.
	OrderEventDelivered OrderEventKind = "order.delivered"
)

// OrderEvent is the payload published to the notification topic.
type OrderEvent struct {
	Kind        OrderEventKind
	OrderID     string
	OrderNumber string
	UserID      string
	Total       int64
	Currency    string
	OccurredAt  time.Time
}
