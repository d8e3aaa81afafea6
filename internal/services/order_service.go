package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/repositories"
)

const (
	orderNumberCounter = "orders"
	orderNumberPrefix  = "ML"

	// AdminRole grants access to other users' orders and lifecycle overrides.
	AdminRole = "admin"
)

var (
	errOrderOrdersRequired   = errors.New("order service: order repository is required")
	errOrderCartsRequired    = errors.New("order service: cart repository is required")
	errOrderProductsRequired = errors.New("order service: product repository is required")
	errOrderCountersRequired = errors.New("order service: counter repository is required")
	errOrderPricerRequired   = errors.New("order service: pricing engine is required")
	errOrderClockRequired    = errors.New("order service: clock is required")
)

// ErrOrderInvalidInput indicates the caller supplied invalid input.
var ErrOrderInvalidInput = errors.New("order service: invalid input")

// ErrOrderUnavailable indicates the order service cannot fulfil the request due to backend issues.
var ErrOrderUnavailable = errors.New("order service: unavailable")

// ErrOrderNotFound indicates the requested order does not exist.
var ErrOrderNotFound = errors.New("order service: not found")

// ErrOrderForbidden indicates the actor may not access the order.
var ErrOrderForbidden = errors.New("order service: forbidden")

// ErrOrderUnauthenticated indicates order placement requires a signed-in user.
var ErrOrderUnauthenticated = errors.New("order service: authentication required")

// ErrOrderEmptyCart indicates the cart has no lines to convert.
var ErrOrderEmptyCart = errors.New("order service: cart is empty")

// ErrOrderMissingAddress indicates the shipping address is absent or incomplete.
var ErrOrderMissingAddress = errors.New("order service: shipping address is required")

// ErrOrderMissingPaymentMethod indicates no payment method was selected.
var ErrOrderMissingPaymentMethod = errors.New("order service: payment method is required")

// ErrOrderAlreadyPaid indicates the order payment was already reconciled.
var ErrOrderAlreadyPaid = errors.New("order service: already paid")

// ErrOrderNotPaid indicates the operation requires a paid order.
var ErrOrderNotPaid = errors.New("order service: not paid")

// ErrOrderInsufficientStock indicates a line quantity exceeds the product's stock.
var ErrOrderInsufficientStock = errors.New("order service: insufficient stock")

// ErrOrderProductNotFound indicates a referenced product has no catalog record.
var ErrOrderProductNotFound = errors.New("order service: product not found")

// ErrOrderInvalidState indicates the order state forbids the operation.
var ErrOrderInvalidState = errors.New("order service: invalid state")

// OrderServiceDeps wires the repositories and collaborators for order assembly.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Carts       repositories.CartRepository
	Products    repositories.ProductRepository
	Counters    repositories.CounterRepository
	Pricer      PricingEngine
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
	Currency    string
}

type orderService struct {
	orders   repositories.OrderRepository
	carts    repositories.CartRepository
	products repositories.ProductRepository
	counters repositories.CounterRepository
	pricer   PricingEngine
	events   OrderEventPublisher
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
	currency string
}

// NewOrderService constructs an OrderService enforcing dependency validation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errOrderOrdersRequired
	}
	if deps.Carts == nil {
		return nil, errOrderCartsRequired
	}
	if deps.Products == nil {
		return nil, errOrderProductsRequired
	}
	if deps.Counters == nil {
		return nil, errOrderCountersRequired
	}
	if deps.Pricer == nil {
		return nil, errOrderPricerRequired
	}
	if deps.Clock == nil {
		return nil, errOrderClockRequired
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		currency = "USD"
	}

	return &orderService{
		orders:   deps.Orders,
		carts:    deps.Carts,
		products: deps.Products,
		counters: deps.Counters,
		pricer:   deps.Pricer,
		events:   deps.Events,
		now:      func() time.Time { return deps.Clock().UTC() },
		newID:    newID,
		logger:   logger,
		currency: currency,
	}, nil
}

// PlaceOrder converts the user's cart into an order, snapshotting names and
// prices, and clears the cart in the same transaction as the order write.
func (s *orderService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, ErrOrderUnauthenticated
	}
	paymentMethod := strings.TrimSpace(cmd.PaymentMethod)
	if paymentMethod == "" {
		return Order{}, ErrOrderMissingPaymentMethod
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}

	scope := domain.CartScope{UserID: userID}
	cart, err := s.carts.GetCart(ctx, scope)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderEmptyCart
		}
		return Order{}, translateOrderRepoError(err)
	}
	if cart.IsEmpty() {
		return Order{}, ErrOrderEmptyCart
	}

	productIDs := make([]string, len(cart.Items))
	for i, item := range cart.Items {
		productIDs[i] = item.ProductID
	}
	catalog, err := s.products.FindByIDs(ctx, productIDs)
	if err != nil {
		return Order{}, translateOrderRepoError(err)
	}

	lines := make([]PriceLine, len(cart.Items))
	items := make([]domain.OrderItem, len(cart.Items))
	for i, item := range cart.Items {
		if _, ok := catalog[item.ProductID]; !ok {
			return Order{}, fmt.Errorf("%w: %s", ErrOrderProductNotFound, item.ProductID)
		}
		lines[i] = PriceLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Slug:      item.Slug,
			Image:     item.Image,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	quote, err := s.pricer.Quote(lines)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return Order{}, ErrOrderUnavailable
	}

	orderNumber, err := s.nextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              strings.TrimSpace(s.newID()),
		OrderNumber:     orderNumber,
		UserID:          userID,
		Currency:        s.currency,
		PaymentMethod:   paymentMethod,
		ShippingAddress: cmd.ShippingAddress,
		Items:           items,
		Totals:          domain.OrderTotalsFromQuote(quote),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if order.ID == "" {
		order.ID = ulid.Make().String()
	}
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}

	placed, err := s.orders.Place(ctx, repositories.OrderPlaceRequest{
		Order:     order,
		CartScope: scope,
		Now:       now,
	})
	if err != nil {
		return Order{}, mapOrderStateError(err)
	}

	s.publishEvent(ctx, domain.OrderEvent{
		Kind:        domain.OrderEventCreated,
		OrderID:     placed.ID,
		OrderNumber: placed.OrderNumber,
		UserID:      placed.UserID,
		Total:       placed.Totals.Total,
		Currency:    placed.Currency,
		OccurredAt:  now,
	})

	return placed, nil
}

// GetOrder loads an order, restricting access to its owner or admins.
func (s *orderService) GetOrder(ctx context.Context, query OrderQuery) (Order, error) {
	if s == nil || s.orders == nil {
		return Order{}, ErrOrderUnavailable
	}
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapOrderStateError(err)
	}

	actorID := strings.TrimSpace(query.ActorID)
	if actorID == "" {
		return Order{}, ErrOrderUnauthenticated
	}
	if order.UserID != actorID && !hasRole(query.ActorRoles, AdminRole) {
		return Order{}, ErrOrderForbidden
	}
	return order, nil
}

// ListUserOrders returns the caller's orders, newest first.
func (s *orderService) ListUserOrders(ctx context.Context, userID string, pager Pagination) (domain.CursorPage[Order], error) {
	if s == nil || s.orders == nil {
		return domain.CursorPage[Order]{}, ErrOrderUnavailable
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[Order]{}, ErrOrderUnauthenticated
	}
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     uid,
		Pagination: pager,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, translateOrderRepoError(err)
	}
	return page, nil
}

// ListOrders returns orders across users for admin surfaces.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if s == nil || s.orders == nil {
		return domain.CursorPage[Order]{}, ErrOrderUnavailable
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, translateOrderRepoError(err)
	}
	return page, nil
}

func (s *orderService) nextOrderNumber(ctx context.Context) (string, error) {
	value, err := s.counters.Next(ctx, orderNumberCounter, 1)
	if err != nil {
		s.logger(ctx, "order.counter_failed", map[string]any{"error": err.Error()})
		return "", ErrOrderUnavailable
	}
	return fmt.Sprintf("%s-%06d", orderNumberPrefix, value), nil
}

func (s *orderService) publishEvent(ctx context.Context, event domain.OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"kind":    string(event.Kind),
			"orderId": event.OrderID,
			"error":   err.Error(),
		})
	}
}

func validateShippingAddress(addr Address) error {
	missing := strings.TrimSpace(addr.Recipient) == "" ||
		strings.TrimSpace(addr.Line1) == "" ||
		strings.TrimSpace(addr.City) == "" ||
		strings.TrimSpace(addr.PostalCode) == "" ||
		strings.TrimSpace(addr.Country) == ""
	if missing {
		return ErrOrderMissingAddress
	}
	return nil
}

func hasRole(roles []string, role string) bool {
	for _, candidate := range roles {
		if strings.EqualFold(strings.TrimSpace(candidate), role) {
			return true
		}
	}
	return false
}

// mapOrderStateError converts typed repository state errors and generic
// repository failures into service sentinels.
func mapOrderStateError(err error) error {
	if err == nil {
		return nil
	}
	var stateErr *repositories.OrderStateError
	if errors.As(err, &stateErr) {
		switch stateErr.Code {
		case repositories.OrderErrorNotFound:
			return ErrOrderNotFound
		case repositories.OrderErrorAlreadyPaid:
			return ErrOrderAlreadyPaid
		case repositories.OrderErrorNotPaid:
			return ErrOrderNotPaid
		case repositories.OrderErrorInsufficientStock:
			return ErrOrderInsufficientStock
		case repositories.OrderErrorProductNotFound:
			return ErrOrderProductNotFound
		case repositories.OrderErrorInvalidState:
			return ErrOrderInvalidState
		}
		return ErrOrderUnavailable
	}
	return translateOrderRepoError(err)
}

func translateOrderRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsUnavailable():
			return ErrOrderUnavailable
		}
	}
	return ErrOrderUnavailable
}
