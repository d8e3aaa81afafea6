package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/repositories"
)

var testClock = func() time.Time {
	return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
}

type stubRepoError struct {
	notFound    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repo error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return false }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

var _ repositories.RepositoryError = (*stubRepoError)(nil)

type stubCartRepository struct {
	carts   map[string]domain.Cart
	deleted []string
	getErr  error
}

func newStubCartRepository() *stubCartRepository {
	return &stubCartRepository{carts: map[string]domain.Cart{}}
}

func (s *stubCartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	key := cart.Scope().Key()
	cart.ID = key
	s.carts[key] = cart
	return cart, nil
}

func (s *stubCartRepository) GetCart(ctx context.Context, scope domain.CartScope) (domain.Cart, error) {
	if s.getErr != nil {
		return domain.Cart{}, s.getErr
	}
	cart, ok := s.carts[scope.Key()]
	if !ok {
		return domain.Cart{}, &stubRepoError{notFound: true}
	}
	return cart, nil
}

func (s *stubCartRepository) DeleteCart(ctx context.Context, scope domain.CartScope) error {
	delete(s.carts, scope.Key())
	s.deleted = append(s.deleted, scope.Key())
	return nil
}

type stubProductRepository struct {
	products map[string]domain.Product
}

func newStubProductRepository(products ...domain.Product) *stubProductRepository {
	repo := &stubProductRepository{products: map[string]domain.Product{}}
	for _, p := range products {
		repo.products[p.ID] = p
	}
	return repo
}

func (s *stubProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	product, ok := s.products[productID]
	if !ok {
		return domain.Product{}, &stubRepoError{notFound: true}
	}
	return product, nil
}

func (s *stubProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if product, ok := s.products[id]; ok {
			out[id] = product
		}
	}
	return out, nil
}

func (s *stubProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	return domain.CursorPage[domain.Product]{}, nil
}

// stubOrderRepository mirrors the store's transactional semantics closely
// enough to exercise the exactly-once reconciliation path: the already-paid
// guard and the stock decrement happen in the same MarkPaid call.
type stubOrderRepository struct {
	orders      map[string]domain.Order
	products    *stubProductRepository
	carts       *stubCartRepository
	markPaid    int
	placeCalls  int
	attachCalls int
}

func newStubOrderRepository(products *stubProductRepository, carts *stubCartRepository) *stubOrderRepository {
	return &stubOrderRepository{
		orders:   map[string]domain.Order{},
		products: products,
		carts:    carts,
	}
}

func (s *stubOrderRepository) Place(ctx context.Context, req repositories.OrderPlaceRequest) (domain.Order, error) {
	s.placeCalls++
	order := req.Order
	s.orders[order.ID] = order
	if s.carts != nil {
		cart := s.carts.carts[req.CartScope.Key()]
		cart.Items = []domain.CartItem{}
		cart.Totals = domain.CartTotals{}
		s.carts.carts[req.CartScope.Key()] = cart
	}
	return order, nil
}

func (s *stubOrderRepository) MarkPaid(ctx context.Context, req repositories.OrderMarkPaidRequest) (domain.Order, error) {
	s.markPaid++
	order, ok := s.orders[req.OrderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorNotFound, "order not found", nil)
	}
	if order.IsPaid {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorAlreadyPaid, "already paid", nil)
	}
	for _, item := range order.Items {
		product, ok := s.products.products[item.ProductID]
		if !ok {
			return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorProductNotFound, "product not found", nil)
		}
		if product.Stock < item.Quantity {
			return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorInsufficientStock, "insufficient stock", nil)
		}
	}
	for _, item := range order.Items {
		product := s.products.products[item.ProductID]
		product.Stock -= item.Quantity
		s.products.products[item.ProductID] = product
	}
	now := req.Now.UTC()
	order.IsPaid = true
	order.PaidAt = &now
	result := req.Result
	order.PaymentResult = &result
	order.UpdatedAt = now
	s.orders[order.ID] = order
	return order, nil
}

func (s *stubOrderRepository) MarkDelivered(ctx context.Context, req repositories.OrderMarkDeliveredRequest) (domain.Order, error) {
	order, ok := s.orders[req.OrderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorNotFound, "order not found", nil)
	}
	if !order.IsPaid {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorNotPaid, "not paid", nil)
	}
	if order.IsDelivered {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorInvalidState, "already delivered", nil)
	}
	now := req.Now.UTC()
	order.IsDelivered = true
	order.DeliveredAt = &now
	order.UpdatedAt = now
	s.orders[order.ID] = order
	return order, nil
}

func (s *stubOrderRepository) AttachPaymentIntent(ctx context.Context, req repositories.OrderAttachIntentRequest) (domain.Order, error) {
	s.attachCalls++
	order, ok := s.orders[req.OrderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorNotFound, "order not found", nil)
	}
	if order.IsPaid {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorAlreadyPaid, "already paid", nil)
	}
	result := req.Result
	order.PaymentResult = &result
	order.UpdatedAt = req.Now.UTC()
	s.orders[req.OrderID] = order
	return order, nil
}

func (s *stubOrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	order, ok := s.orders[orderID]
	if !ok {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorNotFound, "order not found", nil)
	}
	return order, nil
}

func (s *stubOrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	var items []domain.Order
	for _, order := range s.orders {
		if filter.UserID != "" && order.UserID != filter.UserID {
			continue
		}
		items = append(items, order)
	}
	return domain.CursorPage[domain.Order]{Items: items}, nil
}

type stubCounters struct {
	next int64
	err  error
}

func (s *stubCounters) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if s.err != nil {
		return 0, s.err
	}
	s.next++
	return s.next, nil
}

func (s *stubCounters) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	return nil
}

type stubEventPublisher struct {
	events []domain.OrderEvent
	err    error
}

func (s *stubEventPublisher) PublishOrderEvent(ctx context.Context, event domain.OrderEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, event)
	return nil
}

func testPricer(t *testing.T) PricingEngine {
	t.Helper()
	pricer, err := NewFixedPricingEngine(FixedPricingEngineDeps{
		Currency:              "USD",
		FreeShippingThreshold: 10_000,
		ShippingFlatFee:       1_000,
		TaxRateBasisPoints:    1_000,
	})
	if err != nil {
		t.Fatalf("new pricing engine: %v", err)
	}
	return pricer
}

func testShippingAddress() domain.Address {
	return domain.Address{
		Recipient:  "Ada Lovelace",
		Line1:      "1 Analytical Way",
		City:       "London",
		PostalCode: "EC1A 1AA",
		Country:    "GB",
	}
}

func newTestOrderService(t *testing.T, orders *stubOrderRepository, carts *stubCartRepository, products *stubProductRepository, events *stubEventPublisher) OrderService {
	t.Helper()
	counter := 0
	deps := OrderServiceDeps{
		Orders:   orders,
		Carts:    carts,
		Products: products,
		Counters: &stubCounters{},
		Pricer:   testPricer(t),
		Clock:    testClock,
		IDGenerator: func() string {
			counter++
			return fmt.Sprintf("order-%03d", counter)
		},
		Currency: "USD",
	}
	if events != nil {
		deps.Events = events
	}
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func seedUserCart(carts *stubCartRepository, userID string, items ...domain.CartItem) {
	scope := domain.CartScope{UserID: userID}
	carts.carts[scope.Key()] = domain.Cart{
		ID:       scope.Key(),
		UserID:   userID,
		Currency: "USD",
		Items:    items,
	}
}

func TestPlaceOrderAssemblesFromCart(t *testing.T) {
	products := newStubProductRepository(
		domain.Product{ID: "prod-1", Name: "Walnut Desk Organiser", Price: 2500, Stock: 10},
	)
	carts := newStubCartRepository()
	seedUserCart(carts, "user-1", domain.CartItem{
		ProductID: "prod-1",
		Name:      "Walnut Desk Organiser",
		Quantity:  2,
		UnitPrice: 2500,
	})
	orders := newStubOrderRepository(products, carts)
	events := &stubEventPublisher{}
	svc := newTestOrderService(t, orders, carts, products, events)

	order, err := svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:          "user-1",
		PaymentMethod:   "paypal",
		ShippingAddress: testShippingAddress(),
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if order.OrderNumber != "ML-000001" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Totals.Items != 5000 || order.Totals.Shipping != 1000 || order.Totals.Tax != 500 || order.Totals.Total != 6500 {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if len(order.Items) != 1 || order.Items[0].Quantity != 2 || order.Items[0].UnitPrice != 2500 {
		t.Fatalf("unexpected items %+v", order.Items)
	}
	if order.IsPaid {
		t.Fatalf("new order must start unpaid")
	}

	scope := domain.CartScope{UserID: "user-1"}
	if got := carts.carts[scope.Key()]; len(got.Items) != 0 {
		t.Fatalf("expected cart cleared, got %d items", len(got.Items))
	}

	if len(events.events) != 1 || events.events[0].Kind != domain.OrderEventCreated {
		t.Fatalf("expected order.created event, got %+v", events.events)
	}
}

func TestPlaceOrderPreconditions(t *testing.T) {
	products := newStubProductRepository(
		domain.Product{ID: "prod-1", Name: "Walnut Desk Organiser", Price: 2500, Stock: 10},
	)
	carts := newStubCartRepository()
	seedUserCart(carts, "user-1", domain.CartItem{ProductID: "prod-1", Quantity: 1, UnitPrice: 2500})
	orders := newStubOrderRepository(products, carts)
	svc := newTestOrderService(t, orders, carts, products, nil)
	ctx := context.Background()

	if _, err := svc.PlaceOrder(ctx, PlaceOrderCommand{
		PaymentMethod:   "paypal",
		ShippingAddress: testShippingAddress(),
	}); !errors.Is(err, ErrOrderUnauthenticated) {
		t.Fatalf("expected ErrOrderUnauthenticated, got %v", err)
	}

	if _, err := svc.PlaceOrder(ctx, PlaceOrderCommand{
		UserID:          "user-1",
		ShippingAddress: testShippingAddress(),
	}); !errors.Is(err, ErrOrderMissingPaymentMethod) {
		t.Fatalf("expected ErrOrderMissingPaymentMethod, got %v", err)
	}

	if _, err := svc.PlaceOrder(ctx, PlaceOrderCommand{
		UserID:        "user-1",
		PaymentMethod: "paypal",
	}); !errors.Is(err, ErrOrderMissingAddress) {
		t.Fatalf("expected ErrOrderMissingAddress, got %v", err)
	}

	if _, err := svc.PlaceOrder(ctx, PlaceOrderCommand{
		UserID:          "user-2",
		PaymentMethod:   "paypal",
		ShippingAddress: testShippingAddress(),
	}); !errors.Is(err, ErrOrderEmptyCart) {
		t.Fatalf("expected ErrOrderEmptyCart, got %v", err)
	}
}

func TestPlaceOrderRejectsVanishedProduct(t *testing.T) {
	products := newStubProductRepository()
	carts := newStubCartRepository()
	seedUserCart(carts, "user-1", domain.CartItem{ProductID: "prod-gone", Quantity: 1, UnitPrice: 2500})
	orders := newStubOrderRepository(products, carts)
	svc := newTestOrderService(t, orders, carts, products, nil)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderCommand{
		UserID:          "user-1",
		PaymentMethod:   "paypal",
		ShippingAddress: testShippingAddress(),
	})
	if !errors.Is(err, ErrOrderProductNotFound) {
		t.Fatalf("expected ErrOrderProductNotFound, got %v", err)
	}
	if orders.placeCalls != 0 {
		t.Fatalf("expected no order placement")
	}
}

func TestGetOrderAuthorisation(t *testing.T) {
	products := newStubProductRepository()
	carts := newStubCartRepository()
	orders := newStubOrderRepository(products, carts)
	orders.orders["order-1"] = domain.Order{ID: "order-1", UserID: "user-1"}
	svc := newTestOrderService(t, orders, carts, products, nil)
	ctx := context.Background()

	if _, err := svc.GetOrder(ctx, OrderQuery{OrderID: "order-1", ActorID: "user-1"}); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := svc.GetOrder(ctx, OrderQuery{OrderID: "order-1", ActorID: "user-2"}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
	if _, err := svc.GetOrder(ctx, OrderQuery{OrderID: "order-1", ActorID: "admin-1", ActorRoles: []string{"admin"}}); err != nil {
		t.Fatalf("admin read: %v", err)
	}
	if _, err := svc.GetOrder(ctx, OrderQuery{OrderID: "missing", ActorID: "user-1"}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestListUserOrdersFilters(t *testing.T) {
	products := newStubProductRepository()
	carts := newStubCartRepository()
	orders := newStubOrderRepository(products, carts)
	orders.orders["order-1"] = domain.Order{ID: "order-1", UserID: "user-1"}
	orders.orders["order-2"] = domain.Order{ID: "order-2", UserID: "user-2"}
	svc := newTestOrderService(t, orders, carts, products, nil)

	page, err := svc.ListUserOrders(context.Background(), "user-1", Pagination{})
	if err != nil {
		t.Fatalf("ListUserOrders: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "order-1" {
		t.Fatalf("unexpected page %+v", page.Items)
	}

	if _, err := svc.ListUserOrders(context.Background(), "  ", Pagination{}); !errors.Is(err, ErrOrderUnauthenticated) {
		t.Fatalf("expected ErrOrderUnauthenticated, got %v", err)
	}
}

func TestOrderNumberSequence(t *testing.T) {
	products := newStubProductRepository(
		domain.Product{ID: "prod-1", Name: "Walnut Desk Organiser", Price: 2500, Stock: 10},
	)
	carts := newStubCartRepository()
	orders := newStubOrderRepository(products, carts)
	svc := newTestOrderService(t, orders, carts, products, nil)

	for i, want := range []string{"ML-000001", "ML-000002"} {
		seedUserCart(carts, "user-1", domain.CartItem{ProductID: "prod-1", Quantity: 1, UnitPrice: 2500})
		order, err := svc.PlaceOrder(context.Background(), PlaceOrderCommand{
			UserID:          "user-1",
			PaymentMethod:   "stripe",
			ShippingAddress: testShippingAddress(),
		})
		if err != nil {
			t.Fatalf("PlaceOrder %d: %v", i, err)
		}
		if order.OrderNumber != want {
			t.Fatalf("expected order number %s, got %s", want, order.OrderNumber)
		}
		if !strings.HasPrefix(order.ID, "order-") {
			t.Fatalf("unexpected order id %q", order.ID)
		}
	}
}

var _ repositories.CartRepository = (*stubCartRepository)(nil)
var _ repositories.ProductRepository = (*stubProductRepository)(nil)
var _ repositories.OrderRepository = (*stubOrderRepository)(nil)
var _ repositories.CounterRepository = (*stubCounters)(nil)
