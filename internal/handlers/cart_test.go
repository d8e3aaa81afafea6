package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/services"
)

type stubCartService struct {
	carts     map[string]domain.Cart
	err       error
	lastScope domain.CartScope
	lastAdd   services.AddCartItemCommand
	lastMerge services.MergeCartCommand
	cleared   []string
}

func newStubCartService() *stubCartService {
	return &stubCartService{carts: map[string]domain.Cart{}}
}

func (s *stubCartService) cartFor(scope domain.CartScope) domain.Cart {
	if cart, ok := s.carts[scope.Key()]; ok {
		return cart
	}
	return domain.Cart{
		ID:        scope.Key(),
		SessionID: scope.SessionID,
		UserID:    scope.UserID,
		Currency:  "USD",
		Items:     []domain.CartItem{},
	}
}

func (s *stubCartService) GetOrCreateCart(ctx context.Context, scope domain.CartScope) (domain.Cart, error) {
	s.lastScope = scope
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	return s.cartFor(scope), nil
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (domain.Cart, error) {
	s.lastAdd = cmd
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	cart := s.cartFor(cmd.Scope)
	cart.Items = append(cart.Items, domain.CartItem{
		ProductID: cmd.ProductID,
		Quantity:  cmd.Quantity,
		UnitPrice: 2500,
	})
	cart.Totals = domain.CartTotals{Items: int64(cmd.Quantity) * 2500, Total: int64(cmd.Quantity) * 2500}
	s.carts[cmd.Scope.Key()] = cart
	return cart, nil
}

func (s *stubCartService) RemoveItem(ctx context.Context, cmd services.RemoveCartItemCommand) (domain.Cart, error) {
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	cart := s.cartFor(cmd.Scope)
	kept := cart.Items[:0]
	for _, item := range cart.Items {
		if item.ProductID != cmd.ProductID {
			kept = append(kept, item)
		}
	}
	cart.Items = kept
	s.carts[cmd.Scope.Key()] = cart
	return cart, nil
}

func (s *stubCartService) MergeSessionCart(ctx context.Context, cmd services.MergeCartCommand) (domain.Cart, error) {
	s.lastMerge = cmd
	if s.err != nil {
		return domain.Cart{}, s.err
	}
	return s.cartFor(domain.CartScope{UserID: cmd.UserID}), nil
}

func (s *stubCartService) ClearCart(ctx context.Context, scope domain.CartScope) error {
	s.cleared = append(s.cleared, scope.Key())
	return s.err
}

var _ services.CartService = (*stubCartService)(nil)

func newCartRouter(carts services.CartService) chi.Router {
	handlers := NewCartHandlers(testAuthenticator(), carts)
	return NewRouter(WithCartRoutes(handlers.Routes))
}

func TestGetCartWithSessionHeader(t *testing.T) {
	carts := newStubCartService()
	router := newCartRouter(carts)

	req := httptest.NewRequest(http.MethodGet, "/v1/cart/", nil)
	req.Header.Set("X-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if carts.lastScope.SessionID != "sess-1" || carts.lastScope.UserID != "" {
		t.Fatalf("expected session scope, got %+v", carts.lastScope)
	}
	payload := decodeJSONBody(t, rec)
	cart, ok := payload["cart"].(map[string]any)
	if !ok {
		t.Fatalf("expected cart envelope, got %v", payload)
	}
	if cart["currency"] != "USD" {
		t.Fatalf("unexpected cart payload %v", cart)
	}
}

func TestGetCartPrefersSignedInUser(t *testing.T) {
	carts := newStubCartService()
	router := newCartRouter(carts)

	req := httptest.NewRequest(http.MethodGet, "/v1/cart/", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	req.Header.Set("X-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if carts.lastScope.UserID != "user-1" || carts.lastScope.SessionID != "" {
		t.Fatalf("expected user scope to win, got %+v", carts.lastScope)
	}
}

func TestGetCartWithoutScope(t *testing.T) {
	router := newCartRouter(newStubCartService())

	req := httptest.NewRequest(http.MethodGet, "/v1/cart/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAddCartItem(t *testing.T) {
	carts := newStubCartService()
	router := newCartRouter(carts)

	body := strings.NewReader(`{"product_id": "prod-1", "quantity": 2}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/cart/items", body)
	req.Header.Set("X-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if carts.lastAdd.ProductID != "prod-1" || carts.lastAdd.Quantity != 2 {
		t.Fatalf("unexpected command %+v", carts.lastAdd)
	}
}

func TestAddCartItemErrors(t *testing.T) {
	cases := []struct {
		name       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{name: "product missing", serviceErr: services.ErrCartProductNotFound, wantStatus: http.StatusNotFound, wantCode: "product_not_found"},
		{name: "insufficient stock", serviceErr: services.ErrCartInsufficientStock, wantStatus: http.StatusConflict, wantCode: "insufficient_stock"},
		{name: "invalid input", serviceErr: services.ErrCartInvalidInput, wantStatus: http.StatusBadRequest, wantCode: "invalid_request"},
		{name: "backend down", serviceErr: services.ErrCartUnavailable, wantStatus: http.StatusServiceUnavailable, wantCode: "cart_service_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			carts := newStubCartService()
			carts.err = fmt.Errorf("%w: details", tc.serviceErr)
			router := newCartRouter(carts)

			body := strings.NewReader(`{"product_id": "prod-1", "quantity": 2}`)
			req := httptest.NewRequest(http.MethodPost, "/v1/cart/items", body)
			req.Header.Set("X-Session-Id", "sess-1")
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rec.Code)
			}
			payload := decodeJSONBody(t, rec)
			if payload["error"] != tc.wantCode {
				t.Fatalf("expected code %s, got %v", tc.wantCode, payload["error"])
			}
		})
	}
}

func TestRemoveCartItem(t *testing.T) {
	carts := newStubCartService()
	scope := domain.CartScope{SessionID: "sess-1"}
	carts.carts[scope.Key()] = domain.Cart{
		ID:        scope.Key(),
		SessionID: "sess-1",
		Currency:  "USD",
		Items: []domain.CartItem{
			{ProductID: "prod-1", Quantity: 1, UnitPrice: 2500},
		},
	}
	router := newCartRouter(carts)

	req := httptest.NewRequest(http.MethodDelete, "/v1/cart/items/prod-1", nil)
	req.Header.Set("X-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(carts.carts[scope.Key()].Items) != 0 {
		t.Fatalf("expected line removed")
	}
}

func TestMergeCartRequiresAuthAndSession(t *testing.T) {
	carts := newStubCartService()
	router := newCartRouter(carts)

	// No bearer token at all.
	req := httptest.NewRequest(http.MethodPost, "/v1/cart/merge", nil)
	req.Header.Set("X-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	// Token but no session header.
	req = httptest.NewRequest(http.MethodPost, "/v1/cart/merge", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without session header, got %d", rec.Code)
	}

	// Both present.
	req = httptest.NewRequest(http.MethodPost, "/v1/cart/merge", nil)
	req.Header.Set("Authorization", "Bearer user-token")
	req.Header.Set("X-Session-Id", "sess-1")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if carts.lastMerge.SessionID != "sess-1" || carts.lastMerge.UserID != "user-1" {
		t.Fatalf("unexpected merge command %+v", carts.lastMerge)
	}
}

func TestClearCart(t *testing.T) {
	carts := newStubCartService()
	router := newCartRouter(carts)

	req := httptest.NewRequest(http.MethodDelete, "/v1/cart/", nil)
	req.Header.Set("X-Session-Id", "sess-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if len(carts.cleared) != 1 || carts.cleared[0] != "session:sess-1" {
		t.Fatalf("expected clear recorded, got %v", carts.cleared)
	}
}
