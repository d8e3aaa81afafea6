package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: cart repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
	errCartPricerRequired     = errors.New("cart service: pricing engine is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart or cart line does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartProductNotFound indicates the referenced product has no catalog record.
var ErrCartProductNotFound = errors.New("cart service: product not found")

// ErrCartInsufficientStock indicates the requested quantity exceeds the product's stock.
var ErrCartInsufficientStock = errors.New("cart service: insufficient stock")

// CartServiceDeps wires the repositories and pricing dependencies for cart operations.
type CartServiceDeps struct {
	Carts           repositories.CartRepository
	Products        repositories.ProductRepository
	Pricer          PricingEngine
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products repositories.ProductRepository
	pricer   PricingEngine
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	if deps.Pricer == nil {
		return nil, errCartPricerRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	currency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if currency == "" {
		currency = "USD"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		pricer:   deps.Pricer,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: currency,
		logger:   logger,
	}, nil
}

// GetOrCreateCart loads the scoped cart, creating an empty one when absent.
func (s *cartService) GetOrCreateCart(ctx context.Context, scope CartScope) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	if !scope.Valid() {
		return Cart{}, fmt.Errorf("%w: exactly one of session id or user id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, scope)
	if err != nil {
		if !isRepoNotFound(err) {
			return Cart{}, s.translateRepoError(err)
		}
		saved, err := s.carts.UpsertCart(ctx, s.newCart(scope))
		if err != nil {
			return Cart{}, s.translateRepoError(err)
		}
		cart = saved
	}

	return s.normaliseCart(cart, scope), nil
}

// AddItem upserts a product line into the scoped cart. Re-adding an existing
// product bumps its quantity and refreshes the price snapshot.
func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	if !cmd.Scope.Valid() {
		return Cart{}, fmt.Errorf("%w: exactly one of session id or user id is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Cart{}, fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: %s", ErrCartProductNotFound, productID)
		}
		return Cart{}, s.translateRepoError(err)
	}

	cart, err := s.loadOrNewCart(ctx, cmd.Scope)
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	idx := indexOfCartItem(cart.Items, productID)
	quantity := cmd.Quantity
	if idx >= 0 {
		quantity += cart.Items[idx].Quantity
	}
	if product.Stock < quantity {
		return Cart{}, fmt.Errorf("%w: %s has %d in stock", ErrCartInsufficientStock, productID, product.Stock)
	}

	if idx >= 0 {
		cart.Items[idx].Quantity = quantity
		cart.Items[idx].Name = product.Name
		cart.Items[idx].Slug = product.Slug
		cart.Items[idx].Image = product.Image
		cart.Items[idx].UnitPrice = product.Price
		ts := now
		cart.Items[idx].UpdatedAt = &ts
	} else {
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID: productID,
			Name:      product.Name,
			Slug:      product.Slug,
			Image:     product.Image,
			Quantity:  cmd.Quantity,
			UnitPrice: product.Price,
			AddedAt:   now,
		})
	}

	return s.priceAndSave(ctx, cart, now)
}

// RemoveItem takes one unit off a product line in the scoped cart, dropping
// the line once its quantity reaches zero.
func (s *cartService) RemoveItem(ctx context.Context, cmd RemoveCartItemCommand) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	if !cmd.Scope.Valid() {
		return Cart{}, fmt.Errorf("%w: exactly one of session id or user id is required", ErrCartInvalidInput)
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product id is required", ErrCartInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, cmd.Scope)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartNotFound
		}
		return Cart{}, s.translateRepoError(err)
	}
	cart = s.normaliseCart(cart, cmd.Scope)

	idx := indexOfCartItem(cart.Items, productID)
	if idx < 0 {
		return Cart{}, ErrCartNotFound
	}

	now := s.now()
	if cart.Items[idx].Quantity > 1 {
		cart.Items[idx].Quantity--
		ts := now
		cart.Items[idx].UpdatedAt = &ts
	} else {
		cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
	}

	return s.priceAndSave(ctx, cart, now)
}

// MergeSessionCart folds the guest session cart into the user's cart at
// sign-in. Lines for the same product keep the larger quantity; the session
// cart is deleted afterwards.
func (s *cartService) MergeSessionCart(ctx context.Context, cmd MergeCartCommand) (Cart, error) {
	if s == nil || s.carts == nil {
		return Cart{}, ErrCartUnavailable
	}
	sessionID := strings.TrimSpace(cmd.SessionID)
	userID := strings.TrimSpace(cmd.UserID)
	if sessionID == "" || userID == "" {
		return Cart{}, fmt.Errorf("%w: session id and user id are required", ErrCartInvalidInput)
	}

	sessionScope := domain.CartScope{SessionID: sessionID}
	userScope := domain.CartScope{UserID: userID}

	sessionCart, err := s.carts.GetCart(ctx, sessionScope)
	if err != nil {
		if isRepoNotFound(err) {
			// Nothing to merge; return the user's cart untouched.
			return s.GetOrCreateCart(ctx, userScope)
		}
		return Cart{}, s.translateRepoError(err)
	}

	userCart, err := s.loadOrNewCart(ctx, userScope)
	if err != nil {
		return Cart{}, err
	}

	now := s.now()
	for _, item := range sessionCart.Items {
		idx := indexOfCartItem(userCart.Items, item.ProductID)
		if idx < 0 {
			item.AddedAt = now
			item.UpdatedAt = nil
			userCart.Items = append(userCart.Items, item)
			continue
		}
		if item.Quantity > userCart.Items[idx].Quantity {
			userCart.Items[idx].Quantity = item.Quantity
			ts := now
			userCart.Items[idx].UpdatedAt = &ts
		}
	}

	merged, err := s.priceAndSave(ctx, userCart, now)
	if err != nil {
		return Cart{}, err
	}

	if err := s.carts.DeleteCart(ctx, sessionScope); err != nil {
		s.logger(ctx, "cart.session_cleanup_failed", map[string]any{
			"sessionId": sessionID,
			"error":     err.Error(),
		})
	}

	return merged, nil
}

// ClearCart removes every line from the scoped cart. Clearing a missing cart
// is not an error.
func (s *cartService) ClearCart(ctx context.Context, scope CartScope) error {
	if s == nil || s.carts == nil {
		return ErrCartUnavailable
	}
	if !scope.Valid() {
		return fmt.Errorf("%w: exactly one of session id or user id is required", ErrCartInvalidInput)
	}
	if err := s.carts.DeleteCart(ctx, scope); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) loadOrNewCart(ctx context.Context, scope CartScope) (Cart, error) {
	cart, err := s.carts.GetCart(ctx, scope)
	if err != nil {
		if isRepoNotFound(err) {
			return s.newCart(scope), nil
		}
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(cart, scope), nil
}

func (s *cartService) priceAndSave(ctx context.Context, cart Cart, now time.Time) (Cart, error) {
	lines := make([]PriceLine, len(cart.Items))
	for i, item := range cart.Items {
		lines[i] = PriceLine{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	quote, err := s.pricer.Quote(lines)
	if err != nil {
		s.logger(ctx, "cart.pricing_failed", map[string]any{
			"cartId": cart.ID,
			"error":  err.Error(),
		})
		if errors.Is(err, ErrPricingInvalidInput) {
			return Cart{}, ErrCartInvalidInput
		}
		return Cart{}, ErrCartUnavailable
	}

	cart.Totals = domain.CartTotalsFromQuote(quote)
	cart.UpdatedAt = now
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}

	saved, err := s.carts.UpsertCart(ctx, cart)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	return s.normaliseCart(saved, cart.Scope()), nil
}

func (s *cartService) newCart(scope CartScope) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        scope.Key(),
		SessionID: scope.SessionID,
		UserID:    scope.UserID,
		Currency:  s.currency,
		Items:     []domain.CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) normaliseCart(cart domain.Cart, scope CartScope) domain.Cart {
	if strings.TrimSpace(cart.ID) == "" {
		cart.ID = scope.Key()
	}
	if cart.SessionID == "" && cart.UserID == "" {
		cart.SessionID = scope.SessionID
		cart.UserID = scope.UserID
	}
	cart.Currency = strings.ToUpper(strings.TrimSpace(cart.Currency))
	if cart.Currency == "" {
		cart.Currency = s.currency
	}
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = s.now()
	}
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = s.now()
	}
	return cart
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsUnavailable():
			return ErrCartUnavailable
		}
	}
	return ErrCartUnavailable
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func indexOfCartItem(items []domain.CartItem, productID string) int {
	target := strings.TrimSpace(productID)
	if target == "" {
		return -1
	}
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.ProductID), target) {
			return i
		}
	}
	return -1
}
