package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	pfirestore "github.com/marketlane/api/internal/platform/firestore"
	"github.com/marketlane/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists carts keyed by their ownership scope.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection)
	return &CartRepository{
		base:     base,
		provider: provider,
	}, nil
}

// UpsertCart persists the full cart document under its scope key.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	scope := cart.Scope()
	if !scope.Valid() {
		return domain.Cart{}, errors.New("cart repository: exactly one of session id or user id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := newCartDocument(cart)
	doc.CreatedAt = createdAt
	doc.UpdatedAt = now

	result, err := r.base.Set(ctx, scope.Key(), doc)
	if err != nil {
		return domain.Cart{}, err
	}

	saved := doc.toDomain(scope.Key())
	saved.UpdatedAt = result.UpdateTime
	return saved, nil
}

// GetCart loads the cart for the given scope.
func (r *CartRepository) GetCart(ctx context.Context, scope domain.CartScope) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	if !scope.Valid() {
		return domain.Cart{}, errors.New("cart repository: exactly one of session id or user id is required")
	}

	doc, err := r.base.Get(ctx, scope.Key())
	if err != nil {
		return domain.Cart{}, err
	}

	cart := doc.Data.toDomain(doc.ID)
	if cart.UpdatedAt.IsZero() {
		cart.UpdatedAt = doc.UpdateTime
	}
	return cart, nil
}

// DeleteCart removes the cart document for the scope. Deleting a missing cart is not an error.
func (r *CartRepository) DeleteCart(ctx context.Context, scope domain.CartScope) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	if !scope.Valid() {
		return errors.New("cart repository: exactly one of session id or user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, scope.Key())
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil {
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

type cartDocument struct {
	SessionID string             `firestore:"sessionId,omitempty"`
	UserID    string             `firestore:"userId,omitempty"`
	Currency  string             `firestore:"currency"`
	Items     []cartItemDocument `firestore:"items"`
	Totals    cartTotalsDocument `firestore:"totals"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string     `firestore:"productId"`
	Name      string     `firestore:"name"`
	Slug      string     `firestore:"slug,omitempty"`
	Image     string     `firestore:"image,omitempty"`
	Quantity  int        `firestore:"qty"`
	UnitPrice int64      `firestore:"unitPrice"`
	AddedAt   time.Time  `firestore:"addedAt"`
	UpdatedAt *time.Time `firestore:"updatedAt,omitempty"`
}

type cartTotalsDocument struct {
	Items    int64 `firestore:"items"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = cartItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Slug:      strings.TrimSpace(item.Slug),
			Image:     strings.TrimSpace(item.Image),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			AddedAt:   item.AddedAt.UTC(),
			UpdatedAt: item.UpdatedAt,
		}
	}
	return cartDocument{
		SessionID: strings.TrimSpace(cart.SessionID),
		UserID:    strings.TrimSpace(cart.UserID),
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:     items,
		Totals: cartTotalsDocument{
			Items:    cart.Totals.Items,
			Shipping: cart.Totals.Shipping,
			Tax:      cart.Totals.Tax,
			Total:    cart.Totals.Total,
		},
		CreatedAt: cart.CreatedAt.UTC(),
		UpdatedAt: cart.UpdatedAt.UTC(),
	}
}

func (d cartDocument) toDomain(id string) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Slug:      item.Slug,
			Image:     item.Image,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			AddedAt:   item.AddedAt,
			UpdatedAt: item.UpdatedAt,
		}
	}
	return domain.Cart{
		ID:        id,
		SessionID: d.SessionID,
		UserID:    d.UserID,
		Currency:  strings.ToUpper(strings.TrimSpace(d.Currency)),
		Items:     items,
		Totals: domain.CartTotals{
			Items:    d.Totals.Items,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

var _ repositories.CartRepository = (*CartRepository)(nil)
