package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/marketlane/api/internal/domain"
	pfirestore "github.com/marketlane/api/internal/platform/firestore"
	"github.com/marketlane/api/internal/platform/pagination"
	"github.com/marketlane/api/internal/repositories"
)

const productCollection = "products"

// ProductRepository reads catalog projections used by the order pipeline.
type ProductRepository struct {
	base     *pfirestore.BaseRepository[productDocument]
	provider *pfirestore.Provider
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productCollection)
	return &ProductRepository{
		base:     base,
		provider: provider,
	}, nil
}

// FindByID loads a single product by its document identifier.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIDs loads products in bulk; missing identifiers are simply absent from the result.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("product repository not initialised")
	}

	out := make(map[string]domain.Product, len(productIDs))
	if len(productIDs) == 0 {
		return out, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	refs := make([]*firestore.DocumentRef, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, raw := range productIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, client.Collection(productCollection).Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

// List returns a page of products ordered by name.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
	}

	inStock := filter.InStock != nil && *filter.InStock

	query := client.Collection(productCollection).Query
	if filter.Category != nil && strings.TrimSpace(*filter.Category) != "" {
		query = query.Where("category", "==", strings.TrimSpace(*filter.Category))
	}
	if filter.Brand != nil && strings.TrimSpace(*filter.Brand) != "" {
		query = query.Where("brand", "==", strings.TrimSpace(*filter.Brand))
	}
	if inStock {
		// The inequality field must be the first sort order; the cursor for
		// this mode carries the stock boundary as well.
		query = query.Where("stock", ">", 0).OrderBy("stock", firestore.Desc)
	}
	query = query.OrderBy("name", firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		after, err := productCursorBoundary(cursor, inStock)
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		query = query.StartAfter(after...)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(products) > pageSize
	if hasMore {
		products = products[:pageSize]
	}
	var nextToken string
	if hasMore && len(products) > 0 {
		last := products[len(products)-1]
		boundary := []any{last.Name}
		if inStock {
			boundary = []any{last.Stock, last.Name}
		}
		encoded, err := pagination.EncodeToken(pagination.Cursor{StartAfter: boundary})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Product]{
		Items:         products,
		NextPageToken: nextToken,
	}, nil
}

type productDocument struct {
	Name        string    `firestore:"name"`
	Slug        string    `firestore:"slug"`
	Image       string    `firestore:"image,omitempty"`
	Description string    `firestore:"description,omitempty"`
	Brand       string    `firestore:"brand,omitempty"`
	Category    string    `firestore:"category,omitempty"`
	Price       int64     `firestore:"price"`
	Stock       int       `firestore:"stock"`
	CreatedAt   time.Time `firestore:"createdAt"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:          id,
		Name:        strings.TrimSpace(d.Name),
		Slug:        strings.TrimSpace(d.Slug),
		Image:       strings.TrimSpace(d.Image),
		Description: d.Description,
		Brand:       strings.TrimSpace(d.Brand),
		Category:    strings.TrimSpace(d.Category),
		Price:       d.Price,
		Stock:       d.Stock,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}

// productCursorBoundary extracts the StartAfter values carried by a product
// list cursor: [name] for plain listings, [stock, name] when the in-stock
// inequality adds a second sort field.
func productCursorBoundary(cursor pagination.Cursor, inStock bool) ([]any, error) {
	want := 1
	if inStock {
		want = 2
	}
	if len(cursor.StartAfter) != want {
		return nil, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}

	name, ok := cursor.StartAfter[want-1].(string)
	if !ok || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: unexpected cursor value", pagination.ErrInvalidPageToken)
	}
	if !inStock {
		return []any{name}, nil
	}

	stock, err := cursorInt(cursor.StartAfter[0])
	if err != nil {
		return nil, err
	}
	return []any{stock, name}, nil
}

// cursorInt normalises the numeric cursor value, which arrives as float64
// after JSON decoding.
func cursorInt(value any) (int64, error) {
	switch v := value.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("%w: unexpected cursor value", pagination.ErrInvalidPageToken)
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
