package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/marketlane/api/internal/domain"
	pfirestore "github.com/marketlane/api/internal/platform/firestore"
	"github.com/marketlane/api/internal/platform/pagination"
	"github.com/marketlane/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository owns the transactional order lifecycle: placement with cart
// clearing, exactly-once payment reconciliation with stock decrement, and
// delivery confirmation.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	carts    *pfirestore.BaseRepository[cartDocument]
	products *pfirestore.BaseRepository[productDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
		carts:    pfirestore.NewBaseRepository[cartDocument](provider, cartCollection),
		products: pfirestore.NewBaseRepository[productDocument](provider, productCollection),
	}, nil
}

// Place writes the order document and empties the source cart in one transaction.
func (r *OrderRepository) Place(ctx context.Context, req repositories.OrderPlaceRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order place: order id is required")
	}
	if len(order.Items) == 0 {
		return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorInvalidState, "order place: at least one item is required", nil)
	}
	if !req.CartScope.Valid() {
		return domain.Order{}, errors.New("order place: cart scope is required")
	}

	now := req.Now.UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	var placed domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}
		cartRef, err := r.carts.DocumentRef(ctx, req.CartScope.Key())
		if err != nil {
			return err
		}

		cartSnap, err := tx.Get(cartRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderStateError(repositories.OrderErrorInvalidState, "order place: source cart not found", err)
			}
			return err
		}
		var cartDoc cartDocument
		if err := cartSnap.DataTo(&cartDoc); err != nil {
			return fmt.Errorf("decode cart %s: %w", cartSnap.Ref.ID, err)
		}

		doc := newOrderDocument(order)
		if err := tx.Create(orderRef, doc); err != nil {
			if status.Code(err) == codes.AlreadyExists {
				return repositories.NewOrderStateError(repositories.OrderErrorInvalidState, fmt.Sprintf("order %s already exists", order.ID), err)
			}
			return err
		}

		cartDoc.Items = []cartItemDocument{}
		cartDoc.Totals = cartTotalsDocument{}
		cartDoc.UpdatedAt = now
		if err := tx.Set(cartRef, cartDoc); err != nil {
			return err
		}

		placed = doc.toDomain(order.ID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.place", err)
	}
	return placed, nil
}

// MarkPaid reconciles a confirmed payment. The already-paid guard, the stock
// decrement for every line, and the paid flag flip share one transaction so a
// racing duplicate confirmation can never double-decrement.
func (r *OrderRepository) MarkPaid(ctx context.Context, req repositories.OrderMarkPaidRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order mark paid: order id is required")
	}

	now := req.Now.UTC()
	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderStateError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		doc, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if doc.IsPaid {
			return repositories.NewOrderStateError(repositories.OrderErrorAlreadyPaid, fmt.Sprintf("order %s is already paid", orderID), nil)
		}

		// All product reads happen before any write so the transaction's
		// read set covers every stock document it will mutate.
		type stockUpdate struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		updates := make([]stockUpdate, 0, len(doc.Items))
		for _, item := range doc.Items {
			productID := strings.TrimSpace(item.ProductID)
			productRef, err := r.products.DocumentRef(ctx, productID)
			if err != nil {
				return err
			}
			productSnap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewOrderStateError(repositories.OrderErrorProductNotFound, fmt.Sprintf("product %s not found", productID), err)
				}
				return err
			}
			var productDoc productDocument
			if err := productSnap.DataTo(&productDoc); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			if productDoc.Stock < item.Quantity {
				return repositories.NewOrderStateError(repositories.OrderErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", productID), nil)
			}
			productDoc.Stock -= item.Quantity
			productDoc.UpdatedAt = now
			updates = append(updates, stockUpdate{ref: productRef, doc: productDoc})
		}

		for _, update := range updates {
			if err := tx.Set(update.ref, update.doc); err != nil {
				return err
			}
		}

		doc.IsPaid = true
		doc.PaidAt = &now
		doc.PaymentResult = newPaymentResultDocument(req.Result, now)
		doc.UpdatedAt = now
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.markPaid", err)
	}
	return updated, nil
}

// MarkDelivered records delivery for a paid, not yet delivered order.
func (r *OrderRepository) MarkDelivered(ctx context.Context, req repositories.OrderMarkDeliveredRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order mark delivered: order id is required")
	}

	now := req.Now.UTC()
	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderStateError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		doc, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if !doc.IsPaid {
			return repositories.NewOrderStateError(repositories.OrderErrorNotPaid, fmt.Sprintf("order %s is not paid", orderID), nil)
		}
		if doc.IsDelivered {
			return repositories.NewOrderStateError(repositories.OrderErrorInvalidState, fmt.Sprintf("order %s is already delivered", orderID), nil)
		}

		doc.IsDelivered = true
		doc.DeliveredAt = &now
		doc.UpdatedAt = now
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.markDelivered", err)
	}
	return updated, nil
}

// AttachPaymentIntent records the provider order reference before capture.
func (r *OrderRepository) AttachPaymentIntent(ctx context.Context, req repositories.OrderAttachIntentRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order attach intent: order id is required")
	}

	now := req.Now.UTC()
	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return repositories.NewOrderStateError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
			}
			return err
		}
		doc, err := decodeOrder(snap)
		if err != nil {
			return err
		}
		if doc.IsPaid {
			return repositories.NewOrderStateError(repositories.OrderErrorAlreadyPaid, fmt.Sprintf("order %s is already paid", orderID), nil)
		}

		doc.PaymentResult = newPaymentResultDocument(req.Result, now)
		doc.UpdatedAt = now
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.attachIntent", err)
	}
	return updated, nil
}

// FindByID loads a single order.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		if repoErr, ok := err.(*pfirestore.Error); ok && repoErr.IsNotFound() {
			return domain.Order{}, repositories.NewOrderStateError(repositories.OrderErrorNotFound, fmt.Sprintf("order %s not found", orderID), err)
		}
		return domain.Order{}, wrapOrderError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns a page of orders, newest first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(orderCollection).Query
	if uid := strings.TrimSpace(filter.UserID); uid != "" {
		query = query.Where("userId", "==", uid)
	}
	if filter.PaidOnly != nil {
		query = query.Where("isPaid", "==", *filter.PaidOnly)
	}
	if filter.DateRange.From != nil {
		query = query.Where("createdAt", ">=", filter.DateRange.From.UTC())
	}
	if filter.DateRange.To != nil {
		query = query.Where("createdAt", "<=", filter.DateRange.To.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		after, err := orderCursorTime(cursor)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(after)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		doc, err := decodeOrder(snap)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, err
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano)},
		})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{
		Items:         orders,
		NextPageToken: nextToken,
	}, nil
}

// Document structures -------------------------------------------------------

type orderDocument struct {
	OrderNumber     string                 `firestore:"orderNumber"`
	UserID          string                 `firestore:"userId"`
	Currency        string                 `firestore:"currency"`
	PaymentMethod   string                 `firestore:"paymentMethod"`
	ShippingAddress addressDocument        `firestore:"shippingAddress"`
	Items           []orderItemDocument    `firestore:"items"`
	Totals          orderTotalsDocument    `firestore:"totals"`
	IsPaid          bool                   `firestore:"isPaid"`
	PaidAt          *time.Time             `firestore:"paidAt,omitempty"`
	PaymentResult   *paymentResultDocument `firestore:"paymentResult,omitempty"`
	IsDelivered     bool                   `firestore:"isDelivered"`
	DeliveredAt     *time.Time             `firestore:"deliveredAt,omitempty"`
	CreatedAt       time.Time              `firestore:"createdAt"`
	UpdatedAt       time.Time              `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Slug      string `firestore:"slug,omitempty"`
	Image     string `firestore:"image,omitempty"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
}

type orderTotalsDocument struct {
	Items    int64 `firestore:"items"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type paymentResultDocument struct {
	Provider        string         `firestore:"provider"`
	ProviderOrderID string         `firestore:"providerOrderId,omitempty"`
	TransactionID   string         `firestore:"transactionId,omitempty"`
	Status          string         `firestore:"status"`
	PayerEmail      string         `firestore:"payerEmail,omitempty"`
	AmountPaid      int64          `firestore:"amountPaid"`
	PaidBy          string         `firestore:"paidBy,omitempty"`
	Raw             map[string]any `firestore:"raw,omitempty"`
	CreatedAt       time.Time      `firestore:"createdAt"`
	UpdatedAt       time.Time      `firestore:"updatedAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Slug:      strings.TrimSpace(item.Slug),
			Image:     strings.TrimSpace(item.Image),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	doc := orderDocument{
		OrderNumber:   strings.TrimSpace(order.OrderNumber),
		UserID:        strings.TrimSpace(order.UserID),
		Currency:      strings.ToUpper(strings.TrimSpace(order.Currency)),
		PaymentMethod: strings.TrimSpace(order.PaymentMethod),
		ShippingAddress: addressDocument{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		},
		Items: items,
		Totals: orderTotalsDocument{
			Items:    order.Totals.Items,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		IsPaid:      order.IsPaid,
		PaidAt:      order.PaidAt,
		IsDelivered: order.IsDelivered,
		DeliveredAt: order.DeliveredAt,
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
	}
	if order.PaymentResult != nil {
		doc.PaymentResult = newPaymentResultDocument(*order.PaymentResult, order.UpdatedAt.UTC())
	}
	return doc
}

func newPaymentResultDocument(result domain.PaymentResult, now time.Time) *paymentResultDocument {
	createdAt := result.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}
	return &paymentResultDocument{
		Provider:        strings.ToLower(strings.TrimSpace(result.Provider)),
		ProviderOrderID: strings.TrimSpace(result.ProviderOrderID),
		TransactionID:   strings.TrimSpace(result.TransactionID),
		Status:          strings.TrimSpace(result.Status),
		PayerEmail:      strings.TrimSpace(result.PayerEmail),
		AmountPaid:      result.AmountPaid,
		PaidBy:          strings.TrimSpace(result.PaidBy),
		Raw:             result.Raw,
		CreatedAt:       createdAt,
		UpdatedAt:       now,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			OrderID:   id,
			ProductID: item.ProductID,
			Name:      item.Name,
			Slug:      item.Slug,
			Image:     item.Image,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		UserID:        d.UserID,
		Currency:      d.Currency,
		PaymentMethod: d.PaymentMethod,
		ShippingAddress: domain.Address{
			Recipient:  d.ShippingAddress.Recipient,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
			Phone:      d.ShippingAddress.Phone,
		},
		Items: items,
		Totals: domain.OrderTotals{
			Items:    d.Totals.Items,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		IsPaid:      d.IsPaid,
		PaidAt:      d.PaidAt,
		IsDelivered: d.IsDelivered,
		DeliveredAt: d.DeliveredAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.PaymentResult != nil {
		order.PaymentResult = &domain.PaymentResult{
			Provider:        d.PaymentResult.Provider,
			ProviderOrderID: d.PaymentResult.ProviderOrderID,
			TransactionID:   d.PaymentResult.TransactionID,
			Status:          d.PaymentResult.Status,
			PayerEmail:      d.PaymentResult.PayerEmail,
			AmountPaid:      d.PaymentResult.AmountPaid,
			PaidBy:          d.PaymentResult.PaidBy,
			Raw:             d.PaymentResult.Raw,
			CreatedAt:       d.PaymentResult.CreatedAt,
			UpdatedAt:       d.PaymentResult.UpdatedAt,
		}
	}
	return order
}

func decodeOrder(snap *firestore.DocumentSnapshot) (orderDocument, error) {
	var doc orderDocument
	if err := snap.DataTo(&doc); err != nil {
		return orderDocument{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
	}
	return doc, nil
}

// orderCursorTime extracts the createdAt boundary carried by an order list cursor.
func orderCursorTime(cursor pagination.Cursor) (time.Time, error) {
	if len(cursor.StartAfter) != 1 {
		return time.Time{}, fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	raw, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unexpected cursor value", pagination.ErrInvalidPageToken)
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", pagination.ErrInvalidPageToken, err)
	}
	return parsed, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stateErr *repositories.OrderStateError
	if errors.As(err, &stateErr) {
		if stateErr.Op == "" {
			stateErr.Op = op
		}
		return stateErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
