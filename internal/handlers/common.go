package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/marketlane/api/internal/domain"
	"github.com/marketlane/api/internal/platform/auth"
	"github.com/marketlane/api/internal/services"
)

var errBodyTooLarge = errors.New("request body too large")

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// readLimitedBody drains the request body up to limit bytes and rejects
// anything larger so handlers never buffer unbounded input.
func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return ts.UTC().Format(time.RFC3339)
}

func formatTimePtr(ts *time.Time) string {
	if ts == nil {
		return ""
	}
	return formatTime(*ts)
}

func parseTimeParam(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339, strings.TrimSpace(raw))
}

func parsePagination(query map[string][]string) (domain.Pagination, error) {
	pager := domain.Pagination{PageSize: defaultPageSize}
	if values, ok := query["page_token"]; ok && len(values) > 0 {
		pager.PageToken = strings.TrimSpace(values[0])
	}
	values, ok := query["page_size"]
	if !ok || len(values) == 0 || strings.TrimSpace(values[0]) == "" {
		return pager, nil
	}
	size, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil {
		return pager, errors.New("page_size must be an integer")
	}
	switch {
	case size <= 0:
		pager.PageSize = defaultPageSize
	case size > maxPageSize:
		pager.PageSize = maxPageSize
	default:
		pager.PageSize = size
	}
	return pager, nil
}

// cartScope resolves the cart owner for the request: signed-in users own a
// user cart, anonymous visitors a session cart keyed by the session header.
func cartScope(r *http.Request) (domain.CartScope, bool) {
	ctx := r.Context()
	if identity, ok := auth.IdentityFromContext(ctx); ok && strings.TrimSpace(identity.UID) != "" {
		return domain.CartScope{UserID: strings.TrimSpace(identity.UID)}, true
	}
	if sessionID, ok := auth.SessionIDFromContext(ctx); ok {
		return domain.CartScope{SessionID: sessionID}, true
	}
	return domain.CartScope{}, false
}

type addressPayload struct {
	Recipient  string  `json:"recipient"`
	Line1      string  `json:"line1"`
	Line2      *string `json:"line2,omitempty"`
	City       string  `json:"city"`
	State      *string `json:"state,omitempty"`
	PostalCode string  `json:"postal_code"`
	Country    string  `json:"country"`
	Phone      *string `json:"phone,omitempty"`
}

func buildAddressPayload(addr domain.Address) addressPayload {
	return addressPayload{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      addr.Line2,
		City:       strings.TrimSpace(addr.City),
		State:      addr.State,
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Phone:      addr.Phone,
	}
}

func (p addressPayload) toDomain() domain.Address {
	return domain.Address{
		Recipient:  strings.TrimSpace(p.Recipient),
		Line1:      strings.TrimSpace(p.Line1),
		Line2:      p.Line2,
		City:       strings.TrimSpace(p.City),
		State:      p.State,
		PostalCode: strings.TrimSpace(p.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(p.Country)),
		Phone:      p.Phone,
	}
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	Currency   string            `json:"currency"`
	ItemsCount int               `json:"items_count"`
	Items      []cartItemPayload `json:"items"`
	Totals     totalsPayload     `json:"totals"`
	UpdatedAt  string            `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Image     string `json:"image,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	AddedAt   string `json:"added_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

type totalsPayload struct {
	Items    int64 `json:"items"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Total    int64 `json:"total"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	items := make([]cartItemPayload, 0, len(cart.Items))
	for _, item := range cart.Items {
		items = append(items, cartItemPayload{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Slug:      strings.TrimSpace(item.Slug),
			Image:     strings.TrimSpace(item.Image),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			AddedAt:   formatTime(item.AddedAt),
			UpdatedAt: formatTimePtr(item.UpdatedAt),
		})
	}

	return cartPayload{
		ID:         strings.TrimSpace(cart.ID),
		SessionID:  strings.TrimSpace(cart.SessionID),
		UserID:     strings.TrimSpace(cart.UserID),
		Currency:   strings.ToUpper(strings.TrimSpace(cart.Currency)),
		ItemsCount: len(items),
		Items:      items,
		Totals: totalsPayload{
			Items:    cart.Totals.Items,
			Shipping: cart.Totals.Shipping,
			Tax:      cart.Totals.Tax,
			Total:    cart.Totals.Total,
		},
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Items         []orderSummaryPayload `json:"items"`
	NextPageToken string                `json:"next_page_token,omitempty"`
}

type orderSummaryPayload struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
	Currency    string `json:"currency"`
	Total       int64  `json:"total"`
	IsPaid      bool   `json:"is_paid"`
	IsDelivered bool   `json:"is_delivered"`
	CreatedAt   string `json:"created_at"`
}

type orderPayload struct {
	ID              string                `json:"id"`
	OrderNumber     string                `json:"order_number"`
	UserID          string                `json:"user_id"`
	Currency        string                `json:"currency"`
	PaymentMethod   string                `json:"payment_method"`
	ShippingAddress addressPayload        `json:"shipping_address"`
	Items           []orderItemPayload    `json:"items"`
	Totals          totalsPayload         `json:"totals"`
	IsPaid          bool                  `json:"is_paid"`
	PaidAt          string                `json:"paid_at,omitempty"`
	PaymentResult   *paymentResultPayload `json:"payment_result,omitempty"`
	IsDelivered     bool                  `json:"is_delivered"`
	DeliveredAt     string                `json:"delivered_at,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	Slug      string `json:"slug,omitempty"`
	Image     string `json:"image,omitempty"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

type paymentResultPayload struct {
	Provider        string `json:"provider"`
	ProviderOrderID string `json:"provider_order_id,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	Status          string `json:"status"`
	PayerEmail      string `json:"payer_email,omitempty"`
	AmountPaid      int64  `json:"amount_paid,omitempty"`
}

func buildOrderSummary(order services.Order) orderSummaryPayload {
	return orderSummaryPayload{
		ID:          strings.TrimSpace(order.ID),
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		Currency:    strings.ToUpper(strings.TrimSpace(order.Currency)),
		Total:       order.Totals.Total,
		IsPaid:      order.IsPaid,
		IsDelivered: order.IsDelivered,
		CreatedAt:   formatTime(order.CreatedAt),
	}
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			Slug:      strings.TrimSpace(item.Slug),
			Image:     strings.TrimSpace(item.Image),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal(),
		})
	}

	payload := orderPayload{
		ID:              strings.TrimSpace(order.ID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		UserID:          strings.TrimSpace(order.UserID),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		PaymentMethod:   strings.TrimSpace(order.PaymentMethod),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		Items:           items,
		Totals: totalsPayload{
			Items:    order.Totals.Items,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		IsPaid:      order.IsPaid,
		PaidAt:      formatTimePtr(order.PaidAt),
		IsDelivered: order.IsDelivered,
		DeliveredAt: formatTimePtr(order.DeliveredAt),
		CreatedAt:   formatTime(order.CreatedAt),
		UpdatedAt:   formatTime(order.UpdatedAt),
	}

	if order.PaymentResult != nil {
		payload.PaymentResult = &paymentResultPayload{
			Provider:        strings.TrimSpace(order.PaymentResult.Provider),
			ProviderOrderID: strings.TrimSpace(order.PaymentResult.ProviderOrderID),
			TransactionID:   strings.TrimSpace(order.PaymentResult.TransactionID),
			Status:          strings.TrimSpace(order.PaymentResult.Status),
			PayerEmail:      strings.TrimSpace(order.PaymentResult.PayerEmail),
			AmountPaid:      order.PaymentResult.AmountPaid,
		}
	}

	return payload
}
