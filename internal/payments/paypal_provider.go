package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	paypalTokenPath     = "/v1/oauth2/token"
	paypalOrdersPath    = "/v2/checkout/orders"
	paypalRefundPathFmt = "/v2/payments/captures/%s/refund"

	paypalTokenLeeway = 30 * time.Second
)

// PayPalLogger defines the logging contract for PayPal provider operations.
type PayPalLogger func(ctx context.Context, event string, fields map[string]any)

// PayPalProviderConfig configures the PayPalProvider.
type PayPalProviderConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
	Logger       PayPalLogger
	Clock        func() time.Time
}

// PayPalProvider implements the Provider interface against the PayPal REST v2
// checkout API. Payments run in two phases: CreateOrder opens a PayPal order
// the customer approves, and Capture settles it.
type PayPalProvider struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	clock        func() time.Time
	logger       PayPalLogger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider constructs a PayPal Provider using the given configuration.
func NewPayPalProvider(cfg PayPalProviderConfig) (*PayPalProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("paypal: base url is required")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("paypal: client credentials are required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PayPalProvider{
		baseURL:      baseURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		httpClient:   httpClient,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	Amount      paypalAmount `json:"amount"`
}

type paypalOrderRequest struct {
	Intent             string               `json:"intent"`
	PurchaseUnits      []paypalPurchaseUnit `json:"purchase_units"`
	ApplicationContext *paypalAppContext    `json:"application_context,omitempty"`
}

type paypalAppContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalCapture struct {
	ID         string       `json:"id"`
	Status     string       `json:"status"`
	Amount     paypalAmount `json:"amount"`
	CreateTime string       `json:"create_time"`
}

type paypalOrderResponse struct {
	ID            string       `json:"id"`
	Status        string       `json:"status"`
	Links         []paypalLink `json:"links"`
	PurchaseUnits []struct {
		ReferenceID string       `json:"reference_id"`
		Amount      paypalAmount `json:"amount"`
		Payments    *struct {
			Captures []paypalCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
	Payer *struct {
		EmailAddress string `json:"email_address"`
		PayerID      string `json:"payer_id"`
	} `json:"payer"`
}

// CreateOrder opens a PayPal order the customer approves in their wallet.
func (p *PayPalProvider) CreateOrder(ctx context.Context, req CreateOrderRequest) (ProviderOrder, error) {
	if p == nil {
		return ProviderOrder{}, errors.New("paypal: provider is nil")
	}
	if req.Amount <= 0 {
		return ProviderOrder{}, errors.New("paypal: amount must be positive")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		return ProviderOrder{}, errors.New("paypal: currency is required")
	}

	body := paypalOrderRequest{
		Intent: "CAPTURE",
		PurchaseUnits: []paypalPurchaseUnit{
			{
				ReferenceID: strings.TrimSpace(req.OrderID),
				CustomID:    strings.TrimSpace(req.OrderID),
				Amount: paypalAmount{
					CurrencyCode: currency,
					Value:        formatPayPalAmount(req.Amount),
				},
			},
		},
	}
	if req.ReturnURL != "" || req.CancelURL != "" {
		body.ApplicationContext = &paypalAppContext{
			ReturnURL: req.ReturnURL,
			CancelURL: req.CancelURL,
		}
	}

	var resp paypalOrderResponse
	raw, err := p.doJSON(ctx, http.MethodPost, paypalOrdersPath, req.IdempotencyKey, body, &resp)
	if err != nil {
		return ProviderOrder{}, fmt.Errorf("paypal: create order: %w", err)
	}

	approvalURL := ""
	for _, link := range resp.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			approvalURL = link.Href
			break
		}
	}

	p.logger(ctx, "payments.paypal.order.created", map[string]any{
		"providerOrderId": resp.ID,
		"status":          resp.Status,
	})

	return ProviderOrder{
		ID:          resp.ID,
		Provider:    "paypal",
		Status:      paypalStatus(resp.Status),
		ApprovalURL: approvalURL,
		ExpiresAt:   p.clock().Add(3 * time.Hour),
		Raw:         raw,
	}, nil
}

// Capture settles an approved PayPal order.
func (p *PayPalProvider) Capture(ctx context.Context, req CaptureRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("paypal: provider is nil")
	}
	orderID := strings.TrimSpace(req.ProviderOrderID)
	if orderID == "" {
		return CaptureResult{}, errors.New("paypal: provider order id is required")
	}

	var resp paypalOrderResponse
	raw, err := p.doJSON(ctx, http.MethodPost, paypalOrdersPath+"/"+url.PathEscape(orderID)+"/capture", req.IdempotencyKey, nil, &resp)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("paypal: capture order: %w", err)
	}

	result := p.captureResult(resp, raw)
	p.logger(ctx, "payments.paypal.order.captured", map[string]any{
		"providerOrderId": result.ProviderOrderID,
		"transactionId":   result.TransactionID,
		"status":          result.Status,
	})
	return result, nil
}

// Refund reverses a captured PayPal transaction.
func (p *PayPalProvider) Refund(ctx context.Context, req RefundRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("paypal: provider is nil")
	}
	captureID := strings.TrimSpace(req.TransactionID)
	if captureID == "" {
		return CaptureResult{}, errors.New("paypal: transaction id is required")
	}

	var body any
	if req.Amount != nil {
		currency := strings.ToUpper(strings.TrimSpace(req.Currency))
		if currency == "" {
			return CaptureResult{}, errors.New("paypal: currency is required for partial refunds")
		}
		body = map[string]any{
			"amount": paypalAmount{
				CurrencyCode: currency,
				Value:        formatPayPalAmount(*req.Amount),
			},
		}
	}

	var resp paypalCapture
	raw, err := p.doJSON(ctx, http.MethodPost, fmt.Sprintf(paypalRefundPathFmt, url.PathEscape(captureID)), req.IdempotencyKey, body, &resp)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("paypal: refund capture: %w", err)
	}

	now := p.clock()
	p.logger(ctx, "payments.paypal.capture.refunded", map[string]any{
		"captureId": captureID,
		"refundId":  resp.ID,
	})

	return CaptureResult{
		Provider:      "paypal",
		TransactionID: captureID,
		Status:        StatusRefunded,
		Amount:        parsePayPalAmount(resp.Amount.Value),
		Currency:      resp.Amount.CurrencyCode,
		RefundedAt:    &now,
		Raw:           raw,
	}, nil
}

// Lookup fetches the PayPal order state without mutating it.
func (p *PayPalProvider) Lookup(ctx context.Context, req LookupRequest) (CaptureResult, error) {
	if p == nil {
		return CaptureResult{}, errors.New("paypal: provider is nil")
	}
	orderID := strings.TrimSpace(req.ProviderOrderID)
	if orderID == "" {
		return CaptureResult{}, errors.New("paypal: provider order id is required")
	}

	var resp paypalOrderResponse
	raw, err := p.doJSON(ctx, http.MethodGet, paypalOrdersPath+"/"+url.PathEscape(orderID), "", nil, &resp)
	if err != nil {
		return CaptureResult{}, fmt.Errorf("paypal: lookup order: %w", err)
	}
	return p.captureResult(resp, raw), nil
}

func (p *PayPalProvider) captureResult(resp paypalOrderResponse, raw map[string]any) CaptureResult {
	result := CaptureResult{
		Provider:        "paypal",
		ProviderOrderID: resp.ID,
		Status:          paypalStatus(resp.Status),
		Raw:             raw,
	}
	if resp.Payer != nil {
		result.PayerEmail = resp.Payer.EmailAddress
	}
	for _, unit := range resp.PurchaseUnits {
		result.Amount = parsePayPalAmount(unit.Amount.Value)
		result.Currency = unit.Amount.CurrencyCode
		if unit.Payments == nil || len(unit.Payments.Captures) == 0 {
			continue
		}
		capture := unit.Payments.Captures[0]
		result.TransactionID = capture.ID
		result.Amount = parsePayPalAmount(capture.Amount.Value)
		result.Currency = capture.Amount.CurrencyCode
		if strings.EqualFold(capture.Status, "COMPLETED") {
			result.Captured = true
			if ts, err := time.Parse(time.RFC3339, capture.CreateTime); err == nil {
				t := ts.UTC()
				result.CapturedAt = &t
			}
		}
	}
	return result
}

func (p *PayPalProvider) doJSON(ctx context.Context, method, path, idempotencyKey string, body any, out any) (map[string]any, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		httpReq.Header.Set("PayPal-Request-Id", key)
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", httpResp.StatusCode, truncateBody(data))
	}

	raw := map[string]any{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return nil, fmt.Errorf("decode response: %w", err)
			}
		}
	}
	return raw, nil
}

// token returns a cached OAuth access token, refreshing it via the
// client-credentials grant when missing or near expiry.
func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.clock().Add(paypalTokenLeeway).Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+paypalTokenPath, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.SetBasicAuth(p.clientID, p.clientSecret)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("paypal: fetch access token: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("paypal: read token response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal: token request failed with status %d: %s", httpResp.StatusCode, truncateBody(data))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return "", fmt.Errorf("paypal: decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return "", errors.New("paypal: token response missing access token")
	}

	p.accessToken = tokenResp.AccessToken
	p.tokenExpiry = p.clock().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	return p.accessToken, nil
}

func paypalStatus(status string) Status {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "COMPLETED":
		return StatusSucceeded
	case "VOIDED", "DECLINED":
		return StatusFailed
	case "REFUNDED":
		return StatusRefunded
	default:
		return StatusPending
	}
}

// formatPayPalAmount renders minor units as the decimal string the REST API
// expects, e.g. 6500 -> "65.00".
func formatPayPalAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

func parsePayPalAmount(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	negative := strings.HasPrefix(value, "-")
	value = strings.TrimPrefix(value, "-")

	whole, frac, _ := strings.Cut(value, ".")
	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0
	}
	var cents int64
	if frac != "" {
		if len(frac) > 2 {
			frac = frac[:2]
		}
		for len(frac) < 2 {
			frac += "0"
		}
		cents, _ = strconv.ParseInt(frac, 10, 64)
	}
	total := units*100 + cents
	if negative {
		total = -total
	}
	return total
}

func truncateBody(data []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(data))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}

var _ Provider = (*PayPalProvider)(nil)
