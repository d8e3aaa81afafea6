package services

import (
	"errors"
	"fmt"
	"math"
	"strings"

	domain "github.com/marketlane/api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad request data such as missing lines or negative prices.
	ErrPricingInvalidInput = errors.New("pricing engine: invalid input")
	// ErrPricingOverflow is returned when a quote would exceed the representable amount.
	ErrPricingOverflow = errors.New("pricing engine: amount overflow")
)

const basisPointsDenominator = 10_000

// FixedPricingEngine prices carts with integer arithmetic only: line totals in
// minor units, a flat shipping fee waived above the free-shipping threshold,
// and tax applied in basis points with half-up rounding.
type FixedPricingEngine struct {
	currency              string
	freeShippingThreshold int64
	shippingFlatFee       int64
	taxRateBasisPoints    int64
}

// FixedPricingEngineDeps configures the pricing rules.
type FixedPricingEngineDeps struct {
	Currency              string
	FreeShippingThreshold int64
	ShippingFlatFee       int64
	TaxRateBasisPoints    int64
}

// NewFixedPricingEngine constructs the engine, validating the rule set.
func NewFixedPricingEngine(deps FixedPricingEngineDeps) (*FixedPricingEngine, error) {
	currency := strings.ToUpper(strings.TrimSpace(deps.Currency))
	if currency == "" {
		return nil, errors.New("pricing engine: currency is required")
	}
	if deps.FreeShippingThreshold < 0 {
		return nil, errors.New("pricing engine: free shipping threshold must be non-negative")
	}
	if deps.ShippingFlatFee < 0 {
		return nil, errors.New("pricing engine: shipping flat fee must be non-negative")
	}
	if deps.TaxRateBasisPoints < 0 || deps.TaxRateBasisPoints > basisPointsDenominator {
		return nil, errors.New("pricing engine: tax rate must be between 0 and 10000 basis points")
	}

	return &FixedPricingEngine{
		currency:              currency,
		freeShippingThreshold: deps.FreeShippingThreshold,
		shippingFlatFee:       deps.ShippingFlatFee,
		taxRateBasisPoints:    deps.TaxRateBasisPoints,
	}, nil
}

// Quote computes the full breakdown for the given lines. The result is a pure
// function of the inputs and the configured rules.
func (e *FixedPricingEngine) Quote(lines []PriceLine) (PriceQuote, error) {
	if e == nil {
		return PriceQuote{}, errors.New("pricing engine: not initialised")
	}

	var items int64
	quoted := make([]domain.LineQuote, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line.ProductID) == "" {
			return PriceQuote{}, fmt.Errorf("%w: product id is required", ErrPricingInvalidInput)
		}
		if line.Quantity < 0 {
			return PriceQuote{}, fmt.Errorf("%w: quantity must be non-negative for %s", ErrPricingInvalidInput, line.ProductID)
		}
		if line.UnitPrice < 0 {
			return PriceQuote{}, fmt.Errorf("%w: unit price must be non-negative for %s", ErrPricingInvalidInput, line.ProductID)
		}

		qty := int64(line.Quantity)
		if line.UnitPrice > 0 && qty > math.MaxInt64/line.UnitPrice {
			return PriceQuote{}, ErrPricingOverflow
		}
		lineTotal := line.UnitPrice * qty
		if items > math.MaxInt64-lineTotal {
			return PriceQuote{}, ErrPricingOverflow
		}
		items += lineTotal

		quoted = append(quoted, domain.LineQuote{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Subtotal:  lineTotal,
		})
	}

	shipping := e.shippingFee(items)
	tax, err := e.taxAmount(items)
	if err != nil {
		return PriceQuote{}, err
	}

	if items > math.MaxInt64-shipping || items+shipping > math.MaxInt64-tax {
		return PriceQuote{}, ErrPricingOverflow
	}

	return PriceQuote{
		Currency: e.currency,
		Items:    items,
		Shipping: shipping,
		Tax:      tax,
		Total:    items + shipping + tax,
		Lines:    quoted,
	}, nil
}

// shippingFee waives the flat fee once the items subtotal reaches the threshold.
// Empty carts ship for free.
func (e *FixedPricingEngine) shippingFee(items int64) int64 {
	if items == 0 {
		return 0
	}
	if items >= e.freeShippingThreshold {
		return 0
	}
	return e.shippingFlatFee
}

// taxAmount applies the basis-point rate to the items subtotal, rounding
// half-up so e.g. 5 basis points on 999 yields 1 rather than 0.
func (e *FixedPricingEngine) taxAmount(items int64) (int64, error) {
	if e.taxRateBasisPoints == 0 || items == 0 {
		return 0, nil
	}
	if items > math.MaxInt64/e.taxRateBasisPoints {
		return 0, ErrPricingOverflow
	}
	raw := items * e.taxRateBasisPoints
	return (raw + basisPointsDenominator/2) / basisPointsDenominator, nil
}

var _ PricingEngine = (*FixedPricingEngine)(nil)
