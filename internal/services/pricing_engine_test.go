package services

import (
	"errors"
	"math"
	"testing"
)

func newTestPricingEngine(t *testing.T, deps FixedPricingEngineDeps) *FixedPricingEngine {
	t.Helper()
	engine, err := NewFixedPricingEngine(deps)
	if err != nil {
		t.Fatalf("NewFixedPricingEngine: %v", err)
	}
	return engine
}

func TestQuoteBreakdown(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{
		Currency:              "usd",
		FreeShippingThreshold: 10_000,
		ShippingFlatFee:       1_000,
		TaxRateBasisPoints:    1_000,
	})

	quote, err := engine.Quote([]PriceLine{
		{ProductID: "prod-1", Quantity: 2, UnitPrice: 2500},
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	if quote.Currency != "USD" {
		t.Fatalf("expected currency USD, got %s", quote.Currency)
	}
	if quote.Items != 5000 {
		t.Fatalf("expected items 5000, got %d", quote.Items)
	}
	if quote.Shipping != 1000 {
		t.Fatalf("expected shipping 1000, got %d", quote.Shipping)
	}
	if quote.Tax != 500 {
		t.Fatalf("expected tax 500, got %d", quote.Tax)
	}
	if quote.Total != 6500 {
		t.Fatalf("expected total 6500, got %d", quote.Total)
	}
	if len(quote.Lines) != 1 || quote.Lines[0].Subtotal != 5000 {
		t.Fatalf("unexpected line quotes %+v", quote.Lines)
	}
}

func TestQuoteZeroQuantityLineContributesNothing(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{
		Currency:              "USD",
		FreeShippingThreshold: 10_000,
		ShippingFlatFee:       1_000,
		TaxRateBasisPoints:    1_000,
	})

	quote, err := engine.Quote([]PriceLine{
		{ProductID: "prod-1", Quantity: 2, UnitPrice: 2500},
		{ProductID: "prod-2", Quantity: 0, UnitPrice: 9900},
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}

	if quote.Items != 5000 {
		t.Fatalf("expected items 5000, got %d", quote.Items)
	}
	if quote.Total != 6500 {
		t.Fatalf("expected total 6500, got %d", quote.Total)
	}
	if len(quote.Lines) != 2 || quote.Lines[1].Subtotal != 0 {
		t.Fatalf("unexpected line quotes %+v", quote.Lines)
	}
}

func TestQuoteFreeShippingAtThreshold(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{
		Currency:              "USD",
		FreeShippingThreshold: 10_000,
		ShippingFlatFee:       1_000,
		TaxRateBasisPoints:    1_000,
	})

	cases := []struct {
		name         string
		unitPrice    int64
		quantity     int
		wantShipping int64
	}{
		{name: "below threshold", unitPrice: 9_999, quantity: 1, wantShipping: 1_000},
		{name: "at threshold", unitPrice: 10_000, quantity: 1, wantShipping: 0},
		{name: "above threshold", unitPrice: 10_000, quantity: 2, wantShipping: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			quote, err := engine.Quote([]PriceLine{
				{ProductID: "prod-1", Quantity: tc.quantity, UnitPrice: tc.unitPrice},
			})
			if err != nil {
				t.Fatalf("Quote: %v", err)
			}
			if quote.Shipping != tc.wantShipping {
				t.Fatalf("expected shipping %d, got %d", tc.wantShipping, quote.Shipping)
			}
		})
	}
}

func TestQuoteEmptyCart(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{
		Currency:           "USD",
		ShippingFlatFee:    1_000,
		TaxRateBasisPoints: 1_000,
	})

	quote, err := engine.Quote(nil)
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Items != 0 || quote.Shipping != 0 || quote.Tax != 0 || quote.Total != 0 {
		t.Fatalf("expected all-zero quote, got %+v", quote)
	}
}

func TestQuoteTaxRoundsHalfUp(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{
		Currency:           "USD",
		TaxRateBasisPoints: 1_000,
	})

	// 5 * 10% = 0.5 minor units; half-up rounds to 1.
	quote, err := engine.Quote([]PriceLine{
		{ProductID: "prod-1", Quantity: 1, UnitPrice: 5},
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Tax != 1 {
		t.Fatalf("expected tax 1, got %d", quote.Tax)
	}

	// 4 * 10% = 0.4 minor units; rounds down to 0.
	quote, err = engine.Quote([]PriceLine{
		{ProductID: "prod-1", Quantity: 1, UnitPrice: 4},
	})
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if quote.Tax != 0 {
		t.Fatalf("expected tax 0, got %d", quote.Tax)
	}
}

func TestQuoteInvalidLines(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{Currency: "USD"})

	cases := []struct {
		name string
		line PriceLine
	}{
		{name: "missing product id", line: PriceLine{Quantity: 1, UnitPrice: 100}},
		{name: "negative quantity", line: PriceLine{ProductID: "prod-1", Quantity: -1, UnitPrice: 100}},
		{name: "negative price", line: PriceLine{ProductID: "prod-1", Quantity: 1, UnitPrice: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := engine.Quote([]PriceLine{tc.line}); !errors.Is(err, ErrPricingInvalidInput) {
				t.Fatalf("expected ErrPricingInvalidInput, got %v", err)
			}
		})
	}
}

func TestQuoteOverflow(t *testing.T) {
	engine := newTestPricingEngine(t, FixedPricingEngineDeps{Currency: "USD"})

	if _, err := engine.Quote([]PriceLine{
		{ProductID: "prod-1", Quantity: 2, UnitPrice: math.MaxInt64},
	}); !errors.Is(err, ErrPricingOverflow) {
		t.Fatalf("expected ErrPricingOverflow, got %v", err)
	}

	if _, err := engine.Quote([]PriceLine{
		{ProductID: "prod-1", Quantity: 1, UnitPrice: math.MaxInt64},
		{ProductID: "prod-2", Quantity: 1, UnitPrice: 1},
	}); !errors.Is(err, ErrPricingOverflow) {
		t.Fatalf("expected ErrPricingOverflow, got %v", err)
	}
}

func TestNewFixedPricingEngineValidation(t *testing.T) {
	cases := []struct {
		name string
		deps FixedPricingEngineDeps
	}{
		{name: "missing currency", deps: FixedPricingEngineDeps{}},
		{name: "negative threshold", deps: FixedPricingEngineDeps{Currency: "USD", FreeShippingThreshold: -1}},
		{name: "negative flat fee", deps: FixedPricingEngineDeps{Currency: "USD", ShippingFlatFee: -1}},
		{name: "tax rate too high", deps: FixedPricingEngineDeps{Currency: "USD", TaxRateBasisPoints: 10_001}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewFixedPricingEngine(tc.deps); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}
