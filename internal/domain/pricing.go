package domain

// PriceLine is the pricing engine's view of one purchasable line.
type PriceLine struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

// PriceQuote captures the monetary results of pricing a set of lines.
// All amounts are minor units in the quote currency.
type PriceQuote struct {
	Currency string
	Items    int64
	Shipping int64
	Tax      int64
	Total    int64
	Lines    []LineQuote
}

// LineQuote stores per-line pricing outputs after running the engine.
type LineQuote struct {
	ProductID string
	Quantity  int
	UnitPrice int64
	Subtotal  int64
}

// CartTotalsFromQuote copies a quote's rollups into cart totals.
func CartTotalsFromQuote(q PriceQuote) CartTotals {
	return CartTotals{
		Items:    q.Items,
		Shipping: q.Shipping,
		Tax:      q.Tax,
		Total:    q.Total,
	}
}

// OrderTotalsFromQuote copies a quote's rollups into order totals.
func OrderTotalsFromQuote(q PriceQuote) OrderTotals {
	return OrderTotals{
		Items:    q.Items,
		Shipping: q.Shipping,
		Tax:      q.Tax,
		Total:    q.Total,
	}
}
