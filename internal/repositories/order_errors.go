package repositories

import "fmt"

// OrderErrorCode enumerates repository error causes for order lifecycle operations.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotFound indicates the order document is missing.
	OrderErrorNotFound OrderErrorCode = "order_not_found"
	// OrderErrorAlreadyPaid indicates the order payment was already reconciled.
	OrderErrorAlreadyPaid OrderErrorCode = "order_already_paid"
	// OrderErrorNotPaid indicates the operation requires a paid order.
	OrderErrorNotPaid OrderErrorCode = "order_not_paid"
	// OrderErrorInsufficientStock indicates a line quantity exceeds the product's stock.
	OrderErrorInsufficientStock OrderErrorCode = "order_insufficient_stock"
	// OrderErrorProductNotFound indicates a referenced product has no catalog record.
	OrderErrorProductNotFound OrderErrorCode = "order_product_not_found"
	// OrderErrorInvalidState indicates the order state forbids the operation.
	OrderErrorInvalidState OrderErrorCode = "order_invalid_state"
)

// OrderStateError wraps order-specific failures with machine readable codes.
type OrderStateError struct {
	Op      string
	Code    OrderErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderStateError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderStateError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOrderStateError constructs a typed order state error.
func NewOrderStateError(code OrderErrorCode, message string, err error) *OrderStateError {
	if message == "" {
		message = string(code)
	}
	return &OrderStateError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}
