package fiscal

import (
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/tally"
)

var validate = validator.New()

// Receipt is the payload fiscalized for an order. Amounts are in minor
// currency units.
type Receipt struct {
	Kind     string        `json:"kind" validate:"required,oneof=sale refund"`
	Currency string        `json:"currency" validate:"required,len=3"`
	Total    int64         `json:"total" validate:"gte=0"`
	Items    []ReceiptItem `json:"items" validate:"required,min=1,dive"`
	Payments []Payment     `json:"payments" validate:"required,min=1,dive"`
	Cashier  string        `json:"cashier,omitempty"`
}

// ReceiptItem is one receipt line.
type ReceiptItem struct {
	Name     string  `json:"name" validate:"required,max=128"`
	Quantity float64 `json:"quantity" validate:"gt=0"`
	Price    int64   `json:"price" validate:"gte=0"`
	Amount   int64   `json:"amount" validate:"gte=0"`
	VATRate  string  `json:"vatRate,omitempty"`
}

// Payment is one tender on a receipt.
type Payment struct {
	Method string `json:"method" validate:"required,oneof=cash card other"`
	Amount int64  `json:"amount" validate:"gt=0"`
}

// Validate checks field constraints and that lines and payments both sum
// to Total.
func (r *Receipt) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", tally.ErrInvalidPayload, err)
	}
	var items, paid int64
	for _, it := range r.Items {
		items += it.Amount
	}
	for _, p := range r.Payments {
		paid += p.Amount
	}
	if items != r.Total {
		return fmt.Errorf("%w: items sum to %d, total is %d", tally.ErrInvalidPayload, items, r.Total)
	}
	if paid != r.Total {
		return fmt.Errorf("%w: payments sum to %d, total is %d", tally.ErrInvalidPayload, paid, r.Total)
	}
	return nil
}
