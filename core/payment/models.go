package payment

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/tutora/tutora/core"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusFailed   Status = "failed"
	StatusRefunded Status = "refunded"
	StatusCanceled Status = "canceled"
)

// Event types
const (
	EventSucceeded = "payment.succeeded"
	EventFailed    = "payment.failed"
	EventRefunded  = "payment.refunded"
)

// GatewayManual marks orders settled offline by an admin.
const GatewayManual = "manual"

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	ErrAmountMismatch    = errors.New("event amount does not match the order")
	ErrInvalidEvent      = errors.New("invalid payment event")
	ErrProductInactive   = errors.New("product is not available")
)

type Order struct {
	ID            string     `json:"id"`
	BuyerID       string     `json:"buyer_id"`
	BeneficiaryID string     `json:"beneficiary_id"`
	ProductID     string     `json:"product_id"`
	ProductCode   string     `json:"product_code"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	Gateway       string     `json:"gateway"`
	GatewayRef    string     `json:"gateway_ref,omitempty"`
	CheckoutURL   string     `json:"checkout_url,omitempty"`
	EntitlementID string     `json:"entitlement_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// transition moves the order to `to`. Only pending orders may be paid, failed or canceled, and only paid orders refunded.
func (o *Order) transition(to Status, now time.Time) error {
	allowed := false
	switch to {
	case StatusPaid, StatusFailed, StatusCanceled:
		allowed = o.Status == StatusPending
	case StatusRefunded:
		allowed = o.Status == StatusPaid
	}
	if !allowed {
		return ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = now
	if to == StatusPaid {
		o.PaidAt = &now
	}
	return nil
}

// Event is a payment notification from a Gateway.
type Event struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	OrderID     string    `json:"order_id"`
	GatewayRef  string    `json:"gateway_ref"`
	AmountCents int64     `json:"amount_cents"`
	CreatedAt   time.Time `json:"created_at"`
}

func (ev Event) target() (Status, bool) {
	switch ev.Type {
	case EventSucceeded:
		return StatusPaid, true
	case EventFailed:
		return StatusFailed, true
	case EventRefunded:
		return StatusRefunded, true
	}
	return "", false
}

type Checkout struct {
	Ref string
	URL string
}

// Gateway is a payment processor.
type Gateway interface {
	Name() string
	// CreateCheckout registers the order with the processor and returns where the buyer should pay it.
	CreateCheckout(ctx context.Context, o Order) (Checkout, error)
	// ParseEvent authenticates and decodes a webhook notification.
	ParseEvent(payload []byte, signatureHeader string) (Event, error)
	Refund(ctx context.Context, o Order) error
}

type NewCheckout struct {
	ProductCode   string `json:"product_code" validate:"required"`
	BeneficiaryID string `json:"beneficiary_id"`
}

func (nc *NewCheckout) Validate(validate *validator.Validate) error {
	nc.ProductCode = core.CleanString(nc.ProductCode, true /* lower */)
	nc.BeneficiaryID = core.CleanString(nc.BeneficiaryID)
	return validate.Struct(nc)
}

type OrderFilter struct {
	BuyerID       string `query:"-"`
	BeneficiaryID string `query:"beneficiary_id"`
	Status        string `query:"status" validate:"omitempty,oneof=pending paid failed refunded canceled"`
	GatewayRef    string `query:"-"`
}
