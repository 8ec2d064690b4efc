package orders

import (
	"github.com/google/uuid"

	"github.com/angelmondragon/dispensary-engine/pkg/db/models"
	"github.com/angelmondragon/dispensary-engine/pkg/enums"
)

// LineInput is one priced cart line. Prices arrive already computed by the catalog.
type LineInput struct {
	WarehouseID    uuid.UUID  `json:"warehouse_id" validate:"required"`
	ProductID      uuid.UUID  `json:"product_id" validate:"required"`
	VariantID      uuid.UUID  `json:"variant_id" validate:"required"`
	ProductName    string     `json:"product_name" validate:"required,max=255"`
	Quantity       int        `json:"quantity" validate:"required,gt=0"`
	UnitPriceCents int        `json:"unit_price_cents" validate:"gte=0"`
	TaxCents       int        `json:"tax_cents" validate:"gte=0"`
	PrescriptionID *uuid.UUID `json:"prescription_id,omitempty"`
}

// GiftCardRedemption applies stored value against the order total at checkout.
type GiftCardRedemption struct {
	Code        string `json:"code" validate:"required"`
	PIN         string `json:"pin,omitempty"`
	AmountCents int    `json:"amount_cents" validate:"gte=0"`
}

// CreateOrderInput is the checkout request. TotalCents, when set, must agree with the computed total.
type CreateOrderInput struct {
	CustomerID        uuid.UUID           `json:"customer_id" validate:"required"`
	PaymentMethod     enums.PaymentMethod `json:"payment_method" validate:"required"`
	Currency          enums.Currency      `json:"currency,omitempty"`
	Lines             []LineInput         `json:"lines" validate:"required,min=1,dive"`
	ShippingCents     int                 `json:"shipping_cents" validate:"gte=0"`
	DiscountCents     int                 `json:"discount_cents" validate:"gte=0"`
	TotalCents        int                 `json:"total_cents,omitempty" validate:"gte=0"`
	ShippingAddressID *uuid.UUID          `json:"shipping_address_id,omitempty"`
	BillingAddressID  *uuid.UUID          `json:"billing_address_id,omitempty"`
	GiftCard          *GiftCardRedemption `json:"gift_card,omitempty"`
	PaymentSource     string              `json:"payment_source,omitempty"`
	Notes             string              `json:"notes,omitempty" validate:"max=2000"`
	Actor             string              `json:"-"`
}

// ReturnLineInput names an order item and how many units come back.
type ReturnLineInput struct {
	OrderItemID uuid.UUID `json:"order_item_id" validate:"required"`
	Quantity    int       `json:"quantity" validate:"required,gt=0"`
}

type ReturnInput struct {
	Lines  []ReturnLineInput `json:"lines" validate:"required,min=1,dive"`
	Reason string            `json:"reason" validate:"required,max=500"`
	Actor  string            `json:"-"`
}

// ReturnResult pairs the return record with the draft refund it opened, when any money is refundable.
type ReturnResult struct {
	Order  *models.Order         `json:"order"`
	Return *models.ReturnRequest `json:"return"`
	Refund *models.Refund        `json:"refund,omitempty"`
}

// OrderDetail is the admin read projection of one order.
type OrderDetail struct {
	Order    *models.Order               `json:"order"`
	History  []models.OrderStatusHistory `json:"history"`
	Payments []models.Payment            `json:"payments"`
	Returns  []models.ReturnRequest      `json:"returns"`
}

type ListFilter struct {
	CustomerID *uuid.UUID
	Status     enums.OrderStatus
	Limit      int
	Offset     int
}

// CancelInput carries who cancelled and why. Kind is kept for reporting only.
type CancelInput struct {
	Kind   enums.CancelReasonKind `json:"-"`
	Reason string                 `json:"reason" validate:"max=500"`
	Actor  string                 `json:"-"`
}
