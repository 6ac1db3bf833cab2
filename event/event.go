package event

// Type is the tag of an event. Tags are stable; payload shapes grow by
// adding optional fields only.
type Type string

const (
	TypeInventoryUpdated     Type = "inventory.updated"
	TypeLowStockTriggered    Type = "lowStock.triggered"
	TypeSaleCompleted        Type = "sale.completed"
	TypeSaleRefunded         Type = "sale.refunded"
	TypeShiftOpened          Type = "shift.opened"
	TypeShiftClosed          Type = "shift.closed"
	TypePurchaseOrderUpdated Type = "purchaseOrder.updated"
	TypeFiscalReceiptUpdated Type = "fiscalReceipt.updated"
)

// Event is a domain event. Each concrete type below is one variant.
type Event interface {
	Type() Type
}

// InventoryUpdated reports a stock level change for a product or variant.
type InventoryUpdated struct {
	StoreID   string `json:"storeId" validate:"required"`
	ProductID string `json:"productId" validate:"required"`
	VariantID string `json:"variantId,omitempty"`
}

// LowStockTriggered fires when on-hand quantity drops to the minimum.
type LowStockTriggered struct {
	StoreID   string  `json:"storeId" validate:"required"`
	ProductID string  `json:"productId" validate:"required"`
	VariantID string  `json:"variantId,omitempty"`
	OnHand    float64 `json:"onHand"`
	MinStock  float64 `json:"minStock"`
}

// SaleCompleted is published after a sale is committed.
type SaleCompleted struct {
	SaleID     string `json:"saleId" validate:"required"`
	StoreID    string `json:"storeId" validate:"required"`
	RegisterID string `json:"registerId,omitempty"`
	ShiftID    string `json:"shiftId,omitempty"`
	Number     int64  `json:"number"`
}

// SaleRefunded is published after a full or partial refund.
type SaleRefunded struct {
	SaleID     string `json:"saleId" validate:"required"`
	RefundID   string `json:"refundId" validate:"required"`
	StoreID    string `json:"storeId" validate:"required"`
	RegisterID string `json:"registerId,omitempty"`
	ShiftID    string `json:"shiftId,omitempty"`
}

// ShiftOpened is published when a cashier opens a register shift.
type ShiftOpened struct {
	ShiftID    string `json:"shiftId" validate:"required"`
	StoreID    string `json:"storeId" validate:"required"`
	RegisterID string `json:"registerId" validate:"required"`
	OpenedBy   string `json:"openedBy,omitempty"`
}

// ShiftClosed is published when a register shift is closed.
type ShiftClosed struct {
	ShiftID    string `json:"shiftId" validate:"required"`
	StoreID    string `json:"storeId" validate:"required"`
	RegisterID string `json:"registerId" validate:"required"`
	ClosedBy   string `json:"closedBy,omitempty"`
}

// PurchaseOrderUpdated reports a purchase order status change.
type PurchaseOrderUpdated struct {
	PurchaseOrderID string `json:"poId" validate:"required"`
	Status          string `json:"status" validate:"required"`
}

// FiscalReceiptUpdated reports a fiscal document reaching SENT or FAILED.
type FiscalReceiptUpdated struct {
	ReceiptID    string `json:"receiptId" validate:"required"`
	OrderID      string `json:"orderId" validate:"required"`
	StoreID      string `json:"storeId" validate:"required"`
	Status       string `json:"status" validate:"required"`
	FiscalNumber string `json:"fiscalNumber,omitempty"`
}

func (InventoryUpdated) Type() Type     { return TypeInventoryUpdated }
func (LowStockTriggered) Type() Type    { return TypeLowStockTriggered }
func (SaleCompleted) Type() Type        { return TypeSaleCompleted }
func (SaleRefunded) Type() Type         { return TypeSaleRefunded }
func (ShiftOpened) Type() Type          { return TypeShiftOpened }
func (ShiftClosed) Type() Type          { return TypeShiftClosed }
func (PurchaseOrderUpdated) Type() Type { return TypePurchaseOrderUpdated }
func (FiscalReceiptUpdated) Type() Type { return TypeFiscalReceiptUpdated }
