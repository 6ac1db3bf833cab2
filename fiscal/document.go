package fiscal

import (
	"encoding/json"
	"time"

	"github.com/xraph/tally/id"
)

// Status is a fiscal document state. QUEUED -> PROCESSING -> {SENT, FAILED};
// FAILED -> QUEUED on explicit retry; SENT is terminal.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

// Mode selects who fiscalizes a document.
type Mode string

const (
	// ModeConnector documents wait for a paired device to pull them.
	ModeConnector Mode = "connector"
	// ModeAdapter documents are sent by the server through an Adapter.
	ModeAdapter Mode = "adapter"
)

// Document is one receipt awaiting or past fiscalization. NextRetryAt is
// when a FAILED document becomes due again; on a PROCESSING adapter
// document it is the end of the send lease.
type Document struct {
	ID                id.DocumentID   `json:"id"`
	TenantID          string          `json:"tenantId"`
	StoreID           string          `json:"storeId"`
	OrderID           string          `json:"orderId"`
	IdempotencyKey    string          `json:"idempotencyKey"`
	Mode              Mode            `json:"mode"`
	DeviceID          id.DeviceID     `json:"connectorDeviceId"`
	Status            Status          `json:"status"`
	Payload           json.RawMessage `json:"payload"`
	Attempts          int             `json:"attempts"`
	LastError         string          `json:"lastError,omitempty"`
	NextRetryAt       *time.Time      `json:"nextRetryAt,omitempty"`
	ProviderReceiptID string          `json:"providerReceiptId,omitempty"`
	FiscalNumber      string          `json:"fiscalNumber,omitempty"`
	QR                string          `json:"qr,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
	SentAt            *time.Time      `json:"sentAt,omitempty"`
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := *d
	c.Payload = append(json.RawMessage(nil), d.Payload...)
	if d.NextRetryAt != nil {
		t := *d.NextRetryAt
		c.NextRetryAt = &t
	}
	if d.SentAt != nil {
		t := *d.SentAt
		c.SentAt = &t
	}
	return &c
}

// OrderStatus is the fiscalization state projected onto an order.
type OrderStatus struct {
	TenantID          string        `json:"tenantId"`
	OrderID           string        `json:"orderId"`
	DocumentID        id.DocumentID `json:"documentId"`
	Status            Status        `json:"status"`
	ProviderReceiptID string        `json:"providerReceiptId,omitempty"`
	FiscalNumber      string        `json:"fiscalNumber,omitempty"`
	QR                string        `json:"qr,omitempty"`
	LastError         string        `json:"lastError,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// ProjectionOf builds the order projection for d.
func ProjectionOf(d *Document) *OrderStatus {
	return &OrderStatus{
		TenantID:          d.TenantID,
		OrderID:           d.OrderID,
		DocumentID:        d.ID,
		Status:            d.Status,
		ProviderReceiptID: d.ProviderReceiptID,
		FiscalNumber:      d.FiscalNumber,
		QR:                d.QR,
		LastError:         d.LastError,
		UpdatedAt:         d.UpdatedAt,
	}
}

// Projects reports whether writing d should update its order projection.
// Stores apply it only over a projection that is not already SENT.
func (d *Document) Projects() bool {
	return d.Status == StatusSent || d.Status == StatusFailed
}

// Report is a device's result for a claimed document.
type Report struct {
	Status            Status `json:"status" validate:"required,oneof=SENT FAILED"`
	ProviderReceiptID string `json:"providerReceiptId,omitempty" validate:"max=128"`
	FiscalNumber      string `json:"fiscalNumber,omitempty" validate:"max=128"`
	QR                string `json:"qr,omitempty" validate:"max=2048"`
	ErrorMessage      string `json:"errorMessage,omitempty" validate:"max=2048"`
}

// AdapterResult is what a direct adapter returns on success.
type AdapterResult struct {
	ProviderReceiptID string
	FiscalNumber      string
	QR                string
}
