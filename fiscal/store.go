package fiscal

import (
	"context"
	"time"

	"github.com/xraph/tally/id"
)

// Store is the persistence contract for the fiscal queue. Claim and
// redemption must be atomic across processes.
type Store interface {
	// CreatePairingCode inserts a code. Returns tally.ErrPairingCodeCollision
	// when the code string is already taken.
	CreatePairingCode(ctx context.Context, pc *PairingCode) error

	// RedeemPairingCode consumes code and inserts dev in one transaction.
	// It copies the code's tenant and store onto dev. Returns
	// tally.ErrInvalidPairingCode for unknown, consumed, or expired codes.
	RedeemPairingCode(ctx context.Context, code string, dev *Device, now time.Time) error

	// GetDevice returns tally.ErrDeviceNotFound when absent.
	GetDevice(ctx context.Context, deviceID id.DeviceID) (*Device, error)

	// GetDeviceByCredential looks a device up by credential hash. Returns
	// tally.ErrDeviceNotFound when absent.
	GetDeviceByCredential(ctx context.Context, hash string) (*Device, error)

	// TouchDevice sets LastSeenAt.
	TouchDevice(ctx context.Context, deviceID id.DeviceID, at time.Time) error

	// SetDeviceActive enables or disables a device.
	SetDeviceActive(ctx context.Context, deviceID id.DeviceID, active bool) error

	// EnqueueDocument inserts doc. Returns tally.ErrDuplicateIdempotencyKey
	// when the key exists.
	EnqueueDocument(ctx context.Context, doc *Document) error

	// GetDocument returns tally.ErrDocumentNotFound when absent.
	GetDocument(ctx context.Context, docID id.DocumentID) (*Document, error)

	// GetDocumentByKey looks a document up by idempotency key.
	GetDocumentByKey(ctx context.Context, key string) (*Document, error)

	// ClaimDocuments moves up to limit QUEUED connector documents of the
	// store from QUEUED to PROCESSING, stamps them with deviceID and
	// increments Attempts. Rows locked by a concurrent claim are skipped.
	// Oldest first.
	ClaimDocuments(ctx context.Context, tenantID, storeID string, deviceID id.DeviceID, limit int, now time.Time) ([]*Document, error)

	// UpdateDocument loads the document under a row lock and calls fn on
	// a copy. When fn returns true the copy is written, and when the new
	// status is SENT or FAILED the order projection is upserted unless it
	// is already SENT. It returns the stored document after the call.
	UpdateDocument(ctx context.Context, docID id.DocumentID, fn func(*Document) (bool, error)) (*Document, error)

	// DueAdapterRetries returns adapter documents whose NextRetryAt is at
	// or before now and that are either FAILED or PROCESSING (an expired
	// lease), oldest first.
	DueAdapterRetries(ctx context.Context, now time.Time, limit int) ([]*Document, error)

	// GetOrderStatus returns tally.ErrDocumentNotFound when the order has
	// no projection.
	GetOrderStatus(ctx context.Context, tenantID, orderID string) (*OrderStatus, error)
}
