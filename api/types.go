package api

import (
	"encoding/json"
	"time"

	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/job"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// HealthResponse is returned by /healthz.
type HealthResponse struct {
	Status string            `json:"status"`
	Failed map[string]string `json:"failed,omitempty"`
}

// ──────────────────────────────────────────────────
// Connector protocol
// ──────────────────────────────────────────────────

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

// PullRequest asks for up to Limit queued documents.
type PullRequest struct {
	Limit int `json:"limit"`
}

// QueueItem is one claimed document as a device sees it.
type QueueItem struct {
	ID             id.DocumentID   `json:"id"`
	OrderID        string          `json:"orderId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// PushRequest reports the result for a claimed document.
type PushRequest struct {
	ReceiptID string `json:"receiptId"`
	fiscal.Report
}

// PushResponse is the document state after a push.
type PushResponse struct {
	ID      id.DocumentID `json:"id"`
	Status  fiscal.Status `json:"status"`
	OrderID string        `json:"orderId"`
}

// ──────────────────────────────────────────────────
// Pairing
// ──────────────────────────────────────────────────

// CreatePairingCodeRequest issues a code for a store.
type CreatePairingCodeRequest struct {
	TenantID  string `json:"tenantId"`
	StoreID   string `json:"storeId"`
	CreatedBy string `json:"createdBy,omitempty"`
}

// PairingCodeResponse is a freshly issued code.
type PairingCodeResponse struct {
	ID        id.PairingCodeID `json:"id"`
	Code      string           `json:"code"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// RedeemRequest exchanges a code for a device credential.
type RedeemRequest struct {
	Code       string `json:"code"`
	DeviceName string `json:"deviceName"`
}

// RedeemResponse carries the one-time credential and the new device.
type RedeemResponse struct {
	Credential string         `json:"credential"`
	Device     *fiscal.Device `json:"device"`
}

// ──────────────────────────────────────────────────
// DLQ and cron
// ──────────────────────────────────────────────────

// PurgeDLQRequest removes entries that failed before Before. A zero
// Before purges entries older than 30 days.
type PurgeDLQRequest struct {
	Before time.Time `json:"before"`
}

// PurgeDLQResponse reports how many entries were removed.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

// DLQCountResponse is the number of dead-letter entries.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// ReplayResponse is the outcome of replaying an entry.
type ReplayResponse struct {
	Task         string      `json:"task"`
	Outcome      job.Outcome `json:"outcome"`
	Attempts     int         `json:"attempts"`
	Error        string      `json:"error,omitempty"`
	DeadLetterID string      `json:"deadLetterId,omitempty"`
}
