package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/event"
	"github.com/xraph/tally/id"
)

// ErrNoAdapter is returned when an adapter-mode document is enqueued on
// a service without an Adapter.
var ErrNoAdapter = errors.New("fiscal: no adapter configured")

// pairingAttempts bounds retries on random code collisions.
const pairingAttempts = 5

// Adapter fiscalizes a document directly with a provider.
type Adapter interface {
	Fiscalize(ctx context.Context, doc *Document) (AdapterResult, error)
}

// AdapterFunc adapts a function to Adapter.
type AdapterFunc func(ctx context.Context, doc *Document) (AdapterResult, error)

// Fiscalize calls f.
func (f AdapterFunc) Fiscalize(ctx context.Context, doc *Document) (AdapterResult, error) {
	return f(ctx, doc)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAdapter sets the direct fiscalization adapter.
func WithAdapter(a Adapter) Option {
	return func(s *Service) { s.adapter = a }
}

// WithBus publishes fiscalReceipt.updated after SENT and FAILED transitions.
func WithBus(b event.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// WithConfig applies the fiscal tunables from cfg.
func WithConfig(cfg tally.Config) Option {
	return func(s *Service) { s.cfg = cfg }
}

// WithCodeGenerator replaces the pairing code source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) { s.newCode = gen }
}

// Service implements the connector protocol and the adapter path over a
// Store.
type Service struct {
	store   Store
	adapter Adapter
	bus     event.Bus
	cfg     tally.Config
	logger  *slog.Logger
	now     func() time.Time
	newCode func() (string, error)
}

// NewService creates a fiscal service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:   store,
		cfg:     tally.DefaultConfig(),
		logger:  slog.Default(),
		now:     time.Now,
		newCode: NewCode,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// ──────────────────────────────────────────────────
// Pairing and devices
// ──────────────────────────────────────────────────

// CreatePairingCode issues a code for storeID valid for PairingCodeTTL.
func (s *Service) CreatePairingCode(ctx context.Context, tenantID, storeID, createdBy string) (*PairingCode, error) {
	if tenantID == "" || storeID == "" {
		return nil, fmt.Errorf("%w: tenant and store are required", tally.ErrInvalidPayload)
	}
	now := s.now().UTC()
	for range pairingAttempts {
		code, err := s.newCode()
		if err != nil {
			return nil, fmt.Errorf("fiscal: generate pairing code: %w", err)
		}
		pc := &PairingCode{
			ID:        id.NewPairingCodeID(),
			TenantID:  tenantID,
			StoreID:   storeID,
			Code:      code,
			ExpiresAt: now.Add(s.cfg.PairingCodeTTL),
			CreatedBy: createdBy,
			CreatedAt: now,
		}
		err = s.store.CreatePairingCode(ctx, pc)
		if errors.Is(err, tally.ErrPairingCodeCollision) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return pc, nil
	}
	return nil, fmt.Errorf("fiscal: %d attempts: %w", pairingAttempts, tally.ErrPairingCodeCollision)
}

// RedeemPairingCode exchanges a code for a new device and its bearer
// credential. The credential is returned once and only its hash is kept.
func (s *Service) RedeemPairingCode(ctx context.Context, code, deviceName string) (*Device, string, error) {
	code = NormalizeCode(code)
	if len(code) != codeLength {
		return nil, "", tally.ErrInvalidPairingCode
	}
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return nil, "", fmt.Errorf("%w: device name is required", tally.ErrInvalidPayload)
	}

	credential, hash, err := NewCredential()
	if err != nil {
		return nil, "", fmt.Errorf("fiscal: generate credential: %w", err)
	}
	now := s.now().UTC()
	dev := &Device{
		ID:             id.NewDeviceID(),
		Name:           deviceName,
		CredentialHash: hash,
		PairedAt:       now,
		Active:         true,
	}
	if err := s.store.RedeemPairingCode(ctx, code, dev, now); err != nil {
		return nil, "", err
	}
	s.logger.Info("connector device paired",
		slog.String("device_id", dev.ID.String()),
		slog.String("store_id", dev.StoreID),
	)
	return dev, credential, nil
}

// Authenticate resolves a bearer credential to an active device. Any
// failure to do so is tally.ErrUnauthorized.
func (s *Service) Authenticate(ctx context.Context, credential string) (*Device, error) {
	if !strings.HasPrefix(credential, credentialPrefix) {
		return nil, tally.ErrUnauthorized
	}
	dev, err := s.store.GetDeviceByCredential(ctx, HashCredential(credential))
	if errors.Is(err, tally.ErrDeviceNotFound) {
		return nil, tally.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("fiscal: authenticate: %w", err)
	}
	if !dev.Active {
		return nil, tally.ErrUnauthorized
	}
	return dev, nil
}

// Heartbeat records that dev is alive.
func (s *Service) Heartbeat(ctx context.Context, dev *Device) error {
	return s.store.TouchDevice(ctx, dev.ID, s.now().UTC())
}

// DeactivateDevice disables a device. Its credential stops authenticating.
func (s *Service) DeactivateDevice(ctx context.Context, deviceID id.DeviceID) error {
	return s.store.SetDeviceActive(ctx, deviceID, false)
}

// ──────────────────────────────────────────────────
// Connector queue
// ──────────────────────────────────────────────────

// Pull claims up to limit queued documents of the device's store. A zero
// limit means PullLimitMax, larger limits are clamped to it, and a
// negative limit is tally.ErrInvalidPayload. No claimable documents
// yields an empty slice.
func (s *Service) Pull(ctx context.Context, dev *Device, limit int) ([]*Document, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative, got %d", tally.ErrInvalidPayload, limit)
	}
	if limit == 0 || limit > s.cfg.PullLimitMax {
		limit = s.cfg.PullLimitMax
	}
	docs, err := s.store.ClaimDocuments(ctx, dev.TenantID, dev.StoreID, dev.ID, limit, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if len(docs) > 0 {
		s.logger.Debug("documents claimed",
			slog.String("device_id", dev.ID.String()),
			slog.Int("count", len(docs)),
		)
	}
	return docs, nil
}

// Push applies a device's report to a document it claimed. Repeating a
// report already applied returns the stored document unchanged; a report
// contradicting a terminal result is tally.ErrConflictingResult.
func (s *Service) Push(ctx context.Context, dev *Device, docID id.DocumentID, r Report) (*Document, error) {
	if err := validate.Struct(&r); err != nil {
		return nil, fmt.Errorf("%w: %w", tally.ErrInvalidPayload, err)
	}
	now := s.now().UTC()
	changed := false

	doc, err := s.store.UpdateDocument(ctx, docID, func(d *Document) (bool, error) {
		if d.DeviceID != dev.ID || d.TenantID != dev.TenantID || d.StoreID != dev.StoreID {
			return false, tally.ErrDocumentNotFound
		}
		switch d.Status {
		case StatusSent:
			if r.Status == StatusSent && (r.FiscalNumber == "" || r.FiscalNumber == d.FiscalNumber) {
				return false, nil
			}
			return false, tally.ErrConflictingResult
		case StatusFailed:
			if r.Status == StatusFailed {
				return false, nil
			}
			return false, tally.ErrConflictingResult
		case StatusProcessing:
		default:
			return false, fmt.Errorf("%w: cannot report on %s document", tally.ErrInvalidState, d.Status)
		}

		if r.Status == StatusSent {
			markSent(d, AdapterResult{
				ProviderReceiptID: r.ProviderReceiptID,
				FiscalNumber:      r.FiscalNumber,
				QR:                r.QR,
			}, now)
		} else {
			msg := r.ErrorMessage
			if msg == "" {
				msg = "device reported failure"
			}
			retryAt := now.Add(s.cfg.FiscalRetryDelay)
			markFailed(d, msg, &retryAt, now)
		}
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.logger.Info("fiscal result reported",
			slog.String("document_id", doc.ID.String()),
			slog.String("device_id", dev.ID.String()),
			slog.String("status", string(doc.Status)),
		)
		s.publish(ctx, doc)
	}
	return doc, nil
}

// ──────────────────────────────────────────────────
// Enqueue, retry, and status
// ──────────────────────────────────────────────────

// EnqueueRequest creates a document for an order.
type EnqueueRequest struct {
	TenantID       string  `json:"tenantId" validate:"required"`
	StoreID        string  `json:"storeId" validate:"required"`
	OrderID        string  `json:"orderId" validate:"required"`
	IdempotencyKey string  `json:"idempotencyKey" validate:"required,max=200"`
	Mode           Mode    `json:"mode" validate:"required,oneof=connector adapter"`
	Receipt        Receipt `json:"receipt"`
}

// Enqueue creates a document. A connector document is QUEUED for pull; an
// adapter document is sent immediately under a FiscalAdapterLease, after
// which the retry sweep may reclaim it if no outcome was recorded. A
// repeated idempotency key returns the existing document.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*Document, error) {
	if err := validate.Struct(&req); err != nil {
		return nil, fmt.Errorf("%w: %w", tally.ErrInvalidPayload, err)
	}
	if err := req.Receipt.Validate(); err != nil {
		return nil, err
	}
	if req.Mode == ModeAdapter && s.adapter == nil {
		return nil, ErrNoAdapter
	}
	payload, err := json.Marshal(req.Receipt)
	if err != nil {
		return nil, fmt.Errorf("fiscal: encode receipt: %w", err)
	}

	now := s.now().UTC()
	doc := &Document{
		ID:             id.NewDocumentID(),
		TenantID:       req.TenantID,
		StoreID:        req.StoreID,
		OrderID:        req.OrderID,
		IdempotencyKey: req.IdempotencyKey,
		Mode:           req.Mode,
		Status:         StatusQueued,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Mode == ModeAdapter {
		doc.Status = StatusProcessing
		lease := now.Add(s.cfg.FiscalAdapterLease)
		doc.NextRetryAt = &lease
	}

	err = s.store.EnqueueDocument(ctx, doc)
	if errors.Is(err, tally.ErrDuplicateIdempotencyKey) {
		return s.store.GetDocumentByKey(ctx, req.IdempotencyKey)
	}
	if err != nil {
		return nil, err
	}
	if doc.Mode == ModeAdapter {
		return s.fiscalize(ctx, doc.ID)
	}
	return doc, nil
}

// Retry moves a FAILED connector document back to QUEUED so any device
// of the store may pull it again.
func (s *Service) Retry(ctx context.Context, docID id.DocumentID) (*Document, error) {
	now := s.now().UTC()
	return s.store.UpdateDocument(ctx, docID, func(d *Document) (bool, error) {
		if d.Status != StatusFailed || d.Mode != ModeConnector {
			return false, fmt.Errorf("%w: cannot retry %s %s document", tally.ErrInvalidState, d.Mode, d.Status)
		}
		d.Status = StatusQueued
		d.DeviceID = id.Nil
		d.NextRetryAt = nil
		d.UpdatedAt = now
		return true, nil
	})
}

// Document returns a document by id.
func (s *Service) Document(ctx context.Context, docID id.DocumentID) (*Document, error) {
	return s.store.GetDocument(ctx, docID)
}

// OrderStatus returns the fiscalization projection of an order.
func (s *Service) OrderStatus(ctx context.Context, tenantID, orderID string) (*OrderStatus, error) {
	return s.store.GetOrderStatus(ctx, tenantID, orderID)
}

// ──────────────────────────────────────────────────
// Internals
// ──────────────────────────────────────────────────

// fiscalize sends a PROCESSING adapter document and records the outcome.
func (s *Service) fiscalize(ctx context.Context, docID id.DocumentID) (*Document, error) {
	doc, err := s.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	res, callErr := s.adapter.Fiscalize(ctx, doc)
	now := s.now().UTC()

	updated, err := s.store.UpdateDocument(ctx, docID, func(d *Document) (bool, error) {
		if d.Status != StatusProcessing {
			return false, nil
		}
		d.Attempts++
		if callErr == nil {
			markSent(d, res, now)
			return true, nil
		}
		var retryAt *time.Time
		if d.Attempts < s.cfg.FiscalMaxAdapterAttempts {
			t := now.Add(s.cfg.FiscalRetryDelay)
			retryAt = &t
		}
		markFailed(d, callErr.Error(), retryAt, now)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fiscal: record adapter result: %w", err)
	}
	if callErr != nil {
		s.logger.Warn("fiscal adapter call failed",
			slog.String("document_id", docID.String()),
			slog.Int("attempt", updated.Attempts),
			slog.String("error", callErr.Error()),
		)
	}
	s.publish(ctx, updated)
	return updated, nil
}

func markSent(d *Document, r AdapterResult, now time.Time) {
	d.Status = StatusSent
	d.ProviderReceiptID = r.ProviderReceiptID
	d.FiscalNumber = r.FiscalNumber
	d.QR = r.QR
	d.LastError = ""
	d.NextRetryAt = nil
	d.SentAt = &now
	d.UpdatedAt = now
}

func markFailed(d *Document, msg string, retryAt *time.Time, now time.Time) {
	d.Status = StatusFailed
	d.LastError = msg
	d.NextRetryAt = retryAt
	d.UpdatedAt = now
}

func (s *Service) publish(ctx context.Context, d *Document) {
	if s.bus == nil || !d.Projects() {
		return
	}
	s.bus.Publish(ctx, event.FiscalReceiptUpdated{
		ReceiptID:    d.ID.String(),
		OrderID:      d.OrderID,
		StoreID:      d.StoreID,
		Status:       string(d.Status),
		FiscalNumber: d.FiscalNumber,
	})
}
