package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/id"
)

// Ensure Store implements the subsystem stores at compile time.
// We can't import store here (import cycle with tests), so we verify each
// subsystem.
var (
	_ dlq.Store    = (*Store)(nil)
	_ fiscal.Store = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
// One mutex serializes every operation, which gives claims and
// redemptions the atomicity the relational backend gets from row locks.
type Store struct {
	mu sync.RWMutex

	dlqs map[id.DLQID]*dlq.Entry

	codes   map[string]*fiscal.PairingCode // key: code
	devices map[id.DeviceID]*fiscal.Device
	byCred  map[string]id.DeviceID // key: credential hash
	docs    map[id.DocumentID]*fiscal.Document
	byKey   map[string]id.DocumentID // key: idempotency key
	orders  map[string]*fiscal.OrderStatus
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		dlqs:    make(map[id.DLQID]*dlq.Entry),
		codes:   make(map[string]*fiscal.PairingCode),
		devices: make(map[id.DeviceID]*fiscal.Device),
		byCred:  make(map[string]id.DeviceID),
		docs:    make(map[id.DocumentID]*fiscal.Document),
		byKey:   make(map[string]id.DocumentID),
		orders:  make(map[string]*fiscal.OrderStatus),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ persists a new entry.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	m.dlqs[entry.ID] = &cp
	return nil
}

// ListDLQ returns entries matching opts, newest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*dlq.Entry
	for _, e := range m.dlqs {
		if opts.JobName != "" && e.JobName != opts.JobName {
			continue
		}
		if opts.TenantID != "" && e.TenantID != opts.TenantID {
			continue
		}
		cp := *e
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return paginate(out, opts.Offset, opts.Limit), nil
}

// GetDLQ retrieves an entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.dlqs[entryID]
	if !ok {
		return nil, tally.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ReplayDLQ stamps ReplayedAt.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.dlqs[entryID]
	if !ok {
		return tally.ErrDLQNotFound
	}
	e.ReplayedAt = &at
	return nil
}

// PurgeDLQ removes entries that failed before the given time.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, e := range m.dlqs {
		if e.FailedAt.Before(before) {
			delete(m.dlqs, k)
			n++
		}
	}
	return n, nil
}

// CountDLQ returns the number of entries.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}

// ──────────────────────────────────────────────────
// Fiscal Store: pairing and devices
// ──────────────────────────────────────────────────

// CreatePairingCode inserts a code unless the string is taken.
func (m *Store) CreatePairingCode(_ context.Context, pc *fiscal.PairingCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.codes[pc.Code]; taken {
		return tally.ErrPairingCodeCollision
	}
	cp := *pc
	m.codes[pc.Code] = &cp
	return nil
}

// RedeemPairingCode consumes the code and inserts the device.
func (m *Store) RedeemPairingCode(_ context.Context, code string, dev *fiscal.Device, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pc, ok := m.codes[code]
	if !ok || !pc.Redeemable(now) {
		return tally.ErrInvalidPairingCode
	}
	consumed := now
	pc.ConsumedAt = &consumed
	pc.DeviceID = dev.ID

	dev.TenantID = pc.TenantID
	dev.StoreID = pc.StoreID
	cp := *dev
	m.devices[dev.ID] = &cp
	m.byCred[dev.CredentialHash] = dev.ID
	return nil
}

// GetDevice returns a device by ID.
func (m *Store) GetDevice(_ context.Context, deviceID id.DeviceID) (*fiscal.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return nil, tally.ErrDeviceNotFound
	}
	return cloneDevice(d), nil
}

// GetDeviceByCredential returns the device holding the credential hash.
func (m *Store) GetDeviceByCredential(_ context.Context, hash string) (*fiscal.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	devID, ok := m.byCred[hash]
	if !ok {
		return nil, tally.ErrDeviceNotFound
	}
	return cloneDevice(m.devices[devID]), nil
}

// TouchDevice sets LastSeenAt.
func (m *Store) TouchDevice(_ context.Context, deviceID id.DeviceID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return tally.ErrDeviceNotFound
	}
	d.LastSeenAt = &at
	return nil
}

// SetDeviceActive enables or disables a device.
func (m *Store) SetDeviceActive(_ context.Context, deviceID id.DeviceID, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[deviceID]
	if !ok {
		return tally.ErrDeviceNotFound
	}
	d.Active = active
	return nil
}

func cloneDevice(d *fiscal.Device) *fiscal.Device {
	cp := *d
	if d.LastSeenAt != nil {
		t := *d.LastSeenAt
		cp.LastSeenAt = &t
	}
	return &cp
}

// ──────────────────────────────────────────────────
// Fiscal Store: documents
// ──────────────────────────────────────────────────

// EnqueueDocument inserts a document unless its idempotency key exists.
func (m *Store) EnqueueDocument(_ context.Context, doc *fiscal.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byKey[doc.IdempotencyKey]; dup {
		return tally.ErrDuplicateIdempotencyKey
	}
	m.docs[doc.ID] = doc.Clone()
	m.byKey[doc.IdempotencyKey] = doc.ID
	return nil
}

// GetDocument returns a document by ID.
func (m *Store) GetDocument(_ context.Context, docID id.DocumentID) (*fiscal.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[docID]
	if !ok {
		return nil, tally.ErrDocumentNotFound
	}
	return d.Clone(), nil
}

// GetDocumentByKey returns a document by idempotency key.
func (m *Store) GetDocumentByKey(_ context.Context, key string) (*fiscal.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docID, ok := m.byKey[key]
	if !ok {
		return nil, tally.ErrDocumentNotFound
	}
	return m.docs[docID].Clone(), nil
}

// ClaimDocuments moves up to limit QUEUED connector documents to
// PROCESSING under the store mutex.
func (m *Store) ClaimDocuments(_ context.Context, tenantID, storeID string, deviceID id.DeviceID, limit int, now time.Time) ([]*fiscal.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var candidates []*fiscal.Document
	for _, d := range m.docs {
		if d.Status == fiscal.StatusQueued && d.Mode == fiscal.ModeConnector &&
			d.TenantID == tenantID && d.StoreID == storeID {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]*fiscal.Document, 0, len(candidates))
	for _, d := range candidates {
		d.Status = fiscal.StatusProcessing
		d.DeviceID = deviceID
		d.Attempts++
		d.UpdatedAt = now
		out = append(out, d.Clone())
	}
	return out, nil
}

// UpdateDocument applies fn to a copy under the store mutex.
func (m *Store) UpdateDocument(_ context.Context, docID id.DocumentID, fn func(*fiscal.Document) (bool, error)) (*fiscal.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.docs[docID]
	if !ok {
		return nil, tally.ErrDocumentNotFound
	}
	next := cur.Clone()
	write, err := fn(next)
	if err != nil {
		return nil, err
	}
	if !write {
		return cur.Clone(), nil
	}
	m.docs[docID] = next
	if next.Projects() {
		key := orderKey(next.TenantID, next.OrderID)
		if prev, ok := m.orders[key]; !ok || prev.Status != fiscal.StatusSent {
			m.orders[key] = fiscal.ProjectionOf(next)
		}
	}
	return next.Clone(), nil
}

// DueAdapterRetries returns adapter documents that are FAILED and due,
// or PROCESSING with an expired lease.
func (m *Store) DueAdapterRetries(_ context.Context, now time.Time, limit int) ([]*fiscal.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*fiscal.Document
	for _, d := range m.docs {
		if d.Mode == fiscal.ModeAdapter && adapterDue(d, now) {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NextRetryAt.Before(*out[j].NextRetryAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func adapterDue(d *fiscal.Document, now time.Time) bool {
	if d.Status != fiscal.StatusFailed && d.Status != fiscal.StatusProcessing {
		return false
	}
	return d.NextRetryAt != nil && !d.NextRetryAt.After(now)
}

// GetOrderStatus returns the order projection.
func (m *Store) GetOrderStatus(_ context.Context, tenantID, orderID string) (*fiscal.OrderStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderKey(tenantID, orderID)]
	if !ok {
		return nil, tally.ErrDocumentNotFound
	}
	cp := *o
	return &cp, nil
}

func orderKey(tenantID, orderID string) string { return tenantID + "\x00" + orderID }

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
