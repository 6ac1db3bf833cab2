package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/fiscal"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/store/memory"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func queued(store, key string, created time.Time) *fiscal.Document {
	return &fiscal.Document{
		ID:             id.NewDocumentID(),
		TenantID:       "t1",
		StoreID:        store,
		OrderID:        "order-" + key,
		IdempotencyKey: key,
		Mode:           fiscal.ModeConnector,
		Status:         fiscal.StatusQueued,
		Payload:        []byte(`{}`),
		CreatedAt:      created,
		UpdatedAt:      created,
	}
}

func TestDLQ_ListNewestFirstAndFilters(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for i, name := range []string{"export", "sweep", "export"} {
		e := &dlq.Entry{ID: id.NewDLQID(), JobName: name, TenantID: "t1", FailedAt: t0.Add(time.Duration(i) * time.Minute)}
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
	}

	all, _ := s.ListDLQ(ctx, dlq.ListOpts{})
	if len(all) != 3 || !all[0].FailedAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("list order wrong: %d entries, first failed at %v", len(all), all[0].FailedAt)
	}
	exports, _ := s.ListDLQ(ctx, dlq.ListOpts{JobName: "export", Limit: 1})
	if len(exports) != 1 || exports[0].JobName != "export" {
		t.Fatalf("filtered list = %+v", exports)
	}

	n, _ := s.PurgeDLQ(ctx, t0.Add(90*time.Second))
	if n != 2 {
		t.Fatalf("purged %d, want 2", n)
	}
	if c, _ := s.CountDLQ(ctx); c != 1 {
		t.Fatalf("count = %d, want 1", c)
	}
	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, tally.ErrDLQNotFound) {
		t.Fatalf("GetDLQ missing: err = %v", err)
	}
}

func TestClaimDocuments_ConcurrentClaimsAreDisjoint(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	const total = 40
	for i := range total {
		d := queued("s1", id.NewDocumentID().String(), t0.Add(time.Duration(i)*time.Second))
		if err := s.EnqueueDocument(ctx, d); err != nil {
			t.Fatalf("EnqueueDocument: %v", err)
		}
	}

	devA, devB := id.NewDeviceID(), id.NewDeviceID()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[id.DocumentID]id.DeviceID{}
	)
	for _, dev := range []id.DeviceID{devA, devB, devA, devB} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			docs, err := s.ClaimDocuments(ctx, "t1", "s1", dev, 15, t0)
			if err != nil {
				t.Errorf("ClaimDocuments: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, d := range docs {
				if _, dup := seen[d.ID]; dup {
					t.Errorf("document %s claimed twice", d.ID)
				}
				seen[d.ID] = dev
				if d.Status != fiscal.StatusProcessing || d.DeviceID != dev {
					t.Errorf("claimed doc not stamped: status=%s device=%s", d.Status, d.DeviceID)
				}
			}
		}()
	}
	wg.Wait()
	if len(seen) != total {
		t.Fatalf("claimed %d documents, want %d", len(seen), total)
	}
}

func TestClaimDocuments_ScopedToStoreAndOldestFirst(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	newer := queued("s1", "k-new", t0.Add(time.Minute))
	older := queued("s1", "k-old", t0)
	other := queued("s2", "k-other", t0)
	for _, d := range []*fiscal.Document{newer, older, other} {
		_ = s.EnqueueDocument(ctx, d)
	}

	docs, _ := s.ClaimDocuments(ctx, "t1", "s1", id.NewDeviceID(), 1, t0)
	if len(docs) != 1 || docs[0].ID != older.ID {
		t.Fatalf("claimed %v, want oldest document of s1", docs)
	}
	if docs[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1", docs[0].Attempts)
	}
}

func TestEnqueueDocument_DuplicateKey(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.EnqueueDocument(ctx, queued("s1", "k1", t0))
	if err := s.EnqueueDocument(ctx, queued("s1", "k1", t0)); !errors.Is(err, tally.ErrDuplicateIdempotencyKey) {
		t.Fatalf("err = %v, want ErrDuplicateIdempotencyKey", err)
	}
}

func TestUpdateDocument_ProjectionNeverOverwritesSent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	d := queued("s1", "k1", t0)
	_ = s.EnqueueDocument(ctx, d)

	_, err := s.UpdateDocument(ctx, d.ID, func(doc *fiscal.Document) (bool, error) {
		doc.Status = fiscal.StatusSent
		doc.FiscalNumber = "FN-1"
		return true, nil
	})
	if err != nil {
		t.Fatalf("UpdateDocument: %v", err)
	}
	_, _ = s.UpdateDocument(ctx, d.ID, func(doc *fiscal.Document) (bool, error) {
		doc.Status = fiscal.StatusFailed
		return true, nil
	})

	o, err := s.GetOrderStatus(ctx, "t1", d.OrderID)
	if err != nil {
		t.Fatalf("GetOrderStatus: %v", err)
	}
	if o.Status != fiscal.StatusSent || o.FiscalNumber != "FN-1" {
		t.Fatalf("projection = %+v, want SENT FN-1", o)
	}
}

func TestUpdateDocument_NoWriteAndError(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	d := queued("s1", "k1", t0)
	_ = s.EnqueueDocument(ctx, d)

	boom := errors.New("boom")
	if _, err := s.UpdateDocument(ctx, d.ID, func(doc *fiscal.Document) (bool, error) {
		doc.Status = fiscal.StatusSent
		return false, boom
	}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.UpdateDocument(ctx, d.ID, func(doc *fiscal.Document) (bool, error) {
		doc.Status = fiscal.StatusSent
		return false, nil
	})
	if got.Status != fiscal.StatusQueued {
		t.Fatalf("status = %s, discarded change was written", got.Status)
	}
	if _, err := s.GetOrderStatus(ctx, "t1", d.OrderID); !errors.Is(err, tally.ErrDocumentNotFound) {
		t.Fatalf("projection exists without a terminal write: %v", err)
	}
}

func TestRedeemPairingCode_ExactlyOnceUnderRace(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	pc := &fiscal.PairingCode{ID: id.NewPairingCodeID(), TenantID: "t1", StoreID: "s1", Code: "ABCD2345", ExpiresAt: t0.Add(10 * time.Minute)}
	if err := s.CreatePairingCode(ctx, pc); err != nil {
		t.Fatalf("CreatePairingCode: %v", err)
	}
	if err := s.CreatePairingCode(ctx, &fiscal.PairingCode{Code: "ABCD2345"}); !errors.Is(err, tally.ErrPairingCodeCollision) {
		t.Fatalf("duplicate code: err = %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		wins    int
		rejects int
	)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dev := &fiscal.Device{ID: id.NewDeviceID(), CredentialHash: fiscal.HashCredential(string(rune('a' + i))), Active: true}
			err := s.RedeemPairingCode(ctx, "ABCD2345", dev, t0.Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
				if dev.StoreID != "s1" || dev.TenantID != "t1" {
					t.Errorf("device not scoped from code: %+v", dev)
				}
			case errors.Is(err, tally.ErrInvalidPairingCode):
				rejects++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if wins != 1 || rejects != 7 {
		t.Fatalf("wins=%d rejects=%d, want 1/7", wins, rejects)
	}
}

func TestRedeemPairingCode_Expired(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_ = s.CreatePairingCode(ctx, &fiscal.PairingCode{Code: "ZZZZ2222", ExpiresAt: t0})
	err := s.RedeemPairingCode(ctx, "ZZZZ2222", &fiscal.Device{ID: id.NewDeviceID()}, t0)
	if !errors.Is(err, tally.ErrInvalidPairingCode) {
		t.Fatalf("err = %v, want ErrInvalidPairingCode", err)
	}
}

func TestDueAdapterRetries(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	due, later := t0.Add(-time.Second), t0.Add(time.Minute)
	leaseOut := t0.Add(-time.Minute)
	mk := func(key string, mode fiscal.Mode, status fiscal.Status, at *time.Time) {
		d := queued("s1", key, t0)
		d.Mode = mode
		d.Status = status
		d.NextRetryAt = at
		_ = s.EnqueueDocument(ctx, d)
	}
	mk("a", fiscal.ModeAdapter, fiscal.StatusFailed, &due)
	mk("b", fiscal.ModeAdapter, fiscal.StatusFailed, &later)
	mk("c", fiscal.ModeConnector, fiscal.StatusFailed, &due)
	mk("d", fiscal.ModeAdapter, fiscal.StatusFailed, nil)
	mk("e", fiscal.ModeAdapter, fiscal.StatusProcessing, &leaseOut)
	mk("f", fiscal.ModeAdapter, fiscal.StatusProcessing, &later)
	mk("g", fiscal.ModeAdapter, fiscal.StatusSent, &due)
	mk("h", fiscal.ModeConnector, fiscal.StatusProcessing, &leaseOut)

	docs, _ := s.DueAdapterRetries(ctx, t0, 10)
	if len(docs) != 2 || docs[0].IdempotencyKey != "e" || docs[1].IdempotencyKey != "a" {
		t.Fatalf("due = %v, want expired lease e then failed a", docs)
	}
}
