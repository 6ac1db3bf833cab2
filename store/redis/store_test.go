package redis_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/tally"
	"github.com/xraph/tally/backoff"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/event"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/lock"
	redisstore "github.com/xraph/tally/store/redis"
)

func setup(t *testing.T) (*miniredis.Miniredis, *redisstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return mr, redisstore.New(client)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// ──────────────────────────────────────────────────
// Lock
// ──────────────────────────────────────────────────

func TestLock_OwnerTokenGuardsEveryMutation(t *testing.T) {
	mr, s := setup(t)
	ctx := context.Background()

	ok, err := s.TryAcquire(ctx, "daily-report", "owner-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.TryAcquire(ctx, "daily-report", "owner-b", time.Minute); ok {
		t.Fatal("second owner acquired a held lock")
	}
	if got, _ := mr.Get("tally:lock:daily-report"); got != "owner-a" {
		t.Fatalf("lock value = %q", got)
	}

	if ok, _ := s.Extend(ctx, "daily-report", "owner-b", time.Hour); ok {
		t.Fatal("non-owner extended")
	}
	if ok, err := s.Extend(ctx, "daily-report", "owner-a", time.Hour); err != nil || !ok {
		t.Fatalf("owner extend: ok=%v err=%v", ok, err)
	}
	if ttl := mr.TTL("tally:lock:daily-report"); ttl != time.Hour {
		t.Fatalf("ttl after extend = %s, want 1h", ttl)
	}

	if ok, _ := s.Release(ctx, "daily-report", "owner-b"); ok {
		t.Fatal("non-owner released")
	}
	if !mr.Exists("tally:lock:daily-report") {
		t.Fatal("lock removed by non-owner")
	}
	if ok, err := s.Release(ctx, "daily-report", "owner-a"); err != nil || !ok {
		t.Fatalf("owner release: ok=%v err=%v", ok, err)
	}
	if ok, _ := s.Release(ctx, "daily-report", "owner-a"); ok {
		t.Fatal("double release reported success")
	}
}

func TestLock_ExpiredLockIsReacquirable(t *testing.T) {
	mr, s := setup(t)
	ctx := context.Background()

	if ok, _ := s.TryAcquire(ctx, "sync", "a", 30*time.Second); !ok {
		t.Fatal("acquire failed")
	}
	mr.FastForward(31 * time.Second)

	if ok, _ := s.Extend(ctx, "sync", "a", time.Minute); ok {
		t.Fatal("expired owner renewed")
	}
	if ok, _ := s.TryAcquire(ctx, "sync", "b", time.Minute); !ok {
		t.Fatal("expired lock not acquirable")
	}
}

func TestLock_ManagerSingleWinner(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()
	m, err := lock.NewManager(s, lock.WithEnvironment(tally.EnvProduction))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := m.Acquire(ctx, "reindex", time.Minute)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestLock_OutageIsUnavailableInProduction(t *testing.T) {
	mr, s := setup(t)
	m, err := lock.NewManager(s, lock.WithEnvironment(tally.EnvProduction))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mr.Close()

	_, ok, err := m.Acquire(context.Background(), "reindex", time.Minute)
	if ok {
		t.Fatal("acquired with the store down")
	}
	if !errors.Is(err, tally.ErrLockStoreUnavailable) {
		t.Fatalf("err = %v, want ErrLockStoreUnavailable", err)
	}
}

func TestLock_OutageFallsBackOutsideProduction(t *testing.T) {
	mr, s := setup(t)
	m, err := lock.NewManager(s, lock.WithFallback(lock.NewArena()))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	mr.Close()

	h, ok, err := m.Acquire(context.Background(), "reindex", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Acquire: ok=%v err=%v", ok, err)
	}
	if h.Backend != lock.BackendFallback {
		t.Fatalf("backend = %s, want fallback", h.Backend)
	}
	if err := m.Release(context.Background(), h); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

// ──────────────────────────────────────────────────
// DLQ
// ──────────────────────────────────────────────────

func TestDLQ_ListNewestFirstWithFilters(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	push := func(name, tenant string, at time.Time) *dlq.Entry {
		e := &dlq.Entry{
			ID: id.NewDLQID(), TenantID: tenant, JobName: name,
			Payload: []byte(`{}`), Attempts: 3, Error: "boom",
			FailedAt: at, CreatedAt: at,
		}
		if err := s.PushDLQ(ctx, e); err != nil {
			t.Fatalf("PushDLQ: %v", err)
		}
		return e
	}
	old := push("export", "t1", base)
	mid := push("import", "t2", base.Add(time.Minute))
	recent := push("export", "t1", base.Add(2*time.Minute))

	all, err := s.ListDLQ(ctx, dlq.ListOpts{})
	if err != nil {
		t.Fatalf("ListDLQ: %v", err)
	}
	if len(all) != 3 || all[0].ID != recent.ID || all[2].ID != old.ID {
		t.Fatalf("order = %v", ids(all))
	}

	exports, _ := s.ListDLQ(ctx, dlq.ListOpts{JobName: "export"})
	if len(exports) != 2 {
		t.Fatalf("export filter = %d entries", len(exports))
	}
	t2, _ := s.ListDLQ(ctx, dlq.ListOpts{TenantID: "t2"})
	if len(t2) != 1 || t2[0].ID != mid.ID {
		t.Fatalf("tenant filter = %v", ids(t2))
	}
	page, _ := s.ListDLQ(ctx, dlq.ListOpts{Offset: 1, Limit: 1})
	if len(page) != 1 || page[0].ID != mid.ID {
		t.Fatalf("page = %v", ids(page))
	}
	if past, _ := s.ListDLQ(ctx, dlq.ListOpts{Offset: 5}); len(past) != 0 {
		t.Fatalf("offset past end = %d entries", len(past))
	}

	got, err := s.GetDLQ(ctx, old.ID)
	if err != nil {
		t.Fatalf("GetDLQ: %v", err)
	}
	if got.Attempts != 3 || got.TenantID != "t1" || !got.FailedAt.Equal(base) {
		t.Fatalf("entry = %+v", got)
	}
}

func TestDLQ_ReplayPurgeCount(t *testing.T) {
	_, s := setup(t)
	ctx := context.Background()
	svc := dlq.NewService(s)

	e, err := svc.Push(ctx, "export", []byte(`{"tenantId":"t1"}`), 3, errors.New("boom"))
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	at := time.Now().UTC()
	if err := s.ReplayDLQ(ctx, e.ID, at); err != nil {
		t.Fatalf("ReplayDLQ: %v", err)
	}
	got, _ := s.GetDLQ(ctx, e.ID)
	if got.ReplayedAt == nil || !got.ReplayedAt.Equal(at) {
		t.Fatalf("replayed_at = %v, want %v", got.ReplayedAt, at)
	}
	if err := s.ReplayDLQ(ctx, id.NewDLQID(), at); !errors.Is(err, tally.ErrDLQNotFound) {
		t.Fatalf("replay missing: err = %v", err)
	}
	if _, err := s.GetDLQ(ctx, id.NewDLQID()); !errors.Is(err, tally.ErrDLQNotFound) {
		t.Fatalf("get missing: err = %v", err)
	}

	if n, _ := s.CountDLQ(ctx); n != 1 {
		t.Fatalf("count = %d", n)
	}
	if n, _ := s.PurgeDLQ(ctx, e.FailedAt); n != 0 {
		t.Fatalf("purge at FailedAt removed %d, want 0", n)
	}
	if n, _ := s.PurgeDLQ(ctx, e.FailedAt.Add(time.Second)); n != 1 {
		t.Fatalf("purge removed %d, want 1", n)
	}
	if n, _ := s.CountDLQ(ctx); n != 0 {
		t.Fatalf("count after purge = %d", n)
	}
}

func ids(es []*dlq.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.ID.String()
	}
	return out
}

// ──────────────────────────────────────────────────
// Channel
// ──────────────────────────────────────────────────

var opened = event.ShiftOpened{ShiftID: "sh-1", StoreID: "st-1", RegisterID: "r-1"}

type inbox struct {
	mu  sync.Mutex
	got []event.Event
}

func (in *inbox) listen(_ context.Context, e event.Event) {
	in.mu.Lock()
	in.got = append(in.got, e)
	in.mu.Unlock()
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.got)
}

// closeWithin fails the test if closing takes longer than a second.
func closeWithin(t *testing.T, what string, closeFn func() error) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- closeFn() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("close %s: %v", what, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close %s did not return within 1s", what)
	}
}

func TestChannel_SubscriptionCloseReturnsPromptly(t *testing.T) {
	_, s := setup(t)
	sub, err := s.Channel("").Subscribe(context.Background(), func([]byte) {})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	closeWithin(t, "subscription", sub.Close)
	select {
	case <-sub.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
	if sub.Err() != nil {
		t.Fatalf("Err after Close = %v", sub.Err())
	}
}

func TestChannel_RelaysBetweenBusesWithoutEcho(t *testing.T) {
	_, s := setup(t)
	a := event.NewBroadcastBus(s.Channel(""))
	b := event.NewBroadcastBus(s.Channel(""))
	defer closeWithin(t, "bus b", b.Close)
	defer closeWithin(t, "bus a", a.Close)

	var atA, atB inbox
	a.Subscribe(atA.listen)
	b.Subscribe(atB.listen)

	a.Publish(context.Background(), opened)

	waitFor(t, "remote delivery", func() bool { return atB.len() == 1 })
	if atA.len() != 1 {
		t.Fatalf("publisher saw %d events, want 1 (local only)", atA.len())
	}
	time.Sleep(50 * time.Millisecond)
	if atA.len() != 1 {
		t.Fatalf("publisher saw its own echo: %d events", atA.len())
	}
	if got := atB.got[0]; got != opened {
		t.Fatalf("remote got %#v", got)
	}
}

func TestChannel_BusRecoversAfterRedisRestart(t *testing.T) {
	mr, s := setup(t)
	recovery := event.WithRecovery(backoff.NewConstant(20 * time.Millisecond))
	a := event.NewBroadcastBus(s.Channel(""), recovery)
	b := event.NewBroadcastBus(s.Channel(""), recovery)
	defer closeWithin(t, "bus b", b.Close)
	defer closeWithin(t, "bus a", a.Close)

	var atA, atB inbox
	a.Subscribe(atA.listen)
	b.Subscribe(atB.listen)

	mr.Close()
	a.Publish(context.Background(), opened)
	if atA.len() != 1 {
		t.Fatal("local delivery lost during outage")
	}
	waitFor(t, "a unhealthy", func() bool { return a.State() == event.Unhealthy })

	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, "both healthy", func() bool {
		return a.State() == event.Healthy && b.State() == event.Healthy
	})

	// Subscriptions are re-established by recovery; publish until one lands.
	waitFor(t, "delivery after recovery", func() bool {
		a.Publish(context.Background(), opened)
		return atB.len() > 0
	})
}

func TestChannel_BusRecoversAfterPublishFailureWhileSubscribed(t *testing.T) {
	mr, s := setup(t)
	recovery := event.WithRecovery(backoff.NewConstant(20 * time.Millisecond))
	a := event.NewBroadcastBus(s.Channel(""), recovery)
	b := event.NewBroadcastBus(s.Channel(""), recovery)
	defer closeWithin(t, "bus b", b.Close)
	defer closeWithin(t, "bus a", a.Close)

	var atA, atB inbox
	a.Subscribe(atA.listen)
	b.Subscribe(atB.listen)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	a.Publish(context.Background(), opened)
	if a.State() != event.Unhealthy {
		t.Fatalf("state = %v after failed publish, want unhealthy", a.State())
	}
	mr.SetError("")

	waitFor(t, "a healthy again", func() bool { return a.State() == event.Healthy })
	updated := event.PurchaseOrderUpdated{PurchaseOrderID: "po-2", Status: "SENT"}
	waitFor(t, "relay after recovery", func() bool {
		a.Publish(context.Background(), updated)
		return atB.len() > 0
	})
}

func TestChannel_CanceledPublisherKeepsBusHealthy(t *testing.T) {
	_, s := setup(t)
	a := event.NewBroadcastBus(s.Channel(""))
	b := event.NewBroadcastBus(s.Channel(""))
	defer closeWithin(t, "bus b", b.Close)
	defer closeWithin(t, "bus a", a.Close)

	var atB inbox
	b.Subscribe(atB.listen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Publish(ctx, opened)
	if a.State() != event.Healthy {
		t.Fatalf("state = %v, lastErr = %v; want healthy", a.State(), a.LastError())
	}
	waitFor(t, "remote delivery", func() bool { return atB.len() == 1 })
}

func TestChannel_RelaysMsgpackEnvelopes(t *testing.T) {
	_, s := setup(t)
	a := event.NewBroadcastBus(s.Channel(""), event.WithCodec(event.MsgpackCodec{}))
	b := event.NewBroadcastBus(s.Channel(""))
	defer closeWithin(t, "bus b", b.Close)
	defer closeWithin(t, "bus a", a.Close)

	var atB inbox
	b.Subscribe(atB.listen)
	a.Subscribe(func(context.Context, event.Event) {})

	a.Publish(context.Background(), opened)
	waitFor(t, "msgpack relay", func() bool { return atB.len() == 1 })
}
