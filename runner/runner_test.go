package runner_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/ext"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/runner"
	"github.com/xraph/tally/store/memory"
)

// ──────────────────────────────────────────────────
// Test helpers
// ──────────────────────────────────────────────────

// stepClock records retry delays. Unless hold is set, callbacks fire at
// once on their own goroutine.
type stepClock struct {
	mu     sync.Mutex
	hold   bool
	delays []time.Duration
	timers []*stepTimer
}

type stepTimer struct {
	mu      sync.Mutex
	f       func()
	fired   bool
	stopped bool
}

func (t *stepTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()
	t.f()
}

func (t *stepTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

func (c *stepClock) Now() time.Time { return time.Now() }

func (c *stepClock) AfterFunc(d time.Duration, f func()) runner.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delays = append(c.delays, d)
	t := &stepTimer{f: f}
	c.timers = append(c.timers, t)
	if !c.hold {
		go t.fire()
	}
	return t
}

func (c *stepClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func (c *stepClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// outcomeRecorder counts TaskFinished calls per outcome.
type outcomeRecorder struct {
	mu       sync.Mutex
	outcomes []job.Outcome
	retries  int
}

func (o *outcomeRecorder) Name() string { return "recorder" }

func (o *outcomeRecorder) OnTaskFinished(_ context.Context, res *job.Result) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, res.Outcome)
	return nil
}

func (o *outcomeRecorder) OnTaskRetrying(_ context.Context, _ job.Attempt, _ error, _ time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retries++
	return nil
}

func (o *outcomeRecorder) snapshot() ([]job.Outcome, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]job.Outcome(nil), o.outcomes...), o.retries
}

type harness struct {
	reg    *job.Registry
	arena  *lock.Arena
	locks  *lock.Manager
	store  *memory.Store
	clock  *stepClock
	rec    *outcomeRecorder
	runner *runner.Runner
}

func newHarness(t *testing.T, opts ...runner.Option) *harness {
	t.Helper()
	h := &harness{
		reg:   job.NewRegistry(),
		arena: lock.NewArena(),
		store: memory.New(),
		clock: &stepClock{},
		rec:   &outcomeRecorder{},
	}
	var err error
	h.locks, err = lock.NewManager(h.arena, lock.WithEnvironment(tally.EnvTest))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	exts := ext.NewRegistry(slog.Default())
	exts.Register(h.rec)
	opts = append([]runner.Option{runner.WithClock(h.clock), runner.WithExtensions(exts)}, opts...)
	h.runner = runner.New(h.reg, h.locks, dlq.NewService(h.store), opts...)
	return h
}

func (h *harness) dlqCount(t *testing.T) int64 {
	t.Helper()
	n, err := h.store.CountDLQ(context.Background())
	if err != nil {
		t.Fatalf("CountDLQ: %v", err)
	}
	return n
}

type exportInput struct {
	TenantID string `json:"tenantId"`
	Day      string `json:"day"`
}

// ──────────────────────────────────────────────────
// Tests
// ──────────────────────────────────────────────────

func TestRun_CompletesFirstAttempt(t *testing.T) {
	h := newHarness(t)
	job.RegisterDefinition(h.reg, job.NewDefinition("nightly-export",
		func(_ context.Context, in exportInput) (job.Details, error) {
			return job.Details{"day": in.Day}, nil
		}))

	res, err := h.runner.Run(context.Background(), "nightly-export", []byte(`{"day":"2026-10-16"}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != job.OutcomeCompleted || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if res.Details["day"] != "2026-10-16" {
		t.Errorf("details = %v", res.Details)
	}
	if h.arena.Len() != 0 {
		t.Error("lock not released after completion")
	}
	if n := h.dlqCount(t); n != 0 {
		t.Errorf("dlq entries = %d, want 0", n)
	}
}

func TestRun_SucceedsOnLaterAttempt(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("flaky",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("upstream 503")
			}
			return nil, nil
		}))

	res, err := h.runner.Run(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != job.OutcomeCompleted || res.Attempts != 3 {
		t.Fatalf("result = %+v", res)
	}
	if n := h.dlqCount(t); n != 0 {
		t.Errorf("dlq entries = %d, want 0", n)
	}
	outcomes, retries := h.rec.snapshot()
	if len(outcomes) != 1 || outcomes[0] != job.OutcomeCompleted {
		t.Errorf("outcomes = %v, want exactly one completed", outcomes)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestRun_ExhaustsAttemptsWithDoublingDelay(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("always-fails",
		func(_ context.Context, _ exportInput) (job.Details, error) {
			calls.Add(1)
			return nil, errors.New("disk full")
		},
		job.WithMaxAttempts(4),
		job.WithBaseDelay(time.Second),
	))

	payload := []byte(`{"tenantId":"t1","day":"2026-10-16"}`)
	res, err := h.runner.Run(context.Background(), "always-fails", payload)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := calls.Load(); got != 4 {
		t.Fatalf("handler calls = %d, want 4", got)
	}
	if res.Outcome != job.OutcomeDeadLettered || res.Attempts != 4 {
		t.Fatalf("result = %+v", res)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := h.clock.Delays()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}

	entries, _ := h.store.ListDLQ(context.Background(), dlq.ListOpts{})
	if len(entries) != 1 {
		t.Fatalf("dlq entries = %d, want exactly 1", len(entries))
	}
	e := entries[0]
	if e.ID != res.DeadLetterID {
		t.Errorf("DeadLetterID = %v, entry = %v", res.DeadLetterID, e.ID)
	}
	if e.JobName != "always-fails" || e.Attempts != 4 || e.Error != "disk full" || e.TenantID != "t1" {
		t.Errorf("entry = %+v", e)
	}
	if string(e.Payload) != string(payload) {
		t.Errorf("payload = %s", e.Payload)
	}
	if h.arena.Len() != 0 {
		t.Error("lock not released after dead-lettering")
	}
	outcomes, _ := h.rec.snapshot()
	if len(outcomes) != 1 || outcomes[0] != job.OutcomeDeadLettered {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestRun_DefaultBudgetIsThree(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("fails",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			calls.Add(1)
			return nil, errors.New("nope")
		}))

	res, _ := h.runner.Run(context.Background(), "fails", nil)
	if calls.Load() != 3 || res.Outcome != job.OutcomeDeadLettered {
		t.Fatalf("calls = %d, result = %+v", calls.Load(), res)
	}
	got := h.clock.Delays()
	if len(got) != 2 || got[0] != time.Second || got[1] != 2*time.Second {
		t.Errorf("delays = %v, want [1s 2s]", got)
	}
}

func TestRun_PermanentErrorSkipsRetries(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("strict",
		func(_ context.Context, in exportInput) (job.Details, error) {
			calls.Add(1)
			return nil, nil
		}))

	res, err := h.runner.Run(context.Background(), "strict", []byte(`{"bogus":true}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("handler ran with an invalid payload")
	}
	if res.Outcome != job.OutcomeDeadLettered || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	if !errors.Is(res.Err, tally.ErrInvalidPayload) {
		t.Errorf("Err = %v, want ErrInvalidPayload", res.Err)
	}
	if len(h.clock.Delays()) != 0 {
		t.Error("permanent error was rescheduled")
	}
	if n := h.dlqCount(t); n != 1 {
		t.Errorf("dlq entries = %d, want 1", n)
	}
}

func TestRun_PanicCountsAsFailure(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("panics",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			if calls.Add(1) == 1 {
				panic("nil map")
			}
			return nil, nil
		}))

	res, _ := h.runner.Run(context.Background(), "panics", nil)
	if res.Outcome != job.OutcomeCompleted || res.Attempts != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRun_UnknownTaskSkipped(t *testing.T) {
	h := newHarness(t)

	res, err := h.runner.Run(context.Background(), "missing", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != job.OutcomeSkippedUnknown {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if h.arena.Len() != 0 {
		t.Error("unknown task took a lock")
	}
	outcomes, _ := h.rec.snapshot()
	if len(outcomes) != 1 || outcomes[0] != job.OutcomeSkippedUnknown {
		t.Errorf("outcomes = %v", outcomes)
	}
}

func TestRun_LockedTaskSkipped(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("nightly-export",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			calls.Add(1)
			return nil, nil
		}))

	other, _ := lock.NewManager(h.arena)
	held, ok, _ := other.Acquire(context.Background(), "nightly-export", time.Minute)
	if !ok {
		t.Fatal("setup acquire failed")
	}

	res, err := h.runner.Run(context.Background(), "nightly-export", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != job.OutcomeSkippedLocked {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if calls.Load() != 0 {
		t.Error("handler ran while another owner held the lock")
	}
	if renewed, _ := other.Renew(context.Background(), held); !renewed {
		t.Error("skipped run disturbed the holder's lock")
	}
}

func TestRun_ConcurrentRunsExclusive(t *testing.T) {
	h := newHarness(t)
	var active, maxActive atomic.Int32
	job.RegisterDefinition(h.reg, job.NewDefinition("exclusive",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			n := active.Add(1)
			for {
				m := maxActive.Load()
				if n <= m || maxActive.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			active.Add(-1)
			return nil, nil
		}))

	var wg sync.WaitGroup
	var completed atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.runner.Run(context.Background(), "exclusive", nil)
			if err == nil && res.Outcome == job.OutcomeCompleted {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	if maxActive.Load() != 1 {
		t.Errorf("max concurrent handlers = %d, want 1", maxActive.Load())
	}
	if completed.Load() < 1 {
		t.Error("no run completed")
	}
	outcomes, _ := h.rec.snapshot()
	if len(outcomes) != 8 {
		t.Errorf("finished hooks = %d, want 8", len(outcomes))
	}
}

// stealingStore wraps an Arena and rejects every renewal, as if another
// owner took the lock after expiry.
type stealingStore struct {
	*lock.Arena
}

func (stealingStore) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, nil
}

func TestRun_LockLostCancelsRun(t *testing.T) {
	reg := job.NewRegistry()
	store := memory.New()
	locks, _ := lock.NewManager(stealingStore{lock.NewArena()})
	r := runner.New(reg, locks, dlq.NewService(store))

	job.RegisterDefinition(reg, job.NewDefinition("long",
		func(ctx context.Context, _ struct{}) (job.Details, error) {
			<-ctx.Done()
			return nil, context.Cause(ctx)
		},
		job.WithLockTTL(30*time.Millisecond),
	))

	res, err := r.Run(context.Background(), "long", nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Outcome != job.OutcomeLockLost {
		t.Fatalf("Outcome = %s, want lock_lost", res.Outcome)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if !errors.Is(res.Err, tally.ErrLockLost) {
		t.Errorf("Err = %v, want ErrLockLost", res.Err)
	}
	if n, _ := store.CountDLQ(context.Background()); n != 0 {
		t.Errorf("lock loss was dead-lettered")
	}
}

func TestRun_RenewalKeepsLongTaskAlive(t *testing.T) {
	h := newHarness(t)
	job.RegisterDefinition(h.reg, job.NewDefinition("slow",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			time.Sleep(150 * time.Millisecond)
			return nil, nil
		},
		job.WithLockTTL(45*time.Millisecond),
	))

	results, err := h.runner.Submit(context.Background(), "slow", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Past the original TTL the lock must still be held.
	time.Sleep(90 * time.Millisecond)
	if res, _ := h.runner.Run(context.Background(), "slow", nil); res.Outcome != job.OutcomeSkippedLocked {
		t.Errorf("second run outcome = %s, want skipped_locked", res.Outcome)
	}

	res := <-results
	if res.Outcome != job.OutcomeCompleted {
		t.Fatalf("Outcome = %s", res.Outcome)
	}
	if h.arena.Len() != 0 {
		t.Error("lock not released")
	}
}

func TestRun_ProductionLockOutageIsError(t *testing.T) {
	reg := job.NewRegistry()
	job.RegisterDefinition(reg, job.NewDefinition("x",
		func(_ context.Context, _ struct{}) (job.Details, error) { return nil, nil }))
	locks, err := lock.NewManager(downStore{}, lock.WithEnvironment(tally.EnvProduction))
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	r := runner.New(reg, locks, nil)

	_, err = r.Run(context.Background(), "x", nil)
	if !errors.Is(err, tally.ErrLockStoreUnavailable) {
		t.Fatalf("err = %v, want ErrLockStoreUnavailable", err)
	}
}

type downStore struct{}

func (downStore) TryAcquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (downStore) Extend(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func (downStore) Release(context.Context, string, string) (bool, error) {
	return false, errors.New("connection refused")
}

func TestSubmit_CancelDuringBackoff(t *testing.T) {
	h := newHarness(t)
	h.clock.hold = true
	job.RegisterDefinition(h.reg, job.NewDefinition("fails",
		func(_ context.Context, _ struct{}) (job.Details, error) {
			return nil, errors.New("nope")
		}))

	ctx, cancel := context.WithCancel(context.Background())
	results, err := h.runner.Submit(ctx, "fails", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for h.clock.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("retry was never scheduled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	select {
	case res := <-results:
		if res.Outcome != job.OutcomeCanceled {
			t.Fatalf("Outcome = %s, want canceled", res.Outcome)
		}
		if res.Attempts != 1 {
			t.Errorf("Attempts = %d, want 1", res.Attempts)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not finish after cancel")
	}
	if h.arena.Len() != 0 {
		t.Error("lock not released after cancel")
	}
	if n := h.dlqCount(t); n != 0 {
		t.Error("canceled run was dead-lettered")
	}
	if err := h.runner.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestWithDefaults_AppliesToBareRegistrations(t *testing.T) {
	cfg := tally.DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.RetryBaseDelay = 3 * time.Second
	h := newHarness(t, runner.WithDefaults(cfg))

	var calls atomic.Int32
	h.reg.Register("raw", func(_ context.Context, _ []byte) (job.Details, error) {
		calls.Add(1)
		return nil, errors.New("nope")
	}, job.Options{})

	res, _ := h.runner.Run(context.Background(), "raw", nil)
	if calls.Load() != 2 || res.Outcome != job.OutcomeDeadLettered {
		t.Fatalf("calls = %d, result = %+v", calls.Load(), res)
	}
	if d := h.clock.Delays(); len(d) != 1 || d[0] != 3*time.Second {
		t.Errorf("delays = %v, want [3s]", d)
	}
}
