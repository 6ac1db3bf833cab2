package cron_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/xraph/tally/cron"
	"github.com/xraph/tally/dlq"
	"github.com/xraph/tally/job"
	"github.com/xraph/tally/lock"
	"github.com/xraph/tally/runner"
	"github.com/xraph/tally/store/memory"
)

// stubEmitter records EmitCronFired calls.
type stubEmitter struct {
	mu    sync.Mutex
	calls []string
}

func (e *stubEmitter) EmitCronFired(_ context.Context, entryName, _ string) {
	e.mu.Lock()
	e.calls = append(e.calls, entryName)
	e.mu.Unlock()
}

func (e *stubEmitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

// submitSpy records Submit calls and completes each run at once.
type submitSpy struct {
	mu       sync.Mutex
	tasks    []string
	payloads [][]byte
	err      error
}

func (s *submitSpy) Submit(_ context.Context, name string, payload []byte) (<-chan *job.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.tasks = append(s.tasks, name)
	s.payloads = append(s.payloads, payload)
	ch := make(chan *job.Result, 1)
	ch <- &job.Result{Task: name, Outcome: job.OutcomeCompleted}
	close(ch)
	return ch, nil
}

func (s *submitSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func start(t *testing.T, s *cron.Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
}

// ──────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────

func TestAdd_RejectsBadScheduleAndDuplicates(t *testing.T) {
	s := cron.NewScheduler(&submitSpy{})

	if err := s.Add("bad", "not a schedule", "task", nil); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.Add("nightly", "0 3 * * *", "export", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("nightly", "@every 1m", "export", nil); !errors.Is(err, cron.ErrDuplicateEntry) {
		t.Fatalf("duplicate: err = %v", err)
	}
	if err := s.Disable("missing"); !errors.Is(err, cron.ErrUnknownEntry) {
		t.Fatalf("unknown: err = %v", err)
	}
}

func TestRegister_MarshalsTypedPayload(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := cron.NewScheduler(&submitSpy{}, cron.WithClock(c.Now))

	type sweep struct {
		Limit int `json:"limit"`
	}
	if err := cron.Register(s, cron.Definition[sweep]{
		Name: "sweep", Schedule: "@every 1m", Task: "fiscal.sweep", Payload: sweep{Limit: 25},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	entries := s.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	e := entries[0]
	if string(e.Payload) != `{"limit":25}` || !e.Enabled {
		t.Fatalf("entry = %+v", e)
	}
	if want := c.Now().Add(time.Minute); !e.NextRunAt.Equal(want) {
		t.Fatalf("next = %v, want %v", e.NextRunAt, want)
	}
}

// ──────────────────────────────────────────────────
// Firing
// ──────────────────────────────────────────────────

func TestScheduler_FiresDueEntries(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	spy := &submitSpy{}
	emitter := &stubEmitter{}
	s := cron.NewScheduler(spy,
		cron.WithClock(c.Now),
		cron.WithEmitter(emitter),
		cron.WithTickInterval(2*time.Millisecond),
	)
	if err := s.Add("sweep", "@every 1m", "fiscal.sweep", []byte(`{}`)); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("report", "@every 1h", "report", nil); err != nil {
		t.Fatalf("Add: %v", err)
	}
	start(t, s)

	time.Sleep(20 * time.Millisecond)
	if spy.count() != 0 {
		t.Fatalf("fired before due: %d", spy.count())
	}

	// Ten missed activations collapse into one fire.
	c.Advance(10 * time.Minute)
	waitFor(t, "sweep fire", func() bool { return spy.count() == 1 })
	time.Sleep(20 * time.Millisecond)

	if spy.count() != 1 {
		t.Fatalf("fires = %d, want 1", spy.count())
	}
	if spy.tasks[0] != "fiscal.sweep" {
		t.Fatalf("task = %q", spy.tasks[0])
	}
	if emitter.count() != 1 {
		t.Fatalf("emits = %d", emitter.count())
	}

	for _, e := range s.Entries() {
		if e.Name == "sweep" && (e.LastRunAt == nil || !e.NextRunAt.After(c.Now())) {
			t.Fatalf("sweep bookkeeping = %+v", e)
		}
	}
}

func TestScheduler_DisabledEntriesDoNotFire(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	spy := &submitSpy{}
	s := cron.NewScheduler(spy, cron.WithClock(c.Now), cron.WithTickInterval(2*time.Millisecond))
	s.Add("sweep", "@every 1m", "fiscal.sweep", nil)
	if err := s.Disable("sweep"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	start(t, s)

	c.Advance(5 * time.Minute)
	time.Sleep(30 * time.Millisecond)
	if spy.count() != 0 {
		t.Fatalf("disabled entry fired %d times", spy.count())
	}

	if err := s.Enable("sweep"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if spy.count() != 0 {
		t.Fatal("re-enabled entry fired for a past activation")
	}
	c.Advance(time.Minute)
	waitFor(t, "fire after enable", func() bool { return spy.count() == 1 })
}

func TestScheduler_SubmitErrorIsAbsorbed(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	spy := &submitSpy{err: errors.New("lock store unavailable")}
	emitter := &stubEmitter{}
	s := cron.NewScheduler(spy, cron.WithClock(c.Now), cron.WithEmitter(emitter), cron.WithTickInterval(2*time.Millisecond))
	s.Add("sweep", "@every 1m", "fiscal.sweep", nil)
	start(t, s)

	c.Advance(time.Minute)
	time.Sleep(30 * time.Millisecond)
	if emitter.count() != 0 {
		t.Fatalf("emitted %d fires for failed submissions", emitter.count())
	}
}

func TestScheduler_InstancesShareTheTaskLock(t *testing.T) {
	locks, err := lock.NewManager(lock.NewArena())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	reg := job.NewRegistry()
	var runs atomic.Int32
	release := make(chan struct{})
	reg.Register("rebuild", func(ctx context.Context, _ []byte) (job.Details, error) {
		runs.Add(1)
		<-release
		return nil, nil
	}, job.Options{})
	run := runner.New(reg, locks, dlq.NewService(memory.New()))

	c := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	a := cron.NewScheduler(run, cron.WithClock(c.Now), cron.WithTickInterval(2*time.Millisecond))
	b := cron.NewScheduler(run, cron.WithClock(c.Now), cron.WithTickInterval(2*time.Millisecond))
	for _, s := range []*cron.Scheduler{a, b} {
		if err := s.Add("rebuild", "@every 1m", "rebuild", nil); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	start(t, a)
	start(t, b)

	c.Advance(time.Minute)
	waitFor(t, "one run", func() bool { return runs.Load() == 1 })
	waitFor(t, "both fired", func() bool {
		return a.Entries()[0].LastRunAt != nil && b.Entries()[0].LastRunAt != nil
	})
	close(release)
	if err := run.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if got := runs.Load(); got != 1 {
		t.Fatalf("runs = %d, want 1", got)
	}
}
