package cron

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/xraph/tally/job"
)

// ErrDuplicateEntry is returned when an entry name is already registered.
var ErrDuplicateEntry = errors.New("cron: duplicate entry name")

// ErrUnknownEntry is returned by Enable and Disable for unknown names.
var ErrUnknownEntry = errors.New("cron: unknown entry")

// Submitter starts a task run without waiting for it.
// *runner.Runner satisfies this interface.
type Submitter interface {
	Submit(ctx context.Context, name string, payload []byte) (<-chan *job.Result, error)
}

// Emitter emits cron lifecycle events.
// ext.Registry satisfies this interface via EmitCronFired.
type Emitter interface {
	EmitCronFired(ctx context.Context, entryName, task string)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler checks for due entries.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// WithEmitter sets the hook emitter.
func WithEmitter(e Emitter) SchedulerOption {
	return func(s *Scheduler) { s.emitter = e }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

type slot struct {
	entry Entry
	sched cronlib.Schedule
}

// Scheduler fires registered tasks on cron schedules. It runs in every
// instance: the runner's per-task lock lets exactly one instance execute
// each fire and the others record a skipped run.
type Scheduler struct {
	submit  Submitter
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	tickInterval time.Duration

	mu      sync.Mutex
	entries map[string]*slot

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler that fires through submit.
func NewScheduler(submit Submitter, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		submit:       submit,
		logger:       slog.Default(),
		now:          time.Now,
		tickInterval: time.Second,
		entries:      make(map[string]*slot),
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers an enabled entry. The first fire is the schedule's next
// activation after now.
func (s *Scheduler) Add(name, schedule, task string, payload []byte) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("cron: parse %q: %w", schedule, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}
	next := sched.Next(s.now().UTC())
	s.entries[name] = &slot{
		entry: Entry{
			Name:      name,
			Schedule:  schedule,
			Task:      task,
			Payload:   payload,
			Enabled:   true,
			NextRunAt: &next,
		},
		sched: sched,
	}
	return nil
}

// Register adds a typed definition, marshaling its payload to JSON.
func Register[T any](s *Scheduler, def Definition[T]) error {
	payload, err := json.Marshal(def.Payload)
	if err != nil {
		return fmt.Errorf("cron: marshal payload for %q: %w", def.Name, err)
	}
	return s.Add(def.Name, def.Schedule, def.Task, payload)
}

// Enable resumes firing an entry from its next activation.
func (s *Scheduler) Enable(name string) error {
	return s.setEnabled(name, true)
}

// Disable stops firing an entry.
func (s *Scheduler) Disable(name string) error {
	return s.setEnabled(name, false)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	if enabled && !sl.entry.Enabled {
		next := sl.sched.Next(s.now().UTC())
		sl.entry.NextRunAt = &next
	}
	sl.entry.Enabled = enabled
	return nil
}

// Entries returns a snapshot of all entries ordered by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.entries))
	for _, sl := range s.entries {
		out = append(out, sl.entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.wg.Add(1)
	go s.tickLoop(ctx)
	s.logger.Info("cron scheduler started",
		slog.Duration("tick_interval", s.tickInterval),
	)
	return nil
}

// Stop signals the scheduler to stop and waits for the tick loop and
// for result collection of fired runs.
func (s *Scheduler) Stop(_ context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
	return nil
}

// tickLoop fires on each tick interval and processes due entries.
func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().UTC()

	var due []Entry
	s.mu.Lock()
	for _, sl := range s.entries {
		e := &sl.entry
		if !e.Enabled || e.NextRunAt == nil || e.NextRunAt.After(now) {
			continue
		}
		// Missed activations collapse into one fire.
		next := sl.sched.Next(now)
		e.NextRunAt = &next
		at := now
		e.LastRunAt = &at
		due = append(due, *e)
	}
	s.mu.Unlock()

	for _, e := range due {
		s.fire(ctx, e)
	}
}

func (s *Scheduler) fire(ctx context.Context, e Entry) {
	results, err := s.submit.Submit(ctx, e.Task, e.Payload)
	if err != nil {
		s.logger.Error("cron fire failed",
			slog.String("cron_name", e.Name),
			slog.String("task", e.Task),
			slog.String("error", err.Error()),
		)
		return
	}

	if s.emitter != nil {
		s.emitter.EmitCronFired(ctx, e.Name, e.Task)
	}
	s.logger.Info("cron fired",
		slog.String("cron_name", e.Name),
		slog.String("task", e.Task),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res := <-results
		if res == nil {
			return
		}
		s.logger.Debug("cron run finished",
			slog.String("cron_name", e.Name),
			slog.String("task", e.Task),
			slog.String("outcome", string(res.Outcome)),
		)
	}()
}
