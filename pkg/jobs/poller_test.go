package jobs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/synaptiq/graphchat/pkg/api"
)

// fakeClock hands out a controllable timer channel and records the
// durations the poller asked for.
type fakeClock struct {
	mu        sync.Mutex
	now       time.Time
	tick      chan time.Time
	requested []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1000, 0), tick: make(chan time.Time)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.requested = append(c.requested, d)
	c.mu.Unlock()
	return c.tick
}

func (c *fakeClock) Requested() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.requested))
	copy(out, c.requested)
	return out
}

type fakeSource struct {
	mu        sync.Mutex
	responses [][]api.Job
	errs      []error
	calls     int
}

func (s *fakeSource) push(jobs []api.Job) {
	s.mu.Lock()
	s.responses = append(s.responses, jobs)
	s.errs = append(s.errs, nil)
	s.mu.Unlock()
}

func (s *fakeSource) pushErr(err error) {
	s.mu.Lock()
	s.responses = append(s.responses, nil)
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *fakeSource) IngestStatus(ctx context.Context, workspace string) ([]api.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	if s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.responses[idx], nil
}

const (
	testFast      = 1 * time.Second
	testIdle      = 5 * time.Second
	testRetention = 30 * time.Second
)

func newTestPoller(source *fakeSource, clock *fakeClock, onChange func([]api.Job)) *Poller {
	return NewPoller(source, clock, Options{
		FastInterval:      testFast,
		IdleInterval:      testIdle,
		TerminalRetention: testRetention,
		OnChange:          onChange,
	})
}

func TestIntervalAdaptsToJobActivity(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{}
	p := newTestPoller(source, clock, nil)

	if got := p.Interval(); got != testIdle {
		t.Fatalf("empty table interval = %v, want idle %v", got, testIdle)
	}

	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing, Current: 1, Total: 10}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := p.Interval(); got != testFast {
		t.Fatalf("active interval = %v, want fast %v", got, testFast)
	}

	source.push([]api.Job{{JobID: "j1", Status: api.StatusCompleted, Current: 10, Total: 10}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := p.Interval(); got != testIdle {
		t.Fatalf("terminal interval = %v, want idle %v", got, testIdle)
	}
}

func TestRunLoopUsesAdaptiveCadence(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{}
	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing}})
	p := newTestPoller(source, clock, nil)

	p.Start(context.Background(), "ws")
	defer p.Stop()

	waitUntil(t, "first sleep requested", func() bool { return len(clock.Requested()) == 1 })
	if got := clock.Requested()[0]; got != testFast {
		t.Fatalf("first sleep = %v, want fast %v", got, testFast)
	}

	source.push([]api.Job{{JobID: "j1", Status: api.StatusCompleted}})
	clock.tick <- clock.Now()

	waitUntil(t, "second sleep requested", func() bool { return len(clock.Requested()) == 2 })
	if got := clock.Requested()[1]; got != testIdle {
		t.Fatalf("second sleep = %v, want idle %v", got, testIdle)
	}
}

func TestTerminalStatusNeverRegresses(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{}
	p := newTestPoller(source, clock, nil)

	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing, Current: 3, Total: 10}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	source.push([]api.Job{{JobID: "j1", Status: api.StatusCompleted, Current: 10, Total: 10}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Stale, out-of-order response claiming the job is still running.
	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing, Current: 5, Total: 10}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	job, ok := p.Job("j1")
	if !ok {
		t.Fatalf("job evicted unexpectedly")
	}
	if job.Status != api.StatusCompleted {
		t.Fatalf("status = %s, want completed", job.Status)
	}
}

func TestTerminalJobsRetainedThenEvicted(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{}
	p := newTestPoller(source, clock, nil)

	source.push([]api.Job{{JobID: "j1", Status: api.StatusDone}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	// Backend stops reporting the finished job; it stays visible inside
	// the retention window.
	source.push(nil)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, ok := p.Job("j1"); !ok {
		t.Fatalf("terminal job evicted before retention elapsed")
	}

	clock.Advance(testRetention + time.Second)
	source.push(nil)
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, ok := p.Job("j1"); ok {
		t.Fatalf("terminal job still present after retention")
	}
}

func TestTransientFetchErrorIsSwallowed(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{}
	p := newTestPoller(source, clock, nil)

	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	source.pushErr(errors.New("connection refused"))
	if err := p.Tick(context.Background()); err == nil {
		t.Fatalf("expected fetch error to propagate to caller")
	}
	// Table untouched by the failed tick.
	if job, ok := p.Job("j1"); !ok || job.Status != api.StatusProcessing {
		t.Fatalf("table changed by failed tick: %+v ok=%t", job, ok)
	}
}

func TestOnChangeFiresOnlyOnChanges(t *testing.T) {
	clock := newFakeClock()
	source := &fakeSource{}
	var mu sync.Mutex
	var notifications [][]api.Job
	p := newTestPoller(source, clock, func(jobs []api.Job) {
		mu.Lock()
		notifications = append(notifications, jobs)
		mu.Unlock()
	})

	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing, Current: 1, Total: 4}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	// Identical response: no notification.
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	source.push([]api.Job{{JobID: "j1", Status: api.StatusProcessing, Current: 2, Total: 4}})
	if err := p.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(notifications) != 2 {
		t.Fatalf("notifications = %d, want 2", len(notifications))
	}
	if notifications[1][0].Current != 2 {
		t.Fatalf("second notification current = %d, want 2", notifications[1][0].Current)
	}
}

func waitUntil(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}
