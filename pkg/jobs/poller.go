// Package jobs tracks server-side job state through adaptive polling.
package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/synaptiq/graphchat/pkg/api"
	"github.com/synaptiq/graphchat/pkg/logger"
)

// consecutive poll failures before the poller escalates to a warning.
const failureWarnThreshold = 5

// StatusSource fetches the current job list for a workspace.
type StatusSource interface {
	IngestStatus(ctx context.Context, workspace string) ([]api.Job, error)
}

type Options struct {
	// FastInterval applies while any tracked job is non-terminal,
	// IdleInterval once the table is empty or fully terminal.
	FastInterval time.Duration
	IdleInterval time.Duration

	// TerminalRetention keeps finished jobs visible after the backend
	// stops reporting them, so progress UI can show the final state.
	TerminalRetention time.Duration

	// OnChange receives a snapshot of the job table after every change.
	// Called without internal locks held.
	OnChange func([]api.Job)
}

// Poller refreshes a local job table from the backend on an adaptive
// interval. It is scoped to one workspace at a time: Start for a new
// workspace discards the previous table and loop.
type Poller struct {
	source StatusSource
	clock  Clock
	opts   Options

	mu         sync.Mutex
	workspace  string
	table      map[string]api.Job
	terminalAt map[string]time.Time
	cancel     context.CancelFunc
	failStreak int
}

func NewPoller(source StatusSource, clock Clock, opts Options) *Poller {
	if clock == nil {
		clock = SystemClock()
	}
	return &Poller{
		source:     source,
		clock:      clock,
		opts:       opts,
		table:      make(map[string]api.Job),
		terminalAt: make(map[string]time.Time),
	}
}

// Start begins polling for workspace. Any loop for a previous workspace is
// stopped and its table discarded.
func (p *Poller) Start(ctx context.Context, workspace string) {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.workspace = workspace
	p.table = make(map[string]api.Job)
	p.terminalAt = make(map[string]time.Time)
	p.failStreak = 0
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.mu.Unlock()

	logger.InfoCF("jobs", "Job status poller started", map[string]interface{}{
		"workspace": workspace,
	})
	go p.run(loopCtx)
}

// Stop clears the polling timer. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
		logger.InfoC("jobs", "Job status poller stopped")
	}
}

func (p *Poller) run(ctx context.Context) {
	for {
		if err := p.Tick(ctx); err != nil && ctx.Err() == nil {
			p.mu.Lock()
			p.failStreak++
			streak := p.failStreak
			p.mu.Unlock()
			// Transient fetch failures are swallowed; the next tick
			// retries. Persistent failure is worth a warning.
			if streak == failureWarnThreshold {
				logger.WarnCF("jobs", "Job status polling failing repeatedly", map[string]interface{}{
					"consecutive": streak,
					"error":       err.Error(),
				})
			} else {
				logger.DebugCF("jobs", "Job status fetch failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-p.clock.After(p.Interval()):
		}
	}
}

// Tick performs a single fetch-and-merge. Exposed so the ingestion
// workflow and tests can drive the same logic without the timer loop.
func (p *Poller) Tick(ctx context.Context) error {
	p.mu.Lock()
	workspace := p.workspace
	p.mu.Unlock()

	incoming, err := p.source.IngestStatus(ctx, workspace)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.failStreak = 0
	changed := p.mergeLocked(incoming, p.clock.Now())
	var snapshot []api.Job
	if changed && p.opts.OnChange != nil {
		snapshot = p.jobsLocked()
	}
	p.mu.Unlock()

	if snapshot != nil {
		p.opts.OnChange(snapshot)
	}
	return nil
}

// mergeLocked folds a poll response into the table, preserving the
// monotonic-status invariant: a terminal job never regresses.
func (p *Poller) mergeLocked(incoming []api.Job, now time.Time) bool {
	next := make(map[string]api.Job, len(incoming))
	changed := false

	for _, job := range incoming {
		if job.JobID == "" {
			continue
		}
		if existing, ok := p.table[job.JobID]; ok && existing.Terminal() && existing.Status != job.Status {
			// Stale or out-of-order response; the recorded terminal
			// state wins.
			logger.DebugCF("jobs", "Dropped status regression for terminal job", map[string]interface{}{
				"job_id":   job.JobID,
				"recorded": existing.Status,
				"incoming": job.Status,
			})
			next[job.JobID] = existing
			continue
		}
		if existing, ok := p.table[job.JobID]; !ok || existing != job {
			changed = true
		}
		next[job.JobID] = job
		if job.Terminal() {
			if _, ok := p.terminalAt[job.JobID]; !ok {
				p.terminalAt[job.JobID] = now
			}
		}
	}

	// Finished jobs the backend no longer reports stay visible for the
	// retention window, then fall out of the table.
	for id, job := range p.table {
		if _, present := next[id]; present {
			continue
		}
		if !job.Terminal() {
			changed = true
			continue
		}
		since, ok := p.terminalAt[id]
		if ok && now.Sub(since) < p.opts.TerminalRetention {
			next[id] = job
		} else {
			delete(p.terminalAt, id)
			changed = true
		}
	}

	p.table = next
	return changed
}

// Jobs returns a snapshot of the job table, ordered by job ID.
func (p *Poller) Jobs() []api.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.jobsLocked()
}

func (p *Poller) jobsLocked() []api.Job {
	jobs := make([]api.Job, 0, len(p.table))
	for _, job := range p.table {
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID < jobs[j].JobID })
	return jobs
}

// Interval returns the current poll cadence: fast while any job is still
// running, idle otherwise.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, job := range p.table {
		if !job.Terminal() {
			return p.opts.FastInterval
		}
	}
	return p.opts.IdleInterval
}

// Job returns the tracked state of a single job.
func (p *Poller) Job(jobID string) (api.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	job, ok := p.table[jobID]
	return job, ok
}
