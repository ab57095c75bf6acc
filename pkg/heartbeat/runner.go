// Package heartbeat triggers background contemplation jobs on a cron
// schedule while a workspace is active.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/synaptiq/graphchat/pkg/api"
	"github.com/synaptiq/graphchat/pkg/config"
	"github.com/synaptiq/graphchat/pkg/jobs"
	"github.com/synaptiq/graphchat/pkg/logger"
)

// Trigger submits a contemplation job and returns its job ID.
type Trigger interface {
	Contemplate(ctx context.Context, workspace string, opts api.ContemplateOptions) (string, error)
}

type Runner struct {
	backend Trigger
	clock   jobs.Clock
	cfg     config.HeartbeatConfig
	gron    *gronx.Gronx

	mu      sync.Mutex
	cancel  context.CancelFunc
	lastJob string
}

func NewRunner(backend Trigger, clock jobs.Clock, cfg config.HeartbeatConfig) *Runner {
	if clock == nil {
		clock = jobs.SystemClock()
	}
	return &Runner{
		backend: backend,
		clock:   clock,
		cfg:     cfg,
		gron:    gronx.New(),
	}
}

// Start begins the schedule check loop for workspace. No-op when the
// heartbeat is disabled.
func (r *Runner) Start(ctx context.Context, workspace string) {
	if !r.cfg.Enabled {
		return
	}
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	logger.InfoCF("heartbeat", "Heartbeat started", map[string]interface{}{
		"workspace": workspace,
		"schedule":  r.cfg.Schedule,
	})
	go r.run(loopCtx, workspace)
}

func (r *Runner) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// LastJob returns the ID of the most recently submitted contemplation job.
func (r *Runner) LastJob() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastJob
}

func (r *Runner) run(ctx context.Context, workspace string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(time.Minute):
		}
		due, err := r.gron.IsDue(r.cfg.Schedule, r.clock.Now())
		if err != nil {
			logger.WarnCF("heartbeat", "Invalid schedule, stopping heartbeat", map[string]interface{}{
				"schedule": r.cfg.Schedule,
				"error":    err.Error(),
			})
			return
		}
		if !due {
			continue
		}
		r.trigger(ctx, workspace)
	}
}

func (r *Runner) trigger(ctx context.Context, workspace string) {
	jobID, err := r.backend.Contemplate(ctx, workspace, api.ContemplateOptions{
		N:           3,
		Topic:       r.cfg.Topic,
		Depth:       r.cfg.Depth,
		SaveToNotes: r.cfg.SaveToNotes,
	})
	if err != nil {
		if ctx.Err() == nil {
			logger.WarnCF("heartbeat", "Contemplation trigger failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
		return
	}
	r.mu.Lock()
	r.lastJob = jobID
	r.mu.Unlock()
	logger.InfoCF("heartbeat", "Contemplation job submitted", map[string]interface{}{
		"workspace": workspace,
		"job_id":    jobID,
	})
}
