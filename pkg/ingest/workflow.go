// Package ingest decides whether captured page content is embedded inline
// into a message or off-loaded to a server-side ingestion job.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/synaptiq/graphchat/pkg/api"
	"github.com/synaptiq/graphchat/pkg/jobs"
	"github.com/synaptiq/graphchat/pkg/logger"
)

// Submitter is the slice of the HTTP client the workflow needs.
type Submitter interface {
	IngestPage(ctx context.Context, workspace string, page api.PageSubmission) (string, error)
	IngestStatus(ctx context.Context, workspace string) ([]api.Job, error)
}

type Options struct {
	// Threshold is the character count above which content is ingested
	// instead of embedded (token budget x approximate chars per token).
	Threshold int

	// Bounded wait-until-terminal loop: a fixed interval and a hard
	// attempt ceiling, independent of the poller's adaptive cadence,
	// since this wait blocks message send.
	WaitInterval    time.Duration
	MaxWaitAttempts int

	// ReingestDelta is how far the content length may drift before a
	// previously ingested page is ingested again.
	ReingestDelta int
}

type pageState struct {
	ingested   bool
	contentLen int
	jobID      string
}

// Workflow tracks which pages have already been ingested and drives the
// blocking wait for newly submitted jobs.
type Workflow struct {
	backend Submitter
	clock   jobs.Clock
	opts    Options

	mu    sync.Mutex
	pages map[string]pageState // keyed by page URL
}

func NewWorkflow(backend Submitter, clock jobs.Clock, opts Options) *Workflow {
	if clock == nil {
		clock = jobs.SystemClock()
	}
	return &Workflow{
		backend: backend,
		clock:   clock,
		opts:    opts,
		pages:   make(map[string]pageState),
	}
}

type waitOutcome int

const (
	waitSucceeded waitOutcome = iota
	waitFailed
	waitExhausted
	waitCancelled
)

// ContextNote returns the note to append to the outgoing message for the
// captured page. Small content is embedded verbatim; large content is
// ingested once per page and referenced thereafter. The only error this
// returns is the context's own, on cancellation; every backend failure
// degrades to a note so the message can still be sent.
func (w *Workflow) ContextNote(ctx context.Context, workspace string, page api.PageSubmission) (string, error) {
	if len(page.Content) <= w.opts.Threshold {
		return inlineNote(page), nil
	}

	w.mu.Lock()
	st, tracked := w.pages[page.URL]
	suppressed := tracked && st.ingested && absDiff(len(page.Content), st.contentLen) <= w.opts.ReingestDelta
	w.mu.Unlock()
	if suppressed {
		logger.DebugCF("ingest", "Page already ingested, reusing reference", map[string]interface{}{
			"url": page.URL,
		})
		return referenceNote(page), nil
	}

	jobID, err := w.backend.IngestPage(ctx, workspace, page)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		logger.WarnCF("ingest", "Ingestion submission failed, sending degraded context", map[string]interface{}{
			"url":   page.URL,
			"error": err.Error(),
		})
		return degradedNote(page), nil
	}

	switch w.waitForTerminal(ctx, workspace, jobID) {
	case waitSucceeded:
		w.markIngested(page, jobID)
		return referenceNote(page), nil
	case waitFailed:
		logger.WarnCF("ingest", "Ingestion job ended in failure, sending degraded context", map[string]interface{}{
			"url":    page.URL,
			"job_id": jobID,
		})
		return degradedNote(page), nil
	case waitExhausted:
		// Abandoned but not failed: the job may still complete in the
		// background, so proceed with the reference regardless.
		logger.InfoCF("ingest", "Ingestion wait ceiling reached, proceeding optimistically", map[string]interface{}{
			"url":    page.URL,
			"job_id": jobID,
		})
		w.markIngested(page, jobID)
		return referenceNote(page), nil
	default: // waitCancelled
		return "", ctx.Err()
	}
}

// waitForTerminal polls the job until it reaches a terminal status, up to
// the attempt ceiling. Transient fetch failures consume an attempt and are
// otherwise ignored.
func (w *Workflow) waitForTerminal(ctx context.Context, workspace, jobID string) waitOutcome {
	for attempt := 0; attempt < w.opts.MaxWaitAttempts; attempt++ {
		if ctx.Err() != nil {
			return waitCancelled
		}
		list, err := w.backend.IngestStatus(ctx, workspace)
		if ctx.Err() != nil {
			return waitCancelled
		}
		if err != nil {
			logger.DebugCF("ingest", "Status fetch failed during wait", map[string]interface{}{
				"job_id": jobID,
				"error":  err.Error(),
			})
		} else {
			for _, job := range list {
				if job.JobID != jobID {
					continue
				}
				if job.Terminal() {
					if job.Succeeded() {
						return waitSucceeded
					}
					return waitFailed
				}
				break
			}
		}
		select {
		case <-ctx.Done():
			return waitCancelled
		case <-w.clock.After(w.opts.WaitInterval):
		}
	}
	return waitExhausted
}

func (w *Workflow) markIngested(page api.PageSubmission, jobID string) {
	w.mu.Lock()
	w.pages[page.URL] = pageState{
		ingested:   true,
		contentLen: len(page.Content),
		jobID:      jobID,
	}
	w.mu.Unlock()
}

// Forget drops the ingestion record for a page so the next message about
// it submits a fresh job.
func (w *Workflow) Forget(url string) {
	w.mu.Lock()
	delete(w.pages, url)
	w.mu.Unlock()
}

func absDiff(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

func pageLabel(p api.PageSubmission) string {
	if p.Title != "" {
		return p.Title + " (" + p.URL + ")"
	}
	return p.URL
}

func inlineNote(p api.PageSubmission) string {
	return "[Page context: " + pageLabel(p) + "]\n" + p.Content
}

func referenceNote(p api.PageSubmission) string {
	return "[Page context: " + pageLabel(p) + " (content ingested into the knowledge graph; query it for details)]"
}

func degradedNote(p api.PageSubmission) string {
	return "[Page context: " + pageLabel(p) + " (content could not be ingested; graph context may be incomplete)]"
}
