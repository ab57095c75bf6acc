package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/synaptiq/graphchat/pkg/api"
)

// immediateClock makes every wait interval elapse instantly.
type immediateClock struct{}

func (immediateClock) Now() time.Time { return time.Unix(1000, 0) }

func (immediateClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(1000, 0)
	return ch
}

type fakeSubmitter struct {
	mu          sync.Mutex
	submissions []api.PageSubmission
	jobID       string
	submitErr   error
	statuses    []string // status returned per consecutive IngestStatus call
	statusCalls int
}

func (f *fakeSubmitter) IngestPage(ctx context.Context, workspace string, page api.PageSubmission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submissions = append(f.submissions, page)
	return f.jobID, nil
}

func (f *fakeSubmitter) IngestStatus(ctx context.Context, workspace string) ([]api.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.statusCalls
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	f.statusCalls++
	if idx < 0 {
		return nil, nil
	}
	return []api.Job{{JobID: f.jobID, Status: f.statuses[idx]}}, nil
}

func (f *fakeSubmitter) submissionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

func newTestWorkflow(backend Submitter) *Workflow {
	return NewWorkflow(backend, immediateClock{}, Options{
		Threshold:       20000, // 5000 tokens x 4 chars/token
		WaitInterval:    time.Second,
		MaxWaitAttempts: 5,
		ReingestDelta:   500,
	})
}

func TestSmallContentEmbeddedInline(t *testing.T) {
	backend := &fakeSubmitter{jobID: "j1"}
	w := newTestWorkflow(backend)

	content := strings.Repeat("a", 6000)
	note, err := w.ContextNote(context.Background(), "ws", api.PageSubmission{
		URL:     "https://example.com/doc",
		Title:   "Doc",
		Content: content,
	})
	if err != nil {
		t.Fatalf("context note: %v", err)
	}
	if !strings.Contains(note, content) {
		t.Fatalf("inline note should embed the full content")
	}
	if backend.submissionCount() != 0 {
		t.Fatalf("inline path created a job")
	}
}

func TestLargeContentIngestedOncePerPage(t *testing.T) {
	backend := &fakeSubmitter{
		jobID:    "j1",
		statuses: []string{api.StatusProcessing, api.StatusProcessing, api.StatusCompleted},
	}
	w := newTestWorkflow(backend)

	page := api.PageSubmission{
		URL:     "https://example.com/long",
		Title:   "Long",
		Content: strings.Repeat("b", 50000),
	}

	note, err := w.ContextNote(context.Background(), "ws", page)
	if err != nil {
		t.Fatalf("context note: %v", err)
	}
	if backend.submissionCount() != 1 {
		t.Fatalf("submissions = %d, want 1", backend.submissionCount())
	}
	if strings.Contains(note, page.Content) {
		t.Fatalf("reference note should not embed the full content")
	}
	if !strings.Contains(note, "ingested into the knowledge graph") {
		t.Fatalf("note = %q, want reference wording", note)
	}

	// Second message about the same unchanged page: reference only, no
	// new job.
	note2, err := w.ContextNote(context.Background(), "ws", page)
	if err != nil {
		t.Fatalf("second context note: %v", err)
	}
	if backend.submissionCount() != 1 {
		t.Fatalf("re-submission for an already ingested page")
	}
	if !strings.Contains(note2, "ingested into the knowledge graph") {
		t.Fatalf("second note = %q, want reference wording", note2)
	}
}

func TestContentChangeBeyondDeltaTriggersReingest(t *testing.T) {
	backend := &fakeSubmitter{jobID: "j1", statuses: []string{api.StatusCompleted}}
	w := newTestWorkflow(backend)

	page := api.PageSubmission{URL: "https://example.com/p", Content: strings.Repeat("c", 50000)}
	if _, err := w.ContextNote(context.Background(), "ws", page); err != nil {
		t.Fatalf("context note: %v", err)
	}

	// Grown well past the re-ingest delta.
	page.Content = strings.Repeat("c", 51000)
	if _, err := w.ContextNote(context.Background(), "ws", page); err != nil {
		t.Fatalf("context note: %v", err)
	}
	if backend.submissionCount() != 2 {
		t.Fatalf("submissions = %d, want 2 after content change", backend.submissionCount())
	}
}

func TestTerminalFailureDegradesNote(t *testing.T) {
	backend := &fakeSubmitter{jobID: "j1", statuses: []string{api.StatusError}}
	w := newTestWorkflow(backend)

	page := api.PageSubmission{URL: "https://example.com/bad", Content: strings.Repeat("d", 50000)}
	note, err := w.ContextNote(context.Background(), "ws", page)
	if err != nil {
		t.Fatalf("context note: %v", err)
	}
	if !strings.Contains(note, "could not be ingested") {
		t.Fatalf("note = %q, want degraded wording", note)
	}

	// Failed pages are not marked ingested; the next message retries.
	backend.mu.Lock()
	backend.statuses = []string{api.StatusCompleted}
	backend.statusCalls = 0
	backend.mu.Unlock()
	if _, err := w.ContextNote(context.Background(), "ws", page); err != nil {
		t.Fatalf("retry context note: %v", err)
	}
	if backend.submissionCount() != 2 {
		t.Fatalf("submissions = %d, want 2 (retry after failure)", backend.submissionCount())
	}
}

func TestWaitCeilingProceedsOptimistically(t *testing.T) {
	backend := &fakeSubmitter{jobID: "j1", statuses: []string{api.StatusProcessing}}
	w := newTestWorkflow(backend)

	page := api.PageSubmission{URL: "https://example.com/slow", Content: strings.Repeat("e", 50000)}
	note, err := w.ContextNote(context.Background(), "ws", page)
	if err != nil {
		t.Fatalf("context note: %v", err)
	}
	if !strings.Contains(note, "ingested into the knowledge graph") {
		t.Fatalf("note = %q, want optimistic reference wording", note)
	}

	// Abandoned-but-not-failed still suppresses a re-submission.
	if _, err := w.ContextNote(context.Background(), "ws", page); err != nil {
		t.Fatalf("second context note: %v", err)
	}
	if backend.submissionCount() != 1 {
		t.Fatalf("submissions = %d, want 1", backend.submissionCount())
	}
}

func TestSubmissionFailureDegradesNote(t *testing.T) {
	backend := &fakeSubmitter{jobID: "j1", submitErr: errors.New("503 service unavailable")}
	w := newTestWorkflow(backend)

	page := api.PageSubmission{URL: "https://example.com/down", Content: strings.Repeat("f", 50000)}
	note, err := w.ContextNote(context.Background(), "ws", page)
	if err != nil {
		t.Fatalf("context note: %v", err)
	}
	if !strings.Contains(note, "could not be ingested") {
		t.Fatalf("note = %q, want degraded wording", note)
	}
}

func TestCancellationAbortsWait(t *testing.T) {
	backend := &fakeSubmitter{jobID: "j1", statuses: []string{api.StatusProcessing}}
	w := newTestWorkflow(backend)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	page := api.PageSubmission{URL: "https://example.com/x", Content: strings.Repeat("g", 50000)}
	if _, err := w.ContextNote(ctx, "ws", page); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
