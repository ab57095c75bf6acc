// Package chat is the client-side orchestration core: the message queue,
// the streaming generation session and the cancellation protocol.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/synaptiq/graphchat/pkg/api"
	"github.com/synaptiq/graphchat/pkg/logger"
	"github.com/synaptiq/graphchat/pkg/utils"
)

const (
	noResponsePlaceholder = "no response received"
	interruptNotice       = "Generation interrupted by user"
)

// cancel-function keys; generation and an ingestion wait can be in
// flight at the same time and Cancel signals both.
const (
	ownerGeneration = "generation"
	ownerIngestWait = "ingest-wait"
)

// ErrNoThread is returned when a message is sent without an active
// workspace and thread.
var ErrNoThread = errors.New("no active workspace or thread")

// cancelHandle wraps a CancelFunc so a finished session can remove its
// own entry with CompareAndDelete and never a successor's.
type cancelHandle struct {
	cancel context.CancelFunc
}

// SessionRecorder receives the outcome of every finished generation.
type SessionRecorder interface {
	RecordGeneration(workspace, thread, outcome string, chars int)
}

// RefreshHooks are fired after a generation finalizes. They are external
// collaborators (graph view, notes list, thread title) and run
// fire-and-forget.
type RefreshHooks struct {
	Graph       func()
	Notes       func()
	ThreadTitle func()
}

type Options struct {
	Workspace string
	Thread    string

	// OnTranscript receives an immutable snapshot of the message list
	// after every change. Called without internal locks held.
	OnTranscript func([]Message)

	Hooks RefreshHooks

	// Preparer, when set, composes page context notes for SendWithPage.
	Preparer PagePreparer

	// Recorder, when set, receives per-generation outcome records.
	Recorder SessionRecorder
}

type pendingRequest struct {
	id      string
	content string
}

type generation struct {
	id          string
	msgIndex    int
	accumulated strings.Builder
}

// Controller owns the transcript, the request queue and the single active
// generation session. It is the only mutation entry point a UI needs:
// Send/SendWithPage and Cancel.
type Controller struct {
	backend  Backend
	preparer PagePreparer

	mu         sync.Mutex
	workspace  string
	thread     string
	queue      []pendingRequest
	transcript []Message
	state      State
	current    *generation

	activeCancel sync.Map // owner key -> *cancelHandle

	onTranscript func([]Message)
	hooks        RefreshHooks
	recorder     SessionRecorder
}

func NewController(backend Backend, opts Options) *Controller {
	return &Controller{
		backend:      backend,
		preparer:     opts.Preparer,
		workspace:    opts.Workspace,
		thread:       opts.Thread,
		state:        StateIdle,
		onTranscript: opts.OnTranscript,
		hooks:        opts.Hooks,
		recorder:     opts.Recorder,
	}
}

// SetThread switches the active workspace/thread. The transcript and any
// queued requests are discarded; an active generation is cancelled and
// disowned, so its late terminal handling cannot touch the new thread.
func (c *Controller) SetThread(workspace, thread string) {
	c.Cancel()
	c.mu.Lock()
	c.workspace = workspace
	c.thread = thread
	c.queue = nil
	c.transcript = nil
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()
	c.publish()
}

// Bootstrap seeds the transcript from the thread's stored history.
func (c *Controller) Bootstrap(ctx context.Context) error {
	c.mu.Lock()
	workspace, thread := c.workspace, c.thread
	c.mu.Unlock()
	if workspace == "" || thread == "" {
		return ErrNoThread
	}

	history, err := c.backend.ThreadHistory(ctx, workspace, thread)
	if err != nil {
		return fmt.Errorf("load thread history: %w", err)
	}
	messages := make([]Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, Message{
			ID:      uuid.NewString(),
			Role:    Role(m.Role),
			Content: m.Content,
		})
	}

	c.mu.Lock()
	if c.state.Active() {
		c.mu.Unlock()
		return fmt.Errorf("cannot bootstrap while a generation is active")
	}
	c.transcript = messages
	c.mu.Unlock()
	c.publish()
	return nil
}

// Send enqueues a user message. The message appears in the transcript
// immediately; dispatch is serialized behind any active generation.
func (c *Controller) Send(content string) error {
	c.mu.Lock()
	if c.workspace == "" || c.thread == "" {
		c.mu.Unlock()
		return ErrNoThread
	}
	req := pendingRequest{id: uuid.NewString(), content: content}
	c.queue = append(c.queue, req)
	c.transcript = append(c.transcript, Message{ID: req.id, Role: RoleUser, Content: content})
	queued := len(c.queue)
	c.mu.Unlock()

	logger.DebugCF("chat", "Message enqueued", map[string]interface{}{
		"request_id": req.id,
		"queued":     queued,
		"content":    utils.Truncate(content, 80),
	})
	c.publish()
	c.processNext()
	return nil
}

// SendWithPage composes a context note for the captured page (inline
// content or an ingestion reference, per the workflow's threshold) and
// sends the message carrying it. May block on the bounded ingestion wait;
// Cancel aborts the wait and the send.
func (c *Controller) SendWithPage(content string, page api.PageSubmission) error {
	c.mu.Lock()
	workspace, thread := c.workspace, c.thread
	preparer := c.preparer
	c.mu.Unlock()
	if workspace == "" || thread == "" {
		return ErrNoThread
	}
	if preparer == nil || page.Content == "" {
		return c.Send(content)
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &cancelHandle{cancel: cancel}
	c.activeCancel.Store(ownerIngestWait, handle)
	defer func() {
		c.activeCancel.CompareAndDelete(ownerIngestWait, handle)
		cancel()
	}()

	note, err := preparer.ContextNote(ctx, workspace, page)
	if err != nil {
		if ctx.Err() != nil {
			logger.InfoC("chat", "Page context preparation cancelled")
			return context.Canceled
		}
		return err
	}
	if note != "" {
		content = content + "\n\n" + note
	}
	return c.Send(content)
}

// Cancel signals the active generation and any in-flight ingestion wait.
// Idempotent; a no-op when nothing is active. The pending queue is dropped
// here, at signal time, so a message sent after the cancel survives.
func (c *Controller) Cancel() {
	if _, active := c.activeCancel.Load(ownerGeneration); active {
		c.mu.Lock()
		dropped := len(c.queue)
		c.queue = nil
		c.mu.Unlock()
		if dropped > 0 {
			logger.DebugCF("chat", "Pending requests dropped by cancel", map[string]interface{}{
				"dropped": dropped,
			})
		}
	}
	signalled := false
	c.activeCancel.Range(func(_, value interface{}) bool {
		value.(*cancelHandle).cancel()
		signalled = true
		return true
	})
	if !signalled {
		logger.DebugC("chat", "Cancel requested with nothing active")
	}
}

// Close cancels all in-flight work. The controller must not be used
// afterwards.
func (c *Controller) Close() {
	c.Cancel()
}

// Transcript returns a snapshot of the message list.
func (c *Controller) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen reports how many requests are waiting behind the active
// generation.
func (c *Controller) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// processNext pops the head of the queue and starts a generation for it.
// No-op while a session is active or the queue is empty; the single-flight
// invariant is this state check.
func (c *Controller) processNext() {
	c.mu.Lock()
	if c.state.Active() || len(c.queue) == 0 {
		c.mu.Unlock()
		return
	}
	req := c.queue[0]
	c.queue = c.queue[1:]
	c.state = StateDispatching
	c.transcript = append(c.transcript, Message{ID: uuid.NewString(), Role: RoleAssistant, Content: ""})
	gen := &generation{id: req.id, msgIndex: len(c.transcript) - 1}
	c.current = gen
	workspace, thread := c.workspace, c.thread
	c.mu.Unlock()

	c.publish()
	go c.runSession(gen, workspace, thread, req.content)
}

func (c *Controller) runSession(gen *generation, workspace, thread, content string) {
	ctx, cancel := context.WithCancel(context.Background())
	handle := &cancelHandle{cancel: cancel}
	c.activeCancel.Store(ownerGeneration, handle)
	defer func() {
		c.activeCancel.CompareAndDelete(ownerGeneration, handle)
		cancel()
	}()

	stream, err := c.backend.ChatStream(ctx, workspace, thread, content)
	if err != nil {
		if ctx.Err() != nil {
			c.finishCancelled(gen)
			return
		}
		c.finishErrored(gen, err)
		return
	}
	defer stream.Close()

	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			c.finishCancelled(gen)
			return
		}
		chunk, err := stream.Next(ctx)
		if err != nil {
			if err == io.EOF {
				c.finalize(gen)
				return
			}
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				// A final in-flight chunk after the signal is discarded.
				c.finishCancelled(gen)
				return
			}
			c.finishErrored(gen, err)
			return
		}
		if chunk == "" {
			continue
		}
		c.mu.Lock()
		if c.current != gen {
			// Disowned by a thread switch; the transcript is no longer
			// ours to write.
			c.mu.Unlock()
			return
		}
		gen.accumulated.WriteString(chunk)
		// The UI always sees the cumulative string, never a delta, so a
		// consumer can render idempotently from the latest snapshot.
		c.transcript[gen.msgIndex].Content = gen.accumulated.String()
		c.mu.Unlock()
		c.publish()
	}
}

func (c *Controller) finalize(gen *generation) {
	c.mu.Lock()
	if c.current != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateFinalizing
	if gen.accumulated.Len() == 0 && gen.msgIndex < len(c.transcript) {
		c.transcript[gen.msgIndex].Content = noResponsePlaceholder
	}
	hooks := c.hooks
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()

	c.publish()
	logger.InfoCF("chat", "Generation finished", map[string]interface{}{
		"request_id": gen.id,
		"chars":      gen.accumulated.Len(),
	})
	for _, hook := range []func(){hooks.Graph, hooks.Notes, hooks.ThreadTitle} {
		if hook != nil {
			go hook()
		}
	}
	c.record("completed", gen.accumulated.Len())
	c.processNext()
}

// finishCancelled replaces the partial assistant message with an
// interrupt notice. The pre-cancel queue was already dropped by Cancel;
// anything enqueued after the signal is still live and dispatches next.
func (c *Controller) finishCancelled(gen *generation) {
	c.mu.Lock()
	if c.current != gen {
		// Disowned by a thread switch; nothing here belongs to us.
		c.mu.Unlock()
		return
	}
	c.state = StateCancelled
	if gen.msgIndex < len(c.transcript) {
		c.transcript = append(c.transcript[:gen.msgIndex], c.transcript[gen.msgIndex+1:]...)
		c.transcript = append(c.transcript, Message{ID: uuid.NewString(), Role: RoleSystem, Content: interruptNotice})
	}
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()

	c.publish()
	logger.InfoCF("chat", "Generation cancelled", map[string]interface{}{
		"request_id":      gen.id,
		"discarded_chars": gen.accumulated.Len(),
	})
	c.record("cancelled", gen.accumulated.Len())
	c.processNext()
}

// finishErrored surfaces the failure as a system message and advances the
// queue: a single failure does not abort the remaining requests.
func (c *Controller) finishErrored(gen *generation, cause error) {
	c.mu.Lock()
	if c.current != gen {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	if gen.msgIndex < len(c.transcript) {
		c.transcript = append(c.transcript[:gen.msgIndex], c.transcript[gen.msgIndex+1:]...)
	}
	c.transcript = append(c.transcript, Message{
		ID:      uuid.NewString(),
		Role:    RoleSystem,
		Content: fmt.Sprintf("Error: %v", cause),
	})
	c.state = StateIdle
	c.current = nil
	c.mu.Unlock()

	c.publish()
	logger.WarnCF("chat", "Generation failed", map[string]interface{}{
		"request_id": gen.id,
		"error":      cause.Error(),
	})
	c.record("errored", gen.accumulated.Len())
	c.processNext()
}

func (c *Controller) record(outcome string, chars int) {
	if c.recorder == nil {
		return
	}
	c.mu.Lock()
	workspace, thread := c.workspace, c.thread
	c.mu.Unlock()
	c.recorder.RecordGeneration(workspace, thread, outcome, chars)
}

func (c *Controller) publish() {
	if c.onTranscript == nil {
		return
	}
	c.mu.Lock()
	snapshot := c.snapshotLocked()
	c.mu.Unlock()
	c.onTranscript(snapshot)
}

func (c *Controller) snapshotLocked() []Message {
	out := make([]Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}
