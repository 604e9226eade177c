// Package threads implements the Thread Orchestrator (spec §4.1): user
// intents (create/send/resume/stop/delete), the continueStream decision
// procedure, and the periodic recovery sweep.
package threads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/turnengine/hooks"
	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

// ErrNotResumable is returned by ResumeThread when no prompt is given and
// the thread is not idle (spec §4.1 "resumeThread").
var ErrNotResumable = errors.New("threads: not resumable")

// ErrRetryInProgress is returned by SendMessage/ResumeThread when the
// thread has a pending stream-level retry (spec §4.1 "sendMessage",
// "resumeThread").
var ErrRetryInProgress = errors.New("threads: retry in progress")

// Streams is the subset of the Stream Manager the orchestrator needs to
// drive continueStream, declared locally so this package never imports
// package streams directly.
type Streams interface {
	Create(ctx context.Context, threadID model.ThreadID) (model.StreamID, error)
	IsAlive(ctx context.Context, streamID model.StreamID) (bool, error)
	Abort(ctx context.Context, streamID model.StreamID, reason string) error
	CancelInactiveStreams(ctx context.Context, threadID model.ThreadID, activeStreamID model.StreamID) error
}

// Handler dispatches the Stream Handler for a freshly allocated stream,
// directly or via a work-pool handle (spec §4.1 step 8).
type Handler interface {
	Dispatch(ctx context.Context, threadID model.ThreadID, streamID model.StreamID) error
}

// Options configures an Orchestrator.
type Options struct {
	Store     store.Store
	Scheduler store.Scheduler
	Streams   Streams
	Handler   Handler
	Hooks     hooks.Bus
}

// Orchestrator implements the Thread Orchestrator.
type Orchestrator struct {
	store     store.Store
	scheduler store.Scheduler
	streams   Streams
	handler   Handler
	hooksBus  hooks.Bus
}

// New constructs an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Store == nil {
		return nil, errors.New("threads: store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("threads: scheduler is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("threads: streams is required")
	}
	if opts.Handler == nil {
		return nil, errors.New("threads: handler is required")
	}
	hb := opts.Hooks
	if hb == nil {
		hb = hooks.NewBus()
	}
	return &Orchestrator{store: opts.Store, scheduler: opts.Scheduler, streams: opts.Streams, handler: opts.Handler, hooksBus: hb}, nil
}

// CreateOptions configures CreateThread.
type CreateOptions struct {
	// ID, if set, is used instead of a generated id.
	ID model.ThreadID
	// Prompt, if non-empty, is appended as a user message.
	Prompt string
	// InitialMessages are appended before Prompt, in order.
	InitialMessages []model.Message
	// AutoStart overrides the default (true iff Prompt != "").
	AutoStart *bool
}

// CreateThread inserts a new Thread in status completed and optionally
// starts its first turn (spec §4.1 "createThread").
func (o *Orchestrator) CreateThread(ctx context.Context, opts CreateOptions) (model.ThreadID, error) {
	id := opts.ID
	if id == "" {
		id = model.ThreadID(uuid.NewString())
	}
	now := time.Now().UTC()
	t := &model.Thread{ID: id, Status: model.ThreadCompleted, Seq: 0, CreatedAt: now, UpdatedAt: now}
	if err := o.store.InsertThread(ctx, t); err != nil {
		return "", err
	}

	for _, msg := range opts.InitialMessages {
		msg := msg
		msg.ThreadID = id
		if msg.ID == "" {
			msg.ID = model.MessageID(uuid.NewString())
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if err := o.store.InsertMessage(ctx, &msg); err != nil {
			return id, err
		}
	}
	if opts.Prompt != "" {
		if err := o.appendUserMessage(ctx, id, opts.Prompt, now); err != nil {
			return id, err
		}
	}

	autoStart := opts.Prompt != ""
	if opts.AutoStart != nil {
		autoStart = *opts.AutoStart
	}
	if autoStart {
		if err := o.ContinueStream(ctx, id); err != nil {
			return id, err
		}
	}
	return id, nil
}

func (o *Orchestrator) appendUserMessage(ctx context.Context, threadID model.ThreadID, prompt string, now time.Time) error {
	msg := &model.Message{
		ID: model.MessageID(uuid.NewString()), ThreadID: threadID, Role: model.RoleUser,
		Parts: []model.Part{model.TextPart{ID: uuid.NewString(), Delta: prompt}}, CreatedAt: now,
	}
	return o.store.InsertMessage(ctx, msg)
}

// AddMessage inserts an arbitrary caller-supplied message without invoking
// continueStream, unlike SendMessage (spec §4.1 "addMessage"): useful for
// seeding transcript history or appending a message whose turn is triggered
// separately.
func (o *Orchestrator) AddMessage(ctx context.Context, threadID model.ThreadID, msg model.Message) (model.MessageID, error) {
	msg.ThreadID = threadID
	if msg.ID == "" {
		msg.ID = model.MessageID(uuid.NewString())
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := o.store.InsertMessage(ctx, &msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SendMessage appends a user message and invokes continueStream (spec
// §4.1 "sendMessage").
func (o *Orchestrator) SendMessage(ctx context.Context, threadID model.ThreadID, prompt string) error {
	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.RetryState != nil {
		return fmt.Errorf("threads: sendMessage: %w", ErrRetryInProgress)
	}
	if err := o.appendUserMessage(ctx, threadID, prompt, time.Now().UTC()); err != nil {
		return err
	}
	if err := o.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.StopSignal = false; return nil }); err != nil {
		return err
	}
	return o.ContinueStream(ctx, threadID)
}

// ResumeThread appends an optional prompt, or requires the thread to be
// idle, then invokes continueStream (spec §4.1 "resumeThread").
func (o *Orchestrator) ResumeThread(ctx context.Context, threadID model.ThreadID, prompt string) error {
	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.RetryState != nil {
		return fmt.Errorf("threads: resumeThread: %w", ErrRetryInProgress)
	}
	if prompt != "" {
		if err := o.appendUserMessage(ctx, threadID, prompt, time.Now().UTC()); err != nil {
			return err
		}
	} else if !isIdle(thread.Status) {
		return fmt.Errorf("threads: resumeThread: %w", ErrNotResumable)
	}
	if err := o.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.StopSignal = false; return nil }); err != nil {
		return err
	}
	return o.ContinueStream(ctx, threadID)
}

func isIdle(s model.ThreadStatus) bool {
	return s == model.ThreadCompleted || s == model.ThreadFailed || s == model.ThreadStopped
}

// StopThread records a stop request; the next observation point performs
// the transition (spec §4.1 "stopThread").
func (o *Orchestrator) StopThread(ctx context.Context, threadID model.ThreadID) error {
	var retryFnID string
	if err := o.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
		t.StopSignal = true
		if t.RetryState != nil {
			retryFnID = t.RetryState.RetryFnID
		}
		t.RetryState = nil
		return nil
	}); err != nil {
		return err
	}
	if retryFnID != "" {
		_ = o.scheduler.Cancel(ctx, retryFnID)
	}
	return nil
}

// DeleteThread cascade-deletes a thread's messages, tool calls, streams,
// and deltas, canceling every scheduled function they own along the way
// (spec §4.1 "deleteThread").
func (o *Orchestrator) DeleteThread(ctx context.Context, threadID model.ThreadID) error {
	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.RetryState != nil && thread.RetryState.RetryFnID != "" {
		_ = o.scheduler.Cancel(ctx, thread.RetryState.RetryFnID)
	}

	pendingCalls, err := o.store.ListPendingToolCalls(ctx, threadID)
	if err != nil {
		return err
	}
	for _, tc := range pendingCalls {
		if tc.TimeoutFnID != "" {
			_ = o.scheduler.Cancel(ctx, tc.TimeoutFnID)
		}
		if tc.ExecutionRetryFnID != "" {
			_ = o.scheduler.Cancel(ctx, tc.ExecutionRetryFnID)
		}
	}

	if err := o.store.DeleteMessagesByThread(ctx, threadID); err != nil {
		return err
	}
	if err := o.store.DeleteToolCallsByThread(ctx, threadID); err != nil {
		return err
	}
	allStreams, err := o.store.ListStreamsFromSeq(ctx, threadID, 0)
	if err != nil {
		return err
	}
	for _, s := range allStreams {
		switch s.State.Tag {
		case model.StreamTagStreaming:
			if s.State.Streaming != nil && s.State.Streaming.TimeoutFnID != "" {
				_ = o.scheduler.Cancel(ctx, s.State.Streaming.TimeoutFnID)
			}
		case model.StreamTagFinished:
			if s.State.Finished != nil && s.State.Finished.CleanupFnID != "" {
				_ = o.scheduler.Cancel(ctx, s.State.Finished.CleanupFnID)
			}
		case model.StreamTagAborted:
			if s.State.Aborted != nil && s.State.Aborted.CleanupFnID != "" {
				_ = o.scheduler.Cancel(ctx, s.State.Aborted.CleanupFnID)
			}
		}
		for {
			remaining, err := o.store.DeleteDeltasBatch(ctx, s.ID, 500)
			if err != nil {
				return err
			}
			if remaining == 0 {
				break
			}
		}
		if err := o.store.DeleteStream(ctx, s.ID); err != nil {
			return err
		}
	}
	return o.store.DeleteThread(ctx, threadID)
}

// ContinueStream is the central decision procedure (spec §4.1
// "continueStream").
func (o *Orchestrator) ContinueStream(ctx context.Context, threadID model.ThreadID) error {
	thread, err := o.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}

	// Step 1: honor a pending stop request.
	if thread.StopSignal {
		prevStatus := thread.Status
		var prevStream *model.StreamID
		if err := o.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
			prevStream = t.ActiveStream
			t.Status = model.ThreadStopped
			t.ActiveStream = nil
			t.Continue = false
			t.RetryState = nil
			return nil
		}); err != nil {
			return err
		}
		if prevStream != nil {
			_ = o.streams.Abort(ctx, *prevStream, "stopSignal")
		}
		if prevStatus != model.ThreadStopped {
			return o.hooksBus.Publish(ctx, hooks.NewStatusChangedEvent(threadID, prevStatus, model.ThreadStopped))
		}
		return nil
	}

	// Step 2.
	if thread.Status == model.ThreadStopped {
		return nil
	}

	// Step 3: let the last pending tool call's completion re-invoke us.
	pending, err := o.store.ListPendingToolCalls(ctx, threadID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}

	// Step 4: reconcile any existing active stream.
	if thread.ActiveStream != nil {
		alive, err := o.streams.IsAlive(ctx, *thread.ActiveStream)
		if err != nil {
			return err
		}
		if alive {
			return o.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.Continue = true; return nil })
		}
		if err := o.cancelStaleActiveStream(ctx, *thread.ActiveStream); err != nil {
			return err
		}
	}

	// Step 5: allocate the next stream.
	newStreamID, err := o.streams.Create(ctx, threadID)
	if err != nil {
		return err
	}

	// Step 6: patch thread, fire status-change if it changed.
	prevStatus := thread.Status
	if err := o.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
		t.ActiveStream = &newStreamID
		t.Status = model.ThreadStreaming
		t.Continue = false
		return nil
	}); err != nil {
		return err
	}
	if prevStatus != model.ThreadStreaming {
		if err := o.hooksBus.Publish(ctx, hooks.NewStatusChangedEvent(threadID, prevStatus, model.ThreadStreaming)); err != nil {
			return err
		}
	}

	// Step 7.
	if err := o.streams.CancelInactiveStreams(ctx, threadID, newStreamID); err != nil {
		return err
	}

	// Step 8.
	return o.handler.Dispatch(ctx, threadID, newStreamID)
}

func (o *Orchestrator) cancelStaleActiveStream(ctx context.Context, streamID model.StreamID) error {
	s, err := o.store.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if s.State.IsTerminal() {
		return nil
	}
	reason := "superseded"
	if s.State.Tag == model.StreamTagStreaming {
		reason = "expired"
	}
	return o.streams.Abort(ctx, streamID, reason)
}
