// Package toolcalls implements the Tool-Call Manager (spec §4.4):
// persisting tool calls, executing sync tools or notifying async callbacks,
// enforcing per-call timeouts, applying execution retry, and gating turn
// continuation once every pending call for a thread settles.
package toolcalls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/turnengine/config"
	"goa.design/turnengine/hooks"
	"goa.design/turnengine/model"
	"goa.design/turnengine/retry"
	"goa.design/turnengine/store"
	"goa.design/turnengine/toolerrors"
	"goa.design/turnengine/tools"
	"goa.design/turnengine/workpool"
)

// Streams is the subset of the Stream Manager the Tool-Call Manager needs:
// checking liveness before deciding continue-vs-reschedule (spec §4.4
// onToolComplete step 3) and aborting the active stream on a late stop
// signal (spec §4.4 onToolComplete step 1).
type Streams interface {
	IsAlive(ctx context.Context, streamID model.StreamID) (bool, error)
	Abort(ctx context.Context, streamID model.StreamID, reason string) error
}

// DeltaAppender attaches tool-outcome parts to a thread's current stream,
// independent of the lock-protected streaming path (spec §4.4: "emit a
// tool-output-available/-error delta if saveDelta").
type DeltaAppender interface {
	AppendToolOutcome(ctx context.Context, threadID model.ThreadID, parts []model.Part) error
}

// Continuer re-enters the Thread Orchestrator's continueStream decision
// procedure (spec §4.1, invoked by §4.4 onToolComplete step 3).
type Continuer interface {
	ContinueStream(ctx context.Context, threadID model.ThreadID) error
}

// ExecArgs is the opaque payload passed to every scheduled function this
// package enqueues; a production Scheduler.Handle resolver unmarshals it to
// re-enter the right Manager method by handle name (spec §9 "Function
// handles").
type ExecArgs struct {
	ThreadID   model.ThreadID   `json:"thread_id"`
	ToolCallID model.ToolCallID `json:"tool_call_id"`
}

// Handle names for the scheduled functions this package enqueues.
const (
	HandleExecuteToolCall          = "toolcalls.executeToolCall"
	HandleFailPendingToolCall      = "toolcalls.failPendingToolCall"
	HandleExecuteAsyncToolCallback = "toolcalls.executeAsyncToolCallback"
)

// Options configures a Manager.
type Options struct {
	Store     store.Store
	Scheduler store.Scheduler
	Registry  *tools.Registry
	Streams   Streams
	Continuer Continuer
	Hooks     hooks.Bus
	Deltas    DeltaAppender
	Config    config.Config
	// Pool, if set, bounds how many tool executions and async-callback
	// notifications run concurrently across the whole process, regardless of
	// how many scheduled functions the Scheduler fires at once (spec §5). Nil
	// runs each invocation on its own goroutine.
	Pool *workpool.Pool
}

// Manager implements the Tool-Call Manager.
type Manager struct {
	store     store.Store
	scheduler store.Scheduler
	registry  *tools.Registry
	streams   Streams
	continuer Continuer
	hooksBus  hooks.Bus
	deltas    DeltaAppender
	cfg       config.Config
	pool      *workpool.Pool
}

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("toolcalls: store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("toolcalls: scheduler is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("toolcalls: registry is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("toolcalls: streams is required")
	}
	if opts.Continuer == nil {
		return nil, errors.New("toolcalls: continuer is required")
	}
	cfg := opts.Config
	if cfg.ToolCallTimeout <= 0 {
		cfg = config.Defaults()
	}
	hb := opts.Hooks
	if hb == nil {
		hb = hooks.NewBus()
	}
	return &Manager{
		store: opts.Store, scheduler: opts.Scheduler, registry: opts.Registry,
		streams: opts.Streams, continuer: opts.Continuer, hooksBus: hb,
		deltas: opts.Deltas, cfg: cfg, pool: opts.Pool,
	}, nil
}

// runBounded invokes fn directly, or through the configured Pool if one is
// set, so scheduler-fired executions are capped at the pool's fixed size
// regardless of how many the scheduler backend fires concurrently.
func (m *Manager) runBounded(ctx context.Context, fn func(context.Context) error) error {
	if m.pool == nil {
		return fn(ctx)
	}
	var runErr error
	fut, err := m.pool.Go(ctx, func(ctx context.Context) { runErr = fn(ctx) })
	if err != nil {
		return err
	}
	if err := fut.Wait(ctx); err != nil {
		return err
	}
	return runErr
}

// Create persists a new pending tool call for toolName (looked up in the
// Registry to decide sync vs async and to validate args against its input
// schema) and schedules its execution or callback notification (spec §4.4
// "Creation").
func (m *Manager) Create(ctx context.Context, threadID model.ThreadID, msgID model.MessageID, toolCallRef, toolName string, args []byte) (model.ToolCallID, error) {
	spec, ok := m.registry.Lookup(toolName)
	if !ok {
		return "", fmt.Errorf("toolcalls: tool %q is not registered", toolName)
	}
	if existing, err := m.store.GetToolCallByRef(ctx, threadID, toolCallRef); err == nil {
		return existing.ID, fmt.Errorf("toolcalls: tool call %q already exists for thread %s", toolCallRef, threadID)
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	if err := m.registry.Validate(toolName, args); err != nil {
		// A schema validation failure is a tool failure, not a caller error
		// (spec §4.2a): persist a failed record rather than rejecting Create.
		tc := m.newToolCall(threadID, msgID, toolCallRef, toolName, args, spec)
		tc.Status = model.ToolCallFailed
		tc.Error = err.Error()
		if insertErr := m.store.InsertToolCall(ctx, tc); insertErr != nil {
			return "", insertErr
		}
		return tc.ID, nil
	}

	tc := m.newToolCall(threadID, msgID, toolCallRef, toolName, args, spec)
	if err := m.store.InsertToolCall(ctx, tc); err != nil {
		return "", err
	}

	if tc.ExpiresAt != nil {
		fnID, err := m.scheduler.RunAfter(ctx, time.Until(*tc.ExpiresAt), HandleFailPendingToolCall,
			m.failFn(threadID, tc.ID), ExecArgs{ThreadID: threadID, ToolCallID: tc.ID})
		if err == nil {
			_ = m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error { t.TimeoutFnID = fnID; return nil })
		}
	}

	if spec.Kind == tools.KindAsync {
		if _, err := m.scheduler.RunAfter(ctx, 0, HandleExecuteAsyncToolCallback,
			m.asyncFn(threadID, tc.ID), ExecArgs{ThreadID: threadID, ToolCallID: tc.ID}); err != nil {
			return tc.ID, err
		}
		return tc.ID, nil
	}
	if _, err := m.scheduler.RunAfter(ctx, 0, HandleExecuteToolCall,
		m.execFn(threadID, tc.ID), ExecArgs{ThreadID: threadID, ToolCallID: tc.ID}); err != nil {
		return tc.ID, err
	}
	return tc.ID, nil
}

func (m *Manager) newToolCall(threadID model.ThreadID, msgID model.MessageID, toolCallRef, toolName string, args []byte, spec tools.Spec) *model.ToolCall {
	now := time.Now().UTC()
	tc := &model.ToolCall{
		ID: model.ToolCallID(uuid.NewString()), ThreadID: threadID, MsgID: msgID,
		ToolCallRef: toolCallRef, ToolName: toolName, Args: args, Status: model.ToolCallPending,
		SaveDelta: spec.SaveDelta, IsAsync: spec.Kind == tools.KindAsync,
		ExecutionMaxAttempts: m.cfg.SyncToolMaxAttempts, ExecutionRetryPolicy: spec.Retry,
		CreatedAt: now, UpdatedAt: now,
	}
	if spec.Retry != nil && spec.Retry.MaxAttempts > 0 {
		tc.ExecutionMaxAttempts = spec.Retry.MaxAttempts
	}
	timeout := m.cfg.ToolCallTimeout
	if spec.TimeoutMs != nil {
		timeout = time.Duration(*spec.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		expiresAt := now.Add(timeout)
		tc.ExpiresAt = &expiresAt
	}
	return tc
}

func (m *Manager) execFn(threadID model.ThreadID, toolCallID model.ToolCallID) store.ScheduledFunc {
	return func(ctx context.Context, _ any) error {
		return m.runBounded(ctx, func(ctx context.Context) error { return m.ExecuteToolCall(ctx, threadID, toolCallID) })
	}
}

func (m *Manager) asyncFn(threadID model.ThreadID, toolCallID model.ToolCallID) store.ScheduledFunc {
	return func(ctx context.Context, _ any) error {
		return m.runBounded(ctx, func(ctx context.Context) error { return m.ExecuteAsyncCallback(ctx, threadID, toolCallID) })
	}
}

func (m *Manager) failFn(threadID model.ThreadID, toolCallID model.ToolCallID) store.ScheduledFunc {
	return func(ctx context.Context, _ any) error { return m.FailPendingToolCall(ctx, threadID, toolCallID) }
}

// ExecuteToolCall runs a sync tool's Handler and applies the execution
// retry policy on failure (spec §4.4 "executeToolCall").
func (m *Manager) ExecuteToolCall(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID) error {
	tc, err := m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if tc.Status != model.ToolCallPending {
		return nil
	}
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.StopSignal || thread.Status == model.ThreadStopped {
		return m.finishWithError(ctx, tc, "cancelled because the thread was stopped")
	}
	spec, ok := m.registry.Lookup(tc.ToolName)
	if !ok || spec.Handler == nil {
		return m.finishWithError(ctx, tc, fmt.Sprintf("tool %q has no sync handler registered", tc.ToolName))
	}

	if err := m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error {
		t.ExecutionAttempt++
		t.NextRetryAt = nil
		t.ExecutionRetryFnID = ""
		return nil
	}); err != nil {
		return err
	}
	tc, err = m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return err
	}

	result, runErr := spec.Handler(ctx, tc.Args)
	if runErr == nil {
		return m.completeSuccess(ctx, tc, result)
	}
	return m.handleExecutionFailure(ctx, tc, spec, runErr)
}

func (m *Manager) handleExecutionFailure(ctx context.Context, tc *model.ToolCall, spec tools.Spec, runErr error) error {
	retryable := toolerrors.DefaultRetryable(runErr)
	if spec.ShouldRetryError != nil {
		if r, ok := spec.ShouldRetryError(runErr); ok {
			retryable = r
		}
	}
	policy := tc.ExecutionRetryPolicy
	canRetry := policy != nil && policy.Enabled && retryable && tc.ExecutionAttempt < tc.ExecutionMaxAttempts
	if !canRetry {
		return m.finishWithError(ctx, tc, runErr.Error())
	}

	delay := computeToolDelay(*policy, tc.ExecutionAttempt)
	nextAt := time.Now().UTC().Add(delay)
	if err := m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error {
		t.ExecutionLastError = runErr.Error()
		t.NextRetryAt = &nextAt
		return nil
	}); err != nil {
		return err
	}
	fnID, err := m.scheduler.RunAfter(ctx, delay, HandleExecuteToolCall,
		m.execFn(tc.ThreadID, tc.ID), ExecArgs{ThreadID: tc.ThreadID, ToolCallID: tc.ID})
	if err != nil {
		return err
	}
	return m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error { t.ExecutionRetryFnID = fnID; return nil })
}

func computeToolDelay(p model.RetryPolicy, attempt int) time.Duration {
	if p.Strategy == model.RetryStrategyFixed {
		return retry.FixedDelay(time.Duration(p.InitialDelayMs)*time.Millisecond, p.Jitter)
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	policy := retry.BackoffPolicy{
		Initial:    time.Duration(p.InitialDelayMs) * time.Millisecond,
		Max:        time.Duration(p.MaxDelayMs) * time.Millisecond,
		Multiplier: mult,
		Jitter:     p.Jitter,
	}
	return policy.Delay(attempt)
}

// ExecuteAsyncCallback notifies an async tool's Callback and retries
// notification failures up to ASYNC_CALLBACK_MAX_ATTEMPTS (spec §4.4 "Async
// tool scheduling").
func (m *Manager) ExecuteAsyncCallback(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID) error {
	tc, err := m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if tc.Status != model.ToolCallPending {
		return nil
	}
	spec, ok := m.registry.Lookup(tc.ToolName)
	if !ok || spec.Callback == nil {
		return m.finishWithError(ctx, tc, fmt.Sprintf("tool %q has no async callback registered", tc.ToolName))
	}

	if err := m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error { t.CallbackAttempt++; return nil }); err != nil {
		return err
	}
	tc, err = m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return err
	}

	cbErr := spec.Callback(ctx, threadID, string(tc.ID), tc.ToolName, tc.Args)
	if cbErr == nil {
		return nil
	}
	if tc.CallbackAttempt >= m.cfg.AsyncCallbackMaxAttempts {
		return m.finishWithError(ctx, tc, fmt.Sprintf("async callback failed after %d attempts: %s", tc.CallbackAttempt, cbErr.Error()))
	}
	if err := m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error { t.CallbackLastError = cbErr.Error(); return nil }); err != nil {
		return err
	}
	delay := (retry.BackoffPolicy{
		Initial: m.cfg.AsyncCallbackBaseDelay, Max: m.cfg.AsyncCallbackBaseDelay * 8, Multiplier: 2, Jitter: true,
	}).Delay(tc.CallbackAttempt)
	_, err = m.scheduler.RunAfter(ctx, delay, HandleExecuteAsyncToolCallback,
		m.asyncFn(threadID, tc.ID), ExecArgs{ThreadID: threadID, ToolCallID: tc.ID})
	return err
}

// AddToolResult ingests an async tool's successful result (spec §4.4
// "Result ingestion"). Idempotent: a terminal call is left unchanged.
func (m *Manager) AddToolResult(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID, result []byte) error {
	tc, err := m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return err
	}
	if tc.ThreadID != threadID {
		return fmt.Errorf("toolcalls: tool call %s does not belong to thread %s", toolCallID, threadID)
	}
	if tc.IsTerminal() {
		return nil
	}
	return m.completeSuccess(ctx, tc, result)
}

// AddToolError ingests an async tool's failure (spec §4.4 "Result
// ingestion"). Idempotent: a terminal call is left unchanged.
func (m *Manager) AddToolError(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID, message string) error {
	tc, err := m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		return err
	}
	if tc.ThreadID != threadID {
		return fmt.Errorf("toolcalls: tool call %s does not belong to thread %s", toolCallID, threadID)
	}
	if tc.IsTerminal() {
		return nil
	}
	return m.finishWithError(ctx, tc, message)
}

func (m *Manager) completeSuccess(ctx context.Context, tc *model.ToolCall, result []byte) error {
	var timeoutFnID string
	if err := m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error {
		t.Status = model.ToolCallCompleted
		t.Result = result
		t.Error = ""
		timeoutFnID = t.TimeoutFnID
		t.TimeoutFnID = ""
		return nil
	}); err != nil {
		return err
	}
	if timeoutFnID != "" {
		_ = m.scheduler.Cancel(ctx, timeoutFnID)
	}
	if tc.SaveDelta && m.deltas != nil {
		part := model.ToolOutputAvailablePart{ToolCallID: tc.ToolCallRef, Output: result}
		if err := m.deltas.AppendToolOutcome(ctx, tc.ThreadID, []model.Part{part}); err != nil {
			return err
		}
	}
	return m.onToolComplete(ctx, tc.ThreadID)
}

func (m *Manager) finishWithError(ctx context.Context, tc *model.ToolCall, message string) error {
	var timeoutFnID string
	var already bool
	if err := m.store.PatchToolCall(ctx, tc.ID, func(t *model.ToolCall) error {
		if t.IsTerminal() {
			already = true
			return nil
		}
		t.Status = model.ToolCallFailed
		t.Error = message
		timeoutFnID = t.TimeoutFnID
		t.TimeoutFnID = ""
		return nil
	}); err != nil {
		return err
	}
	if already {
		return nil
	}
	if timeoutFnID != "" {
		_ = m.scheduler.Cancel(ctx, timeoutFnID)
	}
	if tc.SaveDelta && m.deltas != nil {
		part := model.ToolOutputErrorPart{ToolCallID: tc.ToolCallRef, Error: message}
		if err := m.deltas.AppendToolOutcome(ctx, tc.ThreadID, []model.Part{part}); err != nil {
			return err
		}
	}
	return m.onToolComplete(ctx, tc.ThreadID)
}

// FailPendingToolCall fails a still-pending call once its TOOL_CALL_TIMEOUT_MS
// deadline has elapsed (spec §4.4 "Timeout sweeper").
func (m *Manager) FailPendingToolCall(ctx context.Context, threadID model.ThreadID, toolCallID model.ToolCallID) error {
	tc, err := m.store.GetToolCall(ctx, toolCallID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if tc.Status != model.ToolCallPending {
		return nil
	}
	if tc.ExpiresAt == nil || time.Now().UTC().Before(*tc.ExpiresAt) {
		return nil
	}
	return m.finishWithError(ctx, tc, fmt.Sprintf("Tool call timed out after %s", m.cfg.ToolCallTimeout))
}

// onToolComplete re-evaluates the thread once a tool call settles (spec
// §4.4 "onToolComplete").
func (m *Manager) onToolComplete(ctx context.Context, threadID model.ThreadID) error {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.StopSignal {
		prevStatus := thread.Status
		var prevStream *model.StreamID
		if err := m.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
			prevStream = t.ActiveStream
			t.Status = model.ThreadStopped
			t.ActiveStream = nil
			t.RetryState = nil
			return nil
		}); err != nil {
			return err
		}
		if prevStream != nil {
			_ = m.streams.Abort(ctx, *prevStream, "stopSignal")
		}
		return m.hooksBus.Publish(ctx, hooks.NewStatusChangedEvent(threadID, prevStatus, model.ThreadStopped))
	}

	pending, err := m.store.ListPendingToolCalls(ctx, threadID)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	if thread.ActiveStream != nil {
		alive, err := m.streams.IsAlive(ctx, *thread.ActiveStream)
		if err != nil {
			return err
		}
		if alive {
			return m.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.Continue = true; return nil })
		}
	}
	return m.continuer.ContinueStream(ctx, threadID)
}

// ResumePendingSyncToolExecutions re-enqueues pending sync tool calls whose
// execution-retry scheduled function is no longer pending in the scheduler,
// used by the recovery cron (spec §4.4 "Resumption sweep").
func (m *Manager) ResumePendingSyncToolExecutions(ctx context.Context, limit int) error {
	calls, err := m.store.ListPendingSyncToolCallsForResumption(ctx, limit)
	if err != nil {
		return err
	}
	for _, tc := range calls {
		if tc.ExecutionRetryFnID != "" {
			state, err := m.scheduler.Get(ctx, tc.ExecutionRetryFnID)
			if err == nil && state == store.ScheduledPending {
				continue
			}
		}
		delay := time.Duration(0)
		if tc.NextRetryAt != nil {
			if d := time.Until(*tc.NextRetryAt); d > 0 {
				delay = d
			}
		}
		if _, err := m.scheduler.RunAfter(ctx, delay, HandleExecuteToolCall,
			m.execFn(tc.ThreadID, tc.ID), ExecArgs{ThreadID: tc.ThreadID, ToolCallID: tc.ID}); err != nil {
			return err
		}
	}
	return nil
}
