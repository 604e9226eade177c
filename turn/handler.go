// Package turn implements the Stream Handler (spec §4.2): the exclusive-lock
// owner that drives one LLM turn end to end, persists its output, schedules
// tool calls, and classifies/retries failures.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/turnengine/config"
	"goa.design/turnengine/hooks"
	"goa.design/turnengine/llm"
	"goa.design/turnengine/model"
	"goa.design/turnengine/retry"
	"goa.design/turnengine/store"
	"goa.design/turnengine/streams"
	"goa.design/turnengine/workpool"
)

// HandleContinueStream is the scheduled-function handle name used to
// re-enter the orchestrator's continueStream after a stream-level retry
// delay elapses (spec §4.2 step 10).
const HandleContinueStream = "turn.continueStream"

// Streams is the subset of the Stream Manager the Stream Handler needs,
// declared locally so this package never imports package streams directly.
type Streams interface {
	Take(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID) (*model.Stream, error)
	Heartbeat(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID) error
	AddDelta(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID, msgID model.MessageID, parts []model.Part) error
	Finish(ctx context.Context, streamID model.StreamID) error
	Abort(ctx context.Context, streamID model.StreamID, reason string) error
}

// ToolCalls is the subset of the Tool-Call Manager the Stream Handler needs.
type ToolCalls interface {
	Create(ctx context.Context, threadID model.ThreadID, msgID model.MessageID, toolCallRef, toolName string, args []byte) (model.ToolCallID, error)
}

// Continuer re-enters the Thread Orchestrator's continueStream decision
// procedure (spec §4.1), invoked both at finalize (step 12) and after a
// scheduled retry delay (step 10).
type Continuer interface {
	ContinueStream(ctx context.Context, threadID model.ThreadID) error
}

// Logger is the minimal logging sink the Stream Handler uses for
// best-effort diagnostics that must not abort the turn (spec §4.2 steps 1,
// 2). A telemetry-backed implementation can satisfy this without this
// package importing package telemetry.
type Logger interface {
	Errorf(format string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Errorf(string, ...any) {}

// RetryDecision is the caller-overridable outcome of a stream-level retry
// evaluation (spec §4.2 step 10's user `retry.classify` hook).
type RetryDecision struct {
	Retry bool
	// DelayOverride, if non-zero, takes precedence over the classifier's
	// Retry-After hint and the default backoff policy.
	DelayOverride time.Duration
	// RetryAfterToolCalls opts into retrying even though this attempt already
	// scheduled tool calls.
	RetryAfterToolCalls bool
}

// ClassifyFunc lets a caller override the default retry decision derived
// from retry.Classify, given the current attempt counters (spec §4.2 step
// 10).
type ClassifyFunc func(attempt, maxAttempts, toolCallsScheduled, streamPartCount int, classification retry.Classification, def RetryDecision) RetryDecision

// TransformMessagesFunc post-processes the converted model input before it
// is sent to the provider (spec §4.2 step 5 "transformMessages hook").
type TransformMessagesFunc func(ctx context.Context, threadID model.ThreadID, msgs []llm.Message) ([]llm.Message, error)

// Options configures a Handler.
type Options struct {
	Store     store.Store
	Scheduler store.Scheduler
	Streams   Streams
	ToolCalls ToolCalls
	Continuer Continuer
	Client    llm.Client
	Hooks     hooks.Bus
	Config    config.Config
	Logger    Logger
	// Pool, if set, bounds how many turns run concurrently across the whole
	// process; nil dispatches each turn on its own goroutine.
	Pool *workpool.Pool

	// Model, MaxTokens, Temperature, and Tools parameterize every Request
	// this Handler issues; SystemPrompt, if set, is prepended as a system
	// message.
	Model        string
	MaxTokens    int
	Temperature  float32
	SystemPrompt string
	Tools        []llm.ToolDefinition

	// TransformMessages and Classify are optional hooks; nil disables them.
	TransformMessages TransformMessagesFunc
	Classify          ClassifyFunc

	// DisableRetry turns off stream-level retry entirely regardless of
	// classification.
	DisableRetry bool
}

// Handler implements the Stream Handler.
type Handler struct {
	store     store.Store
	scheduler store.Scheduler
	streams   Streams
	toolCalls ToolCalls
	continuer Continuer
	client    llm.Client
	hooksBus  hooks.Bus
	cfg       config.Config
	log       Logger
	pool      *workpool.Pool

	model        string
	maxTokens    int
	temperature  float32
	systemPrompt string
	tools        []llm.ToolDefinition

	transformMessages TransformMessagesFunc
	classify          ClassifyFunc
	retryEnabled      bool
}

// New constructs a Handler.
func New(opts Options) (*Handler, error) {
	if opts.Store == nil {
		return nil, errors.New("turn: store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("turn: scheduler is required")
	}
	if opts.Streams == nil {
		return nil, errors.New("turn: streams is required")
	}
	if opts.ToolCalls == nil {
		return nil, errors.New("turn: toolCalls is required")
	}
	if opts.Continuer == nil {
		return nil, errors.New("turn: continuer is required")
	}
	if opts.Client == nil {
		return nil, errors.New("turn: client is required")
	}
	cfg := opts.Config
	if cfg.ThrottleInterval <= 0 {
		cfg = config.Defaults()
	}
	hb := opts.Hooks
	if hb == nil {
		hb = hooks.NewBus()
	}
	lg := opts.Logger
	if lg == nil {
		lg = noopLogger{}
	}
	return &Handler{
		store: opts.Store, scheduler: opts.Scheduler, streams: opts.Streams,
		toolCalls: opts.ToolCalls, continuer: opts.Continuer, client: opts.Client,
		hooksBus: hb, cfg: cfg, log: lg, pool: opts.Pool,
		model: opts.Model, maxTokens: opts.MaxTokens, temperature: opts.Temperature,
		systemPrompt: opts.SystemPrompt, tools: opts.Tools,
		transformMessages: opts.TransformMessages, classify: opts.Classify,
		retryEnabled: !opts.DisableRetry,
	}, nil
}

// Dispatch implements threads.Handler: it runs the turn as an independent
// task and returns immediately (spec §5 "action-level operations run as
// independent tasks").
func (h *Handler) Dispatch(_ context.Context, threadID model.ThreadID, streamID model.StreamID) error {
	task := func(ctx context.Context) {
		if err := h.run(ctx, threadID, streamID); err != nil {
			h.log.Errorf("turn: thread %s stream %s: %v", threadID, streamID, err)
		}
	}
	if h.pool != nil {
		_, err := h.pool.Go(context.Background(), task)
		return err
	}
	go task(context.Background())
	return nil
}

// run executes spec §4.2's 12-step protocol for one stream.
func (h *Handler) run(ctx context.Context, threadID model.ThreadID, streamID model.StreamID) error {
	lockID := model.LockID(uuid.NewString())

	// Step 1.
	stream, err := h.streams.Take(ctx, threadID, streamID, lockID)
	if err != nil {
		h.log.Errorf("turn: take stream %s: %v", streamID, err)
		return nil
	}

	// Step 2.
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		h.runHeartbeat(heartbeatCtx, threadID, streamID, lockID)
	}()
	defer func() { stopHeartbeat(); hbWG.Wait() }()

	// Step 3.
	thread, err := h.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	attempt := 1
	maxAttempts := h.cfg.DefaultRetryMaxAttempts
	if thread.RetryState != nil {
		attempt = thread.RetryState.Attempt + 1
		if thread.RetryState.MaxAttempts > 0 {
			maxAttempts = thread.RetryState.MaxAttempts
		}
	}

	outcome, runErr := h.drive(ctx, threadID, streamID, lockID, stream)
	if runErr != nil {
		return h.handleTurnError(ctx, threadID, streamID, stream.Seq, attempt, maxAttempts, outcome, runErr)
	}

	// Step 9.
	if err := h.streams.Finish(ctx, streamID); err != nil {
		return err
	}
	if err := h.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.RetryState = nil; return nil }); err != nil {
		return err
	}

	if outcome.finishReason != "" && outcome.finishReason != llm.FinishReasonToolCalls {
		if err := h.hooksBus.Publish(ctx, hooks.NewTurnCompleteEvent(threadID, streamID, outcome.finishReason)); err != nil {
			return err
		}
	}

	// Step 12.
	return h.finalize(ctx, threadID, streamID, stream.Seq, outcome.terminalStatus())
}

func (h *Handler) runHeartbeat(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID) {
	interval := h.cfg.HeartbeatInterval
	if interval <= 0 || interval > h.cfg.TimeoutInterval/4 {
		interval = h.cfg.TimeoutInterval / 4
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.streams.Heartbeat(ctx, threadID, streamID, lockID); err != nil {
				h.log.Errorf("turn: heartbeat stream %s: %v", streamID, err)
			}
		}
	}
}

// turnOutcome accumulates the counters and artifacts spec §4.2 step 6/8
// needs to classify the turn's terminal state.
type turnOutcome struct {
	toolCallsScheduled int
	streamPartCount    int
	finishReason       string
	assistantMsgID     model.MessageID
	assistantParts     []model.Part
}

func (o *turnOutcome) terminalStatus() *model.ThreadStatus {
	if o.toolCallsScheduled > 0 {
		s := model.ThreadAwaitingToolResults
		return &s
	}
	if o.finishReason != "" && o.finishReason != llm.FinishReasonToolCalls {
		s := model.ThreadCompleted
		return &s
	}
	return nil
}

// drive implements steps 4 through 8.
func (h *Handler) drive(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID, stream *model.Stream) (turnOutcome, error) {
	var outcome turnOutcome

	// Step 4.
	msgs, err := h.store.ListMessages(ctx, threadID)
	if err != nil {
		return outcome, err
	}
	lookup := func(ref string) (*model.ToolCall, error) { return h.store.GetToolCallByRef(ctx, threadID, ref) }
	if err := applyToolOutcomes(msgs, lookup); err != nil {
		return outcome, err
	}

	// Step 5.
	reqMessages := make([]llm.Message, 0, len(msgs)+1)
	if h.systemPrompt != "" {
		reqMessages = append(reqMessages, llm.Message{Role: string(model.RoleSystem), Parts: []llm.MessagePart{{Text: h.systemPrompt}}})
	}
	reqMessages = append(reqMessages, toLLMRequestMessages(msgs)...)
	if h.transformMessages != nil {
		reqMessages, err = h.transformMessages(ctx, threadID, reqMessages)
		if err != nil {
			return outcome, err
		}
	}

	streamer, err := h.client.Stream(ctx, llm.Request{
		Model: h.model, Messages: reqMessages, Tools: h.tools,
		MaxTokens: h.maxTokens, Temperature: h.temperature,
	})
	if err != nil {
		return outcome, err
	}
	defer streamer.Close()

	buf := newDeltaBuffer(h.streams, h.cfg.ThrottleInterval, threadID, streamID, lockID)

	// Step 6.
	for {
		part, recvErr := streamer.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return outcome, recvErr
		}
		switch p := part.(type) {
		case llm.StartPart:
			if err := buf.setMessage(ctx, model.MessageID(p.MessageID)); err != nil {
				return outcome, err
			}
			outcome.assistantMsgID = model.MessageID(p.MessageID)
		case llm.TextDeltaPart:
			outcome.streamPartCount++
			mp := model.TextPart{ID: p.ID, Delta: p.Delta}
			outcome.assistantParts = append(outcome.assistantParts, mp)
			if err := buf.push(ctx, mp); err != nil {
				return outcome, err
			}
		case llm.ReasoningDeltaPart:
			outcome.streamPartCount++
			mp := model.ReasoningPart{ID: p.ID, Delta: p.Delta}
			outcome.assistantParts = append(outcome.assistantParts, mp)
			if err := buf.push(ctx, mp); err != nil {
				return outcome, err
			}
		case llm.ToolInputDeltaPart:
			// Discarded per the compaction rules (spec §4.3): never persisted,
			// but still a meaningful part for retry-eligibility counting.
			outcome.streamPartCount++
		case llm.ToolInputAvailablePart:
			outcome.streamPartCount++
			mp := model.ToolInputAvailablePart{ToolCallID: p.ToolCallID, ToolName: p.ToolName, Input: []byte(p.Input)}
			outcome.assistantParts = append(outcome.assistantParts, mp)
			if err := buf.push(ctx, mp); err != nil {
				return outcome, err
			}
			if _, err := h.toolCalls.Create(ctx, threadID, outcome.assistantMsgID, p.ToolCallID, p.ToolName, p.Input); err != nil {
				return outcome, fmt.Errorf("turn: schedule tool call %s: %w", p.ToolCallID, err)
			}
			outcome.toolCallsScheduled++
		case llm.FinishPart:
			outcome.finishReason = p.FinishReason
		case llm.ErrorPart:
			return outcome, errors.New(p.ErrorText)
		case llm.UnknownPart:
			mp := model.UnknownPart{Type: p.Type, Payload: []byte(p.Payload)}
			outcome.assistantParts = append(outcome.assistantParts, mp)
			if err := buf.push(ctx, mp); err != nil {
				return outcome, err
			}
		}
	}
	if err := buf.flush(ctx); err != nil {
		return outcome, err
	}

	// Step 7.
	if outcome.assistantMsgID != "" && len(outcome.assistantParts) > 0 {
		msg := &model.Message{
			ID: outcome.assistantMsgID, ThreadID: threadID, Role: model.RoleAssistant,
			Parts: compactAssistantParts(outcome.assistantParts), CommittedSeq: &stream.Seq, CreatedAt: time.Now().UTC(),
		}
		if err := h.store.InsertMessage(ctx, msg); err != nil {
			return outcome, err
		}
		reapplied := []*model.Message{msg}
		if err := applyToolOutcomes(reapplied, lookup); err != nil {
			return outcome, err
		}
		if err := h.store.PatchMessage(ctx, msg.ID, func(m *model.Message) error { m.Parts = reapplied[0].Parts; return nil }); err != nil {
			return outcome, err
		}
	}

	return outcome, nil
}

// compactAssistantParts merges adjacent same-id text/reasoning parts the
// same way the stream's persisted deltas are compacted, so the assembled
// assistant message matches what a client replaying deltas would see.
func compactAssistantParts(parts []model.Part) []model.Part {
	return streams.CompactParts(parts)
}

func (h *Handler) handleTurnError(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, expectedSeq int64, attempt, maxAttempts int, outcome turnOutcome, runErr error) error {
	message := runErr.Error()
	if message == "" {
		message = "Unknown error"
	}
	cls := retry.Classify(runErr)
	decision := RetryDecision{Retry: cls.Retryable}
	if h.classify != nil {
		decision = h.classify(attempt, maxAttempts, outcome.toolCallsScheduled, outcome.streamPartCount, cls, decision)
	}

	canRetry := h.retryEnabled && decision.Retry && attempt < maxAttempts &&
		(outcome.toolCallsScheduled == 0 || decision.RetryAfterToolCalls) &&
		outcome.streamPartCount == 0

	if canRetry {
		delay := decision.DelayOverride
		if delay <= 0 {
			delay = cls.BackoffHint
		}
		if delay <= 0 {
			delay = retry.DefaultBackoffPolicy().Delay(attempt)
		}
		nextAt := time.Now().UTC().Add(delay)
		retryState := &model.RetryState{
			Scope: "stream", Attempt: attempt, MaxAttempts: maxAttempts, NextRetryAt: nextAt,
			Error: message, Kind: string(cls.Kind), Retryable: cls.Retryable, RequiresExplicitHandling: cls.RequiresExplicitHandling,
		}
		if err := h.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.RetryState = retryState; return nil }); err != nil {
			return err
		}
		if err := h.streams.Abort(ctx, streamID, message); err != nil {
			return err
		}
		if err := h.hooksBus.Publish(ctx, hooks.NewRetryEvent(threadID, streamID, attempt, maxAttempts, string(cls.Kind), message, delay.Milliseconds())); err != nil {
			return err
		}
		fnID, err := h.scheduler.RunAfter(ctx, delay, HandleContinueStream, h.continueStreamFn(threadID), threadID)
		if err != nil {
			return err
		}
		return h.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
			if t.RetryState != nil {
				t.RetryState.RetryFnID = fnID
			}
			return nil
		})
	}

	// Step 11: not retried.
	if err := h.store.PatchThread(ctx, threadID, func(t *model.Thread) error { t.RetryState = nil; return nil }); err != nil {
		return err
	}
	if err := h.streams.Abort(ctx, streamID, message); err != nil {
		return err
	}
	if err := h.hooksBus.Publish(ctx, hooks.NewErrorEvent(threadID, streamID, string(cls.Kind), message)); err != nil {
		return err
	}
	failed := model.ThreadFailed
	if err := h.finalize(ctx, threadID, streamID, expectedSeq, &failed); err != nil {
		return err
	}
	return fmt.Errorf("turn: %s", message)
}

func (h *Handler) continueStreamFn(threadID model.ThreadID) store.ScheduledFunc {
	return func(ctx context.Context, _ any) error { return h.continuer.ContinueStream(ctx, threadID) }
}

// finalize implements finalizeStreamTurn (spec §4.2 step 12, §5, §9): it is
// idempotent and guarded by the compare-and-set pair
// (thread.activeStream == streamID, stream.seq == expectedSeq). Stream.Seq
// is assigned once, from Thread.Seq, at stream creation (streams.Create), so
// thread.Seq doubles as the active stream's seq without a second store
// round trip. On a mismatch finalize takes no effect and records the
// occurrence in finalizeMismatches; otherwise it patches status, reads and
// clears the continue flag, and re-enters continueStream if it was set.
func (h *Handler) finalize(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, expectedSeq int64, status *model.ThreadStatus) error {
	var shouldContinue, mismatch bool
	if err := h.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
		if t.ActiveStream == nil || *t.ActiveStream != streamID || t.Seq != expectedSeq {
			mismatch = true
			return nil
		}
		if status != nil {
			t.Status = *status
		}
		shouldContinue = t.Continue
		t.Continue = false
		return nil
	}); err != nil {
		return err
	}
	if mismatch {
		if n := finalizeMismatches.record(threadID); n >= finalizeMismatchLogThreshold {
			h.log.Errorf("turn: finalizeStreamTurn mismatch for thread %s: %d occurrences in the last %s", threadID, n, finalizeMismatchWindow)
		}
		return nil
	}
	if shouldContinue {
		return h.continuer.ContinueStream(ctx, threadID)
	}
	return nil
}
