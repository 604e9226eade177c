// Package model defines the durable document schema for the turn engine:
// threads, messages, streams, deltas, and tool calls, plus the state unions
// each entity carries between mutations.
//
// These types are plain data. Ownership and transition rules live with the
// components that mutate them (threads.Orchestrator, streams.Manager,
// toolcalls.Manager); this package only fixes the shape every component and
// store implementation agrees on.
package model

import "time"

type (
	// ThreadID identifies a Thread. IDs are opaque and store-assigned unless a
	// caller supplies one explicitly.
	ThreadID string

	// MessageID identifies a Message. Message IDs are typically assigned by the
	// model provider (the assistant message id from the part stream).
	MessageID string

	// StreamID identifies a Stream.
	StreamID string

	// ToolCallID identifies a ToolCall record. It is distinct from ToolCallRef,
	// the model-assigned tool_call_id correlating a tool use to its result.
	ToolCallID string

	// LockID is an opaque random token proving the right to write deltas to a
	// specific Stream invocation. See streams.Manager.Take.
	LockID string

	// ThreadStatus is the lifecycle state of a Thread (spec §3).
	ThreadStatus string

	// ToolCallStatus is the lifecycle state of a ToolCall (spec §3).
	ToolCallStatus string

	// MessageRole identifies the speaker of a Message.
	MessageRole string
)

const (
	// ThreadStreaming indicates an LLM turn is actively in flight.
	ThreadStreaming ThreadStatus = "streaming"
	// ThreadAwaitingToolResults indicates the thread is waiting on one or more
	// pending tool calls before the turn can continue.
	ThreadAwaitingToolResults ThreadStatus = "awaiting_tool_results"
	// ThreadCompleted indicates the most recent turn finished with model output
	// and no further work is scheduled.
	ThreadCompleted ThreadStatus = "completed"
	// ThreadFailed indicates the most recent turn ended in an unrecoverable
	// error.
	ThreadFailed ThreadStatus = "failed"
	// ThreadStopped indicates a user-initiated stop was observed and honored.
	ThreadStopped ThreadStatus = "stopped"
)

const (
	// ToolCallPending indicates the call has been scheduled but has not yet
	// produced a terminal result.
	ToolCallPending ToolCallStatus = "pending"
	// ToolCallCompleted is a terminal success state.
	ToolCallCompleted ToolCallStatus = "completed"
	// ToolCallFailed is a terminal failure state.
	ToolCallFailed ToolCallStatus = "failed"
)

const (
	// RoleSystem identifies a system message.
	RoleSystem MessageRole = "system"
	// RoleUser identifies a user message.
	RoleUser MessageRole = "user"
	// RoleAssistant identifies an assistant message.
	RoleAssistant MessageRole = "assistant"
)

type (
	// Thread is the durable conversation container and state machine described
	// in spec §3. It is the root of every invariant in this repository.
	Thread struct {
		ID ThreadID
		// Status is the thread's current lifecycle state.
		Status ThreadStatus
		// StopSignal records a user-requested stop. It stays set after the
		// orchestrator observes it and is cleared by SendMessage and
		// ResumeThread.
		StopSignal bool
		// ActiveStream is the stream presently owning this thread's turn, if any.
		ActiveStream *StreamID
		// Continue, when true, tells a live Stream Handler invocation to
		// re-enter continueStream at finalize rather than let the turn end.
		Continue bool
		// Seq is the monotonic per-thread stream counter; the next stream
		// allocated for this thread gets Seq+1.
		Seq int64
		// RetryState is set exactly when a scheduled function will re-enter
		// continueStream for this thread (invariant 7).
		RetryState *RetryState
		// CreatedAt and UpdatedAt are bookkeeping timestamps.
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// RetryState captures an in-flight stream-level retry, per spec §3.
	RetryState struct {
		Scope                   string // always "stream"
		Attempt                 int
		MaxAttempts             int
		NextRetryAt             time.Time
		Error                   string
		Kind                    string
		Retryable               bool
		RequiresExplicitHandling bool
		// RetryFnID is the scheduler handle for the pending retry callback.
		RetryFnID string
	}

	// Message is a single chat message belonging to a thread.
	Message struct {
		ID        MessageID
		ThreadID  ThreadID
		Role      MessageRole
		Parts     []Part
		// CommittedSeq is the Stream.Seq whose turn produced this message, once
		// the assistant message has been durably persisted (as opposed to only
		// existing as in-flight deltas).
		CommittedSeq *int64
		Metadata     map[string]any
		CreatedAt    time.Time
	}

	// StreamStateTag discriminates the StreamState union.
	StreamStateTag string

	// StreamState is the tagged union described in spec §3. Exactly one of the
	// pointer fields matching Tag is non-nil.
	StreamState struct {
		Tag StreamStateTag

		Pending   *StreamPending
		Streaming *StreamStreaming
		Finished  *StreamFinished
		Aborted   *StreamAborted
	}

	// StreamPending is the initial state of a freshly allocated Stream.
	StreamPending struct {
		ScheduledAt time.Time
	}

	// StreamStreaming is the state held by the single Stream Handler invocation
	// that owns the stream's lock.
	StreamStreaming struct {
		LockID        LockID
		LastHeartbeat time.Time
		TimeoutFnID   string
	}

	// StreamFinished is the terminal success state; CleanupFnID references the
	// scheduled delete that runs after DELETE_STREAM_DELAY.
	StreamFinished struct {
		EndedAt     time.Time
		CleanupFnID string
	}

	// StreamAborted is the terminal non-success state.
	StreamAborted struct {
		Reason      string
		CleanupFnID string
	}

	// Stream is a single LLM invocation's append-only record (spec §3, §4.3).
	Stream struct {
		ID       StreamID
		ThreadID ThreadID
		// Seq is the per-thread monotonic stream sequence number assigned at
		// creation time (Thread.Seq at allocation).
		Seq   int64
		State StreamState
	}

	// Delta is a batch of parts written to a stream at a single per-stream Seq
	// position. Deltas are immutable once written (invariant 3).
	Delta struct {
		StreamID StreamID
		Seq      int64
		MsgID    MessageID
		Parts    []Part
	}

	// ToolCall is a model-requested invocation of an external function (spec
	// §3, §4.4).
	ToolCall struct {
		ID         ToolCallID
		ThreadID   ThreadID
		MsgID      MessageID
		ToolCallRef string // model-assigned tool_call_id
		ToolName   string
		Args       []byte // canonical JSON
		Status     ToolCallStatus
		Result     []byte // canonical JSON, set on completed
		Error      string // set on failed

		// SaveDelta controls whether tool-output-available/-error deltas are
		// emitted to the owning stream when this call resolves.
		SaveDelta bool

		// Timeout fields.
		TimeoutMs   *int64 // nil disables the per-call timeout
		ExpiresAt   *time.Time
		TimeoutFnID string

		// Execution-retry fields (sync tools only).
		ExecutionAttempt     int
		ExecutionMaxAttempts int
		ExecutionLastError   string
		ExecutionRetryPolicy *RetryPolicy
		NextRetryAt          *time.Time
		ExecutionRetryFnID   string

		// Async-callback fields.
		IsAsync         bool
		CallbackAttempt int
		CallbackLastError string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// RetryPolicy configures backoff for sync tool execution retry and, when
	// reused by the stream-level classifier, for stream retries as well (spec
	// §4.4, §4.5).
	RetryPolicy struct {
		// Enabled turns retry on or off; zero-value RetryPolicy is disabled.
		Enabled bool
		// MaxAttempts caps the total number of attempts (including the first).
		MaxAttempts int
		// Strategy selects "fixed" or "exponential" backoff.
		Strategy string
		// InitialDelayMs is the base delay.
		InitialDelayMs int64
		// Multiplier scales delay on each attempt for "exponential" strategy.
		Multiplier float64
		// MaxDelayMs caps the computed delay before jitter is applied.
		MaxDelayMs int64
		// Jitter applies uniform-in-[0,delay] full jitter when true.
		Jitter bool
	}
)

const (
	StreamTagPending   StreamStateTag = "pending"
	StreamTagStreaming StreamStateTag = "streaming"
	StreamTagFinished  StreamStateTag = "finished"
	StreamTagAborted   StreamStateTag = "aborted"
)

// RetryStrategy constants for RetryPolicy.Strategy.
const (
	RetryStrategyFixed       = "fixed"
	RetryStrategyExponential = "exponential"
)

// IsTerminal reports whether s represents a terminal stream state (finished
// or aborted). Non-terminal states are pending and streaming.
func (s StreamState) IsTerminal() bool {
	return s.Tag == StreamTagFinished || s.Tag == StreamTagAborted
}

// IsTerminal reports whether the tool call has reached a terminal status.
func (tc *ToolCall) IsTerminal() bool {
	return tc.Status == ToolCallCompleted || tc.Status == ToolCallFailed
}

// Part is the persisted content-block union carried by Message.Parts and
// Delta.Parts (spec §3, §4.2, §9 "Dynamic part union"). It mirrors the shape
// of the LLM provider's own part stream (llm.Part) but is the durable,
// store-facing representation: once written in a Delta it is immutable.
//
// UnknownPart preserves forward compatibility with part types this package
// does not yet recognize, per spec §9.
type Part interface {
	isPart()
}

type (
	// TextPart is plain assistant-visible text content.
	TextPart struct {
		ID    string
		Delta string
	}

	// ReasoningPart is provider-issued reasoning/thinking content.
	ReasoningPart struct {
		ID    string
		Delta string
	}

	// ToolInputAvailablePart records that the model finished declaring a tool
	// call's input; it is what triggers tool scheduling in the Stream Handler.
	ToolInputAvailablePart struct {
		ToolCallID string
		ToolName   string
		Input      []byte // canonical JSON
	}

	// ToolOutputAvailablePart records a successful tool result as a delta on
	// the owning stream, emitted when ToolCall.SaveDelta is set.
	ToolOutputAvailablePart struct {
		ToolCallID string
		Output     []byte // canonical JSON
	}

	// ToolOutputErrorPart records a failed tool result as a delta on the
	// owning stream, emitted when ToolCall.SaveDelta is set.
	ToolOutputErrorPart struct {
		ToolCallID string
		Error      string
	}

	// UnknownPart preserves an unrecognized part type and its raw payload so
	// future part kinds round-trip without data loss.
	UnknownPart struct {
		Type    string
		Payload []byte
	}
)

func (TextPart) isPart()               {}
func (ReasoningPart) isPart()           {}
func (ToolInputAvailablePart) isPart()  {}
func (ToolOutputAvailablePart) isPart() {}
func (ToolOutputErrorPart) isPart()     {}
func (UnknownPart) isPart()             {}
