// Package store defines the transactional document store and scheduler
// contract the turn engine is built against (spec §6.3). The core never
// talks to a concrete database; it calls Store and Scheduler, so any
// backend that honors the contract's transactional semantics (a mutation
// observes a consistent snapshot and commits atomically) can host a thread.
package store

import (
	"context"
	"errors"
	"time"

	"goa.design/turnengine/model"
)

// ErrNotFound is returned by Get/Take-style lookups when the requested
// document does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a compare-and-set precondition encoded in a
// Patch call does not hold against the current document.
var ErrConflict = errors.New("store: conflict")

// ScheduledState is the lifecycle of a scheduled function handle, mirroring
// `system.get(scheduledId)` in spec §6.3.
type ScheduledState string

const (
	ScheduledPending   ScheduledState = "pending"
	ScheduledRunning   ScheduledState = "in_progress"
	ScheduledCompleted ScheduledState = "success"
	ScheduledFailed    ScheduledState = "failed"
	ScheduledCanceled  ScheduledState = "canceled"
)

// ScheduledFunc is the signature invoked by a Scheduler when a previously
// scheduled delay elapses. Implementations must tolerate being invoked more
// than once after a crash-restart race with Cancel; downstream mutations
// must themselves be idempotent (spec §5 "Suspension points").
type ScheduledFunc func(ctx context.Context, args any) error

// Scheduler runs functions after a delay and allows cancellation, mirroring
// the Convex-style `scheduler.runAfter`/`cancel`/`system.get` triad named in
// spec §6.3.
type Scheduler interface {
	// RunAfter schedules fn to run after delay elapses, passing args, and
	// returns an opaque handle usable with Cancel and Get.
	RunAfter(ctx context.Context, delay time.Duration, handle string, fn ScheduledFunc, args any) (string, error)

	// Cancel prevents a pending scheduled function from running. Canceling an
	// already-run or already-canceled handle is a no-op.
	Cancel(ctx context.Context, scheduledID string) error

	// Get reports the current state of a scheduled function.
	Get(ctx context.Context, scheduledID string) (ScheduledState, error)
}

// Store is the transactional document store contract (spec §6.3). Every
// method runs as a single transaction: concurrent calls touching the same
// document are linearized by the implementation (spec §5).
type Store interface {
	ThreadStore
	MessageStore
	StreamStore
	DeltaStore
	ToolCallStore
}

// ThreadStore persists Thread documents.
type ThreadStore interface {
	InsertThread(ctx context.Context, t *model.Thread) error
	GetThread(ctx context.Context, id model.ThreadID) (*model.Thread, error)
	// PatchThread applies mutate to the current document under transaction
	// and persists the result. mutate must be idempotent-safe to call more
	// than once if the implementation retries on a detected write race.
	PatchThread(ctx context.Context, id model.ThreadID, mutate func(*model.Thread) error) error
	DeleteThread(ctx context.Context, id model.ThreadID) error
	// ListThreads returns up to limit threads, most-recently-created first.
	ListThreads(ctx context.Context, limit int) ([]*model.Thread, error)
	// ListActiveThreads returns threads in status streaming or
	// awaiting_tool_results, for the recovery sweep (spec §4.1 "Recovery").
	ListActiveThreads(ctx context.Context) ([]*model.Thread, error)
}

// MessageStore persists Message documents.
type MessageStore interface {
	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error)
	PatchMessage(ctx context.Context, id model.MessageID, mutate func(*model.Message) error) error
	// ListMessages returns every message belonging to threadID in creation
	// order.
	ListMessages(ctx context.Context, threadID model.ThreadID) ([]*model.Message, error)
	DeleteMessagesByThread(ctx context.Context, threadID model.ThreadID) error
}

// StreamStore persists Stream documents.
type StreamStore interface {
	InsertStream(ctx context.Context, s *model.Stream) error
	GetStream(ctx context.Context, id model.StreamID) (*model.Stream, error)
	PatchStream(ctx context.Context, id model.StreamID, mutate func(*model.Stream) error) error
	DeleteStream(ctx context.Context, id model.StreamID) error
	// ListNonTerminalStreams returns every stream of threadID whose state is
	// pending or streaming.
	ListNonTerminalStreams(ctx context.Context, threadID model.ThreadID) ([]*model.Stream, error)
	// ListStreamsFromSeq returns streams of threadID with Seq >= fromSeq in
	// ascending Seq order, for queryStreamingMessageUpdates (spec §4.3).
	ListStreamsFromSeq(ctx context.Context, threadID model.ThreadID, fromSeq int64) ([]*model.Stream, error)
}

// DeltaStore persists Delta records, which are append-only and immutable
// once written (spec invariant 3).
type DeltaStore interface {
	// InsertDelta stores d at the seq the caller set in d.Seq. Implementations
	// must reject a duplicate (streamID, seq) pair.
	InsertDelta(ctx context.Context, d *model.Delta) error
	// ListDeltas returns every delta for streamID in ascending seq order.
	ListDeltas(ctx context.Context, streamID model.StreamID) ([]*model.Delta, error)
	// DeleteDeltasBatch deletes up to limit deltas for streamID and reports
	// how many remain, for the incremental cleanup in deleteStreamAsync
	// (spec §4.3).
	DeleteDeltasBatch(ctx context.Context, streamID model.StreamID, limit int) (remaining int, err error)
}

// ToolCallStore persists ToolCall documents.
type ToolCallStore interface {
	InsertToolCall(ctx context.Context, tc *model.ToolCall) error
	GetToolCall(ctx context.Context, id model.ToolCallID) (*model.ToolCall, error)
	// GetToolCallByRef looks a call up by (threadID, toolCallRef), the
	// model-assigned correlation id, per spec §4.4 Creation uniqueness check.
	GetToolCallByRef(ctx context.Context, threadID model.ThreadID, toolCallRef string) (*model.ToolCall, error)
	PatchToolCall(ctx context.Context, id model.ToolCallID, mutate func(*model.ToolCall) error) error
	// ListPendingToolCalls returns every pending tool call for threadID.
	ListPendingToolCalls(ctx context.Context, threadID model.ThreadID) ([]*model.ToolCall, error)
	// ListPendingSyncToolCallsForResumption returns up to limit pending sync
	// tool calls (IsAsync=false) for the recovery sweep in spec §4.4
	// "Resumption sweep".
	ListPendingSyncToolCallsForResumption(ctx context.Context, limit int) ([]*model.ToolCall, error)
	DeleteToolCallsByThread(ctx context.Context, threadID model.ThreadID) error
}
