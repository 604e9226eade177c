// Package tools defines tool specifications and the registry that resolves
// a model-requested tool name to its handler or callback and validates its
// declared input schema (spec §6.2, §4.2a).
package tools

import (
	"context"
	"encoding/json"

	"goa.design/turnengine/model"
)

// Kind distinguishes a synchronous tool (result produced by Handler's
// return) from an asynchronous one (result produced later via
// addToolResult/addToolError).
type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

// Handler executes a synchronous tool call and returns its result as
// canonical JSON.
type Handler func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Callback notifies an application of a scheduled asynchronous tool call.
// It does not produce the result; the application later calls
// toolcalls.Manager.AddToolResult/AddToolError.
type Callback func(ctx context.Context, threadID model.ThreadID, toolCallID, toolName string, args json.RawMessage) error

// ShouldRetryError lets a tool override the default retry predicate
// (spec §4.4 step 5).
type ShouldRetryError func(err error) (retryable bool, ok bool)

// Spec describes one tool available to the model (spec §6.2).
type Spec struct {
	// Name is the tool identifier as seen by the model.
	Name string
	// Description is presented to the model to decide when to call the tool.
	Description string
	// InputSchema is a JSON Schema object describing the tool input payload.
	// No $-prefixed top-level fields, per spec §6.2.
	InputSchema json.RawMessage
	// Kind selects sync or async execution.
	Kind Kind
	// Handler executes the tool when Kind is KindSync.
	Handler Handler
	// Callback notifies the application when Kind is KindAsync.
	Callback Callback
	// Retry configures execution retry for sync tools. Nil disables retry.
	Retry *model.RetryPolicy
	// ShouldRetryError overrides the default retry predicate when set.
	ShouldRetryError ShouldRetryError
	// SaveDelta controls whether tool-output deltas are emitted to the
	// owning stream when the call resolves.
	SaveDelta bool
	// TimeoutMs overrides TOOL_CALL_TIMEOUT_MS for this tool; nil uses the
	// configured default, 0 disables the timeout.
	TimeoutMs *int64
}
