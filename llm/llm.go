// Package llm defines the provider-agnostic streaming contract that the
// turn engine consumes from a model client (spec §6.4). It is distinct
// from model.Part, which is the persisted content-block union stored on
// Messages and Deltas: llm.Part is the wire shape a provider adapter emits
// while a turn is being driven; turn.Handler translates llm.Part events
// into model.Part content as it appends deltas.
package llm

import (
	"context"
	"encoding/json"
)

// Part is a marker interface implemented by every streaming event a
// provider adapter can emit (spec §6.4).
type Part interface {
	isPart()
}

type (
	// StartPart opens a new assistant message within the stream.
	StartPart struct {
		MessageID string
	}

	// TextDeltaPart carries an incremental text fragment for MessageID's
	// current text block, identified by ID.
	TextDeltaPart struct {
		ID    string
		Delta string
	}

	// ReasoningDeltaPart carries an incremental reasoning fragment.
	ReasoningDeltaPart struct {
		ID    string
		Delta string
	}

	// ToolInputDeltaPart carries a best-effort, possibly non-JSON fragment
	// of a tool call's input while the provider is still constructing it.
	// Spec §6.4: discarded by the compaction rules, never persisted.
	ToolInputDeltaPart struct {
		ToolCallID string
		Delta      string
	}

	// ToolInputAvailablePart announces a fully formed tool call request.
	ToolInputAvailablePart struct {
		ToolCallID string
		ToolName   string
		Input      json.RawMessage
	}

	// FinishPart ends the stream. FinishReason is empty for an unhandled
	// end state (spec §9 Open Question 2): the thread does not transition
	// to completed when FinishReason is empty.
	FinishPart struct {
		FinishReason string
	}

	// ErrorPart reports a provider-side error terminating the stream.
	ErrorPart struct {
		ErrorText string
	}

	// UnknownPart passes through an unrecognized provider event opaquely.
	UnknownPart struct {
		Type    string
		Payload json.RawMessage
	}
)

func (StartPart) isPart()                  {}
func (TextDeltaPart) isPart()              {}
func (ReasoningDeltaPart) isPart()         {}
func (ToolInputDeltaPart) isPart()         {}
func (ToolInputAvailablePart) isPart()     {}
func (FinishPart) isPart()                 {}
func (ErrorPart) isPart()                  {}
func (UnknownPart) isPart()                {}

// FinishReason values a provider adapter may report. Providers may also
// report other provider-specific strings; only "tool-calls" is given
// dedicated handling by the turn engine.
const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool-calls"
	FinishReasonLength    = "length"
	FinishReasonContentFilter = "content-filter"
)

// ToolDefinition describes a tool exposed to the model for one request.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Message is one transcript entry sent to the model. Role mirrors
// model.Role.
type Message struct {
	Role  string
	Parts []MessagePart
}

// MessagePart is a minimal, provider-input content block: text, a prior
// assistant tool-call declaration (ToolName/ToolInput set), or a tool
// result attached to a prior tool call (ToolResult set).
type MessagePart struct {
	Text string

	// ToolCallID identifies the tool call a ToolName/ToolInput declaration or
	// a ToolResult corresponds to.
	ToolCallID string

	// ToolName and ToolInput represent a previously-issued assistant tool
	// call being replayed as conversation history.
	ToolName  string
	ToolInput json.RawMessage

	// ToolResult and IsError represent a tool call's outcome being replayed
	// as conversation history.
	ToolResult json.RawMessage
	IsError    bool
}

// Request captures one model invocation.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float32
}

// Client is the provider-agnostic model client each llm/<provider> adapter
// implements (spec §4.6).
type Client interface {
	// Stream starts a streaming invocation and returns a Streamer that
	// yields Parts until the stream ends.
	Stream(ctx context.Context, req Request) (Streamer, error)
}

// Streamer delivers incremental Parts from a single model invocation.
// Callers drain it until Recv returns (nil, io.EOF) or another terminal
// error, then call Close.
type Streamer interface {
	Recv() (Part, error)
	Close() error
}
