package hooks

import "goa.design/turnengine/model"

// EventType discriminates concrete Event implementations.
type EventType string

const (
	EventStatusChanged EventType = "status_changed"
	EventRetry         EventType = "retry"
	EventError         EventType = "error"
	EventTurnComplete  EventType = "turn_complete"
)

// Event is the interface all published events implement.
type Event interface {
	Type() EventType
	ThreadID() model.ThreadID
}

type baseEvent struct {
	threadID model.ThreadID
}

// ThreadID implements Event.
func (b baseEvent) ThreadID() model.ThreadID { return b.threadID }

// StatusChangedEvent fires whenever Thread.Status transitions (spec §4.1).
type StatusChangedEvent struct {
	baseEvent
	From model.ThreadStatus
	To   model.ThreadStatus
}

// Type implements Event.
func (StatusChangedEvent) Type() EventType { return EventStatusChanged }

// NewStatusChangedEvent constructs a StatusChangedEvent.
func NewStatusChangedEvent(threadID model.ThreadID, from, to model.ThreadStatus) StatusChangedEvent {
	return StatusChangedEvent{baseEvent: baseEvent{threadID: threadID}, From: from, To: to}
}

// RetryEvent fires when the Stream Handler schedules a stream-level retry
// (spec §4.2 step 10).
type RetryEvent struct {
	baseEvent
	StreamID    model.StreamID
	Attempt     int
	MaxAttempts int
	Kind        string
	Error       string
	DelayMs     int64
}

// Type implements Event.
func (RetryEvent) Type() EventType { return EventRetry }

// NewRetryEvent constructs a RetryEvent.
func NewRetryEvent(threadID model.ThreadID, streamID model.StreamID, attempt, maxAttempts int, kind, errText string, delayMs int64) RetryEvent {
	return RetryEvent{
		baseEvent:   baseEvent{threadID: threadID},
		StreamID:    streamID,
		Attempt:     attempt,
		MaxAttempts: maxAttempts,
		Kind:        kind,
		Error:       errText,
		DelayMs:     delayMs,
	}
}

// ErrorEvent fires when the Stream Handler gives up retrying and the thread
// transitions to failed (spec §4.2 step 11).
type ErrorEvent struct {
	baseEvent
	StreamID model.StreamID
	Kind     string
	Error    string
}

// Type implements Event.
func (ErrorEvent) Type() EventType { return EventError }

// NewErrorEvent constructs an ErrorEvent.
func NewErrorEvent(threadID model.ThreadID, streamID model.StreamID, kind, errText string) ErrorEvent {
	return ErrorEvent{baseEvent: baseEvent{threadID: threadID}, StreamID: streamID, Kind: kind, Error: errText}
}

// TurnCompleteEvent fires when a turn ends with finishReason present and not
// "tool-calls" (spec §4.2 step 8).
type TurnCompleteEvent struct {
	baseEvent
	StreamID     model.StreamID
	FinishReason string
}

// Type implements Event.
func (TurnCompleteEvent) Type() EventType { return EventTurnComplete }

// NewTurnCompleteEvent constructs a TurnCompleteEvent.
func NewTurnCompleteEvent(threadID model.ThreadID, streamID model.StreamID, finishReason string) TurnCompleteEvent {
	return TurnCompleteEvent{baseEvent: baseEvent{threadID: threadID}, StreamID: streamID, FinishReason: finishReason}
}
