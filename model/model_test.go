package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStreamStateIsTerminal(t *testing.T) {
	cases := []struct {
		tag      StreamStateTag
		terminal bool
	}{
		{StreamTagPending, false},
		{StreamTagStreaming, false},
		{StreamTagFinished, true},
		{StreamTagAborted, true},
	}
	for _, tc := range cases {
		s := StreamState{Tag: tc.tag}
		require.Equal(t, tc.terminal, s.IsTerminal(), "tag %s", tc.tag)
	}
}

func TestToolCallIsTerminal(t *testing.T) {
	cases := []struct {
		status   ToolCallStatus
		terminal bool
	}{
		{ToolCallPending, false},
		{ToolCallCompleted, true},
		{ToolCallFailed, true},
	}
	for _, tc := range cases {
		call := &ToolCall{Status: tc.status}
		require.Equal(t, tc.terminal, call.IsTerminal(), "status %s", tc.status)
	}
}

func TestPartUnionImplementations(t *testing.T) {
	var parts []Part = []Part{
		TextPart{ID: "1", Delta: "hi"},
		ReasoningPart{ID: "2", Delta: "thinking"},
		ToolInputAvailablePart{ToolCallID: "tc1", ToolName: "echo"},
		ToolOutputAvailablePart{ToolCallID: "tc1", Output: []byte(`{}`)},
		ToolOutputErrorPart{ToolCallID: "tc1", Error: "boom"},
		UnknownPart{Type: "future_part", Payload: []byte(`{}`)},
	}
	require.Len(t, parts, 6)
}
