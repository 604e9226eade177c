package turn

import (
	"strconv"
	"strings"

	"goa.design/turnengine/llm"
	"goa.design/turnengine/model"
)

// toLLMRequestMessages converts persisted messages to the model's input
// form (spec §4.2 step 5). A stored assistant Message may carry both
// ToolInputAvailablePart (the model's own prior tool-call declaration) and
// the paired ToolOutputAvailablePart/ToolOutputErrorPart (the outcome
// merged onto it per step 4): these split into two wire messages, since
// every provider represents "I called a tool" and "here is its result" as
// separate turns with different roles.
func toLLMRequestMessages(msgs []*model.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		var text strings.Builder
		var toolCalls []llm.MessagePart
		var toolResults []llm.MessagePart
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				text.WriteString(v.Delta)
			case model.ReasoningPart:
				// Reasoning content is not replayed as model input.
			case model.ToolInputAvailablePart:
				toolCalls = append(toolCalls, llm.MessagePart{
					ToolCallID: v.ToolCallID, ToolName: v.ToolName, ToolInput: v.Input,
				})
			case model.ToolOutputAvailablePart:
				toolResults = append(toolResults, llm.MessagePart{ToolCallID: v.ToolCallID, ToolResult: v.Output})
			case model.ToolOutputErrorPart:
				toolResults = append(toolResults, llm.MessagePart{
					ToolCallID: v.ToolCallID, ToolResult: []byte(strconv.Quote(v.Error)), IsError: true,
				})
			}
		}
		var parts []llm.MessagePart
		if text.Len() > 0 {
			parts = append(parts, llm.MessagePart{Text: text.String()})
		}
		parts = append(parts, toolCalls...)
		if len(parts) > 0 {
			out = append(out, llm.Message{Role: string(m.Role), Parts: parts})
		}
		if len(toolResults) > 0 {
			out = append(out, llm.Message{Role: string(model.RoleUser), Parts: toolResults})
		}
	}
	return out
}

// toolCallLookup resolves a ToolInputAvailablePart.ToolCallID (the
// model-assigned ToolCallRef) to its ToolCall record, satisfied by
// store.Store.GetToolCallByRef bound to a thread.
type toolCallLookup func(toolCallRef string) (*model.ToolCall, error)

// applyToolOutcomes merges completed/failed ToolCall results onto the
// assistant message that declared them (spec §4.2 step 4, step 7). The
// merge is idempotent: a ToolInputAvailablePart that already has a paired
// outcome part is left alone.
func applyToolOutcomes(msgs []*model.Message, lookup toolCallLookup) error {
	for _, m := range msgs {
		if m.Role != model.RoleAssistant {
			continue
		}
		have := make(map[string]bool)
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.ToolOutputAvailablePart:
				have[v.ToolCallID] = true
			case model.ToolOutputErrorPart:
				have[v.ToolCallID] = true
			}
		}
		var appended []model.Part
		for _, p := range m.Parts {
			in, ok := p.(model.ToolInputAvailablePart)
			if !ok || have[in.ToolCallID] {
				continue
			}
			tc, err := lookup(in.ToolCallID)
			if err != nil || !tc.IsTerminal() {
				continue
			}
			if tc.Status == model.ToolCallCompleted {
				appended = append(appended, model.ToolOutputAvailablePart{ToolCallID: in.ToolCallID, Output: tc.Result})
			} else {
				appended = append(appended, model.ToolOutputErrorPart{ToolCallID: in.ToolCallID, Error: tc.Error})
			}
		}
		if len(appended) > 0 {
			m.Parts = append(m.Parts, appended...)
		}
	}
	return nil
}
