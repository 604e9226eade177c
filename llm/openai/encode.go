package openai

import (
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"goa.design/turnengine/llm"
)

func encodeMessages(msgs []llm.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			for _, part := range m.Parts {
				if part.Text != "" {
					out = append(out, openai.SystemMessage(part.Text))
				}
			}
		case "user":
			for _, part := range m.Parts {
				switch {
				case part.ToolCallID != "" && part.ToolResult != nil:
					out = append(out, openai.ToolMessage(string(part.ToolResult), part.ToolCallID))
				case part.Text != "":
					out = append(out, openai.UserMessage(part.Text))
				}
			}
		case "assistant":
			var text string
			var calls []openai.ChatCompletionMessageToolCallParam
			for _, part := range m.Parts {
				switch {
				case part.Text != "":
					text += part.Text
				case part.ToolCallID != "" && part.ToolName != "":
					calls = append(calls, openai.ChatCompletionMessageToolCallParam{
						ID: part.ToolCallID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      part.ToolName,
							Arguments: string(part.ToolInput),
						},
					})
				}
			}
			if text == "" && len(calls) == 0 {
				continue
			}
			msg := openai.ChatCompletionAssistantMessageParam{ToolCalls: calls}
			if text != "" {
				msg.Content.OfString = openai.String(text)
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []llm.ToolDefinition) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		var params shared.FunctionParameters
		if len(def.InputSchema) > 0 {
			_ = json.Unmarshal(def.InputSchema, &params)
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out
}
