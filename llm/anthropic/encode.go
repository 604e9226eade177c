package anthropic

import (
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"goa.design/turnengine/llm"
)

func encodeMessages(msgs []llm.Message) ([]sdk.MessageParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	for _, m := range msgs {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch {
			case part.ToolCallID != "" && part.ToolResult != nil:
				blocks = append(blocks, sdk.NewToolResultBlock(part.ToolCallID, string(part.ToolResult), part.IsError))
			case part.ToolCallID != "" && part.ToolName != "":
				var input any
				if len(part.ToolInput) > 0 {
					_ = json.Unmarshal(part.ToolInput, &input)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(part.ToolCallID, input, part.ToolName))
			case part.Text != "":
				blocks = append(blocks, sdk.NewTextBlock(part.Text))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "user":
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case "assistant":
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return conversation, nil
}

func encodeTools(defs []llm.ToolDefinition) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema sdk.ToolInputSchemaParam
		if len(def.InputSchema) > 0 {
			var props any
			if err := json.Unmarshal(def.InputSchema, &props); err == nil {
				if m, ok := props.(map[string]any); ok {
					if p, ok := m["properties"]; ok {
						schema.Properties = p
					}
				}
			}
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}
