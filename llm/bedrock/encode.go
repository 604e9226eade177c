package bedrock

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/turnengine/llm"
)

func encodeMessages(msgs []llm.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	var conversation []brtypes.Message

	for _, m := range msgs {
		if m.Role == "system" {
			for _, part := range m.Parts {
				if part.Text != "" {
					system = append(system, &brtypes.SystemContentBlockMemberText{Value: part.Text})
				}
			}
			continue
		}
		var blocks []brtypes.ContentBlock
		for _, part := range m.Parts {
			switch {
			case part.ToolCallID != "" && part.ToolResult != nil:
				blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
					Value: brtypes.ToolResultBlock{
						ToolUseId: &part.ToolCallID,
						Content: []brtypes.ToolResultContentBlock{
							&brtypes.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(json.RawMessage(part.ToolResult))},
						},
						Status: toolResultStatus(part.IsError),
					},
				})
			case part.ToolCallID != "" && part.ToolName != "":
				var input any
				if len(part.ToolInput) > 0 {
					_ = json.Unmarshal(part.ToolInput, &input)
				}
				toolUseID := part.ToolCallID
				name := part.ToolName
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{
					Value: brtypes.ToolUseBlock{
						ToolUseId: &toolUseID,
						Name:      &name,
						Input:     document.NewLazyDocument(input),
					},
				})
			case part.Text != "":
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: part.Text})
			}
		}
		if len(blocks) == 0 {
			continue
		}
		var role brtypes.ConversationRole
		switch m.Role {
		case "user":
			role = brtypes.ConversationRoleUser
		case "assistant":
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		conversation = append(conversation, brtypes.Message{Role: role, Content: blocks})
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func toolResultStatus(isError bool) brtypes.ToolResultStatus {
	if isError {
		return brtypes.ToolResultStatusError
	}
	return brtypes.ToolResultStatusSuccess
}

func encodeTools(defs []llm.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	specs := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		var schemaDoc any
		if len(def.InputSchema) > 0 {
			if err := json.Unmarshal(def.InputSchema, &schemaDoc); err != nil {
				return nil, fmt.Errorf("bedrock: tool %q input schema: %w", def.Name, err)
			}
		}
		name := def.Name
		desc := def.Description
		specs = append(specs, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        &name,
				Description: &desc,
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: specs}, nil
}
