package mongostore

import (
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"

	"goa.design/turnengine/model"
)

// encodeParts/decodeParts bridge model.Part's closed interface union to a
// tagged bson representation, the same "type" + fields-per-kind shape the
// teacher uses for its own dynamic part encoding in apitypes.
func encodeParts(parts []model.Part) ([]bson.Raw, error) {
	out := make([]bson.Raw, 0, len(parts))
	for _, p := range parts {
		doc, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func encodePart(p model.Part) (bson.M, error) {
	switch v := p.(type) {
	case model.TextPart:
		return bson.M{"type": "text", "id": v.ID, "delta": v.Delta}, nil
	case model.ReasoningPart:
		return bson.M{"type": "reasoning", "id": v.ID, "delta": v.Delta}, nil
	case model.ToolInputAvailablePart:
		return bson.M{"type": "tool_input_available", "tool_call_id": v.ToolCallID, "tool_name": v.ToolName, "input": v.Input}, nil
	case model.ToolOutputAvailablePart:
		return bson.M{"type": "tool_output_available", "tool_call_id": v.ToolCallID, "output": v.Output}, nil
	case model.ToolOutputErrorPart:
		return bson.M{"type": "tool_output_error", "tool_call_id": v.ToolCallID, "error": v.Error}, nil
	case model.UnknownPart:
		return bson.M{"type": "unknown", "unknown_type": v.Type, "payload": v.Payload}, nil
	default:
		return nil, fmt.Errorf("mongostore: unrecognized part type %T", p)
	}
}

func decodeParts(raws []bson.Raw) ([]model.Part, error) {
	out := make([]model.Part, 0, len(raws))
	for _, raw := range raws {
		var tagged struct {
			Type string `bson:"type"`
		}
		if err := bson.Unmarshal(raw, &tagged); err != nil {
			return nil, err
		}
		part, err := decodePart(tagged.Type, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, part)
	}
	return out, nil
}

func decodePart(typ string, raw bson.Raw) (model.Part, error) {
	switch typ {
	case "text":
		var v struct {
			ID    string `bson:"id"`
			Delta string `bson:"delta"`
		}
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return model.TextPart{ID: v.ID, Delta: v.Delta}, nil
	case "reasoning":
		var v struct {
			ID    string `bson:"id"`
			Delta string `bson:"delta"`
		}
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return model.ReasoningPart{ID: v.ID, Delta: v.Delta}, nil
	case "tool_input_available":
		var v struct {
			ToolCallID string `bson:"tool_call_id"`
			ToolName   string `bson:"tool_name"`
			Input      []byte `bson:"input"`
		}
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return model.ToolInputAvailablePart{ToolCallID: v.ToolCallID, ToolName: v.ToolName, Input: v.Input}, nil
	case "tool_output_available":
		var v struct {
			ToolCallID string `bson:"tool_call_id"`
			Output     []byte `bson:"output"`
		}
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return model.ToolOutputAvailablePart{ToolCallID: v.ToolCallID, Output: v.Output}, nil
	case "tool_output_error":
		var v struct {
			ToolCallID string `bson:"tool_call_id"`
			Error      string `bson:"error"`
		}
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return model.ToolOutputErrorPart{ToolCallID: v.ToolCallID, Error: v.Error}, nil
	case "unknown":
		var v struct {
			UnknownType string `bson:"unknown_type"`
			Payload     []byte `bson:"payload"`
		}
		if err := bson.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return model.UnknownPart{Type: v.UnknownType, Payload: v.Payload}, nil
	default:
		return nil, fmt.Errorf("mongostore: unrecognized part document type %q", typ)
	}
}
