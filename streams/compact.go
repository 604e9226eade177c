package streams

import "goa.design/turnengine/model"

// CompactParts applies the delta compaction rules (spec §4.3 "Delta
// compaction rules") to a batch of parts before they are written: adjacent
// TextPart/ReasoningPart entries sharing the same ID are merged by
// concatenating their Delta strings. model.Part carries no provider
// metadata field, so the "drop providerMetadata" rule is satisfied by the
// schema itself; there is nothing to strip here. Transient part kinds such
// as a tool's in-progress input fragments are never represented in
// model.Part at all (only the completed ToolInputAvailablePart is), so the
// "drop tool-input-delta" rule is satisfied by construction at the llm.Part
// to model.Part conversion boundary in package turn, not here.
func CompactParts(parts []model.Part) []model.Part {
	out := make([]model.Part, 0, len(parts))
	for _, p := range parts {
		switch cur := p.(type) {
		case model.TextPart:
			if i := lastMergeable(out, cur.ID, textKind); i >= 0 {
				prev := out[i].(model.TextPart)
				out[i] = model.TextPart{ID: prev.ID, Delta: prev.Delta + cur.Delta}
				continue
			}
			out = append(out, cur)
		case model.ReasoningPart:
			if i := lastMergeable(out, cur.ID, reasoningKind); i >= 0 {
				prev := out[i].(model.ReasoningPart)
				out[i] = model.ReasoningPart{ID: prev.ID, Delta: prev.Delta + cur.Delta}
				continue
			}
			out = append(out, cur)
		default:
			out = append(out, p)
		}
	}
	return out
}

type partKind int

const (
	textKind partKind = iota
	reasoningKind
)

// lastMergeable returns the index of the trailing run's last entry when it
// matches kind and id, or -1. Only the immediately preceding entry is
// considered, matching "adjacent deltas" in the spec text.
func lastMergeable(out []model.Part, id string, kind partKind) int {
	if len(out) == 0 {
		return -1
	}
	i := len(out) - 1
	switch kind {
	case textKind:
		if p, ok := out[i].(model.TextPart); ok && p.ID == id {
			return i
		}
	case reasoningKind:
		if p, ok := out[i].(model.ReasoningPart); ok && p.ID == id {
			return i
		}
	}
	return -1
}
