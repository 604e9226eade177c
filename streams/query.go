package streams

import (
	"context"
	"fmt"

	"goa.design/turnengine/model"
)

// PartUpdate is one part surfaced by QueryStreamingMessageUpdates, stamped
// with the stream seq that produced it so a client can discard parts
// already superseded by a persisted Message.CommittedSeq (spec §4.3
// "queryStreamingMessageUpdates").
type PartUpdate struct {
	StreamSeq int64
	MsgID     model.MessageID
	Part      model.Part
}

// QueryStreamingMessageUpdates is a read-only join of every stream with
// Seq >= fromSeq to its deltas, in ascending (stream seq, delta seq) order,
// capped at cfg.MaxDeltasPerRequest deltas (spec §6.5). TextPart/ReasoningPart
// IDs are rewritten through a per-stream alias so that two concurrent or
// sequential streams reusing the same provider-issued block id never
// collide in a client's in-memory message assembly (spec §4.3
// "queryStreamingMessageUpdates").
func (m *Manager) QueryStreamingMessageUpdates(ctx context.Context, threadID model.ThreadID, fromSeq int64) ([]PartUpdate, error) {
	streamsFromSeq, err := m.store.ListStreamsFromSeq(ctx, threadID, fromSeq)
	if err != nil {
		return nil, err
	}
	limit := m.cfg.MaxDeltasPerRequest
	var updates []PartUpdate
	var deltaCount int
	for _, s := range streamsFromSeq {
		deltas, err := m.store.ListDeltas(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		for _, d := range deltas {
			if limit > 0 && deltaCount >= limit {
				return updates, nil
			}
			deltaCount++
			for _, p := range d.Parts {
				updates = append(updates, PartUpdate{
					StreamSeq: s.Seq,
					MsgID:     d.MsgID,
					Part:      aliasPart(p, s.Seq),
				})
			}
		}
	}
	return updates, nil
}

// aliasPart rewrites the block id of content parts whose id could collide
// across streams. streamSeq alone is sufficient to make the alias unique
// and stable within a single query call, since every delta carries its
// owning stream's seq.
func aliasPart(p model.Part, streamSeq int64) model.Part {
	switch v := p.(type) {
	case model.TextPart:
		return model.TextPart{ID: alias(v.ID, streamSeq), Delta: v.Delta}
	case model.ReasoningPart:
		return model.ReasoningPart{ID: alias(v.ID, streamSeq), Delta: v.Delta}
	default:
		return p
	}
}

func alias(id string, streamSeq int64) string {
	if id == "" {
		return id
	}
	return fmt.Sprintf("%s:%d", id, streamSeq)
}
