package mongostore

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

type deltaDoc struct {
	StreamID string     `bson:"stream_id"`
	Seq      int64      `bson:"seq"`
	MsgID    string     `bson:"msg_id"`
	Parts    []bson.Raw `bson:"parts"`
}

func deltaToDoc(d *model.Delta) (deltaDoc, error) {
	parts, err := encodeParts(d.Parts)
	if err != nil {
		return deltaDoc{}, err
	}
	return deltaDoc{StreamID: string(d.StreamID), Seq: d.Seq, MsgID: string(d.MsgID), Parts: parts}, nil
}

func (d deltaDoc) toModel() (*model.Delta, error) {
	parts, err := decodeParts(d.Parts)
	if err != nil {
		return nil, err
	}
	return &model.Delta{StreamID: model.StreamID(d.StreamID), Seq: d.Seq, MsgID: model.MessageID(d.MsgID), Parts: parts}, nil
}

// InsertDelta implements store.DeltaStore.
func (s *Store) InsertDelta(ctx context.Context, d *model.Delta) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := deltaToDoc(d)
	if err != nil {
		return err
	}
	_, err = s.deltas.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

// ListDeltas implements store.DeltaStore.
func (s *Store) ListDeltas(ctx context.Context, streamID model.StreamID) ([]*model.Delta, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.deltas.Find(ctx, bson.M{"stream_id": string(streamID)}, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Delta
	for cur.Next(ctx) {
		var doc deltaDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		delta, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, delta)
	}
	return out, cur.Err()
}

// DeleteDeltasBatch implements store.DeltaStore.
func (s *Store) DeleteDeltasBatch(ctx context.Context, streamID model.StreamID, limit int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOpts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetProjection(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		findOpts.SetLimit(int64(limit))
	}
	cur, err := s.deltas.Find(ctx, bson.M{"stream_id": string(streamID)}, findOpts)
	if err != nil {
		return 0, err
	}
	var seqs []int64
	for cur.Next(ctx) {
		var doc struct {
			Seq int64 `bson:"seq"`
		}
		if err := cur.Decode(&doc); err != nil {
			cur.Close(ctx)
			return 0, err
		}
		seqs = append(seqs, doc.Seq)
	}
	cur.Close(ctx)
	if err := cur.Err(); err != nil {
		return 0, err
	}
	if len(seqs) > 0 {
		if _, err := s.deltas.DeleteMany(ctx, bson.M{"stream_id": string(streamID), "seq": bson.M{"$in": seqs}}); err != nil {
			return 0, err
		}
	}
	remaining, err := s.deltas.CountDocuments(ctx, bson.M{"stream_id": string(streamID)})
	if err != nil {
		return 0, err
	}
	return int(remaining), nil
}
