package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

type streamDoc struct {
	ID       string `bson:"_id"`
	ThreadID string `bson:"thread_id"`
	Seq      int64  `bson:"seq"`
	Tag      string `bson:"tag"`

	PendingScheduledAt time.Time `bson:"pending_scheduled_at,omitempty"`

	StreamingLockID        string    `bson:"streaming_lock_id,omitempty"`
	StreamingLastHeartbeat time.Time `bson:"streaming_last_heartbeat,omitempty"`
	StreamingTimeoutFnID   string    `bson:"streaming_timeout_fn_id,omitempty"`

	FinishedEndedAt     time.Time `bson:"finished_ended_at,omitempty"`
	FinishedCleanupFnID string    `bson:"finished_cleanup_fn_id,omitempty"`

	AbortedReason      string `bson:"aborted_reason,omitempty"`
	AbortedCleanupFnID string `bson:"aborted_cleanup_fn_id,omitempty"`
}

func streamToDoc(s *model.Stream) streamDoc {
	doc := streamDoc{ID: string(s.ID), ThreadID: string(s.ThreadID), Seq: s.Seq, Tag: string(s.State.Tag)}
	switch s.State.Tag {
	case model.StreamTagPending:
		if p := s.State.Pending; p != nil {
			doc.PendingScheduledAt = p.ScheduledAt
		}
	case model.StreamTagStreaming:
		if st := s.State.Streaming; st != nil {
			doc.StreamingLockID = string(st.LockID)
			doc.StreamingLastHeartbeat = st.LastHeartbeat
			doc.StreamingTimeoutFnID = st.TimeoutFnID
		}
	case model.StreamTagFinished:
		if f := s.State.Finished; f != nil {
			doc.FinishedEndedAt = f.EndedAt
			doc.FinishedCleanupFnID = f.CleanupFnID
		}
	case model.StreamTagAborted:
		if a := s.State.Aborted; a != nil {
			doc.AbortedReason = a.Reason
			doc.AbortedCleanupFnID = a.CleanupFnID
		}
	}
	return doc
}

func (d streamDoc) toModel() *model.Stream {
	s := &model.Stream{ID: model.StreamID(d.ID), ThreadID: model.ThreadID(d.ThreadID), Seq: d.Seq}
	s.State.Tag = model.StreamStateTag(d.Tag)
	switch s.State.Tag {
	case model.StreamTagPending:
		s.State.Pending = &model.StreamPending{ScheduledAt: d.PendingScheduledAt}
	case model.StreamTagStreaming:
		s.State.Streaming = &model.StreamStreaming{
			LockID: model.LockID(d.StreamingLockID), LastHeartbeat: d.StreamingLastHeartbeat, TimeoutFnID: d.StreamingTimeoutFnID,
		}
	case model.StreamTagFinished:
		s.State.Finished = &model.StreamFinished{EndedAt: d.FinishedEndedAt, CleanupFnID: d.FinishedCleanupFnID}
	case model.StreamTagAborted:
		s.State.Aborted = &model.StreamAborted{Reason: d.AbortedReason, CleanupFnID: d.AbortedCleanupFnID}
	}
	return s
}

// InsertStream implements store.StreamStore.
func (s *Store) InsertStream(ctx context.Context, st *model.Stream) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.streams.InsertOne(ctx, streamToDoc(st))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

// GetStream implements store.StreamStore.
func (s *Store) GetStream(ctx context.Context, id model.StreamID) (*model.Stream, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc streamDoc
	if err := s.streams.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}

// PatchStream implements store.StreamStore.
func (s *Store) PatchStream(ctx context.Context, id model.StreamID, mutate func(*model.Stream) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc streamDoc
	if err := s.streams.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return err
	}
	working := doc.toModel()
	if err := mutate(working); err != nil {
		return err
	}
	_, err := s.streams.ReplaceOne(ctx, bson.M{"_id": string(id)}, streamToDoc(working))
	return err
}

// DeleteStream implements store.StreamStore.
func (s *Store) DeleteStream(ctx context.Context, id model.StreamID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.deltas.DeleteMany(ctx, bson.M{"stream_id": string(id)}); err != nil {
		return err
	}
	_, err := s.streams.DeleteOne(ctx, bson.M{"_id": string(id)})
	return err
}

// ListNonTerminalStreams implements store.StreamStore.
func (s *Store) ListNonTerminalStreams(ctx context.Context, threadID model.ThreadID) ([]*model.Stream, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"thread_id": string(threadID),
		"tag":       bson.M{"$in": bson.A{string(model.StreamTagPending), string(model.StreamTagStreaming)}},
	}
	cur, err := s.streams.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Stream
	for cur.Next(ctx) {
		var doc streamDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

// ListStreamsFromSeq implements store.StreamStore.
func (s *Store) ListStreamsFromSeq(ctx context.Context, threadID model.ThreadID, fromSeq int64) ([]*model.Stream, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"thread_id": string(threadID), "seq": bson.M{"$gte": fromSeq}}
	cur, err := s.streams.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Stream
	for cur.Next(ctx) {
		var doc streamDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}
