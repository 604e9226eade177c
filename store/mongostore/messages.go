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

type messageDoc struct {
	ID           string         `bson:"_id"`
	ThreadID     string         `bson:"thread_id"`
	Role         string         `bson:"role"`
	Parts        []bson.Raw     `bson:"parts"`
	CommittedSeq *int64         `bson:"committed_seq,omitempty"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
}

func messageToDoc(m *model.Message) (messageDoc, error) {
	parts, err := encodeParts(m.Parts)
	if err != nil {
		return messageDoc{}, err
	}
	return messageDoc{
		ID: string(m.ID), ThreadID: string(m.ThreadID), Role: string(m.Role),
		Parts: parts, CommittedSeq: m.CommittedSeq, Metadata: m.Metadata, CreatedAt: m.CreatedAt,
	}, nil
}

func (d messageDoc) toModel() (*model.Message, error) {
	parts, err := decodeParts(d.Parts)
	if err != nil {
		return nil, err
	}
	return &model.Message{
		ID: model.MessageID(d.ID), ThreadID: model.ThreadID(d.ThreadID), Role: model.MessageRole(d.Role),
		Parts: parts, CommittedSeq: d.CommittedSeq, Metadata: d.Metadata, CreatedAt: d.CreatedAt,
	}, nil
}

// InsertMessage implements store.MessageStore.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc, err := messageToDoc(m)
	if err != nil {
		return err
	}
	_, err = s.messages.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

// GetMessage implements store.MessageStore.
func (s *Store) GetMessage(ctx context.Context, id model.MessageID) (*model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel()
}

// PatchMessage implements store.MessageStore.
func (s *Store) PatchMessage(ctx context.Context, id model.MessageID, mutate func(*model.Message) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc messageDoc
	if err := s.messages.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return err
	}
	working, err := doc.toModel()
	if err != nil {
		return err
	}
	if err := mutate(working); err != nil {
		return err
	}
	next, err := messageToDoc(working)
	if err != nil {
		return err
	}
	_, err = s.messages.ReplaceOne(ctx, bson.M{"_id": string(id)}, next)
	return err
}

// ListMessages implements store.MessageStore.
func (s *Store) ListMessages(ctx context.Context, threadID model.ThreadID) ([]*model.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.messages.Find(ctx, bson.M{"thread_id": string(threadID)}, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Message
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		m, err := doc.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, cur.Err()
}

// DeleteMessagesByThread implements store.MessageStore.
func (s *Store) DeleteMessagesByThread(ctx context.Context, threadID model.ThreadID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.messages.DeleteMany(ctx, bson.M{"thread_id": string(threadID)})
	return err
}
