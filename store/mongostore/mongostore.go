// Package mongostore implements store.Store on top of
// go.mongodb.org/mongo-driver/v2, grounded on the teacher's
// features/run/mongo Mongo-backed session store (Options{Client}+New,
// bson-tagged documents, UpdateOne upserts). Unlike that store — which
// only ever upserts a single run-metadata document — this package hosts
// the full turn-engine schema across five collections and must also
// support the compare-and-set PatchX semantics the core relies on, so
// patches are implemented as load-mutate-replace; only PatchThread carries
// a version guard.
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

const defaultOpTimeout = 5 * time.Second

// Options configures the Mongo-backed Store.
type Options struct {
	// Client is a connected Mongo client.
	Client *mongo.Client
	// Database names the database holding the turn-engine collections.
	Database string
	// Timeout bounds every individual operation; defaults to 5s.
	Timeout time.Duration
}

// Store implements store.Store against MongoDB.
type Store struct {
	threads   *mongo.Collection
	messages  *mongo.Collection
	streams   *mongo.Collection
	deltas    *mongo.Collection
	toolCalls *mongo.Collection
	timeout   time.Duration
}

// New constructs a Store and ensures its indexes exist.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		threads:   db.Collection("turnengine_threads"),
		messages:  db.Collection("turnengine_messages"),
		streams:   db.Collection("turnengine_streams"),
		deltas:    db.Collection("turnengine_deltas"),
		toolCalls: db.Collection("turnengine_tool_calls"),
		timeout:   timeout,
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "created_at", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.streams.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "thread_id", Value: 1}, {Key: "seq", Value: 1}},
	}); err != nil {
		return err
	}
	if _, err := s.deltas.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "stream_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	if _, err := s.toolCalls.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "thread_id", Value: 1}, {Key: "tool_call_ref", Value: 1}},
		Options: options.Index().SetUnique(true),
	}); err != nil {
		return err
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// --- documents -------------------------------------------------------------

type threadDoc struct {
	ID           string           `bson:"_id"`
	Status       string           `bson:"status"`
	StopSignal   bool             `bson:"stop_signal"`
	ActiveStream string           `bson:"active_stream,omitempty"`
	Continue     bool             `bson:"continue"`
	Seq          int64            `bson:"seq"`
	RetryState   *retryStateDoc   `bson:"retry_state,omitempty"`
	CreatedAt    time.Time        `bson:"created_at"`
	UpdatedAt    time.Time        `bson:"updated_at"`
	Version      int64            `bson:"version"`
}

type retryStateDoc struct {
	Scope                    string    `bson:"scope"`
	Attempt                  int       `bson:"attempt"`
	MaxAttempts              int       `bson:"max_attempts"`
	NextRetryAt              time.Time `bson:"next_retry_at"`
	Error                    string    `bson:"error"`
	Kind                     string    `bson:"kind"`
	Retryable                bool      `bson:"retryable"`
	RequiresExplicitHandling bool      `bson:"requires_explicit_handling"`
	RetryFnID                string    `bson:"retry_fn_id"`
}

func threadToDoc(t *model.Thread, version int64) threadDoc {
	doc := threadDoc{
		ID:         string(t.ID),
		Status:     string(t.Status),
		StopSignal: t.StopSignal,
		Continue:   t.Continue,
		Seq:        t.Seq,
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
		Version:    version,
	}
	if t.ActiveStream != nil {
		doc.ActiveStream = string(*t.ActiveStream)
	}
	if t.RetryState != nil {
		rs := t.RetryState
		doc.RetryState = &retryStateDoc{
			Scope: rs.Scope, Attempt: rs.Attempt, MaxAttempts: rs.MaxAttempts,
			NextRetryAt: rs.NextRetryAt, Error: rs.Error, Kind: rs.Kind,
			Retryable: rs.Retryable, RequiresExplicitHandling: rs.RequiresExplicitHandling,
			RetryFnID: rs.RetryFnID,
		}
	}
	return doc
}

func (d threadDoc) toModel() *model.Thread {
	t := &model.Thread{
		ID:         model.ThreadID(d.ID),
		Status:     model.ThreadStatus(d.Status),
		StopSignal: d.StopSignal,
		Continue:   d.Continue,
		Seq:        d.Seq,
		CreatedAt:  d.CreatedAt,
		UpdatedAt:  d.UpdatedAt,
	}
	if d.ActiveStream != "" {
		id := model.StreamID(d.ActiveStream)
		t.ActiveStream = &id
	}
	if d.RetryState != nil {
		rs := d.RetryState
		t.RetryState = &model.RetryState{
			Scope: rs.Scope, Attempt: rs.Attempt, MaxAttempts: rs.MaxAttempts,
			NextRetryAt: rs.NextRetryAt, Error: rs.Error, Kind: rs.Kind,
			Retryable: rs.Retryable, RequiresExplicitHandling: rs.RequiresExplicitHandling,
			RetryFnID: rs.RetryFnID,
		}
	}
	return t
}

// InsertThread implements store.ThreadStore.
func (s *Store) InsertThread(ctx context.Context, t *model.Thread) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.threads.InsertOne(ctx, threadToDoc(t, 0))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

// GetThread implements store.ThreadStore.
func (s *Store) GetThread(ctx context.Context, id model.ThreadID) (*model.Thread, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc threadDoc
	if err := s.threads.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}

// PatchThread implements store.ThreadStore using a single version-guarded
// read-mutate-replace: the "transaction" the document store contract
// requires is approximated here as optimistic concurrency, since a bare
// mongo.Client is not guaranteed to run inside a multi-document session.
// A concurrent write between the read and the replace makes it return
// store.ErrConflict; it does not retry.
func (s *Store) PatchThread(ctx context.Context, id model.ThreadID, mutate func(*model.Thread) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc threadDoc
	if err := s.threads.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return store.ErrNotFound
		}
		return err
	}
	working := doc.toModel()
	if err := mutate(working); err != nil {
		return err
	}
	working.UpdatedAt = time.Now().UTC()
	next := threadToDoc(working, doc.Version+1)
	res, err := s.threads.ReplaceOne(ctx, bson.M{"_id": string(id), "version": doc.Version}, next)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

// DeleteThread implements store.ThreadStore.
func (s *Store) DeleteThread(ctx context.Context, id model.ThreadID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.threads.DeleteOne(ctx, bson.M{"_id": string(id)})
	return err
}

// ListThreads implements store.ThreadStore.
func (s *Store) ListThreads(ctx context.Context, limit int) ([]*model.Thread, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.threads.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Thread
	for cur.Next(ctx) {
		var doc threadDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

// ListActiveThreads implements store.ThreadStore.
func (s *Store) ListActiveThreads(ctx context.Context) ([]*model.Thread, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": bson.M{"$in": bson.A{string(model.ThreadStreaming), string(model.ThreadAwaitingToolResults)}}}
	cur, err := s.threads.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.Thread
	for cur.Next(ctx) {
		var doc threadDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}
