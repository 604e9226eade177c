package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

type toolCallDoc struct {
	ID          string `bson:"_id"`
	ThreadID    string `bson:"thread_id"`
	MsgID       string `bson:"msg_id"`
	ToolCallRef string `bson:"tool_call_ref"`
	ToolName    string `bson:"tool_name"`
	Args        []byte `bson:"args"`
	Status      string `bson:"status"`
	Result      []byte `bson:"result,omitempty"`
	Error       string `bson:"error,omitempty"`
	SaveDelta   bool   `bson:"save_delta"`

	TimeoutMs   *int64     `bson:"timeout_ms,omitempty"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
	TimeoutFnID string     `bson:"timeout_fn_id,omitempty"`

	ExecutionAttempt     int              `bson:"execution_attempt"`
	ExecutionMaxAttempts int              `bson:"execution_max_attempts"`
	ExecutionLastError   string           `bson:"execution_last_error,omitempty"`
	ExecutionRetryPolicy *retryPolicyDoc  `bson:"execution_retry_policy,omitempty"`
	NextRetryAt          *time.Time       `bson:"next_retry_at,omitempty"`
	ExecutionRetryFnID   string           `bson:"execution_retry_fn_id,omitempty"`

	IsAsync           bool   `bson:"is_async"`
	CallbackAttempt   int    `bson:"callback_attempt"`
	CallbackLastError string `bson:"callback_last_error,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type retryPolicyDoc struct {
	Enabled        bool    `bson:"enabled"`
	MaxAttempts    int     `bson:"max_attempts"`
	Strategy       string  `bson:"strategy"`
	InitialDelayMs int64   `bson:"initial_delay_ms"`
	Multiplier     float64 `bson:"multiplier"`
	MaxDelayMs     int64   `bson:"max_delay_ms"`
	Jitter         bool    `bson:"jitter"`
}

func toolCallToDoc(tc *model.ToolCall) toolCallDoc {
	doc := toolCallDoc{
		ID: string(tc.ID), ThreadID: string(tc.ThreadID), MsgID: string(tc.MsgID),
		ToolCallRef: tc.ToolCallRef, ToolName: tc.ToolName, Args: tc.Args,
		Status: string(tc.Status), Result: tc.Result, Error: tc.Error, SaveDelta: tc.SaveDelta,
		TimeoutMs: tc.TimeoutMs, ExpiresAt: tc.ExpiresAt, TimeoutFnID: tc.TimeoutFnID,
		ExecutionAttempt: tc.ExecutionAttempt, ExecutionMaxAttempts: tc.ExecutionMaxAttempts,
		ExecutionLastError: tc.ExecutionLastError, NextRetryAt: tc.NextRetryAt,
		ExecutionRetryFnID: tc.ExecutionRetryFnID,
		IsAsync:            tc.IsAsync, CallbackAttempt: tc.CallbackAttempt, CallbackLastError: tc.CallbackLastError,
		CreatedAt: tc.CreatedAt, UpdatedAt: tc.UpdatedAt,
	}
	if tc.ExecutionRetryPolicy != nil {
		p := tc.ExecutionRetryPolicy
		doc.ExecutionRetryPolicy = &retryPolicyDoc{
			Enabled: p.Enabled, MaxAttempts: p.MaxAttempts, Strategy: p.Strategy,
			InitialDelayMs: p.InitialDelayMs, Multiplier: p.Multiplier, MaxDelayMs: p.MaxDelayMs, Jitter: p.Jitter,
		}
	}
	return doc
}

func (d toolCallDoc) toModel() *model.ToolCall {
	tc := &model.ToolCall{
		ID: model.ToolCallID(d.ID), ThreadID: model.ThreadID(d.ThreadID), MsgID: model.MessageID(d.MsgID),
		ToolCallRef: d.ToolCallRef, ToolName: d.ToolName, Args: d.Args,
		Status: model.ToolCallStatus(d.Status), Result: d.Result, Error: d.Error, SaveDelta: d.SaveDelta,
		TimeoutMs: d.TimeoutMs, ExpiresAt: d.ExpiresAt, TimeoutFnID: d.TimeoutFnID,
		ExecutionAttempt: d.ExecutionAttempt, ExecutionMaxAttempts: d.ExecutionMaxAttempts,
		ExecutionLastError: d.ExecutionLastError, NextRetryAt: d.NextRetryAt,
		ExecutionRetryFnID: d.ExecutionRetryFnID,
		IsAsync:            d.IsAsync, CallbackAttempt: d.CallbackAttempt, CallbackLastError: d.CallbackLastError,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
	if d.ExecutionRetryPolicy != nil {
		p := d.ExecutionRetryPolicy
		tc.ExecutionRetryPolicy = &model.RetryPolicy{
			Enabled: p.Enabled, MaxAttempts: p.MaxAttempts, Strategy: p.Strategy,
			InitialDelayMs: p.InitialDelayMs, Multiplier: p.Multiplier, MaxDelayMs: p.MaxDelayMs, Jitter: p.Jitter,
		}
	}
	return tc
}

// InsertToolCall implements store.ToolCallStore.
func (s *Store) InsertToolCall(ctx context.Context, tc *model.ToolCall) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.toolCalls.InsertOne(ctx, toolCallToDoc(tc))
	if mongo.IsDuplicateKeyError(err) {
		return store.ErrConflict
	}
	return err
}

// GetToolCall implements store.ToolCallStore.
func (s *Store) GetToolCall(ctx context.Context, id model.ToolCallID) (*model.ToolCall, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc toolCallDoc
	if err := s.toolCalls.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}

// GetToolCallByRef implements store.ToolCallStore.
func (s *Store) GetToolCallByRef(ctx context.Context, threadID model.ThreadID, ref string) (*model.ToolCall, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc toolCallDoc
	filter := bson.M{"thread_id": string(threadID), "tool_call_ref": ref}
	if err := s.toolCalls.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return doc.toModel(), nil
}

// PatchToolCall implements store.ToolCallStore.
func (s *Store) PatchToolCall(ctx context.Context, id model.ToolCallID, mutate func(*model.ToolCall) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc toolCallDoc
	if err := s.toolCalls.FindOne(ctx, bson.M{"_id": string(id)}).Decode(&doc); err != nil {
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
	_, err := s.toolCalls.ReplaceOne(ctx, bson.M{"_id": string(id)}, toolCallToDoc(working))
	return err
}

// ListPendingToolCalls implements store.ToolCallStore.
func (s *Store) ListPendingToolCalls(ctx context.Context, threadID model.ThreadID) ([]*model.ToolCall, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"thread_id": string(threadID), "status": string(model.ToolCallPending)}
	cur, err := s.toolCalls.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.ToolCall
	for cur.Next(ctx) {
		var doc toolCallDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
	}
	return out, cur.Err()
}

// ListPendingSyncToolCallsForResumption implements store.ToolCallStore.
func (s *Store) ListPendingSyncToolCallsForResumption(ctx context.Context, limit int) ([]*model.ToolCall, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"status": string(model.ToolCallPending), "is_async": false}
	cur, err := s.toolCalls.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []*model.ToolCall
	for cur.Next(ctx) {
		var doc toolCallDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toModel())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, cur.Err()
}

// DeleteToolCallsByThread implements store.ToolCallStore.
func (s *Store) DeleteToolCallsByThread(ctx context.Context, threadID model.ThreadID) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.toolCalls.DeleteMany(ctx, bson.M{"thread_id": string(threadID)})
	return err
}
