// Package memstore is an in-memory implementation of store.Store and
// store.Scheduler. It is the default backend for tests and local
// development; production deployments should use store/mongostore and
// store/redisscheduler.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

// Store is an in-memory, mutex-guarded implementation of store.Store. It is
// safe for concurrent use; every operation is linearized by a single
// RWMutex, matching the "serially on per-document transactions" contract of
// spec §5 at the coarse granularity appropriate for a test double.
type Store struct {
	mu sync.RWMutex

	threads   map[model.ThreadID]*model.Thread
	messages  map[model.MessageID]*model.Message
	streams   map[model.StreamID]*model.Stream
	deltas    map[model.StreamID][]*model.Delta
	toolCalls map[model.ToolCallID]*model.ToolCall
	toolRefs  map[toolRefKey]model.ToolCallID
}

type toolRefKey struct {
	threadID model.ThreadID
	ref      string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		threads:   make(map[model.ThreadID]*model.Thread),
		messages:  make(map[model.MessageID]*model.Message),
		streams:   make(map[model.StreamID]*model.Stream),
		deltas:    make(map[model.StreamID][]*model.Delta),
		toolCalls: make(map[model.ToolCallID]*model.ToolCall),
		toolRefs:  make(map[toolRefKey]model.ToolCallID),
	}
}

func cloneThread(t *model.Thread) *model.Thread {
	out := *t
	if t.ActiveStream != nil {
		id := *t.ActiveStream
		out.ActiveStream = &id
	}
	if t.RetryState != nil {
		rs := *t.RetryState
		out.RetryState = &rs
	}
	return &out
}

func cloneMessage(m *model.Message) *model.Message {
	out := *m
	out.Parts = append([]model.Part(nil), m.Parts...)
	if m.CommittedSeq != nil {
		seq := *m.CommittedSeq
		out.CommittedSeq = &seq
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneStream(s *model.Stream) *model.Stream {
	out := *s
	return &out
}

func cloneDelta(d *model.Delta) *model.Delta {
	out := *d
	out.Parts = append([]model.Part(nil), d.Parts...)
	return &out
}

func cloneToolCall(tc *model.ToolCall) *model.ToolCall {
	out := *tc
	out.Args = append([]byte(nil), tc.Args...)
	out.Result = append([]byte(nil), tc.Result...)
	if tc.TimeoutMs != nil {
		v := *tc.TimeoutMs
		out.TimeoutMs = &v
	}
	if tc.ExpiresAt != nil {
		v := *tc.ExpiresAt
		out.ExpiresAt = &v
	}
	if tc.ExecutionRetryPolicy != nil {
		v := *tc.ExecutionRetryPolicy
		out.ExecutionRetryPolicy = &v
	}
	if tc.NextRetryAt != nil {
		v := *tc.NextRetryAt
		out.NextRetryAt = &v
	}
	return &out
}

// InsertThread implements store.ThreadStore.
func (s *Store) InsertThread(_ context.Context, t *model.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return store.ErrConflict
	}
	s.threads[t.ID] = cloneThread(t)
	return nil
}

// GetThread implements store.ThreadStore.
func (s *Store) GetThread(_ context.Context, id model.ThreadID) (*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneThread(t), nil
}

// PatchThread implements store.ThreadStore.
func (s *Store) PatchThread(_ context.Context, id model.ThreadID, mutate func(*model.Thread) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return store.ErrNotFound
	}
	working := cloneThread(t)
	if err := mutate(working); err != nil {
		return err
	}
	working.UpdatedAt = time.Now().UTC()
	s.threads[id] = working
	return nil
}

// DeleteThread implements store.ThreadStore.
func (s *Store) DeleteThread(_ context.Context, id model.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, id)
	return nil
}

// ListThreads implements store.ThreadStore.
func (s *Store) ListThreads(_ context.Context, limit int) ([]*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*model.Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, cloneThread(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListActiveThreads implements store.ThreadStore.
func (s *Store) ListActiveThreads(_ context.Context) ([]*model.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Thread
	for _, t := range s.threads {
		if t.Status == model.ThreadStreaming || t.Status == model.ThreadAwaitingToolResults {
			out = append(out, cloneThread(t))
		}
	}
	return out, nil
}

// InsertMessage implements store.MessageStore.
func (s *Store) InsertMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = model.MessageID(uuid.NewString())
	}
	if _, ok := s.messages[m.ID]; ok {
		return store.ErrConflict
	}
	s.messages[m.ID] = cloneMessage(m)
	return nil
}

// GetMessage implements store.MessageStore.
func (s *Store) GetMessage(_ context.Context, id model.MessageID) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMessage(m), nil
}

// PatchMessage implements store.MessageStore.
func (s *Store) PatchMessage(_ context.Context, id model.MessageID, mutate func(*model.Message) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return store.ErrNotFound
	}
	working := cloneMessage(m)
	if err := mutate(working); err != nil {
		return err
	}
	s.messages[id] = working
	return nil
}

// ListMessages implements store.MessageStore.
func (s *Store) ListMessages(_ context.Context, threadID model.ThreadID) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.ThreadID == threadID {
			out = append(out, cloneMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// DeleteMessagesByThread implements store.MessageStore.
func (s *Store) DeleteMessagesByThread(_ context.Context, threadID model.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.messages {
		if m.ThreadID == threadID {
			delete(s.messages, id)
		}
	}
	return nil
}

// InsertStream implements store.StreamStore.
func (s *Store) InsertStream(_ context.Context, st *model.Stream) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[st.ID]; ok {
		return store.ErrConflict
	}
	s.streams[st.ID] = cloneStream(st)
	return nil
}

// GetStream implements store.StreamStore.
func (s *Store) GetStream(_ context.Context, id model.StreamID) (*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneStream(st), nil
}

// PatchStream implements store.StreamStore.
func (s *Store) PatchStream(_ context.Context, id model.StreamID, mutate func(*model.Stream) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[id]
	if !ok {
		return store.ErrNotFound
	}
	working := cloneStream(st)
	if err := mutate(working); err != nil {
		return err
	}
	s.streams[id] = working
	return nil
}

// DeleteStream implements store.StreamStore.
func (s *Store) DeleteStream(_ context.Context, id model.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, id)
	delete(s.deltas, id)
	return nil
}

// ListNonTerminalStreams implements store.StreamStore.
func (s *Store) ListNonTerminalStreams(_ context.Context, threadID model.ThreadID) ([]*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Stream
	for _, st := range s.streams {
		if st.ThreadID == threadID && !st.State.IsTerminal() {
			out = append(out, cloneStream(st))
		}
	}
	return out, nil
}

// ListStreamsFromSeq implements store.StreamStore.
func (s *Store) ListStreamsFromSeq(_ context.Context, threadID model.ThreadID, fromSeq int64) ([]*model.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.Stream
	for _, st := range s.streams {
		if st.ThreadID == threadID && st.Seq >= fromSeq {
			out = append(out, cloneStream(st))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// InsertDelta implements store.DeltaStore.
func (s *Store) InsertDelta(_ context.Context, d *model.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.deltas[d.StreamID] {
		if existing.Seq == d.Seq {
			return store.ErrConflict
		}
	}
	s.deltas[d.StreamID] = append(s.deltas[d.StreamID], cloneDelta(d))
	return nil
}

// ListDeltas implements store.DeltaStore.
func (s *Store) ListDeltas(_ context.Context, streamID model.StreamID) ([]*model.Delta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.deltas[streamID]
	out := make([]*model.Delta, len(src))
	for i, d := range src {
		out[i] = cloneDelta(d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// DeleteDeltasBatch implements store.DeltaStore.
func (s *Store) DeleteDeltasBatch(_ context.Context, streamID model.StreamID, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deltas := s.deltas[streamID]
	if limit <= 0 || limit >= len(deltas) {
		delete(s.deltas, streamID)
		return 0, nil
	}
	sort.Slice(deltas, func(i, j int) bool { return deltas[i].Seq < deltas[j].Seq })
	s.deltas[streamID] = deltas[limit:]
	return len(s.deltas[streamID]), nil
}

// InsertToolCall implements store.ToolCallStore.
func (s *Store) InsertToolCall(_ context.Context, tc *model.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := toolRefKey{threadID: tc.ThreadID, ref: tc.ToolCallRef}
	if _, ok := s.toolRefs[key]; ok {
		return store.ErrConflict
	}
	if _, ok := s.toolCalls[tc.ID]; ok {
		return store.ErrConflict
	}
	s.toolCalls[tc.ID] = cloneToolCall(tc)
	s.toolRefs[key] = tc.ID
	return nil
}

// GetToolCall implements store.ToolCallStore.
func (s *Store) GetToolCall(_ context.Context, id model.ToolCallID) (*model.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tc, ok := s.toolCalls[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneToolCall(tc), nil
}

// GetToolCallByRef implements store.ToolCallStore.
func (s *Store) GetToolCallByRef(_ context.Context, threadID model.ThreadID, ref string) (*model.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.toolRefs[toolRefKey{threadID: threadID, ref: ref}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneToolCall(s.toolCalls[id]), nil
}

// PatchToolCall implements store.ToolCallStore.
func (s *Store) PatchToolCall(_ context.Context, id model.ToolCallID, mutate func(*model.ToolCall) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tc, ok := s.toolCalls[id]
	if !ok {
		return store.ErrNotFound
	}
	working := cloneToolCall(tc)
	if err := mutate(working); err != nil {
		return err
	}
	working.UpdatedAt = time.Now().UTC()
	s.toolCalls[id] = working
	return nil
}

// ListPendingToolCalls implements store.ToolCallStore.
func (s *Store) ListPendingToolCalls(_ context.Context, threadID model.ThreadID) ([]*model.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ToolCall
	for _, tc := range s.toolCalls {
		if tc.ThreadID == threadID && tc.Status == model.ToolCallPending {
			out = append(out, cloneToolCall(tc))
		}
	}
	return out, nil
}

// ListPendingSyncToolCallsForResumption implements store.ToolCallStore.
func (s *Store) ListPendingSyncToolCallsForResumption(_ context.Context, limit int) ([]*model.ToolCall, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.ToolCall
	for _, tc := range s.toolCalls {
		if tc.Status != model.ToolCallPending || tc.IsAsync {
			continue
		}
		out = append(out, cloneToolCall(tc))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// DeleteToolCallsByThread implements store.ToolCallStore.
func (s *Store) DeleteToolCallsByThread(_ context.Context, threadID model.ThreadID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tc := range s.toolCalls {
		if tc.ThreadID == threadID {
			delete(s.toolCalls, id)
			delete(s.toolRefs, toolRefKey{threadID: threadID, ref: tc.ToolCallRef})
		}
	}
	return nil
}
