package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

func TestInsertAndGetThread(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	th := &model.Thread{ID: "t1", Status: model.ThreadCompleted, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.InsertThread(ctx, th))

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.ThreadID("t1"), got.ID)

	require.ErrorIs(t, s.InsertThread(ctx, th), store.ErrConflict)

	_, err = s.GetThread(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetThreadReturnsIndependentCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertThread(ctx, &model.Thread{ID: "t1", Status: model.ThreadCompleted, CreatedAt: now, UpdatedAt: now}))

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	got.Status = model.ThreadFailed

	again, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.ThreadCompleted, again.Status)
}

func TestPatchThreadMutatesAndBumpsUpdatedAt(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.InsertThread(ctx, &model.Thread{ID: "t1", Status: model.ThreadCompleted, CreatedAt: now, UpdatedAt: now}))

	err := s.PatchThread(ctx, "t1", func(t *model.Thread) error {
		t.Status = model.ThreadStreaming
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, model.ThreadStreaming, got.Status)
	require.True(t, got.UpdatedAt.After(now) || got.UpdatedAt.Equal(now))
}

func TestPatchThreadMissingReturnsNotFound(t *testing.T) {
	s := New()
	require.ErrorIs(t, s.PatchThread(context.Background(), "missing", func(*model.Thread) error { return nil }), store.ErrNotFound)
}

func TestListThreadsOrdersByCreatedAtDescending(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, s.InsertThread(ctx, &model.Thread{ID: "older", Status: model.ThreadCompleted, CreatedAt: base, UpdatedAt: base}))
	require.NoError(t, s.InsertThread(ctx, &model.Thread{ID: "newer", Status: model.ThreadCompleted, CreatedAt: base.Add(time.Minute), UpdatedAt: base}))

	out, err := s.ListThreads(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.ThreadID("newer"), out[0].ID)
	require.Equal(t, model.ThreadID("older"), out[1].ID)
}

func TestListThreadsRespectsLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		id := model.ThreadID(string(rune('a' + i)))
		require.NoError(t, s.InsertThread(ctx, &model.Thread{ID: id, Status: model.ThreadCompleted, CreatedAt: base.Add(time.Duration(i) * time.Second), UpdatedAt: base}))
	}
	out, err := s.ListThreads(ctx, 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestInsertAndListMessagesInCreationOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Now().UTC()
	require.NoError(t, s.InsertMessage(ctx, &model.Message{ID: "m2", ThreadID: "t1", Role: model.RoleAssistant, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, s.InsertMessage(ctx, &model.Message{ID: "m1", ThreadID: "t1", Role: model.RoleUser, CreatedAt: base}))

	out, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.MessageID("m1"), out[0].ID)
	require.Equal(t, model.MessageID("m2"), out[1].ID)
}

func TestInsertMessageGeneratesIDWhenEmpty(t *testing.T) {
	s := New()
	msg := &model.Message{ThreadID: "t1", Role: model.RoleUser}
	require.NoError(t, s.InsertMessage(context.Background(), msg))
	require.NotEmpty(t, msg.ID)
}

func TestDeleteMessagesByThreadOnlyAffectsThatThread(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertMessage(ctx, &model.Message{ID: "m1", ThreadID: "t1"}))
	require.NoError(t, s.InsertMessage(ctx, &model.Message{ID: "m2", ThreadID: "t2"}))

	require.NoError(t, s.DeleteMessagesByThread(ctx, "t1"))

	out, err := s.ListMessages(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, out)

	out, err = s.ListMessages(ctx, "t2")
	require.NoError(t, err)
	require.Len(t, out, 1)
}

func TestStreamLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertStream(ctx, &model.Stream{ID: "s1", ThreadID: "t1", Seq: 1, State: model.StreamState{Tag: model.StreamTagPending}}))

	nonTerminal, err := s.ListNonTerminalStreams(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, nonTerminal, 1)

	require.NoError(t, s.PatchStream(ctx, "s1", func(st *model.Stream) error {
		st.State = model.StreamState{Tag: model.StreamTagFinished}
		return nil
	}))

	nonTerminal, err = s.ListNonTerminalStreams(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, nonTerminal)

	require.NoError(t, s.DeleteStream(ctx, "s1"))
	_, err = s.GetStream(ctx, "s1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListStreamsFromSeqOrdersAndFilters(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertStream(ctx, &model.Stream{ID: "s1", ThreadID: "t1", Seq: 1}))
	require.NoError(t, s.InsertStream(ctx, &model.Stream{ID: "s2", ThreadID: "t1", Seq: 2}))
	require.NoError(t, s.InsertStream(ctx, &model.Stream{ID: "s3", ThreadID: "t1", Seq: 3}))

	out, err := s.ListStreamsFromSeq(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, model.StreamID("s2"), out[0].ID)
	require.Equal(t, model.StreamID("s3"), out[1].ID)
}

func TestDeltaInsertListAndBatchDelete(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertDelta(ctx, &model.Delta{StreamID: "s1", Seq: 2}))
	require.NoError(t, s.InsertDelta(ctx, &model.Delta{StreamID: "s1", Seq: 1}))
	require.ErrorIs(t, s.InsertDelta(ctx, &model.Delta{StreamID: "s1", Seq: 1}), store.ErrConflict)

	out, err := s.ListDeltas(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0].Seq)
	require.Equal(t, int64(2), out[1].Seq)

	remaining, err := s.DeleteDeltasBatch(ctx, "s1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)

	remaining, err = s.DeleteDeltasBatch(ctx, "s1", 10)
	require.NoError(t, err)
	require.Equal(t, 0, remaining)
}

func TestToolCallLifecycleAndRefLookup(t *testing.T) {
	s := New()
	ctx := context.Background()
	tc := &model.ToolCall{ID: "tc1", ThreadID: "t1", ToolCallRef: "ref1", Status: model.ToolCallPending}
	require.NoError(t, s.InsertToolCall(ctx, tc))
	require.ErrorIs(t, s.InsertToolCall(ctx, tc), store.ErrConflict)

	byRef, err := s.GetToolCallByRef(ctx, "t1", "ref1")
	require.NoError(t, err)
	require.Equal(t, model.ToolCallID("tc1"), byRef.ID)

	pending, err := s.ListPendingToolCalls(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.PatchToolCall(ctx, "tc1", func(tc *model.ToolCall) error {
		tc.Status = model.ToolCallCompleted
		return nil
	}))

	pending, err = s.ListPendingToolCalls(ctx, "t1")
	require.NoError(t, err)
	require.Empty(t, pending)

	require.NoError(t, s.DeleteToolCallsByThread(ctx, "t1"))
	_, err = s.GetToolCall(ctx, "tc1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListPendingSyncToolCallsForResumptionExcludesAsync(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.InsertToolCall(ctx, &model.ToolCall{ID: "sync1", ThreadID: "t1", ToolCallRef: "r1", Status: model.ToolCallPending, IsAsync: false}))
	require.NoError(t, s.InsertToolCall(ctx, &model.ToolCall{ID: "async1", ThreadID: "t1", ToolCallRef: "r2", Status: model.ToolCallPending, IsAsync: true}))

	out, err := s.ListPendingSyncToolCallsForResumption(ctx, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, model.ToolCallID("sync1"), out[0].ID)
}

func TestSchedulerRunAfterInvokesAndCompletes(t *testing.T) {
	sched := NewScheduler()
	done := make(chan struct{})
	id, err := sched.RunAfter(context.Background(), time.Millisecond, "h1", func(context.Context, any) error {
		close(done)
		return nil
	}, nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduled function did not run")
	}

	require.Eventually(t, func() bool {
		state, err := sched.Get(context.Background(), id)
		return err == nil && state == store.ScheduledCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulerCancelPreventsExecution(t *testing.T) {
	sched := NewScheduler()
	ran := false
	id, err := sched.RunAfter(context.Background(), 50*time.Millisecond, "h1", func(context.Context, any) error {
		ran = true
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, sched.Cancel(context.Background(), id))

	time.Sleep(100 * time.Millisecond)
	require.False(t, ran)

	state, err := sched.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.ScheduledCanceled, state)
}

func TestSchedulerGetUnknownIDReturnsNotFound(t *testing.T) {
	sched := NewScheduler()
	_, err := sched.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}
