package threads

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/turnengine/model"
	"goa.design/turnengine/store/memstore"
)

type fakeStreams struct {
	mu          sync.Mutex
	aliveByID   map[model.StreamID]bool
	abortedIDs  []model.StreamID
	abortReason string
	createErr   error
	created     []model.ThreadID
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{aliveByID: map[model.StreamID]bool{}}
}

func (f *fakeStreams) Create(_ context.Context, threadID model.ThreadID) (model.StreamID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, threadID)
	id := model.StreamID(string(threadID) + "-s" + time.Now().Format("000000000"))
	return id, nil
}

func (f *fakeStreams) IsAlive(_ context.Context, streamID model.StreamID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aliveByID[streamID], nil
}

func (f *fakeStreams) Abort(_ context.Context, streamID model.StreamID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortedIDs = append(f.abortedIDs, streamID)
	f.abortReason = reason
	return nil
}

func (f *fakeStreams) CancelInactiveStreams(context.Context, model.ThreadID, model.StreamID) error {
	return nil
}

type fakeHandler struct {
	mu    sync.Mutex
	calls []model.StreamID
}

func (f *fakeHandler) Dispatch(_ context.Context, _ model.ThreadID, streamID model.StreamID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, streamID)
	return nil
}

func (f *fakeHandler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *memstore.Store, *fakeStreams, *fakeHandler) {
	t.Helper()
	st := memstore.New()
	fs := newFakeStreams()
	fh := &fakeHandler{}
	orch, err := New(Options{Store: st, Scheduler: memstore.NewScheduler(), Streams: fs, Handler: fh})
	require.NoError(t, err)
	return orch, st, fs, fh
}

func TestCreateThreadWithPromptAutoStarts(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()

	id, err := orch.CreateThread(ctx, CreateOptions{Prompt: "hello"})
	require.NoError(t, err)

	msgs, err := st.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.RoleUser, msgs[0].Role)

	require.Equal(t, 1, fh.callCount())
	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ThreadStreaming, thread.Status)
}

func TestCreateThreadWithoutPromptDoesNotAutoStart(t *testing.T) {
	orch, _, _, fh := newTestOrchestrator(t)
	_, err := orch.CreateThread(context.Background(), CreateOptions{})
	require.NoError(t, err)
	require.Equal(t, 0, fh.callCount())
}

func TestCreateThreadAutoStartOverride(t *testing.T) {
	orch, _, _, fh := newTestOrchestrator(t)
	no := false
	_, err := orch.CreateThread(context.Background(), CreateOptions{Prompt: "hi", AutoStart: &no})
	require.NoError(t, err)
	require.Equal(t, 0, fh.callCount())
}

func TestAddMessageDoesNotInvokeContinueStream(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)

	msgID, err := orch.AddMessage(ctx, id, model.Message{Role: model.RoleAssistant})
	require.NoError(t, err)
	require.NotEmpty(t, msgID)
	require.Equal(t, 0, fh.callCount())

	msgs, err := st.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestSendMessageRejectsWhenRetryInProgress(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error {
		th.RetryState = &model.RetryState{NextRetryAt: time.Now()}
		return nil
	}))

	err = orch.SendMessage(ctx, id, "hi")
	require.ErrorIs(t, err, ErrRetryInProgress)
}

func TestSendMessageClearsStopSignalAndContinues(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error { th.StopSignal = true; return nil }))

	require.NoError(t, orch.SendMessage(ctx, id, "hi"))

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.False(t, thread.StopSignal)
	require.Equal(t, 1, fh.callCount())
}

func TestResumeThreadRequiresPromptOrIdle(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error { th.Status = model.ThreadStreaming; return nil }))

	err = orch.ResumeThread(ctx, id, "")
	require.ErrorIs(t, err, ErrNotResumable)
}

func TestResumeThreadWithPromptSucceedsRegardlessOfStatus(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error { th.Status = model.ThreadStreaming; return nil }))

	require.NoError(t, orch.ResumeThread(ctx, id, "continue please"))
	require.Equal(t, 1, fh.callCount())
}

func TestStopThreadSetsSignalAndCancelsRetry(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error {
		th.RetryState = &model.RetryState{RetryFnID: "fn1"}
		return nil
	}))

	require.NoError(t, orch.StopThread(ctx, id))

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.True(t, thread.StopSignal)
	require.Nil(t, thread.RetryState)
}

func TestDeleteThreadCascades(t *testing.T) {
	orch, st, _, _ := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.InsertMessage(ctx, &model.Message{ThreadID: id, Role: model.RoleUser}))
	require.NoError(t, st.InsertToolCall(ctx, &model.ToolCall{ID: "tc1", ThreadID: id, ToolCallRef: "r1"}))
	require.NoError(t, st.InsertStream(ctx, &model.Stream{ID: "s1", ThreadID: id, Seq: 1}))
	require.NoError(t, st.InsertDelta(ctx, &model.Delta{StreamID: "s1", Seq: 1}))

	require.NoError(t, orch.DeleteThread(ctx, id))

	_, err = st.GetThread(ctx, id)
	require.Error(t, err)
	msgs, err := st.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Empty(t, msgs)
	_, err = st.GetStream(ctx, "s1")
	require.Error(t, err)
}

func TestContinueStreamHonorsStopSignal(t *testing.T) {
	orch, st, fs, _ := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	active := model.StreamID("active1")
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error {
		th.StopSignal = true
		th.ActiveStream = &active
		th.Status = model.ThreadStreaming
		return nil
	}))

	require.NoError(t, orch.ContinueStream(ctx, id))

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ThreadStopped, thread.Status)
	require.Nil(t, thread.ActiveStream)
	require.Contains(t, fs.abortedIDs, active)
	require.Equal(t, "stopSignal", fs.abortReason)
}

func TestContinueStreamNoopWhenAlreadyStopped(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error { th.Status = model.ThreadStopped; return nil }))

	require.NoError(t, orch.ContinueStream(ctx, id))
	require.Equal(t, 0, fh.callCount())
}

func TestContinueStreamDefersWhilePendingToolCalls(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	require.NoError(t, st.InsertToolCall(ctx, &model.ToolCall{ID: "tc1", ThreadID: id, ToolCallRef: "r1", Status: model.ToolCallPending}))

	require.NoError(t, orch.ContinueStream(ctx, id))
	require.Equal(t, 0, fh.callCount())
}

func TestContinueStreamMarksContinueWhenActiveStreamAlive(t *testing.T) {
	orch, st, fs, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	active := model.StreamID("active1")
	fs.aliveByID[active] = true
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error {
		th.ActiveStream = &active
		th.Status = model.ThreadStreaming
		return nil
	}))

	require.NoError(t, orch.ContinueStream(ctx, id))

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.True(t, thread.Continue)
	require.Equal(t, 0, fh.callCount())
}

func TestContinueStreamAbortsStaleStreamAndDispatchesNew(t *testing.T) {
	orch, st, fs, fh := newTestOrchestrator(t)
	ctx := context.Background()
	id, err := orch.CreateThread(ctx, CreateOptions{})
	require.NoError(t, err)
	stale := model.StreamID("stale1")
	require.NoError(t, st.InsertStream(ctx, &model.Stream{ID: stale, ThreadID: id, Seq: 1, State: model.StreamState{Tag: model.StreamTagStreaming}}))
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error {
		th.ActiveStream = &stale
		th.Status = model.ThreadStreaming
		return nil
	}))

	require.NoError(t, orch.ContinueStream(ctx, id))

	require.Contains(t, fs.abortedIDs, stale)
	require.Equal(t, "expired", fs.abortReason)
	require.Equal(t, 1, fh.callCount())

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, thread.ActiveStream)
	require.NotEqual(t, stale, *thread.ActiveStream)
}

type resumeTracker struct {
	mu     sync.Mutex
	limits []int
}

func (r *resumeTracker) ResumePendingSyncToolExecutions(_ context.Context, limit int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits = append(r.limits, limit)
	return nil
}

func TestRecoverySweepContinuesActiveThreadsAndResumesToolCalls(t *testing.T) {
	orch, st, _, fh := newTestOrchestrator(t)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, st.InsertThread(ctx, &model.Thread{ID: "active1", Status: model.ThreadStreaming, CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, st.InsertThread(ctx, &model.Thread{ID: "done1", Status: model.ThreadCompleted, CreatedAt: now, UpdatedAt: now}))

	rt := &resumeTracker{}
	rec := NewRecovery(RecoveryOptions{Orchestrator: orch, ToolCalls: rt, Interval: 10 * time.Millisecond, ResumeLimit: 5})

	runCtx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	rec.Run(runCtx)

	require.GreaterOrEqual(t, fh.callCount(), 1)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.NotEmpty(t, rt.limits)
	require.Equal(t, 5, rt.limits[0])
}

func TestRecoveryStopEndsLoop(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	rec := NewRecovery(RecoveryOptions{Orchestrator: orch, Interval: 5 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		rec.Run(context.Background())
		close(done)
	}()
	rec.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
