package api

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/turnengine/config"
	"goa.design/turnengine/model"
	"goa.design/turnengine/store/memstore"
	"goa.design/turnengine/streams"
	"goa.design/turnengine/threads"
	"goa.design/turnengine/toolcalls"
	"goa.design/turnengine/tools"
)

// dummyHandler implements threads.Handler without driving an actual LLM
// call, completing the thread immediately so api-level wiring can be
// exercised without a provider adapter.
type dummyHandler struct {
	mu    sync.Mutex
	calls int
	store *memstore.Store
}

func (h *dummyHandler) Dispatch(ctx context.Context, threadID model.ThreadID, streamID model.StreamID) error {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	_ = h.store.PatchStream(ctx, streamID, func(s *model.Stream) error {
		s.State = model.StreamState{Tag: model.StreamTagFinished, Finished: &model.StreamFinished{EndedAt: time.Now().UTC()}}
		return nil
	})
	return h.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
		t.Status = model.ThreadCompleted
		t.ActiveStream = nil
		return nil
	})
}

func (h *dummyHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

type continuerRef struct{ orch *threads.Orchestrator }

func (r *continuerRef) ContinueStream(ctx context.Context, threadID model.ThreadID) error {
	return r.orch.ContinueStream(ctx, threadID)
}

func newTestClient(t *testing.T) (*Client, *memstore.Store, *dummyHandler) {
	t.Helper()
	st := memstore.New()
	sched := memstore.NewScheduler()
	cfg := config.Defaults()

	streamsMgr, err := streams.New(streams.Options{Store: st, Scheduler: sched, Config: cfg})
	require.NoError(t, err)

	handler := &dummyHandler{store: st}
	orch, err := threads.New(threads.Options{Store: st, Scheduler: sched, Streams: streamsMgr, Handler: handler})
	require.NoError(t, err)

	reg := tools.NewRegistry()
	require.NoError(t, reg.Register(tools.Spec{
		Name: "echo", Kind: tools.KindSync, SaveDelta: true,
		Handler: func(_ context.Context, args json.RawMessage) (json.RawMessage, error) { return args, nil },
	}))

	cref := &continuerRef{}
	toolMgr, err := toolcalls.New(toolcalls.Options{
		Store: st, Scheduler: sched, Registry: reg, Streams: streamsMgr, Continuer: cref, Deltas: streamsMgr, Config: cfg,
	})
	require.NoError(t, err)
	cref.orch = orch

	client, err := New(Options{Store: st, Threads: orch, Streams: streamsMgr, ToolCalls: toolMgr})
	require.NoError(t, err)
	return client, st, handler
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	st := memstore.New()
	_, err := New(Options{})
	require.Error(t, err)
	_, err = New(Options{Store: st})
	require.Error(t, err)
}

func TestCreateThreadDispatchesTurn(t *testing.T) {
	client, st, handler := newTestClient(t)
	ctx := context.Background()

	id, err := client.CreateThread(ctx, CreateThreadOptions{Prompt: "hello"})
	require.NoError(t, err)
	require.Equal(t, 1, handler.callCount())

	msgs, err := client.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.ThreadCompleted, thread.Status)
}

func TestSendMessageAndAddMessage(t *testing.T) {
	client, _, handler := newTestClient(t)
	ctx := context.Background()
	id, err := client.CreateThread(ctx, CreateThreadOptions{})
	require.NoError(t, err)

	_, err = client.AddMessage(ctx, id, model.Message{Role: model.RoleAssistant})
	require.NoError(t, err)
	require.Equal(t, 0, handler.callCount())

	require.NoError(t, client.SendMessage(ctx, id, "hi"))
	require.Equal(t, 1, handler.callCount())

	msgs, err := client.ListMessages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestStopThenResumeThread(t *testing.T) {
	client, st, handler := newTestClient(t)
	ctx := context.Background()
	id, err := client.CreateThread(ctx, CreateThreadOptions{Prompt: "hi"})
	require.NoError(t, err)
	require.Equal(t, 1, handler.callCount())

	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error { th.Status = model.ThreadStreaming; return nil }))
	require.NoError(t, client.StopThread(ctx, id))

	thread, err := st.GetThread(ctx, id)
	require.NoError(t, err)
	require.True(t, thread.StopSignal)

	require.NoError(t, client.ResumeThread(ctx, id, "again"))
	require.Equal(t, 2, handler.callCount())
}

func TestGetThreadAndListThreads(t *testing.T) {
	client, _, _ := newTestClient(t)
	ctx := context.Background()
	id, err := client.CreateThread(ctx, CreateThreadOptions{})
	require.NoError(t, err)

	got, err := client.GetThread(ctx, id)
	require.NoError(t, err)
	require.Equal(t, id, got.ID)

	list, err := client.ListThreads(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestDeleteThreadRemovesEverything(t *testing.T) {
	client, st, _ := newTestClient(t)
	ctx := context.Background()
	id, err := client.CreateThread(ctx, CreateThreadOptions{Prompt: "hi"})
	require.NoError(t, err)

	require.NoError(t, client.DeleteThread(ctx, id))
	_, err = st.GetThread(ctx, id)
	require.Error(t, err)
}

func TestStreamUpdatesReturnsLiveDeltas(t *testing.T) {
	client, st, _ := newTestClient(t)
	ctx := context.Background()
	id, err := client.CreateThread(ctx, CreateThreadOptions{})
	require.NoError(t, err)

	streamID, err := client.streams.Create(ctx, id)
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, id, func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))
	_, err = client.streams.Take(ctx, id, streamID, "lock1")
	require.NoError(t, err)
	require.NoError(t, client.streams.AddDelta(ctx, id, streamID, "lock1", "m1", []model.Part{model.TextPart{ID: "b1", Delta: "hi"}}))

	updates, err := client.StreamUpdates(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
}

func TestAddToolResultAndAddToolError(t *testing.T) {
	client, st, _ := newTestClient(t)
	ctx := context.Background()
	id, err := client.CreateThread(ctx, CreateThreadOptions{})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.InsertToolCall(ctx, &model.ToolCall{
		ID: "tc1", ThreadID: id, ToolCallRef: "ref1", Status: model.ToolCallPending, IsAsync: true, CreatedAt: now, UpdatedAt: now,
	}))

	require.NoError(t, client.AddToolResult(ctx, id, "tc1", []byte(`{"ok":true}`)))
	got, err := st.GetToolCall(ctx, "tc1")
	require.NoError(t, err)
	require.Equal(t, model.ToolCallCompleted, got.Status)

	require.NoError(t, client.AddToolError(ctx, id, "tc1", "ignored, already terminal"))
	got, err = st.GetToolCall(ctx, "tc1")
	require.NoError(t, err)
	require.Equal(t, model.ToolCallCompleted, got.Status)
}
