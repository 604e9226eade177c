package streams

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/turnengine/config"
	"goa.design/turnengine/model"
	"goa.design/turnengine/store/memstore"
)

func newTestManager(t *testing.T) (*Manager, *memstore.Store) {
	t.Helper()
	st := memstore.New()
	sched := memstore.NewScheduler()
	mgr, err := New(Options{Store: st, Scheduler: sched, Config: config.Defaults()})
	require.NoError(t, err)
	return mgr, st
}

func insertThread(t *testing.T, st *memstore.Store, id model.ThreadID) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, st.InsertThread(context.Background(), &model.Thread{ID: id, Status: model.ThreadStreaming, CreatedAt: now, UpdatedAt: now}))
}

func TestCreateAllocatesPendingStreamAndBumpsSeq(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")

	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)

	s, err := st.GetStream(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, model.StreamTagPending, s.State.Tag)
	require.Equal(t, int64(1), s.Seq)

	thread, err := st.GetThread(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, int64(1), thread.Seq)
}

func TestTakeTransitionsPendingToStreaming(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))

	s, err := mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)
	require.Equal(t, model.StreamTagStreaming, s.State.Tag)
	require.Equal(t, model.LockID("lock1"), s.State.Streaming.LockID)
}

func TestTakeRejectsMismatchedActiveStream(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)

	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.ErrorIs(t, err, ErrThreadActiveMismatch)
}

func TestTakeRejectsWrongLockOnSecondCall(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))

	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)

	_, err = mgr.Take(ctx, "t1", streamID, "lock2")
	require.ErrorIs(t, err, ErrLockedByOther)
}

func TestAddDeltaCompactsAndAppends(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))
	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)

	err = mgr.AddDelta(ctx, "t1", streamID, "lock1", "msg1", []model.Part{
		model.TextPart{ID: "b1", Delta: "hel"},
		model.TextPart{ID: "b1", Delta: "lo"},
	})
	require.NoError(t, err)

	deltas, err := st.ListDeltas(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	require.Equal(t, int64(0), deltas[0].Seq)
	require.Len(t, deltas[0].Parts, 1)
	require.Equal(t, "hello", deltas[0].Parts[0].(model.TextPart).Delta)

	require.NoError(t, mgr.AddDelta(ctx, "t1", streamID, "lock1", "msg1", []model.Part{
		model.TextPart{ID: "b2", Delta: "world"},
	}))
	deltas, err = st.ListDeltas(ctx, streamID)
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	require.Equal(t, int64(1), deltas[1].Seq)
}

func TestAddDeltaRejectsWrongLock(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))
	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)

	err = mgr.AddDelta(ctx, "t1", streamID, "wrong-lock", "msg1", []model.Part{model.TextPart{ID: "b1", Delta: "x"}})
	require.ErrorIs(t, err, ErrLockedByOther)
}

func TestFinishAndAbortAreIdempotentAndTerminal(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))
	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)

	require.NoError(t, mgr.Finish(ctx, streamID))
	s, err := st.GetStream(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, model.StreamTagFinished, s.State.Tag)

	require.NoError(t, mgr.Abort(ctx, streamID, "ignored"))
	s, err = st.GetStream(ctx, streamID)
	require.NoError(t, err)
	require.Equal(t, model.StreamTagFinished, s.State.Tag)
}

func TestCancelInactiveStreamsAbortsOthersOnly(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	keep, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	other, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)

	require.NoError(t, mgr.CancelInactiveStreams(ctx, "t1", keep))

	keptStream, err := st.GetStream(ctx, keep)
	require.NoError(t, err)
	require.Equal(t, model.StreamTagPending, keptStream.State.Tag)

	otherStream, err := st.GetStream(ctx, other)
	require.NoError(t, err)
	require.Equal(t, model.StreamTagAborted, otherStream.State.Tag)
}

func TestIsAliveReflectsHeartbeatFreshness(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))

	alive, err := mgr.IsAlive(ctx, streamID)
	require.NoError(t, err)
	require.False(t, alive)

	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)

	alive, err = mgr.IsAlive(ctx, streamID)
	require.NoError(t, err)
	require.True(t, alive)
}

func TestIsAliveUnknownStreamIsFalse(t *testing.T) {
	mgr, _ := newTestManager(t)
	alive, err := mgr.IsAlive(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestQueryStreamingMessageUpdatesAliasesBlockIDs(t *testing.T) {
	mgr, st := newTestManager(t)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))
	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)
	require.NoError(t, mgr.AddDelta(ctx, "t1", streamID, "lock1", "msg1", []model.Part{model.TextPart{ID: "b1", Delta: "hi"}}))

	updates, err := mgr.QueryStreamingMessageUpdates(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	tp, ok := updates[0].Part.(model.TextPart)
	require.True(t, ok)
	require.Equal(t, "b1:1", tp.ID)
}

func TestQueryStreamingMessageUpdatesCapsAtMaxDeltasPerRequest(t *testing.T) {
	st := memstore.New()
	sched := memstore.NewScheduler()
	cfg := config.Defaults()
	cfg.MaxDeltasPerRequest = 2
	mgr, err := New(Options{Store: st, Scheduler: sched, Config: cfg})
	require.NoError(t, err)
	ctx := context.Background()
	insertThread(t, st, "t1")
	streamID, err := mgr.Create(ctx, "t1")
	require.NoError(t, err)
	require.NoError(t, st.PatchThread(ctx, "t1", func(th *model.Thread) error { th.ActiveStream = &streamID; return nil }))
	_, err = mgr.Take(ctx, "t1", streamID, "lock1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.AddDelta(ctx, "t1", streamID, "lock1", "msg1", []model.Part{model.TextPart{ID: "b1", Delta: "x"}}))
	}

	updates, err := mgr.QueryStreamingMessageUpdates(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, updates, cfg.MaxDeltasPerRequest)
}

func TestCompactPartsMergesAdjacentSameIDTextParts(t *testing.T) {
	out := CompactParts([]model.Part{
		model.TextPart{ID: "a", Delta: "foo"},
		model.TextPart{ID: "a", Delta: "bar"},
		model.TextPart{ID: "b", Delta: "baz"},
	})
	require.Len(t, out, 2)
	require.Equal(t, "foobar", out[0].(model.TextPart).Delta)
	require.Equal(t, "baz", out[1].(model.TextPart).Delta)
}

func TestCompactPartsDoesNotMergeNonAdjacent(t *testing.T) {
	out := CompactParts([]model.Part{
		model.TextPart{ID: "a", Delta: "foo"},
		model.ReasoningPart{ID: "r", Delta: "thinking"},
		model.TextPart{ID: "a", Delta: "bar"},
	})
	require.Len(t, out, 3)
}
