// Package streams implements the Stream Manager (spec §4.3): stream
// lifecycle, the take/heartbeat lock protocol, delta persistence and
// compaction, and the read-only join that powers live update queries.
package streams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"goa.design/turnengine/config"
	"goa.design/turnengine/model"
	"goa.design/turnengine/store"
)

// ErrLockedByOther is returned by Take/Heartbeat/AddDelta when the caller's
// lockId does not match the stream's current holder.
var ErrLockedByOther = errors.New("streams: locked by other")

// ErrThreadActiveMismatch is returned when the stream no longer matches
// thread.activeStream (spec §4.3 "take", "heartbeat").
var ErrThreadActiveMismatch = errors.New("streams: thread active stream mismatch")

// Handle names for the scheduled functions this package enqueues.
const (
	HandleTimeoutStream    = "streams.timeoutStream"
	HandleDeleteStreamCont = "streams.deleteStreamAsync"
)

// Options configures a Manager.
type Options struct {
	Store     store.Store
	Scheduler store.Scheduler
	Config    config.Config
}

// Manager implements the Stream Manager.
type Manager struct {
	store     store.Store
	scheduler store.Scheduler
	cfg       config.Config
}

// New constructs a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("streams: store is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("streams: scheduler is required")
	}
	cfg := opts.Config
	if cfg.TimeoutInterval <= 0 {
		cfg = config.Defaults()
	}
	return &Manager{store: opts.Store, scheduler: opts.Scheduler, cfg: cfg}, nil
}

// Create atomically allocates the next stream for threadID (spec §4.3
// "create").
func (m *Manager) Create(ctx context.Context, threadID model.ThreadID) (model.StreamID, error) {
	var seq int64
	if err := m.store.PatchThread(ctx, threadID, func(t *model.Thread) error {
		t.Seq++
		seq = t.Seq
		return nil
	}); err != nil {
		return "", err
	}
	s := &model.Stream{
		ID: model.StreamID(uuid.NewString()), ThreadID: threadID, Seq: seq,
		State: model.StreamState{Tag: model.StreamTagPending, Pending: &model.StreamPending{ScheduledAt: time.Now().UTC()}},
	}
	if err := m.store.InsertStream(ctx, s); err != nil {
		return "", err
	}
	return s.ID, nil
}

// Take acquires (or re-enters) the lock on a pending or streaming stream
// (spec §4.3 "take").
func (m *Manager) Take(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID) (*model.Stream, error) {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if thread.ActiveStream == nil || *thread.ActiveStream != streamID {
		return nil, fmt.Errorf("streams: take: %w", ErrThreadActiveMismatch)
	}

	var result *model.Stream
	err = m.store.PatchStream(ctx, streamID, func(s *model.Stream) error {
		switch s.State.Tag {
		case model.StreamTagPending:
			fnID, schedErr := m.scheduler.RunAfter(ctx, m.cfg.TimeoutInterval, HandleTimeoutStream,
				m.timeoutFn(streamID), streamID)
			if schedErr != nil {
				return schedErr
			}
			s.State = model.StreamState{Tag: model.StreamTagStreaming, Streaming: &model.StreamStreaming{
				LockID: lockID, LastHeartbeat: time.Now().UTC(), TimeoutFnID: fnID,
			}}
		case model.StreamTagStreaming:
			if s.State.Streaming.LockID != lockID {
				return fmt.Errorf("streams: take: %w", ErrLockedByOther)
			}
			s.State.Streaming.LastHeartbeat = time.Now().UTC()
		default:
			return fmt.Errorf("streams: take: stream %s is in terminal state %s", streamID, s.State.Tag)
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) timeoutFn(streamID model.StreamID) store.ScheduledFunc {
	return func(ctx context.Context, _ any) error { return m.TimeoutStream(ctx, streamID) }
}

func (m *Manager) deleteFn(streamID model.StreamID) store.ScheduledFunc {
	return func(ctx context.Context, _ any) error { return m.DeleteStreamAsync(ctx, streamID) }
}

// AddDelta compacts and appends parts to streamID at the next seq, after
// validating lockID still owns the stream (spec §4.3 "addDelta").
func (m *Manager) AddDelta(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID, msgID model.MessageID, parts []model.Part) error {
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if s.State.Tag != model.StreamTagStreaming || s.State.Streaming.LockID != lockID {
		return fmt.Errorf("streams: addDelta: %w", ErrLockedByOther)
	}
	compacted := CompactParts(parts)
	if len(compacted) == 0 {
		return nil
	}
	existing, err := m.store.ListDeltas(ctx, streamID)
	if err != nil {
		return err
	}
	nextSeq := int64(len(existing))
	d := &model.Delta{StreamID: streamID, Seq: nextSeq, MsgID: msgID, Parts: compacted}
	return m.store.InsertDelta(ctx, d)
}

// AppendToolOutcome implements toolcalls.DeltaAppender: it attaches
// tool-output-available/-error parts to threadID's current active stream
// without going through the lock-protected AddDelta path, since tool
// outcomes land after the Stream Handler that opened the stream has already
// returned (spec §4.4 "emit a tool-output delta").
func (m *Manager) AppendToolOutcome(ctx context.Context, threadID model.ThreadID, parts []model.Part) error {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if thread.ActiveStream == nil {
		return nil
	}
	streamID := *thread.ActiveStream
	existing, err := m.store.ListDeltas(ctx, streamID)
	if err != nil {
		return err
	}
	nextSeq := int64(len(existing))
	d := &model.Delta{StreamID: streamID, Seq: nextSeq, Parts: CompactParts(parts)}
	return m.store.InsertDelta(ctx, d)
}

// Heartbeat refreshes a streaming stream's liveness (spec §4.3
// "heartbeat").
func (m *Manager) Heartbeat(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID) error {
	thread, err := m.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		return err
	}
	if s.State.Tag != model.StreamTagStreaming || s.State.Streaming.LockID != lockID {
		_ = m.Abort(ctx, streamID, "locked_by_other")
		return fmt.Errorf("streams: heartbeat: %w", ErrLockedByOther)
	}
	if thread.ActiveStream == nil || *thread.ActiveStream != streamID {
		_ = m.Abort(ctx, streamID, "thread_active_mismatch")
		return fmt.Errorf("streams: heartbeat: %w", ErrThreadActiveMismatch)
	}
	if time.Since(s.State.Streaming.LastHeartbeat) < m.cfg.TimeoutInterval/4 {
		return nil
	}
	oldFnID := s.State.Streaming.TimeoutFnID
	newFnID, err := m.scheduler.RunAfter(ctx, m.cfg.TimeoutInterval, HandleTimeoutStream, m.timeoutFn(streamID), streamID)
	if err != nil {
		return err
	}
	if err := m.store.PatchStream(ctx, streamID, func(st *model.Stream) error {
		if st.State.Tag != model.StreamTagStreaming || st.State.Streaming.LockID != lockID {
			return fmt.Errorf("streams: heartbeat: %w", ErrLockedByOther)
		}
		st.State.Streaming.LastHeartbeat = time.Now().UTC()
		st.State.Streaming.TimeoutFnID = newFnID
		return nil
	}); err != nil {
		_ = m.scheduler.Cancel(ctx, newFnID)
		return err
	}
	if oldFnID != "" {
		_ = m.scheduler.Cancel(ctx, oldFnID)
	}
	return nil
}

// Finish transitions a streaming stream to finished and schedules its
// cleanup (spec §4.3 "finish"). Idempotent if already terminal.
func (m *Manager) Finish(ctx context.Context, streamID model.StreamID) error {
	return m.patchTerminal(ctx, streamID, func(s *model.Stream) (model.StreamState, error) {
		cleanupFnID, err := m.scheduler.RunAfter(ctx, m.cfg.DeleteStreamDelay, HandleDeleteStreamCont, m.deleteFn(streamID), streamID)
		if err != nil {
			return model.StreamState{}, err
		}
		return model.StreamState{Tag: model.StreamTagFinished, Finished: &model.StreamFinished{
			EndedAt: time.Now().UTC(), CleanupFnID: cleanupFnID,
		}}, nil
	})
}

// Abort transitions a non-terminal stream to aborted with reason (spec §4.3
// "abort").
func (m *Manager) Abort(ctx context.Context, streamID model.StreamID, reason string) error {
	return m.patchTerminal(ctx, streamID, func(s *model.Stream) (model.StreamState, error) {
		cleanupFnID, err := m.scheduler.RunAfter(ctx, m.cfg.DeleteStreamDelay, HandleDeleteStreamCont, m.deleteFn(streamID), streamID)
		if err != nil {
			return model.StreamState{}, err
		}
		return model.StreamState{Tag: model.StreamTagAborted, Aborted: &model.StreamAborted{
			Reason: reason, CleanupFnID: cleanupFnID,
		}}, nil
	})
}

func (m *Manager) patchTerminal(ctx context.Context, streamID model.StreamID, next func(*model.Stream) (model.StreamState, error)) error {
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if s.State.IsTerminal() {
		return nil
	}
	var timeoutFnID string
	switch s.State.Tag {
	case model.StreamTagStreaming:
		timeoutFnID = s.State.Streaming.TimeoutFnID
	}
	newState, err := next(s)
	if err != nil {
		return err
	}
	if err := m.store.PatchStream(ctx, streamID, func(st *model.Stream) error {
		if st.State.IsTerminal() {
			return nil
		}
		st.State = newState
		return nil
	}); err != nil {
		return err
	}
	if timeoutFnID != "" {
		_ = m.scheduler.Cancel(ctx, timeoutFnID)
	}
	return nil
}

// CancelInactiveStreams aborts every other non-terminal stream of threadID
// as superseded (spec §4.3 "cancelInactiveStreams").
func (m *Manager) CancelInactiveStreams(ctx context.Context, threadID model.ThreadID, activeStreamID model.StreamID) error {
	streams, err := m.store.ListNonTerminalStreams(ctx, threadID)
	if err != nil {
		return err
	}
	for _, s := range streams {
		if s.ID == activeStreamID {
			continue
		}
		if err := m.Abort(ctx, s.ID, "superseded"); err != nil {
			return err
		}
	}
	return nil
}

// IsAlive reports whether streamID is currently streaming with a fresh
// heartbeat (spec §4.3 "isAlive").
func (m *Manager) IsAlive(ctx context.Context, streamID model.StreamID) (bool, error) {
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if s.State.Tag != model.StreamTagStreaming {
		return false, nil
	}
	return time.Since(s.State.Streaming.LastHeartbeat) < m.cfg.LivenessThreshold, nil
}

// TimeoutStream aborts streamID with reason timeout if it is still
// streaming (spec §4.3 "timeoutStream", scheduled).
func (m *Manager) TimeoutStream(ctx context.Context, streamID model.StreamID) error {
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if s.State.Tag != model.StreamTagStreaming {
		return nil
	}
	return m.Abort(ctx, streamID, "timeout")
}

// DeleteStreamAsync incrementally drains streamID's deltas and deletes the
// stream record once empty (spec §4.3 "deleteStreamAsync").
func (m *Manager) DeleteStreamAsync(ctx context.Context, streamID model.StreamID) error {
	const batch = 100
	remaining, err := m.store.DeleteDeltasBatch(ctx, streamID, batch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if remaining > 0 {
		_, err := m.scheduler.RunAfter(ctx, 0, HandleDeleteStreamCont, m.deleteFn(streamID), streamID)
		return err
	}
	s, err := m.store.GetStream(ctx, streamID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	var cleanupFnID string
	switch s.State.Tag {
	case model.StreamTagFinished:
		cleanupFnID = s.State.Finished.CleanupFnID
	case model.StreamTagAborted:
		cleanupFnID = s.State.Aborted.CleanupFnID
	}
	if cleanupFnID != "" {
		_ = m.scheduler.Cancel(ctx, cleanupFnID)
	}
	return m.store.DeleteStream(ctx, streamID)
}
