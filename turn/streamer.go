package turn

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/turnengine/model"
)

// flusher is the subset of streams.Manager a deltaBuffer writes through.
type flusher interface {
	AddDelta(ctx context.Context, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID, msgID model.MessageID, parts []model.Part) error
}

// deltaBuffer queues parts produced while draining the LLM part stream and
// flushes them to the Stream Manager at most once per throttle interval,
// plus immediately whenever the current message id changes (spec §4.2 step
// 6: "queues, coalesces adjacent same-id deltas... throttles writes at
// throttleMs"). Final coalescing of adjacent same-id text/reasoning deltas
// happens in streams.Manager.AddDelta; this buffer only paces writes.
type deltaBuffer struct {
	sink    flusher
	limiter *rate.Limiter

	threadID model.ThreadID
	streamID model.StreamID
	lockID   model.LockID

	mu    sync.Mutex
	msgID model.MessageID
	queue []model.Part
}

func newDeltaBuffer(sink flusher, throttle time.Duration, threadID model.ThreadID, streamID model.StreamID, lockID model.LockID) *deltaBuffer {
	if throttle <= 0 {
		throttle = 250 * time.Millisecond
	}
	return &deltaBuffer{
		sink: sink, limiter: rate.NewLimiter(rate.Every(throttle), 1),
		threadID: threadID, streamID: streamID, lockID: lockID,
	}
}

// setMessage flushes any queued parts under the prior message id, then
// switches the buffer's current message id.
func (b *deltaBuffer) setMessage(ctx context.Context, msgID model.MessageID) error {
	b.mu.Lock()
	prev := b.msgID
	pending := b.queue
	b.queue = nil
	b.msgID = msgID
	b.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return b.sink.AddDelta(ctx, b.threadID, b.streamID, b.lockID, prev, pending)
}

// push queues a part and flushes if the throttle window allows it.
func (b *deltaBuffer) push(ctx context.Context, part model.Part) error {
	b.mu.Lock()
	b.queue = append(b.queue, part)
	allow := b.limiter.Allow()
	var msgID model.MessageID
	var pending []model.Part
	if allow {
		msgID = b.msgID
		pending = b.queue
		b.queue = nil
	}
	b.mu.Unlock()
	if !allow || len(pending) == 0 {
		return nil
	}
	return b.sink.AddDelta(ctx, b.threadID, b.streamID, b.lockID, msgID, pending)
}

// flush forces any queued parts out regardless of the throttle window.
func (b *deltaBuffer) flush(ctx context.Context) error {
	b.mu.Lock()
	msgID := b.msgID
	pending := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return b.sink.AddDelta(ctx, b.threadID, b.streamID, b.lockID, msgID, pending)
}
