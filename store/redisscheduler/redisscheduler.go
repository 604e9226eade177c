// Package redisscheduler implements store.Scheduler on top of
// github.com/redis/go-redis/v9, so a scheduled retry, timeout, or cleanup
// callback survives a process restart — the in-memory memstore.Scheduler
// does not. It is grounded on the teacher's use of redis/go-redis under
// goa.design/pulse's streaming primitives (features/stream/pulse), adapted
// here from a pub/sub stream to a delayed-job queue: a sorted set keyed by
// due-time, drained by a polling worker rather than consumed as a stream.
package redisscheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"goa.design/turnengine/store"
)

const (
	defaultKeyPrefix  = "turnengine:sched"
	defaultPollPeriod = 500 * time.Millisecond
	defaultBatchSize  = 50
)

// Handler resolves an opaque scheduled-function handle (the string passed
// to RunAfter) to a concrete store.ScheduledFunc, mirroring the spec §9
// "Function handles" design note: "the external-scheduler indirection maps
// naturally to identifier -> callable lookups".
type Handler func(ctx context.Context, handle string, args json.RawMessage) error

// Options configures the Scheduler.
type Options struct {
	// Client is a connected Redis client.
	Client *redis.Client
	// KeyPrefix namespaces this scheduler's keys; defaults to
	// "turnengine:sched".
	KeyPrefix string
	// PollPeriod is how often the worker polls for due jobs; defaults to
	// 500ms.
	PollPeriod time.Duration
	// BatchSize caps how many due jobs are claimed per poll; defaults to 50.
	BatchSize int
	// Handle resolves a scheduled job's handle to the function that runs it.
	// Required before Run is called; RunAfter/Cancel/Get work without it.
	Handle Handler
}

// Scheduler is a Redis-backed store.Scheduler. Due jobs are tracked in a
// sorted set (ZADD with score = run-at unix millis); the poll loop claims
// jobs whose score has elapsed and removes them from the set as a soft
// lock (ZREM's return value tells the caller whether it won the claim),
// then looks up and invokes the job's payload via Handle.
type Scheduler struct {
	client     *redis.Client
	keyPrefix  string
	pollPeriod time.Duration
	batchSize  int64
	handle     Handler

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

type job struct {
	ID        string          `json:"id"`
	Handle    string          `json:"handle"`
	Args      json.RawMessage `json:"args"`
	State     store.ScheduledState `json:"state"`
}

// New constructs a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	poll := opts.PollPeriod
	if poll <= 0 {
		poll = defaultPollPeriod
	}
	batch := opts.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Scheduler{
		client:     opts.Client,
		keyPrefix:  prefix,
		pollPeriod: poll,
		batchSize:  int64(batch),
		handle:     opts.Handle,
	}, nil
}

func (s *Scheduler) dueSetKey() string   { return s.keyPrefix + ":due" }
func (s *Scheduler) jobKey(id string) string { return s.keyPrefix + ":job:" + id }

// RunAfter implements store.Scheduler. The job payload is stored as a
// string record and its id added to the due-time sorted set; the poll loop
// (started by Run) claims and executes it once its score elapses.
func (s *Scheduler) RunAfter(ctx context.Context, delay time.Duration, handle string, _ store.ScheduledFunc, args any) (string, error) {
	id := uuid.NewString()
	payload, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("redisscheduler: marshal args: %w", err)
	}
	rec := job{ID: id, Handle: handle, Args: payload, State: store.ScheduledPending}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.jobKey(id), data, 0)
	runAt := time.Now().Add(delay)
	pipe.ZAdd(ctx, s.dueSetKey(), redis.Z{Score: float64(runAt.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// Cancel implements store.Scheduler.
func (s *Scheduler) Cancel(ctx context.Context, scheduledID string) error {
	removed, err := s.client.ZRem(ctx, s.dueSetKey(), scheduledID).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		// Already claimed/run, or unknown id: leave any stored job record's
		// state alone (a concurrent worker may be executing it).
		return nil
	}
	return s.setState(ctx, scheduledID, store.ScheduledCanceled)
}

// Get implements store.Scheduler.
func (s *Scheduler) Get(ctx context.Context, scheduledID string) (store.ScheduledState, error) {
	data, err := s.client.Get(ctx, s.jobKey(scheduledID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	var rec job
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", err
	}
	return rec.State, nil
}

func (s *Scheduler) setState(ctx context.Context, id string, state store.ScheduledState) error {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var rec job
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	rec.State = state
	next, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.jobKey(id), next, 24*time.Hour).Err()
}

// Run starts the poll loop that claims and executes due jobs. It blocks
// until ctx is canceled or Stop is called.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.handle == nil {
		return errors.New("redisscheduler: Handle is required to run the poll loop")
	}
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("redisscheduler: already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.mu.Unlock()
	defer close(s.done)

	ticker := time.NewTicker(s.pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return nil
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

// Stop signals the poll loop to exit and waits for it to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	now := float64(time.Now().UnixMilli())
	ids, err := s.client.ZRangeByScore(ctx, s.dueSetKey(), &redis.ZRangeBy{
		Min: "0", Max: fmt.Sprintf("%f", now), Count: s.batchSize,
	}).Result()
	if err != nil || len(ids) == 0 {
		return
	}
	for _, id := range ids {
		// ZRem's return value is the soft claim: only the poller that
		// actually removes the id runs the job.
		removed, err := s.client.ZRem(ctx, s.dueSetKey(), id).Result()
		if err != nil || removed == 0 {
			continue
		}
		s.runJob(ctx, id)
	}
}

func (s *Scheduler) runJob(ctx context.Context, id string) {
	data, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err != nil {
		return
	}
	var rec job
	if err := json.Unmarshal(data, &rec); err != nil {
		return
	}
	if rec.State != store.ScheduledPending {
		return
	}
	_ = s.setState(ctx, id, store.ScheduledRunning)
	runErr := s.handle(ctx, rec.Handle, rec.Args)
	if runErr != nil {
		_ = s.setState(ctx, id, store.ScheduledFailed)
		return
	}
	_ = s.setState(ctx, id, store.ScheduledCompleted)
}
