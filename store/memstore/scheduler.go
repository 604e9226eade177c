package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"goa.design/turnengine/store"
)

// Scheduler is an in-memory implementation of store.Scheduler backed by
// time.AfterFunc. It is the default scheduler for tests; production
// deployments should use store/redisscheduler so scheduled work
// survives a process restart.
type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*scheduledTask
}

type scheduledTask struct {
	timer *time.Timer
	state store.ScheduledState
}

// NewScheduler returns an empty Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{tasks: make(map[string]*scheduledTask)}
}

// RunAfter implements store.Scheduler.
func (s *Scheduler) RunAfter(ctx context.Context, delay time.Duration, handle string, fn store.ScheduledFunc, args any) (string, error) {
	id := uuid.NewString()
	task := &scheduledTask{state: store.ScheduledPending}
	s.mu.Lock()
	s.tasks[id] = task
	s.mu.Unlock()

	task.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		t, ok := s.tasks[id]
		if !ok || t.state != store.ScheduledPending {
			s.mu.Unlock()
			return
		}
		t.state = store.ScheduledRunning
		s.mu.Unlock()

		runErr := fn(ctx, args)

		s.mu.Lock()
		if runErr != nil {
			t.state = store.ScheduledFailed
		} else {
			t.state = store.ScheduledCompleted
		}
		s.mu.Unlock()
	})
	return id, nil
}

// Cancel implements store.Scheduler.
func (s *Scheduler) Cancel(_ context.Context, scheduledID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[scheduledID]
	if !ok {
		return nil
	}
	if t.state == store.ScheduledPending {
		t.timer.Stop()
		t.state = store.ScheduledCanceled
	}
	return nil
}

// Get implements store.Scheduler.
func (s *Scheduler) Get(_ context.Context, scheduledID string) (store.ScheduledState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[scheduledID]
	if !ok {
		return "", store.ErrNotFound
	}
	return t.state, nil
}
