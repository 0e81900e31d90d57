package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ordermesh/ordermesh-backend/pkg/backoff"
	"github.com/ordermesh/ordermesh-backend/pkg/logger"
)

// Task is a long-running loop that should only return when its context is
// canceled or it hits an unrecoverable error.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Supervisor owns background loops. A task that returns or panics while the
// context is still live is restarted after a capped backoff; an exit after
// cancellation is a clean shutdown. Restart state is tracked per task.
type Supervisor struct {
	logg    *logger.Logger
	policy  *backoff.Policy
	tasks   []Task
	mu      sync.Mutex
	started bool
}

func New(logg *logger.Logger, policy *backoff.Policy) *Supervisor {
	if policy == nil {
		policy = backoff.New(time.Second, 30*time.Second)
	}
	return &Supervisor{logg: logg, policy: policy}
}

// Add registers a task. Must be called before Run.
func (s *Supervisor) Add(name string, run func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("supervisor: Add after Run")
	}
	s.tasks = append(s.tasks, Task{Name: name, Run: run})
}

// Run blocks until the context is canceled and all tasks have stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already running")
	}
	s.started = true
	tasks := s.tasks
	s.mu.Unlock()

	if len(tasks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()
			s.supervise(ctx, task)
		}(task)
	}
	wg.Wait()
	return ctx.Err()
}

func (s *Supervisor) supervise(ctx context.Context, task Task) {
	delay := s.policy.Base()
	logCtx := s.logCtx(ctx, task.Name)

	for {
		err := s.runOnce(ctx, task)

		if ctx.Err() != nil {
			s.info(logCtx, "background task stopped")
			return
		}

		if err != nil {
			s.error(logCtx, "background task exited, restarting", err)
		} else {
			s.warn(logCtx, "background task returned without error, restarting")
		}

		if !s.sleep(ctx, s.policy.WithJitter(delay)) {
			s.info(logCtx, "background task stopped")
			return
		}
		delay = s.policy.Next(delay)
	}
}

// runOnce converts a task panic into an error so one bad loop iteration does
// not take the whole process down.
func (s *Supervisor) runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task.Run(ctx)
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Supervisor) logCtx(ctx context.Context, name string) context.Context {
	if s.logg == nil {
		return ctx
	}
	return s.logg.WithField(ctx, "task", name)
}

func (s *Supervisor) info(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Info(ctx, msg)
	}
}

func (s *Supervisor) warn(ctx context.Context, msg string) {
	if s.logg != nil {
		s.logg.Warn(ctx, msg)
	}
}

func (s *Supervisor) error(ctx context.Context, msg string, err error) {
	if s.logg != nil {
		s.logg.Error(ctx, msg, err)
	}
}
