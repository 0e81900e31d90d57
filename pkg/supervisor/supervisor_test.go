package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ordermesh/ordermesh-backend/pkg/backoff"
)

func testPolicy() *backoff.Policy {
	return backoff.New(time.Millisecond, 5*time.Millisecond)
}

func TestSupervisorRestartsFailingTask(t *testing.T) {
	var runs atomic.Int64
	sup := New(nil, testPolicy())
	sup.Add("flaky", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected at least 3 runs, got %d", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisorRecoversFromPanic(t *testing.T) {
	var runs atomic.Int64
	sup := New(nil, testPolicy())
	sup.Add("panicky", func(ctx context.Context) error {
		runs.Add(1)
		panic("boom")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = sup.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for runs.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("expected panicking task to be restarted, got %d runs", runs.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisorStopsCleanlyOnCancel(t *testing.T) {
	sup := New(nil, testPolicy())
	sup.Add("steady", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestSupervisorRejectsDoubleRun(t *testing.T) {
	sup := New(nil, testPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = sup.Run(ctx)
	}()
	time.Sleep(10 * time.Millisecond)

	if err := sup.Run(ctx); err == nil || errors.Is(err, context.Canceled) {
		t.Fatalf("expected double-run error, got %v", err)
	}
	cancel()
}
