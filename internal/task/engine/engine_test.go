package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"bottlebot/internal/eventbus"
	logx "bottlebot/pkg/logx"
)

func startEngine(t *testing.T, cfg Config, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) eventbus.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestEnqueueRunsOffCallerGoroutine(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, bus)

	release := make(chan struct{})
	err := s.Enqueue(Task{Name: "slow", Run: func(ctx context.Context) error {
		<-release
		return nil
	}})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	// Enqueue returned while the task is still blocked.
	close(release)

	ev := waitEvent(t, events, eventbus.TaskFinished)
	if te, ok := ev.Data.(TaskEvent); !ok || te.Name != "slow" || te.Attempts != 1 {
		t.Fatalf("unexpected event data %#v", ev.Data)
	}
}

func TestPanicIsRecoveredAndWorkerSurvives(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4}, bus)

	if err := s.Enqueue(Task{Name: "boom", Run: func(context.Context) error { panic("kaboom") }}); err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, eventbus.TaskFailed)
	if te := ev.Data.(TaskEvent); te.Error != "panic: kaboom" {
		t.Fatalf("error = %q", te.Error)
	}

	if err := s.Enqueue(Task{Name: "after", Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, events, eventbus.TaskFinished)
}

func TestEnqueueReportsQueueFull(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1}, nil)

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)
	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	if err := s.Enqueue(Task{Name: "a", Run: block}); err != nil {
		t.Fatal(err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "b", Run: block}); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(Task{Name: "c", Run: block}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}
	if got := s.Snapshot().Dropped; got != 1 {
		t.Fatalf("Dropped = %d", got)
	}
}

func TestRetriesStopAtNoRetry(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 4, RetryMax: 3}, bus)

	var calls atomic.Int32
	err := s.Enqueue(Task{
		Name: "flaky",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond},
		Run: func(context.Context) error {
			if calls.Add(1) == 1 {
				return errors.New("transient")
			}
			return NoRetry(errors.New("permanent"))
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ev := waitEvent(t, events, eventbus.TaskFailed)
	te := ev.Data.(TaskEvent)
	if te.Attempts != 2 || te.Error != "permanent" {
		t.Fatalf("attempts=%d err=%q", te.Attempts, te.Error)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	s := startEngine(t, Config{Workers: 1, QueueSize: 1, DefaultTimeout: 20 * time.Millisecond}, bus)

	_ = s.Enqueue(Task{Name: "hang", Run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})
	ev := waitEvent(t, events, eventbus.TaskFailed)
	if te := ev.Data.(TaskEvent); te.Error != context.DeadlineExceeded.Error() {
		t.Fatalf("error = %q", te.Error)
	}
}
