package dispatcher_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/dispatcher"
)

func TestDispatcher_RunsTasksInFIFOOrder(t *testing.T) {
	d := dispatcher.New(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		task := dispatcher.Task{
			ID: "t", Source: "cron",
			Run: func(ctx context.Context) (dispatcher.Outcome, error) {
				return dispatcher.Outcome{}, nil
			},
			OnComplete: func(dispatcher.Outcome) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			},
		}
		if err := d.Enqueue(task); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("expected FIFO order, got %v", order)
		}
	}
}

func TestDispatcher_OnlyOneTaskInFlight(t *testing.T) {
	d := dispatcher.New(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	var running int32
	var maxRunning int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(3)

	for i := 0; i < 3; i++ {
		task := dispatcher.Task{
			ID: "t", Source: "cron",
			Run: func(ctx context.Context) (dispatcher.Outcome, error) {
				mu.Lock()
				running++
				if running > maxRunning {
					maxRunning = running
				}
				mu.Unlock()
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				running--
				mu.Unlock()
				return dispatcher.Outcome{}, nil
			},
			OnComplete: func(dispatcher.Outcome) { wg.Done() },
		}
		if err := d.Enqueue(task); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	waitOrTimeout(t, &wg, time.Second)

	mu.Lock()
	defer mu.Unlock()
	if maxRunning != 1 {
		t.Fatalf("expected exactly one in-flight task, saw max %d", maxRunning)
	}
}

func TestDispatcher_ErrorInvokesOnError(t *testing.T) {
	d := dispatcher.New(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	done := make(chan error, 1)
	task := dispatcher.Task{
		ID: "t", Source: "cron",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) {
			return dispatcher.Outcome{}, errors.New("boom")
		},
		OnError: func(err error) { done <- err },
	}
	if err := d.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case err := <-done:
		if err.Error() != "boom" {
			t.Fatalf("got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for OnError")
	}
}

func TestDispatcher_PanickingCallbackDoesNotPoisonQueue(t *testing.T) {
	d := dispatcher.New(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	panicky := dispatcher.Task{
		ID: "t1", Source: "cron",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) { return dispatcher.Outcome{}, nil },
		OnComplete: func(dispatcher.Outcome) { panic("callback exploded") },
	}
	if err := d.Enqueue(panicky); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done := make(chan struct{})
	followUp := dispatcher.Task{
		ID: "t2", Source: "cron",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) { return dispatcher.Outcome{}, nil },
		OnComplete: func(dispatcher.Outcome) { close(done) },
	}

	time.Sleep(50 * time.Millisecond)
	if err := d.Enqueue(followUp); err != nil {
		t.Fatalf("enqueue follow-up: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue appears poisoned after a panicking callback")
	}
}

func TestDispatcher_EnqueueReturnsErrorWhenFull(t *testing.T) {
	d := dispatcher.New(1, nil, nil)
	block := make(chan struct{})
	first := dispatcher.Task{
		ID: "t1", Source: "cron",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) {
			<-block
			return dispatcher.Outcome{}, nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.Enqueue(first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick it up

	filler := dispatcher.Task{ID: "t2", Source: "cron", Run: func(ctx context.Context) (dispatcher.Outcome, error) { return dispatcher.Outcome{}, nil }}
	if err := d.Enqueue(filler); err != nil {
		t.Fatalf("expected room in buffer for one queued task: %v", err)
	}
	if err := d.Enqueue(filler); err == nil {
		t.Fatal("expected queue-full error")
	}
	close(block)
}

func TestDispatcher_PublishesSessionTelemetry(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session_")
	defer b.Unsubscribe(sub)

	d := dispatcher.New(10, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	task := dispatcher.Task{
		ID: "t1", Source: "cron", Label: "job-x",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) { return dispatcher.Outcome{}, nil },
	}
	if err := d.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Ch():
			seen[ev.Topic] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for telemetry events")
		}
	}
	for _, topic := range []string{"session_queued", "session_start", "session_complete"} {
		if !seen[topic] {
			t.Fatalf("expected %q event, saw %v", topic, seen)
		}
	}
}

func TestDispatcher_SessionCompleteCarriesTurnsAndExitCode(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("session_complete")
	defer b.Unsubscribe(sub)

	d := dispatcher.New(10, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	task := dispatcher.Task{
		ID: "t1", Source: "cron", Label: "job-x",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) {
			return dispatcher.Outcome{NumTurns: 4, ExitCode: 0}, nil
		},
	}
	if err := d.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case ev := <-sub.Ch():
		se, ok := ev.Payload.(bus.SessionEvent)
		if !ok {
			t.Fatalf("expected bus.SessionEvent payload, got %T", ev.Payload)
		}
		if se.NumTurns != 4 {
			t.Fatalf("expected NumTurns=4, got %d", se.NumTurns)
		}
		if se.ExitCode != 0 {
			t.Fatalf("expected ExitCode=0, got %d", se.ExitCode)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for session_complete event")
	}
}

func TestDispatcher_PublishesAutoContinueWhenQueueNonEmpty(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("auto_continue")
	defer b.Unsubscribe(sub)

	d := dispatcher.New(10, b, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	block := make(chan struct{})
	first := dispatcher.Task{
		ID: "t1", Source: "cron",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) {
			<-block
			return dispatcher.Outcome{}, nil
		},
	}
	second := dispatcher.Task{
		ID: "t2", Source: "cron",
		Run: func(ctx context.Context) (dispatcher.Outcome, error) { return dispatcher.Outcome{}, nil },
	}

	if err := d.Enqueue(first); err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the worker pick up first before second lands in the buffer
	if err := d.Enqueue(second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	close(block)

	select {
	case ev := <-sub.Ch():
		if ev.Topic != "auto_continue" {
			t.Fatalf("expected auto_continue, got %q", ev.Topic)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for auto_continue event")
	}
}

func TestDispatcher_AssignsIDWhenMissing(t *testing.T) {
	d := dispatcher.New(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx)
	defer cancel()

	done := make(chan struct{})
	task := dispatcher.Task{
		Source: "cron",
		Run:    func(ctx context.Context) (dispatcher.Outcome, error) { return dispatcher.Outcome{}, nil },
		OnComplete: func(dispatcher.Outcome) { close(done) },
	}
	if err := d.Enqueue(task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for tasks to complete")
	}
}
