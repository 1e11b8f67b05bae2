// Package dispatcher serializes agent task execution through a bounded
// FIFO queue. Exactly one task runs at a time regardless of how many
// producers (scheduler, chat adapter, trigger API) enqueue concurrently.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/basket/go-claw/internal/bus"
	condotel "github.com/basket/go-claw/internal/otel"
)

// Status is a task's position in the dispatcher state machine.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Task is one agent invocation request. It lives only inside the
// dispatcher's queue or the agent invoker; it is never persisted as a
// row in its own right.
type Task struct {
	ID         string
	Source     string // "telegram", "cron", "webhook"
	Label      string // job name or chat identifier, for telemetry only
	Run        func(ctx context.Context) (Outcome, error)
	OnComplete func(Outcome)
	OnError    func(error)
}

// Outcome is what a task's Run function reports back to the dispatcher
// on success; the dispatcher attaches timing before invoking callbacks.
type Outcome struct {
	NumTurns int
	ExitCode int
	TimedOut bool
}

// Dispatcher owns exactly one worker goroutine draining a bounded queue.
type Dispatcher struct {
	queue  chan Task
	bus    *bus.Bus
	logger *slog.Logger
	done   chan struct{}
}

// New creates a dispatcher with the given bounded queue size. A size of
// 0 falls back to 100.
func New(queueSize int, b *bus.Bus, logger *slog.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:  make(chan Task, queueSize),
		bus:    b,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Enqueue returns immediately once the task is accepted onto the
// channel buffer; it returns an error only if the queue is full.
func (d *Dispatcher) Enqueue(task Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	select {
	case d.queue <- task:
		d.publish(bus.TopicSessionQueued, bus.SessionEvent{ExecutionID: task.ID, JobName: task.Label, Backend: task.Source, Status: string(StatusQueued)})
		return nil
	default:
		return fmt.Errorf("dispatcher: queue full (capacity %d)", cap(d.queue))
	}
}

// Run drains the queue strictly in FIFO order on a single worker until
// ctx is canceled. On shutdown, queued tasks are simply dropped — only
// the in-flight task's context is canceled, terminating its invoker.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(d.done)
			return
		case task := <-d.queue:
			d.execute(ctx, task)
			if len(d.queue) > 0 {
				d.publish(bus.TopicAutoContinue, bus.SessionEvent{ExecutionID: task.ID, JobName: task.Label, Backend: task.Source})
			}
		}
	}
}

// Done returns a channel closed once the worker loop has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) execute(ctx context.Context, task Task) {
	tracer := otel.Tracer(condotel.TracerName)
	ctx, span := condotel.StartClientSpan(ctx, tracer, "dispatcher.execute",
		condotel.AttrExecutionID.String(task.ID),
		condotel.AttrSource.String(task.Source),
	)
	defer span.End()

	d.publish(bus.TopicSessionStart, bus.SessionEvent{ExecutionID: task.ID, JobName: task.Label, Backend: task.Source, Status: string(StatusRunning)})

	start := time.Now()
	outcome, err := task.Run(ctx)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.publish(bus.TopicSessionFailed, bus.SessionEvent{
			ExecutionID: task.ID, JobName: task.Label, Backend: task.Source,
			Status: string(StatusFailed), Error: err.Error(), DurationMs: duration.Milliseconds(),
		})
		d.invokeOnError(task, err)
		return
	}

	status := StatusCompleted
	topic := bus.TopicSessionComplete
	if outcome.TimedOut {
		status = StatusTimedOut
		topic = bus.TopicSessionTimeout
	}
	d.publish(topic, bus.SessionEvent{
		ExecutionID: task.ID, JobName: task.Label, Backend: task.Source,
		Status: string(status), DurationMs: duration.Milliseconds(),
		NumTurns: outcome.NumTurns, ExitCode: outcome.ExitCode,
	})
	d.invokeOnComplete(task, outcome)
}

// invokeOnComplete and invokeOnError isolate callback panics/errors so a
// misbehaving producer callback never poisons the worker loop.
func (d *Dispatcher) invokeOnComplete(task Task, outcome Outcome) {
	if task.OnComplete == nil {
		return
	}
	defer d.recoverCallback(task.ID)
	task.OnComplete(outcome)
}

func (d *Dispatcher) invokeOnError(task Task, err error) {
	if task.OnError == nil {
		return
	}
	defer d.recoverCallback(task.ID)
	task.OnError(err)
}

func (d *Dispatcher) recoverCallback(taskID string) {
	if r := recover(); r != nil {
		d.logger.Error("dispatcher callback panicked", "task_id", taskID, "panic", r)
	}
}

func (d *Dispatcher) publish(topic string, payload any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(topic, payload)
}
