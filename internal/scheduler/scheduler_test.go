package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-claw/internal/agentapi"
	"github.com/basket/go-claw/internal/agentproc"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/dispatcher"
	"github.com/basket/go-claw/internal/historyfile"
	"github.com/basket/go-claw/internal/store"
)

type fakeInvoker struct {
	result agentapi.Result
	err    error
}

func (f fakeInvoker) Invoke(ctx context.Context, opts agentapi.Options) (agentapi.Result, error) {
	return f.result, f.err
}

func newTestDeps(t *testing.T) (Dependencies, *store.Store) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "conductor.db")
	s, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	hist := historyfile.New(filepath.Join(t.TempDir(), "vault"), nil)

	d := dispatcher.New(10, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)

	return Dependencies{
		Store:      s,
		Dispatcher: d,
		History:    hist,
		Config:     config.Config{JobDefaults: config.JobDefaults{Model: "sonnet", TimeoutSec: 30}},
	}, s
}

func mustCreateJob(t *testing.T, s *store.Store, job store.Job) store.Job {
	t.Helper()
	got, err := s.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return got
}

func TestResolveModelString_JobOverridesGlobalDefault(t *testing.T) {
	deps, _ := newTestDeps(t)
	sched := New(deps)

	model := "opus"
	job := store.Job{Name: "j1", Model: &model}
	if got := sched.resolveModelString(job); got != "opus" {
		t.Fatalf("expected job model to win, got %q", got)
	}

	if got := sched.resolveModelString(store.Job{Name: "j2"}); got != "sonnet" {
		t.Fatalf("expected global default, got %q", got)
	}
}

func TestExecuteJob_APIPath_PersistsExecutionAndHistoryOnSuccess(t *testing.T) {
	deps, s := newTestDeps(t)
	deps.APIInvoker = fakeInvoker{result: agentapi.Result{Subtype: "success", Text: "report body", CostUSD: 0.02}}
	sched := New(deps)

	job := mustCreateJob(t, s, store.Job{Name: "daily", Schedule: "* * * * * *", Prompt: "summarize", ExecutionMode: store.ModeAPI, Output: store.OutputLog})

	sched.executeJob(context.Background(), job, "manual")

	execs, err := s.GetRecentExecutions(context.Background(), "daily", 10)
	if err != nil {
		t.Fatalf("get executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution row, got %d", len(execs))
	}
	if execs[0].ExitCode == nil || *execs[0].ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", execs[0].ExitCode)
	}
	if execs[0].CostUSD == nil || *execs[0].CostUSD != 0.02 {
		t.Fatalf("expected cost 0.02, got %+v", execs[0].CostUSD)
	}

	ctxBlock := sched.deps.History.ReadContext("daily")
	if ctxBlock == "" {
		t.Fatal("expected history to be appended after a successful run")
	}
}

func TestExecuteJob_APIPath_PublishesResponseReady(t *testing.T) {
	deps, s := newTestDeps(t)
	deps.APIInvoker = fakeInvoker{result: agentapi.Result{Subtype: "success", Text: "report body"}}
	b := bus.New()
	deps.Bus = b
	sched := New(deps)

	sub := b.Subscribe(bus.TopicResponseReady)
	defer b.Unsubscribe(sub)

	job := mustCreateJob(t, s, store.Job{Name: "daily", Schedule: "* * * * * *", Prompt: "summarize", ExecutionMode: store.ModeAPI, Output: store.OutputLog})
	sched.executeJob(context.Background(), job, "manual")

	select {
	case ev := <-sub.Ch():
		se, ok := ev.Payload.(bus.AgentStreamEvent)
		if !ok {
			t.Fatalf("expected bus.AgentStreamEvent payload, got %T", ev.Payload)
		}
		if se.Kind != "response_ready" {
			t.Fatalf("expected kind response_ready, got %q", se.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response_ready event")
	}
}

func TestExecuteJob_APIPath_FailureRecordsExitCodeNegativeOne(t *testing.T) {
	deps, s := newTestDeps(t)
	deps.APIInvoker = fakeInvoker{result: agentapi.Result{IsError: true, Subtype: "error", Text: "boom"}}
	sched := New(deps)

	job := mustCreateJob(t, s, store.Job{Name: "broken", Schedule: "* * * * * *", Prompt: "p", ExecutionMode: store.ModeAPI})

	sched.executeJob(context.Background(), job, "manual")

	execs, err := s.GetRecentExecutions(context.Background(), "broken", 10)
	if err != nil {
		t.Fatalf("get executions: %v", err)
	}
	if len(execs) != 1 {
		t.Fatalf("expected 1 execution row, got %d", len(execs))
	}
	if execs[0].ExitCode == nil || *execs[0].ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %+v", execs[0].ExitCode)
	}
	if execs[0].Error != "boom" {
		t.Fatalf("expected error text recorded, got %q", execs[0].Error)
	}
}

func TestExecuteJob_CLIPath_EnqueuesAndPersistsOnCompletion(t *testing.T) {
	deps, s := newTestDeps(t)
	deps.ProcessRun = func(ctx context.Context, opts agentproc.Options) (agentproc.Result, error) {
		if opts.Model != "claude-sonnet-4-5" {
			t.Errorf("expected resolved model, got %q", opts.Model)
		}
		if !opts.NoSessionPersistence {
			t.Error("expected NoSessionPersistence=true for cron CLI jobs")
		}
		return agentproc.Result{ExitCode: 0, Stdout: `{"type":"result","result":"cli output"}`}, nil
	}
	sched := New(deps)

	job := mustCreateJob(t, s, store.Job{Name: "cli-job", Schedule: "* * * * * *", Prompt: "p", ExecutionMode: store.ModeCLI, Output: store.OutputLog})

	sched.executeJob(context.Background(), job, "manual")

	deadline := time.After(2 * time.Second)
	for {
		execs, err := s.GetRecentExecutions(context.Background(), "cli-job", 10)
		if err != nil {
			t.Fatalf("get executions: %v", err)
		}
		if len(execs) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for cli execution to persist")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestTriggerJob_ReturnsFalseForUnknownJob(t *testing.T) {
	deps, _ := newTestDeps(t)
	sched := New(deps)

	ok, err := sched.TriggerJob(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected false for an unregistered job name")
	}
}

func TestRouteOutput_TelegramFallsBackToLogWithoutChatSink(t *testing.T) {
	deps, _ := newTestDeps(t)
	sched := New(deps)
	// No ChatSink configured: routeOutput must not panic and must fall
	// back to a log entry instead of a nil dereference.
	sched.routeOutput(store.Job{Name: "j", Output: store.OutputTelegram}, "hello")
}

func TestRouteOutput_TelegramUsesChatSinkWhenConfigured(t *testing.T) {
	deps, _ := newTestDeps(t)
	var sent string
	deps.ChatSink = func(text string) error { sent = text; return nil }
	sched := New(deps)

	sched.routeOutput(store.Job{Name: "reminder", Output: store.OutputTelegram}, "hello")
	if sent == "" {
		t.Fatal("expected chat sink to be invoked")
	}
}

func TestAddJob_SkipsDisabledJob(t *testing.T) {
	deps, _ := newTestDeps(t)
	sched := New(deps)
	sched.cr = newCron()

	sched.addJob(store.Job{Name: "disabled", Schedule: "* * * * * *", Enabled: false})

	if _, ok := sched.entries["disabled"]; ok {
		t.Fatal("expected disabled job to not be registered")
	}
}

func TestAddJob_LogsAndSkipsOnBadSchedule(t *testing.T) {
	deps, _ := newTestDeps(t)
	sched := New(deps)
	sched.cr = newCron()

	sched.addJob(store.Job{Name: "bad", Schedule: "not a cron expression", Enabled: true, Timezone: "UTC"})

	if _, ok := sched.entries["bad"]; ok {
		t.Fatal("expected bad schedule to be rejected, not registered")
	}
}
