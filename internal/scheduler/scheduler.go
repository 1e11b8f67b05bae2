// Package scheduler fires cron jobs on their configured schedule,
// resolves each job's model and execution backend, and funnels the
// result through history, persistence, and output routing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/basket/go-claw/internal/agentapi"
	"github.com/basket/go-claw/internal/agentproc"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/dispatcher"
	"github.com/basket/go-claw/internal/historyfile"
	"github.com/basket/go-claw/internal/store"
)

// cronJobTools is the fixed read-only tool allowlist for CLI-backend cron
// jobs: schedules browse and research, they don't edit.
var cronJobTools = []string{"Read", "Glob", "Grep", "WebSearch", "WebFetch"}

const previewChars = 400

// ChatSink delivers text to the conductor's primary chat surface (the
// Telegram adapter, when configured). It is nil when no chat channel is
// wired up, in which case telegram-routed output falls back to logging.
type ChatSink func(text string) error

// apiInvoker is the subset of *agentapi.Invoker the scheduler depends on,
// narrowed to an interface so tests can substitute a fake instead of
// talking to a real model API.
type apiInvoker interface {
	Invoke(ctx context.Context, opts agentapi.Options) (agentapi.Result, error)
}

// processRunner is the subset of agentproc.Run the scheduler depends on,
// narrowed so tests can substitute a fake instead of spawning a real
// subprocess.
type processRunner func(ctx context.Context, opts agentproc.Options) (agentproc.Result, error)

// Dependencies wires the scheduler to the rest of the conductor.
type Dependencies struct {
	Store        *store.Store
	Dispatcher   *dispatcher.Dispatcher
	History      *historyfile.Manager
	APIInvoker   apiInvoker
	ProcessRun   processRunner // defaults to agentproc.Run
	Config       config.Config
	Bus          *bus.Bus // may be nil
	Logger       *slog.Logger
	ChatSink     ChatSink // nil if no chat channel configured
	PrimaryChat  int64    // chat id assistant replies are persisted under; 0 disables persistence
}

// newCron builds a cron runner with second-granularity schedules and a
// chain that recovers panicking jobs and skips a fire that is still
// running from the previous tick.
func newCron() *cron.Cron {
	return cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
}

// Scheduler owns the cron runner and the in-memory map from job name to
// its registered entry.
type Scheduler struct {
	deps Dependencies

	mu      sync.Mutex
	cr      *cron.Cron
	entries map[string]cron.EntryID

	cfgMu sync.RWMutex // guards deps.Config across config.Watcher reloads
}

// UpdateConfig swaps in a freshly reloaded configuration, taking effect on
// the next job firing. Called from the config.Watcher's reload loop; never
// invoked concurrently with itself since that loop is single-goroutine.
func (s *Scheduler) UpdateConfig(cfg config.Config) {
	s.cfgMu.Lock()
	s.deps.Config = cfg
	s.cfgMu.Unlock()
}

// cfg returns a snapshot of the current configuration.
func (s *Scheduler) cfg() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.deps.Config
}

// New constructs a scheduler. Call Start to load jobs and begin firing.
func New(deps Dependencies) *Scheduler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ProcessRun == nil {
		deps.ProcessRun = agentproc.Run
	}
	return &Scheduler{
		deps:    deps,
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads every job from the store and registers the enabled ones,
// then starts the cron runner's background goroutine. The runner is
// unrooted: Stop must be called explicitly on shutdown.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.cr = newCron()
	s.mu.Unlock()

	jobs, err := s.deps.Store.ListJobs(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: load jobs: %w", err)
	}
	for _, job := range jobs {
		if job.Enabled {
			s.addJob(job)
		}
	}

	s.mu.Lock()
	s.cr.Start()
	s.mu.Unlock()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight fire to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cr := s.cr
	s.mu.Unlock()
	if cr != nil {
		<-cr.Stop().Done()
	}
}

// addJob registers job's timer, replacing any existing registration for
// the same name. Schedule parse failures are logged, never returned —
// a single bad cron string must not abort the rest of the load.
func (s *Scheduler) addJob(job store.Job) {
	s.removeJob(job.Name)
	if !job.Enabled {
		return
	}

	tz := job.Timezone
	if tz == "" {
		tz = "UTC"
	}
	spec := fmt.Sprintf("CRON_TZ=%s %s", tz, job.Schedule)

	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cr.AddFunc(spec, func() {
		s.executeJob(context.Background(), job, "schedule")
	})
	if err != nil {
		s.deps.Logger.Error("cron job schedule parse failed", "job", job.Name, "schedule", job.Schedule, "error", err)
		return
	}
	s.entries[job.Name] = id
	s.publishScheduled(job.Name, id)
}

// removeJob stops and drops name's timer, if one is registered.
func (s *Scheduler) removeJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return
	}
	if s.cr != nil {
		s.cr.Remove(id)
	}
	delete(s.entries, name)
}

// Reload re-registers name from its current store row — used by the CRUD
// surface after a create/update/delete so the running timer set always
// reflects the database.
func (s *Scheduler) Reload(ctx context.Context, name string) error {
	job, err := s.deps.Store.GetJob(ctx, name)
	if errors.Is(err, store.ErrJobNotFound) {
		s.removeJob(name)
		return nil
	}
	if err != nil {
		return err
	}
	s.addJob(job)
	return nil
}

// TriggerJob fetches the freshest row for name and runs it immediately,
// bypassing the timer entirely. It reports whether the job exists.
func (s *Scheduler) TriggerJob(ctx context.Context, name string) (bool, error) {
	job, err := s.deps.Store.GetJob(ctx, name)
	if errors.Is(err, store.ErrJobNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.publish(bus.TopicCronTriggered, bus.CronTriggeredEvent{JobName: name, Source: "manual"})
	s.executeJob(ctx, job, "manual")
	return true, nil
}

func (s *Scheduler) publishScheduled(name string, id cron.EntryID) {
	s.deps.Logger.Info("cron job scheduled", "job", name)
	if s.cr == nil {
		return
	}
	entry := s.cr.Entry(id)
	s.publish(bus.TopicCronScheduled, bus.CronScheduledEvent{JobName: name, NextRunAt: entry.Next.Format(time.RFC3339)})
}

func (s *Scheduler) publish(topic string, payload any) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(topic, payload)
	}
}

// executeJob runs one firing of job to completion (API mode) or hands it
// to the dispatcher (CLI mode). Agent failures are recorded and logged;
// they never propagate out of this method.
func (s *Scheduler) executeJob(ctx context.Context, job store.Job, source string) {
	mode := job.ExecutionMode
	if mode != store.ModeAPI && mode != store.ModeCLI {
		s.deps.Logger.Warn("unknown execution_mode, defaulting to cli", "job", job.Name, "mode", mode)
		mode = store.ModeCLI
	}

	prompt := job.Prompt + s.deps.History.ReadContext(job.Name)
	resolved := config.ResolveModel(s.resolveModelString(job))

	s.deps.Logger.Info("cron job firing", "job", job.Name, "mode", mode, "source", source, "model", resolved.Model)

	if mode == store.ModeAPI {
		s.runAPI(ctx, job, prompt, resolved)
		return
	}
	s.runCLI(job, prompt, resolved)
}

// resolveModelString applies the job → global default precedence before
// alias/provider resolution.
func (s *Scheduler) resolveModelString(job store.Job) string {
	if job.Model != nil && *job.Model != "" {
		return *job.Model
	}
	return s.cfg().JobDefaults.Model
}

func jobMaxTurns(job store.Job) int {
	if job.MaxTurns == nil {
		return 0
	}
	return *job.MaxTurns
}

func (s *Scheduler) runAPI(ctx context.Context, job store.Job, prompt string, resolved config.ResolvedModel) {
	start := time.Now()
	res, err := s.deps.APIInvoker.Invoke(ctx, agentapi.Options{
		Prompt:   prompt,
		Model:    resolved.Model,
		Provider: resolved.Provider,
		MaxTurns: jobMaxTurns(job),
		Timeout:  s.cfg().JobTimeout(),
	})
	if err != nil {
		s.recordFailure(ctx, job, start, err.Error())
		return
	}
	if res.IsError {
		s.recordFailure(ctx, job, start, res.Text)
		return
	}

	cost := res.CostUSD
	s.finishExecution(ctx, job, uuid.NewString(), start, res.Text, 0, res.TimedOut, &cost)
}

func (s *Scheduler) runCLI(job store.Job, prompt string, resolved config.ResolvedModel) {
	cfg := s.cfg()
	var providerEnv map[string]string
	if resolved.Provider == "ollama" {
		providerEnv = map[string]string{"OLLAMA_BASE_URL": cfg.ProviderBaseURL("ollama")}
	}

	start := time.Now()
	var lastResult agentproc.Result
	executionID := uuid.NewString()

	task := dispatcher.Task{
		ID:     executionID,
		Source: "cron",
		Label:  job.Name,
		Run: func(taskCtx context.Context) (dispatcher.Outcome, error) {
			res, err := s.deps.ProcessRun(taskCtx, agentproc.Options{
				Prompt:               prompt,
				NoSessionPersistence: true,
				AllowedTools:         cronJobTools,
				OutputFormat:         "stream-json",
				MaxTurns:             jobMaxTurns(job),
				Model:                resolved.Model,
				Timeout:              cfg.JobTimeout(),
				ProviderEnv:          providerEnv,
				Logger:               s.deps.Logger,
				OnToolUse: func(name, arg string) {
					s.publish(bus.TopicToolUse, bus.AgentStreamEvent{ExecutionID: executionID, Kind: "tool_use", ToolName: name, Text: arg})
				},
				OnText: func(preview string) {
					s.publish(bus.TopicAssistantText, bus.AgentStreamEvent{ExecutionID: executionID, Kind: "assistant_text", Text: preview})
				},
				OnToolResult: func(length int, preview string) {
					s.publish(bus.TopicToolResult, bus.AgentStreamEvent{ExecutionID: executionID, Kind: "tool_result", Text: preview})
				},
			})
			if err != nil {
				return dispatcher.Outcome{}, err
			}
			lastResult = res
			if res.ExitCode != 0 && !res.TimedOut {
				return dispatcher.Outcome{ExitCode: res.ExitCode}, fmt.Errorf("agent exited %d: %s", res.ExitCode, previewString(res.Stderr))
			}
			numTurns := 0
			if res.NumTurns != nil {
				numTurns = *res.NumTurns
			}
			return dispatcher.Outcome{NumTurns: numTurns, ExitCode: res.ExitCode, TimedOut: res.TimedOut}, nil
		},
		OnComplete: func(outcome dispatcher.Outcome) {
			text := agentproc.ExtractResultText(lastResult)
			s.finishExecution(context.Background(), job, executionID, start, text, outcome.ExitCode, outcome.TimedOut, nil)
		},
		OnError: func(err error) {
			s.recordFailure(context.Background(), job, start, err.Error())
		},
	}

	if err := s.deps.Dispatcher.Enqueue(task); err != nil {
		s.recordFailure(context.Background(), job, start, err.Error())
	}
}

// finishExecution persists the execution row, appends to history, and
// routes the output — the shared tail of both the API and CLI paths.
func (s *Scheduler) finishExecution(ctx context.Context, job store.Job, executionID string, start time.Time, text string, exitCode int, timedOut bool, costUSD *float64) {
	finished := time.Now()
	ec := exitCode
	_, err := s.deps.Store.LogExecution(ctx, store.Execution{
		JobName:           job.Name,
		StartedAt:         start,
		FinishedAt:        &finished,
		ExitCode:          &ec,
		TimedOut:          timedOut,
		OutputDestination: job.Output,
		ResponsePreview:   previewString(text),
		CostUSD:           costUSD,
	})
	if err != nil {
		s.deps.Logger.Error("failed to log cron execution", "job", job.Name, "error", err)
	}

	if text == "" {
		return
	}
	if err := s.deps.History.AppendEntry(job.Name, text); err != nil {
		s.deps.Logger.Warn("failed to append cron history", "job", job.Name, "error", err)
	}
	s.publish(bus.TopicResponseReady, bus.AgentStreamEvent{ExecutionID: executionID, Kind: "response_ready", Text: previewString(text)})
	s.emitToChat(ctx, text)
	s.routeOutput(job, text)
}

func (s *Scheduler) recordFailure(ctx context.Context, job store.Job, start time.Time, errText string) {
	finished := time.Now()
	exitCode := -1
	_, err := s.deps.Store.LogExecution(ctx, store.Execution{
		JobName:           job.Name,
		StartedAt:         start,
		FinishedAt:        &finished,
		ExitCode:          &exitCode,
		OutputDestination: job.Output,
		Error:             errText,
	})
	if err != nil {
		s.deps.Logger.Error("failed to log cron failure", "job", job.Name, "error", err)
	}
	s.deps.Logger.Error("cron job failed", "job", job.Name, "error", errText)

	if s.deps.ChatSink != nil {
		if serr := s.deps.ChatSink(fmt.Sprintf("[%s] failed: %s", job.Name, errText)); serr != nil {
			s.deps.Logger.Warn("chat sink delivery failed", "job", job.Name, "error", serr)
		}
	}
}

// emitToChat pushes a non-empty API/CLI result to the chat sink (if one
// is configured) and persists it as an assistant message for the
// primary chat, independent of the job's own output-routing setting.
func (s *Scheduler) emitToChat(ctx context.Context, text string) {
	if s.deps.ChatSink == nil || text == "" {
		return
	}
	if err := s.deps.ChatSink(text); err != nil {
		s.deps.Logger.Warn("chat sink delivery failed", "error", err)
		return
	}
	if s.deps.PrimaryChat == 0 {
		return
	}
	if _, err := s.deps.Store.SaveMessage(ctx, s.deps.PrimaryChat, store.RoleAssistant, text); err != nil {
		s.deps.Logger.Warn("failed to persist assistant message for cron output", "error", err)
	}
}

func (s *Scheduler) routeOutput(job store.Job, text string) {
	switch job.Output {
	case store.OutputTelegram:
		if s.deps.ChatSink == nil {
			s.deps.Logger.Warn("telegram output configured but no chat sink available, falling back to log", "job", job.Name)
			s.logOutput(job, text)
			return
		}
		if err := s.deps.ChatSink(fmt.Sprintf("[%s]\n\n%s", job.Name, text)); err != nil {
			s.deps.Logger.Warn("telegram output delivery failed", "job", job.Name, "error", err)
		}
	case store.OutputSilent:
		// do nothing
	case store.OutputWebhook, store.OutputLog:
		s.logOutput(job, text)
	default:
		s.logOutput(job, text)
	}
}

func (s *Scheduler) logOutput(job store.Job, text string) {
	s.deps.Logger.Info("cron job output", "name", job.Name, "output", previewString(text))
}

func previewString(s string) string {
	if len(s) <= previewChars {
		return s
	}
	return s[:previewChars] + "…"
}
