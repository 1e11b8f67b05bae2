// Command conductor runs the agent-task conductor: the cron scheduler,
// the serial dispatcher, the HTTP CRUD/trigger surface, and (when
// configured) the Telegram chat producer.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/go-claw/internal/agentapi"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/chatadapter"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/cronapi"
	"github.com/basket/go-claw/internal/dispatcher"
	"github.com/basket/go-claw/internal/historyfile"
	otelPkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/scheduler"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/telemetry"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `conductor — agent-task scheduler and dispatcher

Usage:
  %s [flags]
  %s status
  %s doctor

Flags:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only, not stdout")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		}
	}

	homeDir := config.HomeDir()
	cfg, err := config.Load(homeDir)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLoggerWithFormat(homeDir, cfg.LogLevel, cfg.LogFormat, *quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")

	if cfg.NeedsGenesis {
		logger.Info("startup phase", "phase", "config_genesis", "path", cfg.ConfigPath)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	db, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer db.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	hist := historyfile.New(cfg.VaultPath, logger)

	queueSize := cfg.JobDefaults.MaxQueueSize
	dsp := dispatcher.New(queueSize, eventBus, logger)
	go dsp.Run(ctx)

	apiInvoker := agentapi.New(agentapi.Config{
		AnthropicAPIKey:  cfg.ProviderAPIKey("anthropic"),
		AnthropicBaseURL: cfg.ProviderBaseURL("anthropic"),
		OllamaBaseURL:    cfg.ProviderBaseURL("ollama"),
	}, logger)

	const primaryChatEnv = "TELEGRAM_PRIMARY_CHAT_ID"
	var primaryChat int64
	if v := strings.TrimSpace(os.Getenv(primaryChatEnv)); v != "" {
		fmt.Sscanf(v, "%d", &primaryChat)
	}

	var chatAdapter *chatadapter.Adapter
	var producer *chatadapter.TelegramProducer
	var chatSink scheduler.ChatSink
	if cfg.Telegram.Enabled {
		chatAdapter = chatadapter.New(chatadapter.Dependencies{
			Store:      db,
			Dispatcher: dsp,
			Config:     cfg,
			Logger:     logger,
			Bus:        eventBus,
		})
		producer, err = chatadapter.NewTelegramProducer(cfg.Telegram.Token, cfg.Telegram.AllowedChatIDs, chatAdapter, logger)
		if err != nil {
			fatalStartup(logger, "E_TELEGRAM_INIT", err)
		}
		if primaryChat != 0 {
			chatSink = func(text string) error { return producer.Send(primaryChat, text) }
		}
	}

	sched := scheduler.New(scheduler.Dependencies{
		Store:       db,
		Dispatcher:  dsp,
		History:     hist,
		APIInvoker:  apiInvoker,
		Config:      cfg,
		Bus:         eventBus,
		Logger:      logger,
		ChatSink:    chatSink,
		PrimaryChat: primaryChat,
	})
	if err := sched.Start(ctx); err != nil {
		fatalStartup(logger, "E_SCHEDULER_START", err)
	}
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	cfgWatcher := config.NewWatcher(homeDir, logger)
	if err := cfgWatcher.Start(ctx); err != nil {
		logger.Warn("config hot-reload disabled", "error", err)
	} else {
		go watchConfigReloads(ctx, cfgWatcher, homeDir, logger, sched, apiInvoker)
	}

	// cronapi.Reload dereferences the scheduler's cron runner, so the HTTP
	// surface must not be mounted until Start has run.
	capi := cronapi.New(cronapi.Dependencies{
		Store:     db,
		Scheduler: sched,
		Bus:       eventBus,
		Logger:    logger,
	})

	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	server := &http.Server{Addr: addr, Handler: capi.Mux()}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("cron API listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	if producer != nil {
		go func() {
			if err := producer.Start(ctx); err != nil {
				logger.Error("telegram chat adapter failed", "error", err)
			}
		}()
		logger.Info("startup phase", "phase", "chat_adapter_started")
	}

	eventBus.Publish(bus.TopicStartup, bus.ProcessEvent{Addr: addr})

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("cron API server error", "error", err)
	}

	eventBus.Publish(bus.TopicShutdown, bus.ProcessEvent{Addr: addr})

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	sched.Stop()
	logger.Info("shutdown complete")
}

// watchConfigReloads re-reads config.yaml through the normal config.Load
// path whenever the watcher reports a change, and propagates the result
// to the components that can pick up new values without a restart: the
// scheduler's job defaults/provider base URLs and the API invoker's
// provider credentials. Fields that shape process topology (host/port,
// db path, telegram enablement) still require a restart.
func watchConfigReloads(ctx context.Context, w *config.Watcher, homeDir string, logger *slog.Logger, sched *scheduler.Scheduler, apiInvoker *agentapi.Invoker) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			cfg, err := config.Load(homeDir)
			if err != nil {
				logger.Error("config reload failed, keeping previous config", "path", ev.Path, "error", err)
				continue
			}
			sched.UpdateConfig(cfg)
			apiInvoker.UpdateConfig(agentapi.Config{
				AnthropicAPIKey:  cfg.ProviderAPIKey("anthropic"),
				AnthropicBaseURL: cfg.ProviderBaseURL("anthropic"),
				OllamaBaseURL:    cfg.ProviderBaseURL("ollama"),
			})
			logger.Info("config reloaded", "path", ev.Path)
		}
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure [%s]: %s\n", reasonCode, message)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
