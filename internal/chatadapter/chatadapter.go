// Package chatadapter turns inbound chat messages into dispatcher tasks:
// it builds conversation-history context, handles the /clear and /model
// slash commands, and chunks agent responses back to the channel's
// message-size limit. The wire-level transport (Telegram) is a thin
// producer layered on top — see telegram.go.
package chatadapter

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/go-claw/internal/agentproc"
	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/dispatcher"
	"github.com/basket/go-claw/internal/store"
)

// messageLimit is the default channel message-size limit chunking splits
// against; Telegram's own limit is 4096 characters per message.
const messageLimit = 4096

// historyWindow is how many recent messages (including the one just
// saved) are loaded before rendering the conversation-history block.
const historyWindow = 20

// processRunner matches agentproc.Run's signature so tests can stub the
// CLI backend without spawning a subprocess.
type processRunner func(ctx context.Context, opts agentproc.Options) (agentproc.Result, error)

// Sender delivers one already-chunked-to-size message to a chat. Concrete
// producers (Telegram) implement this with their own SDK call.
type Sender func(chatID int64, text string) error

// Dependencies wires the adapter to persistence and task execution.
type Dependencies struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Config     config.Config
	Logger     *slog.Logger
	Bus        *bus.Bus // optional; nil disables message_received telemetry
	ProcessRun processRunner // defaults to agentproc.Run
}

// Adapter holds the producer-agnostic chat logic: history assembly, slash
// commands, sticky per-chat model overrides, and response chunking.
type Adapter struct {
	deps Dependencies

	mu     sync.Mutex
	sticky map[int64]string // chatID -> model alias/id, absent = use global default
}

// New returns a ready-to-use Adapter.
func New(deps Dependencies) *Adapter {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.ProcessRun == nil {
		deps.ProcessRun = agentproc.Run
	}
	return &Adapter{deps: deps, sticky: make(map[int64]string)}
}

// HandleMessage processes one inbound text message from an authorized
// chat. send delivers chunked replies back to the channel; it is called
// zero or more times, synchronously from the dispatcher's callback.
func (a *Adapter) HandleMessage(ctx context.Context, chatID int64, text string, send Sender) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	if a.deps.Bus != nil {
		a.deps.Bus.Publish(bus.TopicMessageReceived, bus.ChatMessageEvent{
			Channel: "telegram",
			ChatID:  fmt.Sprintf("%d", chatID),
			Text:    text,
		})
	}

	if strings.HasPrefix(text, "/clear") {
		a.handleClear(ctx, chatID, send)
		return
	}
	if strings.HasPrefix(text, "/model") {
		a.handleModel(ctx, chatID, strings.TrimSpace(strings.TrimPrefix(text, "/model")), send)
		return
	}

	a.dispatchPrompt(ctx, chatID, text, a.effectiveModel(chatID), send)
}

func (a *Adapter) handleClear(ctx context.Context, chatID int64, send Sender) {
	if err := a.deps.Store.ClearConversation(ctx, chatID); err != nil {
		a.deps.Logger.Error("failed to clear conversation", "chat_id", chatID, "error", err)
		a.trySend(send, chatID, "Failed to clear conversation history.")
		return
	}
	a.trySend(send, chatID, "Conversation history cleared.")
}

// handleModel implements the /model command's four shapes: no argument,
// default/reset, a bare alias (sticky set), and an alias followed by a
// trailing prompt (one-shot override, sticky untouched).
func (a *Adapter) handleModel(ctx context.Context, chatID int64, arg string, send Sender) {
	if arg == "" {
		a.trySend(send, chatID, fmt.Sprintf("Current model: %s", a.effectiveModel(chatID)))
		return
	}

	fields := strings.SplitN(arg, " ", 2)
	token := fields[0]

	if token == "default" || token == "reset" {
		a.mu.Lock()
		delete(a.sticky, chatID)
		a.mu.Unlock()
		a.trySend(send, chatID, fmt.Sprintf("Model reset to default: %s", a.deps.Config.JobDefaults.Model))
		return
	}

	if len(fields) == 1 {
		a.mu.Lock()
		a.sticky[chatID] = token
		a.mu.Unlock()
		a.trySend(send, chatID, fmt.Sprintf("Model set to %s for this chat.", token))
		return
	}

	// alias + trailing prompt: one-shot override, sticky state untouched.
	prompt := strings.TrimSpace(fields[1])
	a.dispatchPrompt(ctx, chatID, prompt, token, send)
}

// effectiveModel resolves the sticky override (if any) over the global
// job default, per the "sticky override ∪ global" precedence.
func (a *Adapter) effectiveModel(chatID int64) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.sticky[chatID]; ok {
		return m
	}
	return a.deps.Config.JobDefaults.Model
}

// dispatchPrompt saves the inbound message, assembles history context,
// and enqueues a CLI-backend task whose completion saves and replies
// with the agent's response.
func (a *Adapter) dispatchPrompt(ctx context.Context, chatID int64, text, modelStr string, send Sender) {
	if _, err := a.deps.Store.SaveMessage(ctx, chatID, store.RoleUser, text); err != nil {
		a.deps.Logger.Error("failed to save inbound message", "chat_id", chatID, "error", err)
	}

	prompt, err := a.buildPrompt(ctx, chatID, text)
	if err != nil {
		a.deps.Logger.Error("failed to build conversation context", "chat_id", chatID, "error", err)
		prompt = text
	}

	resolved := config.ResolveModel(modelStr)
	var providerEnv map[string]string
	if resolved.Provider == "ollama" {
		providerEnv = map[string]string{"OLLAMA_BASE_URL": a.deps.Config.ProviderBaseURL("ollama")}
	}

	var lastResult agentproc.Result
	task := dispatcher.Task{
		Source: "telegram",
		Label:  fmt.Sprintf("chat-%d", chatID),
		Run: func(taskCtx context.Context) (dispatcher.Outcome, error) {
			res, err := a.deps.ProcessRun(taskCtx, agentproc.Options{
				Prompt:               prompt,
				WorkingDir:           a.deps.Config.VaultPath,
				DangerouslySkipPerms: true,
				NoSessionPersistence: true,
				OutputFormat:         "stream-json",
				Model:                resolved.Model,
				Timeout:              a.deps.Config.JobTimeout(),
				ProviderEnv:          providerEnv,
				Logger:               a.deps.Logger,
			})
			if err != nil {
				return dispatcher.Outcome{}, err
			}
			lastResult = res
			if res.ExitCode != 0 && !res.TimedOut {
				return dispatcher.Outcome{ExitCode: res.ExitCode}, fmt.Errorf("agent exited %d", res.ExitCode)
			}
			return dispatcher.Outcome{ExitCode: res.ExitCode, TimedOut: res.TimedOut}, nil
		},
		OnComplete: func(outcome dispatcher.Outcome) {
			a.finishTurn(context.Background(), chatID, agentproc.ExtractResultText(lastResult), send)
		},
		OnError: func(err error) {
			a.finishTurn(context.Background(), chatID, fmt.Sprintf("Error: %v", err), send)
		},
	}

	if err := a.deps.Dispatcher.Enqueue(task); err != nil {
		a.deps.Logger.Error("failed to enqueue chat task", "chat_id", chatID, "error", err)
		a.trySend(send, chatID, "Sorry, I'm too busy right now — try again shortly.")
	}
}

// finishTurn persists the assistant's reply and sends it chunked.
func (a *Adapter) finishTurn(ctx context.Context, chatID int64, text string, send Sender) {
	if text == "" {
		return
	}
	if _, err := a.deps.Store.SaveMessage(ctx, chatID, store.RoleAssistant, text); err != nil {
		a.deps.Logger.Error("failed to save assistant message", "chat_id", chatID, "error", err)
	}
	for _, chunk := range splitMessage(text, messageLimit) {
		if err := send(chatID, chunk); err != nil {
			a.deps.Logger.Error("failed to send chat reply chunk", "chat_id", chatID, "error", err)
			return
		}
	}
}

func (a *Adapter) trySend(send Sender, chatID int64, text string) {
	if err := send(chatID, text); err != nil {
		a.deps.Logger.Warn("failed to send chat notice", "chat_id", chatID, "error", err)
	}
}

// buildPrompt renders the last historyWindow messages (minus the one just
// inserted) as Human:/Assistant: blocks wrapped in a conversation_history
// tag, followed by the current turn. With no prior history, text passes
// through unwrapped.
func (a *Adapter) buildPrompt(ctx context.Context, chatID int64, text string) (string, error) {
	msgs, err := a.deps.Store.GetRecentContext(ctx, chatID, historyWindow)
	if err != nil {
		return "", err
	}
	if len(msgs) > 0 {
		msgs = msgs[:len(msgs)-1] // drop the turn just inserted by dispatchPrompt
	}
	if len(msgs) == 0 {
		return text, nil
	}

	var blocks []string
	for _, m := range msgs {
		speaker := "Human"
		if m.Role == store.RoleAssistant {
			speaker = "Assistant"
		}
		blocks = append(blocks, fmt.Sprintf("%s: %s", speaker, m.Content))
	}
	history := strings.Join(blocks, "\n\n")
	return fmt.Sprintf("<conversation_history>\n%s\n</conversation_history>\n\nHuman: %s", history, text), nil
}

// splitMessage breaks text into chunks no longer than limit, preferring to
// split on line boundaries; any single line that itself exceeds limit is
// hard-split at the byte boundary as a fallback.
func splitMessage(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, line := range strings.Split(text, "\n") {
		for len(line) > limit {
			if cur.Len() > 0 {
				flush()
			}
			chunks = append(chunks, line[:limit])
			line = line[limit:]
		}
		candidateLen := cur.Len() + len(line)
		if cur.Len() > 0 {
			candidateLen++ // account for the joining newline
		}
		if candidateLen > limit {
			flush()
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(line)
	}
	flush()
	return chunks
}
