package bus

// Cron lifecycle topics.
const (
	TopicCronScheduled = "cron_scheduled"
	TopicCronTriggered = "cron_triggered"
)

// Session (execution) lifecycle topics.
const (
	TopicSessionQueued   = "session_queued"
	TopicSessionStart    = "session_start"
	TopicSessionComplete = "session_complete"
	TopicSessionFailed   = "session_failed"
	TopicSessionTimeout  = "session_timeout"
)

// Agent streaming event topics, published as the CLI backend parses its
// stream-json output line by line (see agentproc.Options.OnToolUse/
// OnText/OnToolResult).
const (
	TopicToolUse       = "tool_use"
	TopicToolResult    = "tool_result"
	TopicAssistantText = "assistant_text"
	// TopicResponseReady fires once a job's or chat turn's final response
	// text has been assembled and is about to be routed to its output sink
	// (log/telegram/webhook), ahead of the session_complete lifecycle event.
	TopicResponseReady = "response_ready"
)

// TopicAutoContinue fires when the dispatcher's worker picks up the next
// already-queued task immediately after finishing one, without returning
// to an idle wait — the "loop continues without re-entrancy" behavior.
const TopicAutoContinue = "auto_continue"

// TopicMessageReceived is published when the chat producer adapter
// receives an inbound message, before it is handed to the dispatcher.
const TopicMessageReceived = "message_received"

// Process lifecycle topics.
const (
	TopicStartup  = "startup"
	TopicShutdown = "shutdown"
)

// CronScheduledEvent is published whenever a job's next run time is
// (re)computed: at registration, after a manual trigger, and after every
// scheduled firing.
type CronScheduledEvent struct {
	JobName   string
	NextRunAt string // RFC3339
}

// CronTriggeredEvent is published the instant a job's timer fires or a
// manual trigger is requested.
type CronTriggeredEvent struct {
	JobName string
	Source  string // "schedule" or "manual"
}

// SessionEvent is published at every dispatcher lifecycle transition for a
// single execution.
type SessionEvent struct {
	ExecutionID string
	JobName     string
	Backend     string // "process" or "api"
	Status      string // queued, running, succeeded, failed, timeout
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms,omitempty"`
	NumTurns    int    `json:"num_turns,omitempty"`
	ExitCode    int    `json:"exit_code,omitempty"`
}

// AgentStreamEvent carries a single parsed event out of the process
// backend's line-by-line JSON stream, or the API backend's response
// iteration, as it happens.
type AgentStreamEvent struct {
	ExecutionID string
	Kind        string // tool_use, tool_result, assistant_text, response_ready
	ToolName    string `json:"tool_name,omitempty"`
	Text        string `json:"text,omitempty"`
}

// ChatMessageEvent is published when the chat producer adapter receives an
// inbound message, before it is handed to the dispatcher.
type ChatMessageEvent struct {
	Channel string
	ChatID  string
	Text    string
}

// ProcessEvent is published once at process startup, after every
// component has been wired and the cron API server is listening, and
// again at the start of shutdown.
type ProcessEvent struct {
	Addr string
}
