package agentproc

import (
	"fmt"

	"github.com/tidwall/gjson"
)

// ExtractResultText derives the user-facing response text from a
// process-backend Result. It is a pure function so callers (dispatcher,
// scheduler, chat adapter) can share identical behavior without
// depending on agentproc.Run itself.
func ExtractResultText(r Result) string {
	if r.TimedOut {
		return "Claude Code timed out."
	}
	if r.ExitCode != 0 {
		stderr := r.Stderr
		if len(stderr) > stderrPreviewBytes {
			stderr = stderr[:stderrPreviewBytes]
		}
		return fmt.Sprintf("Claude Code exited with code %d.\n\n%s", r.ExitCode, stderr)
	}

	stdout := r.Stdout
	if stdout == "" {
		return "(empty response)"
	}
	if !gjson.Valid(stdout) {
		return stdout
	}

	parsed := gjson.Parse(stdout)
	if v := parsed.Get("result"); v.Exists() && v.String() != "" {
		return v.String()
	}
	if v := parsed.Get("text"); v.Exists() && v.String() != "" {
		return v.String()
	}
	if parsed.Get("subtype").String() == "error_max_turns" {
		turns := parsed.Get("num_turns").Int()
		return fmt.Sprintf("Claude Code stopped after reaching the maximum of %d turns without a final response.", turns)
	}
	if parsed.Get("type").String() == "result" {
		return fmt.Sprintf("Claude Code finished without a response (%s).", parsed.Get("subtype").String())
	}
	return stdout
}
