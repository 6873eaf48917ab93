package hooks

import (
	"encoding/json"
	"strings"
)

// HookInput represents the JSON an agent sends on stdin to hook handlers.
// All fields are optional; each event populates its own subset.
type HookInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	CWD            string `json:"cwd"`
	HookEventName  string `json:"hook_event_name"`

	// SessionStart
	Source string `json:"source,omitempty"`
	Model  string `json:"model,omitempty"`

	// UserPromptSubmit
	Prompt string `json:"prompt,omitempty"`

	// PostToolUse
	ToolName     string          `json:"tool_name,omitempty"`
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolInput    json.RawMessage `json:"tool_input,omitempty"`
	ToolResponse json.RawMessage `json:"tool_response,omitempty"`

	// Stop
	StopHookActive       bool   `json:"stop_hook_active,omitempty"`
	LastAssistantMessage string `json:"last_assistant_message,omitempty"`

	// SessionEnd
	Reason string `json:"reason,omitempty"`
}

// skipTools are meta-tools that generate noise, not useful observations.
var skipTools = map[string]bool{
	"TodoRead":   true,
	"TodoWrite":  true,
	"Thinking":   true,
	"TaskList":   true,
	"TaskCreate": true,
	"TaskGet":    true,
	"TaskUpdate": true,
}

// ShouldSkipTool returns true if this tool should not be recorded as an observation.
func (h *HookInput) ShouldSkipTool() bool {
	return h.ToolName == "" || skipTools[h.ToolName]
}

// toolArgs holds the tool_input fields worth keeping.
type toolArgs struct {
	FilePath     string `json:"file_path"`
	NotebookPath string `json:"notebook_path"`
	Path         string `json:"path"`
	Command      string `json:"command"`
	Pattern      string `json:"pattern"`
	Query        string `json:"query"`
	URL          string `json:"url"`
	Description  string `json:"description"`
}

func (h *HookInput) args() toolArgs {
	var a toolArgs
	if len(h.ToolInput) > 0 {
		json.Unmarshal(h.ToolInput, &a)
	}
	if a.FilePath == "" {
		a.FilePath = a.NotebookPath
	}
	return a
}

// responseText flattens tool_response, which is either a JSON string or an
// object, to plain text.
func (h *HookInput) responseText() string {
	if len(h.ToolResponse) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(h.ToolResponse, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj map[string]any
	if err := json.Unmarshal(h.ToolResponse, &obj); err == nil {
		for _, k := range []string{"stdout", "output", "content", "result"} {
			if v, ok := obj[k].(string); ok && v != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return strings.TrimSpace(string(h.ToolResponse))
}

// metadata returns the session fields every capture carries.
func (h *HookInput) metadata() map[string]any {
	md := map[string]any{}
	if h.SessionID != "" {
		md["session_id"] = h.SessionID
	}
	if h.CWD != "" {
		md["cwd"] = h.CWD
	}
	return md
}
