package hooks

import (
	"fmt"
	"strings"
)

const maxResponseChars = 400

// toolImportance ranks tool kinds: changes outlive commands, which outlive
// lookups.
var toolImportance = map[string]float64{
	"Edit":         0.9,
	"MultiEdit":    0.9,
	"Write":        0.9,
	"NotebookEdit": 0.9,
	"Bash":         0.7,
	"Task":         0.6,
	"WebFetch":     0.5,
	"WebSearch":    0.5,
	"Grep":         0.4,
	"Glob":         0.3,
	"LS":           0.3,
	"Read":         0.3,
}

const defaultToolImportance = 0.5

// ToolImportance returns the importance assigned to a tool kind.
func ToolImportance(tool string) float64 {
	if v, ok := toolImportance[tool]; ok {
		return v
	}
	return defaultToolImportance
}

func handleTool(client *Client, input *HookInput) error {
	if input.ShouldSkipTool() {
		return nil
	}
	return client.Capture(toolCapture(input))
}

// toolCapture describes a tool call as one observation.
func toolCapture(input *HookInput) Capture {
	a := input.args()
	md := input.metadata()
	md["tool"] = input.ToolName

	var subject string
	switch {
	case a.FilePath != "":
		subject = a.FilePath
		md["file_path"] = a.FilePath
	case a.Command != "":
		subject = a.Command
		md["command"] = a.Command
	case a.Pattern != "":
		subject = a.Pattern
		md["pattern"] = a.Pattern
	case a.Query != "":
		subject = a.Query
	case a.URL != "":
		subject = a.URL
	case a.Path != "":
		subject = a.Path
	case a.Description != "":
		subject = a.Description
	}

	var b strings.Builder
	b.WriteString(input.ToolName)
	if subject != "" {
		fmt.Fprintf(&b, " %s", subject)
	}
	if resp := input.responseText(); resp != "" {
		if len(resp) > maxResponseChars {
			resp = resp[:maxResponseChars] + "..."
		}
		fmt.Fprintf(&b, "\n%s", resp)
	}

	return Capture{
		Content:    b.String(),
		Importance: ToolImportance(input.ToolName),
		Source:     input.ToolName,
		Metadata:   md,
	}
}
