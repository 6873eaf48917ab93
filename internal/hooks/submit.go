package hooks

import "strings"

const (
	promptImportance = 0.6
	signalImportance = 1.0
)

// signalTriggers are phrases that indicate the user wants something remembered immediately.
var signalTriggers = []string{
	"remember this", "don't forget",
	"always use", "never use", "always do", "never do",
	"architecture decision", "we decided",
	"this pattern", "the trick is",
	"bug was", "root cause", "the fix was",
}

// hasSignal returns true if the prompt contains any signal trigger phrase.
func hasSignal(prompt string) bool {
	lower := strings.ToLower(prompt)
	for _, trigger := range signalTriggers {
		if strings.Contains(lower, trigger) {
			return true
		}
	}
	return false
}

func handleSubmit(client *Client, input *HookInput) error {
	prompt := strings.TrimSpace(input.Prompt)
	if prompt == "" {
		return nil
	}
	importance := promptImportance
	md := input.metadata()
	if hasSignal(prompt) {
		importance = signalImportance
		md["signal"] = true
	}
	return client.Capture(Capture{
		Content:    prompt,
		Importance: importance,
		Source:     "prompt",
		Metadata:   md,
	})
}
