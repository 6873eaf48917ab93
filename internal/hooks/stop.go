package hooks

import "strings"

const responseImportance = 0.4

func handleStop(client *Client, input *HookInput) error {
	msg := strings.TrimSpace(input.LastAssistantMessage)
	if msg == "" {
		return nil
	}
	return client.Capture(Capture{
		Content:    msg,
		Importance: responseImportance,
		Source:     "response",
		Metadata:   input.metadata(),
	})
}
