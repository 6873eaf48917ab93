package hooks

import (
	"encoding/json"
	"fmt"
	"io"
)

// Handle reads HookInput from stdin, dispatches on event, and writes any
// hook output to stdout. Failures are reported on stderr only.
func Handle(event string, stdin io.Reader, stdout io.Writer) {
	var input HookInput
	if err := json.NewDecoder(stdin).Decode(&input); err != nil {
		// Stdin may be empty for some events
		if event == "start" {
			WriteSessionStartOutput(stdout, "")
			return
		}
		ReportError(fmt.Errorf("decode stdin: %w", err))
		return
	}

	if err := Dispatch(NewClient(), event, &input, stdout); err != nil {
		ReportError(err)
	}
}

// Dispatch runs the handler for event. A server that is down is not an
// error: start answers with empty context and everything else is dropped.
func Dispatch(client *Client, event string, input *HookInput, stdout io.Writer) error {
	if !client.Healthy() {
		if event == "start" {
			return WriteSessionStartOutput(stdout, "")
		}
		return nil
	}

	switch event {
	case "start":
		return handleStart(client, input, stdout)
	case "submit":
		return handleSubmit(client, input)
	case "tool":
		return handleTool(client, input)
	case "stop":
		return handleStop(client, input)
	case "end":
		return handleEnd(client, input)
	default:
		return fmt.Errorf("unknown hook event: %s", event)
	}
}
