package hooks

import (
	"encoding/json"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
)

// startBudget is the context size injected at session start.
const startBudget = 4000

func handleStart(client *Client, input *HookInput, stdout io.Writer) error {
	params := url.Values{}
	params.Set("q", startQuery(input))
	params.Set("budget", strconv.Itoa(startBudget))

	data, err := client.Get("/api/context?" + params.Encode())
	if err != nil {
		// Degrade gracefully: empty context
		WriteSessionStartOutput(stdout, "")
		return err
	}

	var resp struct {
		Context string `json:"context"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		WriteSessionStartOutput(stdout, "")
		return err
	}
	return WriteSessionStartOutput(stdout, resp.Context)
}

// startQuery seeds the session with memories about the project directory.
func startQuery(input *HookInput) string {
	if input.CWD == "" {
		return "project"
	}
	return filepath.Base(input.CWD)
}
