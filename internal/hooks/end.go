package hooks

// handleEnd runs a maintenance pass so the session's observations settle
// into the warm tier before the next one starts.
func handleEnd(client *Client, _ *HookInput) error {
	_, err := client.Post("/api/maintenance", nil)
	return err
}
