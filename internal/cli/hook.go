package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/tiermem/internal/hooks"
)

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Handle agent hook events",
	Long: "Hook handlers read the event payload on stdin and talk to a running\n" +
		"tiermem server. They always exit 0 so a missing server never blocks the agent.",
}

// hookRun returns a Run that never fails; errors go to stderr.
func hookRun(event string) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		hooks.Handle(event, os.Stdin, os.Stdout)
	}
}

func init() {
	events := []struct{ name, short string }{
		{"start", "Handle SessionStart hook"},
		{"submit", "Handle UserPromptSubmit hook"},
		{"tool", "Handle PostToolUse hook"},
		{"stop", "Handle Stop hook"},
		{"end", "Handle SessionEnd hook"},
	}
	for _, e := range events {
		hookCmd.AddCommand(&cobra.Command{
			Use:   e.name,
			Short: e.short,
			Args:  cobra.NoArgs,
			Run:   hookRun(e.name),
		})
	}
}
