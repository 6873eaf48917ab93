package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/tiermem/internal/config"
	"github.com/lazypower/tiermem/internal/hooks"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "tiermem",
	Short: "Tiered temporal memory for AI coding agents",
	Long: "tiermem keeps recent observations in a hot ring, consolidates them into a\n" +
		"searchable warm store, and archives everything to a cold day-segmented log.",
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $TIERMEM_CONFIG or ~/.tiermem/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "server URL for client commands (default $TIERMEM_URL or the configured address)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(captureCmd)
	rootCmd.AddCommand(contextCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(recentCmd)
	rootCmd.AddCommand(maintainCmd)
	rootCmd.AddCommand(statsCmd)
}

func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}
	return config.Load(path)
}

// client resolves the server address: --url, then TIERMEM_URL, then the
// address the config file tells serve to listen on.
func client() (*hooks.Client, error) {
	if serverURL != "" {
		return hooks.NewClientURL(serverURL), nil
	}
	if os.Getenv("TIERMEM_URL") != "" {
		return hooks.NewClient(), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return hooks.NewClientURL(cfg.BaseURL()), nil
}
