package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/felixgeelhaar/murmur/internal/config"
	"github.com/felixgeelhaar/murmur/internal/observe"
	"github.com/spf13/cobra"
)

var (
	cfgPath  string
	verbose  bool
	jsonLogs bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "murmur",
	Short: "Live event streams for ephemeral chat sessions",
	Long: `murmur keeps anonymous, expiring chat sessions and streams every message,
reasoning step and tool call of a room to its connected clients as it happens.`,
	SilenceUsage: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (default $HOME/.murmur/config.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Log as JSON")
}

// loadConfig reads the configuration and applies the persistent flags.
func loadConfig() (*config.Loader, *config.Config, error) {
	loader := config.NewLoader(cfgPath)
	cfg, err := loader.Load()
	if err != nil {
		return nil, nil, err
	}
	if verbose {
		cfg.Log.Verbose = true
	}
	if jsonLogs {
		cfg.Log.JSON = true
	}
	return loader, cfg, nil
}

func openObserver(out io.Writer, lc config.LogConfig) (*observe.Observer, error) {
	format, level := "console", "warn"
	if lc.JSON {
		format = "json"
	}
	if lc.Verbose {
		level = "debug"
	}
	return observe.Open(out, format, level)
}
