package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"edbridge/internal/appversion"
	"edbridge/pkg/config"
)

// rootOptions holds flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

// newRootCmd creates the root edbridge command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "edbridge",
		Short: "Bridge tool calls to a long-lived editor worker",
		Long: "edbridge runs the host that tool-calling clients talk to and the worker agent\n" +
			"that keeps a connection open from inside the editor process.",
		Version:       fmt.Sprintf("edbridge %s", appversion.Full()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(),
		"config file (.yaml, .yml or .toml); env EDBRIDGE_CONFIG")

	cmd.AddCommand(
		newServeCmd(opts),
		newWorkerCmd(opts),
		newCallCmd(opts),
		newStatusCmd(opts),
		newWatchCmd(opts),
		newEventsCmd(opts),
	)

	return cmd
}

// load reads the configured file with environment overrides applied.
func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// defaultConfigPath returns $EDBRIDGE_CONFIG or ~/.edbridge/config.yaml.
func defaultConfigPath() string {
	if v := os.Getenv("EDBRIDGE_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(config.DefaultDir(), "config.yaml")
}
