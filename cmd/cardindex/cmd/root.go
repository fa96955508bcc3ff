// Package cmd provides the CLI commands for cardindex.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/cardindex/internal/config"
	"github.com/Aman-CERP/cardindex/internal/daemon"
	cierrors "github.com/Aman-CERP/cardindex/internal/errors"
	"github.com/Aman-CERP/cardindex/internal/output"
	"github.com/Aman-CERP/cardindex/pkg/version"
)

// rootOptions carries the persistent flags to every subcommand.
type rootOptions struct {
	configPath string
	jsonOutput bool
}

// loadConfig resolves the layered configuration for this invocation.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.Load(o.configPath)
}

// NewRootCmd creates the root command for the cardindex CLI.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cardindex",
		Short: "Index participant business cards into a searchable store",
		Long: `cardindex keeps a local search index of participant business cards
in step with remote registries.

Run 'cardindex serve' to start the indexing daemon. The other commands
talk to the running daemon over its admin socket: queue changes,
inspect the retry and dead lists, and search the index.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("cardindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default: $XDG_CONFIG_HOME/cardindex/config.yaml)")
	cmd.PersistentFlags().BoolVar(&opts.jsonOutput, "json", false, "Output as JSON")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newStopCmd(opts))
	cmd.AddCommand(newStatusCmd(opts))
	cmd.AddCommand(newEnqueueCmd(opts))
	cmd.AddCommand(newDeleteCmd(opts))
	cmd.AddCommand(newRetryCmd(opts))
	cmd.AddCommand(newDeadCmd(opts))
	cmd.AddCommand(newExpireCmd(opts))
	cmd.AddCommand(newSearchCmd(opts))
	cmd.AddCommand(newShowCmd(opts))
	cmd.AddCommand(newConfigCmd(opts))
	cmd.AddCommand(newLogsCmd())
	cmd.AddCommand(newVersionCmd(opts))

	return cmd
}

// Execute runs the root command and prints any error for the terminal.
func Execute() error {
	err := NewRootCmd().Execute()
	if err != nil {
		fmt.Fprint(os.Stderr, cierrors.FormatForCLI(err))
	}
	return err
}

// connect loads the config and returns a client for the running daemon.
func connect(cmd *cobra.Command, opts *rootOptions) (*daemon.Client, *output.Writer, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client := daemon.NewClient(daemonConfig(cfg))
	if !client.IsRunning() {
		return nil, nil, cierrors.New(cierrors.ErrCodeNetworkUnavailable, "daemon is not running", nil).
			WithDetail("socket", cfg.Server.SocketPath).
			WithSuggestion("start it with 'cardindex serve'")
	}
	return client, output.New(cmd.OutOrStdout()), nil
}
