package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Aman-CERP/cardindex/internal/daemon"
	"github.com/Aman-CERP/cardindex/internal/output"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and pipeline status",
		Long: `Show whether the daemon is running and the size of its queue, retry
list and dead list.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			out := output.New(cmd.OutOrStdout())
			client := daemon.NewClient(daemonConfig(cfg))

			if !client.IsRunning() {
				if opts.jsonOutput {
					return out.JSON(daemon.StatusResult{Running: false})
				}
				out.Status("", "Daemon is not running")
				out.Status("", "Run 'cardindex serve' to start it")
				return nil
			}

			status, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(status)
			}

			out.Header("Daemon is running")
			out.KeyValue("PID", status.PID)
			out.KeyValue("Uptime", status.Uptime)
			out.KeyValue("Data dir", status.DataDir)
			out.KeyValue("Socket", cfg.Server.SocketPath)
			out.KeyValue("Documents", status.Documents)
			if status.Circuit != "" {
				out.KeyValue("Registry", status.Circuit)
			}
			out.Newline()
			out.Header("Pipeline")
			out.KeyValue("Queued", status.Pipeline.Queued)
			out.KeyValue("In flight", status.Pipeline.InFlight)
			out.KeyValue("Retrying", status.Pipeline.Retrying)
			out.KeyValue("Dead", status.Pipeline.Dead)
			out.KeyValue("Executing", status.Pipeline.Executing)
			return nil
		},
	}
}
