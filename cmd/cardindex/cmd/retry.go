package cmd

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/cardindex/internal/daemon"
	"github.com/Aman-CERP/cardindex/internal/output"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
)

func newRetryCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Inspect and manage the retry list",
		Long: `Failed requests wait on the retry list until their next retry time.
An entry that keeps failing past its lifetime moves to the dead list.

Commands:
  list    Show entries awaiting retry
  delete  Drop an entry and free its participant for new requests
  run     Retry every due entry now`,
	}

	cmd.AddCommand(newRetryListCmd(opts))
	cmd.AddCommand(newRetryDeleteCmd(opts))
	cmd.AddCommand(newRetryRunCmd(opts))
	return cmd
}

func newRetryListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show entries awaiting retry",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			entries, err := client.RetryList(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(entries)
			}
			if len(entries) == 0 {
				out.Status("", "Retry list is empty")
				return nil
			}
			out.Table(
				[]string{"PARTICIPANT", "ACTION", "RETRIES", "NEXT RETRY", "EXPIRES", "LAST ERROR"},
				retryRows(entries),
			)
			return nil
		},
	}
}

func retryRows(entries []pipeline.RetryEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.WorkItem.ParticipantID,
			string(e.WorkItem.Action),
			strconv.Itoa(e.RetryCount),
			formatTime(e.NextRetryAt),
			formatTime(e.ExpiresAt),
			truncate(e.LastError, 48),
		})
	}
	return rows
}

func newRetryDeleteCmd(opts *rootOptions) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:     "delete <participant-id>",
		Aliases: []string{"rm"},
		Short:   "Drop a retry entry",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			deleted, err := client.RetryDelete(cmd.Context(), daemon.IdentityParams{ParticipantID: args[0], Action: action})
			if err != nil {
				return err
			}
			return reportDelete(out, opts, "retry", args[0], action, deleted)
		},
	}

	cmd.Flags().StringVarP(&action, "action", "a", string(pipeline.ActionCreateOrUpdate), "Action of the entry to delete")
	return cmd
}

func newRetryRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Retry every due entry now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			sum, err := client.RetryRun(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(sum)
			}
			out.Successf("Retried %d: %d succeeded, %d failed, %d dropped",
				sum.Attempted, sum.Succeeded, sum.Failed, sum.Dropped)
			return nil
		},
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// reportDelete prints the outcome of retry delete and dead delete.
func reportDelete(out *output.Writer, opts *rootOptions, list, participant, action string, deleted bool) error {
	if opts.jsonOutput {
		return out.JSON(daemon.DeleteResult{Deleted: deleted})
	}
	if deleted {
		out.Successf("Removed %s/%s from the %s list", participant, action, list)
		return nil
	}
	out.Warningf("%s/%s is not on the %s list", participant, action, list)
	return nil
}
