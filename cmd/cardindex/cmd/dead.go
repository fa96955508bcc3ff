package cmd

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/cardindex/internal/daemon"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
)

func newDeadCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Inspect the dead list",
		Long: `Requests that kept failing until their retry lifetime ran out end up
on the dead list. They are not retried; the participant can be queued
again at any time.`,
	}

	cmd.AddCommand(newDeadListCmd(opts))
	cmd.AddCommand(newDeadDeleteCmd(opts))
	return cmd
}

func newDeadListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show expired requests",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			entries, err := client.DeadList(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(entries)
			}
			if len(entries) == 0 {
				out.Status("", "Dead list is empty")
				return nil
			}
			out.Table(
				[]string{"PARTICIPANT", "ACTION", "RETRIES", "FIRST FAILURE", "DEAD AT", "LAST ERROR"},
				deadRows(entries),
			)
			return nil
		},
	}
}

func deadRows(entries []pipeline.DeadEntry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.WorkItem.ParticipantID,
			string(e.WorkItem.Action),
			strconv.Itoa(e.RetryCount),
			formatTime(e.FirstFailureAt),
			formatTime(e.DeadAt),
			truncate(e.LastError, 48),
		})
	}
	return rows
}

func newDeadDeleteCmd(opts *rootOptions) *cobra.Command {
	var action string

	cmd := &cobra.Command{
		Use:     "delete <participant-id>",
		Aliases: []string{"rm"},
		Short:   "Drop a dead list record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			deleted, err := client.DeadDelete(cmd.Context(), daemon.IdentityParams{ParticipantID: args[0], Action: action})
			if err != nil {
				return err
			}
			return reportDelete(out, opts, "dead", args[0], action, deleted)
		},
	}

	cmd.Flags().StringVarP(&action, "action", "a", string(pipeline.ActionCreateOrUpdate), "Action of the record to delete")
	return cmd
}

func newExpireCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Move expired retry entries to the dead list now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			expired, err := client.ExpireRun(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(expired)
			}
			if len(expired) == 0 {
				out.Status("", "No retry entries have expired")
				return nil
			}
			out.Warningf("%d entries moved to the dead list", len(expired))
			out.Table([]string{"PARTICIPANT", "ACTION", "RETRIES", "FIRST FAILURE", "DEAD AT", "LAST ERROR"}, deadRows(expired))
			return nil
		},
	}
}
