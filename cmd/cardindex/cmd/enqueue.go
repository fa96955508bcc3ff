package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/cardindex/internal/daemon"
	"github.com/Aman-CERP/cardindex/internal/pipeline"
)

// enqueueFlags are shared by enqueue and delete.
type enqueueFlags struct {
	owner string
	host  string
}

func (f *enqueueFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.owner, "owner", "", "Owner ID recorded with the indexed card")
	cmd.Flags().StringVar(&f.host, "host", "", "Requesting host recorded with the indexed card (default: this hostname)")
}

func newEnqueueCmd(opts *rootOptions) *cobra.Command {
	var (
		flags  enqueueFlags
		action string
	)

	cmd := &cobra.Command{
		Use:     "enqueue <participant-id>...",
		Aliases: []string{"index"},
		Short:   "Queue participants for indexing",
		Long: `Queue participants for (re)indexing. The daemon fetches each card from
its registry and writes it to the index.

A participant whose request is already queued or awaiting retry is not
queued again; the command reports it as already queued.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args, action, flags)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVarP(&action, "action", "a", string(pipeline.ActionCreateOrUpdate), "CREATE_OR_UPDATE or DELETE")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	var flags enqueueFlags

	cmd := &cobra.Command{
		Use:     "delete <participant-id>...",
		Aliases: []string{"remove"},
		Short:   "Queue participants for removal from the index",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, opts, args, string(pipeline.ActionDelete), flags)
		},
	}

	flags.register(cmd)
	return cmd
}

func runEnqueue(cmd *cobra.Command, opts *rootOptions, participants []string, action string, flags enqueueFlags) error {
	if _, err := pipeline.ParseActionType(action); err != nil {
		return err
	}

	client, out, err := connect(cmd, opts)
	if err != nil {
		return err
	}

	host := flags.host
	if host == "" {
		host, _ = os.Hostname()
	}

	results := make([]*daemon.EnqueueResult, 0, len(participants))
	for _, p := range participants {
		res, err := client.Enqueue(cmd.Context(), daemon.EnqueueParams{
			ParticipantID:  p,
			Action:         action,
			OwnerID:        flags.owner,
			RequestingHost: host,
		})
		if err != nil {
			return err
		}
		results = append(results, res)

		if opts.jsonOutput {
			continue
		}
		if res.Result == pipeline.AlreadyQueued {
			out.Warningf("%s %s already queued", res.Action, res.ParticipantID)
		} else {
			out.Successf("%s %s queued", res.Action, res.ParticipantID)
		}
	}

	if opts.jsonOutput {
		return out.JSON(results)
	}
	return nil
}
