package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/cardindex/internal/daemon"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search indexed business cards",
		Long: `Search the card index by name, identifier, country, website or
contact. Multiple arguments are joined into one query.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			results, err := client.Search(cmd.Context(), daemon.SearchParams{
				Query: strings.Join(args, " "),
				Limit: limit,
			})
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(results)
			}
			if len(results) == 0 {
				out.Status("", "No matches")
				return nil
			}
			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{
					r.ParticipantID,
					strings.Join(r.Names, "; "),
					strings.Join(r.Countries, ","),
					fmt.Sprintf("%.2f", r.Score),
				})
			}
			out.Table([]string{"PARTICIPANT", "NAMES", "COUNTRIES", "SCORE"}, rows)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of results")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <participant-id>",
		Short: "Show the indexed card of a participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, out, err := connect(cmd, opts)
			if err != nil {
				return err
			}
			doc, err := client.Card(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return out.JSON(doc)
			}

			out.Header(doc.Card.ParticipantID)
			for _, e := range doc.Card.Entities {
				names := make([]string, 0, len(e.Names))
				for _, n := range e.Names {
					names = append(names, n.Name)
				}
				out.KeyValue("Entity", strings.Join(names, " / "))
				out.KeyValue("Country", e.CountryCode)
				if e.GeoInfo != "" {
					out.KeyValue("Location", e.GeoInfo)
				}
				for _, id := range e.Identifiers {
					out.KeyValue(id.Scheme, id.Value)
				}
				for _, w := range e.Websites {
					out.KeyValue("Website", w)
				}
			}
			out.Newline()
			out.KeyValue("Owner", doc.Metadata.OwnerID)
			out.KeyValue("Host", doc.Metadata.RequestingHost)
			out.KeyValue("Indexed", formatTime(doc.Metadata.IndexedAt))
			return nil
		},
	}
}
