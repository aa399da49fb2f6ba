package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"goldrenard/crypto"
	"goldrenard/models"
	"goldrenard/storage"
)

type historyOptions struct {
	limit     int
	offset    int
	direction string
	status    string
	json      bool
}

func (a *app) newHistoryCmd() *cobra.Command {
	var opts historyOptions
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded transfers, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runHistory(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 20, "maximum rows to show")
	cmd.Flags().IntVar(&opts.offset, "offset", 0, "rows to skip")
	cmd.Flags().StringVar(&opts.direction, "direction", "", "only show send, receive or relay rows")
	cmd.Flags().StringVar(&opts.status, "status", "", "only show rows with this status")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print JSON instead of a table")
	return cmd
}

func (a *app) runHistory(cmd *cobra.Command, opts historyOptions) error {
	history, err := a.openHistory()
	if err != nil {
		return err
	}
	defer a.closeHistory(history)

	records, err := history.ListTransfers(storage.TransferFilter{
		Direction: opts.direction,
		Status:    opts.status,
		Limit:     opts.limit,
		Offset:    opts.offset,
	})
	if err != nil {
		return err
	}

	transfers := models.TransfersFromRecords(records)
	if opts.json {
		encoder := json.NewEncoder(cmd.OutOrStdout())
		encoder.SetIndent("", "  ")
		return encoder.Encode(transfers)
	}
	return printTransfers(cmd.OutOrStdout(), transfers)
}

func printTransfers(out io.Writer, transfers []models.Transfer) error {
	if len(transfers) == 0 {
		_, err := fmt.Fprintln(out, "no transfers recorded")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UPDATED\tDIRECTION\tSTATUS\tSIZE\tNAME\tPEER\tCHECKSUM")
	for _, t := range transfers {
		checksum := "-"
		if t.Checksum != "" {
			checksum = crypto.FormatDigest(t.Checksum)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			t.UpdatedAt.Local().Format(time.DateTime),
			t.Direction,
			t.TransferStatus,
			t.TotalLength,
			t.Filename,
			t.PeerAddress,
			checksum,
		)
	}
	return w.Flush()
}
