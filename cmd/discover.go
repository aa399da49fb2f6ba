package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"goldrenard/discovery"
)

type discoverOptions struct {
	timeout time.Duration
	watch   bool
}

func (a *app) newDiscoverCmd() *cobra.Command {
	var opts discoverOptions
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "List relays announced on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runDiscover(cmd, opts)
		},
	}
	cmd.Flags().DurationVarP(&opts.timeout, "timeout", "t", discovery.DefaultScanTimeout, "scan window")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "keep scanning and print relays as they come and go")
	return cmd
}

func (a *app) runDiscover(cmd *cobra.Command, opts discoverOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := discovery.Config{
		NodeID:      a.env.cfg.NodeID,
		ScanTimeout: opts.timeout,
	}
	out := cmd.OutOrStdout()

	if !opts.watch {
		relays, err := browseRelays(ctx, cfg)
		if err != nil {
			return err
		}
		if len(relays) == 0 {
			fmt.Fprintln(out, "no relays found")
			return nil
		}
		return printRelays(out, relays)
	}

	return discovery.Watch(ctx, cfg, func(event discovery.Event) {
		switch event.Type {
		case discovery.EventRelayUpserted:
			fmt.Fprintf(out, "+ %s %s\n", event.Relay.Name, event.Relay.Address())
		case discovery.EventRelayRemoved:
			fmt.Fprintf(out, "- %s %s\n", event.Relay.Name, event.Relay.Address())
		}
	})
}

func printRelays(out io.Writer, relays []discovery.Relay) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tPACKET\tADDRESSES")
	for _, relay := range relays {
		packet := "-"
		if relay.PacketLength > 0 {
			packet = fmt.Sprintf("%d", relay.PacketLength)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", relay.Name, relay.Address(), packet, strings.Join(relay.Addresses, ","))
	}
	return w.Flush()
}
