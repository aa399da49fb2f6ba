package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"goldrenard/network"
	"goldrenard/session"
	"goldrenard/transfer"
)

type sendOptions struct {
	relay    string
	discover time.Duration
}

func (a *app) newSendCmd() *cobra.Command {
	var opts sendOptions
	cmd := &cobra.Command{
		Use:   "send <file>...",
		Short: "Upload files to a relay",
		Long: `Connects to a relay and uploads each file in turn. The relay then offers
every file to its other peers. Without --relay the first relay found over mDNS
is used.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runSend(cmd, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.relay, "relay", "r", "", "relay address, host[:port]")
	cmd.Flags().DurationVar(&opts.discover, "discover-timeout", 3*time.Second, "how long to look for a relay when --relay is not given")
	return cmd
}

// outcome is the end of one transfer as seen by the session callbacks. A
// zero id means the connection was lost.
type outcome struct {
	id  uuid.UUID
	err error
}

func (a *app) runSend(cmd *cobra.Command, args []string, opts sendOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	address, err := a.resolveRelay(ctx, opts.relay, opts.discover)
	if err != nil {
		return err
	}

	history, err := a.openHistory()
	if err != nil {
		return err
	}
	defer a.closeHistory(history)

	outcomes := make(chan outcome, 16)
	tracker := newProgressTracker(cmd.ErrOrStderr())

	var sess *session.Session
	sess = session.New(session.Options{
		SpoolDir:     a.env.cfg.SpoolDir,
		PacketLength: a.env.cfg.PacketLength,
		History:      history,
		Handshake:    a.handshakeOptions(),
		Logger:       a.env.logger,
		OnTransferRequested: func(header network.FileHeader) {
			// Files relayed from other peers are not wanted here.
			_ = sess.AcceptRequest(false, header, "")
		},
		OnTransferProgress: func(progress session.Progress) {
			if progress.Direction == transfer.DirectionSend {
				tracker.update(progress)
			}
		},
		OnTransferCompleted: func(completed session.Completed) {
			if completed.Direction == transfer.DirectionSend {
				tracker.finish(completed.ID)
				report(outcomes, outcome{id: completed.ID})
			}
		},
		OnTransferFailed: func(id uuid.UUID, err error) {
			tracker.abort(id)
			report(outcomes, outcome{id: id, err: err})
		},
		OnDisconnected: func(err error) {
			if err != nil {
				report(outcomes, outcome{err: err})
			}
		},
	})
	defer func() {
		if err := sess.Close(); err != nil {
			a.env.logger.WithError(err).Warn("close session")
		}
	}()

	if err := sess.Connect(ctx, address); err != nil {
		return err
	}

	for _, path := range args {
		header, err := sess.SendFile(path)
		if err != nil {
			return fmt.Errorf("send %s: %w", path, err)
		}
		if err := awaitOutcome(ctx, header.ID, outcomes); err != nil {
			return fmt.Errorf("send %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s (%d bytes)\n", header.Name, header.TotalLength)
	}
	return nil
}

// awaitOutcome blocks until the transfer id ends, the connection drops or
// ctx is done. Outcomes for other transfers are skipped.
func awaitOutcome(ctx context.Context, id uuid.UUID, outcomes <-chan outcome) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result := <-outcomes:
			switch result.id {
			case id:
				return result.err
			case uuid.Nil:
				return result.err
			}
		}
	}
}

// report never blocks the session's receive goroutine.
func report(outcomes chan<- outcome, result outcome) {
	select {
	case outcomes <- result:
	default:
	}
}
