package cmd

import (
	"errors"
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

type receiveOptions struct {
	relay    string
	dir      string
	once     bool
	discover time.Duration
}

func (a *app) newReceiveCmd() *cobra.Command {
	var opts receiveOptions
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept every file a relay offers",
		Long: `Connects to a relay and saves every offered file into the download
directory until interrupted. Existing files with the same name are replaced,
unless another transfer is still writing them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runReceive(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.relay, "relay", "r", "", "relay address, host[:port]")
	cmd.Flags().StringVarP(&opts.dir, "dir", "d", "", "download directory (defaults to the configured download_dir)")
	cmd.Flags().BoolVar(&opts.once, "once", false, "exit after the first completed file")
	cmd.Flags().DurationVar(&opts.discover, "discover-timeout", 3*time.Second, "how long to look for a relay when --relay is not given")
	return cmd
}

func (a *app) runReceive(cmd *cobra.Command, opts receiveOptions) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := a.env.cfg.DownloadDir
	if opts.dir != "" {
		dir = opts.dir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	address, err := a.resolveRelay(ctx, opts.relay, opts.discover)
	if err != nil {
		return err
	}

	history, err := a.openHistory()
	if err != nil {
		return err
	}
	defer a.closeHistory(history)

	out := cmd.OutOrStdout()
	tracker := newProgressTracker(cmd.ErrOrStderr())
	received := make(chan struct{}, 1)
	lost := make(chan error, 1)

	var sess *session.Session
	sess = session.New(session.Options{
		DownloadDir:  dir,
		SpoolDir:     a.env.cfg.SpoolDir,
		PacketLength: a.env.cfg.PacketLength,
		History:      history,
		Handshake:    a.handshakeOptions(),
		Logger:       a.env.logger,
		OnTransferRequested: func(header network.FileHeader) {
			if err := sess.AcceptRequest(true, header, ""); err != nil {
				a.env.logger.WithError(err).WithField("name", header.Name).Error("accept transfer")
			}
		},
		OnTransferProgress: func(progress session.Progress) {
			if progress.Direction == transfer.DirectionReceive {
				tracker.update(progress)
			}
		},
		OnTransferCompleted: func(completed session.Completed) {
			if completed.Direction != transfer.DirectionReceive {
				return
			}
			tracker.finish(completed.ID)
			fmt.Fprintf(out, "received %s -> %s\n", completed.Name, completed.Path)
			select {
			case received <- struct{}{}:
			default:
			}
		},
		OnTransferFailed: func(id uuid.UUID, err error) {
			tracker.abort(id)
			a.env.logger.WithError(err).WithField("transfer_id", id.String()).Warn("transfer did not complete")
		},
		OnDisconnected: func(err error) {
			select {
			case lost <- err:
			default:
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
	a.env.logger.WithField("dir", dir).Info("waiting for files")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-lost:
			if err == nil {
				err = errors.New("relay closed the connection")
			}
			return err
		case <-received:
			if opts.once {
				return nil
			}
		}
	}
}
