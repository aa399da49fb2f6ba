package cmd

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"goldrenard/discovery"
	"goldrenard/relay"
)

type serveOptions struct {
	listen      string
	noAdvertise bool
}

func (a *app) newServeCmd() *cobra.Command {
	var opts serveOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a relay",
		Long: `Runs a relay until interrupted. Every completed upload is offered to every
other connected peer. The relay announces itself over mDNS unless discovery is
off in the config or --no-advertise is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.listen, "listen", "l", "", "listen address (defaults to the configured listen_address)")
	cmd.Flags().BoolVar(&opts.noAdvertise, "no-advertise", false, "do not announce the relay over mDNS")
	return cmd
}

func (a *app) runServe(cmd *cobra.Command, opts serveOptions) error {
	cfg := a.env.cfg
	listen := cfg.ListenAddress
	if opts.listen != "" {
		listen = opts.listen
	}

	history, err := a.openHistory()
	if err != nil {
		return err
	}
	defer a.closeHistory(history)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Advertise() && !opts.noAdvertise {
		broadcaster, err := a.advertise(listen)
		if err != nil {
			a.env.logger.WithError(err).Warn("mDNS advertisement unavailable")
		} else {
			defer broadcaster.Stop()
		}
	}

	r := relay.New(relay.Options{
		ListenAddress: listen,
		SpoolDir:      cfg.SpoolDir,
		PacketLength:  cfg.PacketLength,
		History:       history,
		Handshake:     a.handshakeOptions(),
		Logger:        a.env.logger,
		OnConnectionsChanged: func(count int) {
			a.env.logger.WithField("peers", count).Info("connected peers changed")
		},
	})
	return r.Serve(ctx)
}

func (a *app) advertise(listen string) (*discovery.Broadcaster, error) {
	port, err := listenPort(listen)
	if err != nil {
		return nil, err
	}

	broadcaster, err := discovery.StartBroadcaster(discovery.Config{
		NodeID:       a.env.cfg.NodeID,
		NodeName:     a.env.cfg.NodeName,
		Port:         port,
		PacketLength: a.env.cfg.PacketLength,
	})
	if err != nil {
		return nil, err
	}
	a.env.logger.WithFields(logrus.Fields{
		"name": a.env.cfg.NodeName,
		"port": port,
	}).Info("advertising relay")
	return broadcaster, nil
}

// listenPort extracts a fixed port from a listen address. Ephemeral ports
// cannot be announced before the listener exists.
func listenPort(listen string) (int, error) {
	_, rawPort, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", listen, err)
	}
	port, err := strconv.Atoi(rawPort)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("listen address %q has no fixed port", listen)
	}
	return port, nil
}
