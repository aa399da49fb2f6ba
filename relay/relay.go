package relay

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"goldrenard/network"
	"goldrenard/transfer"
)

// Options configures a Relay.
type Options struct {
	// ListenAddress defaults to ":5630".
	ListenAddress string
	// SpoolDir holds uploads while they are being relayed.
	SpoolDir     string
	PacketLength uint32
	History      transfer.History
	Handshake    network.HandshakeOptions
	Logger       *logrus.Logger

	// OnConnectionsChanged is called with the number of connected peers.
	OnConnectionsChanged func(count int)
}

// Relay accepts peers and fans completed uploads out to the others.
type Relay struct {
	options  Options
	logger   *logrus.Entry
	store    *transfer.Store
	registry *network.Registry[*transfer.Negotiator]

	server *network.Server
	ctx    context.Context
	cancel context.CancelFunc

	loopWG sync.WaitGroup
	connWG sync.WaitGroup

	closeOnce sync.Once
}

// New builds a relay. Call Start to begin listening.
func New(options Options) *Relay {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Handshake.Logger == nil {
		options.Handshake.Logger = options.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Relay{
		options: options,
		logger:  options.Logger.WithField("component", "relay"),
		store: transfer.NewStore(transfer.StoreOptions{
			SpoolDir:     options.SpoolDir,
			PacketLength: options.PacketLength,
		}),
		ctx:    ctx,
		cancel: cancel,
	}
	r.registry = network.NewRegistry[*transfer.Negotiator](r.connectionsChanged)
	return r
}

// Start listens for peers.
func (r *Relay) Start() error {
	server, err := network.Listen(r.options.ListenAddress, r.options.Handshake)
	if err != nil {
		return err
	}
	r.server = server
	r.logger.WithField("listen", server.Addr().String()).Info("relay listening")

	r.loopWG.Add(2)
	go r.acceptLoop()
	go r.errorLoop()
	return nil
}

// Serve starts the relay and blocks until ctx is done, then shuts down.
func (r *Relay) Serve(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return r.Close()
}

// Addr returns the listening address. It is nil before Start.
func (r *Relay) Addr() net.Addr {
	if r.server == nil {
		return nil
	}
	return r.server.Addr()
}

// Connections returns the number of connected peers.
func (r *Relay) Connections() int {
	return r.registry.Len()
}

// Store exposes the relay's open transfers.
func (r *Relay) Store() *transfer.Store {
	return r.store
}

// Close stops listening, disconnects every peer, then flushes and closes
// every open transfer.
func (r *Relay) Close() error {
	var errs []error
	r.closeOnce.Do(func() {
		r.cancel()
		if r.server != nil {
			if err := r.server.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		r.loopWG.Wait()

		r.registry.Clear()
		r.connWG.Wait()

		if err := r.store.CloseAll(); err != nil {
			errs = append(errs, err)
		}
		r.logger.Info("relay stopped")
	})
	return errors.Join(errs...)
}

func (r *Relay) acceptLoop() {
	defer r.loopWG.Done()
	for conn := range r.server.Incoming() {
		r.handleConnection(conn)
	}
}

func (r *Relay) errorLoop() {
	defer r.loopWG.Done()
	for err := range r.server.Errors() {
		r.logger.WithError(err).Warn("listener error")
	}
}

func (r *Relay) handleConnection(conn *network.Connection) {
	log := r.logger.WithField("remote", conn.RemoteAddr())

	negotiator, err := transfer.NewNegotiator(transfer.NegotiatorOptions{
		Conn:    conn,
		Store:   r.store,
		History: r.options.History,
		OnEvent: r.handleEvent,
		Logger:  r.options.Logger,
	})
	if err != nil {
		log.WithError(err).Error("create negotiator")
		_ = conn.Close()
		return
	}

	r.registry.Register(conn, negotiator)
	log.Info("peer connected")

	r.connWG.Add(1)
	go func() {
		defer r.connWG.Done()
		err := negotiator.Run(r.ctx)
		r.registry.Unregister(conn)
		log.WithError(err).Info("peer disconnected")
	}()
}

func (r *Relay) handleEvent(n *transfer.Negotiator, event transfer.Event) {
	switch event.Type {
	case transfer.EventRequested:
		if err := n.AcceptRequest(true, event.Header, "", true); err != nil {
			r.logger.WithFields(logrus.Fields{
				"remote":      n.Conn().RemoteAddr(),
				"transfer_id": event.Header.ID.String(),
			}).WithError(err).Error("auto-accept upload")
		}
	case transfer.EventCompleted:
		if event.Direction == transfer.DirectionReceive {
			r.fanOut(n, event.Entry)
		}
	}
}

// fanOut offers a completed upload to every peer except its uploader. Each
// recipient gets its own transfer id reading the shared spool file.
func (r *Relay) fanOut(source *transfer.Negotiator, entry *transfer.Entry) {
	header := entry.Header()
	log := r.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	})

	if err := entry.Flush(); err != nil && !errors.Is(err, transfer.ErrEntryClosed) {
		log.WithError(err).Error("flush upload before relay")
		return
	}

	recipients := 0
	r.registry.Each(func(conn *network.Connection, negotiator *transfer.Negotiator) {
		if conn == source.Conn() || conn.State() == network.StateDisconnected {
			return
		}
		relayed, err := negotiator.Relay(entry)
		if err != nil {
			log.WithField("remote", conn.RemoteAddr()).WithError(err).Warn("relay upload")
			return
		}
		recipients++
		log.WithFields(logrus.Fields{
			"remote":   conn.RemoteAddr(),
			"relay_id": relayed.ID.String(),
		}).Debug("upload relayed")
	})
	log.WithField("recipients", recipients).Info("upload fanned out")
}

func (r *Relay) connectionsChanged(count int) {
	r.logger.WithField("peers", count).Debug("peer count changed")
	if r.options.OnConnectionsChanged != nil {
		r.options.OnConnectionsChanged(count)
	}
}
