package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"goldrenard/network"
	"goldrenard/transfer"
)

// ErrNotConnected is returned by calls that need a live connection.
var ErrNotConnected = errors.New("session: not connected")

// Progress reports one packet moved in either direction.
type Progress struct {
	ID           uuid.UUID
	Name         string
	PacketNumber uint32
	PacketsCount uint32
	Direction    transfer.Direction
}

// Completed reports a finished transfer and where its file lives.
type Completed struct {
	ID        uuid.UUID
	Name      string
	Path      string
	Direction transfer.Direction
}

// Options configures a Session. Callbacks run on the session's receive
// goroutine and must not block for long.
type Options struct {
	// DownloadDir is used by AcceptRequest when no destination is given.
	DownloadDir  string
	SpoolDir     string
	PacketLength uint32
	History      transfer.History
	Handshake    network.HandshakeOptions
	Logger       *logrus.Logger

	OnConnected         func(remote string)
	OnDisconnected      func(err error)
	OnTransferRequested func(header network.FileHeader)
	OnTransferProgress  func(progress Progress)
	OnTransferCompleted func(completed Completed)
	OnTransferFailed    func(id uuid.UUID, err error)
}

type link struct {
	negotiator *transfer.Negotiator
	cancel     context.CancelFunc
	done       chan struct{}
	closing    atomic.Bool
}

// Session owns at most one connection at a time.
type Session struct {
	options  Options
	logger   *logrus.Entry
	store    *transfer.Store
	registry *network.Registry[*transfer.Negotiator]

	mu      sync.Mutex
	current *link

	// acceptMu keeps default destination names unique between accepts.
	acceptMu sync.Mutex
}

// New creates a disconnected session.
func New(options Options) *Session {
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}
	if options.Handshake.Logger == nil {
		options.Handshake.Logger = options.Logger
	}

	return &Session{
		options: options,
		logger:  options.Logger.WithField("component", "session"),
		store: transfer.NewStore(transfer.StoreOptions{
			SpoolDir:     options.SpoolDir,
			PacketLength: options.PacketLength,
		}),
		registry: network.NewRegistry[*transfer.Negotiator](nil),
	}
}

// Connect dials address ("host[:port]") and starts the receive loop. An
// existing connection is dropped first.
func (s *Session) Connect(ctx context.Context, address string) error {
	addr, err := network.ParseAddress(address)
	if err != nil {
		return err
	}

	if old := s.swap(nil); old != nil {
		old.closing.Store(true)
		old.cancel()
		s.registry.Clear()
		<-old.done
	}

	conn, err := network.Dial(ctx, addr, s.options.Handshake)
	if err != nil {
		return err
	}

	negotiator, err := transfer.NewNegotiator(transfer.NegotiatorOptions{
		Conn:    conn,
		Store:   s.store,
		History: s.options.History,
		OnEvent: s.handleEvent,
		Logger:  s.options.Logger,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	current := &link{negotiator: negotiator, cancel: cancel, done: make(chan struct{})}
	s.swap(current)
	s.registry.Register(conn, negotiator)

	s.logger.WithField("remote", conn.RemoteAddr()).Info("connected")
	if s.options.OnConnected != nil {
		s.options.OnConnected(conn.RemoteAddr())
	}

	go s.run(runCtx, current)
	return nil
}

// Disconnect cancels unfinished transfers at the peer and closes the
// connection.
func (s *Session) Disconnect() error {
	current := s.swap(nil)
	if current == nil {
		return ErrNotConnected
	}

	current.closing.Store(true)
	current.negotiator.CancelOutgoing()
	s.registry.Unregister(current.negotiator.Conn())
	current.cancel()
	<-current.done
	return nil
}

// Close disconnects and releases every open transfer.
func (s *Session) Close() error {
	if err := s.Disconnect(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return s.store.CloseAll()
}

// Connected reports whether the session has a live connection.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil && s.current.negotiator.Conn().State() == network.StateReady
}

// SendFile offers the file at path to the relay.
func (s *Session) SendFile(path string) (network.FileHeader, error) {
	negotiator, err := s.negotiator()
	if err != nil {
		return network.FileHeader{}, err
	}
	return negotiator.SendFile(path)
}

// AcceptRequest answers a pending request. An empty destPath saves into
// DownloadDir under the offered file name, with a " (n)" suffix when that
// path already backs an open transfer. An existing file that no transfer
// is using is overwritten.
func (s *Session) AcceptRequest(accept bool, header network.FileHeader, destPath string) error {
	negotiator, err := s.negotiator()
	if err != nil {
		return err
	}
	if !accept || destPath != "" || s.options.DownloadDir == "" {
		return negotiator.AcceptRequest(accept, header, destPath, false)
	}

	s.acceptMu.Lock()
	defer s.acceptMu.Unlock()
	return negotiator.AcceptRequest(true, header, s.freePath(SafeName(header)), false)
}

func (s *Session) freePath(name string) string {
	path := filepath.Join(s.options.DownloadDir, name)
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for n := 1; s.store.InUse(path); n++ {
		path = filepath.Join(s.options.DownloadDir, fmt.Sprintf("%s (%d)%s", base, n, ext))
	}
	return path
}

// SafeName reduces an offered file name to a single path element.
func SafeName(header network.FileHeader) string {
	name := filepath.Base(filepath.Clean(strings.ReplaceAll(header.Name, "\\", "/")))
	switch name {
	case "", ".", "..", "/":
		return "transfer-" + header.ID.String()
	}
	return name
}

func (s *Session) run(ctx context.Context, current *link) {
	defer close(current.done)

	err := current.negotiator.Run(ctx)
	s.registry.Unregister(current.negotiator.Conn())

	s.mu.Lock()
	if s.current == current {
		s.current = nil
	}
	s.mu.Unlock()

	if current.closing.Load() {
		err = nil
	}
	s.logger.WithError(err).Info("disconnected")
	if s.options.OnDisconnected != nil {
		s.options.OnDisconnected(err)
	}
}

func (s *Session) swap(next *link) *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.current
	s.current = next
	return previous
}

func (s *Session) negotiator() (*transfer.Negotiator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil, ErrNotConnected
	}
	return s.current.negotiator, nil
}

func (s *Session) handleEvent(_ *transfer.Negotiator, event transfer.Event) {
	header := event.Header
	switch event.Type {
	case transfer.EventRequested:
		if s.options.OnTransferRequested != nil {
			s.options.OnTransferRequested(header)
		}
	case transfer.EventProgress:
		if s.options.OnTransferProgress != nil {
			s.options.OnTransferProgress(Progress{
				ID:           header.ID,
				Name:         header.Name,
				PacketNumber: event.PacketNumber,
				PacketsCount: event.PacketsCount,
				Direction:    event.Direction,
			})
		}
	case transfer.EventCompleted:
		if s.options.OnTransferCompleted != nil {
			s.options.OnTransferCompleted(Completed{
				ID:        header.ID,
				Name:      header.Name,
				Path:      event.Entry.Path(),
				Direction: event.Direction,
			})
		}
	case transfer.EventDenied, transfer.EventCancelled, transfer.EventFailed:
		if s.options.OnTransferFailed != nil {
			err := event.Err
			if err == nil {
				err = fmt.Errorf("transfer %s", event.Type)
			}
			s.options.OnTransferFailed(header.ID, err)
		}
	}
}
