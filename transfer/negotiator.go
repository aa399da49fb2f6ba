package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	appcrypto "goldrenard/crypto"
	"goldrenard/network"
	"goldrenard/storage"
)

// NegotiatorOptions configures a Negotiator.
type NegotiatorOptions struct {
	Conn  *network.Connection
	Store *Store
	// History, if set, receives one row per transfer and its status changes.
	History History
	// OnEvent is called synchronously from the goroutine that caused the event.
	OnEvent func(n *Negotiator, event Event)
	Logger  *logrus.Logger
}

// Negotiator runs the transfer protocol over one connection. Inbound frames
// are handled by Run; SendFile, Relay, AcceptRequest and CancelOutgoing may
// be called from any goroutine.
type Negotiator struct {
	conn    *network.Connection
	store   *Store
	history History
	onEvent func(*Negotiator, Event)
	logger  *logrus.Entry

	pendingMu sync.Mutex
	pending   map[network.FileHeader]*network.Connection

	lostOnce sync.Once
}

// NewNegotiator binds a negotiator to a connection and a shared store.
func NewNegotiator(options NegotiatorOptions) (*Negotiator, error) {
	if options.Conn == nil {
		return nil, errors.New("connection is required")
	}
	if options.Store == nil {
		return nil, errors.New("transfer store is required")
	}
	if options.Logger == nil {
		options.Logger = logrus.StandardLogger()
	}

	return &Negotiator{
		conn:    options.Conn,
		store:   options.Store,
		history: options.History,
		onEvent: options.OnEvent,
		logger:  options.Logger.WithField("remote", options.Conn.RemoteAddr()),
		pending: make(map[network.FileHeader]*network.Connection),
	}, nil
}

// Conn returns the connection this negotiator serves.
func (n *Negotiator) Conn() *network.Connection {
	return n.conn
}

// Run dispatches inbound frames until the connection dies or ctx is done.
// Before returning it fails every unfinished transfer of the connection.
func (n *Negotiator) Run(ctx context.Context) error {
	for {
		msg, err := n.conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, network.ErrConnectionLost) {
				_ = n.conn.Close()
				err = fmt.Errorf("%w: %w", network.ErrConnectionLost, err)
			}
			n.ConnectionLost(err)
			return err
		}
		n.Handle(msg)
	}
}

// Handle applies one inbound frame. Unknown ids and stale packets are logged
// and ignored.
func (n *Negotiator) Handle(msg network.Message) {
	switch msg.Command {
	case network.CommandSendRequest:
		n.handleSendRequest(msg.Header)
	case network.CommandReceiveReady:
		n.handleReceiveReady(msg.Header)
	case network.CommandReceiveDenied:
		n.handleReceiveDenied(msg.Header)
	case network.CommandPacketData:
		n.handlePacketData(msg.Packet)
	case network.CommandPacketRequest:
		n.handlePacketRequest(msg.Packet)
	case network.CommandSendDone:
		if entry := n.lookup(msg.Header.ID, DirectionSend, msg.Command); entry != nil {
			n.completeSend(entry, false)
		}
	case network.CommandReceiveDone:
		if entry := n.lookup(msg.Header.ID, DirectionReceive, msg.Command); entry != nil {
			n.completeReceive(entry, false)
		}
	case network.CommandSendCancel:
		n.handleSendCancel(msg.Header)
	default:
		n.logger.WithField("command", msg.Command.String()).Debug("ignoring unexpected command")
	}
}

// SendFile offers the file at path to the peer.
func (n *Negotiator) SendFile(path string) (network.FileHeader, error) {
	entry, err := n.store.OpenSource(path, n.conn)
	if err != nil {
		return network.FileHeader{}, err
	}
	if err := n.offer(entry, storage.TransferDirectionSend); err != nil {
		return network.FileHeader{}, err
	}
	return entry.Header(), nil
}

// Relay offers a copy of source to the peer under a fresh transfer id. The
// copy reads from source's file, which stays on disk until every copy ends.
func (n *Negotiator) Relay(source *Entry) (network.FileHeader, error) {
	entry, err := n.store.Share(source, n.conn)
	if err != nil {
		return network.FileHeader{}, err
	}
	if err := n.offer(entry, storage.TransferDirectionRelay); err != nil {
		return network.FileHeader{}, err
	}
	return entry.Header(), nil
}

func (n *Negotiator) offer(entry *Entry, direction string) error {
	header := entry.Header()
	n.saveHistory(header, direction, entry.Path(), storage.TransferStatusRequested)

	if err := n.conn.Send(network.NewHeaderMessage(network.CommandSendRequest, header)); err != nil {
		n.store.Remove(header.ID)
		_ = entry.Close()
		n.updateHistory(header, storage.TransferStatusFailed)
		return fmt.Errorf("offer %s: %w", header, err)
	}

	n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	}).Info("transfer offered")
	return nil
}

// AcceptRequest resolves a pending request. Accepting opens the destination
// at destPath, or a spool file when destPath is empty; deleteOnClose removes
// that file once the entry is closed.
//
// A header with no pending request, including one already accepted, denied
// or cancelled, returns ErrUnknownTransfer and changes nothing. Callers
// answering the same offer twice can treat that error as a no-op.
//
// A destPath already backing an open transfer is refused with
// ErrDestinationInUse and the offer is denied.
func (n *Negotiator) AcceptRequest(accept bool, header network.FileHeader, destPath string, deleteOnClose bool) error {
	n.pendingMu.Lock()
	_, ok := n.pending[header]
	delete(n.pending, header)
	n.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransfer, header.ID)
	}

	log := n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	})

	if !accept {
		n.updateHistory(header, storage.TransferStatusDenied)
		log.Info("transfer denied")
		return n.conn.Send(network.NewHeaderMessage(network.CommandReceiveDenied, header))
	}

	entry, err := n.store.OpenDestination(header, destPath, n.conn, deleteOnClose)
	if err != nil {
		n.updateHistory(header, storage.TransferStatusFailed)
		log.WithError(err).Error("open destination failed, denying transfer")
		_ = n.conn.Send(network.NewHeaderMessage(network.CommandReceiveDenied, header))
		if errors.Is(err, ErrFileIO) || errors.Is(err, ErrDestinationInUse) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrFileIO, err)
	}

	n.saveHistory(header, storage.TransferDirectionReceive, entry.Path(), storage.TransferStatusTransferring)
	if err := n.conn.Send(network.NewHeaderMessage(network.CommandReceiveReady, header)); err != nil {
		n.closeFailed(entry, err)
		return err
	}

	log.WithField("path", entry.Path()).Info("transfer accepted")
	n.emit(Event{
		Type:         EventAccepted,
		Direction:    DirectionReceive,
		Header:       header,
		Entry:        entry,
		PacketsCount: header.PacketsCount(),
	})
	return nil
}

// Pending returns the headers still waiting for AcceptRequest.
func (n *Negotiator) Pending() []network.FileHeader {
	n.pendingMu.Lock()
	defer n.pendingMu.Unlock()

	out := make([]network.FileHeader, 0, len(n.pending))
	for header := range n.pending {
		out = append(out, header)
	}
	return out
}

// CancelOutgoing sends SEND_CANCEL for every unfinished transfer on this
// connection and closes it locally.
func (n *Negotiator) CancelOutgoing() {
	for _, entry := range n.store.Owned(n.conn) {
		if entry.Done() {
			continue
		}
		header := entry.Header()
		_ = n.conn.Send(network.NewHeaderMessage(network.CommandSendCancel, header))
		n.closeCancelled(entry)
	}
}

// ConnectionLost fails every unfinished transfer owned by the connection and
// drops pending requests. The peer is not notified. Only the first call has
// an effect.
func (n *Negotiator) ConnectionLost(cause error) {
	n.lostOnce.Do(func() {
		if cause == nil {
			cause = network.ErrConnectionLost
		} else if !errors.Is(cause, network.ErrConnectionLost) {
			cause = fmt.Errorf("%w: %w", network.ErrConnectionLost, cause)
		}

		n.pendingMu.Lock()
		for header := range n.pending {
			n.updateHistory(header, storage.TransferStatusFailed)
		}
		n.pending = make(map[network.FileHeader]*network.Connection)
		n.pendingMu.Unlock()

		for _, entry := range n.store.Owned(n.conn) {
			n.closeFailed(entry, cause)
		}
	})
}

func (n *Negotiator) handleSendRequest(header network.FileHeader) {
	log := n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	})

	if err := header.Validate(); err != nil {
		log.WithError(err).Warn("denying invalid transfer request")
		_ = n.conn.Send(network.NewHeaderMessage(network.CommandReceiveDenied, header))
		return
	}
	if _, exists := n.store.Get(header.ID); exists {
		log.Debug("ignoring request for an open transfer id")
		return
	}

	n.pendingMu.Lock()
	_, duplicate := n.pending[header]
	if !duplicate {
		n.pending[header] = n.conn
	}
	n.pendingMu.Unlock()
	if duplicate {
		log.Debug("ignoring duplicate transfer request")
		return
	}

	n.saveHistory(header, storage.TransferDirectionReceive, "", storage.TransferStatusRequested)
	log.WithField("total_length", header.TotalLength).Info("transfer requested")
	n.emit(Event{
		Type:         EventRequested,
		Direction:    DirectionReceive,
		Header:       header,
		PacketsCount: header.PacketsCount(),
	})
}

func (n *Negotiator) handleReceiveReady(header network.FileHeader) {
	entry := n.lookup(header.ID, DirectionSend, network.CommandReceiveReady)
	if entry == nil {
		return
	}

	entry.setState(StateTransferring)
	n.updateHistory(header, storage.TransferStatusTransferring)
	n.emit(Event{
		Type:         EventAccepted,
		Direction:    DirectionSend,
		Header:       entry.Header(),
		Entry:        entry,
		PacketsCount: entry.PacketsCount(),
	})
	n.sendPacket(entry, 1)
}

func (n *Negotiator) handleReceiveDenied(header network.FileHeader) {
	entry := n.lookup(header.ID, DirectionSend, network.CommandReceiveDenied)
	if entry == nil {
		return
	}

	closed, err := entry.closeAs(StateDenied)
	if !closed {
		return
	}
	n.store.Remove(header.ID)
	if err != nil {
		n.logger.WithError(err).Warn("close denied transfer")
	}
	n.updateHistory(header, storage.TransferStatusDenied)
	n.logger.WithField("transfer_id", header.ID.String()).Warn("transfer denied by peer")
	n.emit(Event{
		Type:         EventDenied,
		Direction:    DirectionSend,
		Header:       entry.Header(),
		Entry:        entry,
		PacketsCount: entry.PacketsCount(),
		Err:          ErrDenied,
	})
}

func (n *Negotiator) handlePacketRequest(packet network.FilePacket) {
	entry := n.lookup(packet.ID, DirectionSend, network.CommandPacketRequest)
	if entry == nil {
		return
	}
	if packet.Number < 1 {
		n.logger.WithFields(logrus.Fields{
			"transfer_id": packet.ID.String(),
			"packet":      packet.Number,
		}).Debug("ignoring request for packet 0")
		return
	}
	n.sendPacket(entry, packet.Number)
}

func (n *Negotiator) sendPacket(entry *Entry, number uint32) {
	header := entry.Header()
	data, err := entry.ReadPacket(number)
	switch {
	case errors.Is(err, ErrEntryClosed):
		n.logger.WithFields(logrus.Fields{
			"transfer_id": header.ID.String(),
			"packet":      number,
		}).Debug("ignoring packet request for closed transfer")
		return
	case err != nil:
		n.fail(entry, err)
		return
	case data == nil:
		n.completeSend(entry, true)
		return
	}

	packet := network.FilePacket{ID: header.ID, Number: number, Data: data}
	if err := n.conn.Send(network.NewPacketMessage(network.CommandPacketData, packet)); err != nil {
		// Run will observe the dead connection and fail the entry.
		return
	}

	n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"packet":      number,
	}).Debug("packet sent")
	n.emit(Event{
		Type:         EventProgress,
		Direction:    DirectionSend,
		Header:       header,
		Entry:        entry,
		PacketNumber: number,
		PacketsCount: entry.PacketsCount(),
	})
}

func (n *Negotiator) handlePacketData(packet network.FilePacket) {
	entry := n.lookup(packet.ID, DirectionReceive, network.CommandPacketData)
	if entry == nil {
		return
	}

	next, err := entry.WritePacket(packet)
	switch {
	case errors.Is(err, ErrEntryClosed), errors.Is(err, ErrPacketOutOfRange):
		n.logger.WithFields(logrus.Fields{
			"transfer_id": packet.ID.String(),
			"packet":      packet.Number,
		}).WithError(err).Debug("ignoring packet")
		return
	case err != nil:
		n.fail(entry, err)
		return
	}

	n.emit(Event{
		Type:         EventProgress,
		Direction:    DirectionReceive,
		Header:       entry.Header(),
		Entry:        entry,
		PacketNumber: packet.Number,
		PacketsCount: entry.PacketsCount(),
	})

	if next == 0 {
		n.completeReceive(entry, true)
		return
	}
	request := network.FilePacket{ID: packet.ID, Number: next}
	_ = n.conn.Send(network.NewPacketMessage(network.CommandPacketRequest, request))
}

func (n *Negotiator) handleSendCancel(header network.FileHeader) {
	n.pendingMu.Lock()
	_, wasPending := n.pending[header]
	delete(n.pending, header)
	n.pendingMu.Unlock()
	if wasPending {
		n.updateHistory(header, storage.TransferStatusCancelled)
		n.emit(Event{
			Type:      EventCancelled,
			Direction: DirectionReceive,
			Header:    header,
			Err:       ErrCancelled,
		})
		return
	}

	entry, ok := n.store.Get(header.ID)
	if !ok || entry.Owner() != n.conn {
		n.logger.WithField("transfer_id", header.ID.String()).Debug("ignoring cancel for unknown transfer")
		return
	}
	n.closeCancelled(entry)
}

// completeSend finishes the sending side once. notify is set when this side
// noticed the end of data and must tell the receiver.
func (n *Negotiator) completeSend(entry *Entry, notify bool) {
	if !entry.markDone() {
		return
	}
	header := entry.Header()
	if notify {
		_ = n.conn.Send(network.NewHeaderMessage(network.CommandReceiveDone, header))
	}

	n.updateHistory(header, storage.TransferStatusComplete)
	n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	}).Info("send complete")
	n.emit(Event{
		Type:         EventCompleted,
		Direction:    DirectionSend,
		Header:       header,
		Entry:        entry,
		PacketNumber: entry.PacketsCount(),
		PacketsCount: entry.PacketsCount(),
	})
	n.release(entry)
}

// completeReceive finishes the receiving side once. The entry is released
// after the completion event so handlers can still share its file.
func (n *Negotiator) completeReceive(entry *Entry, notify bool) {
	if !entry.markDone() {
		return
	}
	header := entry.Header()
	log := n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	})

	if err := entry.Flush(); err != nil {
		log.WithError(err).Error("flush received file")
	}
	if notify {
		_ = n.conn.Send(network.NewHeaderMessage(network.CommandSendDone, header))
	}

	if n.history != nil {
		if digest, err := appcrypto.FileDigest(entry.Path()); err != nil {
			log.WithError(err).Warn("digest received file")
		} else if err := n.history.SetTransferChecksum(header.ID.String(), digest); err != nil {
			log.WithError(err).Warn("record transfer checksum")
		}
	}
	n.updateHistory(header, storage.TransferStatusComplete)

	log.WithField("path", entry.Path()).Info("receive complete")
	n.emit(Event{
		Type:         EventCompleted,
		Direction:    DirectionReceive,
		Header:       header,
		Entry:        entry,
		PacketNumber: entry.PacketsCount(),
		PacketsCount: entry.PacketsCount(),
	})
	n.release(entry)
}

// fail cancels a transfer at the peer after a local error.
func (n *Negotiator) fail(entry *Entry, err error) {
	_ = n.conn.Send(network.NewHeaderMessage(network.CommandSendCancel, entry.Header()))
	n.closeFailed(entry, err)
}

func (n *Negotiator) closeFailed(entry *Entry, cause error) {
	closed, err := entry.closeAs(StateErrored)
	if !closed {
		return
	}
	header := entry.Header()
	n.store.Remove(header.ID)
	if err != nil {
		cause = errors.Join(cause, err)
	}

	n.updateHistory(header, storage.TransferStatusFailed)
	n.logger.WithFields(logrus.Fields{
		"transfer_id": header.ID.String(),
		"name":        header.Name,
	}).WithError(cause).Error("transfer failed")
	n.emit(Event{
		Type:         EventFailed,
		Direction:    entry.Direction(),
		Header:       header,
		Entry:        entry,
		PacketsCount: entry.PacketsCount(),
		Err:          cause,
	})
}

func (n *Negotiator) closeCancelled(entry *Entry) {
	closed, err := entry.closeAs(StateCancelled)
	if !closed {
		return
	}
	header := entry.Header()
	n.store.Remove(header.ID)
	if err != nil {
		n.logger.WithError(err).Warn("close cancelled transfer")
	}

	n.updateHistory(header, storage.TransferStatusCancelled)
	n.logger.WithField("transfer_id", header.ID.String()).Warn("transfer cancelled")
	n.emit(Event{
		Type:         EventCancelled,
		Direction:    entry.Direction(),
		Header:       header,
		Entry:        entry,
		PacketsCount: entry.PacketsCount(),
		Err:          ErrCancelled,
	})
}

func (n *Negotiator) release(entry *Entry) {
	n.store.Remove(entry.Header().ID)
	if err := entry.Close(); err != nil {
		n.logger.WithError(err).Warn("close finished transfer")
	}
}

// lookup returns the open entry for id when this connection owns it in the
// given direction.
func (n *Negotiator) lookup(id uuid.UUID, direction Direction, command network.Command) *Entry {
	entry, ok := n.store.Get(id)
	if !ok || entry.Owner() != n.conn || entry.Direction() != direction {
		n.logger.WithFields(logrus.Fields{
			"transfer_id": id.String(),
			"command":     command.String(),
		}).Debug("ignoring frame for unknown transfer")
		return nil
	}
	return entry
}

func (n *Negotiator) emit(event Event) {
	if n.onEvent != nil {
		n.onEvent(n, event)
	}
}

func (n *Negotiator) saveHistory(header network.FileHeader, direction, path, status string) {
	if n.history == nil {
		return
	}
	err := n.history.SaveTransfer(storage.Transfer{
		TransferID:     header.ID.String(),
		Direction:      direction,
		PeerAddress:    n.conn.RemoteAddr(),
		Filename:       header.Name,
		TotalLength:    int64(header.TotalLength),
		PacketLength:   int64(header.PacketLength),
		StoredPath:     path,
		TransferStatus: status,
	})
	if err != nil {
		n.logger.WithField("transfer_id", header.ID.String()).WithError(err).Warn("save transfer history")
	}
}

func (n *Negotiator) updateHistory(header network.FileHeader, status string) {
	if n.history == nil {
		return
	}
	if err := n.history.UpdateTransferStatus(header.ID.String(), status); err != nil {
		n.logger.WithField("transfer_id", header.ID.String()).WithError(err).Warn("update transfer history")
	}
}
