package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"goldrenard/network"
)

var (
	// ErrUnknownTransfer indicates a frame or call referencing an id with no local entry or request.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
	// ErrEntryClosed indicates an operation on an entry that is already closed. It is a no-op signal.
	ErrEntryClosed = errors.New("transfer: entry closed")
	// ErrPacketOutOfRange indicates a packet number outside 1..PacketsCount, a stale number, or a size mismatch.
	ErrPacketOutOfRange = errors.New("transfer: packet out of range")
	// ErrFileIO wraps file-system failures while opening, reading or writing a transfer.
	ErrFileIO = errors.New("transfer: file i/o error")
	// ErrDenied reports that the receiver refused the transfer.
	ErrDenied = errors.New("transfer: denied by receiver")
	// ErrCancelled reports that the transfer was cancelled by either side.
	ErrCancelled = errors.New("transfer: cancelled")
	// ErrDestinationInUse indicates a destination path that already backs an open transfer.
	ErrDestinationInUse = errors.New("transfer: destination in use")
)

// Direction tells which side of a transfer an entry serves.
type Direction string

const (
	DirectionSend    Direction = "send"
	DirectionReceive Direction = "receive"
)

// State is the lifecycle state of one side of a transfer.
type State string

const (
	StateSent         State = "sent"
	StateRequested    State = "requested"
	StateTransferring State = "transferring"
	StateCompleted    State = "completed"
	StateDenied       State = "denied"
	StateCancelled    State = "cancelled"
	StateErrored      State = "errored"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateDenied, StateCancelled, StateErrored:
		return true
	default:
		return false
	}
}

// backing is the file behind one or more entries. Relay fan-out shares one
// backing between the stored upload and every outgoing copy; the file is
// closed, and deleted if flagged, when the last entry releases it.
type backing struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	deleteOnClose bool
	refs          int
}

func newBacking(file *os.File, path string, deleteOnClose bool) *backing {
	return &backing{
		file:          file,
		path:          path,
		deleteOnClose: deleteOnClose,
		refs:          1,
	}
}

func (b *backing) retain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return false
	}
	b.refs++
	return true
}

func (b *backing) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refs == 0 {
		return nil
	}
	b.refs--
	if b.refs > 0 {
		return nil
	}

	err := b.file.Close()
	if b.deleteOnClose {
		if removeErr := os.Remove(b.path); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
			err = errors.Join(err, removeErr)
		}
	}
	return err
}

func (b *backing) readAt(p []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.ReadAt(p, offset)
}

func (b *backing) writeAt(p []byte, offset int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.WriteAt(p, offset)
}

func (b *backing) sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.file.Sync()
}

// Entry is one side of one transfer: its header, the backing file and the
// connection whose loss should cancel it.
type Entry struct {
	header    network.FileHeader
	direction Direction
	owner     *network.Connection
	store     *backing
	shared    bool

	mu     sync.Mutex
	state  State
	next   uint32
	done   bool
	closed bool
}

func newEntry(header network.FileHeader, direction Direction, owner *network.Connection, store *backing, state State) *Entry {
	return &Entry{
		header:    header,
		direction: direction,
		owner:     owner,
		store:     store,
		state:     state,
		next:      1,
	}
}

// Header returns the transfer header.
func (e *Entry) Header() network.FileHeader { return e.header }

// Direction returns whether this entry sends or receives.
func (e *Entry) Direction() Direction { return e.direction }

// Owner returns the connection the entry belongs to.
func (e *Entry) Owner() *network.Connection { return e.owner }

// Shared reports whether the entry reads from another entry's backing, as
// relay copies do.
func (e *Entry) Shared() bool { return e.shared }

// Path returns the backing file path.
func (e *Entry) Path() string { return e.store.path }

// PacketsCount returns the number of packets in the transfer.
func (e *Entry) PacketsCount() uint32 { return e.header.PacketsCount() }

// State returns the current lifecycle state.
func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done reports whether the transfer completed.
func (e *Entry) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Closed reports whether the entry has been closed.
func (e *Entry) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ReadPacket returns the data of 1-indexed packet n. It returns nil data
// when n is outside 1..PacketsCount and ErrEntryClosed once closed.
func (e *Entry) ReadPacket(n uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEntryClosed
	}
	size := e.header.PacketSize(n)
	if size == 0 {
		return nil, nil
	}

	buffer := make([]byte, size)
	read, err := e.store.readAt(buffer, e.header.PacketOffset(n))
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: read packet %d of %q: %w", ErrFileIO, n, e.store.path, err)
	}
	if read < size {
		return nil, fmt.Errorf("%w: read packet %d of %q: %w", ErrFileIO, n, e.store.path, io.ErrUnexpectedEOF)
	}
	return buffer, nil
}

// WritePacket stores p at its offset. It returns the number of the next
// packet to request, or 0 once the final packet has been written. Packets
// must arrive in order; anything else is ErrPacketOutOfRange.
func (e *Entry) WritePacket(p network.FilePacket) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrEntryClosed
	}
	count := e.header.PacketsCount()
	if p.Number < 1 || p.Number > count || p.Number != e.next {
		return 0, fmt.Errorf("%w: got %d, want %d of %d", ErrPacketOutOfRange, p.Number, e.next, count)
	}
	if len(p.Data) != e.header.PacketSize(p.Number) {
		return 0, fmt.Errorf("%w: packet %d carries %d bytes, want %d", ErrPacketOutOfRange, p.Number, len(p.Data), e.header.PacketSize(p.Number))
	}

	if _, err := e.store.writeAt(p.Data, e.header.PacketOffset(p.Number)); err != nil {
		return 0, fmt.Errorf("%w: write packet %d of %q: %w", ErrFileIO, p.Number, e.store.path, err)
	}

	e.state = StateTransferring
	e.next = p.Number + 1
	if p.Number == count {
		return 0, nil
	}
	return e.next, nil
}

// Flush commits written data to stable storage.
func (e *Entry) Flush() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEntryClosed
	}
	if err := e.store.sync(); err != nil {
		return fmt.Errorf("%w: sync %q: %w", ErrFileIO, e.store.path, err)
	}
	return nil
}

// Close releases the backing file. It is idempotent.
func (e *Entry) Close() error {
	_, err := e.closeAs("")
	return err
}

func (e *Entry) setState(state State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.state.Terminal() {
		return
	}
	e.state = state
}

// markDone flips the entry to completed. Only the first call on an open
// entry returns true.
func (e *Entry) markDone() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done || e.closed {
		return false
	}
	e.done = true
	e.state = StateCompleted
	return true
}

// closeAs closes the entry, recording state when it is non-empty and the
// transfer had not completed. It reports whether this call did the closing.
func (e *Entry) closeAs(state State) (bool, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false, nil
	}
	e.closed = true
	if state != "" && !e.done {
		e.state = state
	}
	e.mu.Unlock()

	if err := e.store.release(); err != nil {
		return true, fmt.Errorf("%w: close %q: %w", ErrFileIO, e.store.path, err)
	}
	return true, nil
}
