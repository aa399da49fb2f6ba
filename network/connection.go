package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ConnectionState represents the lifecycle state of one connection.
type ConnectionState string

const (
	StateReady        ConnectionState = "READY"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// Connection owns one framed TCP socket. A dedicated goroutine blocks on the
// socket, decodes frames and queues them for Receive. Send may be called from
// any goroutine.
type Connection struct {
	conn   net.Conn
	remote string
	logger *logrus.Entry

	readBufferSize int

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	corrupt atomic.Uint64

	inbound chan Message

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

func newConnection(conn net.Conn, options HandshakeOptions) *Connection {
	opts := options.withDefaults()

	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}

	c := &Connection{
		conn:           conn,
		remote:         remote,
		logger:         opts.Logger.WithField("remote", remote),
		readBufferSize: opts.ReadBufferSize,
		inbound:        make(chan Message, opts.InboundQueue),
		closed:         make(chan struct{}),
		state:          StateReady,
	}

	go c.readLoop()

	return c
}

// NewConnection wraps an already-handshaken socket and starts its receive loop.
func NewConnection(conn net.Conn, options HandshakeOptions) *Connection {
	return newConnection(conn, options)
}

// RemoteAddr returns the peer address as text.
func (c *Connection) RemoteAddr() string {
	return c.remote
}

// State returns the current connection state.
func (c *Connection) State() ConnectionState {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Done is closed when the connection is fully disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Err returns the terminal connection error. It is nil for a clean close.
func (c *Connection) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.closeErr
}

// CorruptFrames returns how many frames were dropped as undecodable.
func (c *Connection) CorruptFrames() uint64 {
	return c.corrupt.Load()
}

// Send writes one message as a single frame. Frames from concurrent callers
// never interleave. Sending on a dead connection is logged and dropped.
func (c *Connection) Send(msg Message) error {
	if c.State() == StateDisconnected {
		c.logger.WithFields(logrus.Fields{
			"command":     msg.Command.String(),
			"transfer_id": msg.TransferID().String(),
		}).Debug("dropping frame on closed connection")
		return ErrConnectionLost
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := WriteMessage(c.conn, msg); err != nil {
		if errors.Is(err, ErrConnectionLost) {
			c.closeWithError(err)
			c.logger.WithFields(logrus.Fields{
				"command": msg.Command.String(),
				"error":   err,
			}).Debug("send failed")
		}
		return err
	}
	return nil
}

// Receive waits for the next decoded message. Messages already queued when
// the connection closes are still delivered before ErrConnectionLost.
func (c *Connection) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-c.inbound:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.inbound:
		return msg, nil
	case <-c.closed:
		select {
		case msg := <-c.inbound:
			return msg, nil
		default:
		}
		if err := c.Err(); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return Message{}, ErrConnectionLost
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Close terminates the connection and stops the receive loop.
func (c *Connection) Close() error {
	c.closeWithError(nil)
	return nil
}

func (c *Connection) readLoop() {
	decoder := NewDecoder()
	buffer := make([]byte, c.readBufferSize)

	for {
		n, err := c.conn.Read(buffer)
		if n > 0 {
			decoder.Feed(buffer[:n])
			if !c.drain(decoder) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				c.closeWithError(nil)
				return
			}
			c.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}
	}
}

// drain pushes every complete frame to the inbound queue. It returns false
// when the loop must stop.
func (c *Connection) drain(decoder *Decoder) bool {
	for {
		msg, err := decoder.Next()
		switch {
		case err == nil:
			select {
			case c.inbound <- msg:
			case <-c.closed:
				return false
			}
		case errors.Is(err, ErrIncompleteFrame):
			return true
		case errors.Is(err, ErrFrameCorrupt):
			c.corrupt.Add(1)
			c.logger.WithError(err).Warn("dropping corrupt frame")
		default:
			c.logger.WithError(err).Error("unrecoverable frame, closing connection")
			c.closeWithError(err)
			return false
		}
	}
}

func (c *Connection) setState(state ConnectionState) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.state = state
}

func (c *Connection) closeWithError(err error) {
	c.closeOnce.Do(func() {
		c.errMu.Lock()
		c.closeErr = err
		c.errMu.Unlock()

		c.setState(StateDisconnected)
		_ = c.conn.Close()
		close(c.closed)
	})
}
