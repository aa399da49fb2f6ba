package network

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// DefaultConnectionTimeout bounds TCP dial duration.
	DefaultConnectionTimeout = 30 * time.Second
	// DefaultHandshakeTimeout bounds how long a server waits for the magic.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultReadBufferSize is the socket read size used by the receive loop.
	DefaultReadBufferSize = 256 * 1024
	// DefaultInboundQueue is the number of decoded messages buffered per connection.
	DefaultInboundQueue = 64
)

// magic is the fixed opening sequence a client writes right after connecting.
var magic = []byte("GOLDRENARDTRANSFERPROTOCOL")

// Magic returns a copy of the protocol opening sequence.
func Magic() []byte {
	return append([]byte(nil), magic...)
}

// HandshakeOptions configures connection setup and runtime behavior.
type HandshakeOptions struct {
	ConnectionTimeout time.Duration
	HandshakeTimeout  time.Duration
	ReadBufferSize    int
	InboundQueue      int

	Logger *logrus.Logger
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.HandshakeTimeout <= 0 {
		out.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = DefaultReadBufferSize
	}
	if out.InboundQueue <= 0 {
		out.InboundQueue = DefaultInboundQueue
	}
	if out.Logger == nil {
		out.Logger = logrus.StandardLogger()
	}
	return out
}

// WriteHandshake sends the protocol magic.
func WriteHandshake(w io.Writer) error {
	if _, err := w.Write(magic); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	return nil
}

// ReadHandshake consumes the protocol magic and returns ErrProtocolMismatch
// when the peer sent anything else.
func ReadHandshake(r io.Reader) error {
	got := make([]byte, len(magic))
	if _, err := io.ReadFull(r, got); err != nil {
		return fmt.Errorf("%w: read handshake: %v", ErrProtocolMismatch, err)
	}
	if !bytes.Equal(got, magic) {
		return ErrProtocolMismatch
	}
	return nil
}
