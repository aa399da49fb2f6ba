package network

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func quietOptions() HandshakeOptions {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return HandshakeOptions{Logger: logger}
}

// newRawPair returns a Connection and the raw socket of its peer.
func newRawPair(t *testing.T) (*Connection, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	conn := NewConnection(local, quietOptions())
	t.Cleanup(func() {
		_ = conn.Close()
		_ = remote.Close()
	})
	return conn, remote
}

func newPipePair(t *testing.T) (*Connection, *Connection) {
	t.Helper()

	left, right := net.Pipe()
	a := NewConnection(left, quietOptions())
	b := NewConnection(right, quietOptions())
	t.Cleanup(func() {
		_ = a.Close()
		_ = b.Close()
	})
	return a, b
}

func waitClosed(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("expected connection to close")
	}
}

func mustEncode(t *testing.T, msg Message) []byte {
	t.Helper()
	frame, err := EncodeMessage(msg)
	if err != nil {
		t.Fatalf("EncodeMessage failed: %v", err)
	}
	return frame
}
