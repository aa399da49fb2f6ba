package network

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func waitForServerConn(t *testing.T, server *Server) *Connection {
	t.Helper()
	select {
	case conn := <-server.Incoming():
		if conn == nil {
			t.Fatalf("server closed before accepting")
		}
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for inbound connection")
	}
	return nil
}

func TestDialAndListenExchangeMessages(t *testing.T) {
	server, err := Listen("127.0.0.1:0", quietOptions())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	client, err := Dial(context.Background(), server.Addr().String(), quietOptions())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	serverConn := waitForServerConn(t, server)
	header := NewFileHeader("ping.bin", 3, 1)

	if err := client.Send(NewHeaderMessage(CommandSendRequest, header)); err != nil {
		t.Fatalf("client Send failed: %v", err)
	}
	if msg := receiveWithin(t, serverConn); msg.Header != header {
		t.Fatalf("server got unexpected message: %+v", msg)
	}

	if err := serverConn.Send(NewHeaderMessage(CommandReceiveReady, header)); err != nil {
		t.Fatalf("server Send failed: %v", err)
	}
	if msg := receiveWithin(t, client); msg.Command != CommandReceiveReady {
		t.Fatalf("client got unexpected message: %+v", msg)
	}

	_ = client.Close()
	waitClosed(t, serverConn)
}

func TestServerRejectsBadMagic(t *testing.T) {
	server, err := Listen("127.0.0.1:0", quietOptions())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	raw, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = raw.Close()
	}()

	if _, err := raw.Write([]byte(strings.Repeat("X", len(Magic())))); err != nil {
		t.Fatalf("write bad magic failed: %v", err)
	}

	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected server to close connection after bad magic")
	}

	select {
	case err := <-server.Errors():
		if !errors.Is(err, ErrProtocolMismatch) {
			t.Fatalf("expected ErrProtocolMismatch, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected handshake error report")
	}

	select {
	case conn := <-server.Incoming():
		_ = conn.Close()
		t.Fatalf("expected no inbound connection after bad magic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestServerHandshakeTimeout(t *testing.T) {
	options := quietOptions()
	options.HandshakeTimeout = 100 * time.Millisecond

	server, err := Listen("127.0.0.1:0", options)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	raw, err := net.DialTimeout("tcp", server.Addr().String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer func() {
		_ = raw.Close()
	}()

	_ = raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := raw.Read(make([]byte, 1)); err == nil {
		t.Fatalf("expected server to drop a silent client")
	}
}

func TestListenAddressInUse(t *testing.T) {
	server, err := Listen("127.0.0.1:0", quietOptions())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	defer func() {
		_ = server.Close()
	}()

	if _, err := Listen(server.Addr().String(), quietOptions()); err == nil {
		t.Fatalf("expected second Listen on the same address to fail")
	}
}

func TestDialRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	address := listener.Addr().String()
	_ = listener.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := Dial(ctx, address, quietOptions()); err == nil {
		t.Fatalf("expected dial to a closed port to fail")
	}
}
