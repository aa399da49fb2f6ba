package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Dial connects to a relay, sends the protocol magic, and returns a ready Connection.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*Connection, error) {
	opts := options.withDefaults()

	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(opts.HandshakeTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set handshake deadline: %w", err)
	}

	if err := WriteHandshake(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear handshake deadline: %w", err)
	}

	return newConnection(conn, opts), nil
}

// ParseAddress normalises "host[:port]" into a dialable address, using
// DefaultPort when no port is given. Bare IPv6 literals are accepted.
func ParseAddress(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("address is required")
	}

	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		host = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
		if strings.Contains(host, ":") && net.ParseIP(host) == nil {
			return "", fmt.Errorf("parse address %q: %w", raw, err)
		}
		return net.JoinHostPort(host, strconv.Itoa(DefaultPort)), nil
	}

	if host == "" {
		return "", fmt.Errorf("parse address %q: host is required", raw)
	}
	number, err := strconv.Atoi(port)
	if err != nil || number < 1 || number > 65535 {
		return "", fmt.Errorf("parse address %q: invalid port %q", raw, port)
	}
	return net.JoinHostPort(host, port), nil
}
