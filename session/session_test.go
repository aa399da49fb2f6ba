package session

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goldrenard/network"
	"goldrenard/relay"
	"goldrenard/transfer"
)

const (
	waitTimeout  = 10 * time.Second
	pollInterval = 10 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startRelay(t *testing.T) *relay.Relay {
	t.Helper()
	r := relay.New(relay.Options{
		ListenAddress: "127.0.0.1:0",
		SpoolDir:      t.TempDir(),
		PacketLength:  4,
		Logger:        quietLogger(),
	})
	require.NoError(t, r.Start())
	t.Cleanup(func() { _ = r.Close() })
	return r
}

type recording struct {
	connected    int
	disconnected []error
	requested    []network.FileHeader
	progress     []Progress
	completed    []Completed
	failed       map[uuid.UUID]error
}

type recorder struct {
	mu sync.Mutex
	recording
}

func (r *recorder) options(downloads string) Options {
	return Options{
		DownloadDir:  downloads,
		PacketLength: 4,
		Logger:       quietLogger(),
		OnConnected: func(string) {
			r.mu.Lock()
			r.connected++
			r.mu.Unlock()
		},
		OnDisconnected: func(err error) {
			r.mu.Lock()
			r.disconnected = append(r.disconnected, err)
			r.mu.Unlock()
		},
		OnTransferRequested: func(header network.FileHeader) {
			r.mu.Lock()
			r.requested = append(r.requested, header)
			r.mu.Unlock()
		},
		OnTransferProgress: func(progress Progress) {
			r.mu.Lock()
			r.progress = append(r.progress, progress)
			r.mu.Unlock()
		},
		OnTransferCompleted: func(completed Completed) {
			r.mu.Lock()
			r.completed = append(r.completed, completed)
			r.mu.Unlock()
		},
		OnTransferFailed: func(id uuid.UUID, err error) {
			r.mu.Lock()
			if r.failed == nil {
				r.failed = make(map[uuid.UUID]error)
			}
			r.failed[id] = err
			r.mu.Unlock()
		},
	}
}

func (r *recorder) snapshot() recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := recording{
		connected:    r.connected,
		disconnected: append([]error(nil), r.disconnected...),
		requested:    append([]network.FileHeader(nil), r.requested...),
		progress:     append([]Progress(nil), r.progress...),
		completed:    append([]Completed(nil), r.completed...),
		failed:       make(map[uuid.UUID]error, len(r.failed)),
	}
	for id, err := range r.failed {
		out.failed[id] = err
	}
	return out
}

func connect(t *testing.T, address string, rec *recorder, downloads string) *Session {
	t.Helper()
	s := New(rec.options(downloads))
	require.NoError(t, s.Connect(context.Background(), address))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionsExchangeFileThroughRelay(t *testing.T) {
	r := startRelay(t)
	address := r.Addr().String()

	senderEvents := &recorder{}
	receiverEvents := &recorder{}
	downloads := t.TempDir()
	sender := connect(t, address, senderEvents, t.TempDir())
	receiver := connect(t, address, receiverEvents, downloads)
	require.Eventually(t, func() bool { return r.Connections() == 2 }, waitTimeout, pollInterval)
	assert.True(t, sender.Connected())

	source := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(source, []byte("hello relay!"), 0o644))
	_, err := sender.SendFile(source)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(receiverEvents.snapshot().requested) == 1 }, waitTimeout, pollInterval)
	offered := receiverEvents.snapshot().requested[0]
	assert.Equal(t, "notes.txt", offered.Name)
	require.NoError(t, receiver.AcceptRequest(true, offered, ""))

	require.Eventually(t, func() bool { return len(receiverEvents.snapshot().completed) == 1 }, waitTimeout, pollInterval)
	done := receiverEvents.snapshot().completed[0]
	assert.Equal(t, offered.ID, done.ID)
	assert.Equal(t, transfer.DirectionReceive, done.Direction)
	assert.Equal(t, filepath.Join(downloads, "notes.txt"), done.Path)

	got, err := os.ReadFile(done.Path)
	require.NoError(t, err)
	assert.Equal(t, "hello relay!", string(got))

	progress := receiverEvents.snapshot().progress
	require.Len(t, progress, 3)
	assert.Equal(t, uint32(3), progress[2].PacketNumber)
	assert.Equal(t, uint32(3), progress[2].PacketsCount)

	require.Eventually(t, func() bool {
		for _, c := range senderEvents.snapshot().completed {
			if c.Direction == transfer.DirectionSend {
				return true
			}
		}
		return false
	}, waitTimeout, pollInterval)
	assert.Equal(t, 1, senderEvents.snapshot().connected)
}

func TestDeniedRelayDoesNotAffectUploader(t *testing.T) {
	r := startRelay(t)
	address := r.Addr().String()

	senderEvents := &recorder{}
	receiverEvents := &recorder{}
	downloads := t.TempDir()
	sender := connect(t, address, senderEvents, t.TempDir())
	receiver := connect(t, address, receiverEvents, downloads)
	require.Eventually(t, func() bool { return r.Connections() == 2 }, waitTimeout, pollInterval)

	source := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(source, []byte("nope"), 0o644))
	_, err := sender.SendFile(source)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(receiverEvents.snapshot().requested) == 1 }, waitTimeout, pollInterval)
	offered := receiverEvents.snapshot().requested[0]
	require.NoError(t, receiver.AcceptRequest(false, offered, ""))
	assert.ErrorIs(t, receiver.AcceptRequest(true, offered, ""), transfer.ErrUnknownTransfer)

	require.Eventually(t, func() bool { return len(senderEvents.snapshot().completed) == 1 }, waitTimeout, pollInterval)
	entries, err := os.ReadDir(downloads)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, receiverEvents.snapshot().completed)
}

func TestDisconnectCancelsUnfinishedSends(t *testing.T) {
	server, err := network.Listen("127.0.0.1:0", network.HandshakeOptions{Logger: quietLogger()})
	require.NoError(t, err)
	defer server.Close()

	events := &recorder{}
	s := New(events.options(""))
	require.NoError(t, s.Connect(context.Background(), server.Addr().String()))

	var peer *network.Connection
	select {
	case peer = <-server.Incoming():
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for session to connect")
	}
	defer peer.Close()

	source := filepath.Join(t.TempDir(), "pending.bin")
	require.NoError(t, os.WriteFile(source, []byte("12345678"), 0o644))
	header, err := s.SendFile(source)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	offer, err := peer.Receive(ctx)
	require.NoError(t, err)
	require.Equal(t, network.CommandSendRequest, offer.Command)
	require.Equal(t, header, offer.Header)

	require.NoError(t, s.Disconnect())
	cancelMsg, err := peer.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, network.CommandSendCancel, cancelMsg.Command)
	assert.Equal(t, header.ID, cancelMsg.Header.ID)

	snapshot := events.snapshot()
	assert.ErrorIs(t, snapshot.failed[header.ID], transfer.ErrCancelled)
	require.Len(t, snapshot.disconnected, 1)
	assert.NoError(t, snapshot.disconnected[0])
	assert.False(t, s.Connected())

	assert.ErrorIs(t, s.Disconnect(), ErrNotConnected)
	_, err = s.SendFile(source)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectDropsPreviousConnection(t *testing.T) {
	r := startRelay(t)
	events := &recorder{}
	s := connect(t, r.Addr().String(), events, "")
	require.Eventually(t, func() bool { return r.Connections() == 1 }, waitTimeout, pollInterval)

	require.NoError(t, s.Connect(context.Background(), r.Addr().String()))
	require.Eventually(t, func() bool {
		return len(events.snapshot().disconnected) == 1 && r.Connections() == 1
	}, waitTimeout, pollInterval)
	assert.Equal(t, 2, events.snapshot().connected)
	assert.True(t, s.Connected())
}

func TestRemoteCloseReportsError(t *testing.T) {
	r := startRelay(t)
	events := &recorder{}
	connect(t, r.Addr().String(), events, "")
	require.Eventually(t, func() bool { return r.Connections() == 1 }, waitTimeout, pollInterval)

	require.NoError(t, r.Close())
	require.Eventually(t, func() bool { return len(events.snapshot().disconnected) == 1 }, waitTimeout, pollInterval)
	assert.ErrorIs(t, events.snapshot().disconnected[0], network.ErrConnectionLost)
}

func TestConnectRejectsBadAddress(t *testing.T) {
	s := New(Options{Logger: quietLogger()})
	assert.Error(t, s.Connect(context.Background(), ""))
	assert.Error(t, s.Connect(context.Background(), "host:notaport"))
}

func TestSafeName(t *testing.T) {
	id := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	cases := map[string]string{
		"report.pdf":       "report.pdf",
		"../../etc/passwd": "passwd",
		`..\..\boot.ini`:   "boot.ini",
		"dir/inner.txt":    "inner.txt",
		"..":               "transfer-" + id.String(),
		"/":                "transfer-" + id.String(),
	}
	for name, want := range cases {
		got := SafeName(network.FileHeader{Name: name, ID: id})
		assert.Equal(t, want, got, name)
	}
}

func TestDefaultDestinationSkipsPathsInUse(t *testing.T) {
	downloads := t.TempDir()
	s := New(Options{DownloadDir: downloads, SpoolDir: t.TempDir(), Logger: quietLogger()})
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, filepath.Join(downloads, "report.bin"), s.freePath("report.bin"))

	for _, want := range []string{"report.bin", "report (1).bin", "report (2).bin"} {
		path := s.freePath("report.bin")
		require.Equal(t, filepath.Join(downloads, want), path)
		_, err := s.store.OpenDestination(network.NewFileHeader("report.bin", 8, 4), path, nil, false)
		require.NoError(t, err)
	}

	_, err := s.store.OpenDestination(network.NewFileHeader("README", 8, 4), filepath.Join(downloads, "README"), nil, false)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(downloads, "README (1)"), s.freePath("README"))
}
