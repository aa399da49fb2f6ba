package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
)

func TestWatchReportsChangesBetweenScans(t *testing.T) {
	calls := 0
	cfg := Config{
		NodeID:          "self-node",
		RefreshInterval: 10 * time.Millisecond,
		ScanTimeout:     10 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			calls++
			entries <- testServiceEntry("self-node", "Self", 5630, "10.0.0.1")
			switch calls {
			case 1:
				entries <- testServiceEntry("relay-2", "Basement", 5630, "10.0.0.3")
				entries <- testServiceEntry("relay-1", "Attic", 5630, "10.0.0.2")
			case 2:
				entries <- testServiceEntry("relay-2", "Basement", 5630, "10.0.0.3")
			default:
				entries <- testServiceEntry("relay-2", "Basement", 5631, "10.0.0.3")
			}
			<-ctx.Done()
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []Event
	err := Watch(ctx, cfg, func(event Event) {
		got = append(got, event)
		if len(got) == 4 {
			cancel()
		}
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	want := []struct {
		eventType EventType
		nodeID    string
		port      int
	}{
		{EventRelayUpserted, "relay-1", 5630},
		{EventRelayUpserted, "relay-2", 5630},
		{EventRelayRemoved, "relay-1", 5630},
		{EventRelayUpserted, "relay-2", 5631},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(got), got)
	}
	for i, w := range want {
		if got[i].Type != w.eventType || got[i].Relay.NodeID != w.nodeID || got[i].Relay.Port != w.port {
			t.Fatalf("event %d: expected %s %s:%d, got %s %s:%d", i, w.eventType, w.nodeID, w.port,
				got[i].Type, got[i].Relay.NodeID, got[i].Relay.Port)
		}
	}
}

func TestWatchSkipsUnchangedScans(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	cfg := Config{
		RefreshInterval: 5 * time.Millisecond,
		ScanTimeout:     5 * time.Millisecond,
		browseFn: func(scanCtx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			calls++
			entries <- testServiceEntry("relay-1", "Attic", 5630, "10.0.0.2")
			if calls == 4 {
				cancel()
			}
			<-scanCtx.Done()
			return nil
		},
	}

	events := 0
	if err := Watch(ctx, cfg, func(Event) { events++ }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 scans, got %d", calls)
	}
	if events != 1 {
		t.Fatalf("expected a single upsert for an unchanged relay, got %d events", events)
	}
}

func TestWatchReturnsResolverError(t *testing.T) {
	browseErr := errors.New("socket closed")
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return browseErr
		},
	}

	err := Watch(context.Background(), cfg, func(Event) {
		t.Errorf("unexpected event")
	})
	if !errors.Is(err, browseErr) {
		t.Fatalf("expected browse error, got %v", err)
	}
}

func TestParseEntry(t *testing.T) {
	entry := testServiceEntry("relay-1", "", 5630, "10.0.0.2")
	entry.AddrIPv4 = append(entry.AddrIPv4, net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1"))
	entry.Text = append(entry.Text, "malformed", "=empty-key")

	relay, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if relay.Name != entry.HostName {
		t.Fatalf("expected host name fallback, got %q", relay.Name)
	}
	if len(relay.Addresses) != 2 || relay.Addresses[0] != "10.0.0.1" {
		t.Fatalf("expected sorted unique addresses, got %v", relay.Addresses)
	}
	if relay.Version != 1 || relay.PacketLength != 1048576 {
		t.Fatalf("unexpected TXT values: version %d packet length %d", relay.Version, relay.PacketLength)
	}

	if _, ok := parseEntry(testServiceEntry("self", "Self", 5630, "10.0.0.1"), "self"); ok {
		t.Fatalf("expected own record to be skipped")
	}
	noID := testServiceEntry("", "Anon", 5630, "10.0.0.1")
	if _, ok := parseEntry(noID, "self"); ok {
		t.Fatalf("expected record without node id to be skipped")
	}
}

func TestRelayAddressFallsBackToHostName(t *testing.T) {
	relay := Relay{HostName: "attic.local.", Port: 5630}
	if got := relay.Address(); got != "attic.local:5630" {
		t.Fatalf("unexpected address: %q", got)
	}
}

func testServiceEntry(nodeID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: "host-" + nodeID + ".local.",
		Port:     port,
		Text: []string{
			"node_id=" + nodeID,
			"version=1",
			"packet_length=1048576",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
