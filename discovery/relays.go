package discovery

import (
	"context"
	"errors"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its record changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies relay discovery updates.
type EventType string

// Event carries discovery updates.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is a relay advertised on the LAN.
type Relay struct {
	NodeID       string
	Name         string
	Version      int
	PacketLength uint32
	HostName     string
	Port         int
	Addresses    []string
	LastSeen     time.Time
}

// Address returns a dialable "host:port" for the relay, preferring the first
// advertised IP over the host name.
func (r Relay) Address() string {
	host := strings.TrimSuffix(r.HostName, ".")
	if len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Watch scans every RefreshInterval until ctx is done and calls fn for each
// relay that appears, changes or disappears between scans. Upserts come
// first, each group ordered by name. fn runs on the calling goroutine.
func Watch(ctx context.Context, config Config, fn func(Event)) error {
	cfg := config.withDefaults()
	browse, err := cfg.resolveBrowse()
	if err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.RefreshInterval)
	defer ticker.Stop()

	known := make(map[string]Relay)
	for {
		next, err := scan(ctx, cfg, browse)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, event := range diffRelays(known, next) {
			fn(event)
		}
		known = next

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func diffRelays(previous, next map[string]Relay) []Event {
	var events []Event
	for _, relay := range sortedRelays(next) {
		old, exists := previous[relay.NodeID]
		if !exists || !relaysEqual(old, relay) {
			events = append(events, Event{Type: EventRelayUpserted, Relay: relay})
		}
	}
	for _, relay := range sortedRelays(previous) {
		if _, exists := next[relay.NodeID]; !exists {
			events = append(events, Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
	return events
}

// scan browses for one scan window and collects every relay other than the
// local node, keyed by node id.
func scan(ctx context.Context, cfg Config, browse browseFunc) (map[string]Relay, error) {
	scanCtx, cancel := context.WithTimeout(ctx, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		incoming := entries
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-incoming:
				if !ok {
					// The resolver closes entries when it stops.
					incoming = nil
					continue
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.NodeID)
				if !ok {
					continue
				}
				relay.LastSeen = time.Now()
				collected[relay.NodeID] = relay
			}
		}
	}()

	if err := browse(scanCtx, cfg.Service, cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		// A timeout just means this scan window ended naturally.
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return collected, nil
		}
		return nil, err
	}

	<-scanCtx.Done()
	<-collectorDone
	return collected, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfNodeID string) (Relay, bool) {
	txt := txtToMap(entry.Text)

	nodeID := txt[txtNodeID]
	if nodeID == "" || nodeID == selfNodeID || entry.Port <= 0 {
		return Relay{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])
	packetLength, _ := strconv.ParseUint(txt[txtPacketLength], 10, 32)

	var addresses []string
	for _, ip := range slices.Concat(entry.AddrIPv4, entry.AddrIPv6) {
		if ip != nil {
			addresses = append(addresses, ip.String())
		}
	}
	slices.Sort(addresses)
	addresses = slices.Compact(addresses)

	name := strings.TrimSpace(entry.Instance)
	if name == "" {
		name = strings.TrimSpace(entry.HostName)
	}
	if name == "" {
		name = nodeID
	}

	return Relay{
		NodeID:       nodeID,
		Name:         name,
		Version:      version,
		PacketLength: uint32(packetLength),
		HostName:     entry.HostName,
		Port:         entry.Port,
		Addresses:    addresses,
	}, true
}

// txtToMap parses "key=value" TXT strings, skipping malformed ones.
func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if key = strings.TrimSpace(key); ok && key != "" {
			out[key] = strings.TrimSpace(value)
		}
	}
	return out
}

func sortedRelays(relays map[string]Relay) []Relay {
	out := make([]Relay, 0, len(relays))
	for _, relay := range relays {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// relaysEqual ignores LastSeen.
func relaysEqual(a, b Relay) bool {
	return a.NodeID == b.NodeID &&
		a.Name == b.Name &&
		a.Version == b.Version &&
		a.PacketLength == b.PacketLength &&
		a.HostName == b.HostName &&
		a.Port == b.Port &&
		slices.Equal(a.Addresses, b.Addresses)
}
