package transfer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"goldrenard/network"
)

// StoreOptions configures a Store.
type StoreOptions struct {
	// SpoolDir holds destination files opened without an explicit path.
	SpoolDir string
	// PacketLength is the chunk size for files this side sends.
	PacketLength uint32
}

// Store is the process-scoped table of open entries keyed by transfer id.
type Store struct {
	spoolDir     string
	packetLength uint32

	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
	// opening holds ids, and their explicit paths, whose destination file
	// is being created.
	opening map[uuid.UUID]string
}

// NewStore creates an empty store.
func NewStore(options StoreOptions) *Store {
	if options.SpoolDir == "" {
		options.SpoolDir = os.TempDir()
	}
	if options.PacketLength == 0 {
		options.PacketLength = network.DefaultPacketLength
	}
	return &Store{
		spoolDir:     options.SpoolDir,
		packetLength: options.PacketLength,
		entries:      make(map[uuid.UUID]*Entry),
		opening:      make(map[uuid.UUID]string),
	}
}

// PacketLength returns the chunk size used for outgoing files.
func (s *Store) PacketLength() uint32 {
	return s.packetLength
}

// OpenSource opens path read-only as a new outgoing transfer with a fresh id.
func (s *Store) OpenSource(path string, owner *network.Connection) (*Entry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open source: %w", ErrFileIO, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat source: %w", ErrFileIO, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %q is a directory", ErrFileIO, path)
	}

	header := network.NewFileHeader(filepath.Base(path), uint64(info.Size()), s.packetLength)
	if err := header.Validate(); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("invalid source %q: %w", path, err)
	}

	entry := newEntry(header, DirectionSend, owner, newBacking(file, path, false), StateSent)
	if err := s.add(entry); err != nil {
		_ = entry.Close()
		return nil, err
	}
	return entry, nil
}

// OpenDestination creates the receiving side of header. An empty path opens a
// temp file in the spool directory. An existing file at path is truncated and
// the result is pre-sized to the total length. A path that already backs an
// open entry is refused with ErrDestinationInUse before anything is touched.
func (s *Store) OpenDestination(header network.FileHeader, path string, owner *network.Connection, deleteOnClose bool) (*Entry, error) {
	if err := header.Validate(); err != nil {
		return nil, fmt.Errorf("invalid header: %w", err)
	}
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("%w: resolve destination: %w", ErrFileIO, err)
		}
		path = abs
	}
	if err := s.reserve(header.ID, path); err != nil {
		return nil, err
	}
	defer s.unreserve(header.ID)

	var (
		file *os.File
		err  error
	)
	if path == "" {
		if err := os.MkdirAll(s.spoolDir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create spool dir: %w", ErrFileIO, err)
		}
		file, err = os.CreateTemp(s.spoolDir, "transfer-*.part")
		if err != nil {
			return nil, fmt.Errorf("%w: create spool file: %w", ErrFileIO, err)
		}
		path = file.Name()
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: create destination dir: %w", ErrFileIO, err)
		}
		file, err = os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
		if err != nil {
			return nil, fmt.Errorf("%w: open destination: %w", ErrFileIO, err)
		}
	}

	if err := file.Truncate(int64(header.TotalLength)); err != nil {
		_ = file.Close()
		if deleteOnClose {
			_ = os.Remove(path)
		}
		return nil, fmt.Errorf("%w: pre-size destination: %w", ErrFileIO, err)
	}

	entry := newEntry(header, DirectionReceive, owner, newBacking(file, path, deleteOnClose), StateTransferring)
	if err := s.add(entry); err != nil {
		_ = entry.Close()
		return nil, err
	}
	return entry, nil
}

// Share opens a new outgoing transfer that reads from source's backing file
// under a fresh id. The backing stays open until source and every shared
// entry are closed.
func (s *Store) Share(source *Entry, owner *network.Connection) (*Entry, error) {
	if source == nil {
		return nil, errors.New("source entry is required")
	}
	if !source.store.retain() {
		return nil, ErrEntryClosed
	}

	src := source.Header()
	header := network.NewFileHeader(src.Name, src.TotalLength, src.PacketLength)
	entry := newEntry(header, DirectionSend, owner, source.store, StateSent)
	entry.shared = true
	if err := s.add(entry); err != nil {
		_ = entry.Close()
		return nil, err
	}
	return entry, nil
}

// InUse reports whether path backs an open entry or one being opened.
func (s *Store) InUse(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathTaken(abs)
}

// Get returns the open entry for id.
func (s *Store) Get(id uuid.UUID) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	return entry, ok
}

// Remove forgets the entry for id without closing it.
func (s *Store) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
}

// Owned returns the open entries belonging to owner, ordered by name.
func (s *Store) Owned(owner *network.Connection) []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0)
	for _, entry := range s.entries {
		if entry.owner == owner {
			out = append(out, entry)
		}
	}
	s.mu.RUnlock()

	sortEntries(out)
	return out
}

// Entries returns every open entry, ordered by name.
func (s *Store) Entries() []*Entry {
	s.mu.RLock()
	out := make([]*Entry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	s.mu.RUnlock()

	sortEntries(out)
	return out
}

// Len returns the number of open entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// CloseAll flushes receiving entries and closes every entry. It is the
// shutdown hook for a process holding open transfers.
func (s *Store) CloseAll() error {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[uuid.UUID]*Entry)
	s.mu.Unlock()

	var errs []error
	for _, entry := range entries {
		if entry.direction == DirectionReceive {
			if err := entry.Flush(); err != nil && !errors.Is(err, ErrEntryClosed) {
				errs = append(errs, err)
			}
		}
		if _, err := entry.closeAs(StateCancelled); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// reserve claims id, and path when set, for an entry about to be opened.
func (s *Store) reserve(id uuid.UUID, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[id]; exists {
		return fmt.Errorf("transfer %s is already open", id)
	}
	if _, exists := s.opening[id]; exists {
		return fmt.Errorf("transfer %s is already open", id)
	}
	if path != "" && s.pathTaken(path) {
		return fmt.Errorf("%w: %q", ErrDestinationInUse, path)
	}
	s.opening[id] = path
	return nil
}

func (s *Store) unreserve(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.opening, id)
}

// pathTaken must be called with s.mu held.
func (s *Store) pathTaken(path string) bool {
	for _, entry := range s.entries {
		if entry.store.path == path {
			return true
		}
	}
	for _, claimed := range s.opening {
		if claimed == path {
			return true
		}
	}
	return false
}

func (s *Store) add(entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.header.ID]; exists {
		return fmt.Errorf("transfer %s is already open", entry.header.ID)
	}
	s.entries[entry.header.ID] = entry
	return nil
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].header.Name == entries[j].header.Name {
			return entries[i].header.ID.String() < entries[j].header.ID.String()
		}
		return entries[i].header.Name < entries[j].header.Name
	})
}
