package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustSaveTransfer(t *testing.T, store *Store, transferID, direction, status string) Transfer {
	t.Helper()

	record := Transfer{
		TransferID:     transferID,
		Direction:      direction,
		PeerAddress:    "127.0.0.1:5630",
		Filename:       "file-" + transferID + ".bin",
		TotalLength:    10,
		PacketLength:   4,
		TransferStatus: status,
	}
	if err := store.SaveTransfer(record); err != nil {
		t.Fatalf("save transfer %q: %v", transferID, err)
	}
	return record
}
