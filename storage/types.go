package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	// TransferStatusRequested means the header was offered and no answer has arrived.
	TransferStatusRequested = "requested"
	// TransferStatusTransferring means packets are flowing.
	TransferStatusTransferring = "transferring"
	// TransferStatusComplete means every packet was delivered.
	TransferStatusComplete = "complete"
	// TransferStatusDenied means the receiver refused the header.
	TransferStatusDenied = "denied"
	// TransferStatusCancelled means either side sent SEND_CANCEL.
	TransferStatusCancelled = "cancelled"
	// TransferStatusFailed means the connection or the file failed mid-transfer.
	TransferStatusFailed = "failed"
)

const (
	TransferDirectionSend    = "send"
	TransferDirectionReceive = "receive"
	TransferDirectionRelay   = "relay"
)

// Transfer is the SQLite representation of one side of one file transfer.
type Transfer struct {
	TransferID     string
	Direction      string
	PeerAddress    string
	Filename       string
	TotalLength    int64
	PacketLength   int64
	StoredPath     string
	Checksum       string
	TransferStatus string
	CreatedAt      int64
	UpdatedAt      int64
}

// TransferFilter narrows ListTransfers query results.
type TransferFilter struct {
	Direction     string
	Status        string
	FromTimestamp *int64
	Limit         int
	Offset        int
}

// Finished reports whether the transfer reached a terminal status.
func (t Transfer) Finished() bool {
	switch t.TransferStatus {
	case TransferStatusComplete, TransferStatusDenied, TransferStatusCancelled, TransferStatusFailed:
		return true
	default:
		return false
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusRequested, TransferStatusTransferring, TransferStatusComplete,
		TransferStatusDenied, TransferStatusCancelled, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateTransferDirection(direction string) error {
	switch direction {
	case TransferDirectionSend, TransferDirectionReceive, TransferDirectionRelay:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
