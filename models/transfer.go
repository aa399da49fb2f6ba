package models

import (
	"time"

	"goldrenard/storage"
)

// Transfer is the export form of one history row.
type Transfer struct {
	TransferID     string    `json:"transfer_id"`
	Direction      string    `json:"direction"`
	PeerAddress    string    `json:"peer_address,omitempty"`
	Filename       string    `json:"filename"`
	TotalLength    int64     `json:"total_length"`
	PacketLength   int64     `json:"packet_length"`
	StoredPath     string    `json:"stored_path,omitempty"`
	Checksum       string    `json:"checksum,omitempty"`
	TransferStatus string    `json:"transfer_status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TransferFromRecord converts a stored row, turning millisecond timestamps into UTC times.
func TransferFromRecord(record storage.Transfer) Transfer {
	return Transfer{
		TransferID:     record.TransferID,
		Direction:      record.Direction,
		PeerAddress:    record.PeerAddress,
		Filename:       record.Filename,
		TotalLength:    record.TotalLength,
		PacketLength:   record.PacketLength,
		StoredPath:     record.StoredPath,
		Checksum:       record.Checksum,
		TransferStatus: record.TransferStatus,
		CreatedAt:      time.UnixMilli(record.CreatedAt).UTC(),
		UpdatedAt:      time.UnixMilli(record.UpdatedAt).UTC(),
	}
}

// TransfersFromRecords converts a list of stored rows.
func TransfersFromRecords(records []storage.Transfer) []Transfer {
	out := make([]Transfer, 0, len(records))
	for _, record := range records {
		out = append(out, TransferFromRecord(record))
	}
	return out
}
