package transfer

import (
	"goldrenard/network"
	"goldrenard/storage"
)

// EventType names a negotiator notification.
type EventType string

const (
	EventRequested EventType = "requested"
	EventAccepted  EventType = "accepted"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventDenied    EventType = "denied"
	EventCancelled EventType = "cancelled"
	EventFailed    EventType = "failed"
)

// Event is raised by a Negotiator for every observable transfer step.
// Entry is nil for EventRequested, which only carries the offered header.
type Event struct {
	Type         EventType
	Direction    Direction
	Header       network.FileHeader
	Entry        *Entry
	PacketNumber uint32
	PacketsCount uint32
	Err          error
}

// History persists transfer outcomes. storage.Store implements it.
type History interface {
	SaveTransfer(record storage.Transfer) error
	UpdateTransferStatus(transferID, status string) error
	SetTransferChecksum(transferID, checksum string) error
}
