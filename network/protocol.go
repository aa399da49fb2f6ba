package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// DefaultPort is the TCP port a relay listens on when none is configured.
	DefaultPort = 5630
	// DefaultPacketLength is the default file chunk size (4 MiB).
	DefaultPacketLength = 4 * 1024 * 1024
	// MaxFrameSize is the maximum accepted frame payload size (64 MiB).
	MaxFrameSize = 64 * 1024 * 1024
	// MaxPacketLength is the largest chunk that still fits in one frame.
	MaxPacketLength = MaxFrameSize - packetPayloadFixedSize

	frameHeaderSize        = 1 + 4
	headerPayloadFixedSize = 2 + 16 + 8 + 4
	packetPayloadFixedSize = 16 + 4 + 4
)

// Command identifies the kind of a protocol frame.
type Command byte

const (
	CommandSendRequest Command = iota
	CommandReceiveReady
	CommandReceiveDenied
	CommandPacketData
	CommandPacketRequest
	CommandSendDone
	CommandReceiveDone
	CommandSendCancel
)

func (c Command) String() string {
	switch c {
	case CommandSendRequest:
		return "SEND_REQUEST"
	case CommandReceiveReady:
		return "RECEIVE_READY"
	case CommandReceiveDenied:
		return "RECEIVE_DENIED"
	case CommandPacketData:
		return "PACKET_DATA"
	case CommandPacketRequest:
		return "PACKET_REQUEST"
	case CommandSendDone:
		return "SEND_DONE"
	case CommandReceiveDone:
		return "RECEIVE_DONE"
	case CommandSendCancel:
		return "SEND_CANCEL"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(c))
	}
}

// CarriesPacket reports whether the command payload is a FilePacket rather than a FileHeader.
func (c Command) CarriesPacket() bool {
	return c == CommandPacketData || c == CommandPacketRequest
}

func (c Command) valid() bool {
	return c <= CommandSendCancel
}

var (
	// ErrFrameTooLarge indicates a length prefix above MaxFrameSize. The stream cannot be resynchronised.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrFrameCorrupt indicates a complete frame whose command or payload could not be decoded.
	ErrFrameCorrupt = errors.New("network: corrupt frame")
	// ErrIncompleteFrame indicates more bytes are needed before the next frame can be decoded.
	ErrIncompleteFrame = errors.New("network: incomplete frame")
	// ErrProtocolMismatch indicates the peer did not open with the protocol magic.
	ErrProtocolMismatch = errors.New("network: protocol mismatch")
	// ErrConnectionLost indicates the connection is closed or failed.
	ErrConnectionLost = errors.New("network: connection lost")
)

// FileHeader describes one file transfer. It is a comparable value.
type FileHeader struct {
	Name         string
	ID           uuid.UUID
	TotalLength  uint64
	PacketLength uint32
}

// NewFileHeader builds a header with a freshly generated transfer ID.
func NewFileHeader(name string, totalLength uint64, packetLength uint32) FileHeader {
	return FileHeader{
		Name:         name,
		ID:           uuid.New(),
		TotalLength:  totalLength,
		PacketLength: packetLength,
	}
}

// PacketsCount returns ceil(TotalLength / PacketLength). An empty file has no packets.
func (h FileHeader) PacketsCount() uint32 {
	if h.TotalLength == 0 || h.PacketLength == 0 {
		return 0
	}
	count := h.TotalLength / uint64(h.PacketLength)
	if h.TotalLength%uint64(h.PacketLength) != 0 {
		count++
	}
	if count > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(count)
}

// PacketOffset returns the byte offset of 1-indexed packet n.
func (h FileHeader) PacketOffset(n uint32) int64 {
	if n == 0 {
		return 0
	}
	return int64(n-1) * int64(h.PacketLength)
}

// PacketSize returns the data length of 1-indexed packet n, or 0 when n is out of range.
func (h FileHeader) PacketSize(n uint32) int {
	if n == 0 || n > h.PacketsCount() {
		return 0
	}
	remaining := h.TotalLength - uint64(h.PacketOffset(n))
	if remaining < uint64(h.PacketLength) {
		return int(remaining)
	}
	return int(h.PacketLength)
}

// Validate checks that the header can be carried on the wire and paged.
func (h FileHeader) Validate() error {
	if h.Name == "" {
		return errors.New("file name is required")
	}
	if len(h.Name) > math.MaxUint16 {
		return fmt.Errorf("file name is %d bytes, max %d", len(h.Name), math.MaxUint16)
	}
	if !utf8.ValidString(h.Name) {
		return errors.New("file name is not valid UTF-8")
	}
	if h.PacketLength == 0 || h.PacketLength > MaxPacketLength {
		return fmt.Errorf("packet length %d outside 1..%d", h.PacketLength, MaxPacketLength)
	}
	if h.TotalLength > 0 {
		count := (h.TotalLength + uint64(h.PacketLength) - 1) / uint64(h.PacketLength)
		if count > math.MaxUint32 {
			return fmt.Errorf("file needs %d packets, max %d", count, uint32(math.MaxUint32))
		}
	}
	return nil
}

func (h FileHeader) String() string {
	return fmt.Sprintf("%q id=%s total=%d packet=%d", h.Name, h.ID, h.TotalLength, h.PacketLength)
}

// FilePacket carries one chunk of a transfer. A packet request has no data.
type FilePacket struct {
	ID     uuid.UUID
	Number uint32
	Data   []byte
}

// Message is one decoded protocol frame. Header is set for header commands
// and Packet for PACKET_DATA / PACKET_REQUEST.
type Message struct {
	Command Command
	Header  FileHeader
	Packet  FilePacket
}

// NewHeaderMessage builds a header-carrying message.
func NewHeaderMessage(command Command, header FileHeader) Message {
	return Message{Command: command, Header: header}
}

// NewPacketMessage builds a packet-carrying message.
func NewPacketMessage(command Command, packet FilePacket) Message {
	return Message{Command: command, Packet: packet}
}

// TransferID returns the transfer the message refers to.
func (m Message) TransferID() uuid.UUID {
	if m.Command.CarriesPacket() {
		return m.Packet.ID
	}
	return m.Header.ID
}

// EncodeMessage serialises a message into one complete frame.
func EncodeMessage(msg Message) ([]byte, error) {
	if !msg.Command.valid() {
		return nil, fmt.Errorf("encode %s: unknown command", msg.Command)
	}

	var payloadSize int
	if msg.Command.CarriesPacket() {
		payloadSize = packetPayloadFixedSize + len(msg.Packet.Data)
	} else {
		if len(msg.Header.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("encode %s: file name is %d bytes", msg.Command, len(msg.Header.Name))
		}
		payloadSize = headerPayloadFixedSize + len(msg.Header.Name)
	}
	if payloadSize > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, 0, frameHeaderSize+payloadSize)
	frame = append(frame, byte(msg.Command))
	frame = binary.BigEndian.AppendUint32(frame, uint32(payloadSize))

	if msg.Command.CarriesPacket() {
		frame = append(frame, msg.Packet.ID[:]...)
		frame = binary.BigEndian.AppendUint32(frame, msg.Packet.Number)
		frame = binary.BigEndian.AppendUint32(frame, uint32(len(msg.Packet.Data)))
		frame = append(frame, msg.Packet.Data...)
		return frame, nil
	}

	frame = binary.BigEndian.AppendUint16(frame, uint16(len(msg.Header.Name)))
	frame = append(frame, msg.Header.Name...)
	frame = append(frame, msg.Header.ID[:]...)
	frame = binary.BigEndian.AppendUint64(frame, msg.Header.TotalLength)
	frame = binary.BigEndian.AppendUint32(frame, msg.Header.PacketLength)
	return frame, nil
}

// WriteMessage encodes msg and writes it with a single Write call. A failed
// write is reported as ErrConnectionLost; encoding errors are returned as is.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := EncodeMessage(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("%w: write frame: %w", ErrConnectionLost, err)
	}
	return nil
}

// Decoder reassembles frames from arbitrarily split reads.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends raw stream bytes.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next decodes the next buffered frame. It returns ErrIncompleteFrame until a
// full frame is available. A corrupt frame is consumed and reported with
// ErrFrameCorrupt so decoding can continue with the following frame.
func (d *Decoder) Next() (Message, error) {
	if len(d.buf) < frameHeaderSize {
		return Message{}, ErrIncompleteFrame
	}

	length := binary.BigEndian.Uint32(d.buf[1:frameHeaderSize])
	if length > MaxFrameSize {
		return Message{}, ErrFrameTooLarge
	}

	total := frameHeaderSize + int(length)
	if len(d.buf) < total {
		return Message{}, ErrIncompleteFrame
	}

	msg, err := decodePayload(Command(d.buf[0]), d.buf[frameHeaderSize:total])
	remaining := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:remaining]
	return msg, err
}

func decodePayload(command Command, payload []byte) (Message, error) {
	if !command.valid() {
		return Message{}, fmt.Errorf("%w: unknown command %d", ErrFrameCorrupt, byte(command))
	}
	if command.CarriesPacket() {
		packet, err := decodePacket(payload)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s: %v", ErrFrameCorrupt, command, err)
		}
		return NewPacketMessage(command, packet), nil
	}

	header, err := decodeHeader(payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrFrameCorrupt, command, err)
	}
	return NewHeaderMessage(command, header), nil
}

func decodeHeader(payload []byte) (FileHeader, error) {
	if len(payload) < headerPayloadFixedSize {
		return FileHeader{}, fmt.Errorf("header payload is %d bytes", len(payload))
	}

	nameLength := int(binary.BigEndian.Uint16(payload[:2]))
	if len(payload) != headerPayloadFixedSize+nameLength {
		return FileHeader{}, fmt.Errorf("header payload is %d bytes, name length %d", len(payload), nameLength)
	}

	name := payload[2 : 2+nameLength]
	if !utf8.Valid(name) {
		return FileHeader{}, errors.New("file name is not valid UTF-8")
	}

	rest := payload[2+nameLength:]
	id, err := uuid.FromBytes(rest[:16])
	if err != nil {
		return FileHeader{}, fmt.Errorf("decode transfer id: %w", err)
	}

	return FileHeader{
		Name:         string(name),
		ID:           id,
		TotalLength:  binary.BigEndian.Uint64(rest[16:24]),
		PacketLength: binary.BigEndian.Uint32(rest[24:28]),
	}, nil
}

func decodePacket(payload []byte) (FilePacket, error) {
	if len(payload) < packetPayloadFixedSize {
		return FilePacket{}, fmt.Errorf("packet payload is %d bytes", len(payload))
	}

	id, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return FilePacket{}, fmt.Errorf("decode transfer id: %w", err)
	}

	dataLength := binary.BigEndian.Uint32(payload[20:24])
	if uint64(len(payload)-packetPayloadFixedSize) != uint64(dataLength) {
		return FilePacket{}, fmt.Errorf("packet declares %d data bytes, carries %d", dataLength, len(payload)-packetPayloadFixedSize)
	}

	packet := FilePacket{
		ID:     id,
		Number: binary.BigEndian.Uint32(payload[16:20]),
	}
	if dataLength > 0 {
		packet.Data = append([]byte(nil), payload[packetPayloadFixedSize:]...)
	}
	return packet, nil
}
