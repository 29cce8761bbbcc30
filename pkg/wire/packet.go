package wire

import (
	"encoding/binary"
	"errors"
)

// PacketHeaderSize is the 4-byte packet header: pl_size(2,BE) | lun(1) | complete_cid(1).
const PacketHeaderSize = 4

// MinChannel and MaxChannel bound the 15-bit channel id space (spec.md §3).
const (
	MinChannel uint16 = 0
	MaxChannel uint16 = 0x7FFF
)

// AnyChannel is the sentinel used only by the public API for global
// callback registration (spec.md §3); it is never encoded into a packet
// header, hence a value outside the 15-bit channel space.
const AnyChannel uint16 = 0xFFFF

// ErrInvalidPacket is returned by ParsePacket on any bound violation.
var ErrInvalidPacket = errors.New("wire: invalid packet")

// Packet is one variable-length unit inside a package's payload.
type Packet struct {
	Channel  uint16
	Complete bool
	Payload  []byte // view into the source buffer; copy before retaining
}

// EncodeChannel packs a channel number into its lun/cid wire fields.
func EncodeChannel(channel uint16) (lun uint8, cid uint8) {
	return uint8(channel >> 7), uint8(channel & 0x7F)
}

// DecodeChannel reassembles a channel number from lun/cid wire fields.
func DecodeChannel(lun, cid uint8) uint16 {
	return (uint16(lun) << 7) | (uint16(cid) & 0x7F)
}

// ValidChannel reports whether channel is in the encodable 15-bit range.
func ValidChannel(channel uint16) bool {
	return channel >= MinChannel && channel <= MaxChannel
}

// EmitPacketHeader writes the 4-byte packet header into dst.
func EmitPacketHeader(dst []byte, plSize int, channel uint16, complete bool) {
	binary.BigEndian.PutUint16(dst[0:2], uint16(plSize))
	lun, cid := EncodeChannel(channel)
	dst[2] = lun
	completeCID := cid & 0x7F
	if complete {
		completeCID |= 0x80
	}
	dst[3] = completeCID
}

// ParsePacket parses one packet from the head of buf, where maxLen bounds
// how many of buf's bytes belong to this package's remaining payload.
// It returns the packet and the number of bytes consumed (header + payload).
func ParsePacket(buf []byte, maxLen int) (Packet, int, error) {
	// A packet needs the 4-byte header plus at least one payload byte
	// (original_source/driver/iccom.c's iccom_packet_min_packet_size_bytes()).
	if maxLen < PacketHeaderSize+1 || len(buf) < PacketHeaderSize {
		return Packet{}, 0, ErrInvalidPacket
	}

	plSize := int(binary.BigEndian.Uint16(buf[0:2]))
	if PacketHeaderSize+plSize > maxLen || PacketHeaderSize+plSize > len(buf) {
		return Packet{}, 0, ErrInvalidPacket
	}

	lun := buf[2]
	completeCID := buf[3]
	channel := DecodeChannel(lun, completeCID&0x7F)
	complete := completeCID&0x80 != 0

	return Packet{
		Channel:  channel,
		Complete: complete,
		Payload:  buf[PacketHeaderSize : PacketHeaderSize+plSize],
	}, PacketHeaderSize + plSize, nil
}

// ParseAll iterates every packet in a package payload, calling fn for each
// in order. It stops and returns the first error encountered (including
// one returned by fn), leaving the caller to decide how to recover — in
// the engine (pkg/iccom) that means rolling back partially-applied packets.
func ParseAll(payload []byte, fn func(Packet) error) error {
	off := 0
	for off < len(payload) {
		pkt, n, err := ParsePacket(payload[off:], len(payload)-off)
		if err != nil {
			return err
		}
		if err := fn(pkt); err != nil {
			return err
		}
		off += n
	}
	return nil
}
