// Package wire implements the ICCom frame ("package") and packet codecs:
// spec.md §4.B and §4.C. It is the generalization of the teacher's
// pkg/usock byte-oriented frame codec (sync bytes + header CRC + payload
// CRC) to ICCom's fixed-size package / variable-length packet layering.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/iccomlink/iccom/pkg/crc"
)

// Wire constants, spec.md §3 and §6.
const (
	// HeaderSize is payload_len (2 bytes) + id (1 byte).
	HeaderSize = 3
	// TrailerSize is the CRC-32 trailer.
	TrailerSize = 4
	// FillerByte pads unused payload space.
	FillerByte = 0xFF
	// AckByte and NackByte are the single-byte ACK-phase frames.
	AckByte  = 0xD0
	NackByte = 0xE1

	// MinFrameSize is the smallest accepted frame: header and trailer plus
	// one byte of payload room, per spec.md §6 ("FRAME_SIZE ... >= 8").
	MinFrameSize = 8
)

var (
	// ErrFrameTooSmall is returned by NewEmpty for a frameSize below MinFrameSize.
	ErrFrameTooSmall = errors.New("wire: frame size too small")
	// ErrPayloadTooLarge is returned when a declared or requested payload
	// length exceeds the frame's payload room.
	ErrPayloadTooLarge = errors.New("wire: payload length exceeds frame room")
	// ErrBadLayout is returned by Verify on a filler-byte mismatch.
	ErrBadLayout = errors.New("wire: filler byte mismatch")
	// ErrBadCRC is returned by Verify on a CRC mismatch.
	ErrBadCRC = errors.New("wire: crc mismatch")
	// ErrWrongSize is returned when a buffer handed to FromBytes doesn't match frameSize.
	ErrWrongSize = errors.New("wire: buffer does not match frame size")
)

// Package is one fixed-size frame exchanged during a DATA phase.
// Layout: payload_len(2, BE) | id(1) | payload[room] | crc32(4, LE).
//
// The CRC trailer's byte order is a deliberate, documented choice (the
// original C source stores it in raw machine order, which spec.md §9(a)
// flags as non-portable); this port always uses little-endian so two Go
// peers, or a Go peer and any other explicit-little-endian peer, agree.
type Package struct {
	buf []byte
}

// Room returns the number of payload bytes a frame of the given size can hold.
func Room(frameSize int) int {
	return frameSize - HeaderSize - TrailerSize
}

// NewEmpty allocates a finalized, empty frame with the given id.
// id 0 is reserved ("no prior package received") but NewEmpty does not
// reject it — the TX package-id allocator (pkg/txqueue) is the one place
// that must never hand out 0.
func NewEmpty(frameSize int, id uint8) (*Package, error) {
	if frameSize < MinFrameSize {
		return nil, ErrFrameTooSmall
	}
	p := &Package{buf: make([]byte, frameSize)}
	p.buf[2] = id
	p.SetPayloadLen(0) //nolint:errcheck // 0 always fits
	p.Finalize()
	return p, nil
}

// FromBytes wraps an already-received raw frame buffer for verification
// and parsing. The buffer is taken by reference, not copied.
func FromBytes(buf []byte, frameSize int) (*Package, error) {
	if len(buf) != frameSize {
		return nil, ErrWrongSize
	}
	return &Package{buf: buf}, nil
}

// Bytes returns the raw frame buffer, ready to hand to the transport.
func (p *Package) Bytes() []byte { return p.buf }

// ID returns the package id (offset 2).
func (p *Package) ID() uint8 { return p.buf[2] }

// SetID overwrites the package id in place; the caller must Finalize afterwards.
func (p *Package) SetID(id uint8) { p.buf[2] = id }

// PayloadLen returns the declared payload length, failing if it exceeds
// the frame's payload room (spec.md §4.B).
func (p *Package) PayloadLen() (int, error) {
	n := int(binary.BigEndian.Uint16(p.buf[0:2]))
	if n > Room(len(p.buf)) {
		return 0, ErrPayloadTooLarge
	}
	return n, nil
}

// SetPayloadLen writes the declared payload length.
func (p *Package) SetPayloadLen(n int) error {
	if n > Room(len(p.buf)) {
		return ErrPayloadTooLarge
	}
	binary.BigEndian.PutUint16(p.buf[0:2], uint16(n))
	return nil
}

// FreeSpace returns the number of unused payload bytes given the
// currently-declared payload length.
func (p *Package) FreeSpace() int {
	n, err := p.PayloadLen()
	if err != nil {
		return 0
	}
	return Room(len(p.buf)) - n
}

// payloadRegion returns the full payload area, a slice of cap Room(frameSize).
func (p *Package) payloadRegion() []byte {
	room := Room(len(p.buf))
	return p.buf[HeaderSize : HeaderSize+room]
}

// UsedPayload returns the prefix of the payload region currently in use.
func (p *Package) UsedPayload() ([]byte, error) {
	n, err := p.PayloadLen()
	if err != nil {
		return nil, err
	}
	return p.payloadRegion()[:n], nil
}

// AppendPacket writes as much of payload as fits after a 4-byte packet
// header, setting the packet's complete bit iff the whole of payload fit.
// It returns the number of payload bytes actually written. It does not
// finalize the frame.
func (p *Package) AppendPacket(payload []byte, channel uint16) (int, error) {
	curLen, err := p.PayloadLen()
	if err != nil {
		return 0, err
	}
	free := Room(len(p.buf)) - curLen
	if free <= PacketHeaderSize {
		return 0, nil
	}

	avail := free - PacketHeaderSize
	n := len(payload)
	complete := true
	if n > avail {
		n = avail
		complete = false
	}

	region := p.payloadRegion()
	EmitPacketHeader(region[curLen:], n, channel, complete)
	copy(region[curLen+PacketHeaderSize:], payload[:n])

	if err := p.SetPayloadLen(curLen + PacketHeaderSize + n); err != nil {
		return 0, err
	}
	return n, nil
}

// Finalize fills unused payload space with FillerByte and recomputes the
// CRC trailer. Every mutator above leaves the frame un-finalized; callers
// must call Finalize before handing the frame to a transport.
func (p *Package) Finalize() {
	n, err := p.PayloadLen()
	if err != nil {
		// Caller violated an invariant upstream; clamp to room so we can
		// still produce a well-formed (if truncated) frame rather than panic.
		n = Room(len(p.buf))
		p.SetPayloadLen(n) //nolint:errcheck
	}
	region := p.payloadRegion()
	for i := n; i < len(region); i++ {
		region[i] = FillerByte
	}
	sum := crc.Checksum(p.buf[:len(p.buf)-TrailerSize])
	binary.LittleEndian.PutUint32(p.buf[len(p.buf)-TrailerSize:], sum)
}

// Verify checks declared length, filler bytes and CRC, returning the
// declared payload length on success.
func (p *Package) Verify() (int, error) {
	n, err := p.PayloadLen()
	if err != nil {
		return 0, err
	}
	region := p.payloadRegion()
	for i := n; i < len(region); i++ {
		if region[i] != FillerByte {
			return 0, ErrBadLayout
		}
	}
	want := binary.LittleEndian.Uint32(p.buf[len(p.buf)-TrailerSize:])
	got := crc.Checksum(p.buf[:len(p.buf)-TrailerSize])
	if want != got {
		return 0, ErrBadCRC
	}
	return n, nil
}
