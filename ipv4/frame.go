// Package ipv4 is a minimal IPv4 (RFC 791) header codec: it decodes a byte
// slice into a [Frame] view and lets a caller populate an outbound header
// in place, including header checksum computation. It does not perform
// fragmentation, reassembly, or option parsing beyond skipping over them.
package ipv4

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/fenwick-systems/tuntcp/wire"
)

const (
	sizeHeader = 20
	// ProtoTCP is the IPv4 protocol number for TCP (RFC 9293).
	ProtoTCP = 6
)

// NewFrame returns a Frame view over buf. An error is returned if buf is
// too small to hold a fixed IPv4 header; callers must still call
// [Frame.ValidateSize] before trusting the header-length-derived Payload.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, wire.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over a byte slice containing an IPv4 header and payload.
// It performs no copies: all accessors read/write directly into the
// underlying buffer.
type Frame struct {
	buf []byte
}

// RawData returns the buffer the Frame was constructed from.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) ihl() uint8     { return f.buf[0] & 0xf }
func (f Frame) version() uint8 { return f.buf[0] >> 4 }

// SetVersionAndIHL sets the version (should be 4) and Internet Header
// Length (in 32-bit words, minimum 5) fields.
func (f Frame) SetVersionAndIHL(version, ihl uint8) { f.buf[0] = version<<4 | ihl&0xf }

// HeaderLength returns the header length in bytes, including options.
func (f Frame) HeaderLength() int { return int(f.ihl()) * 4 }

// TotalLength returns the entire datagram size in bytes, header included.
func (f Frame) TotalLength() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }

// SetTotalLength sets the TotalLength field.
func (f Frame) SetTotalLength(tl uint16) { binary.BigEndian.PutUint16(f.buf[2:4], tl) }

// ID returns the packet identification field.
func (f Frame) ID() uint16 { return binary.BigEndian.Uint16(f.buf[4:6]) }

// SetID sets the packet identification field.
func (f Frame) SetID(id uint16) { binary.BigEndian.PutUint16(f.buf[4:6], id) }

// TTL returns the time-to-live field.
func (f Frame) TTL() uint8 { return f.buf[8] }

// SetTTL sets the time-to-live field.
func (f Frame) SetTTL(ttl uint8) { f.buf[8] = ttl }

// Protocol returns the upper-layer protocol number (6 for TCP).
func (f Frame) Protocol() uint8 { return f.buf[9] }

// SetProtocol sets the upper-layer protocol number.
func (f Frame) SetProtocol(proto uint8) { f.buf[9] = proto }

// CRC returns the header checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[10:12]) }

// SetCRC sets the header checksum field.
func (f Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(f.buf[10:12], crc) }

// SourceAddr returns a pointer to the 4-byte source address.
func (f Frame) SourceAddr() *[4]byte { return (*[4]byte)(f.buf[12:16]) }

// DestinationAddr returns a pointer to the 4-byte destination address.
func (f Frame) DestinationAddr() *[4]byte { return (*[4]byte)(f.buf[16:20]) }

// Payload returns the datagram payload, i.e. everything after the header
// up to TotalLength. Call [Frame.ValidateSize] first to avoid a panic on
// malformed input.
func (f Frame) Payload() []byte {
	return f.buf[f.HeaderLength():f.TotalLength()]
}

// ClearHeader zeros the fixed-size portion of the header (not options).
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

// CalculateHeaderCRC computes the IPv4 header checksum over the header as
// it currently stands (the CRC field itself is skipped).
func (f Frame) CalculateHeaderCRC() uint16 {
	var crc wire.CRC791
	hl := f.HeaderLength()
	crc.Write(f.buf[0:10])
	crc.Write(f.buf[12:hl])
	return crc.Sum16()
}

// CRCWriteTCPPseudo folds the IPv4 pseudo-header fields required by the TCP
// checksum (RFC 9293 section 3.1) into crc: source/destination address,
// zero byte + protocol, and TCP segment length.
func (f Frame) CRCWriteTCPPseudo(crc *wire.CRC791) {
	crc.Write(f.SourceAddr()[:])
	crc.Write(f.DestinationAddr()[:])
	crc.AddUint16(uint16(f.Protocol()))
	crc.AddUint16(f.TotalLength() - uint16(f.HeaderLength()))
}

// ValidateSize checks TotalLength and IHL against the actual buffer size,
// returning a non-nil error on any inconsistency.
func (f Frame) ValidateSize() error {
	tl := f.TotalLength()
	if tl < sizeHeader {
		return wire.ErrInvalidLength
	}
	if int(tl) > len(f.buf) {
		return wire.ErrShortBuffer
	}
	if f.ihl() < 5 {
		return wire.ErrInvalidLength
	}
	if int(tl) < f.HeaderLength() {
		return wire.ErrInvalidLength
	}
	if f.version() != 4 {
		return wire.ErrInvalidLength
	}
	return nil
}

func (f Frame) String() string {
	src := netip.AddrFrom4(*f.SourceAddr())
	dst := netip.AddrFrom4(*f.DestinationAddr())
	return fmt.Sprintf("IP proto=%d src=%s dst=%s len=%d ttl=%d id=%d",
		f.Protocol(), src, dst, f.TotalLength(), f.TTL(), f.ID())
}
