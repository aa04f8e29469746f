// Package tcpseg is a minimal TCP (RFC 9293) header codec. It mirrors the
// ipv4 package's zero-copy Frame pattern: a view over a byte slice with
// accessors reading and writing directly into the underlying buffer, plus
// a Segment value type used by tcb to describe a segment in the abstract
// without holding a reference to its wire encoding.
package tcpseg

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fenwick-systems/tuntcp/ipv4"
	"github.com/fenwick-systems/tuntcp/seq"
	"github.com/fenwick-systems/tuntcp/wire"
)

const sizeHeader = 20

// NewFrame returns a Frame view over buf. An error is returned if buf is too
// small to hold a fixed TCP header; callers must still call
// [Frame.ValidateSize] before trusting header-length-derived Options/Payload.
func NewFrame(buf []byte) (Frame, error) {
	if len(buf) < sizeHeader {
		return Frame{}, wire.ErrShortBuffer
	}
	return Frame{buf: buf}, nil
}

// Frame is a view over a byte slice containing a TCP segment header and
// payload. It performs no copies: all accessors read/write directly into
// the underlying buffer.
type Frame struct {
	buf []byte
}

// RawData returns the buffer the Frame was constructed from.
func (f Frame) RawData() []byte { return f.buf }

func (f Frame) SourcePort() uint16      { return binary.BigEndian.Uint16(f.buf[0:2]) }
func (f Frame) SetSourcePort(p uint16)  { binary.BigEndian.PutUint16(f.buf[0:2], p) }
func (f Frame) DestinationPort() uint16 { return binary.BigEndian.Uint16(f.buf[2:4]) }
func (f Frame) SetDestinationPort(p uint16) {
	binary.BigEndian.PutUint16(f.buf[2:4], p)
}

// Seq returns the sequence number of the first data octet of this segment,
// or the ISN if SYN is set.
func (f Frame) Seq() seq.Value { return seq.Value(binary.BigEndian.Uint32(f.buf[4:8])) }
func (f Frame) SetSeq(v seq.Value) {
	binary.BigEndian.PutUint32(f.buf[4:8], uint32(v))
}

// Ack returns the next sequence number the sender of this segment expects
// to receive, valid only when ACK is set.
func (f Frame) Ack() seq.Value { return seq.Value(binary.BigEndian.Uint32(f.buf[8:12])) }
func (f Frame) SetAck(v seq.Value) {
	binary.BigEndian.PutUint32(f.buf[8:12], uint32(v))
}

// OffsetAndFlags returns the data offset (in 32-bit words) and flags field.
func (f Frame) OffsetAndFlags() (offset uint8, flags Flags) {
	v := binary.BigEndian.Uint16(f.buf[12:14])
	return uint8(v >> 12), Flags(v).Mask()
}

// SetOffsetAndFlags sets the data offset and flags field. offset is
// expressed in 32-bit words; the minimum valid value is 5.
func (f Frame) SetOffsetAndFlags(offset uint8, flags Flags) {
	binary.BigEndian.PutUint16(f.buf[12:14], uint16(offset)<<12|uint16(flags.Mask()))
}

// HeaderLength returns the header length in bytes, options included.
func (f Frame) HeaderLength() int {
	offset, _ := f.OffsetAndFlags()
	return 4 * int(offset)
}

func (f Frame) WindowSize() uint16     { return binary.BigEndian.Uint16(f.buf[14:16]) }
func (f Frame) SetWindowSize(w uint16) { binary.BigEndian.PutUint16(f.buf[14:16], w) }

// CRC returns the checksum field.
func (f Frame) CRC() uint16 { return binary.BigEndian.Uint16(f.buf[16:18]) }

// SetCRC sets the checksum field.
func (f Frame) SetCRC(crc uint16) { binary.BigEndian.PutUint16(f.buf[16:18], crc) }

func (f Frame) UrgentPtr() uint16     { return binary.BigEndian.Uint16(f.buf[18:20]) }
func (f Frame) SetUrgentPtr(up uint16) { binary.BigEndian.PutUint16(f.buf[18:20], up) }

// Options returns the option bytes between the fixed header and the
// payload. Call [Frame.ValidateSize] first to avoid a panic on malformed
// input.
func (f Frame) Options() []byte { return f.buf[sizeHeader:f.HeaderLength()] }

// Payload returns the segment's data, excluding header and options. Call
// [Frame.ValidateSize] first to avoid a panic on malformed input.
func (f Frame) Payload() []byte { return f.buf[f.HeaderLength():] }

// ClearHeader zeros the fixed-size portion of the header (not options).
func (f Frame) ClearHeader() {
	for i := range f.buf[:sizeHeader] {
		f.buf[i] = 0
	}
}

// Segment returns the abstract [Segment] this frame encodes, given the
// payload length (i.e. len(f.Payload())).
func (f Frame) Segment(payloadLen int) Segment {
	_, flags := f.OffsetAndFlags()
	return Segment{
		SEQ:     f.Seq(),
		ACK:     f.Ack(),
		WND:     seq.Size(f.WindowSize()),
		DATALEN: seq.Size(payloadLen),
		Flags:   flags,
	}
}

// SetSegment writes seg's sequence, ack, flags and window fields into the
// frame. offset is the header length in 32-bit words (minimum 5).
func (f Frame) SetSegment(seg Segment, offset uint8) {
	if seg.WND > math.MaxUint16 {
		panic("tcpseg: window overflow")
	}
	f.SetSeq(seg.SEQ)
	f.SetAck(seg.ACK)
	f.SetOffsetAndFlags(offset, seg.Flags)
	f.SetWindowSize(uint16(seg.WND))
}

// ValidateSize checks the data-offset field against the actual buffer size.
func (f Frame) ValidateSize() error {
	off := f.HeaderLength()
	if off < sizeHeader {
		return wire.ErrInvalidLength
	}
	if off > len(f.buf) {
		return wire.ErrShortBuffer
	}
	return nil
}

// CalculateChecksum computes the TCP checksum over the IPv4 pseudo-header
// (contributed by ip), the TCP header (with the checksum field itself
// treated as zero) and the payload.
func (f Frame) CalculateChecksum(ip ipv4.Frame) uint16 {
	var crc wire.CRC791
	ip.CRCWriteTCPPseudo(&crc)
	stored := f.CRC()
	f.SetCRC(0)
	crc.Write(f.buf[:f.HeaderLength()])
	crc.Write(f.Payload())
	f.SetCRC(stored)
	return crc.Sum16()
}

func (f Frame) String() string {
	off, flags := f.OffsetAndFlags()
	return fmt.Sprintf("TCP :%d -> :%d seq=%d ack=%d wnd=%d hlen=%d %s",
		f.SourcePort(), f.DestinationPort(), f.Seq(), f.Ack(), f.WindowSize(), off*4, flags)
}
