package tcpseg

import (
	"math/bits"

	"github.com/fenwick-systems/tuntcp/seq"
)

// Flags is the bit-masked TCP control-flags field.
type Flags uint16

const (
	FlagFIN Flags = 1 << iota
	FlagSYN
	FlagRST
	FlagPSH
	FlagACK
	FlagURG
	FlagECE
	FlagCWR
	FlagNS
)

const flagMask = 0x01ff

const (
	synack = FlagSYN | FlagACK
	finack = FlagFIN | FlagACK
)

// HasAll reports whether every flag in mask is set.
func (f Flags) HasAll(mask Flags) bool { return f&mask == mask }

// HasAny reports whether any flag in mask is set.
func (f Flags) HasAny(mask Flags) bool { return f&mask != 0 }

// Mask clears any bit outside the defined flag range.
func (f Flags) Mask() Flags { return f & flagMask }

func (f Flags) String() string {
	switch f {
	case 0:
		return "[]"
	case synack:
		return "[SYN,ACK]"
	case finack:
		return "[FIN,ACK]"
	case FlagACK:
		return "[ACK]"
	case FlagSYN:
		return "[SYN]"
	case FlagFIN:
		return "[FIN]"
	case FlagRST:
		return "[RST]"
	}
	buf := make([]byte, 0, 2+4*bits.OnesCount16(uint16(f)))
	buf = append(buf, '[')
	buf = f.AppendFormat(buf)
	buf = append(buf, ']')
	return string(buf)
}

// AppendFormat appends a human-readable, comma-separated flag list to b.
func (f Flags) AppendFormat(b []byte) []byte {
	names := [...]string{"FIN", "SYN", "RST", "PSH", "ACK", "URG", "ECE", "CWR", "NS"}
	first := true
	for rem := f; rem != 0; {
		i := bits.TrailingZeros16(uint16(rem))
		if !first {
			b = append(b, ',')
		}
		first = false
		b = append(b, names[i]...)
		rem &= ^(1 << i)
	}
	return b
}

// Segment is the abstract description of an incoming or outgoing TCP
// segment, decoupled from its wire encoding: everything the connection
// state machine needs to reason about sequence-space acceptability.
type Segment struct {
	SEQ     seq.Value
	ACK     seq.Value
	DATALEN seq.Size
	WND     seq.Size
	Flags   Flags
}

// LEN returns the number of sequence numbers the segment occupies,
// including one each for SYN and FIN if set.
func (s Segment) LEN() seq.Size {
	n := s.DATALEN
	if s.Flags.HasAny(FlagSYN) {
		n++
	}
	if s.Flags.HasAny(FlagFIN) {
		n++
	}
	return n
}

// Last returns the sequence number of the segment's final octet. For a
// zero-length segment this is SEQ itself (RFC 9293 section 3.4 treats a
// bare ACK's SEQ as occupying no sequence space but still checks SEQ for
// acceptability).
func (s Segment) Last() seq.Value {
	n := s.LEN()
	if n == 0 {
		return s.SEQ
	}
	return s.SEQ.Add(n - 1)
}
