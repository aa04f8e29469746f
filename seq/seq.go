// Package seq implements the 32-bit modular sequence-number arithmetic
// required by RFC 9293 section 3.4 and RFC 1323 appendix. All sequence
// comparisons in this module go through [Value]'s methods; a bare `<`/`>`
// on a Value anywhere else in this codebase is a bug.
package seq

// Value is a TCP sequence or acknowledgment number. It wraps modulo 2**32.
type Value uint32

// Size is a segment length or window size, bounded to 16 bits on the wire
// but kept as a wider type here so that arithmetic over a window ending
// near the top of the sequence space does not itself overflow.
type Size uint32

// Add returns v+delta using wrapping (modular) addition.
func (v Value) Add(delta Size) Value {
	return v + Value(delta)
}

// Sub returns the forward distance from other to v, i.e. the Size that
// satisfies other.Add(result) == v. Only meaningful when v is "ahead of"
// other within one half of the sequence space.
func (v Value) Sub(other Value) Size {
	return Size(v - other)
}

// LessThan reports whether v is strictly before other in modular sequence
// order (RFC 1323's half-space rule, a.k.a. wrapping_lt). It is the sole
// primitive from which every other ordering predicate in this package is
// built.
func (v Value) LessThan(other Value) bool {
	return int32(other-v) > 0
}

// LessThanEq reports whether v is before or equal to other in modular order.
func (v Value) LessThanEq(other Value) bool {
	return v == other || v.LessThan(other)
}

// Between reports whether v lies strictly inside the open arc (start, end)
// going forward from start to end modulo 2**32 (a.k.a. between_wrapped).
func (v Value) Between(start, end Value) bool {
	return start.LessThan(v) && v.LessThan(end)
}

// InWindow reports whether v lies in [winStart, winStart+winSize), the
// half-open acceptance window RFC 9293 uses for both the send and receive
// sequence spaces. A zero-size window only accepts the window's start
// sequence itself.
func (v Value) InWindow(winStart Value, winSize Size) bool {
	if winSize == 0 {
		return v == winStart
	}
	return v == winStart || v.Between(winStart-1, winStart.Add(winSize))
}
