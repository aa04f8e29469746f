package wire

import "errors"

var (
	// ErrShortBuffer is returned when a buffer is too small to hold a fixed
	// header, before any variable-length field has even been consulted.
	ErrShortBuffer = errors.New("wire: short buffer")
	// ErrInvalidLength is returned when a header's self-reported length
	// field disagrees with the buffer actually available.
	ErrInvalidLength = errors.New("wire: invalid length field")
)
