package tcb

import "errors"

var (
	// errNotSyn is returned by Accept, with no connection created, when
	// the triggering segment did not carry SYN. The pump checks for SYN
	// before calling Accept.
	errNotSyn = errors.New("tcb: segment has no SYN")
)
