package tcb

import "github.com/fenwick-systems/tuntcp/seq"

// SendSequenceSpace is SND.* from RFC 9293 section 3.3.1.
type SendSequenceSpace struct {
	ISS seq.Value // initial send sequence number
	UNA seq.Value // oldest unacknowledged sequence number
	NXT seq.Value // next sequence number to send
	WND seq.Size  // peer-advertised window
	UP  bool      // urgent pointer flag; unused, kept for completeness
	WL1 seq.Value // seg.seq of the last segment used to update WND
	WL2 seq.Value // seg.ack of the last segment used to update WND
}

// RecvSequenceSpace is RCV.* from RFC 9293 section 3.3.1.
type RecvSequenceSpace struct {
	IRS seq.Value // initial receive sequence number
	NXT seq.Value // next sequence number expected
	WND seq.Size  // our advertised window; constant in this implementation
	UP  bool      // urgent pointer flag; unused, kept for completeness
}
