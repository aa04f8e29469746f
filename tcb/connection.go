package tcb

import (
	"crypto/rand"
	"encoding/binary"
	"log/slog"

	"github.com/rs/xid"

	"github.com/fenwick-systems/tuntcp/internal"
	"github.com/fenwick-systems/tuntcp/ipv4"
	"github.com/fenwick-systems/tuntcp/seq"
	"github.com/fenwick-systems/tuntcp/tcpseg"
)

const (
	recvWindow    = 1024
	sendQueueSize = 1024
	mtu           = 1500
	ttl           = 64
)

// Device is the minimal egress capability a Connection needs: transmit one
// assembled IPv4 datagram. Both the pump and tun packages implement a
// superset of this interface.
type Device interface {
	Send(buf []byte) error
}

// ISSSource produces an initial send sequence number. RandomISS is the
// production source; tests inject a deterministic one.
type ISSSource func() seq.Value

// RandomISS draws an initial sequence number from crypto/rand.
func RandomISS() seq.Value {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("tcb: crypto/rand unavailable: " + err.Error())
	}
	return seq.Value(binary.BigEndian.Uint32(b[:]))
}

// Connection is one Transmission Control Block: state, sequence spaces and
// byte queues for a single 4-tuple. It knows nothing about the registry
// that owns it or the goroutine dispatching segments to it; callers run
// its methods under whatever lock serializes access (see the manager
// package).
type Connection struct {
	ID    xid.ID // correlation ID for grep-ing one connection's log lines
	Quad  Quad
	State State
	SND   SendSequenceSpace
	RCV   RecvSequenceSpace

	incoming *internal.Queue // bytes delivered in order, drained by Stream.Read
	unacked  *internal.Queue // bytes written by the application, not yet ACKed
	unsent   int             // bytes at the front of unacked already transmitted, awaiting ACK

	shutdownRequested bool
	finSent           bool

	log *slog.Logger
}

type logger struct {
	log *slog.Logger
	id  xid.ID
}

func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, append(attrs, slog.String("id", l.id.String()))...)
}
func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, append(attrs, slog.String("id", l.id.String()))...)
}

func (c *Connection) logger() logger { return logger{log: c.log, id: c.ID} }

// Accept constructs a new Connection in response to an inbound SYN and
// transmits the SYN+ACK reply. It returns errNotSyn without side effects
// if syn does not carry the SYN flag, per the accept contract.
func Accept(quad Quad, syn tcpseg.Segment, iss ISSSource, log *slog.Logger, dev Device) (*Connection, error) {
	if !syn.Flags.HasAny(tcpseg.FlagSYN) {
		return nil, errNotSyn
	}
	issVal := RandomISS()
	if iss != nil {
		issVal = iss()
	}
	c := &Connection{
		ID:    xid.New(),
		Quad:  quad,
		State: StateSynRcvd,
		SND: SendSequenceSpace{
			ISS: issVal,
			UNA: issVal,
			NXT: issVal,
			WND: sendQueueSize,
			WL1: syn.SEQ,
			WL2: issVal,
		},
		RCV: RecvSequenceSpace{
			IRS: syn.SEQ,
			NXT: syn.SEQ.Add(1),
			WND: recvWindow,
		},
		incoming: internal.NewQueue(recvWindow),
		unacked:  internal.NewQueue(sendQueueSize),
		log:      log,
	}
	c.logger().debug("tcb: accepted SYN", slog.Any("quad", quad), slog.Uint64("irs", uint64(syn.SEQ)))
	if _, err := c.emit(dev, tcpseg.FlagSYN|tcpseg.FlagACK, nil); err != nil {
		return nil, err
	}
	return c, nil
}

// emit assembles and transmits one IPv4+TCP segment carrying up to
// len(payload) bytes of data, per the write operation: seq/ack are taken
// from the current sequence spaces, the checksum is computed over the
// IPv4 pseudo-header, and SND.NXT is advanced by the number of sequence
// numbers the segment consumes (payload bytes plus one each for SYN/FIN).
func (c *Connection) emit(dev Device, flags tcpseg.Flags, payload []byte) (int, error) {
	const ipHdrLen, tcpHdrLen = 20, 20
	maxPayload := mtu - ipHdrLen - tcpHdrLen
	n := len(payload)
	if n > maxPayload {
		n = maxPayload
	}

	buf := make([]byte, ipHdrLen+tcpHdrLen+n)
	ip, err := ipv4.NewFrame(buf)
	if err != nil {
		return 0, err
	}
	ip.ClearHeader()
	ip.SetVersionAndIHL(4, 5)
	ip.SetTTL(ttl)
	ip.SetProtocol(ipv4.ProtoTCP)
	ip.SetTotalLength(uint16(len(buf)))
	*ip.SourceAddr() = c.Quad.LocalAddr
	*ip.DestinationAddr() = c.Quad.RemoteAddr

	tcp, err := tcpseg.NewFrame(buf[ipHdrLen:])
	if err != nil {
		return 0, err
	}
	tcp.ClearHeader()
	tcp.SetSourcePort(c.Quad.LocalPort)
	tcp.SetDestinationPort(c.Quad.RemotePort)
	seg := tcpseg.Segment{
		SEQ:   c.SND.NXT,
		ACK:   c.RCV.NXT,
		WND:   c.RCV.WND,
		Flags: flags,
	}
	tcp.SetSegment(seg, 5)
	copy(tcp.Payload(), payload[:n])

	ip.SetCRC(ip.CalculateHeaderCRC())
	tcp.SetCRC(tcp.CalculateChecksum(ip))

	if err := dev.Send(buf); err != nil {
		return 0, err
	}

	adv := seq.Size(n)
	if flags.HasAny(tcpseg.FlagSYN) {
		adv++
	}
	if flags.HasAny(tcpseg.FlagFIN) {
		adv++
	}
	c.SND.NXT = c.SND.NXT.Add(adv)
	c.logger().trace("tcb: emitted segment", slog.Any("quad", c.Quad), slog.String("flags", flags.String()), slog.Int("n", n))
	return n, nil
}

// Enqueue appends up to sendQueueSize-buffered bytes of buf to the
// connection's outbound queue, returning the number actually accepted.
// Bytes queued here are transmitted the next time Flush runs.
func (c *Connection) Enqueue(buf []byte) int {
	free := c.unacked.Free()
	if free <= 0 || len(buf) == 0 {
		return 0
	}
	n := len(buf)
	if n > free {
		n = free
	}
	if _, err := c.unacked.Write(buf[:n]); err != nil {
		return 0
	}
	return n
}

// Unacked returns the number of bytes queued by the application that are
// not yet acknowledged by the peer (includes bytes already transmitted
// but still awaiting ACK).
func (c *Connection) Unacked() int { return c.unacked.Buffered() }

// RequestShutdown marks the application's intent to half-close. FIN is
// queued for transmission once all previously-enqueued bytes have been
// sent, per the redesign flag: FIN is never sent automatically.
func (c *Connection) RequestShutdown() { c.shutdownRequested = true }

// Flush transmits any bytes enqueued since the last Flush, plus FIN once a
// shutdown has been requested and every enqueued byte has gone out. It is
// a no-op (returns 0, nil) when there is nothing new to send.
func (c *Connection) Flush(dev Device) (int, error) {
	var chunk [512]byte
	total := 0
	for unsent := c.unacked.Buffered() - c.unsent; unsent > 0; unsent = c.unacked.Buffered() - c.unsent {
		n, err := c.unacked.PeekAt(chunk[:min(unsent, len(chunk))], c.unsent)
		if err != nil && n == 0 {
			return total, err
		}
		sent, err := c.emit(dev, tcpseg.FlagACK, chunk[:n])
		if err != nil {
			return total, err
		}
		c.unsent += sent
		total += sent
	}
	if c.shutdownRequested && !c.finSent {
		switch c.State {
		case StateEstab, StateCloseWait:
			if _, err := c.emit(dev, tcpseg.FlagFIN|tcpseg.FlagACK, nil); err != nil {
				return total, err
			}
			c.finSent = true
			if c.State == StateEstab {
				c.State = StateFinWait1
			} else {
				c.State = StateLastAck
			}
		}
	}
	return total, nil
}

// Read copies up to len(buf) bytes of data already delivered in order from
// the peer into buf, returning the number of bytes copied.
func (c *Connection) Read(buf []byte) int {
	n, err := c.incoming.Read(buf)
	if err != nil {
		return 0
	}
	return n
}

// Available reports how many bytes are ready to be read without blocking.
func (c *Connection) Available() int { return c.incoming.Buffered() }

// OnSegment implements the per-segment state machine (RFC 9293 section
// 3.10.7): acceptability, receive-sequence advance, ACK processing, and FIN
// handling, in that order, for a synchronized or SynRcvd connection. It
// never mutates state for an unacceptable segment beyond sending the
// required ACK. It returns the number of payload bytes delivered into the
// incoming queue for the caller (e.g. a pump collecting metrics).
func (c *Connection) OnSegment(dev Device, seg tcpseg.Segment, payload []byte) (int, error) {
	seglen := seg.LEN()

	if !c.acceptable(seg, seglen) {
		c.logger().debug("tcb: unacceptable segment", slog.Any("quad", c.Quad), slog.Uint64("seq", uint64(seg.SEQ)))
		_, err := c.emit(dev, tcpseg.FlagACK, nil)
		return 0, err
	}

	if len(payload) > 0 && len(payload) > c.incoming.Free() {
		// Queue full: RCV.WND is a constant in this simple core rather
		// than tracking actual free space, so a slow reader can still
		// be handed a segment it has no room for. The segment is dropped
		// before RCV.NXT advances, so the ACK sent back does not cover it
		// and the peer's own retransmission timer recovers the bytes.
		c.logger().debug("tcb: incoming queue full, dropping payload", slog.Any("quad", c.Quad))
		_, err := c.emit(dev, tcpseg.FlagACK, nil)
		return 0, err
	}

	c.RCV.NXT = seg.SEQ.Add(seglen)

	var delivered int
	if len(payload) > 0 {
		if n, err := c.incoming.Write(payload); err == nil {
			delivered = n
		}
	}

	if !seg.Flags.HasAny(tcpseg.FlagACK) {
		return delivered, nil
	}

	if err := c.onAck(dev, seg); err != nil {
		return delivered, err
	}

	if seg.Flags.HasAny(tcpseg.FlagFIN) {
		return delivered, c.onFin(dev)
	}
	return delivered, nil
}

// acceptable implements the acceptability table of RFC 9293 section 3.3.
// RCV.NXT-1 is computed via wrapping subtraction so the open interval
// check in Between includes RCV.NXT itself as the lowest acceptable value.
func (c *Connection) acceptable(seg tcpseg.Segment, seglen seq.Size) bool {
	rcvNxtLess1 := c.RCV.NXT.Add(^seq.Size(0))
	wend := c.RCV.NXT.Add(c.RCV.WND)
	switch {
	case seglen == 0 && c.RCV.WND == 0:
		return seg.SEQ == c.RCV.NXT
	case seglen == 0:
		return seg.SEQ.Between(rcvNxtLess1, wend)
	case c.RCV.WND == 0:
		return false
	default:
		return seg.SEQ.Between(rcvNxtLess1, wend) || seg.Last().Between(rcvNxtLess1, wend)
	}
}

func (c *Connection) onAck(dev Device, seg tcpseg.Segment) error {
	switch c.State {
	case StateSynRcvd:
		// SND.UNA-1 < SEG.ACK < SND.NXT+1, both ends open.
		if seg.ACK.Between(c.SND.UNA.Add(^seq.Size(0)), c.SND.NXT.Add(1)) {
			c.State = StateEstab
			c.SND.UNA = seg.ACK
			c.logger().debug("tcb: SYN-RCVD -> ESTABLISHED", slog.Any("quad", c.Quad))
		}
		return nil
	case StateEstab, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck:
		if !c.inHalfOpenAckRange(seg.ACK) {
			return nil // duplicate ACK
		}
		acked := seg.ACK.Sub(c.SND.UNA)
		c.SND.UNA = seg.ACK
		c.drainAcked(acked)
		c.updateSendWindow(seg)
		if c.State == StateFinWait1 && c.SND.UNA == c.SND.ISS.Add(2) {
			c.State = StateFinWait2
		}
		if c.State == StateLastAck && c.finSent {
			c.State = StateClosed
		}
		return nil
	}
	return nil
}

// updateSendWindow refreshes SND.WND from seg when seg is newer than the
// last window update recorded in WL1/WL2 (RFC 9293 section 3.10.7.4's
// "update the send window" step, using the same wrapped comparisons as
// everything else here). After an update, WL1 = seg.SEQ and WL2 = seg.ACK.
func (c *Connection) updateSendWindow(seg tcpseg.Segment) {
	if c.SND.WL1.LessThan(seg.SEQ) || (c.SND.WL1 == seg.SEQ && c.SND.WL2.LessThanEq(seg.ACK)) {
		c.SND.WND = seg.WND
		c.SND.WL1 = seg.SEQ
		c.SND.WL2 = seg.ACK
	}
}

// inHalfOpenAckRange reports whether ack lies in (SND.UNA, SND.NXT], the
// half-open range that admits a new, non-duplicate ACK.
func (c *Connection) inHalfOpenAckRange(ack seq.Value) bool {
	return ack.Between(c.SND.UNA, c.SND.NXT.Add(1))
}

// drainAcked removes n newly-acknowledged data bytes from the front of
// unacked, adjusting the count of transmitted bytes. n may exceed the
// data actually queued when it also covers the virtual SYN/FIN sequence
// numbers; those consume no ring-buffer bytes.
func (c *Connection) drainAcked(n seq.Size) {
	avail := seq.Size(c.unacked.Buffered())
	if n > avail {
		n = avail
	}
	if n == 0 {
		return
	}
	if err := c.unacked.Discard(int(n)); err != nil {
		return
	}
	c.unsent -= int(n)
	if c.unsent < 0 {
		c.unsent = 0
	}
}

func (c *Connection) onFin(dev Device) error {
	switch c.State {
	case StateFinWait2:
		if _, err := c.emit(dev, tcpseg.FlagACK, nil); err != nil {
			return err
		}
		c.State = StateTimeWait
	case StateEstab:
		if _, err := c.emit(dev, tcpseg.FlagACK, nil); err != nil {
			return err
		}
		c.State = StateCloseWait
	case StateFinWait1:
		if c.SND.UNA == c.SND.ISS.Add(2) {
			c.State = StateTimeWait
		} else {
			c.State = StateClosing
		}
	}
	// RCV.NXT already advanced past the FIN octet in step B (seg.LEN
	// counts it), so no further adjustment is needed here.
	return nil
}
