package tcb

import (
	"testing"

	"github.com/fenwick-systems/tuntcp/internal"
	"github.com/fenwick-systems/tuntcp/seq"
	"github.com/fenwick-systems/tuntcp/tcpseg"
)

// fakeDevice records every datagram handed to Send for inspection.
type fakeDevice struct {
	sent [][]byte
}

func (d *fakeDevice) Send(buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.sent = append(d.sent, cp)
	return nil
}

func (d *fakeDevice) last() (ip, tcp []byte) {
	buf := d.sent[len(d.sent)-1]
	return buf[:20], buf[20:]
}

func testQuad() Quad {
	return Quad{
		RemoteAddr: [4]byte{192, 168, 0, 1},
		RemotePort: 34562,
		LocalAddr:  [4]byte{192, 168, 0, 40},
		LocalPort:  1000,
	}
}

func zeroISS() seq.Value { return 0 }

// TestS1ThreeWayHandshake follows the literal byte values from the
// three-way-handshake scenario: SYN arrives, SYN+ACK is emitted, then the
// peer's final ACK establishes the connection.
func TestS1ThreeWayHandshake(t *testing.T) {
	dev := &fakeDevice{}
	synSeq := seq.Value(0x77344604)
	syn := tcpseg.Segment{SEQ: synSeq, Flags: tcpseg.FlagSYN, WND: 64240}

	c, err := Accept(testQuad(), syn, zeroISS, nil, dev)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if c.State != StateSynRcvd {
		t.Fatalf("state = %v, want SynRcvd", c.State)
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected one emitted SYN+ACK, got %d", len(dev.sent))
	}
	_, tcpBuf := dev.last()
	tf, _ := tcpseg.NewFrame(tcpBuf)
	_, flags := tf.OffsetAndFlags()
	if !flags.HasAll(tcpseg.FlagSYN | tcpseg.FlagACK) {
		t.Errorf("expected SYN+ACK, got %s", flags)
	}
	if tf.Seq() != 0 {
		t.Errorf("SYN+ACK seq = %d, want 0 (ISS)", tf.Seq())
	}
	if tf.Ack() != synSeq.Add(1) {
		t.Errorf("SYN+ACK ack = %d, want %d", tf.Ack(), synSeq.Add(1))
	}
	if c.SND.NXT != c.SND.ISS.Add(1) {
		t.Errorf("SND.NXT = %d after SYN, want ISS+1: the SYN consumes one sequence number", c.SND.NXT)
	}

	finalAck := tcpseg.Segment{SEQ: synSeq.Add(1), ACK: 1, Flags: tcpseg.FlagACK}
	if _, err := c.OnSegment(dev, finalAck, nil); err != nil {
		t.Fatalf("OnSegment: %v", err)
	}
	if c.State != StateEstab {
		t.Fatalf("state = %v, want Estab", c.State)
	}
}

// TestS2UnacceptableSegment checks that a wildly out-of-window segment
// elicits exactly one empty ACK and no state change.
func TestS2UnacceptableSegment(t *testing.T) {
	dev := &fakeDevice{}
	c := &Connection{
		State:    StateEstab,
		RCV:      RecvSequenceSpace{NXT: 0x77344605, WND: 1024},
		SND:      SendSequenceSpace{ISS: 100, UNA: 100, NXT: 100},
		unacked:  internal.NewQueue(sendQueueSize),
		incoming: internal.NewQueue(recvWindow),
	}
	seg := tcpseg.Segment{SEQ: c.RCV.NXT.Add(2000), Flags: tcpseg.FlagACK, ACK: 100}
	if _, err := c.OnSegment(dev, seg, nil); err != nil {
		t.Fatalf("OnSegment: %v", err)
	}
	if c.State != StateEstab {
		t.Errorf("state changed to %v on unacceptable segment", c.State)
	}
	if len(dev.sent) != 1 {
		t.Fatalf("expected exactly one outbound ACK, got %d", len(dev.sent))
	}
	_, tcpBuf := dev.last()
	tf, _ := tcpseg.NewFrame(tcpBuf)
	if tf.Ack() != 0x77344605 {
		t.Errorf("ack = %d, want 0x77344605", tf.Ack())
	}
}

func TestS5WriteBuffering(t *testing.T) {
	c := &Connection{
		State:    StateEstab,
		unacked:  internal.NewQueue(sendQueueSize),
		incoming: internal.NewQueue(recvWindow),
	}
	buf := make([]byte, 2000)
	n := c.Enqueue(buf)
	if n != 1024 {
		t.Fatalf("Enqueue = %d, want 1024", n)
	}
	if n2 := c.Enqueue([]byte("x")); n2 != 0 {
		t.Fatalf("second Enqueue = %d, want 0 (full)", n2)
	}
}

func TestS6HalfClose(t *testing.T) {
	dev := &fakeDevice{}
	synSeq := seq.Value(1000)
	syn := tcpseg.Segment{SEQ: synSeq, Flags: tcpseg.FlagSYN, WND: 1024}
	c, err := Accept(testQuad(), syn, zeroISS, nil, dev)
	if err != nil {
		t.Fatal(err)
	}
	est := tcpseg.Segment{SEQ: synSeq.Add(1), ACK: 1, Flags: tcpseg.FlagACK}
	if _, err := c.OnSegment(dev, est, nil); err != nil {
		t.Fatal(err)
	}
	if c.State != StateEstab {
		t.Fatalf("state = %v, want Estab", c.State)
	}

	c.RequestShutdown()
	if _, err := c.Flush(dev); err != nil {
		t.Fatal(err)
	}
	if c.State != StateFinWait1 {
		t.Fatalf("state = %v, want FinWait1", c.State)
	}
	if c.SND.NXT != c.SND.ISS.Add(2) {
		t.Errorf("SND.NXT = %d after FIN, want ISS+2: the FIN consumes one sequence number", c.SND.NXT)
	}

	peerAckOfFin := tcpseg.Segment{SEQ: synSeq.Add(1), ACK: c.SND.ISS.Add(2), Flags: tcpseg.FlagACK}
	if _, err := c.OnSegment(dev, peerAckOfFin, nil); err != nil {
		t.Fatal(err)
	}
	if c.State != StateFinWait2 {
		t.Fatalf("state = %v, want FinWait2", c.State)
	}

	peerFin := tcpseg.Segment{SEQ: synSeq.Add(1), ACK: c.SND.ISS.Add(2), Flags: tcpseg.FlagFIN | tcpseg.FlagACK}
	if _, err := c.OnSegment(dev, peerFin, nil); err != nil {
		t.Fatal(err)
	}
	if c.State != StateTimeWait {
		t.Fatalf("state = %v, want TimeWait", c.State)
	}
}

// TestOnSegmentDeliversPayload checks that data carried by an acceptable
// segment reaches the incoming queue in order, across more than one
// segment, so Stream.Read has something real to drain.
func TestOnSegmentDeliversPayload(t *testing.T) {
	dev := &fakeDevice{}
	synSeq := seq.Value(1000)
	syn := tcpseg.Segment{SEQ: synSeq, Flags: tcpseg.FlagSYN, WND: 1024}
	c, err := Accept(testQuad(), syn, zeroISS, nil, dev)
	if err != nil {
		t.Fatal(err)
	}
	est := tcpseg.Segment{SEQ: synSeq.Add(1), ACK: 1, Flags: tcpseg.FlagACK}
	if _, err := c.OnSegment(dev, est, nil); err != nil {
		t.Fatal(err)
	}

	data1 := []byte("hello ")
	seg1 := tcpseg.Segment{SEQ: synSeq.Add(1), ACK: 1, Flags: tcpseg.FlagACK, DATALEN: seq.Size(len(data1))}
	n, err := c.OnSegment(dev, seg1, data1)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(data1) {
		t.Fatalf("delivered = %d, want %d", n, len(data1))
	}

	data2 := []byte("world")
	seg2 := tcpseg.Segment{SEQ: synSeq.Add(1).Add(seq.Size(len(data1))), ACK: 1, Flags: tcpseg.FlagACK, DATALEN: seq.Size(len(data2))}
	if _, err := c.OnSegment(dev, seg2, data2); err != nil {
		t.Fatal(err)
	}

	if got := c.Available(); got != len(data1)+len(data2) {
		t.Fatalf("Available = %d, want %d", got, len(data1)+len(data2))
	}
	buf := make([]byte, len(data1)+len(data2))
	read := c.Read(buf)
	if read != len(buf) {
		t.Fatalf("Read = %d, want %d", read, len(buf))
	}
	if string(buf) != "hello world" {
		t.Fatalf("Read payload = %q, want %q", buf, "hello world")
	}
}

// TestAcceptabilityTable exercises every row of the RFC 9293 section 3.3
// acceptability table, including the wrap-around straddle case.
func TestAcceptabilityTable(t *testing.T) {
	tests := []struct {
		name string
		nxt  seq.Value
		wnd  seq.Size
		seg  tcpseg.Segment
		want bool
	}{
		{"len0 wnd0 at nxt", 100, 0, tcpseg.Segment{SEQ: 100}, true},
		{"len0 wnd0 off nxt", 100, 0, tcpseg.Segment{SEQ: 101}, false},
		{"len0 wnd>0 at nxt", 100, 10, tcpseg.Segment{SEQ: 100}, true},
		{"len0 wnd>0 last in window", 100, 10, tcpseg.Segment{SEQ: 109}, true},
		{"len0 wnd>0 past window", 100, 10, tcpseg.Segment{SEQ: 110}, false},
		{"len0 wnd>0 before nxt", 100, 10, tcpseg.Segment{SEQ: 99}, false},
		{"len>0 wnd0 never", 100, 0, tcpseg.Segment{SEQ: 100, DATALEN: 1}, false},
		{"len>0 wnd>0 in order", 100, 10, tcpseg.Segment{SEQ: 100, DATALEN: 5}, true},
		{"len>0 wnd>0 straddles start", 100, 10, tcpseg.Segment{SEQ: 95, DATALEN: 10}, true},
		{"len>0 wnd>0 fully behind", 100, 10, tcpseg.Segment{SEQ: 80, DATALEN: 5}, false},
		{"len>0 wnd>0 fully ahead", 100, 10, tcpseg.Segment{SEQ: 2100, DATALEN: 5}, false},
		{"wraparound straddle", 0xFFFFFFFE, 10, tcpseg.Segment{SEQ: 0xFFFFFFFE, DATALEN: 5}, true},
	}
	for _, tt := range tests {
		c := &Connection{State: StateEstab, RCV: RecvSequenceSpace{NXT: tt.nxt, WND: tt.wnd}}
		if got := c.acceptable(tt.seg, tt.seg.LEN()); got != tt.want {
			t.Errorf("%s: acceptable = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestMonotoneUNA(t *testing.T) {
	c := &Connection{
		State:   StateEstab,
		SND:     SendSequenceSpace{ISS: 0, UNA: 0, NXT: 100},
		unacked: internal.NewQueue(sendQueueSize),
	}
	dev := &fakeDevice{}
	prev := c.SND.UNA
	for _, ack := range []seq.Value{10, 5, 50, 50, 90} {
		_, _ = c.OnSegment(dev, tcpseg.Segment{SEQ: 0, ACK: ack, Flags: tcpseg.FlagACK}, nil)
		if c.SND.UNA.LessThan(prev) {
			t.Fatalf("UNA decreased: %d then %d", prev, c.SND.UNA)
		}
		prev = c.SND.UNA
	}
}

func TestNoDoubleAckAdvance(t *testing.T) {
	c := &Connection{
		State:   StateEstab,
		SND:     SendSequenceSpace{ISS: 0, UNA: 50, NXT: 100},
		unacked: internal.NewQueue(sendQueueSize),
	}
	c.Enqueue(make([]byte, 50))
	dev := &fakeDevice{}
	before := c.unacked.Buffered()
	// Duplicate/old ACK at or below UNA must not advance anything.
	_, _ = c.OnSegment(dev, tcpseg.Segment{SEQ: 0, ACK: 50, Flags: tcpseg.FlagACK}, nil)
	if c.SND.UNA != 50 {
		t.Errorf("UNA advanced on duplicate ACK: %d", c.SND.UNA)
	}
	if c.unacked.Buffered() != before {
		t.Errorf("unacked shrank on duplicate ACK")
	}
}
