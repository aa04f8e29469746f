// Package pump runs the single goroutine that owns the tun device: it
// reads one IPv4 datagram at a time, parses it down to a TCP segment, and
// dispatches the segment to the connection manager under its lock.
package pump

import (
	"log/slog"

	"github.com/fenwick-systems/tuntcp/internal"
	"github.com/fenwick-systems/tuntcp/ipv4"
	"github.com/fenwick-systems/tuntcp/manager"
	"github.com/fenwick-systems/tuntcp/tcb"
	"github.com/fenwick-systems/tuntcp/tcpseg"
)

// maxDatagram bounds a single Recv call; larger inbound datagrams are a
// protocol violation for the point-to-point links this pump expects.
const maxDatagram = 1504

// Device is the tun device's egress/ingress surface. Recv reads exactly
// one IPv4 datagram per call (no link-layer framing); Send transmits one.
type Device interface {
	Recv(buf []byte) (int, error)
	Send(buf []byte) error
	Close() error
}

// Pump owns dev and mgr for its lifetime. Run must be called from its own
// goroutine; it returns when dev.Recv returns a non-nil error (including
// on Close).
type Pump struct {
	dev     Device
	mgr     *manager.Manager
	iss     tcb.ISSSource
	log     *slog.Logger
	metrics *manager.Metrics
	done    chan struct{}
	err     error
}

// New returns a Pump ready to Run. iss may be nil to use tcb.RandomISS.
func New(dev Device, mgr *manager.Manager, iss tcb.ISSSource, log *slog.Logger) *Pump {
	return &Pump{
		dev:     dev,
		mgr:     mgr,
		iss:     iss,
		log:     log,
		metrics: mgr.Metrics(),
		done:    make(chan struct{}),
	}
}

func (p *Pump) logger() logger { return logger{p.log} }

type logger struct{ log *slog.Logger }

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

// Done is closed once Run has returned; Err then reports why.
func (p *Pump) Done() <-chan struct{} { return p.done }

// Err returns the error that stopped the pump, valid only after Done is
// closed.
func (p *Pump) Err() error { return p.err }

// Run reads datagrams from the device until it errors, dispatching each
// to the manager. It blocks; callers run it in its own goroutine.
func (p *Pump) Run() {
	defer close(p.done)
	buf := make([]byte, maxDatagram)
	for {
		n, err := p.dev.Recv(buf)
		if err != nil {
			p.err = err
			return
		}
		p.handleDatagram(buf[:n])
	}
}

func (p *Pump) handleDatagram(datagram []byte) {
	ip, err := ipv4.NewFrame(datagram)
	if err != nil {
		p.drop("short_ip", err)
		return
	}
	if err := ip.ValidateSize(); err != nil {
		p.drop("bad_ip_header", err)
		return
	}
	if ip.Protocol() != ipv4.ProtoTCP {
		p.drop("not_tcp", nil)
		return
	}

	tcpBuf := datagram[ip.HeaderLength():ip.TotalLength()]
	tf, err := tcpseg.NewFrame(tcpBuf)
	if err != nil {
		p.drop("short_tcp", err)
		return
	}
	if err := tf.ValidateSize(); err != nil {
		p.drop("bad_tcp_header", err)
		return
	}

	payload := tf.Payload()
	seg := tf.Segment(len(payload))
	quad := tcb.Quad{
		RemoteAddr: *ip.SourceAddr(),
		RemotePort: tf.SourcePort(),
		LocalAddr:  *ip.DestinationAddr(),
		LocalPort:  tf.DestinationPort(),
	}

	p.logger().trace("pump: datagram", slog.Any("quad", quad), slog.String("flags", seg.Flags.String()))

	p.mgr.Dispatch(func() {
		if conn, ok := p.mgr.LookupLocked(quad); ok {
			n, err := conn.OnSegment(p.dev, seg, payload)
			if err != nil {
				p.logger().debug("pump: OnSegment failed", slog.Any("quad", quad), slog.String("err", err.Error()))
			}
			if n > 0 {
				p.metrics.BytesReceived.Add(float64(n))
			}
			if conn.State == tcb.StateClosed {
				p.mgr.RemoveLocked(quad)
			}
			return
		}
		if !seg.Flags.HasAny(tcpseg.FlagSYN) {
			p.metrics.SegmentsDropped.WithLabelValues("unknown_quad").Inc()
			return
		}
		if !p.mgr.IsBoundLocked(quad.LocalPort) {
			p.metrics.SegmentsDropped.WithLabelValues("port_not_bound").Inc()
			return
		}
		conn, err := tcb.Accept(quad, seg, p.iss, p.log, p.dev)
		if err != nil {
			// seg.Flags was already checked for SYN above, so this can
			// only be a Send failure on the SYN+ACK reply.
			p.logger().debug("pump: accept failed", slog.Any("quad", quad), slog.String("err", err.Error()))
			return
		}
		p.mgr.InsertLocked(conn)
	})
}

func (p *Pump) drop(reason string, err error) {
	p.metrics.SegmentsDropped.WithLabelValues(reason).Inc()
	if err != nil {
		p.logger().debug("pump: dropped datagram", slog.String("reason", reason), slog.String("err", err.Error()))
	} else {
		p.logger().debug("pump: dropped datagram", slog.String("reason", reason))
	}
}
