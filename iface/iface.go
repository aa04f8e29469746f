// Package iface is the caller-facing façade over the manager and pump:
// Interface.Bind reserves a port, Listener.TryAccept/Accept hand back a
// Stream per inbound connection, and Stream.Read/Write/Flush/Shutdown move
// bytes and half-close intent through the underlying Connection.
package iface

import (
	"context"
	"errors"

	"github.com/fenwick-systems/tuntcp/manager"
	"github.com/fenwick-systems/tuntcp/tcb"
)

// Re-exported so callers need only import this package.
var (
	ErrWouldBlock  = manager.ErrWouldBlock
	ErrAddrInUse   = manager.ErrAddrInUse
	ErrConnAborted = manager.ErrConnAborted
)

// Interface is the entry point into one tun-backed TCP stack.
type Interface struct {
	mgr *manager.Manager
	dev tcb.Device
}

// New returns an Interface bound to mgr; dev is used by Stream.Write,
// Stream.Flush and Stream.Shutdown, which transmit queued data and FIN
// synchronously with the façade call. The pump never transmits queued data.
func New(mgr *manager.Manager, dev tcb.Device) *Interface {
	return &Interface{mgr: mgr, dev: dev}
}

// Bind reserves port for listening, returning ErrAddrInUse if it is
// already bound.
func (i *Interface) Bind(port uint16) (*Listener, error) {
	if err := i.mgr.Bind(port); err != nil {
		return nil, err
	}
	return &Listener{iface: i, port: port}, nil
}

// Listener is a bound, not-yet-connected local port.
type Listener struct {
	iface *Interface
	port  uint16
}

// TryAccept pops the oldest pending connection, returning ErrWouldBlock if
// none is waiting and ErrConnAborted if the port was unbound.
func (l *Listener) TryAccept() (*Stream, error) {
	q, err := l.iface.mgr.TryAccept(l.port)
	if err != nil {
		return nil, err
	}
	return &Stream{iface: l.iface, quad: q}, nil
}

// Accept blocks until a connection is available or ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	return blockingRetry(ctx, l.iface.mgr, func() (*Stream, error) {
		return l.TryAccept()
	})
}

// Close releases the listening port. Connections already handed out via
// TryAccept are unaffected.
func (l *Listener) Close() error {
	l.iface.mgr.Unbind(l.port)
	return nil
}

// Stream is a single established (or closing) connection.
type Stream struct {
	iface *Interface
	quad  tcb.Quad
}

// lookup resolves the Stream's quad to its Connection. It must only be
// called from inside a Dispatch callback: it uses the lock-free accessor
// because Dispatch already holds the manager lock.
func (s *Stream) lookup() (*tcb.Connection, error) {
	c, ok := s.iface.mgr.LookupLocked(s.quad)
	if !ok {
		return nil, ErrConnAborted
	}
	return c, nil
}

// Read copies up to len(buf) bytes of already-delivered data into buf. It
// returns ErrWouldBlock if no data is available and the connection is
// still open, or ErrConnAborted if the connection no longer exists.
func (s *Stream) Read(buf []byte) (int, error) {
	var n int
	var retErr error
	s.iface.mgr.Dispatch(func() {
		c, err := s.lookup()
		if err != nil {
			retErr = err
			return
		}
		if c.Available() == 0 {
			if c.State == tcb.StateClosed {
				retErr = ErrConnAborted
				return
			}
			retErr = ErrWouldBlock
			return
		}
		n = c.Read(buf)
	})
	return n, retErr
}

// ReadBlocking blocks until at least one byte is available, ctx is done,
// or the connection is aborted.
func (s *Stream) ReadBlocking(ctx context.Context, buf []byte) (int, error) {
	return blockingRetry(ctx, s.iface.mgr, func() (int, error) {
		return s.Read(buf)
	})
}

// Write enqueues up to sendQueueSize-buffered bytes of buf for
// transmission, returning the number accepted (which may be less than
// len(buf), or zero with ErrWouldBlock if the queue is already full).
func (s *Stream) Write(buf []byte) (int, error) {
	var n int
	var retErr error
	s.iface.mgr.Dispatch(func() {
		c, err := s.lookup()
		if err != nil {
			retErr = err
			return
		}
		n = c.Enqueue(buf)
		if n == 0 && len(buf) > 0 {
			retErr = ErrWouldBlock
			return
		}
		sent, err := c.Flush(s.iface.dev)
		if err != nil {
			retErr = err
			return
		}
		s.iface.mgr.Metrics().BytesSent.Add(float64(sent))
	})
	return n, retErr
}

// Flush reports ErrWouldBlock while unacknowledged bytes remain queued,
// and nil once the queue has fully drained.
func (s *Stream) Flush() error {
	var retErr error
	s.iface.mgr.Dispatch(func() {
		c, err := s.lookup()
		if err != nil {
			retErr = err
			return
		}
		sent, err := c.Flush(s.iface.dev)
		if err != nil {
			retErr = err
			return
		}
		s.iface.mgr.Metrics().BytesSent.Add(float64(sent))
		if c.Unacked() > 0 {
			retErr = ErrWouldBlock
		}
	})
	return retErr
}

// ShutdownMode selects which half of the connection to close. Only
// ShutdownWrite is meaningful in the simple core: it requests a FIN be
// sent once every queued byte has been transmitted.
type ShutdownMode int

const (
	ShutdownWrite ShutdownMode = iota
)

// Shutdown marks the caller's intent to half-close and flushes at once:
// any queued bytes not yet transmitted go out, followed by FIN if the
// connection is ESTABLISHED or CLOSE-WAIT.
func (s *Stream) Shutdown(how ShutdownMode) error {
	var retErr error
	s.iface.mgr.Dispatch(func() {
		c, err := s.lookup()
		if err != nil {
			retErr = err
			return
		}
		c.RequestShutdown()
		_, retErr = c.Flush(s.iface.dev)
	})
	return retErr
}

// blockingRetry polls op, sleeping on the manager's condition variable
// between attempts, until op stops returning ErrWouldBlock or ctx is
// done.
func blockingRetry[T any](ctx context.Context, mgr *manager.Manager, op func() (T, error)) (T, error) {
	for {
		v, err := op()
		if !errors.Is(err, ErrWouldBlock) {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		default:
		}
		waitOnCond(mgr, ctx)
	}
}

// waitOnCond blocks on mgr's condition variable, or until ctx is done,
// whichever comes first. A cancelled ctx leaves the spawned goroutine
// parked in mgr.Wait() until the next Broadcast (any subsequent segment
// dispatch) wakes it; this is the accepted cost of layering context
// cancellation over sync.Cond without a richer per-call wakeup channel.
func waitOnCond(mgr *manager.Manager, ctx context.Context) {
	done := make(chan struct{})
	go func() {
		mgr.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}
