// Package manager owns the process-global connection registry: the map
// from 4-tuple to Connection, and the per-port queues of newly-accepted
// connections awaiting application pickup. Every operation that touches
// either map runs under a single mutex; the manager also carries the
// sync.Cond that lets the façade offer blocking helpers on top of the
// non-blocking primitives.
package manager

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/fenwick-systems/tuntcp/internal"
	"github.com/fenwick-systems/tuntcp/tcb"
)

// Errors returned by the façade-facing operations below.
var (
	ErrWouldBlock  = errors.New("manager: would block")
	ErrAddrInUse   = errors.New("manager: address in use")
	ErrConnAborted = errors.New("manager: connection aborted")
)

// Manager is the connection registry. The zero value is not ready to use;
// call New.
type Manager struct {
	mu          sync.Mutex
	cond        *sync.Cond
	connections map[tcb.Quad]*tcb.Connection
	pending     map[uint16][]tcb.Quad
	metrics     *Metrics
	log         *slog.Logger
}

// New returns an empty Manager. metrics must not be nil; construct one
// with NewMetrics even in tests (point it at a scratch registry).
func New(metrics *Metrics, log *slog.Logger) *Manager {
	m := &Manager{
		connections: make(map[tcb.Quad]*tcb.Connection),
		pending:     make(map[uint16][]tcb.Quad),
		metrics:     metrics,
		log:         log,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *Manager) logger() logger { return logger{m.log} }

type logger struct{ log *slog.Logger }

func (l logger) debug(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, slog.LevelDebug, msg, attrs...)
}
func (l logger) trace(msg string, attrs ...slog.Attr) {
	internal.LogAttrs(l.log, internal.LevelTrace, msg, attrs...)
}

// Bind reserves port for listening. It fails with ErrAddrInUse if the
// port already has a pending queue (i.e. is already bound).
func (m *Manager) Bind(port uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[port]; ok {
		return ErrAddrInUse
	}
	m.pending[port] = nil
	m.logger().debug("manager: port bound", slog.Uint64("port", uint64(port)))
	return nil
}

// Unbind releases port and discards its pending queue. Connections that
// were still queued for pickup stay registered but can no longer be
// accepted; connections already handed out via TryAccept are unaffected.
func (m *Manager) Unbind(port uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, port)
}

// TryAccept pops the oldest pending connection on port. It returns
// ErrConnAborted if port is not currently bound (never panics on a
// concurrently-unbound port), and ErrWouldBlock if no connection is
// waiting.
func (m *Manager) TryAccept(port uint16) (tcb.Quad, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queue, ok := m.pending[port]
	if !ok {
		return tcb.Quad{}, ErrConnAborted
	}
	if len(queue) == 0 {
		return tcb.Quad{}, ErrWouldBlock
	}
	q := queue[0]
	m.pending[port] = queue[1:]
	return q, nil
}

// Lookup returns the Connection for q, if any. It takes the manager lock
// itself; callers already running inside a Dispatch callback must use
// LookupLocked instead, or they will deadlock on the non-reentrant mutex.
func (m *Manager) Lookup(q tcb.Quad) (*tcb.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LookupLocked(q)
}

// LookupLocked is Lookup's lock-free counterpart, for use only from within
// a Dispatch callback (the manager lock is already held there).
func (m *Manager) LookupLocked(q tcb.Quad) (*tcb.Connection, bool) {
	c, ok := m.connections[q]
	return c, ok
}

// Insert registers a freshly-accepted connection and enqueues its quad on
// its local port's pending queue for later TryAccept pickup. Like Lookup,
// it locks itself; use InsertLocked from inside a Dispatch callback.
func (m *Manager) Insert(c *tcb.Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertLocked(c)
}

// InsertLocked is Insert's lock-free counterpart. It does not broadcast
// the condition variable itself; Dispatch does that once after the whole
// callback returns. The quad only joins the pending queue while its local
// port is bound, preserving the invariant that pending entries exist
// exactly while a listener holds the port.
func (m *Manager) InsertLocked(c *tcb.Connection) {
	m.connections[c.Quad] = c
	if _, bound := m.pending[c.Quad.LocalPort]; bound {
		m.pending[c.Quad.LocalPort] = append(m.pending[c.Quad.LocalPort], c.Quad)
	}
	m.metrics.ConnectionsActive.Inc()
	m.metrics.ConnectionsAccepted.Inc()
	m.logger().debug("manager: connection registered", slog.Any("quad", c.Quad), slog.String("id", c.ID.String()))
}

// Remove drops a connection from the registry once it has reached Closed.
func (m *Manager) Remove(q tcb.Quad) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RemoveLocked(q)
}

// RemoveLocked is Remove's lock-free counterpart, for use inside Dispatch.
func (m *Manager) RemoveLocked(q tcb.Quad) {
	if _, ok := m.connections[q]; ok {
		delete(m.connections, q)
		m.metrics.ConnectionsActive.Dec()
	}
}

// IsBound reports whether port currently has a listener (used by the pump
// to decide whether an unmatched SYN should trigger Accept).
func (m *Manager) IsBound(port uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.IsBoundLocked(port)
}

// IsBoundLocked is IsBound's lock-free counterpart, for use inside Dispatch.
func (m *Manager) IsBoundLocked(port uint16) bool {
	_, ok := m.pending[port]
	return ok
}

// Dispatch runs fn with the manager lock held, then broadcasts the
// condition variable so blocked callers re-check their predicate. Every
// segment-processing step (§4.5 of the packet pump) and every façade
// operation that mutates connection state goes through this; fn must use
// the *Locked accessors above, never the self-locking ones, or it will
// deadlock against the lock Dispatch is already holding.
func (m *Manager) Dispatch(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
	m.cond.Broadcast()
}

// Wait blocks the calling goroutine on the manager's condition variable.
// Callers must hold no lock when calling Wait and must re-check their
// predicate in a loop; it exists so façade blocking helpers (ReadBlocking,
// Listener.Accept) can avoid busy-polling TryAccept/Read.
func (m *Manager) Wait() {
	m.mu.Lock()
	m.cond.Wait()
	m.mu.Unlock()
}

// Metrics exposes the manager's metric handles; the pump records drop
// reasons and received bytes through them, and the façade sent bytes.
func (m *Manager) Metrics() *Metrics { return m.metrics }
