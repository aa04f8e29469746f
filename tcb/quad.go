// Package tcb implements one Transmission Control Block per connection:
// RFC 9293's state machine, sequence spaces, and byte queues, with no
// knowledge of the tun device or the connection registry that owns it.
package tcb

import (
	"log/slog"

	"github.com/fenwick-systems/tuntcp/internal"
)

// Quad is the 4-tuple identifying one TCP connection. From the local
// node's perspective during passive open, RemoteAddr/RemotePort are the
// peer's and LocalAddr/LocalPort are this node's. It is comparable and
// usable directly as a map key.
type Quad struct {
	RemoteAddr [4]byte
	RemotePort uint16
	LocalAddr  [4]byte
	LocalPort  uint16
}

// LogValue packs both addresses into non-allocating uint64 attrs so a
// Quad can be passed straight to slog.Any without a String round-trip on
// every segment in the hot path.
func (q Quad) LogValue() slog.Value {
	return slog.GroupValue(
		internal.Addr4("remote_addr", &q.RemoteAddr),
		slog.Uint64("remote_port", uint64(q.RemotePort)),
		internal.Addr4("local_addr", &q.LocalAddr),
		slog.Uint64("local_port", uint64(q.LocalPort)),
	)
}
