// Package transport provides the stream transport abstraction the chat
// protocol engines run on, the per-connection state machine, a QUIC-backed
// implementation, and an in-memory pipe for tests.
package transport

import (
	"context"
	"errors"
)

// ALPN is the application protocol name negotiated during the TLS handshake.
const ALPN = "qchat"

// ErrClosed reports an operation on a closed transport link.
var ErrClosed = errors.New("transport: closed")

// StreamEvent is one logical unit exchanged over a stream: exactly one PDU's
// bytes per event.
type StreamEvent struct {
	StreamID  int64
	Data      []byte
	EndStream bool
}

// Link is the minimal transport surface the protocol engines need. A Link
// multiplexes ordered, reliable streams over one connection; Receive suspends
// until a unit arrives or the connection ends.
type Link interface {
	Send(ev StreamEvent) error
	Receive(ctx context.Context) (StreamEvent, error)
	NewStream() (int64, error)
	Close() error
}
