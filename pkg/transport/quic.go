package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicConfig returns the QUIC tuning shared by both endpoints. Idle timeout
// is generous because liveness is handled by application-level ALIVE PDUs.
func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout: 2 * time.Minute,
	}
}

// quicLink adapts a QUIC connection to the Link interface. Accepted and
// locally opened streams are tracked by id so replies and forwards can target
// the stream an exchange arrived on.
type quicLink struct {
	conn quic.Connection

	mu      sync.Mutex
	streams map[int64]quic.Stream

	events chan StreamEvent
	ctx    context.Context
	cancel context.CancelFunc
}

func newQUICLink(conn quic.Connection) *quicLink {
	ctx, cancel := context.WithCancel(context.Background())
	l := &quicLink{
		conn:    conn,
		streams: make(map[int64]quic.Stream),
		events:  make(chan StreamEvent, 64),
		ctx:     ctx,
		cancel:  cancel,
	}
	go l.acceptLoop()
	return l
}

// DialQUIC connects to a chat server and returns the established link.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Link, error) {
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	conn, err := quic.DialAddr(ctx, addr, conf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return newQUICLink(conn), nil
}

// WrapQUIC adapts an already-accepted QUIC connection (server side).
func WrapQUIC(conn quic.Connection) Link {
	return newQUICLink(conn)
}

// acceptLoop registers peer-initiated streams and spawns a frame reader per
// stream.
func (l *quicLink) acceptLoop() {
	for {
		stream, err := l.conn.AcceptStream(l.ctx)
		if err != nil {
			l.cancel()
			return
		}
		id := int64(stream.StreamID())
		l.mu.Lock()
		l.streams[id] = stream
		l.mu.Unlock()
		go l.readLoop(id, stream)
	}
}

// readLoop turns a stream's byte flow into one StreamEvent per frame.
func (l *quicLink) readLoop(id int64, stream quic.Stream) {
	for {
		payload, err := ReadFrame(stream)
		if err != nil {
			if err != io.EOF {
				slog.Debug("stream read ended", "stream", id, "err", err)
			}
			l.deliver(StreamEvent{StreamID: id, EndStream: true})
			return
		}
		l.deliver(StreamEvent{StreamID: id, Data: payload})
	}
}

func (l *quicLink) deliver(ev StreamEvent) {
	select {
	case l.events <- ev:
	case <-l.ctx.Done():
	}
}

// Send writes one frame to the stream named by the event, closing the write
// side when EndStream is set.
func (l *quicLink) Send(ev StreamEvent) error {
	select {
	case <-l.ctx.Done():
		return ErrClosed
	default:
	}

	l.mu.Lock()
	stream, ok := l.streams[ev.StreamID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: unknown stream %d", ev.StreamID)
	}

	l.mu.Lock()
	err := WriteFrame(stream, ev.Data)
	l.mu.Unlock()
	if err != nil {
		return err
	}
	if ev.EndStream {
		return stream.Close()
	}
	return nil
}

// Receive yields the next unit from any stream.
func (l *quicLink) Receive(ctx context.Context) (StreamEvent, error) {
	select {
	case ev := <-l.events:
		return ev, nil
	default:
	}
	select {
	case ev := <-l.events:
		return ev, nil
	case <-l.ctx.Done():
		return StreamEvent{}, ErrClosed
	case <-ctx.Done():
		return StreamEvent{}, ctx.Err()
	}
}

// NewStream opens a bidirectional stream and registers it for reading.
func (l *quicLink) NewStream() (int64, error) {
	stream, err := l.conn.OpenStreamSync(l.ctx)
	if err != nil {
		return 0, fmt.Errorf("transport: open stream: %w", err)
	}
	id := int64(stream.StreamID())
	l.mu.Lock()
	l.streams[id] = stream
	l.mu.Unlock()
	go l.readLoop(id, stream)
	return id, nil
}

// Close tears down the connection.
func (l *quicLink) Close() error {
	l.cancel()
	return l.conn.CloseWithError(0, "closed")
}

// Listener accepts chat connections over QUIC.
type Listener struct {
	ql *quic.Listener
}

// Listen binds a QUIC listener on addr.
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	ql, err := quic.ListenAddr(addr, conf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until the next connection's handshake completes.
func (l *Listener) Accept(ctx context.Context) (Link, error) {
	conn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return WrapQUIC(conn), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

// Close stops accepting connections.
func (l *Listener) Close() error {
	return l.ql.Close()
}
