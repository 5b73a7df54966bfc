package transport

import (
	"context"
	"sync"
	"sync/atomic"
)

// pipeShared is the state common to both ends of an in-memory pipe.
type pipeShared struct {
	once sync.Once
	done chan struct{}
}

func (s *pipeShared) close() {
	s.once.Do(func() { close(s.done) })
}

// pipeLink is one end of an in-memory Link pair. Events sent on one end
// arrive in order on the other, which is all the protocol engines assume of
// the real transport.
type pipeLink struct {
	out    chan<- StreamEvent
	in     <-chan StreamEvent
	shared *pipeShared
	nextID *atomic.Int64
	step   int64
}

// Pipe returns two connected Links: events sent on client arrive at server
// and vice versa. Stream ids allocated by the two ends never collide.
func Pipe() (client, server Link) {
	toServer := make(chan StreamEvent, 64)
	toClient := make(chan StreamEvent, 64)
	shared := &pipeShared{done: make(chan struct{})}

	var clientIDs, serverIDs atomic.Int64
	serverIDs.Store(1)

	client = &pipeLink{out: toServer, in: toClient, shared: shared, nextID: &clientIDs, step: 4}
	server = &pipeLink{out: toClient, in: toServer, shared: shared, nextID: &serverIDs, step: 4}
	return client, server
}

func (p *pipeLink) Send(ev StreamEvent) error {
	// Copy so a sender reusing its buffer cannot corrupt a unit in flight.
	if ev.Data != nil {
		data := make([]byte, len(ev.Data))
		copy(data, ev.Data)
		ev.Data = data
	}
	select {
	case <-p.shared.done:
		return ErrClosed
	case p.out <- ev:
		return nil
	}
}

func (p *pipeLink) Receive(ctx context.Context) (StreamEvent, error) {
	// Drain pending events before reporting closure.
	select {
	case ev := <-p.in:
		return ev, nil
	default:
	}
	select {
	case ev := <-p.in:
		return ev, nil
	case <-p.shared.done:
		return StreamEvent{}, ErrClosed
	case <-ctx.Done():
		return StreamEvent{}, ctx.Err()
	}
}

func (p *pipeLink) NewStream() (int64, error) {
	select {
	case <-p.shared.done:
		return 0, ErrClosed
	default:
	}
	return p.nextID.Add(p.step) - p.step, nil
}

func (p *pipeLink) Close() error {
	p.shared.close()
	return nil
}
