package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle state of one logical chat connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticated
	StateSendingMessage
	StateDisconnecting
	StateError
)

var stateNames = map[State]string{
	StateDisconnected:   "DISCONNECTED",
	StateConnecting:     "CONNECTING",
	StateConnected:      "CONNECTED",
	StateAuthenticated:  "AUTHENTICATED",
	StateSendingMessage: "SENDING_MESSAGE",
	StateDisconnecting:  "DISCONNECTING",
	StateError:          "ERROR",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// legalTransitions is the transition table. Two cases live outside it:
// any state may enter StateError via HandleError, and StateError returns to
// the recorded previous state via Recover.
var legalTransitions = map[State][]State{
	StateDisconnected:   {StateConnecting},
	StateConnecting:     {StateConnected, StateDisconnected},
	StateConnected:      {StateAuthenticated, StateSendingMessage, StateDisconnecting},
	StateAuthenticated:  {StateSendingMessage, StateDisconnecting},
	StateSendingMessage: {StateSendingMessage, StateAuthenticated, StateConnected, StateDisconnecting},
	StateDisconnecting:  {StateDisconnected},
	StateError:          {StateDisconnecting},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	if to == StateError {
		return from != StateError
	}
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Dialer establishes the underlying transport link; it is run asynchronously
// by StartConnection and stands in for the QUIC handshake.
type Dialer func(ctx context.Context) (Link, error)

// Conn binds a transport link to the connection state machine. It has exactly
// one writer: the protocol loop driving the connection. Readers may inspect
// the state concurrently.
type Conn struct {
	mu      sync.Mutex
	cond    *sync.Cond
	link    Link
	state   State
	prev    State
	hasPrev bool
	dialErr error
	dialed  bool
}

// NewConn returns a Conn in StateDisconnected with no link attached.
func NewConn() *Conn {
	c := &Conn{state: StateDisconnected}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// NewEstablishedConn returns a Conn already bound to link in StateConnected,
// for the server side where the handshake completed at accept time.
func NewEstablishedConn(link Link) *Conn {
	c := NewConn()
	c.mu.Lock()
	c.link = link
	c.transitionLocked(StateConnecting)
	c.transitionLocked(StateConnected)
	c.mu.Unlock()
	return c
}

// transitionLocked moves to next if legal; otherwise it logs a diagnostic and
// leaves the state alone. Callers hold c.mu.
func (c *Conn) transitionLocked(next State) bool {
	if !CanTransition(c.state, next) {
		slog.Debug("illegal connection state transition refused", "from", c.state, "to", next)
		return false
	}
	if c.state != StateError {
		c.prev = c.state
		c.hasPrev = true
	}
	slog.Debug("connection state transition", "from", c.state, "to", next)
	c.state = next
	c.cond.Broadcast()
	return true
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// PreviousState returns the last non-ERROR state and whether one was recorded.
func (c *Conn) PreviousState() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prev, c.hasPrev
}

// StartConnection begins the handshake. Only legal from StateDisconnected;
// concurrent callers are serialized and later ones are no-ops with a
// diagnostic. The dial runs asynchronously and completes the
// CONNECTING → CONNECTED (or back to DISCONNECTED) transition.
func (c *Conn) StartConnection(ctx context.Context, dial Dialer) {
	c.mu.Lock()
	if c.state != StateDisconnected {
		slog.Debug("connection already initiated", "state", c.state)
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	go func() {
		link, err := dial(ctx)
		c.mu.Lock()
		defer c.mu.Unlock()
		c.dialed = true
		if err != nil {
			slog.Debug("handshake failed", "err", err)
			c.dialErr = err
			c.transitionLocked(StateDisconnected)
			return
		}
		c.link = link
		c.transitionLocked(StateConnected)
	}()
}

// WaitReady suspends until the handshake settles: nil once CONNECTED, the dial
// error if the handshake failed, or the context error. An event wait, not a
// poll.
func (c *Conn) WaitReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.cond.Broadcast() })
	defer stop()

	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case c.state == StateConnected || c.state == StateAuthenticated:
			return nil
		case c.state == StateError:
			return fmt.Errorf("transport: connection failed: state %s", c.state)
		case c.state == StateDisconnected && c.dialed:
			return fmt.Errorf("transport: handshake: %w", c.dialErr)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		c.cond.Wait()
	}
}

// Authenticate marks the session authenticated. Legal only from
// StateConnected; anything else is refused with a diagnostic and no state
// change.
func (c *Conn) Authenticate() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		slog.Debug("cannot authenticate: connection is not established", "state", c.state)
		return fmt.Errorf("transport: cannot authenticate in state %s", c.state)
	}
	c.transitionLocked(StateAuthenticated)
	return nil
}

// MarkSending opportunistically enters the transient SENDING_MESSAGE state
// before a chat message is emitted. A no-op where not legal.
func (c *Conn) MarkSending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateSendingMessage {
		c.transitionLocked(StateSendingMessage)
	}
}

// HandleError records the current state as recoverable and enters StateError.
// Idempotent: calling it while already in StateError is a no-op, so the
// recorded previous state is always the last good one.
func (c *Conn) HandleError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateError {
		return
	}
	c.transitionLocked(StateError)
}

// Recover restores the state held immediately before the most recent
// HandleError. Only meaningful in StateError with a recorded previous state.
func (c *Conn) Recover() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateError || !c.hasPrev {
		return
	}
	restored := c.prev
	slog.Debug("connection state transition", "from", c.state, "to", restored)
	c.state = restored
	c.cond.Broadcast()
}

// Disconnect closes the transport and settles in StateDisconnected. Calling
// it when already disconnected is a no-op with a diagnostic.
func (c *Conn) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		slog.Debug("connection already disconnected")
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateDisconnecting)
	link := c.link
	c.link = nil
	c.transitionLocked(StateDisconnected)
	c.mu.Unlock()

	if link != nil {
		_ = link.Close()
	}
}

// Send forwards one unit to the link. Refused once disconnection has begun so
// no send is attempted after close.
func (c *Conn) Send(ev StreamEvent) error {
	c.mu.Lock()
	link := c.link
	state := c.state
	c.mu.Unlock()
	if link == nil || state == StateDisconnecting || state == StateDisconnected {
		return ErrClosed
	}
	return link.Send(ev)
}

// Receive suspends until the link yields one unit.
func (c *Conn) Receive(ctx context.Context) (StreamEvent, error) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return StreamEvent{}, ErrClosed
	}
	return link.Receive(ctx)
}

// NewStream opens a fresh stream on the link.
func (c *Conn) NewStream() (int64, error) {
	c.mu.Lock()
	link := c.link
	c.mu.Unlock()
	if link == nil {
		return 0, ErrClosed
	}
	return link.NewStream()
}
