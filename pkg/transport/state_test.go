package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnected, StateAuthenticated, true},
		{StateAuthenticated, StateSendingMessage, true},
		{StateSendingMessage, StateDisconnecting, true},
		{StateDisconnecting, StateDisconnected, true},

		{StateDisconnected, StateConnected, false},
		{StateDisconnected, StateAuthenticated, false},
		{StateConnecting, StateAuthenticated, false},
		{StateAuthenticated, StateConnecting, false},
		{StateDisconnected, StateDisconnecting, false},

		// Any state may fault, but ERROR → ERROR is not a transition.
		{StateConnected, StateError, true},
		{StateDisconnected, StateError, true},
		{StateError, StateError, false},
		{StateError, StateConnected, false},

		// A faulted connection can still be torn down.
		{StateError, StateDisconnecting, true},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %t, want %t", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAuthenticateOnlyFromConnected(t *testing.T) {
	c := NewConn()
	if err := c.Authenticate(); err == nil {
		t.Fatal("Authenticate from DISCONNECTED should fail")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state changed on refused authenticate: %s", c.State())
	}

	link, _ := Pipe()
	c = NewEstablishedConn(link)
	if err := c.Authenticate(); err != nil {
		t.Fatalf("Authenticate from CONNECTED: %v", err)
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("state: want AUTHENTICATED got %s", c.State())
	}
	// A second authenticate is refused without disturbing the state.
	if err := c.Authenticate(); err == nil {
		t.Fatal("Authenticate from AUTHENTICATED should fail")
	}
	if c.State() != StateAuthenticated {
		t.Fatalf("state: want AUTHENTICATED got %s", c.State())
	}
}

func TestDisconnectFromDisconnectedIsNoop(t *testing.T) {
	c := NewConn()
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state: want DISCONNECTED got %s", c.State())
	}
}

func TestErrorAndRecover(t *testing.T) {
	link, _ := Pipe()
	c := NewEstablishedConn(link)
	if err := c.Authenticate(); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	c.HandleError()
	if c.State() != StateError {
		t.Fatalf("state: want ERROR got %s", c.State())
	}
	// Idempotent: a second fault must not overwrite the recorded good state.
	c.HandleError()
	if prev, ok := c.PreviousState(); !ok || prev != StateAuthenticated {
		t.Fatalf("previous state: want AUTHENTICATED got %s (recorded=%t)", prev, ok)
	}

	c.Recover()
	if c.State() != StateAuthenticated {
		t.Fatalf("Recover: want AUTHENTICATED got %s", c.State())
	}
}

func TestRecoverOutsideErrorIsNoop(t *testing.T) {
	link, _ := Pipe()
	c := NewEstablishedConn(link)
	c.Recover()
	if c.State() != StateConnected {
		t.Fatalf("state: want CONNECTED got %s", c.State())
	}
}

func TestStartConnectionAndWaitReady(t *testing.T) {
	c := NewConn()
	link, _ := Pipe()
	c.StartConnection(context.Background(), func(ctx context.Context) (Link, error) {
		return link, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("state: want CONNECTED got %s", c.State())
	}
}

func TestWaitReadyReportsHandshakeFailure(t *testing.T) {
	c := NewConn()
	dialErr := errors.New("boom")
	c.StartConnection(context.Background(), func(ctx context.Context) (Link, error) {
		return nil, dialErr
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); !errors.Is(err, dialErr) {
		t.Fatalf("WaitReady: want dial error, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state: want DISCONNECTED got %s", c.State())
	}
}

func TestStartConnectionSingleInitiation(t *testing.T) {
	c := NewConn()
	var dials int
	var mu sync.Mutex
	dial := func(ctx context.Context) (Link, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		link, _ := Pipe()
		return link, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.StartConnection(context.Background(), dial)
		}()
	}
	wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if dials != 1 {
		t.Fatalf("dial ran %d times, want 1", dials)
	}
}

func TestSendRefusedAfterDisconnect(t *testing.T) {
	link, _ := Pipe()
	c := NewEstablishedConn(link)
	c.Disconnect()
	if err := c.Send(StreamEvent{StreamID: 0, Data: []byte("x")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after disconnect: want ErrClosed got %v", err)
	}
}

func TestDisconnectFromError(t *testing.T) {
	link, _ := Pipe()
	c := NewEstablishedConn(link)
	c.HandleError()
	c.Disconnect()
	if c.State() != StateDisconnected {
		t.Fatalf("state: want DISCONNECTED got %s", c.State())
	}
	if err := c.Send(StreamEvent{Data: []byte("x")}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send after disconnect: err = %v, want ErrClosed", err)
	}
}
