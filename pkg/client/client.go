// Package client implements the chat client side of the session protocol:
// connection establishment, version negotiation, interactive login, message
// sending and the inbound display loop.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jzhou/qchat/pkg/protocol"
	"github.com/jzhou/qchat/pkg/transport"
)

// Sentinel errors for the ways a client session can end early.
var (
	ErrVersionRejected = errors.New("client: server rejected all offered versions")
	ErrLoginRejected   = errors.New("client: server refused login")
)

// Config holds client configuration.
type Config struct {
	ServerAddr string // QUIC server address (host:port)
	Insecure   bool   // accept self-signed server certificates

	KeepAliveInterval time.Duration // how often to ping the server
	LogoutWait        time.Duration // how long to wait for the logout ack
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepAliveInterval: 30 * time.Second,
		LogoutWait:        10 * time.Second,
	}
}

// Client drives one chat connection. Prompts are read from In and everything
// user-visible is written to Out, so the whole session protocol is testable
// without a terminal.
type Client struct {
	cfg  Config
	conn *transport.Conn
	in   *bufio.Reader
	out  io.Writer

	streamID int64
	userID   int64
	username string

	handlers  map[protocol.MsgType]func(pdu protocol.PDU)
	logoutAck chan struct{}
}

// New creates a client. dial may be nil, in which case a QUIC dialer built
// from the config is used; tests inject a pipe dialer instead.
func New(cfg Config, in io.Reader, out io.Writer) *Client {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultConfig().KeepAliveInterval
	}
	if cfg.LogoutWait <= 0 {
		cfg.LogoutWait = DefaultConfig().LogoutWait
	}
	c := &Client{
		cfg:       cfg,
		conn:      transport.NewConn(),
		in:        bufio.NewReader(in),
		out:       out,
		logoutAck: make(chan struct{}, 1),
	}
	c.handlers = map[protocol.MsgType]func(pdu protocol.PDU){
		protocol.MsgLoginBroadcast:  c.showJoin,
		protocol.MsgLogoutBroadcast: c.showLeave,
		protocol.MsgOneToOne:        c.showChat,
		protocol.MsgOneToMany:       c.showChat,
		protocol.MsgBroadcast:       c.showChat,
		protocol.MsgUnsuccessful:    c.showFailure,
		protocol.MsgLogoutAck:       c.confirmLogout,
	}
	return c
}

// Conn exposes the connection state machine, mainly for tests.
func (c *Client) Conn() *transport.Conn { return c.conn }

// quicDialer builds the default dialer from the config.
func (c *Client) quicDialer() transport.Dialer {
	tlsCfg := &tls.Config{
		NextProtos:         []string{transport.ALPN},
		InsecureSkipVerify: c.cfg.Insecure, //nolint:gosec // dev mode with self-signed certs
		MinVersion:         tls.VersionTLS13,
	}
	return func(ctx context.Context) (transport.Link, error) {
		return transport.DialQUIC(ctx, c.cfg.ServerAddr, tlsCfg)
	}
}

// Connect establishes the connection and performs version negotiation. A nil
// dial uses QUIC against cfg.ServerAddr.
func (c *Client) Connect(ctx context.Context, dial transport.Dialer) error {
	if dial == nil {
		dial = c.quicDialer()
	}
	c.conn.StartConnection(ctx, dial)
	if err := c.conn.WaitReady(ctx); err != nil {
		return fmt.Errorf("client: connect %s: %w", c.cfg.ServerAddr, err)
	}

	streamID, err := c.conn.NewStream()
	if err != nil {
		return fmt.Errorf("client: open stream: %w", err)
	}
	c.streamID = streamID

	return c.negotiate(ctx)
}

// negotiate offers every supported version and records the server's pick.
func (c *Client) negotiate(ctx context.Context) error {
	offer, err := protocol.NewWithBody(protocol.MsgVersions, protocol.VersionOffer{
		Versions: protocol.SupportedVersions(),
	})
	if err != nil {
		return err
	}
	if err := c.send(offer); err != nil {
		return err
	}

	reply, err := c.receive(ctx)
	if err != nil {
		return fmt.Errorf("client: version reply: %w", err)
	}
	if reply.Type != protocol.MsgVersions {
		return fmt.Errorf("client: unexpected %s during version negotiation", reply.Type)
	}

	var sel protocol.VersionSelection
	if err := reply.DecodeBody(&sel); err == nil && sel.SelectedVersion > 0 {
		slog.Debug("version negotiated", "version", sel.SelectedVersion)
		fmt.Fprintf(c.out, "Connected using protocol version %d.\n", sel.SelectedVersion)
		return nil
	}

	var failure protocol.ErrorBody
	if err := reply.DecodeBody(&failure); err == nil && failure.Error != "" {
		fmt.Fprintf(c.out, "Server: %s\n", failure.Error)
	}
	c.conn.HandleError()
	return ErrVersionRejected
}

// Login prompts for credentials until the server accepts them or tells the
// client to go away. On success the active-user roster is displayed.
func (c *Client) Login(ctx context.Context) error {
	for {
		username, err := c.prompt("Enter username: ")
		if err != nil {
			return err
		}
		password, err := c.prompt("Enter password: ")
		if err != nil {
			return err
		}

		req, err := protocol.NewWithBody(protocol.MsgLogin, protocol.Credentials{
			Username: username,
			Password: password,
		})
		if err != nil {
			return err
		}
		if err := c.send(req); err != nil {
			return err
		}

		reply, err := c.receive(ctx)
		if err != nil {
			return fmt.Errorf("client: login reply: %w", err)
		}

		switch reply.Type {
		case protocol.MsgLoginAck:
			c.username = username
			if err := c.conn.Authenticate(); err != nil {
				slog.Warn("authenticate state transition refused", "err", err)
			}
			var roster []protocol.UserEntry
			if err := reply.DecodeBody(&roster); err != nil {
				return fmt.Errorf("client: login roster: %w", err)
			}
			c.rememberSelf(roster)
			fmt.Fprintf(c.out, "Login successful. Your user id is %d.\n", c.userID)
			c.showRoster(roster)
			return nil

		case protocol.MsgLoginUnsuccessfulRetry:
			fmt.Fprintf(c.out, "Login failed: %s\n", c.failureText(reply))
			c.conn.HandleError()
			c.conn.Recover()

		case protocol.MsgLoginUnsuccessfulDisconnect:
			fmt.Fprintf(c.out, "Login failed: %s\n", c.failureText(reply))
			c.conn.HandleError()
			return ErrLoginRejected

		default:
			return fmt.Errorf("client: unexpected %s during login", reply.Type)
		}
	}
}

// rememberSelf picks this client's user id out of the login roster.
func (c *Client) rememberSelf(roster []protocol.UserEntry) {
	for _, u := range roster {
		if u.Username == c.username {
			c.userID = u.UserID
			return
		}
	}
}

// Run is the interactive phase: one goroutine displays inbound traffic, one
// sends keep-alives, and the calling goroutine turns input lines into
// messages. Run returns when the user logs out or the connection dies.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.readLoop(ctx)
	go c.keepAlive(ctx)

	fmt.Fprintln(c.out, Usage)
	for {
		line, err := c.prompt("> ")
		if err != nil {
			if errors.Is(err, io.EOF) {
				return c.Logout(ctx)
			}
			return err
		}

		cmd, err := ParseCommand(line)
		if err != nil {
			fmt.Fprintf(c.out, "%v\n%s\n", err, Usage)
			continue
		}
		if cmd.Logout {
			return c.Logout(ctx)
		}
		if err := c.sendChat(cmd); err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return err
			}
			fmt.Fprintf(c.out, "Send failed: %v\n", err)
		}
	}
}

// sendChat builds the wire message for a parsed command.
func (c *Client) sendChat(cmd Command) error {
	var (
		pdu protocol.PDU
		err error
	)
	switch cmd.Type {
	case protocol.MsgOneToOne:
		pdu, err = protocol.NewWithBody(cmd.Type, protocol.DirectSend{TargetUserID: cmd.Targets, Msg: cmd.Msg})
	case protocol.MsgOneToMany:
		pdu, err = protocol.NewWithBody(cmd.Type, protocol.MultiSend{TargetUserIDs: cmd.Targets, Msg: cmd.Msg})
	case protocol.MsgBroadcast:
		pdu, err = protocol.NewWithBody(cmd.Type, protocol.BroadcastSend{Msg: cmd.Msg})
	default:
		return fmt.Errorf("client: no wire form for %s", cmd.Type)
	}
	if err != nil {
		return err
	}
	c.conn.MarkSending()
	return c.send(pdu)
}

// Logout tells the server we are leaving and waits, bounded, for the ack.
// The wait keeps the ack ordered before teardown without trusting the server
// to answer at all.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.send(protocol.New(protocol.MsgLogout, protocol.LogoutMarker)); err != nil {
		c.conn.Disconnect()
		return err
	}

	select {
	case <-c.logoutAck:
	case <-time.After(c.cfg.LogoutWait):
		slog.Warn("no logout ack from server", "waited", c.cfg.LogoutWait)
	case <-ctx.Done():
	}
	c.conn.Disconnect()
	fmt.Fprintln(c.out, "Disconnected.")
	return nil
}

// readLoop dispatches inbound messages until the connection ends.
func (c *Client) readLoop(ctx context.Context) {
	for {
		pdu, err := c.receive(ctx)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				return
			}
			slog.Error("receive failed", "err", err)
			c.conn.HandleError()
			return
		}
		handler, ok := c.handlers[pdu.Type]
		if !ok {
			slog.Warn("unhandled message type", "mtype", pdu.Type)
			continue
		}
		handler(pdu)
	}
}

// keepAlive pings the server on a fixed interval so the idle connection is
// not torn down.
func (c *Client) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.KeepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(protocol.New(protocol.MsgAlive, protocol.AliveMarker)); err != nil {
				if !errors.Is(err, transport.ErrClosed) {
					slog.Warn("keep alive failed", "err", err)
				}
				return
			}
			slog.Debug("keep alive sent")
		}
	}
}

func (c *Client) showJoin(pdu protocol.PDU) {
	var roster []protocol.UserEntry
	if err := pdu.DecodeBody(&roster); err != nil {
		slog.Warn("bad roster update", "err", err)
		return
	}
	fmt.Fprintln(c.out, "A user joined the chat.")
	c.showRoster(roster)
}

func (c *Client) showLeave(pdu protocol.PDU) {
	var roster []protocol.UserEntry
	if err := pdu.DecodeBody(&roster); err != nil {
		slog.Warn("bad roster update", "err", err)
		return
	}
	fmt.Fprintln(c.out, "A user left the chat.")
	c.showRoster(roster)
}

func (c *Client) showChat(pdu protocol.PDU) {
	var d protocol.ChatDelivery
	if err := pdu.DecodeBody(&d); err != nil {
		slog.Warn("bad chat delivery", "err", err)
		return
	}
	fmt.Fprintf(c.out, "[%s (%d)]: %s\n", d.SenderUsername, d.SenderUserID, d.Msg)
}

func (c *Client) showFailure(pdu protocol.PDU) {
	c.conn.HandleError()
	fmt.Fprintf(c.out, "Message not delivered: %s\n", c.failureText(pdu))
}

func (c *Client) confirmLogout(pdu protocol.PDU) {
	var sys protocol.SysBody
	if err := pdu.DecodeBody(&sys); err == nil && sys.Sys != "" {
		fmt.Fprintf(c.out, "%s\n", sys.Sys)
	}
	select {
	case c.logoutAck <- struct{}{}:
	default:
	}
}

func (c *Client) showRoster(roster []protocol.UserEntry) {
	sort.Slice(roster, func(i, j int) bool { return roster[i].UserID < roster[j].UserID })
	fmt.Fprintln(c.out, "Active users:")
	for _, u := range roster {
		fmt.Fprintf(c.out, "  %d: %s\n", u.UserID, u.Username)
	}
}

func (c *Client) failureText(pdu protocol.PDU) string {
	var body protocol.ErrorBody
	if err := pdu.DecodeBody(&body); err != nil || body.Error == "" {
		return pdu.Msg
	}
	return body.Error
}

func (c *Client) prompt(label string) (string, error) {
	fmt.Fprint(c.out, label)
	line, err := c.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return trimLine(line), nil
		}
		return "", err
	}
	return trimLine(line), nil
}

func trimLine(line string) string {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

func (c *Client) send(pdu protocol.PDU) error {
	return c.conn.Send(transport.StreamEvent{StreamID: c.streamID, Data: pdu.Encode()})
}

func (c *Client) receive(ctx context.Context) (protocol.PDU, error) {
	for {
		ev, err := c.conn.Receive(ctx)
		if err != nil {
			return protocol.PDU{}, err
		}
		if len(ev.Data) == 0 {
			continue
		}
		return protocol.Decode(ev.Data)
	}
}
