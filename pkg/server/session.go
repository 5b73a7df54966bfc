package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jzhou/qchat/pkg/protocol"
	"github.com/jzhou/qchat/pkg/registry"
	"github.com/jzhou/qchat/pkg/transport"
)

// Sentinel errors for session termination causes.
var (
	ErrUnsupportedVersion     = errors.New("server: no compatible protocol version")
	ErrLoginAttemptsExhausted = errors.New("server: maximum login attempts exceeded")
	ErrLoginTimeout           = errors.New("server: login timeout")
)

// errSessionClosed signals a clean, already-replied end of the session loop.
var errSessionClosed = errors.New("server: session closed")

// handlerFunc processes one decoded PDU received on a stream.
type handlerFunc func(ctx context.Context, ev transport.StreamEvent, pdu protocol.PDU) error

// session is the per-connection protocol state. The authenticated user id
// lives here, not in the receive loop, so every handler sees the same
// identity for the lifetime of the connection.
type session struct {
	reg  *registry.Registry
	conn *transport.Conn

	userID   int64 // 0 until login succeeds
	username string

	loginAttempts int
	awaitingRetry bool
	loginStream   int64 // stream the last login attempt arrived on
	lastAlive     time.Time

	maxAttempts int
	retryWait   time.Duration

	handlers map[protocol.MsgType]handlerFunc
}

func newSession(reg *registry.Registry, conn *transport.Conn, cfg Config) *session {
	s := &session{
		reg:         reg,
		conn:        conn,
		maxAttempts: cfg.MaxLoginAttempts,
		retryWait:   cfg.LoginRetryWait,
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = DefaultConfig().MaxLoginAttempts
	}
	if s.retryWait <= 0 {
		s.retryWait = DefaultConfig().LoginRetryWait
	}
	s.handlers = map[protocol.MsgType]handlerFunc{
		protocol.MsgVersions:  s.handleVersions,
		protocol.MsgLogin:     s.handleLogin,
		protocol.MsgAlive:     s.handleAlive,
		protocol.MsgOneToOne:  s.handleOneToOne,
		protocol.MsgOneToMany: s.handleOneToMany,
		protocol.MsgBroadcast: s.handleBroadcast,
		protocol.MsgLogout:    s.handleLogout,
	}
	return s
}

// run drives the receive loop until the connection ends. The connection is
// always disconnected and the session deregistered on the way out.
func (s *session) run(ctx context.Context) {
	defer s.teardown()

	for {
		recvCtx := ctx
		var cancel context.CancelFunc
		if s.awaitingRetry {
			// A failed login attempt was answered with a retry; the next
			// attempt has to arrive within the retry window.
			recvCtx, cancel = context.WithTimeout(ctx, s.retryWait)
		}
		ev, err := s.conn.Receive(recvCtx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if s.awaitingRetry && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				s.sendError(s.loginStream, protocol.MsgLoginUnsuccessfulDisconnect, "Login timeout. Please try again.")
				slog.Info("login retry window expired", "attempts", s.loginAttempts)
				return
			}
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil {
				slog.Debug("connection closed", "user_id", s.userID)
				return
			}
			slog.Error("receive failed", "user_id", s.userID, "err", err)
			return
		}

		if len(ev.Data) == 0 {
			if ev.EndStream {
				slog.Debug("peer closed stream", "stream_id", ev.StreamID)
			}
			continue
		}

		pdu, err := protocol.Decode(ev.Data)
		if err != nil {
			slog.Error("dropping connection on malformed message", "user_id", s.userID, "err", err)
			s.conn.HandleError()
			return
		}

		handler, ok := s.handlers[pdu.Type]
		if !ok {
			slog.Warn("unhandled message type", "mtype", pdu.Type, "user_id", s.userID)
			continue
		}

		if err := handler(ctx, ev, pdu); err != nil {
			if errors.Is(err, errSessionClosed) {
				return
			}
			slog.Error("session error", "mtype", pdu.Type, "user_id", s.userID, "err", err)
			return
		}
	}
}

// teardown removes the session from the registry, tells the remaining users,
// and closes the connection. Safe to call on never-authenticated sessions.
func (s *session) teardown() {
	if s.userID != 0 {
		s.reg.DeregisterSession(s.userID)
		s.broadcastRoster(protocol.MsgLogoutBroadcast, 0)
		slog.Info("user disconnected", "user_id", s.userID, "username", s.username)
		s.userID = 0
	}
	s.conn.Disconnect()
}

func (s *session) handleVersions(_ context.Context, ev transport.StreamEvent, pdu protocol.PDU) error {
	var offer protocol.VersionOffer
	if err := pdu.DecodeBody(&offer); err != nil {
		return fmt.Errorf("server: version offer: %w", err)
	}

	selected := 0
	for _, v := range offer.Versions {
		for _, sup := range protocol.SupportedVersions() {
			if v == sup && v > selected {
				selected = v
			}
		}
	}

	if selected == 0 {
		s.sendError(ev.StreamID, protocol.MsgVersions, "No compatible version")
		slog.Warn("version negotiation failed", "offered", offer.Versions)
		return fmt.Errorf("%w: offered %v: %w", ErrUnsupportedVersion, offer.Versions, errSessionClosed)
	}

	reply, err := protocol.NewWithBody(protocol.MsgVersions, protocol.VersionSelection{SelectedVersion: selected})
	if err != nil {
		return err
	}
	slog.Debug("version negotiated", "selected", selected)
	return s.send(ev.StreamID, reply)
}

func (s *session) handleLogin(_ context.Context, ev transport.StreamEvent, pdu protocol.PDU) error {
	if s.userID != 0 {
		slog.Warn("login on already-authenticated connection", "user_id", s.userID)
		return nil
	}
	s.loginStream = ev.StreamID

	var creds protocol.Credentials
	err := pdu.DecodeBody(&creds)
	if err == nil && (creds.Username == "" || creds.Password == "") {
		err = errors.New("missing username or password")
	}
	if err != nil {
		s.sendError(ev.StreamID, protocol.MsgLoginUnsuccessfulDisconnect, "Malformed data received")
		s.conn.HandleError()
		return fmt.Errorf("server: malformed login body: %w: %w", err, errSessionClosed)
	}

	ok, err := s.reg.Authenticate(creds.Username, creds.Password)
	if err != nil {
		s.sendError(ev.StreamID, protocol.MsgLoginUnsuccessfulDisconnect, "Error during login")
		return fmt.Errorf("server: credential check: %w", err)
	}

	reason := "Invalid credentials"
	if ok {
		userID, regErr := s.reg.Login(creds.Username, s.conn, ev.StreamID)
		if regErr == nil {
			return s.loginSucceeded(ev.StreamID, userID, creds.Username)
		}
		if !errors.Is(regErr, registry.ErrAlreadyLoggedIn) {
			return regErr
		}
		reason = "User already logged in"
	}

	s.loginAttempts++
	s.conn.HandleError()

	if s.loginAttempts >= s.maxAttempts {
		s.sendError(ev.StreamID, protocol.MsgLoginUnsuccessfulDisconnect, "Maximum login attempts exceeded.")
		slog.Info("login attempts exhausted", "username", creds.Username)
		return fmt.Errorf("%w: %w", ErrLoginAttemptsExhausted, errSessionClosed)
	}

	remaining := s.maxAttempts - s.loginAttempts
	s.sendError(ev.StreamID, protocol.MsgLoginUnsuccessfulRetry,
		fmt.Sprintf("%s. Attempts left: %d", reason, remaining))
	s.awaitingRetry = true
	slog.Info("login attempt failed", "username", creds.Username, "reason", reason, "remaining", remaining)
	return nil
}

// loginSucceeded binds the user to the session, announces them to everyone
// else, and acks with the full roster.
func (s *session) loginSucceeded(streamID int64, userID int64, username string) error {
	s.userID = userID
	s.username = username
	s.awaitingRetry = false
	s.loginAttempts = 0
	s.lastAlive = time.Now()

	s.conn.Recover()
	if err := s.conn.Authenticate(); err != nil {
		slog.Warn("authenticate state transition refused", "err", err)
	}

	s.broadcastRoster(protocol.MsgLoginBroadcast, userID)

	roster, err := protocol.NewWithBody(protocol.MsgLoginAck, s.reg.ActiveUsers())
	if err != nil {
		return err
	}
	slog.Info("user logged in", "user_id", userID, "username", username)
	return s.send(streamID, roster)
}

func (s *session) handleAlive(_ context.Context, _ transport.StreamEvent, pdu protocol.PDU) error {
	if pdu.Msg != protocol.AliveMarker {
		slog.Warn("alive message with unexpected body", "user_id", s.userID)
	}
	s.lastAlive = time.Now()
	slog.Debug("keep alive", "user_id", s.userID)
	return nil
}

func (s *session) handleOneToOne(_ context.Context, ev transport.StreamEvent, pdu protocol.PDU) error {
	if s.userID == 0 {
		s.sendError(ev.StreamID, protocol.MsgUnsuccessful, "User not authenticated")
		return nil
	}

	var body protocol.DirectSend
	if err := pdu.DecodeBody(&body); err != nil {
		return fmt.Errorf("server: one-to-one body: %w", err)
	}
	target, err := strconv.ParseInt(body.TargetUserID, 10, 64)
	if err != nil {
		return fmt.Errorf("server: one-to-one target %q: %w", body.TargetUserID, err)
	}

	s.conn.MarkSending()
	s.route(pdu.Type, []int64{target}, body.Msg, ev.StreamID)
	return nil
}

func (s *session) handleOneToMany(_ context.Context, ev transport.StreamEvent, pdu protocol.PDU) error {
	if s.userID == 0 {
		s.sendError(ev.StreamID, protocol.MsgUnsuccessful, "User not authenticated")
		return nil
	}

	var body protocol.MultiSend
	if err := pdu.DecodeBody(&body); err != nil {
		return fmt.Errorf("server: one-to-many body: %w", err)
	}

	var targets []int64
	for _, raw := range strings.Split(body.TargetUserIDs, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("server: one-to-many target %q: %w", raw, err)
		}
		targets = append(targets, id)
	}

	s.conn.MarkSending()
	s.route(pdu.Type, targets, body.Msg, ev.StreamID)
	return nil
}

func (s *session) handleBroadcast(_ context.Context, ev transport.StreamEvent, pdu protocol.PDU) error {
	if s.userID == 0 {
		s.sendError(ev.StreamID, protocol.MsgUnsuccessful, "User not authenticated")
		return nil
	}

	var body protocol.BroadcastSend
	if err := pdu.DecodeBody(&body); err != nil {
		return fmt.Errorf("server: broadcast body: %w", err)
	}

	var targets []int64
	for _, sess := range s.reg.Sessions() {
		targets = append(targets, sess.UserID)
	}

	s.conn.MarkSending()
	s.route(pdu.Type, targets, body.Msg, ev.StreamID)
	return nil
}

// route forwards a chat message to each target session, preserving the
// original message type so receivers can tell how they were addressed.
// Every unreachable target gets its own failure notice back to the sender.
func (s *session) route(mtype protocol.MsgType, targets []int64, msg string, replyStream int64) {
	delivery := protocol.ChatDelivery{
		SenderUserID:   s.userID,
		SenderUsername: s.username,
		Msg:            msg,
	}

	for _, target := range targets {
		sess, ok := s.reg.SessionOf(target)
		if !ok {
			s.sendError(replyStream, protocol.MsgUnsuccessful,
				fmt.Sprintf("Target user %d not available", target))
			continue
		}
		out, err := protocol.NewWithBody(mtype, delivery)
		if err != nil {
			slog.Error("encode chat delivery", "err", err)
			continue
		}
		if err := sess.Conn.Send(transport.StreamEvent{StreamID: sess.StreamID, Data: out.Encode()}); err != nil {
			slog.Warn("forward failed", "from", s.userID, "to", target, "err", err)
			s.sendError(replyStream, protocol.MsgUnsuccessful,
				fmt.Sprintf("Target user %d not available", target))
		}
	}
}

func (s *session) handleLogout(_ context.Context, ev transport.StreamEvent, pdu protocol.PDU) error {
	if s.userID == 0 {
		slog.Debug("logout from unauthenticated connection")
		return nil
	}
	if pdu.Msg != protocol.LogoutMarker {
		slog.Warn("logout message with unexpected body", "user_id", s.userID)
	}

	userID, username := s.userID, s.username
	s.reg.DeregisterSession(userID)
	s.userID = 0
	s.username = ""

	s.broadcastRoster(protocol.MsgLogoutBroadcast, 0)

	ack, err := protocol.NewWithBody(protocol.MsgLogoutAck, protocol.SysBody{Sys: "Logout successful"})
	if err != nil {
		return err
	}
	if err := s.send(ev.StreamID, ack); err != nil {
		return err
	}
	slog.Info("user logged out", "user_id", userID, "username", username)
	return errSessionClosed
}

// broadcastRoster pushes the current active-user list to every session
// except the one with the given user id.
func (s *session) broadcastRoster(mtype protocol.MsgType, except int64) {
	roster, err := protocol.NewWithBody(mtype, s.reg.ActiveUsers())
	if err != nil {
		slog.Error("encode roster", "err", err)
		return
	}
	data := roster.Encode()
	for _, sess := range s.reg.Sessions() {
		if sess.UserID == except {
			continue
		}
		if err := sess.Conn.Send(transport.StreamEvent{StreamID: sess.StreamID, Data: data}); err != nil {
			slog.Warn("roster broadcast failed", "to", sess.UserID, "err", err)
		}
	}
}

func (s *session) send(streamID int64, pdu protocol.PDU) error {
	return s.conn.Send(transport.StreamEvent{StreamID: streamID, Data: pdu.Encode()})
}

// sendError replies with an error-bodied PDU of the given type. Failures are
// logged rather than propagated since the session is usually about to end.
func (s *session) sendError(streamID int64, mtype protocol.MsgType, text string) {
	pdu, err := protocol.NewWithBody(mtype, protocol.ErrorBody{Error: text})
	if err != nil {
		slog.Error("encode error reply", "err", err)
		return
	}
	if err := s.send(streamID, pdu); err != nil {
		slog.Warn("error reply not delivered", "mtype", mtype, "err", err)
	}
}
