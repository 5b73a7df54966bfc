package client

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jzhou/qchat/pkg/protocol"
)

// Usage is printed whenever input does not parse as a command.
const Usage = `Commands:
  <user_id>: <message>            send to one user
  <id1>,<id2>,...: <message>      send to several users
  0: <message>                    broadcast to everyone
  logout                          leave the chat`

// ErrBadCommand wraps every parse failure.
var ErrBadCommand = errors.New("client: bad command")

// Command is one parsed line of user input.
type Command struct {
	Logout  bool
	Type    protocol.MsgType // ONE_TO_ONE, ONE_TO_MANY or BROADCAST
	Targets string           // comma-joined target ids, empty for broadcast
	Msg     string
}

// ParseCommand turns a raw input line into a Command. Target ids are checked
// locally so typos never reach the server.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Command{}, fmt.Errorf("%w: empty input", ErrBadCommand)
	}
	if strings.EqualFold(line, "logout") {
		return Command{Logout: true}, nil
	}

	head, msg, found := strings.Cut(line, ":")
	if !found {
		return Command{}, fmt.Errorf("%w: missing ':' separator", ErrBadCommand)
	}
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return Command{}, fmt.Errorf("%w: empty message", ErrBadCommand)
	}

	rawIDs := strings.Split(head, ",")
	ids := make([]string, 0, len(rawIDs))
	for _, raw := range rawIDs {
		raw = strings.TrimSpace(raw)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: target %q is not a user id", ErrBadCommand, raw)
		}
		if id < 0 {
			return Command{}, fmt.Errorf("%w: target %d is negative", ErrBadCommand, id)
		}
		ids = append(ids, strconv.FormatInt(id, 10))
	}

	if len(ids) == 1 && ids[0] == "0" {
		return Command{Type: protocol.MsgBroadcast, Msg: msg}, nil
	}
	for _, id := range ids {
		if id == "0" {
			return Command{}, fmt.Errorf("%w: 0 only broadcasts on its own", ErrBadCommand)
		}
	}
	if len(ids) == 1 {
		return Command{Type: protocol.MsgOneToOne, Targets: ids[0], Msg: msg}, nil
	}
	return Command{Type: protocol.MsgOneToMany, Targets: strings.Join(ids, ","), Msg: msg}, nil
}
