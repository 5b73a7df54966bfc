// Package protocol defines the chat PDU envelope and the per-kind message bodies.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the highest protocol version this build speaks.
const ProtocolVersion = 1

// SupportedVersions lists every protocol version this build can negotiate.
func SupportedVersions() []int {
	return []int{1}
}

// ErrMalformedPDU reports bytes that do not decode to a valid PDU.
var ErrMalformedPDU = errors.New("protocol: malformed pdu")

// MsgType identifies the kind of message a PDU carries.
type MsgType int

const (
	MsgVersions MsgType = 0x00

	MsgLogin                       MsgType = 0x10
	MsgLoginAck                    MsgType = 0x11
	MsgLoginBroadcast              MsgType = 0x12
	MsgLoginUnsuccessfulRetry      MsgType = 0x13
	MsgLoginUnsuccessfulDisconnect MsgType = 0x14

	MsgAlive MsgType = 0x20

	MsgOneToOne     MsgType = 0x30
	MsgOneToMany    MsgType = 0x31
	MsgBroadcast    MsgType = 0x32
	MsgUnsuccessful MsgType = 0x33

	MsgLogout          MsgType = 0x40
	MsgLogoutAck       MsgType = 0x41
	MsgLogoutBroadcast MsgType = 0x42
)

var msgTypeNames = map[MsgType]string{
	MsgVersions:                    "VERSIONS",
	MsgLogin:                       "LOGIN",
	MsgLoginAck:                    "LOGIN_ACK",
	MsgLoginBroadcast:              "LOGIN_BROADCAST",
	MsgLoginUnsuccessfulRetry:      "LOGIN_UNSUCCESSFUL_RETRY",
	MsgLoginUnsuccessfulDisconnect: "LOGIN_UNSUCCESSFUL_DISCONNECT",
	MsgAlive:                       "ALIVE",
	MsgOneToOne:                    "ONE_TO_ONE",
	MsgOneToMany:                   "ONE_TO_MANY",
	MsgBroadcast:                   "BROADCAST",
	MsgUnsuccessful:                "MSG_UNSUCCESSFUL",
	MsgLogout:                      "LOGOUT",
	MsgLogoutAck:                   "LOGOUT_ACK",
	MsgLogoutBroadcast:             "LOGOUT_BROADCAST",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(0x%02x)", int(t))
}

// Valid reports whether t is a defined wire value.
func (t MsgType) Valid() bool {
	_, ok := msgTypeNames[t]
	return ok
}

// Literal payloads for marker-only PDUs.
const (
	AliveMarker  = "keep_alive"
	LogoutMarker = "User logging out"
)

// PDU is the self-describing message envelope exchanged between client and
// server. It is a value object: built per send, discarded after decode.
type PDU struct {
	Version int
	Type    MsgType
	Msg     string
	Size    int
}

// New builds a PDU of the current protocol version. Size is derived from msg.
func New(t MsgType, msg string) PDU {
	return PDU{Version: ProtocolVersion, Type: t, Msg: msg, Size: len(msg)}
}

// NewWithBody builds a PDU whose msg is the JSON encoding of body.
func NewWithBody(t MsgType, body any) (PDU, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return PDU{}, fmt.Errorf("protocol: marshal %s body: %w", t, err)
	}
	return New(t, string(data)), nil
}

// wire is the JSON shape of the envelope. Pointer fields let Decode tell a
// missing field from a zero value.
type wire struct {
	Version *int    `json:"version"`
	Type    *int    `json:"mtype"`
	Msg     *string `json:"msg"`
	Size    *int    `json:"size"`
}

// Encode serializes the PDU to its JSON wire form. Size is always recomputed
// from the current msg.
func (p PDU) Encode() []byte {
	v := struct {
		Version int    `json:"version"`
		Type    int    `json:"mtype"`
		Msg     string `json:"msg"`
		Size    int    `json:"size"`
	}{p.Version, int(p.Type), p.Msg, len(p.Msg)}
	data, _ := json.Marshal(v)
	return data
}

// Decode parses one PDU from data. Any structural failure, missing field,
// non-positive version, unknown mtype, or a size that disagrees with the msg
// byte length yields an error wrapping ErrMalformedPDU.
func Decode(data []byte) (PDU, error) {
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return PDU{}, fmt.Errorf("%w: %v", ErrMalformedPDU, err)
	}
	if w.Version == nil || w.Type == nil || w.Msg == nil {
		return PDU{}, fmt.Errorf("%w: missing required field", ErrMalformedPDU)
	}
	if *w.Version <= 0 {
		return PDU{}, fmt.Errorf("%w: version %d", ErrMalformedPDU, *w.Version)
	}
	t := MsgType(*w.Type)
	if !t.Valid() {
		return PDU{}, fmt.Errorf("%w: unknown mtype 0x%02x", ErrMalformedPDU, *w.Type)
	}
	if w.Size != nil && *w.Size != len(*w.Msg) {
		return PDU{}, fmt.Errorf("%w: size %d disagrees with msg length %d",
			ErrMalformedPDU, *w.Size, len(*w.Msg))
	}
	return PDU{Version: *w.Version, Type: t, Msg: *w.Msg, Size: len(*w.Msg)}, nil
}

// DecodeBody unmarshals the PDU's msg payload into v.
func (p PDU) DecodeBody(v any) error {
	if err := json.Unmarshal([]byte(p.Msg), v); err != nil {
		return fmt.Errorf("protocol: decode %s body: %w", p.Type, err)
	}
	return nil
}
