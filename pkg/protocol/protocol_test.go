package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestPDURoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		mtype MsgType
		msg   string
	}{
		{"versions", MsgVersions, `{"versions":[1]}`},
		{"login", MsgLogin, `{"username":"alice","password":"p1"}`},
		{"alive marker", MsgAlive, AliveMarker},
		{"logout marker", MsgLogout, LogoutMarker},
		{"broadcast", MsgBroadcast, `{"msg":"hello"}`},
		{"empty msg", MsgLogoutAck, ""},
		{"utf-8 msg", MsgOneToOne, `{"target_user_id":"2","msg":"héllo 世界"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := New(tc.mtype, tc.msg)
			out, err := Decode(in.Encode())
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if out != in {
				t.Fatalf("round trip mismatch: want %+v got %+v", in, out)
			}
			if out.Size != len(tc.msg) {
				t.Fatalf("Size: want %d got %d", len(tc.msg), out.Size)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"garbage", "\x00\x01\x02 not json"},
		{"empty", ""},
		{"truncated", `{"version":1,"mtype":16,"msg":"abc`},
		{"missing mtype", `{"version":1,"msg":"x","size":1}`},
		{"missing msg", `{"version":1,"mtype":16,"size":0}`},
		{"missing version", `{"mtype":16,"msg":"x","size":1}`},
		{"zero version", `{"version":0,"mtype":16,"msg":"x","size":1}`},
		{"negative version", `{"version":-3,"mtype":16,"msg":"x","size":1}`},
		{"unknown mtype", `{"version":1,"mtype":255,"msg":"x","size":1}`},
		{"mistyped msg", `{"version":1,"mtype":16,"msg":42,"size":2}`},
		{"size lies", `{"version":1,"mtype":16,"msg":"abc","size":999}`},
		{"json array", `[1,2,3]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode([]byte(tc.data)); !errors.Is(err, ErrMalformedPDU) {
				t.Fatalf("Decode(%q): want ErrMalformedPDU, got %v", tc.data, err)
			}
		})
	}
}

func TestDecodeOmittedSizeIsRecomputed(t *testing.T) {
	// size is derived, not authoritative: a frame without it still decodes.
	p, err := Decode([]byte(`{"version":1,"mtype":32,"msg":"keep_alive"}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if p.Size != len(AliveMarker) {
		t.Fatalf("Size: want %d got %d", len(AliveMarker), p.Size)
	}
}

func TestNewWithBodyAndDecodeBody(t *testing.T) {
	in := Credentials{Username: "alice", Password: "p1"}
	p, err := NewWithBody(MsgLogin, in)
	if err != nil {
		t.Fatalf("NewWithBody: %v", err)
	}
	var out Credentials
	if err := p.DecodeBody(&out); err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if out != in {
		t.Fatalf("body mismatch: want %+v got %+v", in, out)
	}
}

func TestDecodeBodyRejectsNonJSON(t *testing.T) {
	p := New(MsgLogin, "not json at all")
	var c Credentials
	if err := p.DecodeBody(&c); err == nil {
		t.Fatal("DecodeBody: expected error for non-JSON body")
	}
}

func TestMsgTypeString(t *testing.T) {
	if got := MsgLoginAck.String(); got != "LOGIN_ACK" {
		t.Fatalf("String: want LOGIN_ACK got %s", got)
	}
	if got := MsgType(0x99).String(); !strings.HasPrefix(got, "UNKNOWN") {
		t.Fatalf("String: want UNKNOWN prefix got %s", got)
	}
	if MsgType(0x99).Valid() {
		t.Fatal("Valid: 0x99 should not be a defined wire value")
	}
}
