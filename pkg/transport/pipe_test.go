package transport

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestPipeDelivery(t *testing.T) {
	client, server := Pipe()

	id, err := client.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	if err := client.Send(StreamEvent{StreamID: id, Data: []byte("hello")}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := server.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if ev.StreamID != id || string(ev.Data) != "hello" {
		t.Fatalf("event mismatch: %+v", ev)
	}
}

func TestPipeOrdering(t *testing.T) {
	client, server := Pipe()
	for i := 0; i < 10; i++ {
		if err := client.Send(StreamEvent{StreamID: 0, Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		ev, err := server.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
		if ev.Data[0] != byte(i) {
			t.Fatalf("out of order: want %d got %d", i, ev.Data[0])
		}
	}
}

func TestPipeDrainsBeforeClose(t *testing.T) {
	client, server := Pipe()
	if err := client.Send(StreamEvent{StreamID: 0, Data: []byte("last")}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	_ = client.Close()

	ev, err := server.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive after close: %v", err)
	}
	if string(ev.Data) != "last" {
		t.Fatalf("lost in-flight event: %+v", ev)
	}
	if _, err := server.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("Receive on drained closed pipe: want ErrClosed got %v", err)
	}
}

func TestPipeStreamIDsNeverCollide(t *testing.T) {
	client, server := Pipe()
	seen := make(map[int64]bool)
	for i := 0; i < 5; i++ {
		cid, _ := client.NewStream()
		sid, _ := server.NewStream()
		if seen[cid] || seen[sid] || cid == sid {
			t.Fatalf("stream id collision: client=%d server=%d seen=%v", cid, sid, seen)
		}
		seen[cid] = true
		seen[sid] = true
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"version":1,"mtype":32,"msg":"keep_alive","size":10}`)
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame mismatch: %q", got)
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, make([]byte, MaxFrame+1)); err == nil {
		t.Fatal("WriteFrame: oversize payload accepted")
	}
	// A length prefix claiming an oversize frame is refused before allocation.
	if err := WriteFrame(&buf, []byte("ok")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()
	raw[0], raw[1], raw[2], raw[3] = 0xff, 0xff, 0xff, 0xff
	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil {
		t.Fatal("ReadFrame: oversize length accepted")
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("truncate me")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	raw := buf.Bytes()[:buf.Len()-3]
	if _, err := ReadFrame(bytes.NewReader(raw)); err == nil || strings.Contains(err.Error(), "panic") {
		t.Fatalf("ReadFrame truncated: want read error, got %v", err)
	}
}
