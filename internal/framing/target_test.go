package framing

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

func TestOpenTargetNone(t *testing.T) {
	w, err := OpenTarget(context.Background(), "none")
	if err != nil || w != nil {
		t.Fatalf("OpenTarget(none) = %v, %v; want nil, nil", w, err)
	}
}

func TestOpenTargetUnknown(t *testing.T) {
	if _, err := OpenTarget(context.Background(), "tcp:127.0.0.1:1"); err == nil {
		t.Fatal("expected error for unknown target")
	}
}

func TestOpenTargetWebsocketSendsOneMessagePerFrame(t *testing.T) {
	received := make(chan []byte, 4)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			if kind == websocket.BinaryMessage {
				received <- msg
			}
		}
	}))
	defer srv.Close()

	target := "ws" + strings.TrimPrefix(srv.URL, "http")
	dst, err := OpenTarget(context.Background(), target)
	if err != nil {
		t.Fatalf("OpenTarget: %v", err)
	}

	w := NewWriter(dst)
	if err := w.WriteFrame([]int16{100, -100, 200, -200}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := w.WriteFrame([]int16{1, 1}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if err := dst.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var frames [][]byte
	for msg := range received {
		frames = append(frames, msg)
	}
	if len(frames) != 2 {
		t.Fatalf("received %d messages, want 2", len(frames))
	}
	if !bytes.HasPrefix(frames[0], []byte(Magic)) || len(frames[0]) != HeaderSize+8 {
		t.Fatalf("first message = % X", frames[0])
	}
	f, err := NewReader(bytes.NewReader(frames[1])).Next()
	if err != nil {
		t.Fatalf("parse second message: %v", err)
	}
	if f.Seq != 1 {
		t.Fatalf("second message seq = %d, want 1", f.Seq)
	}
}

func TestBufferedTargetFlushesOnClose(t *testing.T) {
	var buf bytes.Buffer
	bt := newBufferedTarget(&buf, nil)
	if _, err := bt.Write([]byte("SELL")); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 0 {
		t.Fatal("write should be buffered")
	}
	if err := bt.Close(); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "SELL" {
		t.Fatalf("buf = %q", buf.String())
	}
}
