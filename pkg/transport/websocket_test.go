package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
)

// echoServer accepts one connection and echoes every frame back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			t.Error("missing Authorization header")
		}
		if r.Header.Get("Device-Id") != "aa:bb:cc:dd:ee:ff" {
			t.Errorf("Device-Id = %q", r.Header.Get("Device-Id"))
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		for {
			typ, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
}

func TestWebSocketEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(WebSocketConfig{
		URL:      "ws" + srv.URL[len("http"):],
		DeviceID: "aa:bb:cc:dd:ee:ff",
		ClientID: "test-client",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := ws.Connect(ctx, "token-123"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ws.Close()

	if err := ws.SendText(ctx, []byte(`{"type":"hello"}`)); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	msg, err := ws.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if msg.Kind != KindText {
		t.Errorf("Kind = %v, want KindText", msg.Kind)
	}
	if string(msg.Payload) != `{"type":"hello"}` {
		t.Errorf("Payload = %q", msg.Payload)
	}

	opus := []byte{0xf8, 0x01, 0x02, 0x03}
	if err := ws.SendBinary(ctx, opus); err != nil {
		t.Fatalf("SendBinary: %v", err)
	}
	msg, err = ws.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv binary: %v", err)
	}
	if msg.Kind != KindBinary {
		t.Errorf("Kind = %v, want KindBinary", msg.Kind)
	}
}

func TestWebSocketSendAfterClose(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	ws := NewWebSocket(WebSocketConfig{
		URL:      "ws" + srv.URL[len("http"):],
		DeviceID: "aa:bb:cc:dd:ee:ff",
	})

	ctx := context.Background()
	if err := ws.Connect(ctx, "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if err := ws.SendText(ctx, []byte("{}")); err != ErrClosed {
		t.Errorf("SendText after close = %v, want ErrClosed", err)
	}
	if _, err := ws.Recv(ctx); err != ErrClosed {
		t.Errorf("Recv after close = %v, want ErrClosed", err)
	}
}

func TestWebSocketConnectRefused(t *testing.T) {
	ws := NewWebSocket(WebSocketConfig{URL: "ws://127.0.0.1:1"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Connect(ctx, "tok"); err == nil {
		t.Error("expected connect error")
	}
}
