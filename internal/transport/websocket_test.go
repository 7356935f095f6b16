package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// mockWSServer creates a test websocket server.
func mockWSServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))

	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func testConfig(url string) WebsocketConfig {
	cfg := DefaultWebsocketConfig()
	cfg.URL = url
	cfg.BufferSize = 100
	return cfg
}

func TestWebsocket_Connect(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	tr := NewWebsocket(testConfig(wsURL(server)), "", nil)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestWebsocket_BearerHeader(t *testing.T) {
	var gotAuth string
	var mu sync.Mutex

	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotAuth = r.Header.Get("Authorization")
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer server.Close()

	tr := NewWebsocket(testConfig(wsURL(server)), "tok-1", nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	mu.Lock()
	defer mu.Unlock()
	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want %q", gotAuth, "Bearer tok-1")
	}
}

func TestWebsocket_SendReceive(t *testing.T) {
	echo := mockWSServer(t, func(conn *websocket.Conn) {
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	})
	defer echo.Close()

	tr := NewWebsocket(testConfig(wsURL(echo)), "", nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	payload := []byte(`{"type":"ping"}`)
	if err := tr.Send(payload); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-tr.Messages():
		if string(msg.Data) != string(payload) {
			t.Errorf("received %q, want %q", msg.Data, payload)
		}
		if msg.ReceivedAt.IsZero() {
			t.Error("ReceivedAt not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echo")
	}
}

func TestWebsocket_SendBeforeConnect(t *testing.T) {
	tr := NewWebsocket(testConfig("ws://127.0.0.1:1"), "", nil)
	if err := tr.Send([]byte("x")); err != ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}

func TestWebsocket_ErrorOnServerClose(t *testing.T) {
	server := mockWSServer(t, func(conn *websocket.Conn) {
		// Abnormal close: drop the connection without a close frame.
		conn.Close()
	})
	defer server.Close()

	tr := NewWebsocket(testConfig(wsURL(server)), "", nil)
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer tr.Close()

	select {
	case err := <-tr.Errors():
		if err == nil {
			t.Error("expected non-nil transport error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport error")
	}
}

func TestWebsocket_ConnectAfterClose(t *testing.T) {
	tr := NewWebsocket(testConfig("ws://127.0.0.1:1"), "", nil)
	if err := tr.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := tr.Connect(context.Background()); err != ErrAlreadyClosed {
		t.Errorf("Connect = %v, want ErrAlreadyClosed", err)
	}
}
