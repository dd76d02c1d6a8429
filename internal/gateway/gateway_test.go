package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kandev/codexmux/internal/wire"
)

func newTestServer(t *testing.T, g *Gateway, workspaceID string) (*httptest.Server, string) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if err := g.ServeWorkspace(workspaceID, w, r); err != nil {
			t.Errorf("ServeWorkspace: %v", err)
		}
	})
	server := httptest.NewServer(mux)
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return server, wsURL
}

func TestForwardDeliversEventToConnectedClient(t *testing.T) {
	g := New(nil)
	server, wsURL := newTestServer(t, g, "workspace-1")
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	// Give ServeWorkspace's goroutine time to register the client.
	waitForClientCount(t, g, "workspace-1", 1)

	g.Forward("workspace-1", wire.Value{"method": "turn/completed", "threadId": "t-1"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var got wire.Value
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["method"] != "turn/completed" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestForwardToOtherWorkspaceIsNotDelivered(t *testing.T) {
	g := New(nil)
	server, wsURL := newTestServer(t, g, "workspace-1")
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	waitForClientCount(t, g, "workspace-1", 1)

	g.Forward("workspace-2", wire.Value{"method": "turn/completed"})

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected a read timeout; event for a different workspace must not be delivered")
	}
}

func TestClientDisconnectRemovesItFromRegistry(t *testing.T) {
	g := New(nil)
	server, wsURL := newTestServer(t, g, "workspace-1")
	defer server.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitForClientCount(t, g, "workspace-1", 1)
	conn.Close()
	waitForClientCount(t, g, "workspace-1", 0)
}

func waitForClientCount(t *testing.T, g *Gateway, workspaceID string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.RLock()
		got := len(g.clients[workspaceID])
		g.mu.RUnlock()
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for workspace %q client count to reach %d", workspaceID, want)
}
