package bottransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var testUpgrader = websocket.Upgrader{}

type recordingHandler struct {
	events [][]byte
}

func (h *recordingHandler) HandleEvent(frame []byte) {
	h.events = append(h.events, frame)
}

// echoServer accepts one connection and replies to every inbound call
// frame with a synthetic ok response carrying the same echo.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			echo := struct {
				Echo string `json:"echo"`
			}{}
			json.Unmarshal(msg, &echo)
			if echo.Echo == "" {
				continue
			}
			resp, _ := json.Marshal(map[string]any{
				"status":  "ok",
				"retcode": 0,
				"data":    map[string]any{"message_id": 1},
				"echo":    echo.Echo,
			})
			conn.WriteMessage(websocket.TextMessage, resp)
		}
	}))
}

func toWsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestCallApi_ResolvesOnMatchingEcho(t *testing.T) {
	srv := echoServer(t)
	defer srv.Close()

	tr := New(Config{WsURL: toWsURL(srv.URL)}, &recordingHandler{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr.Connect(ctx)
	defer tr.Stop()

	waitConnected(t, tr)

	data, err := tr.CallApi("send_group_msg", map[string]any{"group_id": "1"})
	if err != nil {
		t.Fatalf("CallApi: %v", err)
	}
	if string(data) == "" {
		t.Fatal("expected non-empty data")
	}
}

func TestDialURL_AppendsAccessToken(t *testing.T) {
	tr := New(Config{WsURL: "ws://example.com/ws", Token: "secret"}, nil)
	got, err := tr.dialURL()
	if err != nil {
		t.Fatalf("dialURL: %v", err)
	}
	if !strings.Contains(got, "access_token=secret") {
		t.Fatalf("expected access_token query param, got %s", got)
	}
}

func TestDialURL_OmitsTokenWhenUnset(t *testing.T) {
	tr := New(Config{WsURL: "ws://example.com/ws"}, nil)
	got, err := tr.dialURL()
	if err != nil {
		t.Fatalf("dialURL: %v", err)
	}
	if strings.Contains(got, "access_token") {
		t.Fatalf("expected no access_token param, got %s", got)
	}
}

func TestBackoffDelay_CapsAtThirtySeconds(t *testing.T) {
	if got := backoffDelay(0); got != time.Second {
		t.Fatalf("backoffDelay(0) = %v", got)
	}
	if got := backoffDelay(10); got != 30*time.Second {
		t.Fatalf("backoffDelay(10) = %v", got)
	}
}

func TestNotifyTunnelConnected_NoopWithoutGroup(t *testing.T) {
	tr := New(Config{WsURL: "ws://example.com/ws"}, nil)
	// Must not panic or block even though there is no live connection.
	tr.NotifyTunnelConnected("", "T-1", "addr", 1, "user", "Minecraft")
}

func waitConnected(t *testing.T, tr *Transport) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		tr.mu.Lock()
		connected := tr.conn != nil
		tr.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for transport to connect")
}
