package motdprobe

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"
)

// fakeMinecraftServer speaks just enough of the status handshake to
// exercise the decoder: read the two inbound packets, ignore their
// contents, and reply with a canned status JSON payload.
func fakeMinecraftServer(t *testing.T, statusJSON string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		defer ln.Close()

		// handshake packet, then status-request packet; discard both.
		readPacket(conn)
		readPacket(conn)

		var body bytes.Buffer
		writeVarInt(&body, 0x00)
		writeString(&body, statusJSON)
		writePacket(conn, body.Bytes())
	}()
	return ln.Addr().String()
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func TestQuery_DecodesStatusResponse(t *testing.T) {
	addr := fakeMinecraftServer(t, `{"description":{"text":"Welcome!"},"players":{"online":3,"max":20},"version":{"name":"1.20.4"}}`)
	host, port := splitHostPort(t, addr)

	result, err := query(host, port)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if result.Motd != "Welcome!" || result.Online != 3 || result.Max != 20 || result.Version != "1.20.4" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestVarInt_RoundTrips(t *testing.T) {
	for _, v := range []int32{0, 1, 127, 128, 300, 2097151, 1 << 20} {
		var buf bytes.Buffer
		writeVarInt(&buf, v)
		got, err := readVarInt(bytes.NewReader(buf.Bytes()))
		if err != nil {
			t.Fatalf("readVarInt(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip mismatch: want %d got %d", v, got)
		}
	}
}

func TestService_CancelStopsPendingTimers(t *testing.T) {
	var mu sync.Mutex
	var notified bool
	svc := New(func(tunnelID string, result Result, success bool) {
		mu.Lock()
		notified = true
		mu.Unlock()
	})

	svc.Start("T-1", "192.0.2.1", 25565)
	svc.Cancel("T-1")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if notified {
		t.Fatal("expected no notification after Cancel")
	}
}

func TestService_NotifiesFailureAfterAllAttemptsExhausted(t *testing.T) {
	svc := &Service{probes: make(map[string]*probe)}
	done := make(chan struct{})
	var gotSuccess bool
	svc.notify = func(tunnelID string, result Result, success bool) {
		gotSuccess = success
		close(done)
	}

	p := &probe{}
	svc.mu.Lock()
	svc.probes["T-2"] = p
	svc.mu.Unlock()

	// Point at a closed port so every attempt fails fast, then drive the
	// final attempt directly rather than waiting on the real schedule.
	go svc.runAttempt("T-2", "127.0.0.1", 1, len(delays)-1, p)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure notification")
	}
	if gotSuccess {
		t.Fatal("expected success=false")
	}
}

func TestService_CancelAllClearsEverything(t *testing.T) {
	svc := New(nil)
	svc.Start("T-3", "192.0.2.1", 25565)
	svc.Start("T-4", "192.0.2.1", 25565)
	svc.CancelAll()

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if len(svc.probes) != 0 {
		t.Fatalf("expected no in-flight probes, got %d", len(svc.probes))
	}
}
