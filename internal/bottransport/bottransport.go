// Package bottransport implements C10: a long-lived, reconnecting
// outbound WebSocket connection to the chat gateway. Grounded on the
// teacher's websocket client/server shape from the retrieval pack
// (marocz-ObsidianStack/server/internal/ws.Hub's writePump/readPump
// split and ping/pong keepalive), adapted from an inbound multi-client
// hub to a single outbound reconnecting client.
package bottransport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	writeTimeout  = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendBufSize   = 64
	callApiTimeout = 10 * time.Second
)

// EventHandler receives every inbound event frame (post_type == message
// or meta_event). Kept as a one-method interface so bottransport never
// imports the dispatcher package that implements it.
type EventHandler interface {
	HandleEvent(frame []byte)
}

// Config configures the outbound connection.
type Config struct {
	WsURL           string
	Token           string
	SelfID          string
	BroadcastGroups []string
}

// Transport owns the single outbound WebSocket connection (spec §5:
// "WebSocket handle: owned by BotTransport").
type Transport struct {
	cfg     Config
	handler EventHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	selfID   atomic.Value // string
	echoSeq  uint64
	reconnectCount int

	pendingMu sync.Mutex
	pending   map[string]chan callResult

	stop     chan struct{}
	stopOnce sync.Once
}

type callResult struct {
	data    json.RawMessage
	retcode int
	status  string
}

// New constructs a Transport. Connect must be called to start it.
func New(cfg Config, handler EventHandler) *Transport {
	t := &Transport{
		cfg:     cfg,
		handler: handler,
		pending: make(map[string]chan callResult),
		stop:    make(chan struct{}),
	}
	t.selfID.Store(cfg.SelfID)
	return t
}

// SetHandler assigns the event handler after construction, for callers
// whose handler itself depends on the Transport (e.g. BotDispatcher
// needs a Sender to reply through). Must be called before Connect.
func (t *Transport) SetHandler(handler EventHandler) {
	t.handler = handler
}

// Connect runs the reconnect loop in a background goroutine until
// ctx is canceled or Stop is called.
func (t *Transport) Connect(ctx context.Context) {
	go t.runLoop(ctx)
}

func (t *Transport) runLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		default:
		}

		if err := t.connectOnce(ctx); err != nil {
			slog.Warn("bottransport: connection attempt failed", "err", err)
		}

		delay := backoffDelay(t.reconnectCount)
		t.reconnectCount++
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-time.After(delay):
		}
	}
}

func backoffDelay(k int) time.Duration {
	d := time.Second
	for i := 0; i < k; i++ {
		d *= 2
		if d >= 30*time.Second {
			return 30 * time.Second
		}
	}
	return d
}

func (t *Transport) dialURL() (string, error) {
	u, err := url.Parse(t.cfg.WsURL)
	if err != nil {
		return "", fmt.Errorf("bottransport: invalid wsUrl: %w", err)
	}
	if t.cfg.Token != "" {
		q := u.Query()
		q.Set("access_token", t.cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// connectOnce dials, resets the reconnect counter on success, and
// blocks until the connection closes.
func (t *Transport) connectOnce(ctx context.Context) error {
	dialURL, err := t.dialURL()
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, dialURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.send = make(chan []byte, sendBufSize)
	sendCh := t.send
	t.reconnectCount = 0
	t.mu.Unlock()

	slog.Info("bottransport: connected")

	done := make(chan struct{})
	go t.writePump(conn, sendCh, done)
	t.readPump(conn, done)

	t.mu.Lock()
	t.conn = nil
	t.mu.Unlock()
	t.failAllPending()
	return nil
}

func (t *Transport) writePump(conn *websocket.Conn, send chan []byte, done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (t *Transport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		t.dispatch(msg)
	}
}

// dispatch routes an inbound frame to either a pending callApi future
// (matched by echo) or the configured EventHandler.
func (t *Transport) dispatch(frame []byte) {
	echo := gjson.GetBytes(frame, "echo")
	if echo.Exists() && echo.String() != "" {
		t.resolvePending(echo.String(), frame)
		return
	}

	if selfID := gjson.GetBytes(frame, "self_id"); selfID.Exists() && t.selfID.Load().(string) == "" {
		t.selfID.Store(strconv.FormatInt(selfID.Int(), 10))
	}

	if t.handler != nil {
		t.handler.HandleEvent(frame)
	}
}

func (t *Transport) resolvePending(echo string, frame []byte) {
	t.pendingMu.Lock()
	ch, ok := t.pending[echo]
	if ok {
		delete(t.pending, echo)
	}
	t.pendingMu.Unlock()
	if !ok {
		return
	}
	ch <- callResult{
		data:    json.RawMessage(gjson.GetBytes(frame, "data").Raw),
		retcode: int(gjson.GetBytes(frame, "retcode").Int()),
		status:  gjson.GetBytes(frame, "status").String(),
	}
}

func (t *Transport) failAllPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	for echo, ch := range t.pending {
		close(ch)
		delete(t.pending, echo)
	}
}

func (t *Transport) nextEcho() string {
	n := atomic.AddUint64(&t.echoSeq, 1)
	return fmt.Sprintf("ff-%d-%d", time.Now().UnixNano(), n)
}

// enqueue sends payload on the live connection's channel, dropping it
// silently if there is currently no connection (fire-and-forget per
// spec §5: "bot notifications are asynchronous").
func (t *Transport) enqueue(payload []byte) {
	t.mu.Lock()
	send := t.send
	t.mu.Unlock()
	if send == nil {
		slog.Warn("bottransport: dropping message, not connected")
		return
	}
	select {
	case send <- payload:
	default:
		slog.Warn("bottransport: send buffer full, dropping message")
	}
}

// CallApi sends an action frame and waits up to 10s for a matching
// response (spec §4.10).
func (t *Transport) CallApi(action string, params any) (json.RawMessage, error) {
	echo := t.nextEcho()
	frame, err := json.Marshal(map[string]any{"action": action, "params": params, "echo": echo})
	if err != nil {
		return nil, fmt.Errorf("bottransport: marshaling call: %w", err)
	}

	ch := make(chan callResult, 1)
	t.pendingMu.Lock()
	t.pending[echo] = ch
	t.pendingMu.Unlock()

	t.enqueue(frame)

	select {
	case res, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("bottransport: connection closed before response")
		}
		if res.status != "ok" {
			return nil, fmt.Errorf("bottransport: call %s failed: status=%s retcode=%d", action, res.status, res.retcode)
		}
		return res.data, nil
	case <-time.After(callApiTimeout):
		t.pendingMu.Lock()
		delete(t.pending, echo)
		t.pendingMu.Unlock()
		return nil, fmt.Errorf("bottransport: call %s timed out", action)
	}
}

// SendGroupMessage sends a mention-prefixed text message to groupID,
// per spec §4.10's segment layout.
func (t *Transport) SendGroupMessage(groupID, userID, text string) {
	segments := []map[string]any{
		{"type": "at", "data": map[string]any{"qq": userID}},
		{"type": "text", "data": map[string]any{"text": " " + text}},
	}
	if _, err := t.CallApi("send_group_msg", map[string]any{"group_id": groupID, "message": segments}); err != nil {
		slog.Warn("bottransport: send_group_msg failed", "err", err)
	}
}

// groupTextMessageAsync enqueues a send_group_msg frame without waiting
// for the gateway's echo reply. Used for tunnel-event notifications,
// which must never stall the caller: a disconnected gateway (send ==
// nil) drops the frame instead of blocking.
func (t *Transport) groupTextMessageAsync(groupID, text string) {
	segments := []map[string]any{{"type": "text", "data": map[string]any{"text": text}}}
	frame, err := json.Marshal(map[string]any{
		"action": "send_group_msg",
		"params": map[string]any{"group_id": groupID, "message": segments},
		"echo":   t.nextEcho(),
	})
	if err != nil {
		slog.Warn("bottransport: marshaling send_group_msg failed", "err", err)
		return
	}
	t.enqueue(frame)
}

func (t *Transport) groupTextMessage(groupID, text string) {
	segments := []map[string]any{{"type": "text", "data": map[string]any{"text": text}}}
	if _, err := t.CallApi("send_group_msg", map[string]any{"group_id": groupID, "message": segments}); err != nil {
		slog.Warn("bottransport: send_group_msg failed", "err", err)
	}
}

// NotifyTunnelConnected satisfies pluginapi.Notifier. Fire-and-forget:
// must not block the frps plugin callback that triggers it.
func (t *Transport) NotifyTunnelConnected(groupID, tunnelID, publicAddr string, remotePort int, userName, displayGame string) {
	if groupID == "" {
		return
	}
	text := fmt.Sprintf("tunnel %s connected: %s:%d (%s, %s)", tunnelID, publicAddr, remotePort, userName, displayGame)
	t.groupTextMessageAsync(groupID, text)
}

// NotifyTunnelDisconnected satisfies pluginapi.Notifier. Fire-and-forget,
// same reasoning as NotifyTunnelConnected.
func (t *Transport) NotifyTunnelDisconnected(groupID, tunnelID, userName string) {
	if groupID == "" {
		return
	}
	text := fmt.Sprintf("tunnel %s disconnected (%s)", tunnelID, userName)
	t.groupTextMessageAsync(groupID, text)
}

// BroadcastGroupMessage sends text to every group in groups, or the
// configured BroadcastGroups if groups is nil.
func (t *Transport) BroadcastGroupMessage(text string, groups []string) {
	if groups == nil {
		groups = t.cfg.BroadcastGroups
	}
	for _, g := range groups {
		t.groupTextMessage(g, text)
	}
}

// SelfID returns the chat self-identity, auto-captured from the first
// inbound event if not pre-configured (spec §5).
func (t *Transport) SelfID() string {
	return t.selfID.Load().(string)
}

// Stop closes the transport and stops reconnecting.
func (t *Transport) Stop() {
	t.stopOnce.Do(func() {
		close(t.stop)
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		t.failAllPending()
	})
}
