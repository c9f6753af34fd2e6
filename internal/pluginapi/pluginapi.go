// Package pluginapi implements C8, the HTTP endpoint frps calls back
// into for Login/NewProxy/Ping/CloseProxy. Grounded on the teacher's
// monitor.RegisterRoutes/HandleStats shape for a narrow, single-purpose
// http.Handler wired directly off a domain service, generalized to the
// op-dispatch envelope of spec §4.8/§6.2.
package pluginapi

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/httputil"
	"github.com/lieyanc/FireFrp/internal/model"
	"github.com/lieyanc/FireFrp/internal/rejectset"
)

// Notifier is the narrow slice of BotTransport the plugin handler needs.
// Defined locally so pluginapi has no compile-time dependency on the
// WebSocket transport package, matching the teacher's pattern of
// consumer-defined interfaces (internal/platform/executil.Runner).
type Notifier interface {
	NotifyTunnelConnected(groupID, tunnelID, publicAddr string, remotePort int, userName, displayGame string)
	NotifyTunnelDisconnected(groupID, tunnelID, userName string)
}

// MotdStarter is the narrow slice of MotdProbe the plugin handler needs.
type MotdStarter interface {
	Start(tunnelID, publicAddr string, remotePort int)
	Cancel(tunnelID string)
}

// Handler services frps's single plugin callback endpoint.
type Handler struct {
	svc        *credential.Service
	reject     *rejectset.Set
	notifier   Notifier
	motd       MotdStarter
	publicAddr string
}

// New constructs a Handler. publicAddr is used to build the
// "publicAddr:remotePort" tuple in tunnel-connected notifications.
func New(svc *credential.Service, reject *rejectset.Set, notifier Notifier, motd MotdStarter, publicAddr string) *Handler {
	return &Handler{svc: svc, reject: reject, notifier: notifier, motd: motd, publicAddr: publicAddr}
}

type pluginRequest struct {
	Version string          `json:"version"`
	Op      string          `json:"op"`
	Content json.RawMessage `json:"content"`
}

type pluginResponse struct {
	Reject       bool   `json:"reject"`
	RejectReason string `json:"reject_reason"`
	Unchange     bool   `json:"unchange,omitempty"`
}

func allow() pluginResponse {
	return pluginResponse{Reject: false, RejectReason: "", Unchange: true}
}

func deny(reason string) pluginResponse {
	return pluginResponse{Reject: true, RejectReason: reason}
}

// ServeHTTP implements the §6.2 envelope. It never default-allows: any
// decode failure, unknown op, or panic during dispatch replies deny. The
// one exception is CloseProxy, which always replies allow, even when its
// content fails to decode.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		httputil.Forbidden(w)
		return
	}

	var resp pluginResponse
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("pluginapi: panic handling callback", "recovered", rec)
				resp = deny("Internal server error")
			}
		}()

		var req pluginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			resp = deny("Internal server error")
			return
		}

		switch req.Op {
		case "Login":
			resp = h.handleLogin(req.Content)
		case "NewProxy":
			resp = h.handleNewProxy(req.Content)
		case "Ping":
			resp = h.handlePing(req.Content)
		case "CloseProxy":
			resp = h.handleCloseProxy(req.Content)
		default:
			resp = deny("unknown op")
		}
	}()

	httputil.JSON(w, http.StatusOK, resp)
}

// isLoopback reports whether a RemoteAddr (host:port form) names the
// loopback interface per spec §4.8's mandatory source check.
func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

type loginContent struct {
	Metas map[string]string `json:"metas"`
	RunID string            `json:"run_id"`
}

func (h *Handler) handleLogin(raw json.RawMessage) pluginResponse {
	var c loginContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return deny("malformed content")
	}
	key := c.Metas["access_key"]
	if key == "" {
		return deny("missing access_key")
	}

	rec, ok := h.svc.GetByKey(key)
	if !ok {
		return deny("unknown credential")
	}

	now := time.Now()
	if rec.Status == model.StatusPending && !rec.ExpiresAt.After(now) {
		h.reject.Add(key, now)
		h.svc.Expire(rec.ID)
		return deny("credential expired")
	}

	switch rec.Status {
	case model.StatusExpired, model.StatusRevoked, model.StatusDisconnected:
		return deny("credential not usable")
	case model.StatusActive:
		return allow() // idempotent reconnection of the same client
	case model.StatusPending:
		activated, ok := h.svc.Activate(key, c.RunID)
		if !ok {
			return deny("activation failed")
		}
		if activated.GroupID != "" {
			h.notifier.NotifyTunnelConnected(activated.GroupID, activated.TunnelID, h.publicAddr, activated.RemotePort, activated.UserName, model.DisplayGameName(activated.GameType))
		}
		if activated.GameType == "minecraft" {
			h.motd.Start(activated.TunnelID, h.publicAddr, activated.RemotePort)
		}
		return allow()
	default:
		return deny("credential not usable")
	}
}

type newProxyContent struct {
	User struct {
		Metas map[string]string `json:"metas"`
	} `json:"user"`
	ProxyName  string `json:"proxy_name"`
	ProxyType  string `json:"proxy_type"`
	RemotePort int    `json:"remote_port"`
}

func (h *Handler) handleNewProxy(raw json.RawMessage) pluginResponse {
	var c newProxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return deny("malformed content")
	}
	key := c.User.Metas["access_key"]
	if key == "" {
		return deny("missing access_key")
	}
	rec, ok := h.svc.GetByKey(key)
	if !ok {
		return deny("unknown credential")
	}
	if c.ProxyName != rec.ProxyName {
		return deny("proxy name mismatch")
	}
	if c.RemotePort != rec.RemotePort {
		return deny("remote port mismatch")
	}
	if c.ProxyType != "tcp" {
		return deny("unsupported proxy type")
	}
	return allow()
}

type pingContent struct {
	User struct {
		Metas map[string]string `json:"metas"`
	} `json:"user"`
}

func (h *Handler) handlePing(raw json.RawMessage) pluginResponse {
	var c pingContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return deny("malformed content")
	}
	key := c.User.Metas["access_key"]
	if key == "" {
		return allow()
	}
	if h.reject.Contains(key) {
		return deny("credential rejected")
	}
	rec, ok := h.svc.GetByKey(key)
	if !ok {
		return deny("unknown credential")
	}
	now := time.Now()
	if rec.Status == model.StatusExpired || rec.Status == model.StatusRevoked || rec.Status == model.StatusDisconnected {
		h.reject.Add(key, now)
		return deny("credential not usable")
	}
	if !rec.ExpiresAt.After(now) {
		h.reject.Add(key, now)
		h.svc.Expire(rec.ID)
		return deny("Access key has expired")
	}
	return allow()
}

type closeProxyContent struct {
	User struct {
		Metas map[string]string `json:"metas"`
	} `json:"user"`
	ProxyName string `json:"proxy_name"`
}

func (h *Handler) handleCloseProxy(raw json.RawMessage) pluginResponse {
	var c closeProxyContent
	if err := json.Unmarshal(raw, &c); err != nil {
		return allow() // CloseProxy always replies allow per spec §4.8
	}
	key := c.User.Metas["access_key"]
	if key == "" {
		return allow()
	}

	rec, ok, err := h.svc.Disconnect(key)
	if err != nil {
		slog.Error("pluginapi: disconnect failed", "err", err)
		return allow()
	}
	if !ok {
		return allow()
	}

	h.reject.Add(key, time.Now())
	h.motd.Cancel(rec.TunnelID)
	if rec.GroupID != "" {
		h.notifier.NotifyTunnelDisconnected(rec.GroupID, rec.TunnelID, rec.UserName)
	}
	return allow()
}
