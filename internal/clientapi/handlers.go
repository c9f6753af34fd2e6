// Package clientapi implements C9: the public-facing JSON API game
// clients call to redeem a one-shot credential. Grounded on the
// teacher's monitor.HandleStats/HandleSpeedtest shape for small
// http.HandlerFunc methods on a domain-service-holding struct, enriched
// with golang.org/x/time/rate for the dual-window limiter spec §4.9
// requires (a concern the teacher itself never needed).
package clientapi

import (
	"encoding/json"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/lieyanc/FireFrp/internal/config"
	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/httputil"
)

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

const maxKeyLength = 128

// API wires the client-facing HTTP routes.
type API struct {
	svc     *credential.Service
	cfg     *config.Config
	limiter *IPLimiter
}

// New constructs an API.
func New(svc *credential.Service, cfg *config.Config) *API {
	return &API{svc: svc, cfg: cfg, limiter: NewIPLimiter()}
}

// RegisterRoutes mounts the client API onto mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/validate", a.handleValidate)
	mux.HandleFunc("GET /api/v1/server-info", a.handleServerInfo)
	mux.HandleFunc("GET /health", a.handleHealth)
}

// StartLimiterSweeper starts the background bucket sweep; stop closes
// it down during graceful shutdown.
func (a *API) StartLimiterSweeper(stop <-chan struct{}) {
	a.limiter.StartSweeper(5*time.Minute, stop)
}

type envelope struct {
	OK    bool           `json:"ok"`
	Data  any            `json:"data,omitempty"`
	Error *envelopeError `json:"error,omitempty"`
}

type envelopeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeOK(w http.ResponseWriter, status int, data any) {
	httputil.JSON(w, status, envelope{OK: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	httputil.JSON(w, status, envelope{OK: false, Error: &envelopeError{Code: code, Message: message}})
}

// errToHTTP maps the spec §4.9 error-code table.
var errToHTTP = map[string]int{
	"KEY_NOT_FOUND":     http.StatusNotFound,
	"KEY_EXPIRED":       http.StatusGone,
	"KEY_ALREADY_USED":  http.StatusConflict,
	"KEY_REVOKED":       http.StatusForbidden,
	"KEY_DISCONNECTED":  http.StatusGone,
	"RATE_LIMITED":      http.StatusTooManyRequests,
	"INVALID_REQUEST":   http.StatusBadRequest,
	"INTERNAL_ERROR":    http.StatusInternalServerError,
}

type validateRequest struct {
	Key string `json:"key"`
}

type validateData struct {
	FrpsAddr   string    `json:"frps_addr"`
	FrpsPort   int       `json:"frps_port"`
	RemotePort int       `json:"remote_port"`
	Token      string    `json:"token"`
	ProxyName  string    `json:"proxy_name"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (a *API) handleValidate(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !a.limiter.Allow(ip) {
		writeError(w, errToHTTP["RATE_LIMITED"], "RATE_LIMITED", "rate limit exceeded")
		return
	}

	var req validateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errToHTTP["INVALID_REQUEST"], "INVALID_REQUEST", "malformed request body")
		return
	}
	if req.Key == "" || len(req.Key) > maxKeyLength || !keyPattern.MatchString(req.Key) {
		writeError(w, errToHTTP["INVALID_REQUEST"], "INVALID_REQUEST", "invalid key format")
		return
	}

	result, err := a.svc.Validate(req.Key)
	if err != nil {
		writeError(w, errToHTTP["KEY_NOT_FOUND"], "KEY_NOT_FOUND", "credential not found")
		return
	}
	if result.Code != "" {
		status, ok := errToHTTP[result.Code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeError(w, status, result.Code, "credential is not usable")
		return
	}

	rec := result.Credential
	writeOK(w, http.StatusOK, validateData{
		FrpsAddr:   a.cfg.EffectiveFrpsAddr(r.Host),
		FrpsPort:   a.cfg.Frps.BindPort,
		RemotePort: rec.RemotePort,
		Token:      a.cfg.Frps.AuthToken,
		ProxyName:  rec.ProxyName,
		ExpiresAt:  rec.ExpiresAt,
	})
}

type serverInfoData struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PublicAddr     string `json:"public_addr"`
	Description    string `json:"description"`
	ClientVersion  string `json:"client_version"`
	UpdateChannel  string `json:"update_channel"`
}

func (a *API) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeOK(w, http.StatusOK, serverInfoData{
		ID:            a.cfg.Server.ID,
		Name:          a.cfg.Server.Name,
		PublicAddr:    a.cfg.Server.PublicAddr,
		Description:   a.cfg.Server.Description,
		ClientVersion: a.cfg.FrpVersion,
		UpdateChannel: a.cfg.Updates.Channel,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now(),
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
