package clientapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lieyanc/FireFrp/internal/clientapi"
	"github.com/lieyanc/FireFrp/internal/config"
	"github.com/lieyanc/FireFrp/internal/credential"
	"github.com/lieyanc/FireFrp/internal/portalloc"
	"github.com/lieyanc/FireFrp/internal/rejectset"
	"github.com/lieyanc/FireFrp/internal/store"
)

func newTestAPI(t *testing.T) (*clientapi.API, *credential.Service) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	ports, err := portalloc.New(20000, 20050)
	if err != nil {
		t.Fatalf("portalloc.New: %v", err)
	}
	svc := credential.New(st, ports, rejectset.New(), "ff-")
	cfg := &config.Config{
		Server: config.ServerIdentity{ID: "node-1", Name: "FireFrp"},
		Frps:   config.FrpsConfig{BindAddr: "0.0.0.0", BindPort: 7000, AuthToken: "tok"},
	}
	return clientapi.New(svc, cfg), svc
}

func newMux(a *clientapi.API) http.Handler {
	mux := http.NewServeMux()
	a.RegisterRoutes(mux)
	return clientapi.Recover(mux)
}

func postValidate(t *testing.T, h http.Handler, key string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"key": key})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", bytes.NewReader(body))
	req.RemoteAddr = "192.0.2.1:1111"
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	var out map[string]any
	json.Unmarshal(rr.Body.Bytes(), &out)
	return rr, out
}

func TestValidate_UnknownKeyReturns404(t *testing.T) {
	a, _ := newTestAPI(t)
	rr, body := postValidate(t, newMux(a), "nonexistent-key")

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	errObj, _ := body["error"].(map[string]any)
	if errObj["code"] != "KEY_NOT_FOUND" {
		t.Fatalf("expected KEY_NOT_FOUND, got %+v", body)
	}
}

func TestValidate_InvalidKeyFormatReturns400(t *testing.T) {
	a, _ := newTestAPI(t)
	rr, _ := postValidate(t, newMux(a), "has a space/slash")

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestValidate_PendingCredentialSucceeds(t *testing.T) {
	a, svc := newTestAPI(t)
	rec, err := svc.Create("u1", "a", "", "minecraft", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	rr, body := postValidate(t, newMux(a), rec.Key)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%v", rr.Code, body)
	}
	data, _ := body["data"].(map[string]any)
	if data["proxy_name"] != rec.ProxyName {
		t.Fatalf("expected proxy name %q, got %+v", rec.ProxyName, data)
	}
}

func TestValidate_ActiveCredentialReturns409(t *testing.T) {
	a, svc := newTestAPI(t)
	rec, _ := svc.Create("u1", "a", "", "minecraft", time.Hour)
	svc.Activate(rec.Key, "c1")

	rr, body := postValidate(t, newMux(a), rec.Key)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d body=%v", rr.Code, body)
	}
}

func TestServerInfo_ReturnsConfiguredIdentity(t *testing.T) {
	a, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/server-info", nil)
	rr := httptest.NewRecorder()
	newMux(a).ServeHTTP(rr, req)

	var body map[string]any
	json.Unmarshal(rr.Body.Bytes(), &body)
	data, _ := body["data"].(map[string]any)
	if data["id"] != "node-1" {
		t.Fatalf("expected server id node-1, got %+v", data)
	}
}

func TestHealth_ReturnsOK(t *testing.T) {
	a, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	newMux(a).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestValidate_RateLimitTripsAfterBurst(t *testing.T) {
	a, svc := newTestAPI(t)
	rec, _ := svc.Create("u1", "a", "", "minecraft", time.Hour)
	mux := newMux(a)

	var lastCode int
	for i := 0; i < 25; i++ {
		rr, _ := postValidate(t, mux, rec.Key)
		lastCode = rr.Code
	}
	if lastCode != http.StatusTooManyRequests {
		t.Fatalf("expected eventual 429 after exceeding the per-minute burst, got %d", lastCode)
	}
}
