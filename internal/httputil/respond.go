// Package httputil holds thin JSON response helpers shared by ClientAPI
// and PluginHandler — just enough to enforce consistent Content-Type and
// status codes across both HTTP surfaces.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

const contentTypeJSON = "application/json; charset=UTF-8"

// JSON writes a JSON-encoded payload with the given HTTP status code.
// If encoding fails, it writes a plain 500 error instead of a half
// written body.
func JSON(w http.ResponseWriter, code int, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		slog.Error("httputil: failed to marshal JSON response", "err", err)
		w.Header().Set("Content-Type", contentTypeJSON)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"Internal server error"}}`))
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(code)
	w.Write(b)
}

// NoContent writes 204 with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Forbidden writes a bare 403 with no body — used by PluginHandler's
// loopback check, which must never explain itself to a non-loopback peer.
func Forbidden(w http.ResponseWriter) {
	w.WriteHeader(http.StatusForbidden)
}
