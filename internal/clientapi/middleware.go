package clientapi

import (
	"log/slog"
	"net/http"
)

// Recover wraps next with the single global error handler spec §4.9
// requires: any panic is logged server-side and replied to as
// INTERNAL_ERROR, never echoing the panic value or a stack trace to the
// caller.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				slog.Error("clientapi: panic handling request", "recovered", rec, "path", r.URL.Path)
				writeError(w, errToHTTP["INTERNAL_ERROR"], "INTERNAL_ERROR", "Internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
