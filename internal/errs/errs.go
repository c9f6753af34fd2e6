// Package errs provides a single error taxonomy used across FireFrp so
// every boundary (HTTP handlers, the plugin callback, bot command
// replies) maps an internal failure to a consistent, safe-to-show
// message without leaking stack traces or request bodies.
package errs

import (
	"errors"
	"strings"
)

type Kind uint8

const (
	KindOther       Kind = iota // unclassified — Internal, 500
	KindIO                      // store load/save failures — StoreIO, 500
	KindInvalid                 // bad request input — InvalidRequest, 400
	KindNotFound                // unknown credential/tunnel — CredentialUnknown, 404
	KindExpired                 // credential past its TTL — CredentialExpired, 410
	KindConflict                // credential already activated — CredentialUsed, 409
	KindForbidden               // revoked credential, non-loopback peer — 403
	KindGone                    // credential terminally disconnected — 410
	KindExhausted               // port pool exhausted — PoolExhausted
	KindRateLimited             // per-IP rate limit tripped — RateLimited, 429
	KindUnavailable             // frps subprocess not ready — SupervisorUnavailable, 503
)

type Op string

// Error is the concrete error type every package in FireFrp returns.
// Message is the only field ever safe to show a caller; Err is logged
// server-side but never serialized onto the wire.
type Error struct {
	Op      Op
	Kind    Kind
	Err     error
	Message string
}

func E(args ...any) error {
	e := &Error{}
	for _, arg := range args {
		switch v := arg.(type) {
		case Op:
			e.Op = v
		case Kind:
			e.Kind = v
		case error:
			e.Err = v
		case string:
			e.Message = v
		case *Error:
			cp := *v
			e.Err = &cp
		}
	}
	return e
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(string(e.Op))
	}
	if e.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind of err, defaulting to KindOther if err does
// not wrap an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// ShortKey truncates a credential key to its first 10 characters — used
// anywhere a key would otherwise be logged in full. Per spec, keys are
// never logged beyond their first 10 characters.
func ShortKey(key string) string {
	const maxLoggedChars = 10
	if len(key) <= maxLoggedChars {
		return key
	}
	return key[:maxLoggedChars]
}
