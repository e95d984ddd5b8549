package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/coachkb/internal/logging"
)

// Rejection reasons reported in logs and in the auth failure counter.
const (
	rejectMissing = "missing"
	rejectInvalid = "invalid"
)

// tokenAuth guards the creator routes with a shared Bearer key:
//
//	Authorization: Bearer <key>
//
// The key is compared in constant time and never logged.
type tokenAuth struct {
	key      []byte
	rejected *prometheus.CounterVec
}

// newTokenAuth returns nil when apiKey is empty, which disables the check.
// rejected may be nil.
func newTokenAuth(apiKey string, rejected *prometheus.CounterVec) *tokenAuth {
	if apiKey == "" {
		return nil
	}
	return &tokenAuth{key: []byte(apiKey), rejected: rejected}
}

// wrap puts the key check in front of next. A nil receiver returns next.
func (a *tokenAuth) wrap(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reason := a.verify(r)
		if reason == "" {
			next.ServeHTTP(w, r)
			return
		}
		a.reject(w, r, reason)
	})
}

// verify returns the rejection reason for r, or "" when the key matches.
func (a *tokenAuth) verify(r *http.Request) string {
	token := bearerToken(r)
	switch {
	case token == "":
		return rejectMissing
	case subtle.ConstantTimeCompare([]byte(token), a.key) != 1:
		return rejectInvalid
	}
	return ""
}

// reject answers 401 with a Bearer challenge. An invalid key additionally
// carries error="invalid_token" so clients can tell it from a missing one.
func (a *tokenAuth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	if a.rejected != nil {
		a.rejected.WithLabelValues(reason).Inc()
	}
	logging.FromContext(r.Context()).Warn("auth: request rejected",
		slog.String("reason", reason),
		slog.String("path", r.URL.Path),
		slog.String("creator_id", r.PathValue("id")),
	)

	challenge, msg := `Bearer realm="coachkb"`, "authorization required"
	if reason == rejectInvalid {
		challenge, msg = challenge+` error="invalid_token"`, "invalid token"
	}
	w.Header().Set("WWW-Authenticate", challenge)
	writeError(r.Context(), w, http.StatusUnauthorized, msg)
}

// bearerToken returns the credentials of a Bearer Authorization header, or ""
// for any other scheme or a header without credentials.
func bearerToken(r *http.Request) string {
	scheme, creds, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(creds)
}
