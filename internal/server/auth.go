package server

import (
	"crypto/subtle"
	"net/http"
)

// setupIdentity is the only username the setup surface accepts.
const setupIdentity = "admin"

// BasicAuth guards the setup surface with HTTP Basic credentials.
type BasicAuth struct {
	password string
}

func NewBasicAuth(password string) *BasicAuth {
	return &BasicAuth{password: password}
}

// Wrap rejects requests that lack the exact credentials. With no password
// configured every protected route is refused outright; an empty password
// never means allow-all.
func (ba *BasicAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ba.password == "" {
			http.Error(w, "setup password not configured; set SETUP_PASSWORD", http.StatusForbidden)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || !ba.match(user, pass) {
			w.Header().Set("WWW-Authenticate", `Basic realm="moltbot setup", charset="UTF-8"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// match uses constant-time comparison on both fields to prevent timing attacks.
func (ba *BasicAuth) match(user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(setupIdentity)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(ba.password)) == 1
	return userOK && passOK
}
