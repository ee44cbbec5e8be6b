package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/hookmeter/internal/handler"
)

// OperatorAuth guards operator endpoints such as /metrics with HTTP basic
// authentication. With no username and no password every request passes.
type OperatorAuth struct {
	Realm    string
	Username string
	Password string
}

// Enabled reports whether credentials are configured.
func (a OperatorAuth) Enabled() bool {
	return a.Username != "" || a.Password != ""
}

// Require returns middleware that rejects requests without the configured
// credentials with a JSON 401 and a Basic challenge for the realm.
func (a OperatorAuth) Require(logger *slog.Logger) func(http.Handler) http.Handler {
	if !a.Enabled() {
		return func(next http.Handler) http.Handler { return next }
	}

	want := credentialDigest(a.Username, a.Password)
	challenge := fmt.Sprintf("Basic realm=%q", a.Realm)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			got := credentialDigest(user, pass)
			// Digests have a fixed length, so the comparison time says
			// nothing about either field.
			if !ok || subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				w.Header().Set("WWW-Authenticate", challenge)
				handler.UnauthorizedResponse(w, r, logger)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func credentialDigest(user, pass string) [sha256.Size]byte {
	return sha256.Sum256([]byte(user + "\x00" + pass))
}
