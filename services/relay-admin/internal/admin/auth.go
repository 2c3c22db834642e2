package admin

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/md-rashed-zaman/eventrelay/libs/auth"
	"github.com/md-rashed-zaman/eventrelay/libs/httpx"
)

const operatorRole = "operator"

type ctxKey int

const ctxKeyOperator ctxKey = iota

// OperatorFromContext returns the authenticated operator identity.
func OperatorFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxKeyOperator).(string)
	return v
}

// Authenticator gates the dead-letter API. Tokens must carry the operator
// role; a bcrypt-hashed break-glass credential covers the case where the
// token issuer itself is down. With nothing configured every request is
// rejected, never let through.
type Authenticator struct {
	Secret         string
	JWKS           *auth.JWKSClient
	BreakGlassUser string
	BreakGlassHash string
}

func (a *Authenticator) Middleware(logger *slog.Logger) httpx.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			operator, ok := a.authenticate(r)
			if !ok {
				logger.Warn("admin auth rejected",
					"request_id", httpx.RequestIDFromContext(r.Context()),
					"path", r.URL.Path)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), ctxKeyOperator, operator)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (string, bool) {
	if raw := r.Header.Get("Authorization"); strings.HasPrefix(raw, "Bearer ") {
		claims, err := a.verifyToken(strings.TrimPrefix(raw, "Bearer "))
		if err != nil || claims.Role != operatorRole || claims.Sub == "" {
			return "", false
		}
		return claims.Sub, true
	}

	if user, pass, ok := r.BasicAuth(); ok && a.BreakGlassUser != "" && a.BreakGlassHash != "" {
		if user != a.BreakGlassUser {
			return "", false
		}
		if bcrypt.CompareHashAndPassword([]byte(a.BreakGlassHash), []byte(pass)) != nil {
			return "", false
		}
		return "break-glass:" + user, true
	}

	return "", false
}

func (a *Authenticator) verifyToken(token string) (*auth.Claims, error) {
	header, err := auth.ParseHeader(token)
	if err != nil {
		return nil, err
	}
	if header.Alg == "RS256" && a.JWKS != nil {
		key, err := a.JWKS.Get(header.Kid)
		if err != nil {
			return nil, err
		}
		return auth.VerifyRS256(token, key)
	}
	if a.Secret == "" {
		return nil, auth.ErrInvalidToken
	}
	return auth.ParseAndVerifyHS256(token, a.Secret)
}
