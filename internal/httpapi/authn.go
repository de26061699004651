package httpapi

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"orbaccess.dev/internal/audit"
)

// EnvAuthSecret names the HMAC secret for admin tokens. When unset,
// admin authentication is disabled (local development).
const EnvAuthSecret = "ORB_AUTH_SECRET"

// AdminClaims is the JWT payload accepted on administrative routes.
type AdminClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

var publicPaths = []string{
	"/healthz",
	"/readyz",
	"/metrics",
	"/v1/info",
	"/v1/authorize",
	"/",
}

func loadAuthSecret() []byte {
	secret := strings.TrimSpace(os.Getenv(EnvAuthSecret))
	if secret == "" {
		return nil
	}
	return []byte(secret)
}

// withAdminAuth guards administrative routes with a bearer JWT. The
// authorizer endpoint stays open: its callers authenticate with the
// API key being checked.
func (a *API) withAdminAuth(next http.Handler) http.Handler {
	if len(a.authSecret) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "missing bearer token")
			return
		}
		claims, err := a.parseAdminToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, codeUnauthorized, "invalid token")
			return
		}

		ctx := audit.ContextWithActor(r.Context(), claims.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *API) parseAdminToken(token string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.authSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithLeeway(30*time.Second))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// SignAdminToken mints an HS256 admin token; used by tooling and tests.
func SignAdminToken(secret []byte, subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := AdminClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}
