package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kubegate-labs/kubegate/pkg/api"
)

// KeySet supplies the verification keys for bearer tokens.
type KeySet interface {
	KeyFunc() jwt.Keyfunc
}

// StaticKeySet verifies HMAC-signed tokens against a shared secret. Suitable
// for single-cluster deployments; multi-cluster installs plug in a JWKS-backed
// KeySet instead.
type StaticKeySet struct {
	secret []byte
}

// NewStaticKeySet wraps a shared HMAC secret.
func NewStaticKeySet(secret []byte) *StaticKeySet {
	return &StaticKeySet{secret: secret}
}

func (s *StaticKeySet) KeyFunc() jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return s.secret, nil
	}
}

// GateClaims are the JWT claims the gateway expects: the subject identifies
// the actor, roles feed the coordinator's authorizer.
type GateClaims struct {
	jwt.RegisteredClaims
	Roles    []string `json:"roles"`
	Clusters []string `json:"clusters,omitempty"`
}

// JWTValidator validates bearer tokens and extracts claims.
type JWTValidator struct {
	keys KeySet
}

// NewJWTValidator creates a validator over the given KeySet.
func NewJWTValidator(keys KeySet) *JWTValidator {
	if keys == nil {
		return nil
	}
	return &JWTValidator{keys: keys}
}

// Validate parses and validates a token string.
func (v *JWTValidator) Validate(tokenStr string) (*GateClaims, error) {
	claims := &GateClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, v.keys.KeyFunc())
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// publicPaths are endpoints reachable without authentication.
var publicPaths = []string{
	"/healthz",
	"/readyz",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// NewMiddleware creates bearer-token auth middleware. A nil validator rejects
// every non-public request: an unconfigured gateway fails closed.
func NewMiddleware(validator *JWTValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicPath(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}

			if validator == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := validator.Validate(parts[1])
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			if claims.Subject == "" {
				api.WriteUnauthorized(w, "Token subject is required")
				return
			}

			principal := &BasePrincipal{
				ID:    claims.Subject,
				Roles: claims.Roles,
			}
			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
