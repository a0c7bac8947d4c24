package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/kinkys/narrativecore/internal/config"
)

// authContextKey is the context key type for authenticated API key entries.
type authContextKey struct{}

// AuthMiddleware validates either a dashboard-issued JWT bearer token
// (signed with API_JWT_SECRET) or an operator-issued static API key
// from the Authorization header, per the admin API's two credential
// classes (config.AuthConfig).
type AuthMiddleware struct {
	keys      map[string]*config.APIKeyEntry
	enabled   bool
	jwtSecret []byte
	mu        sync.RWMutex
}

// NewAuthMiddleware creates an auth middleware from config.
func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	am := &AuthMiddleware{
		keys:    make(map[string]*config.APIKeyEntry),
		enabled: cfg.Enabled,
	}
	if cfg.JWTSecret != "" {
		am.jwtSecret = []byte(cfg.JWTSecret)
	}
	for i := range cfg.Keys {
		am.keys[cfg.Keys[i].Key] = &cfg.Keys[i]
	}
	return am
}

// Wrap wraps an http.Handler, accepting either a JWT bearer token or a
// static API key over the Authorization/X-API-Key/api_key surfaces.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health check and metrics endpoints.
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" || r.URL.Path == "/metrics/prometheus" {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			http.Error(w, `{"error":"missing credential"}`, http.StatusUnauthorized)
			return
		}

		if am.jwtSecret != nil {
			if claims, err := am.parseToken(key); err == nil {
				entry := &config.APIKeyEntry{Description: "jwt", Scopes: claims.Scopes}
				ctx := context.WithValue(r.Context(), authContextKey{}, entry)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}
		}

		am.mu.RLock()
		entry, exists := am.lookupKey(key)
		am.mu.RUnlock()

		if !exists {
			http.Error(w, `{"error":"invalid credential"}`, http.StatusForbidden)
			return
		}

		// Inject key entry into context for downstream handlers.
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// dashboardClaims is the JWT payload minted for the admin dashboard:
// standard registered claims plus the scopes it may invoke.
type dashboardClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// parseToken validates tokenString against the configured HMAC secret
// and returns its claims. Any parse or signature failure is reported as
// a single opaque error so the caller falls through to the static key
// path rather than leaking which validation step failed.
func (am *AuthMiddleware) parseToken(tokenString string) (*dashboardClaims, error) {
	claims := &dashboardClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return am.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// ExtractAPIKey extracts an API key from request headers or query params.
// It checks, in order: Authorization: Bearer <key>, X-API-Key header, api_key query param.
func ExtractAPIKey(r *http.Request) string {
	// Check Authorization: Bearer <key>
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Check X-API-Key header
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	// Check query param (useful for SSE endpoints where headers are difficult).
	return r.URL.Query().Get("api_key")
}

// lookupKey uses constant-time comparison to prevent timing attacks.
func (am *AuthMiddleware) lookupKey(candidate string) (*config.APIKeyEntry, bool) {
	for k, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(k)) == 1 {
			return entry, true
		}
	}
	return nil, false
}

// KeyEntryFromContext retrieves the authenticated API key entry from context.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(*config.APIKeyEntry); ok {
		return entry
	}
	return nil
}
