/**
 * @description
 * Authentication middleware. A request is either a trusted internal service presenting
 * X-Internal-API-Key (optionally naming the payer with X-User-ID), or a user presenting
 * a Clerk-issued bearer JWT whose `sub` becomes the principal's user id.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: JWT parsing and RS256 verification.
 */

package api

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/transfa/payment-service/internal/domain"
)

const (
	internalAPIKeyHeader = "X-Internal-API-Key"
	userIDHeader         = "X-User-ID"
	jwksCacheTTL         = 10 * time.Minute
)

// PrincipalContextKey is a custom type for the context key to avoid collisions.
type PrincipalContextKey string

const principalKey PrincipalContextKey = "principal"

// AuthConfig configures AuthMiddleware.
type AuthConfig struct {
	JWKSURL        string
	InternalAPIKey string
}

// AuthMiddleware resolves the request principal or rejects the request with 401.
func AuthMiddleware(cfg AuthConfig) func(http.Handler) http.Handler {
	keys := newJWKSCache(cfg.JWKSURL, &http.Client{Timeout: 10 * time.Second})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if provided := r.Header.Get(internalAPIKeyHeader); provided != "" {
				if cfg.InternalAPIKey == "" || subtle.ConstantTimeCompare([]byte(provided), []byte(cfg.InternalAPIKey)) != 1 {
					writeUnauthorized(w, "invalid internal api key")
					return
				}
				principal := domain.Principal{Service: true, UserID: strings.TrimSpace(r.Header.Get(userIDHeader))}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeUnauthorized(w, "authorization header required")
				return
			}
			tokenString := strings.TrimPrefix(authHeader, "Bearer ")
			if tokenString == authHeader {
				writeUnauthorized(w, "invalid authorization header format")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				kid, ok := token.Header["kid"].(string)
				if !ok {
					return nil, fmt.Errorf("kid not found in token header")
				}
				return keys.publicKey(r.Context(), kid)
			})
			if err != nil || !token.Valid {
				writeUnauthorized(w, "invalid token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok {
				writeUnauthorized(w, "invalid token claims")
				return
			}

			// Optional audience / issuer enforcement via env
			if expectedAud := os.Getenv("CLERK_AUDIENCE"); expectedAud != "" {
				if aud, err := claims.GetAudience(); err != nil || !containsString(aud, expectedAud) {
					writeUnauthorized(w, "invalid audience")
					return
				}
			}
			if expectedIss := os.Getenv("CLERK_ISSUER"); expectedIss != "" {
				if iss, err := claims.GetIssuer(); err != nil || iss != expectedIss {
					writeUnauthorized(w, "invalid issuer")
					return
				}
			}

			userID, err := claims.GetSubject()
			if err != nil || strings.TrimSpace(userID) == "" {
				writeUnauthorized(w, "user id not found in token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), domain.Principal{UserID: userID})))
		})
	}
}

// InternalOnly admits only service principals.
func InternalOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFrom(r.Context())
		if !ok || !principal.Service {
			writeJSON(w, http.StatusForbidden, errorEnvelope{Error: &domain.Error{
				Code:    "FORBIDDEN",
				Message: "internal callers only",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithPrincipal stores the principal in ctx.
func WithPrincipal(ctx context.Context, principal domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFrom retrieves the authenticated principal from the request context.
func PrincipalFrom(ctx context.Context) (domain.Principal, bool) {
	principal, ok := ctx.Value(principalKey).(domain.Principal)
	return principal, ok
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: &domain.Error{Code: "UNAUTHORIZED", Message: message}})
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// jwksCache holds the JWKS signing keys and refetches them when they expire or an
// unknown kid shows up after a key rotation.
type jwksCache struct {
	url    string
	client *http.Client

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetchedAt time.Time
}

func newJWKSCache(url string, client *http.Client) *jwksCache {
	return &jwksCache{url: url, client: client}
}

func (c *jwksCache) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if key, ok := c.keys[kid]; ok && time.Since(c.fetchedAt) < jwksCacheTTL {
		return key, nil
	}
	keys, err := c.fetch(ctx)
	if err != nil {
		if key, ok := c.keys[kid]; ok {
			// Stale keys keep verifying while the JWKS endpoint is down.
			return key, nil
		}
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}
	c.keys, c.fetchedAt = keys, time.Now()

	key, ok := keys[kid]
	if !ok {
		return nil, fmt.Errorf("key with kid %s not found", kid)
	}
	return key, nil
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	if c.url == "" {
		return nil, fmt.Errorf("jwks url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return nil, err
	}

	keys := make(map[string]*rsa.PublicKey, len(jwks.Keys))
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		pub, err := parseRSAPublicKey(key.N, key.E)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key.Kid, err)
		}
		keys[key.Kid] = pub
	}
	return keys, nil
}

// parseRSAPublicKey parses RSA public key from modulus and exponent
func parseRSAPublicKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("failed to decode modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("failed to decode exponent: %w", err)
	}

	var exp uint64
	for _, b := range eb {
		exp = (exp << 8) | uint64(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp)}, nil
}
