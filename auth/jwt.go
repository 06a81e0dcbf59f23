// Package auth verifies client JWTs and authorizes topic access against a
// tenant's Postgres row-level-security policies.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ScorpiusDraconis83/realtime/telemetry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	claimsCacheSize = 8192
	claimsCacheTTL  = 5 * time.Minute
)

// Claims is the decoded JWT payload relevant to channel authorization.
type Claims struct {
	Role    string            `json:"role"`
	Subject string            `json:"sub"`
	Extra   map[string]string `json:"-"`
}

// ErrBadSignature is returned for any verification failure; the caller
// must not distinguish expired/malformed/wrong-key to the client beyond
// this single client-visible error kind.
var ErrBadSignature = fmt.Errorf("auth: bad signature")

// JWTVerifier verifies HS256-signed tokens against a tenant's jwt_secret,
// applying custom claim validators and caching verified claims by
// (tenant, sha256(token)) so repeated heartbeats on a long-lived
// connection don't re-run signature verification.
type JWTVerifier struct {
	claimValidators map[string]string
	cache           *expirable.LRU[string, Claims]
}

// NewJWTVerifier creates a verifier. claimValidators are additional
// required claim values (e.g. {"role": "authenticated"}) parsed at boot
// from JWT_CLAIM_VALIDATORS.
func NewJWTVerifier(claimValidators map[string]string) *JWTVerifier {
	return &JWTVerifier{
		claimValidators: claimValidators,
		cache:           expirable.NewLRU[string, Claims](claimsCacheSize, nil, claimsCacheTTL),
	}
}

// Verify checks tokenString against secret and the configured claim
// validators, returning the decoded claims on success.
func (v *JWTVerifier) Verify(tenantID, secret, tokenString string) (Claims, error) {
	start := time.Now()
	defer func() { telemetry.JWTVerifyDurationSeconds.Observe(time.Since(start).Seconds()) }()

	cacheKey := tenantID + ":" + tokenHash(tokenString)
	if claims, ok := v.cache.Get(cacheKey); ok {
		telemetry.JWTVerificationsTotal.With("cache_hit").Inc()
		return claims, nil
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))

	if err != nil || !token.Valid {
		telemetry.JWTVerificationsTotal.With("invalid").Inc()
		return Claims{}, ErrBadSignature
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		telemetry.JWTVerificationsTotal.With("invalid").Inc()
		return Claims{}, ErrBadSignature
	}

	claims := Claims{Extra: make(map[string]string)}
	if role, ok := mapClaims["role"].(string); ok {
		claims.Role = role
	}
	if sub, ok := mapClaims["sub"].(string); ok {
		claims.Subject = sub
	}
	for k, v := range mapClaims {
		if s, ok := v.(string); ok {
			claims.Extra[k] = s
		}
	}

	for claim, want := range v.claimValidators {
		if claims.Extra[claim] != want && !(claim == "role" && claims.Role == want) {
			telemetry.JWTVerificationsTotal.With("claim_rejected").Inc()
			return Claims{}, ErrBadSignature
		}
	}

	v.cache.Add(cacheKey, claims)
	telemetry.JWTVerificationsTotal.With("ok").Inc()
	return claims, nil
}

// InvalidateTenant drops every cached claims entry for a tenant. There is
// no secondary index by tenant, so this purges the whole cache — a tenant
// secret rotation is rare enough that the cold-cache cost is acceptable.
func (v *JWTVerifier) InvalidateTenant(tenantID string) {
	v.cache.Purge()
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
