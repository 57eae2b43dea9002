package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// claims is the gateway's own short-lived bearer-token shape: clients that
// shouldn't hold the long-lived master secret indefinitely can be handed
// one of these instead, minted via the master secret and independently
// verifiable without a round-trip to whoever issued it.
type claims struct {
	jwt.RegisteredClaims
	Subject string `json:"sub,omitempty"`
}

// IssueToken mints an HS256 JWT bearer token for subject, signed with
// secret (the deployment's GATEWAY_BEARER_TOKEN), valid for ttl.
func IssueToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "agentgateway",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Subject: subject,
	})
	return tok.SignedString([]byte(secret))
}

// VerifyToken checks signature, issuer and expiry of a scoped bearer
// token minted by IssueToken.
func VerifyToken(secret, raw string) (string, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer("agentgateway"))
	if err != nil {
		return "", err
	}
	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return "", fmt.Errorf("auth: invalid token")
	}
	return c.Subject, nil
}
