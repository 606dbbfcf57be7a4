package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the fields medsync reads from the primary API session token.
type Claims struct {
	UserID    string
	ExpiresAt time.Time
}

// Expired reports whether the token has an expiry at or before now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

type sessionClaims struct {
	UserID   string `json:"userId"`
	LegacyID string `json:"id"`
	MongoID  string `json:"_id"`
	jwt.RegisteredClaims
}

// ParseClaims decodes token without verifying its signature. The device
// does not hold the signing key; the backend still verifies every request.
func ParseClaims(token string) (Claims, error) {
	var sc sessionClaims
	_, _, err := jwt.NewParser().ParseUnverified(token, &sc)
	if err != nil {
		return Claims{}, fmt.Errorf("parsing session token: %w", err)
	}

	c := Claims{UserID: firstNonEmpty(sc.UserID, sc.LegacyID, sc.MongoID, sc.Subject)}
	if sc.ExpiresAt != nil {
		c.ExpiresAt = sc.ExpiresAt.Time
	}
	return c, nil
}

// ClaimsFrom reads the current token from src and parses it.
func ClaimsFrom(ctx context.Context, src TokenSource) (Claims, error) {
	token, err := src.Token(ctx)
	if err != nil {
		return Claims{}, err
	}
	return ParseClaims(token)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
