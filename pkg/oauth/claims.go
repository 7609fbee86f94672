package oauth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the subset of JWT claims shown when inspecting a session.
type Claims struct {
	Subject   string
	Issuer    string
	Email     string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseClaims decodes the claims of a JWT without verifying its signature.
// It is meant for display only; opaque tokens return an error.
func ParseClaims(token string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return nil, fmt.Errorf("token is not a JWT: %w", err)
	}

	claims := &Claims{}
	claims.Subject, _ = mapClaims.GetSubject()
	claims.Issuer, _ = mapClaims.GetIssuer()
	claims.Email, _ = mapClaims["email"].(string)

	if aud, err := mapClaims.GetAudience(); err == nil {
		claims.Audience = aud
	}
	if iat, err := mapClaims.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}
