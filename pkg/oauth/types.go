package oauth

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// ErrNoAccessToken is returned when a token record carries no access token.
var ErrNoAccessToken = errors.New("token record has no access_token")

// TokenRecord is the token data handed back to the caller after a code
// exchange, a refresh, or a restore. Its JSON form is also the persisted
// session format.
//
// ExpiresAt is absolute, in Unix epoch milliseconds. It is derived from
// ExpiresIn at the moment the token is received; zero means unknown.
type TokenRecord struct {
	// AccessToken is the bearer token used for authorization.
	AccessToken string `json:"access_token"`

	// RefreshToken is used to obtain new access tokens (optional).
	RefreshToken string `json:"refresh_token,omitempty"`

	// ExpiresIn is the token lifetime in seconds as reported by the provider.
	ExpiresIn int64 `json:"expires_in,omitempty"`

	// ExpiresAt is the absolute expiry in epoch milliseconds.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	// Scope is the granted scope(s), space-separated.
	Scope string `json:"scope,omitempty"`

	// TokenType is typically "Bearer".
	TokenType string `json:"token_type,omitempty"`

	// IDToken is the OIDC ID token (if available).
	IDToken string `json:"id_token,omitempty"`
}

// UnmarshalJSON accepts expires_in and expires_at as numbers or numeric strings,
// since some providers encode expires_in as a string.
func (r *TokenRecord) UnmarshalJSON(data []byte) error {
	type plain TokenRecord
	var raw struct {
		plain
		ExpiresIn json.RawMessage `json:"expires_in,omitempty"`
		ExpiresAt json.RawMessage `json:"expires_at,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*r = TokenRecord(raw.plain)

	var err error
	if r.ExpiresIn, err = parseFlexibleInt(raw.ExpiresIn); err != nil {
		return fmt.Errorf("invalid expires_in: %w", err)
	}
	if r.ExpiresAt, err = parseFlexibleInt(raw.ExpiresAt); err != nil {
		return fmt.Errorf("invalid expires_at: %w", err)
	}
	return nil
}

func parseFlexibleInt(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return 0, nil
	}

	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		if s == "" {
			return 0, nil
		}
	} else {
		s = string(raw)
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f), nil
}

// Validate reports whether the record can be used as a session.
func (r *TokenRecord) Validate() error {
	if r == nil || r.AccessToken == "" {
		return ErrNoAccessToken
	}
	return nil
}

// ResolveExpiry sets ExpiresAt from ExpiresIn when ExpiresAt is unknown.
// It returns the resolved expiry and whether one could be determined.
func (r *TokenRecord) ResolveExpiry(now time.Time) (time.Time, bool) {
	if r.ExpiresAt == 0 && r.ExpiresIn > 0 {
		r.ExpiresAt = now.UnixMilli() + r.ExpiresIn*1000
	}
	return r.Expiry()
}

// StampExpiry derives ExpiresAt from ExpiresIn at the moment a token is
// received. A provider-supplied ExpiresAt is only kept when ExpiresIn is absent.
func (r *TokenRecord) StampExpiry(now time.Time) {
	if r.ExpiresIn > 0 {
		r.ExpiresAt = now.UnixMilli() + r.ExpiresIn*1000
	}
}

// Expiry returns ExpiresAt as a time.Time.
func (r *TokenRecord) Expiry() (time.Time, bool) {
	if r.ExpiresAt == 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(r.ExpiresAt), true
}

// IsExpired reports whether the record has a known expiry that lies before now.
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return r.ExpiresAt != 0 && r.ExpiresAt < now.UnixMilli()
}

// Scopes returns the scope as a slice of individual scopes.
func (r *TokenRecord) Scopes() []string {
	if r.Scope == "" {
		return nil
	}
	return strings.Fields(r.Scope)
}

// Clone returns a copy of the record.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// OAuth2Token converts the record to an oauth2.Token for use with golang.org/x/oauth2 clients.
func (r *TokenRecord) OAuth2Token() *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  r.AccessToken,
		TokenType:    r.TokenType,
		RefreshToken: r.RefreshToken,
		ExpiresIn:    r.ExpiresIn,
	}
	if expiry, ok := r.Expiry(); ok {
		token.Expiry = expiry
	}

	extra := map[string]interface{}{}
	if r.IDToken != "" {
		extra["id_token"] = r.IDToken
	}
	if r.Scope != "" {
		extra["scope"] = r.Scope
	}
	if len(extra) > 0 {
		token = token.WithExtra(extra)
	}

	return token
}
