package oauth

import (
	"fmt"
	"net/url"
)

// AuthorizationResponse is what the provider sends back to the redirect URI,
// relayed as JSON from the landing page to the waiting authenticator.
type AuthorizationResponse struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ParseAuthorizationResponse reads the redirect query parameters.
func ParseAuthorizationResponse(query url.Values) AuthorizationResponse {
	return AuthorizationResponse{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            query.Get("error"),
		ErrorDescription: query.Get("error_description"),
	}
}

// BuildAuthorizationURL constructs the URL the popup is pointed at.
// Parameters already present on authEndpoint are preserved. An empty state or
// scope is omitted.
func BuildAuthorizationURL(authEndpoint, clientID, redirectURI, scope, state string) (string, error) {
	authURL, err := url.Parse(authEndpoint)
	if err != nil {
		return "", fmt.Errorf("invalid authorization endpoint: %w", err)
	}
	if !authURL.IsAbs() {
		return "", fmt.Errorf("invalid authorization endpoint: %q is not an absolute URL", authEndpoint)
	}

	query := authURL.Query()
	query.Set("response_type", "code")
	query.Set("client_id", clientID)
	query.Set("redirect_uri", redirectURI)

	if scope != "" {
		query.Set("scope", scope)
	}
	if state != "" {
		query.Set("state", state)
	}

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}
