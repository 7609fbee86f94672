package oauth

import (
	"fmt"
)

// TokenRequestError is returned when the token endpoint answered with a
// non-success status, or with a success status and a body that is not JSON.
type TokenRequestError struct {
	// Status is the HTTP status code of the response.
	Status int

	// Body is the decoded JSON object when the response was JSON, and the raw
	// response text otherwise.
	Body interface{}
}

func (e *TokenRequestError) Error() string {
	if code, desc := e.OAuthError(); code != "" {
		if desc != "" {
			return fmt.Sprintf("token request failed with status %d: %s: %s", e.Status, code, desc)
		}
		return fmt.Sprintf("token request failed with status %d: %s", e.Status, code)
	}
	return fmt.Sprintf("token request failed with status %d", e.Status)
}

// OAuthError extracts the RFC 6749 error and error_description fields from a
// JSON error body. Both are empty when the body carries neither.
func (e *TokenRequestError) OAuthError() (code, description string) {
	body, ok := e.Body.(map[string]interface{})
	if !ok {
		return "", ""
	}
	code, _ = body["error"].(string)
	description, _ = body["error_description"].(string)
	return code, description
}

// TransportError is returned when no usable response was received from the
// token endpoint.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("token endpoint %s unreachable: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
