package config

import (
	"fmt"
	"net/url"

	"gopkg.in/yaml.v3"

	"popupauth/pkg/logging"
)

const redacted = "REDACTED"

// Validate reports the first invalid or missing value.
func (c Config) Validate() error {
	if c.OAuth2.ClientID == "" {
		return &ConfigError{Field: "oauth2.clientId", Message: "is required"}
	}
	urls := []struct{ field, value string }{
		{"oauth2.authUri", c.OAuth2.AuthURI},
		{"oauth2.redirectUri", c.OAuth2.RedirectURI},
		{"oauth2.tokenExchangeUri", c.OAuth2.TokenExchangeURI},
	}
	for _, u := range urls {
		if err := validateAbsoluteURL(u.field, u.value); err != nil {
			return err
		}
	}

	if c.Storage.Dir == "" {
		return &ConfigError{Field: "storage.dir", Message: "is required"}
	}
	if c.Relay.Key == "" {
		return &ConfigError{Field: "relay.key", Message: "is required"}
	}
	if c.Relay.CloseDelay < 0 {
		return &ConfigError{Field: "relay.closeDelay", Message: "must not be negative"}
	}
	if c.Popup.Width <= 0 || c.Popup.Height <= 0 {
		return &ConfigError{Field: "popup", Message: fmt.Sprintf("invalid size %dx%d", c.Popup.Width, c.Popup.Height)}
	}
	if c.Popup.PollInterval <= 0 {
		return &ConfigError{Field: "popup.pollInterval", Message: "must be positive"}
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return &ConfigError{Field: "logging.level", Message: err.Error()}
	}
	return nil
}

func validateAbsoluteURL(field, value string) error {
	if value == "" {
		return &ConfigError{Field: field, Message: "is required"}
	}
	u, err := url.Parse(value)
	if err != nil {
		return &ConfigError{Field: field, Message: fmt.Sprintf("invalid URL: %v", err)}
	}
	if !u.IsAbs() || u.Host == "" {
		return &ConfigError{Field: field, Message: fmt.Sprintf("%q is not an absolute URL", value)}
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.OAuth2.ClientSecret != "" {
		c.OAuth2.ClientSecret = redacted
	}
	return c
}

// YAML renders the redacted configuration.
func (c Config) YAML() ([]byte, error) {
	out, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("error encoding config: %w", err)
	}
	return out, nil
}
