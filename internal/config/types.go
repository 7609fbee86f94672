package config

import "time"

// Config is the top-level configuration of popupauth.
type Config struct {
	OAuth2  OAuth2Config  `json:"oauth2" yaml:"oauth2"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Popup   PopupConfig   `json:"popup" yaml:"popup"`
	Relay   RelayConfig   `json:"relay" yaml:"relay"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// OAuth2Config describes the client registration at the identity provider.
type OAuth2Config struct {
	ClientID     string `json:"clientId" yaml:"clientId"`
	ClientSecret string `json:"clientSecret,omitempty" yaml:"clientSecret,omitempty"`

	// AuthURI is the authorization endpoint opened in the popup.
	AuthURI string `json:"authUri" yaml:"authUri"`

	// RedirectURI is registered with the provider and served by the relay.
	RedirectURI string `json:"redirectUri" yaml:"redirectUri"`

	Scope string `json:"scope,omitempty" yaml:"scope,omitempty"`

	// TokenExchangeURI is the token endpoint.
	TokenExchangeURI string `json:"tokenExchangeUri" yaml:"tokenExchangeUri"`

	RefreshAccessTokens bool `json:"refreshAccessTokens" yaml:"refreshAccessTokens"`
}

// StorageConfig locates the file-backed storage channel shared between the
// CLI and the relay.
type StorageConfig struct {
	Dir    string `json:"dir" yaml:"dir"`
	Prefix string `json:"prefix" yaml:"prefix"`
}

// PopupConfig controls how the login popup is opened.
type PopupConfig struct {
	// Command opens the popup. {url}, {width}, {height} and {name} are
	// substituted. Empty uses the system browser.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	Width        int           `json:"width" yaml:"width"`
	Height       int           `json:"height" yaml:"height"`
	PollInterval time.Duration `json:"pollInterval" yaml:"pollInterval"`
}

// MarshalYAML writes PollInterval as a duration string ("35ms"), the form
// Load reads back.
func (p PopupConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Command      []string `yaml:"command,omitempty"`
		Width        int      `yaml:"width"`
		Height       int      `yaml:"height"`
		PollInterval string   `yaml:"pollInterval"`
	}{p.Command, p.Width, p.Height, p.PollInterval.String()}, nil
}

// RelayConfig configures the landing page and the relay key it shares with
// the waiting authenticator.
type RelayConfig struct {
	Key string `json:"key" yaml:"key"`

	// AppName is shown in the landing page title.
	AppName string `json:"appName,omitempty" yaml:"appName,omitempty"`

	// CloseDelay is how long the success page stays open. Zero keeps it open.
	CloseDelay time.Duration `json:"closeDelay" yaml:"closeDelay"`
}

// MarshalYAML writes CloseDelay as a duration string.
func (r RelayConfig) MarshalYAML() (interface{}, error) {
	return struct {
		Key        string `yaml:"key"`
		AppName    string `yaml:"appName,omitempty"`
		CloseDelay string `yaml:"closeDelay"`
	}{r.Key, r.AppName, r.CloseDelay.String()}, nil
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level"`

	// File enables a rotating log file in addition to stderr.
	File       string `json:"file,omitempty" yaml:"file,omitempty"`
	MaxSizeMB  int    `json:"maxSizeMB,omitempty" yaml:"maxSizeMB,omitempty"`
	MaxBackups int    `json:"maxBackups,omitempty" yaml:"maxBackups,omitempty"`
}
