package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"popupauth/pkg/logging"
)

const (
	// DefaultHTTPTimeout is the default timeout for HTTP requests.
	DefaultHTTPTimeout = 30 * time.Second

	// maxResponseBytes bounds how much of a token response is read.
	maxResponseBytes = 1 << 20
)

// ClientConfig identifies the client towards the token endpoint.
type ClientConfig struct {
	// TokenEndpoint is the absolute URL of the token endpoint.
	TokenEndpoint string

	// ClientID is sent as client_id with every token request.
	ClientID string

	// ClientSecret is sent as client_secret, as an empty value for public
	// clients.
	ClientSecret string

	// RedirectURI must match the redirect_uri used for the authorization request.
	RedirectURI string
}

// Client performs authorization-code and refresh-token exchanges against a
// single token endpoint. It never retries a request on its own.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	logger     *slog.Logger

	// refreshGroup collapses concurrent refreshes of the same refresh token.
	refreshGroup singleflight.Group
}

// ClientOption configures the OAuth client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a new token exchange client.
func NewClient(cfg ClientConfig, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: DefaultHTTPTimeout},
		logger:     slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// TokenEndpoint returns the endpoint the client talks to.
func (c *Client) TokenEndpoint() string {
	return c.cfg.TokenEndpoint
}

// ExchangeAuthorizationCode exchanges an authorization code for tokens.
// The returned record carries whatever the provider sent; expires_at is not
// derived here.
func (c *Client) ExchangeAuthorizationCode(ctx context.Context, code string) (*TokenRecord, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {c.cfg.RedirectURI},
	}

	token, err := c.doTokenRequest(ctx, data)
	auditExchange("code_exchange", c.cfg.TokenEndpoint, err)
	return token, err
}

// ExchangeRefreshToken obtains a new access token using a refresh token.
// Concurrent calls for the same refresh token share a single request.
func (c *Client) ExchangeRefreshToken(ctx context.Context, refreshToken string) (*TokenRecord, error) {
	v, err, shared := c.refreshGroup.Do(refreshToken, func() (interface{}, error) {
		data := url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {refreshToken},
		}
		token, err := c.doTokenRequest(ctx, data)
		auditExchange("token_refresh", c.cfg.TokenEndpoint, err)
		return token, err
	})
	if err != nil {
		return nil, err
	}

	token := v.(*TokenRecord)
	if shared {
		c.logger.Debug("Refresh request was shared with a concurrent caller")
		token = token.Clone()
	}
	return token, nil
}

// doTokenRequest performs a token endpoint request.
func (c *Client) doTokenRequest(ctx context.Context, data url.Values) (*TokenRecord, error) {
	data.Set("client_id", c.cfg.ClientID)
	data.Set("client_secret", c.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenEndpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, &TransportError{URL: c.cfg.TokenEndpoint, Err: fmt.Errorf("failed to create token request: %w", err)}
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: c.cfg.TokenEndpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{URL: c.cfg.TokenEndpoint, Err: fmt.Errorf("failed to read token response: %w", err)}
	}

	// An empty body is treated as an empty JSON object.
	if len(strings.TrimSpace(string(body))) == 0 {
		body = []byte("{}")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Debug("Token request failed",
			"status", resp.StatusCode,
			"grant_type", data.Get("grant_type"))
		return nil, &TokenRequestError{Status: resp.StatusCode, Body: decodeErrorBody(body)}
	}

	var token TokenRecord
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, &TokenRequestError{Status: resp.StatusCode, Body: string(body)}
	}

	return &token, nil
}

// decodeErrorBody returns the body as a JSON object when possible and as raw
// text otherwise.
func decodeErrorBody(body []byte) interface{} {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		return parsed
	}
	return string(body)
}

func auditExchange(action, endpoint string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	logging.Audit(logging.AuditEvent{
		Action:  action,
		Outcome: outcome,
		Target:  endpoint,
		Error:   err,
	})
}
