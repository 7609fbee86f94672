// Package oauth provides the token types and the token endpoint client used
// by the popup authenticator.
//
// # Core Components
//
//   - TokenRecord: token data as returned by the provider, plus an absolute expiry
//   - Client: authorization-code and refresh-token exchanges
//   - TokenRequestError / TransportError: the two ways an exchange can fail
//   - ParseClaims: unverified JWT claim decoding for display
//
// # Usage
//
//	client := oauth.NewClient(oauth.ClientConfig{
//	    TokenEndpoint: "https://idp.example.com/oauth/token",
//	    ClientID:      "my-app",
//	    RedirectURI:   "http://localhost:3000/oauth/callback",
//	})
//
//	token, err := client.ExchangeAuthorizationCode(ctx, code)
//	var reqErr *oauth.TokenRequestError
//	if errors.As(err, &reqErr) {
//	    code, desc := reqErr.OAuthError()
//	}
//
// Requests are form-encoded POSTs and are never retried by the client.
package oauth
