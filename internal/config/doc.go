// Package config loads the popupauth configuration.
//
// Values are layered, later layers winning: built-in defaults, the
// configuration file (YAML or JSON, ~/.config/popupauth/config.yaml by
// default), a .env file, and finally POPUPAUTH_* environment variables.
//
//	oauth2:
//	  clientId: my-app
//	  authUri: https://idp.example.com/authorize
//	  redirectUri: http://localhost:3000/callback
//	  tokenExchangeUri: https://idp.example.com/token
//	  scope: openid email
//	  refreshAccessTokens: true
//	storage:
//	  dir: ~/.config/popupauth/storage
package config
