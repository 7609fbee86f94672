package cmd

import (
	"errors"
	"fmt"

	"popupauth/internal/authenticator"
	"popupauth/internal/config"
	"popupauth/internal/popup"
	"popupauth/internal/relay"
	"popupauth/internal/session"
	"popupauth/internal/storage"
	"popupauth/pkg/logging"
	"popupauth/pkg/oauth"
)

// runtime holds the components a command works with.
type runtime struct {
	cfg      config.Config
	channel  storage.Channel
	sessions *session.Store
	auth     *authenticator.Authenticator
}

// openStorage opens the shared storage directory and the session store in it.
func openStorage(cfg config.Config) (*runtime, error) {
	if cfg.Storage.Dir == "" {
		return nil, &config.ConfigError{Field: "storage.dir", Message: "is required"}
	}
	channel, err := storage.NewFileChannel(cfg.Storage.Dir, storage.WithPrefix(cfg.Storage.Prefix))
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	return &runtime{
		cfg:      cfg,
		channel:  channel,
		sessions: session.New(channel),
	}, nil
}

// newRuntime opens storage and builds the authenticator. Every session the
// authenticator hands out is persisted.
func newRuntime(cfg config.Config) (*runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	rt, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	var opener popup.Opener = popup.SystemOpener{}
	if len(cfg.Popup.Command) > 0 {
		opener = popup.NewProcessOpener(cfg.Popup.Command)
	}

	client := oauth.NewClient(oauth.ClientConfig{
		TokenEndpoint: cfg.OAuth2.TokenExchangeURI,
		ClientID:      cfg.OAuth2.ClientID,
		ClientSecret:  cfg.OAuth2.ClientSecret,
		RedirectURI:   cfg.OAuth2.RedirectURI,
	}, oauth.WithLogger(logging.Logger("OAuth")))

	rt.auth = authenticator.New(authenticator.Config{
		ClientID:            cfg.OAuth2.ClientID,
		AuthURI:             cfg.OAuth2.AuthURI,
		RedirectURI:         cfg.OAuth2.RedirectURI,
		Scope:               cfg.OAuth2.Scope,
		RefreshAccessTokens: cfg.OAuth2.RefreshAccessTokens,
		RelayKey:            cfg.Relay.Key,
		PollInterval:        cfg.Popup.PollInterval,
		Window: popup.WindowOptions{
			Name:   "popupauth",
			Width:  cfg.Popup.Width,
			Height: cfg.Popup.Height,
		},
	}, popup.NewController(opener), rt.channel, client)
	rt.sessions.Watch(rt.auth)

	return rt, nil
}

// newRelayServer builds the landing server for the configured redirect URI.
func newRelayServer(cfg config.Config, channel storage.Channel) (*relay.Server, error) {
	return relay.New(cfg.OAuth2.RedirectURI, channel,
		relay.WithRelayKey(cfg.Relay.Key),
		relay.WithAppName(cfg.Relay.AppName),
		relay.WithCloseDelay(cfg.Relay.CloseDelay),
	)
}

func (rt *runtime) Close() error {
	var errs []error
	if rt.auth != nil {
		errs = append(errs, rt.auth.Close())
	}
	errs = append(errs, rt.channel.Close())
	return errors.Join(errs...)
}
