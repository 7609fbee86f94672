package authenticator

import (
	"golang.org/x/oauth2"
)

type tokenSource struct {
	a *Authenticator
}

// TokenSource returns an oauth2.TokenSource over the latest session, so HTTP
// clients built with oauth2.NewClient pick up refreshed tokens.
func (a *Authenticator) TokenSource() oauth2.TokenSource {
	return tokenSource{a: a}
}

func (s tokenSource) Token() (*oauth2.Token, error) {
	current := s.a.Current()
	if err := current.Validate(); err != nil {
		return nil, err
	}
	return current.OAuth2Token(), nil
}
