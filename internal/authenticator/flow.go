package authenticator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"popupauth/internal/popup"
	"popupauth/internal/storage"
	"popupauth/pkg/logging"
	"popupauth/pkg/oauth"
)

// Authenticate opens the login popup and waits until the relayed
// authorization code has been exchanged for tokens, or the flow fails.
//
// Failures are one of *popup.PopupBlockedError, *popup.PopupClosedError,
// *oauth.TokenRequestError, *oauth.TransportError, *MalformedRelayError,
// *StateMismatchError, *AuthorizationDeniedError, ErrFlowInProgress,
// ErrClosed or the context's error.
func (a *Authenticator) Authenticate(ctx context.Context) (*oauth.TokenRecord, error) {
	resultCh := make(chan result, 1)
	if !a.mb.post(func() { a.startFlow(ctx, resultCh) }) {
		return nil, ErrClosed
	}

	select {
	case r := <-resultCh:
		return r.token, r.err
	case <-ctx.Done():
		// The flow still settles through the mailbox so it reports exactly once.
		// If the post is rejected, Close is already queued and fails the flow.
		a.mb.post(func() { a.cancelFlow(resultCh, ctx.Err()) })
		r := <-resultCh
		return r.token, r.err
	}
}

func (a *Authenticator) startFlow(ctx context.Context, resultCh chan result) {
	switch {
	case a.closed:
		resultCh <- result{err: ErrClosed}
		return
	case a.flow != nil:
		resultCh <- result{err: ErrFlowInProgress}
		return
	case ctx.Err() != nil:
		resultCh <- result{err: ctx.Err()}
		return
	}

	f := &flow{
		ctx:    ctx,
		state:  uuid.NewString(),
		result: resultCh,
	}
	a.flow = f
	a.setState(StateAwaitingPopup)

	// A response left over from an earlier flow must not be mistaken for ours.
	if err := a.store.Remove(a.cfg.RelayKey); err != nil {
		logging.Warn("Authenticator", "Failed to clear stale authorization response: %v", err)
	}

	loginURL, err := oauth.BuildAuthorizationURL(a.cfg.AuthURI, a.cfg.ClientID, a.cfg.RedirectURI, a.cfg.Scope, f.state)
	if err != nil {
		a.finish(f, nil, err)
		return
	}

	logging.Info("Authenticator", "Opening login popup")
	if _, err := a.popups.Open(ctx, loginURL, a.cfg.Window); err != nil {
		a.finish(f, nil, err)
		return
	}

	a.setState(StateAwaitingCode)
	a.schedulePoll(f)
}

// cancelFlow fails the flow that reports to resultCh, if it is still running.
func (a *Authenticator) cancelFlow(resultCh chan result, err error) {
	f := a.flow
	if f == nil || f.result != resultCh {
		return
	}
	logging.Info("Authenticator", "Login cancelled: %v", err)
	a.finish(f, nil, err)
}

func (a *Authenticator) schedulePoll(f *flow) {
	f.poll = a.clock.AfterFunc(a.cfg.PollInterval, func() {
		a.mb.post(func() { a.onPollTick(f) })
	})
}

func (a *Authenticator) onPollTick(f *flow) {
	if a.flow != f || a.State() != StateAwaitingCode {
		return
	}
	a.popups.Poll()

	// Poll may have queued a close notification; the flow is still ours here.
	if a.flow == f && a.State() == StateAwaitingCode && a.popups.Tracking() {
		a.schedulePoll(f)
	}
}

func (a *Authenticator) onStorageChanged() {
	f := a.flow
	if f == nil || a.State() != StateAwaitingCode {
		return
	}
	a.checkRelay(f)
}

// checkRelay reads the relay key and starts the code exchange if it holds a
// response for this flow.
func (a *Authenticator) checkRelay(f *flow) {
	raw, err := a.store.Get(a.cfg.RelayKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logging.Warn("Authenticator", "Failed to read authorization response: %v", err)
		}
		return
	}

	var resp *oauth.AuthorizationResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		a.finish(f, nil, &MalformedRelayError{Key: a.cfg.RelayKey, Err: err})
		return
	}
	if resp == nil {
		return
	}

	if resp.Error != "" {
		a.finish(f, nil, &AuthorizationDeniedError{Code: resp.Error, Description: resp.ErrorDescription})
		return
	}
	if resp.Code == "" || f.code != "" {
		return
	}
	if resp.State != "" && resp.State != f.state {
		a.finish(f, nil, &StateMismatchError{Expected: f.state, Got: resp.State})
		return
	}

	f.code = resp.Code
	a.setState(StateExchangingCode)
	if err := a.popups.Close(); err != nil {
		logging.Debug("Authenticator", "Failed to close popup: %v", err)
	}

	logging.Info("Authenticator", "Authorization code received, exchanging for tokens")
	code := f.code
	go func() {
		token, err := a.exchanger.ExchangeAuthorizationCode(f.ctx, code)
		a.mb.post(func() { a.onCodeExchanged(f, token, err) })
	}()
}

func (a *Authenticator) onPopupClosed() {
	f := a.flow
	if f == nil || a.State() != StateAwaitingCode {
		return
	}

	logging.Info("Authenticator", "Login popup closed before authorization completed")
	a.finish(f, nil, &popup.PopupClosedError{})
}

func (a *Authenticator) onCodeExchanged(f *flow, token *oauth.TokenRecord, err error) {
	if a.flow != f {
		// The flow already ended, e.g. cancelled while the request was in flight.
		return
	}
	if err == nil {
		err = token.Validate()
	}
	if err != nil {
		a.finish(f, nil, err)
		return
	}

	token.StampExpiry(a.clock.Now())
	a.adoptSession(token)
	a.finish(f, token, nil)
}

// finish settles the flow exactly once. The authorization code and the relay
// key are cleared on every outcome since the code is single-use.
func (a *Authenticator) finish(f *flow, token *oauth.TokenRecord, err error) {
	if a.flow != f {
		return
	}
	a.flow = nil
	if f.poll != nil {
		f.poll.Stop()
	}
	f.code = ""

	if rmErr := a.store.Remove(a.cfg.RelayKey); rmErr != nil && !errors.Is(rmErr, storage.ErrClosed) {
		logging.Warn("Authenticator", "Failed to remove authorization response: %v", rmErr)
	}

	if err != nil {
		if closeErr := a.popups.Close(); closeErr != nil {
			logging.Debug("Authenticator", "Failed to close popup: %v", closeErr)
		}
		a.setState(StateFailed)
		logging.Error("Authenticator", err, "Authentication failed")
		f.result <- result{err: err}
		return
	}

	if a.refreshTimer != nil {
		a.setState(StateRefreshScheduled)
	} else {
		a.setState(StateAuthenticated)
	}
	logging.Info("Authenticator", "Authentication succeeded")
	a.emitSessionDataUpdated(token)
	f.result <- result{token: token.Clone()}
}
