package authenticator

import (
	"context"
	"time"

	"popupauth/pkg/logging"
	"popupauth/pkg/oauth"
)

// Restore resumes a previously persisted session.
//
// A record without access token fails with ErrNoAccessToken. An expired
// record fails with ErrSessionExpired when refresh is disabled, and with
// ErrNoRefreshToken when it cannot be refreshed; otherwise it is refreshed
// right away and the updated record is returned. A record that has not
// expired is returned unchanged after scheduling its refresh.
func (a *Authenticator) Restore(ctx context.Context, rec *oauth.TokenRecord) (*oauth.TokenRecord, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	resultCh := make(chan result, 1)
	rec = rec.Clone()
	if !a.mb.post(func() { a.restore(ctx, rec, resultCh) }) {
		return nil, ErrClosed
	}

	select {
	case r := <-resultCh:
		return r.token, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		select {
		case r := <-resultCh:
			return r.token, r.err
		default:
			return nil, ErrClosed
		}
	}
}

func (a *Authenticator) restore(ctx context.Context, rec *oauth.TokenRecord, resultCh chan result) {
	if a.closed {
		resultCh <- result{err: ErrClosed}
		return
	}

	if rec.IsExpired(a.clock.Now()) {
		if !a.cfg.RefreshAccessTokens {
			resultCh <- result{err: ErrSessionExpired}
			return
		}
		if rec.RefreshToken == "" {
			resultCh <- result{err: ErrNoRefreshToken}
			return
		}
		logging.Info("Authenticator", "Stored session expired, refreshing")
		a.startRefresh(ctx, rec, a.refreshGen, resultCh)
		return
	}

	a.adoptSession(rec)
	a.settleState()
	resultCh <- result{token: rec.Clone()}
}

// adoptSession makes token the current session and replaces any refresh
// scheduled for an earlier one.
func (a *Authenticator) adoptSession(token *oauth.TokenRecord) {
	a.cancelRefresh()
	a.refreshGen++
	a.setCurrent(token)
	a.scheduleRefresh(token)
}

// settleState reflects the session in State unless a login flow owns it.
func (a *Authenticator) settleState() {
	if a.flow != nil {
		return
	}
	if a.refreshTimer != nil {
		a.setState(StateRefreshScheduled)
	} else {
		a.setState(StateAuthenticated)
	}
}

func (a *Authenticator) cancelRefresh() {
	if a.refreshTimer != nil {
		a.refreshTimer.Stop()
		a.refreshTimer = nil
	}
}

// scheduleRefresh arms the refresh timer for token. It is a no-op when refresh
// is disabled, when the token has no refresh token or no resolvable expiry, or
// when the expiry lies further in the past than the offset.
func (a *Authenticator) scheduleRefresh(token *oauth.TokenRecord) bool {
	if !a.cfg.RefreshAccessTokens {
		return false
	}

	now := a.clock.Now()
	rec := token.Clone()
	expiresAt, ok := rec.ResolveExpiry(now)
	offset := a.refreshOffset()
	if rec.RefreshToken == "" || !ok || !expiresAt.After(now.Add(-offset)) {
		return false
	}

	a.cancelRefresh()
	a.refreshGen++
	gen := a.refreshGen

	delay := expiresAt.Sub(now) - offset
	a.refreshTimer = a.clock.AfterFunc(delay, func() {
		a.mb.post(func() { a.onRefreshTimer(gen, rec) })
	})

	logging.Debug("Authenticator", "Access token refresh scheduled in %s", delay.Round(time.Millisecond))
	return true
}

func (a *Authenticator) onRefreshTimer(gen uint64, rec *oauth.TokenRecord) {
	if a.closed || gen != a.refreshGen {
		return
	}
	a.refreshTimer = nil

	logging.Info("Authenticator", "Refreshing access token")
	a.startRefresh(a.baseCtx, rec, gen, nil)
}

// startRefresh runs the refresh exchange off the event loop. Restore passes a
// result channel; background refreshes report failures to observers instead.
// gen is the session generation the refresh belongs to; a result arriving
// after a newer session was adopted is dropped.
func (a *Authenticator) startRefresh(ctx context.Context, prev *oauth.TokenRecord, gen uint64, resultCh chan result) {
	go func() {
		token, err := a.exchanger.ExchangeRefreshToken(ctx, prev.RefreshToken)
		a.mb.post(func() { a.onRefreshed(prev, gen, token, err, resultCh) })
	}()
}

func (a *Authenticator) onRefreshed(prev *oauth.TokenRecord, gen uint64, token *oauth.TokenRecord, err error, resultCh chan result) {
	if err == nil {
		err = token.Validate()
	}

	// The session this refresh was started for was replaced in the meantime.
	// Its result must not overwrite the newer session.
	if a.closed || gen != a.refreshGen {
		logging.Debug("Authenticator", "Dropping refresh result for a replaced session")
		if resultCh != nil {
			switch {
			case a.closed:
				err = ErrClosed
			case err == nil:
				err = ErrSessionExpired
			}
			resultCh <- result{err: err}
		}
		return
	}

	if err != nil {
		if resultCh != nil {
			resultCh <- result{err: err}
			return
		}
		logging.Error("Authenticator", err, "Access token refresh failed")
		a.settleState()
		a.emitRefreshFailed(err)
		return
	}

	if token.RefreshToken == "" {
		token.RefreshToken = prev.RefreshToken
	}
	if token.Scope == "" {
		token.Scope = prev.Scope
	}
	token.StampExpiry(a.clock.Now())

	a.adoptSession(token)
	a.settleState()
	logging.Info("Authenticator", "Access token refreshed")
	a.emitSessionDataUpdated(token)

	if resultCh != nil {
		resultCh <- result{token: token.Clone()}
	}
}
