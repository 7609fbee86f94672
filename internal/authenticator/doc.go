// Package authenticator implements the OAuth2 authorization code flow through
// a login popup, and the silent refresh of the resulting session.
//
// # Login
//
// Authenticate opens the provider's authorization page in a popup and waits.
// The page the provider redirects to stores the authorization response under
// the relay key of a shared storage channel. The authenticator reacts to the
// change notification, closes the popup and exchanges the code for tokens.
// If the user closes the popup first, the flow fails with
// *popup.PopupClosedError.
//
//	auth := authenticator.New(cfg, popup.NewController(opener), channel, client)
//	defer auth.Close()
//
//	token, err := auth.Authenticate(ctx)
//
// # Refresh
//
// With RefreshAccessTokens set, every session that has a refresh token and a
// known expiry gets a refresh scheduled a random 5 to 10 seconds before it
// expires. Successful refreshes are reported through OnSessionDataUpdated,
// failed ones through OnRefreshFailed; a failed refresh is not retried.
//
// Restore resumes a stored session, refreshing it first if it has expired.
//
// # Concurrency
//
// Popup polling, storage notifications, token exchange completions and refresh
// timers all post to one mailbox that is drained by a single goroutine, so the
// state machine is never mutated concurrently. Only one login flow can run at
// a time.
package authenticator
