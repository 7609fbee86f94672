// Package session persists the session handed out by the authenticator in a
// storage channel, so that a later run can restore it instead of logging in
// again.
package session
