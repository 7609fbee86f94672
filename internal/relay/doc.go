// Package relay serves the landing page the identity provider redirects the
// login popup to.
//
// The page writes the authorization response as JSON under the relay key of a
// storage channel, where the authenticator waiting in another execution
// context picks it up, and then closes the popup. Run it in-process next to
// the authenticator with a memory channel, or as a separate process sharing a
// file channel directory.
package relay
