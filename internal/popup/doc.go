// Package popup opens the login window and reports when it goes away.
//
// The Controller tracks a single Window. Poll is called periodically by the
// authenticator and emits closed once when the user closes the window; Close
// closes it and emits closed at once. How a window is created is up to the
// Opener: ProcessOpener runs a browser command per popup and can observe it,
// SystemOpener uses the desktop default browser and cannot.
package popup
