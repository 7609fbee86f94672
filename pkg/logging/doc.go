// Package logging provides the structured logging used across popupauth.
//
// It is a thin layer over Go's standard slog package that tags every entry
// with the subsystem it came from, so log output from the storage channel,
// the popup controller and the authenticator can be filtered independently.
//
// # Usage
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Authenticator", "Opening login popup")
//	logging.Debug("Storage", "Watching %s", dir)
//	logging.Error("Relay", err, "Failed to write authorization code")
//
// A rotating log file can be used as output:
//
//	out := logging.NewFileOutput(logging.FileOutputConfig{Path: "/var/log/popupauth.log"})
//	defer out.Close()
//	logging.InitForCLI(logging.LevelDebug, out)
//
// # Audit Logging
//
// Token exchanges and refreshes are recorded as audit events:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:  "token_refresh",
//	    Outcome: "success",
//	    Target:  tokenEndpoint,
//	})
//
// Audit events are logged at INFO level with an [AUDIT] prefix for easy
// filtering by log aggregation systems. Token values are never logged.
//
// # Thread Safety
//
// All functions are safe for concurrent use.
package logging
