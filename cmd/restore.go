package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"popupauth/internal/authenticator"
	"popupauth/internal/session"
)

func newRestoreCmd() *cobra.Command {
	var watch, quiet bool
	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Resume the saved session, refreshing it if it has expired",
		Long: `Resume the saved session.

An expired session is refreshed right away when refreshAccessTokens is
enabled and a refresh token is available. The updated session is saved.
Exits with code 2 if there is no usable session.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), cmd.OutOrStdout(), watch, quiet)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and refresh the session until interrupted")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "suppress output")
	return cmd
}

func runRestore(ctx context.Context, stdout io.Writer, watch, quiet bool) error {
	rt, err := newRuntime(appConfig)
	if err != nil {
		return err
	}
	defer rt.Close()

	rec, err := rt.sessions.Load()
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			return &AuthRequiredError{Reason: err}
		}
		return err
	}

	token, err := rt.auth.Restore(ctx, rec)
	switch {
	case err == nil:
	case errors.Is(err, authenticator.ErrSessionExpired),
		errors.Is(err, authenticator.ErrNoRefreshToken),
		errors.Is(err, authenticator.ErrNoAccessToken):
		return &AuthRequiredError{Reason: err}
	default:
		return &AuthRequiredError{Reason: fmt.Errorf("session refresh failed: %w", err)}
	}

	if err := rt.sessions.Save(token); err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(stdout, "%s Session restored, %s\n", text.FgGreen.Sprint("✓"), describeSession(token))
	}

	if !watch {
		return nil
	}
	return watchSession(ctx, stdout, rt, quiet)
}
