package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/briandowns/spinner"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"popupauth/internal/session"
	"popupauth/pkg/oauth"
)

const defaultLoginTimeout = 5 * time.Minute

type loginOptions struct {
	timeout time.Duration
	watch   bool
	noRelay bool
	quiet   bool
}

func newLoginCmd() *cobra.Command {
	opts := &loginOptions{}
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in through the provider's popup",
		Long: `Log in through the identity provider's login page in a popup window.

The landing page the provider redirects to is served on the configured
redirect URI unless --no-relay is given, in which case a separately running
'popupauth relay' must serve it.

Examples:
  popupauth login                 # Log in and save the session
  popupauth login --watch         # Log in and keep the session refreshed
  popupauth login --no-relay      # Use a relay started elsewhere`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), opts)
		},
	}

	cmd.Flags().DurationVar(&opts.timeout, "timeout", defaultLoginTimeout, "how long to wait for the login to complete")
	cmd.Flags().BoolVar(&opts.watch, "watch", false, "keep running and refresh the session until interrupted")
	cmd.Flags().BoolVar(&opts.noRelay, "no-relay", false, "do not serve the redirect URI in this process")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "suppress progress output")
	return cmd
}

func runLogin(ctx context.Context, stdout, stderr io.Writer, opts *loginOptions) error {
	rt, err := newRuntime(appConfig)
	if err != nil {
		return err
	}
	defer rt.Close()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	if !opts.noRelay {
		srv, err := newRelayServer(rt.cfg, rt.channel)
		if err != nil {
			return err
		}
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	g.Go(func() error {
		token, err := authenticate(gctx, stderr, rt, opts)
		if err != nil {
			return &AuthFailedError{Reason: err}
		}
		if !opts.quiet {
			fmt.Fprintf(stdout, "%s Logged in, session %s\n", text.FgGreen.Sprint("✓"), describeSession(token))
		}
		if !opts.watch {
			stop()
			return nil
		}
		return watchSession(gctx, stdout, rt, opts.quiet)
	})

	return g.Wait()
}

// authenticate runs the login flow with a spinner and the login timeout.
func authenticate(ctx context.Context, stderr io.Writer, rt *runtime, opts *loginOptions) (*oauth.TokenRecord, error) {
	authCtx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	if opts.quiet {
		return rt.auth.Authenticate(authCtx)
	}

	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(stderr))
	s.Suffix = " Waiting for login in the popup window..."
	s.Start()
	defer s.Stop()

	token, err := rt.auth.Authenticate(authCtx)
	if err != nil {
		s.FinalMSG = text.FgRed.Sprint("Login failed") + "\n"
		return nil, err
	}
	return token, nil
}

// watchSession reports refreshes until ctx is done, a refresh fails or the
// session is removed, for example by 'popupauth logout' in another terminal.
func watchSession(ctx context.Context, stdout io.Writer, rt *runtime, quiet bool) error {
	unsubscribeUpdated := rt.auth.OnSessionDataUpdated(func(rec oauth.TokenRecord) {
		if !quiet {
			fmt.Fprintf(stdout, "%s Session refreshed, %s\n", text.FgGreen.Sprint("↻"), describeSession(&rec))
		}
	})
	defer unsubscribeUpdated()

	failed := make(chan error, 1)
	unsubscribeFailed := rt.auth.OnRefreshFailed(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})
	defer unsubscribeFailed()

	removed := make(chan struct{}, 1)
	unsubscribeChange := rt.sessions.OnChange(func(rec *oauth.TokenRecord) {
		if rec != nil {
			return
		}
		select {
		case removed <- struct{}{}:
		default:
		}
	})
	defer unsubscribeChange()

	if !quiet {
		fmt.Fprintln(stdout, "Keeping the session fresh, press Ctrl+C to stop.")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return &AuthRequiredError{Reason: fmt.Errorf("session refresh failed: %w", err)}
	case <-removed:
		if !quiet {
			fmt.Fprintln(stdout, "Logged out elsewhere, stopping.")
		}
		return &AuthRequiredError{Reason: session.ErrNoSession}
	}
}

func describeSession(rec *oauth.TokenRecord) string {
	expiry, ok := rec.Expiry()
	if !ok {
		return "has no reported expiry"
	}
	return fmt.Sprintf("valid until %s", expiry.Local().Format(time.RFC1123))
}
