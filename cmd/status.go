package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"popupauth/internal/session"
	"popupauth/pkg/oauth"
)

func newStatusCmd() *cobra.Command {
	var showToken bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the saved session",
		Long: `Show the saved session: whether it is still valid, when it expires,
its scope and, for JWT tokens, the identity it belongs to.

Exits with code 2 if there is no session or it has expired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openStorage(appConfig)
			if err != nil {
				return err
			}
			defer rt.Close()

			rec, err := rt.sessions.Load()
			if errors.Is(err, session.ErrNoSession) {
				fmt.Fprintln(cmd.OutOrStdout(), text.FgYellow.Sprint("Not logged in."))
				return &AuthRequiredError{Reason: err}
			}
			if err != nil {
				return err
			}

			now := time.Now()
			renderStatus(cmd.OutOrStdout(), rec, now, showToken)
			if rec.IsExpired(now) {
				return &AuthRequiredError{Reason: errors.New("session expired")}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showToken, "show-token", false, "print the access token in full")
	return cmd
}

func renderStatus(w io.Writer, rec *oauth.TokenRecord, now time.Time, showToken bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{text.FgHiCyan.Sprint("FIELD"), text.FgHiCyan.Sprint("VALUE")})

	status := text.FgGreen.Sprint("valid")
	if rec.IsExpired(now) {
		status = text.FgRed.Sprint("expired")
	}
	t.AppendRow(table.Row{"Status", status})

	if expiry, ok := rec.Expiry(); ok {
		t.AppendRow(table.Row{"Expires", fmt.Sprintf("%s (%s)", expiry.Local().Format(time.RFC1123), humanizeUntil(expiry, now))})
	} else {
		t.AppendRow(table.Row{"Expires", "unknown"})
	}

	refresh := "none"
	if rec.RefreshToken != "" {
		refresh = "present"
	}
	t.AppendRow(table.Row{"Refresh token", refresh})

	if scopes := rec.Scopes(); len(scopes) > 0 {
		t.AppendRow(table.Row{"Scope", strings.Join(scopes, " ")})
	}

	if claims := sessionClaims(rec); claims != nil {
		if claims.Subject != "" {
			t.AppendRow(table.Row{"Subject", claims.Subject})
		}
		if claims.Email != "" {
			t.AppendRow(table.Row{"Email", claims.Email})
		}
		if claims.Issuer != "" {
			t.AppendRow(table.Row{"Issuer", claims.Issuer})
		}
	}

	token := maskToken(rec.AccessToken)
	if showToken {
		token = rec.AccessToken
	}
	t.AppendRow(table.Row{"Access token", token})

	t.Render()
}

// sessionClaims decodes the ID token, or the access token if it is a JWT.
func sessionClaims(rec *oauth.TokenRecord) *oauth.Claims {
	for _, token := range []string{rec.IDToken, rec.AccessToken} {
		if token == "" {
			continue
		}
		if claims, err := oauth.ParseClaims(token); err == nil {
			return claims
		}
	}
	return nil
}

func maskToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func humanizeUntil(t, now time.Time) string {
	d := t.Sub(now).Round(time.Second)
	if d < 0 {
		return fmt.Sprintf("%s ago", -d)
	}
	return fmt.Sprintf("in %s", d)
}
