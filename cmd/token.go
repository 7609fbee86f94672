package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"popupauth/internal/session"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "Print the saved access token",
		Long: `Print the access token of the saved session, for use in scripts:

  curl -H "Authorization: Bearer $(popupauth token)" https://api.example.com/

The session is not refreshed. Exits with code 2 if there is no session or it
has expired.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openStorage(appConfig)
			if err != nil {
				return err
			}
			defer rt.Close()

			tok, err := rt.sessions.TokenSource().Token()
			if err != nil {
				if errors.Is(err, session.ErrNoSession) {
					return &AuthRequiredError{Reason: err}
				}
				return err
			}
			if !tok.Valid() {
				return &AuthRequiredError{Reason: errors.New("session expired")}
			}

			fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
			return nil
		},
	}
}
