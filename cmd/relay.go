package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Serve the login landing page on the redirect URI",
		Long: `Serve the page the identity provider redirects the login popup to.

The page hands the authorization code to a waiting 'popupauth login
--no-relay' through the shared storage directory. Runs until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if appConfig.OAuth2.RedirectURI == "" {
				return fmt.Errorf("oauth2.redirectUri is not configured")
			}
			rt, err := openStorage(appConfig)
			if err != nil {
				return err
			}
			defer rt.Close()

			srv, err := newRelayServer(appConfig, rt.channel)
			if err != nil {
				return err
			}
			return srv.Run(cmd.Context())
		},
	}
}
