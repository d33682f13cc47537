package main

import (
	"time"

	"github.com/spf13/cobra"

	"kworkgate/pkg/logger"
)

var loginForce bool

var loginCmd = &cobra.Command{
	Use:   "login [id]",
	Short: "Obtain a valid session for an account",
	Long: `Obtain a valid session, logging in only when no fresh session is
cached or persisted. Logins count against the account's auth tier.

With --force the cached and persisted cookies are ignored.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			id, err := a.account(args)
			if err != nil {
				return err
			}
			sess, err := a.manager.Login(cmd.Context(), id, loginForce)
			if err != nil {
				return err
			}

			printer.Success("Session ready: " + id)
			printer.Fields(map[string]string{
				"state":            string(sess.State),
				"authenticated_at": sess.AuthenticatedAt.Format(time.RFC3339),
				"cookies":          joinNames(sess.Cookies.Names()),
				"csrf_token":       logger.Mask(sess.CSRFToken),
			})
			return nil
		})
	},
}

func init() {
	loginCmd.Flags().BoolVarP(&loginForce, "force", "f", false, "log in even if a fresh session exists")
	rootCmd.AddCommand(loginCmd)
}
