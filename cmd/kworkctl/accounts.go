package main

import (
	"context"

	"github.com/spf13/cobra"

	"kworkgate/pkg/accounts"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage the account registry",
	Long: `Manage the TOML registry of Kwork accounts.

Each account has an id, the login used on the sign-in form and a
credential reference naming where the password lives:
  - env://VARIABLE
  - keyring://service/user`,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts and their session state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			return runAccountsList(cmd.Context(), a)
		})
	},
}

var (
	addLogin string
	addRef   string
	addName  string
)

var accountsAddCmd = &cobra.Command{
	Use:   "add <id>",
	Short: "Add or update an account",
	Example: `  kworkctl accounts add main --login seller@example.com --credential-ref keyring://kworkgate/main
  kworkctl secret set keyring://kworkgate/main`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := accounts.Open(cfg.Accounts.Path)
		if err != nil {
			return err
		}
		acc := accounts.Account{ID: args[0], Name: addName, Login: addLogin, CredentialRef: addRef}
		if err := registry.Save(cmd.Context(), acc); err != nil {
			return err
		}
		printer.Success("Account saved: " + acc.ID)
		printer.Dim(registry.Path())
		return nil
	},
}

var accountsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an account from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := accounts.Open(cfg.Accounts.Path)
		if err != nil {
			return err
		}
		if err := registry.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		printer.Success("Account removed: " + args[0])
		return nil
	},
}

func init() {
	accountsAddCmd.Flags().StringVar(&addLogin, "login", "", "login (email or username) used on the sign-in form")
	accountsAddCmd.Flags().StringVar(&addRef, "credential-ref", "", "where the password is stored, e.g. env://KWORK_PASSWORD")
	accountsAddCmd.Flags().StringVar(&addName, "name", "", "display name")
	_ = accountsAddCmd.MarkFlagRequired("login")
	_ = accountsAddCmd.MarkFlagRequired("credential-ref")

	accountsCmd.AddCommand(accountsListCmd, accountsAddCmd, accountsRemoveCmd)
	rootCmd.AddCommand(accountsCmd)
}

func runAccountsList(ctx context.Context, a *app) error {
	list, err := a.registry.List(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		printer.Info("No accounts registered", "use 'kworkctl accounts add'")
		return nil
	}

	active := ""
	if h, err := a.manager.Active(); err == nil {
		active = h.AccountID()
	}

	rows := make([][]string, 0, len(list))
	for _, acc := range list {
		state := "disabled"
		if !acc.Disabled {
			if info, err := a.manager.AuthState(acc.ID); err == nil {
				state = string(info.State)
			}
		}
		marker := ""
		if acc.ID == active {
			marker = "*"
		}
		rows = append(rows, []string{marker, acc.ID, acc.Login, acc.CredentialRef, state})
	}
	printer.Table([]string{"", "ID", "LOGIN", "CREDENTIAL", "STATE"}, rows)
	return nil
}
