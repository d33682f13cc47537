package main

import (
	"github.com/spf13/cobra"

	"kworkgate/pkg/accounts"
)

var useCmd = &cobra.Command{
	Use:   "use <id>",
	Short: "Make an account the default",
	Long: `Record the default account in the registry. Commands that take an
optional account id fall back to it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		registry, err := accounts.Open(cfg.Accounts.Path)
		if err != nil {
			return err
		}
		if err := registry.SetDefault(cmd.Context(), args[0]); err != nil {
			return err
		}
		printer.Success("Default account: " + args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(useCmd)
}
