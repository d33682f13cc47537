package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"kworkgate/pkg/secrets"
)

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage account passwords",
}

var secretSetCmd = &cobra.Command{
	Use:   "set <ref>",
	Short: "Store a password under a credential reference",
	Long: `Prompt for a password and store it under a writable credential
reference. Only keyring:// references can be written; env:// references
are read from the environment.`,
	Example: `  kworkctl secret set keyring://kworkgate/main`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := secrets.ParseRef(args[0]); err != nil {
			return err
		}

		fmt.Fprint(printer.Out, "Password: ")
		password, err := readPassword()
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		if password == "" {
			return errors.New("empty password")
		}

		if err := secrets.NewResolver().Put(cmd.Context(), args[0], password); err != nil {
			return err
		}
		printer.Success("Password stored: " + args[0])
		return nil
	},
}

func init() {
	secretCmd.AddCommand(secretSetCmd)
	rootCmd.AddCommand(secretCmd)
}

// readPassword reads a password from stdin without echoing
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		password, err := term.ReadPassword(fd)
		fmt.Fprintln(printer.Out)
		if err == nil {
			return string(password), nil
		}
	}

	reader := bufio.NewReader(os.Stdin)
	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return "", err
	}
	return strings.TrimSpace(input), nil
}
