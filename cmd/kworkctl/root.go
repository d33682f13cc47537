package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"kworkgate/pkg/config"
	"kworkgate/pkg/logger"
	"kworkgate/pkg/ui"
)

var (
	// Version information
	version   = "0.3.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile     string
	logLevel       string
	baseURL        string
	sessionBackend string
	accountsPath   string
	minDelay       time.Duration
	maxDelay       time.Duration
	noColor        bool
	quiet          bool

	cfg     *config.Config
	printer *ui.Printer
)

var rootCmd = &cobra.Command{
	Use:   "kworkctl",
	Short: "Manage Kwork account sessions and request budgets",
	Long: `kworkctl drives the kworkgate session core from the command line.

It keeps one authenticated session per registered account, enforces the
per-account request tiers (general, message, response, gigEdit, auth) and
persists cookie sets between runs.

Accounts are listed in a TOML registry. Passwords are never stored there;
each account points at a credential reference such as env://KWORK_PASSWORD
or keyring://kworkgate/main.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		printer = ui.NewPrinter(noColor)
		printer.Out = cmd.OutOrStdout()
		printer.Err = cmd.ErrOrStderr()
		printer.Quiet = quiet

		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		flags := map[string]interface{}{
			"base-url":        baseURL,
			"session-backend": sessionBackend,
			"accounts":        accountsPath,
			"min-delay":       minDelay,
			"max-delay":       maxDelay,
			"log-level":       logLevel,
		}

		loaded, err := config.Load(configFile, flags)
		if err != nil {
			return err
		}
		cfg = loaded
		return logger.Initialize(&cfg.Logging)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if printer == nil {
			printer = ui.NewPrinter(noColor)
		}
		printer.Error("Error", describe(err))
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./.kworkgate.yaml or ~/.config/kworkgate/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "platform base URL")
	rootCmd.PersistentFlags().StringVar(&sessionBackend, "session-backend", "", "cookie persistence backend (file, keyring, redis, memory)")
	rootCmd.PersistentFlags().StringVar(&accountsPath, "accounts", "", "path of the accounts registry")
	rootCmd.PersistentFlags().DurationVar(&minDelay, "min-delay", 0, "minimum delay between requests of one account")
	rootCmd.PersistentFlags().DurationVar(&maxDelay, "max-delay", 0, "maximum delay between requests of one account")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress all output except errors")

	rootCmd.SetVersionTemplate(`kworkctl {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}
