package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"kworkgate/pkg/config"
	"kworkgate/pkg/transport"
)

var (
	probeTier   string
	probeMethod string
)

var probeCmd = &cobra.Command{
	Use:   "probe <id> <path>",
	Short: "Send one admitted request and report the outcome",
	Long: `Send a single request for an account through the full admission
pipeline (rate limits, pacing, session) and print the response status.

Useful to check that a session is accepted by the server.`,
	Example: `  kworkctl probe main /projects
  kworkctl probe main /inbox --tier message`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			resp, err := a.client.Do(cmd.Context(), transport.Request{
				AccountID: args[0],
				Tier:      probeTier,
				Method:    strings.ToUpper(probeMethod),
				Path:      args[1],
			})
			if err != nil {
				return err
			}

			printer.Success(fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
			printer.Fields(map[string]string{
				"request_id": resp.RequestID,
				"attempts":   fmt.Sprintf("%d", resp.Attempts),
				"bytes":      fmt.Sprintf("%d", len(resp.Body)),
			})
			return nil
		})
	},
}

func init() {
	probeCmd.Flags().StringVar(&probeTier, "tier", config.TierGeneral, "rate limit tier of the request")
	probeCmd.Flags().StringVar(&probeMethod, "method", http.MethodGet, "HTTP method")
	rootCmd.AddCommand(probeCmd)
}
