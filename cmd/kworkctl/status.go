package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show session state and remaining request budgets",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(a *app) error {
			id, err := a.account(args)
			if err != nil {
				return err
			}
			info, err := a.manager.AuthState(id)
			if err != nil {
				return err
			}

			printer.Highlight("Account " + id)
			fields := map[string]string{
				"state":            string(info.State),
				"authenticated_at": formatTime(info.AuthenticatedAt),
				"expires":          formatTime(info.ExpiresEstimate),
				"last_request":     formatTime(info.LastRequestAt),
			}
			if info.LastError != "" {
				fields["last_error"] = info.LastError
			}
			printer.Fields(fields)

			limits := a.manager.RateLimits(id)
			tiers := make([]string, 0, len(limits))
			for tier := range limits {
				tiers = append(tiers, tier)
			}
			sort.Strings(tiers)

			rows := make([][]string, 0, len(tiers))
			for _, tier := range tiers {
				st := limits[tier]
				retry := ""
				if st.RetryAfter > 0 {
					retry = st.RetryAfter.Round(time.Second).String()
				}
				rows = append(rows, []string{
					tier,
					fmt.Sprintf("%d/%d", st.Remaining, st.Limit),
					st.Window.String(),
					retry,
				})
			}
			fmt.Fprintln(printer.Out)
			printer.Table([]string{"TIER", "REMAINING", "WINDOW", "RETRY IN"}, rows)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func joinNames(names []string) string {
	if len(names) == 0 {
		return "-"
	}
	return strings.Join(names, ", ")
}
