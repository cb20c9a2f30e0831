package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lifeline-app/lifeline/internal/export"
	"github.com/lifeline-app/lifeline/internal/model"
)

var (
	alertsUser  string
	alertsLimit int
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and export the alert ledger",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a user's alerts, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		alerts, err := st.ListAlerts(cmd.Context(), alertsUser, alertsLimit)
		if err != nil {
			return err
		}
		if len(alerts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no alerts")
			return nil
		}
		for _, a := range alerts {
			// The list query skips attempts; load the full record for the count.
			full, err := st.GetAlert(cmd.Context(), a.ID)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatAlertLine(*full))
		}
		return nil
	},
}

func formatAlertLine(a model.Alert) string {
	return fmt.Sprintf("%s  %-15s %-12s conf=%.2f attempts=%d  %s",
		a.CreatedAt.Format("2006-01-02 15:04:05"),
		a.Kind, a.Status, a.Confidence, len(a.Attempts), a.ID)
}

var alertsShowCmd = &cobra.Command{
	Use:   "show <alert-id>",
	Short: "Show one alert with its delivery attempts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		a, err := st.GetAlert(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "alert %s user=%s kind=%s status=%s conf=%.2f\n",
			a.ID, a.UserID, a.Kind, a.Status, a.Confidence)
		if a.Note != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "note: %s\n", a.Note)
		}
		for _, at := range a.Attempts {
			fmt.Fprintf(cmd.OutOrStdout(), "  tier %d  contact=%s channel=%s result=%s sent=%s\n",
				at.Tier, at.ContactID, at.Channel, at.Result,
				at.SentAt.Format("15:04:05"))
		}
		return nil
	},
}

var alertsExportCmd = &cobra.Command{
	Use:   "export <output.xlsx>",
	Short: "Export a user's alert ledger to an XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := export.WriteAlertLedger(cmd.Context(), st, alertsUser, args[0], alertsLimit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d alerts to %s\n", n, args[0])
		return nil
	},
}

func init() {
	alertsCmd.PersistentFlags().StringVar(&alertsUser, "user", "", "user ID (required for list/export)")
	alertsCmd.PersistentFlags().IntVar(&alertsLimit, "limit", 100, "maximum alerts")

	alertsCmd.AddCommand(alertsListCmd, alertsShowCmd, alertsExportCmd)
	rootCmd.AddCommand(alertsCmd)
}
