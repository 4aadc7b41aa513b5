package main

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/spf13/cobra"

	"go-wisp/internal/middleware"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Runs one fleet polling cycle and prints its stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.monitor.RunCycle(cmd.Context())
		a.monitor.WaitAlerts()
		if perr := printJSON(stats); perr != nil {
			return perr
		}
		return err
	},
}

var reconcileDay int

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Runs the billing reconciliation once and prints its stats",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		now := time.Now()
		if reconcileDay > 0 {
			stats, err := a.billing.ReconcileBillingDay(cmd.Context(), reconcileDay, now)
			if perr := printJSON(stats); perr != nil {
				return perr
			}
			return err
		}
		stats, err := a.billing.Reconcile(cmd.Context(), now)
		if perr := printJSON(stats); perr != nil {
			return perr
		}
		return err
	},
}

var (
	tokenOperator string
	tokenRole     string
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issues an operator API token signed with auth.jwt_secret",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Auth.JWTSecret == "" {
			return errors.New("auth.jwt_secret must be set to issue tokens")
		}
		tok, err := middleware.IssueToken(cfg.Auth.JWTSecret, tokenOperator, tokenRole, tokenTTL)
		if err != nil {
			return err
		}
		return printJSON(map[string]string{"token": tok, "expires": time.Now().Add(tokenTTL).Format(time.RFC3339)})
	},
}

func init() {
	reconcileCmd.Flags().IntVar(&reconcileDay, "day", 0, "only reconcile clients billed on this day of the month")
	tokenCmd.Flags().StringVar(&tokenOperator, "operator", "noc", "operator name carried in the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", "admin", "operator role")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime")
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
