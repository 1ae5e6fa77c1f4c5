package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/pnr-status-sync/internal/health"
)

// newHealthCmd runs every probe once and prints the verdict.
func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Runs the health probes once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			res := appInstance.Check(cmd.Context())
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			if res.Status == health.StatusUnhealthy {
				return errUnhealthy
			}
			return nil
		},
	}
}
