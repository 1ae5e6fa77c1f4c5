package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

var errLookupFailed = errors.New("lookup failed")

// newLookupCmd creates the 'lookup' subcommand for a single key.
func newLookupCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "lookup KEY",
		Short: "Looks up the status of one booking key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result := appInstance.Lookup(cmd.Context(), args[0], refresh)
			if err := printJSON(cmd.OutOrStdout(), result); err != nil {
				return err
			}
			if result.Error != "" {
				return fmt.Errorf("%w: %s", errLookupFailed, result.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "bypass the cache and fetch again")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
