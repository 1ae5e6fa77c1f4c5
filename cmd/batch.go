package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/pnr-status-sync/internal/batch"
	"github.com/JakeFAU/pnr-status-sync/internal/pnr"
)

type batchFlags struct {
	file         string
	rpm          int
	forceRefresh bool
	skipInvalid  bool
	maxRetries   int
}

// newBatchCmd creates the 'batch' subcommand. Keys come from the arguments,
// a file with one key per line, or both.
func newBatchCmd() *cobra.Command {
	var flags batchFlags
	cmd := &cobra.Command{
		Use:   "batch [KEY...]",
		Short: "Looks up the status of many booking keys",
		Long: `Processes keys sequentially with the configured delay and retry policy.
Use --rpm to throttle to a number of requests per minute instead of the
configured delay. The outcome is printed as JSON.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatchCommand(cmd, args, flags)
		},
	}
	cmd.Flags().StringVarP(&flags.file, "file", "f", "", "file with one key per line")
	cmd.Flags().IntVar(&flags.rpm, "rpm", 0, "throttle to this many requests per minute")
	cmd.Flags().BoolVar(&flags.forceRefresh, "force-refresh", false, "bypass the cache for every key")
	cmd.Flags().BoolVar(&flags.skipInvalid, "skip-invalid", false, "drop malformed keys before processing")
	cmd.Flags().IntVar(&flags.maxRetries, "max-retries", 0, "retries per key (0 uses the configured value, negative disables)")
	return cmd
}

func runBatchCommand(cmd *cobra.Command, args []string, flags batchFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.Logger()

	keys := append([]string(nil), args...)
	if flags.file != "" {
		fromFile, err := readKeyFile(flags.file)
		if err != nil {
			return err
		}
		keys = append(keys, fromFile...)
	}
	if len(keys) == 0 {
		return errors.New("no keys given")
	}

	if flags.skipInvalid {
		valid, rejected := pnr.ParseKeys(keys)
		for _, r := range rejected {
			logger.Warn("skipping invalid key", zap.String("key", string(r.Key)), zap.String("error", r.Error))
		}
		keys = keys[:0]
		for _, k := range valid {
			keys = append(keys, string(k))
		}
		if len(keys) == 0 {
			return errors.New("no valid keys given")
		}
	}

	opts := batch.Options{
		ForceRefresh: flags.forceRefresh,
		MaxRetries:   flags.maxRetries,
	}
	if flags.rpm > 0 {
		opts.RequestDelay = batch.ThrottleDelay(flags.rpm)
	}

	progress := func(index, total int, key pnr.LookupKey) {
		logger.Info("processing key", zap.Int("index", index), zap.Int("total", total), zap.String("key", string(key)))
	}
	outcome := appInstance.RunBatch(cmd.Context(), keys, opts, progress)
	if err := printJSON(cmd.OutOrStdout(), outcome); err != nil {
		return err
	}
	if outcome.Cancelled {
		return errors.New("batch cancelled")
	}
	return nil
}

func readKeyFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator supplied path
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	return keys, nil
}
