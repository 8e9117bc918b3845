package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/heald/internal/bus"
	"github.com/fyrsmithlabs/heald/internal/config"
	"github.com/fyrsmithlabs/heald/internal/detector"
	"github.com/fyrsmithlabs/heald/internal/logging"
	"github.com/fyrsmithlabs/heald/internal/store"
)

var (
	scanSince string
	scanLimit int
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the whole log file for errors",
	Long: `Scan the configured log file from the beginning and persist any
detected errors without publishing events. Useful for initial setup or
after the daemon was down.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanSince, "since", "", "only show errors detected after this duration ago (e.g. 24h)")
	scanCmd.Flags().IntVar(&scanLimit, "limit", 100, "maximum number of errors to show")
}

func runScan(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logging.Sync(logger)

	var since time.Time
	if scanSince != "" {
		d, err := time.ParseDuration(scanSince)
		if err != nil {
			return fmt.Errorf("invalid --since value: %w", err)
		}
		since = time.Now().UTC().Add(-d)
	}

	st, err := store.Open(cfg.Store.Path, logger.Named("store"))
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	b := bus.New(logger.Named("bus"), bus.WithHistorySize(cfg.Bus.HistorySize))
	det, err := detector.New(cfg.Monitor, st, b, logger.Named("detector"))
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}

	errs, err := det.ScanFile(context.Background(), since, scanLimit)
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if len(errs) == 0 {
		fmt.Println("no errors found")
		return nil
	}

	fmt.Printf("%-36s  %-22s  %-8s  %-16s  %s\n", "ID", "TYPE", "SEVERITY", "MODULE", "DETECTED")
	for _, e := range errs {
		module := e.ModuleName
		if module == "" {
			module = "-"
		}
		fmt.Printf("%-36s  %-22s  %-8s  %-16s  %s\n",
			e.ID, e.ErrorType, e.Severity, module, e.DetectedAt.Format(time.RFC3339))
	}
	fmt.Printf("\n%d error(s)\n", len(errs))
	return nil
}
