package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/flowgate/flowgate-go/internal/config"
	"github.com/flowgate/flowgate-go/internal/reliability"
	"github.com/flowgate/flowgate-go/internal/storage"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "flowgate-admin",
		Short: "Inspect and manage the flowgate reliability controller's durable state",
		Long: `Flowgate Admin is a CLI tool for operating the workflow-execution
reliability controller. It inspects and replays dead letter entries and
shows the replay ledger, working directly against the durable store.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	var verbose bool
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	// DLQ command
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead letter entries",
	}

	var tenant string
	var limit int

	dlqListCmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letter entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dlq, pool, err := openDLQ(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			entries, err := dlq.GetMessages(ctx, tenant, limit)
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}

			printEntries(entries)
			return nil
		},
	}
	dlqListCmd.Flags().StringVarP(&tenant, "tenant", "t", "", "Filter by tenant id")
	dlqListCmd.Flags().IntVarP(&limit, "limit", "l", 50, "Maximum entries to return")

	dlqRetryCmd := &cobra.Command{
		Use:   "retry [entry-id]",
		Short: "Mark a dead letter entry for retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dlq, pool, err := openDLQ(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			entry, err := dlq.RetryMessage(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to retry entry: %w", err)
			}

			fmt.Printf("Entry %s marked for retry (attempt %d)\n", entry.ID, entry.RetryCount)
			fmt.Printf("Re-drive workflow %s for tenant %s with the printed payload:\n",
				entry.WorkflowName, entry.TenantID)
			for k, v := range entry.Payload {
				fmt.Printf("  %s: %v\n", k, v)
			}
			return nil
		},
	}

	dlqDeleteCmd := &cobra.Command{
		Use:   "delete [entry-id]",
		Short: "Hard-delete a dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dlq, pool, err := openDLQ(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := dlq.DeleteMessage(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete entry: %w", err)
			}
			fmt.Printf("Entry %s deleted\n", args[0])
			return nil
		},
	}

	dlqCleanupCmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete all expired dead letter entries once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dlq, pool, err := openDLQ(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			removed, err := dlq.CleanupExpired(ctx)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			fmt.Printf("Removed %d expired entries\n", removed)
			return nil
		},
	}

	dlqStatsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dead letter totals per tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dlq, pool, err := openDLQ(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			stats, err := dlq.GetStats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read stats: %w", err)
			}

			fmt.Printf("Total entries: %d\n", stats.Total)
			for tenantID, count := range stats.ByTenant {
				fmt.Printf("  %-30s %d\n", tenantID, count)
			}
			return nil
		},
	}

	dlqCmd.AddCommand(dlqListCmd, dlqRetryCmd, dlqDeleteCmd, dlqCleanupCmd, dlqStatsCmd)

	// Replay ledger command
	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Inspect the replay ledger",
	}

	replayShowCmd := &cobra.Command{
		Use:   "show [tenant-id]",
		Short: "Show a tenant's last processed event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			guard := reliability.NewReplayGuard(storage.NewPostgresLedger(pool))
			eventID, err := guard.LastProcessedEvent(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to read ledger: %w", err)
			}

			if eventID == "" {
				fmt.Printf("No events recorded for tenant %s\n", args[0])
				return nil
			}
			fmt.Printf("Tenant %s last processed event: %s\n", args[0], eventID)
			return nil
		},
	}

	replayCmd.AddCommand(replayShowCmd)

	// Sweep command
	var interval time.Duration
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run the expiry sweeper until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, pool, err := connect(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			if interval <= 0 {
				interval = cfg.DLQCleanupInterval
			}

			dlq := reliability.NewDeadLetterQueue(storage.NewPostgresStore(pool),
				reliability.WithDLQLogger(logger),
				reliability.WithDLQTTL(cfg.DLQTTL),
			)
			dlq.StartSweeper(ctx, interval)

			logger.Info("sweeper started", "interval", interval)
			<-ctx.Done()
			logger.Info("sweeper stopped")
			return nil
		},
	}
	sweepCmd.Flags().DurationVarP(&interval, "interval", "i", 0, "Sweep interval (defaults to FLOWGATE_DLQ_CLEANUP_INTERVAL)")

	rootCmd.AddCommand(dlqCmd, replayCmd, sweepCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	if cfg.PostgresDSN == "" {
		return config.Config{}, nil, fmt.Errorf("FLOWGATE_POSTGRES_DSN is not set")
	}

	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return cfg, pool, nil
}

func openDLQ(ctx context.Context) (*reliability.DeadLetterQueue, *pgxpool.Pool, error) {
	cfg, pool, err := connect(ctx)
	if err != nil {
		return nil, nil, err
	}

	dlq := reliability.NewDeadLetterQueue(storage.NewPostgresStore(pool),
		reliability.WithDLQTTL(cfg.DLQTTL),
	)
	return dlq, pool, nil
}

func printEntries(entries []reliability.Entry) {
	if len(entries) == 0 {
		fmt.Println("No dead letter entries found")
		return
	}

	fmt.Printf("%-36s %-20s %-25s %-8s %-20s\n", "ID", "Tenant", "Workflow", "Retries", "Created")
	fmt.Println(strings.Repeat("-", 115))

	for _, entry := range entries {
		fmt.Printf("%-36s %-20s %-25s %-8d %-20s\n",
			entry.ID,
			truncate(entry.TenantID, 20),
			truncate(entry.WorkflowName, 25),
			entry.RetryCount,
			entry.CreatedAt.Format(time.RFC3339),
		)
		fmt.Printf("  error: %s\n", truncate(entry.ErrorMessage, 100))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
