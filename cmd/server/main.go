package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/DukeRupert/hookmeter/internal"
	"github.com/DukeRupert/hookmeter/internal/billing"
	"github.com/DukeRupert/hookmeter/internal/domain"
	"github.com/DukeRupert/hookmeter/internal/repository"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags.
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hookmeter",
		Short:         "Usage-based entitlement and billing reconciliation for the hook generator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newPlansCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.NewConfig()
			if err != nil {
				return fmt.Errorf("config initialization failed: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := internal.NewConfig()
			if err != nil {
				return fmt.Errorf("config initialization failed: %w", err)
			}
			logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

			if cfg.DatabaseDriver == internal.DriverSQLite {
				store, err := repository.OpenSQLite(cfg.SQLitePath)
				if err != nil {
					return err
				}
				logger.Info("SQLite schema ready", "path", cfg.SQLitePath)
				return store.Close()
			}

			store, db, err := repository.OpenPostgres(cmd.Context(), cfg.DatabaseUrl)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := internal.RunMigrations(cmd.Context(), db); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			version, err := internal.MigrationVersion(cmd.Context(), db)
			if err != nil {
				return err
			}
			logger.Info("Database migrated", "version", version)
			return nil
		},
	}
}

func newPlansCmd() *cobra.Command {
	var freeReset string
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Print the plan catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalog, err := billing.NewCatalog(billing.DefaultPlans(domain.Interval(strings.ToLower(freeReset))), billing.PriceConfig{})
			if err != nil {
				return err
			}
			return printPlans(cmd.OutOrStdout(), catalog.Plans())
		},
	}
	cmd.Flags().StringVar(&freeReset, "free-reset", string(domain.IntervalMonth), "free tier reset cadence (month or week)")
	return cmd
}

func printPlans(out io.Writer, plans []domain.Plan) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PLAN\tPRO\tDRAFT\tOVERAGE\tUNIT PRICE\tRESETS\tMODELS")
	for _, p := range plans {
		models := make([]string, 0, len(p.AllowedModelClasses))
		for _, c := range p.AllowedModelClasses {
			models = append(models, c.String())
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			billing.DisplayName(p.Name),
			formatLimit(p.ProGenerationsLimit),
			formatLimit(p.DraftGenerationsLimit),
			p.MaxOverage(),
			p.OverageUnitPrice,
			p.ResetInterval,
			strings.Join(models, ","),
		)
	}
	return tw.Flush()
}

func formatLimit(limit *int64) string {
	if limit == nil {
		return "unlimited"
	}
	return fmt.Sprintf("%d", *limit)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
