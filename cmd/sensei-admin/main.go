// Command sensei-admin runs offline maintenance against the Sensei database.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/sensei/internal/app"
	"github.com/ashita-ai/sensei/internal/config"
	"github.com/ashita-ai/sensei/internal/service/embedding"
	"github.com/ashita-ai/sensei/internal/service/reconcile"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sensei-admin",
		Short:         "Offline maintenance for the Sensei database",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			_ = godotenv.Load()
		},
	}
	root.AddCommand(newMigrateCmd(), newReconcileCmd(), newEmbedCmd())
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.LogLevel)
			db, err := app.OpenDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			db.Close()
			return nil
		},
	}
}

func newReconcileCmd() *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "reconcile-sessions",
		Short: "Backfill session owners and merge duplicate coaching sessions",
		Long: "Assigns an owner to every ownerless coaching session, merges each group of\n" +
			"sessions sharing (owner, client) into the one with the most messages, and\n" +
			"verifies the result. Safe to re-run; a clean database reports all zeros.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := app.NewLogger(cfg.LogLevel)
			db, err := app.OpenDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			sum, err := reconcile.New(db, logger).Run(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printJSON(cmd, sum)
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "report what would change without writing")
	cmd.Flags().BoolVar(&opts.EnforceUniqueIndex, "enforce-unique", false, "create the (owner, client) unique index after a clean run")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", reconcile.DefaultConcurrency, "duplicate groups merged in parallel")
	return cmd
}

func newEmbedCmd() *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "embed-documents",
		Short: "Compute embeddings for documents that have none",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.EmbeddingProvider == "noop" {
				return fmt.Errorf("SENSEI_EMBEDDING_PROVIDER must be openai or ollama to embed documents")
			}
			logger := app.NewLogger(cfg.LogLevel)
			db, err := app.OpenDB(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := embedding.Backfill(cmd.Context(), db, app.NewEmbedder(cfg, logger), batchSize, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 32, "documents embedded per provider call")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
