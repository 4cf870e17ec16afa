package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/diewo77/invoicechain/auth"
	"github.com/diewo77/invoicechain/internal/config"
	"github.com/diewo77/invoicechain/internal/db"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:           "invoicechain",
		Short:         "Hash-chained invoice submission to the tax authority",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), workerCmd(), sweepCmd(), migrateCmd(), verifyChainCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	var noWorker, noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the audit consumer and the retry scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.Load())
			if err != nil {
				return err
			}
			defer a.close()
			if err := db.Seed(a.db); err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			srv := a.server()
			g.Go(func() error {
				a.logger.Info("http server starting", zap.String("addr", srv.Addr), zap.Bool("dev", a.cfg.App.Dev))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("http server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				a.logger.Info("shutting down http server")
				return srv.Shutdown(shutdownCtx)
			})
			if !noWorker {
				g.Go(func() error { return a.consumer().Run(ctx) })
			}
			if !noScheduler {
				g.Go(func() error { return a.scheduler().Start(ctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not run the audit consumer in this process")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run the retry scheduler in this process")
	return cmd
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run only the audit consumer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.Load())
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext()
			defer stop()
			return a.consumer().Run(ctx)
		},
	}
}

func sweepCmd() *cobra.Command {
	var report bool
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one retry sweep and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.Load())
			if err != nil {
				return err
			}
			defer a.close()
			ctx, stop := signalContext()
			defer stop()

			s := a.scheduler()
			rep, err := s.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d accepted=%d failed=%d abandoned=%d skipped=%d\n",
				rep.Scanned, rep.Accepted, rep.Failed, rep.Abandoned, rep.Skipped)
			if report {
				stats, err := s.DailyReport(ctx)
				if err != nil {
					return err
				}
				for _, st := range stats {
					fmt.Fprintf(cmd.OutOrStdout(), "tenant=%d status=%s count=%d\n", st.CompanyID, st.SubmissionStatus, st.Count)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&report, "report", false, "also print the per-tenant report of the last 24h")
	return cmd
}

func migrateCmd() *cobra.Command {
	var sqlDir string
	var seed bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Long: `Apply the database schema and exit.

By default the schema is created with GORM AutoMigrate. With --sql the
versioned SQL migrations in the given directory are applied instead
(PostgreSQL only).`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			if sqlDir != "" {
				if err := db.RunSQLMigrations(sqlDir, cfg.Database.URL()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "sql migrations applied")
				if !seed {
					return nil
				}
			}
			cfg.App.Migrations = sqlDir == ""
			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()
			if seed {
				if err := db.Seed(a.db); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations completed")
			return nil
		},
	}
	cmd.Flags().StringVar(&sqlDir, "sql", "", "directory of versioned SQL migrations")
	cmd.Flags().BoolVar(&seed, "seed", true, "create the default profiles and permissions")
	return cmd
}

func verifyChainCmd() *cobra.Command {
	var tenant uint
	cmd := &cobra.Command{
		Use:   "verify-chain",
		Short: "Recompute and check a tenant's hash chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(config.Load())
			if err != nil {
				return err
			}
			defer a.close()
			n, err := a.svc.VerifyChain(cmd.Context(), tenant)
			if err != nil {
				return fmt.Errorf("tenant %d: chain invalid after %d invoices: %w", tenant, n, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tenant %d: chain of %d invoices is valid\n", tenant, n)
			return nil
		},
	}
	cmd.Flags().UintVar(&tenant, "tenant", 0, "tenant (company) id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func tokenCmd() *cobra.Command {
	var user uint
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an API bearer token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if user == 0 {
				return errors.New("--user is required")
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.IssueToken([]byte(config.Load().Auth.TokenSecret), user))
			return nil
		},
	}
	cmd.Flags().UintVar(&user, "user", 0, "user id")
	return cmd
}
