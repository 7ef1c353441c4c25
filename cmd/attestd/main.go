// Command attestd runs the document attestation service and its maintenance jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/doc-attest/internal/config"
	"github.com/and161185/doc-attest/internal/migrate"
	grpcserver "github.com/and161185/doc-attest/internal/server/grpc"
	httpserver "github.com/and161185/doc-attest/internal/server/http"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "attestd",
		Short:         "Document attestation service",
		Version:       fmt.Sprintf("%s (built %s)", version, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		serveCmd(),
		migrateCmd(),
		autoAssignCmd(),
		dispatchOutboxCmd(),
		auditSealsCmd(),
	)
	return root
}

// withApp loads configuration, builds the services and runs fn with them.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	a, err := build(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var (
		skipMigrate bool
		reflect     bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the health listener and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				a.log.Info("starting",
					zap.String("version", version),
					zap.String("buildDate", buildDate),
					zap.String("addr", a.cfg.Addr),
					zap.String("environment", a.cfg.Environment),
				)
				if !skipMigrate {
					if err := migrate.Up(ctx, a.cfg.DatabaseURL); err != nil {
						return fmt.Errorf("migrate up: %w", err)
					}
				}

				api := httpserver.New(httpserver.Deps{
					Workflow:     a.workflow,
					Applications: a.applications,
					Tokens:       a.tokens,
					Devices:      a.devices,
					Verifier:     a.gateway,
				}, httpserver.Options{
					JWTKey:          []byte(a.cfg.JWTKey),
					Environment:     a.cfg.Environment,
					RateLimitRPS:    a.cfg.RateLimitRPS,
					RateLimitBurst:  a.cfg.RateLimitBurst,
					AllowedOrigins:  a.cfg.AllowedOrigins,
					MinAppVersion:   a.cfg.MinAppVersion,
					BaseAPIURL:      a.cfg.BaseAPIURL,
					ReadTimeout:     a.cfg.ReadTimeout,
					WriteTimeout:    a.cfg.WriteTimeout,
					ShutdownTimeout: a.cfg.ShutdownTimeout,
				}, a.log.Named("http"))
				health := grpcserver.NewHealth(a.db, healthInterval, reflect, a.log.Named("health"))

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return api.Serve(gctx, a.cfg.Addr) })
				g.Go(func() error { return health.Serve(gctx, a.cfg.HealthAddr) })
				g.Go(func() error { return a.dispatcher.Run(gctx) })
				err := g.Wait()
				a.log.Info("shutdown complete")
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply pending migrations on start")
	cmd.Flags().BoolVar(&reflect, "reflection", false, "enable gRPC reflection on the health listener (dev only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|down|version]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "down", "version"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			op := "up"
			if len(args) == 1 {
				op = args[0]
			}
			ctx := cmd.Context()
			switch op {
			case "up":
				return migrate.Up(ctx, cfg.DatabaseURL)
			case "down":
				return migrate.Down(ctx, cfg.DatabaseURL)
			case "version":
				v, err := migrate.Version(ctx, cfg.DatabaseURL)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			default:
				return fmt.Errorf("unknown migrate operation %q", op)
			}
		},
	}
	return cmd
}

func autoAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auto-assign",
		Short: "Assign submitted applications and applications waiting for a free officer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				n, err := a.workflow.AutoAssignApplications(ctx)
				if err != nil {
					return err
				}
				stalled, err := a.workflow.AssignStalled(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "assigned %d submitted and %d stalled application(s)\n", n, stalled)
				return nil
			})
		},
	}
}

func dispatchOutboxCmd() *cobra.Command {
	var loop bool
	cmd := &cobra.Command{
		Use:   "dispatch-outbox",
		Short: "Deliver due outbox messages",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if loop {
					return a.dispatcher.Run(ctx)
				}
				n, err := a.dispatcher.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "delivered %d message(s)\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&loop, "loop", false, "keep polling until interrupted")
	return cmd
}

func auditSealsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit-seals",
		Short: "Recompute the hash of every sealed document and flag tampering",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				rep, err := a.gateway.AuditSealedDocuments(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "checked %d, tampered %d, missing %d\n", rep.Checked, len(rep.Tampered), len(rep.Missing))
				for _, id := range rep.Tampered {
					fmt.Fprintf(out, "tampered: application %d\n", id)
				}
				for _, id := range rep.Missing {
					fmt.Fprintf(out, "missing: application %d\n", id)
				}
				if len(rep.Tampered) > 0 {
					return fmt.Errorf("%d sealed document(s) failed the audit", len(rep.Tampered))
				}
				return nil
			})
		},
	}
}
