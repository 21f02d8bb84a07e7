package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jwalitptl/clinic-flow/internal/bootstrap"
	"github.com/jwalitptl/clinic-flow/internal/config"
	"github.com/jwalitptl/clinic-flow/internal/model"
	"github.com/jwalitptl/clinic-flow/internal/repository/postgres"
	"github.com/jwalitptl/clinic-flow/internal/service/visitflow"
	"github.com/jwalitptl/clinic-flow/internal/worker"
	"github.com/jwalitptl/clinic-flow/pkg/auth"
	"github.com/jwalitptl/clinic-flow/pkg/clock"
	"github.com/jwalitptl/clinic-flow/pkg/metrics"
)

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:          "clinicctl",
		Short:        "Operator tools for the clinic visit flow",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reapCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(queueCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadPostgres(ctx context.Context) (*config.Config, *bootstrap.Storage, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Driver != config.StorePostgres {
		return nil, nil, fmt.Errorf("store driver %q keeps no shared state; set store.driver to postgres", cfg.Store.Driver)
	}
	storage, err := bootstrap.OpenStorage(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, storage, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, storage, err := loadPostgres(ctx)
			if err != nil {
				return err
			}
			defer storage.Close()

			count, err := postgres.NewMigrator(storage.DB).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, storage, err := loadPostgres(ctx)
			if err != nil {
				return err
			}
			defer storage.Close()

			statuses, err := postgres.NewMigrator(storage.DB).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func reapCmd() *cobra.Command {
	var threshold time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Run one stale-session sweep and print what changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, storage, err := loadPostgres(ctx)
			if err != nil {
				return err
			}
			defer storage.Close()

			log := bootstrap.NewLogger(cfg.Log)
			m := metrics.NewNop()
			audit, closeAudit, err := bootstrap.NewAuditRecorder(storage.Outbox, cfg.Outbox.AuditBuffer, log, m)
			if err != nil {
				return err
			}
			defer closeAudit()

			svc := bootstrap.NewVisitFlow(cfg, bootstrap.ServiceOptions{
				Storage: storage,
				Audit:   audit,
				Metrics: m,
				Logger:  log,
			})
			if threshold <= 0 {
				threshold = cfg.Reaper.StaleThreshold
			}
			reaper := worker.NewReaper(svc, clock.System(), worker.ReaperConfig{
				Interval:       cfg.Reaper.Interval,
				StaleThreshold: threshold,
			}, log, m)

			res, err := reaper.Sweep(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().DurationVar(&threshold, "threshold", 0, "staleness threshold (defaults to reaper.stale_threshold)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		role   string
		expiry time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <actor-id>",
		Short: "Mint a bearer token for an actor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if !model.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			if expiry <= 0 {
				expiry = cfg.JWT.Expiry
			}
			tokens, err := auth.NewTokenService(auth.Config{
				Secret: cfg.JWT.Secret,
				Issuer: cfg.JWT.Issuer,
				Expiry: expiry,
			}, clock.System())
			if err != nil {
				return err
			}
			token, err := tokens.Mint(model.Actor{ID: args[0], Role: role})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", model.ActorRoleStaff, "actor role: staff, clinician, admin or system")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "token lifetime (defaults to jwt.expiry)")
	return cmd
}

func queueCmd() *cobra.Command {
	var serviceType, priority string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued visits in assignment order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, storage, err := loadPostgres(ctx)
			if err != nil {
				return err
			}
			defer storage.Close()

			svc := bootstrap.NewVisitFlow(cfg, bootstrap.ServiceOptions{
				Storage: storage,
				Metrics: metrics.NewNop(),
				Logger:  bootstrap.NewLogger(cfg.Log),
			})
			entries, err := svc.ListQueue(ctx, visitflow.QueueFilter{
				ServiceType: serviceType,
				Priority:    model.Priority(strings.ToLower(priority)),
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-4s %-36s %-12s %-10s %-16s %s\n", "POS", "SESSION", "PATIENT", "PRIORITY", "SERVICE", "QUEUED AT")
			for _, e := range entries {
				queuedAt := ""
				if e.Session.QueuedAt != nil {
					queuedAt = e.Session.QueuedAt.In(cfg.Clinic.Location()).Format("15:04:05")
				}
				fmt.Fprintf(out, "%-4d %-36s %-12s %-10s %-16s %s\n",
					e.Position, e.Session.ID, e.Session.PatientRef, e.Session.Priority, e.Session.ServiceType, queuedAt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceType, "service-type", "", "only this service type")
	cmd.Flags().StringVar(&priority, "priority", "", "only this priority")
	return cmd
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
