package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehr/audit/internal/config"
	"github.com/ehr/audit/internal/domain/audit"
	"github.com/ehr/audit/internal/platform/auth"
	"github.com/ehr/audit/internal/platform/db"
	"github.com/ehr/audit/migrations"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "audit-server",
		Short:        "Immutable audit and compliance log service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(tenantCmd())
	root.AddCommand(securityCmd())
	root.AddCommand(spoolCmd())
	root.AddCommand(retentionCmd())
	root.AddCommand(archiveCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the audit API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// withApp loads and validates config, builds the app, runs fn and closes it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the audit schema migrations",
	}

	migrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		schema, _ := cmd.Flags().GetString("schema")
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.StoreDriver != config.StorePostgres {
			return fmt.Errorf("migrations need STORE_DRIVER=%s", config.StorePostgres)
		}
		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, migrations.FS, schema))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				writeMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func writeMigrationStatus(out io.Writer, statuses []db.MigrationStatus) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATUS\tAPPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.UTC().Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.Version, s.Name, status, appliedAt)
	}
	w.Flush()
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage the tenant registry",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetString("id")
			name, _ := cmd.Flags().GetString("name")
			if id == "" {
				return fmt.Errorf("--id is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				t := &audit.Tenant{ID: id, Name: name}
				if err := a.stores.Tenants.Create(ctx, t); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s registered.\n", t.ID)
				return nil
			})
		},
	}
	createCmd.Flags().String("id", "", "Tenant identifier")
	createCmd.Flags().String("name", "", "Display name")
	cmd.AddCommand(createCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List registered tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				tenants, err := a.query.Tenants(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tCREATED")
				for _, t := range tenants {
					fmt.Fprintf(w, "%s\t%s\t%s\n", t.ID, t.Name, t.CreatedAt.UTC().Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	})
	return cmd
}

func securityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "security",
		Short: "Work the security event queue",
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve a security event",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt64("id")
			action, _ := cmd.Flags().GetString("action")
			actor, _ := cmd.Flags().GetString("actor")
			tenant, _ := cmd.Flags().GetString("tenant")
			if id <= 0 {
				return fmt.Errorf("--id is required")
			}
			if actor == "" {
				return fmt.Errorf("--actor is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx = auth.WithIdentity(ctx, actor, actor, auth.RoleSecurityOfficer)
				ev, err := a.query.ResolveSecurityEvent(ctx, audit.ResolveInput{
					ID:          audit.RecordID(id),
					ActionTaken: action,
					Actor:       audit.Actor{ID: actor},
					Tenant:      tenant,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), ev)
			})
		},
	}
	resolveCmd.Flags().Int64("id", 0, "Security event id")
	resolveCmd.Flags().String("action", "", "Action taken to resolve the event")
	resolveCmd.Flags().String("actor", "", "Identifier of the person resolving the event")
	resolveCmd.Flags().String("tenant", "", "Tenant for the resolution record when the event has none")
	cmd.AddCommand(resolveCmd)
	return cmd
}

func spoolCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spool",
		Short: "Inspect and replay the fallback spool",
	}

	drainCmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay spooled records into the audit store",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.spool == nil {
					return fmt.Errorf("REDIS_URL is not configured")
				}
				if _, err := a.spool.Recover(ctx); err != nil {
					return err
				}
				res, err := audit.Drain(ctx, a.stores, a.spool, limit, a.logger)
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
					err = perr
				}
				return err
			})
		},
	}
	drainCmd.Flags().Int("limit", 0, "Maximum records to replay (0 means all)")
	cmd.AddCommand(drainCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show spool queue depths",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.spool == nil {
					return fmt.Errorf("REDIS_URL is not configured")
				}
				st, err := a.spool.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	})
	return cmd
}

func retentionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retention",
		Short: "Report records against their retention policy",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Count records past their archive and retention cutoffs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				counts, err := a.sweeper.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), counts)
			})
		},
	})
	return cmd
}

func archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Copy a tenant's archive-eligible records to the archive bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			cutoffFlag, _ := cmd.Flags().GetString("cutoff")
			if tenant == "" {
				return fmt.Errorf("--tenant is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if a.archive == nil {
					return fmt.Errorf("ARCHIVE_BUCKET is not configured")
				}
				cutoff, err := archiveCutoff(a, cutoffFlag)
				if err != nil {
					return err
				}
				res, err := a.query.Archive(ctx, tenant, cutoff, a.archive)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().String("tenant", "", "Tenant to archive")
	cmd.Flags().String("cutoff", "", "RFC 3339 cutoff (defaults to the audit event archive cutoff)")
	return cmd
}

// archiveCutoff parses an explicit cutoff or falls back to the configured
// archive age for AuditEvents.
func archiveCutoff(a *app, flag string) (time.Time, error) {
	if flag != "" {
		t, err := time.Parse(time.RFC3339, flag)
		if err != nil {
			return time.Time{}, fmt.Errorf("--cutoff: %w", err)
		}
		return t, nil
	}
	cutoff, _, ok := a.retention.Cutoffs(string(audit.KindAuditEvent))
	if !ok {
		return time.Time{}, fmt.Errorf("no retention policy for %s", audit.KindAuditEvent)
	}
	return cutoff, nil
}
