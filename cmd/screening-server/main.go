package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/screening/internal/config"
	"github.com/ehr/screening/internal/domain/cds"
	"github.com/ehr/screening/internal/domain/resource"
	"github.com/ehr/screening/internal/domain/risk"
	"github.com/ehr/screening/internal/domain/screening"
	"github.com/ehr/screening/internal/platform/db"
	"github.com/ehr/screening/internal/platform/events"
	"github.com/ehr/screening/internal/platform/fhir"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "screening-server",
		Short:        "FHIR clinical data store with preventive screening decision support",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(evaluateCmd())
	rootCmd.AddCommand(rulesCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(dev bool) zerolog.Logger {
	if dev {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// cliLogger keeps stdout clean for commands that print JSON.
func cliLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	var seed bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(seed)
		},
	}
	cmd.Flags().BoolVar(&seed, "seed", false, "Load demo patients on startup")
	return cmd
}

func runServer(seed bool) error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.IsDev())
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}

	if seed {
		if _, err := loadBundle(ctx, a.resources, seedBundle, logger); err != nil {
			_ = a.Close(ctx)
			return fmt.Errorf("seed: %w", err)
		}
	}

	// Start server
	addr := ":" + cfg.Port
	go func() {
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting screening server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := a.echo.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to release resources")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres store",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
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
			})
		},
	})

	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrations")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, db.Migrations()))
}

// patientReport is the evaluate command's output for one patient.
type patientReport struct {
	Evaluation *screening.Evaluation `json:"evaluation"`
	Risk       *risk.Assessment      `json:"risk,omitempty"`
	Cards      []fhir.CDSCard        `json:"cards"`
}

func evaluateCmd() *cobra.Command {
	var bundlePath, date string
	var leadWindow, critical int
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate every patient in a FHIR Bundle file and print determinations and cards",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now().UTC()
			if date != "" {
				t, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("--at must be YYYY-MM-DD: %w", err)
				}
				at = t
			}
			data, err := os.ReadFile(bundlePath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runEvaluate(ctx, cmd.OutOrStdout(), data, at, leadWindow, critical)
		},
	}
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "Path to a FHIR Bundle JSON file")
	cmd.Flags().StringVar(&date, "at", "", "Evaluation date (YYYY-MM-DD), default today")
	cmd.Flags().IntVar(&leadWindow, "lead-window", screening.DefaultLeadWindowDays, "Days before the due date a screening becomes due")
	cmd.Flags().IntVar(&critical, "critical-overdue", cds.DefaultCriticalOverdueDays, "Days overdue at which a card becomes critical")
	_ = cmd.MarkFlagRequired("bundle")
	return cmd
}

// runEvaluate loads the bundle into a throwaway memory store and writes one
// report per patient as a JSON array.
func runEvaluate(ctx context.Context, out io.Writer, bundle []byte, at time.Time, leadWindow, critical int) error {
	logger := cliLogger()
	clock := func() time.Time { return at }

	resources := resource.NewService(resource.NewMemoryStore(), events.Nop{}, logger)
	resources.SetClock(clock)
	ids, err := loadBundle(ctx, resources, bundle, logger)
	if err != nil {
		return err
	}

	engine, err := screening.NewEngine(screening.DefaultRules(), leadWindow, logger)
	if err != nil {
		return err
	}
	scorer, err := risk.NewScorer(risk.CardioV1(), logger)
	if err != nil {
		return err
	}
	svc := screening.NewService(resources, engine, events.Nop{}, logger)
	svc.SetRiskFlagger(scorer)
	gen := cds.NewGenerator(critical)
	gen.SetClock(clock)

	reports := make([]patientReport, 0, len(ids))
	for _, id := range ids {
		rec, err := resources.PatientRecord(ctx, id)
		if err != nil {
			return fmt.Errorf("load %s: %w", id, err)
		}
		ev := svc.EvaluateRecord(ctx, rec, at)
		report := patientReport{Evaluation: ev, Cards: gen.GenerateCards(ev.Determinations)}
		if report.Cards == nil {
			report.Cards = []fhir.CDSCard{}
		}
		if a, err := scorer.Score(rec, at); err == nil {
			report.Risk = a
		}
		reports = append(reports, report)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(reports)
}

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the screening rule table",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printRules(cmd.OutOrStdout(), screening.DefaultRules())
		},
	}
}

func printRules(out io.Writer, rules []screening.Rule) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCATEGORY\tAGES\tSEX\tINTERVAL\tACTION")
	for _, r := range rules {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s %s\n",
			r.ID, r.Category, ageBand(r.Eligibility), orAny(r.Eligibility.Sex),
			interval(r), r.Action.Kind, r.Action.Code.Code)
	}
	return tw.Flush()
}

func ageBand(e screening.Eligibility) string {
	switch {
	case e.MinAge == nil && e.MaxAge == nil:
		return "any"
	case e.MaxAge == nil:
		return fmt.Sprintf("%d+", *e.MinAge)
	case e.MinAge == nil:
		return fmt.Sprintf("<=%d", *e.MaxAge)
	}
	return fmt.Sprintf("%d-%d", *e.MinAge, *e.MaxAge)
}

func interval(r screening.Rule) string {
	if r.Once() {
		return "once"
	}
	if r.IntervalMonths%12 == 0 {
		return fmt.Sprintf("%dy", r.IntervalMonths/12)
	}
	return fmt.Sprintf("%dm", r.IntervalMonths)
}

func orAny(s string) string {
	if s == "" {
		return "any"
	}
	return s
}
