// Package main is the entry point of the phasegate engine.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/language"

	"github.com/vacanze/phasegate/internal/catalog"
	"github.com/vacanze/phasegate/internal/config"
	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/i18n"
	"github.com/vacanze/phasegate/internal/ipc"
	"github.com/vacanze/phasegate/internal/store"
	"github.com/vacanze/phasegate/internal/telemetry"
	"github.com/vacanze/phasegate/internal/workflow"
)

// Version information set via ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	fillVersionFromBuildInfo()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

type app struct {
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
	catalog    *catalog.Catalog
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "phasegate",
		Short:         "Phase progression and completion gating for the vacation-rental CRM",
		Version:       fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load(cmd.ErrOrStderr())
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to configuration JSON file")

	root.AddCommand(
		newServeCmd(a),
		newMigrateCmd(a),
		newPhasesCmd(a),
		newEvaluateCmd(a),
		newVersionCmd(),
	)
	return root
}

// load resolves the config path: --config flag > PHASEGATE_CONFIG env >
// config.json next to the executable or in the cwd > environment only.
func (a *app) load(logOut io.Writer) error {
	path := a.configPath
	if path == "" {
		path = os.Getenv("PHASEGATE_CONFIG")
	}
	if path == "" {
		path = discoverConfig()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	a.cfg = cfg
	a.logger = newLogger(cfg, logOut)

	if cfg.CatalogPath != "" {
		a.catalog, err = catalog.Load(cfg.CatalogPath)
	} else {
		a.catalog, err = catalog.Default()
	}
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	return nil
}

func (a *app) openEngine() (*workflow.Engine, *sql.DB, error) {
	db, err := store.NewDB(a.cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	engine := workflow.NewEngine(db, a.catalog, a.logger)
	engine.AutoGenerateTasks = a.cfg.AutoGenerateTasks
	return engine, db, nil
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Options{
				Enabled:     a.cfg.OTelEnabled,
				Endpoint:    a.cfg.OTelEndpoint,
				Stdout:      a.cfg.OTelStdout,
				ServiceName: a.cfg.ServiceName,
				Version:     version,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdownTelemetry(sctx); err != nil {
					a.logger.Warn("telemetry shutdown", "err", err)
				}
			}()

			engine, db, err := a.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			locale, _ := i18n.ParseTag(a.cfg.DefaultLocale)
			if locale == language.Und {
				locale = language.Italian
			}
			srv := ipc.NewServer(ipc.NewHandler(engine, a.logger, locale), a.cfg.ListenAddr)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.logger.Info("phasegate listening", "addr", a.cfg.ListenAddr, "version", version,
					"auto_generate_tasks", a.cfg.AutoGenerateTasks)
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server error: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				a.logger.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
}

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := store.NewDB(a.cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer db.Close()
			if err := store.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "database ready: %s\n", a.cfg.DBPath)
			return nil
		},
	}
}

func newPhasesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "phases [entity-type]",
		Short: "Print the phase catalog",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			types := domain.EntityTypes()
			if len(args) == 1 {
				types = []domain.EntityType{domain.EntityType(args[0])}
			}
			out := cmd.OutOrStdout()
			for _, et := range types {
				phases, err := a.catalog.PhasesFor(et)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\n", et)
				for _, p := range phases {
					reqs, err := a.catalog.RequirementsFor(et, p.ID)
					if err != nil {
						return err
					}
					mandatory := 0
					for _, r := range reqs {
						if r.Kind == domain.RequirementDocument && r.Mandatory {
							mandatory++
						}
					}
					marker := ""
					if p.Terminal {
						marker = " (terminal)"
					}
					fmt.Fprintf(out, "  %d %-4s %s%s, %d mandatory documents\n", p.Ordinal, p.ID, p.Label, marker, mandatory)
				}
			}
			return nil
		},
	}
}

func newEvaluateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "evaluate <entity-type> <entity-id>",
		Short: "Print the completion snapshot of an entity's current phase",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, db, err := a.openEngine()
			if err != nil {
				return err
			}
			defer db.Close()

			snap, err := engine.Completion(cmd.Context(), domain.EntityType(args[0]), args[1])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// No config needed.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phasegate %s (commit=%s, built=%s)\n", version, commit, date)
		},
	}
}

func fillVersionFromBuildInfo() {
	if version != "dev" {
		return
	}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	commit, date = versionFromSettings(info.Settings)
}

func versionFromSettings(settings []debug.BuildSetting) (string, string) {
	var revision, built string
	dirty := false
	for _, s := range settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			built = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}

	c := "unknown"
	if len(revision) >= 7 {
		c = revision[:7]
		if dirty {
			c += "-dirty"
		}
	}
	d := "unknown"
	if built != "" {
		d = built
	}
	return c, d
}

// newLogger builds the process logger from the configured level and format.
func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// discoverConfig looks for config.json next to the executable, then in the cwd.
func discoverConfig() string {
	// Next to executable.
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	// Current working directory.
	if _, err := os.Stat("config.json"); err == nil {
		return "config.json"
	}
	return ""
}
