package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/salesboard/dedup/internal/config"
	"github.com/salesboard/dedup/internal/database"
	"github.com/salesboard/dedup/internal/dedup"
	"github.com/salesboard/dedup/internal/dedup/rules"
	"github.com/salesboard/dedup/internal/dedup/scanner"
	"github.com/salesboard/dedup/internal/dedup/store"
	"github.com/salesboard/dedup/pkg/logger"
)

type flagOverrides struct {
	divisions []string
	dryRun    bool
	once      bool
}

func main() {
	var (
		configPath = flag.String("config", "", "path to the configuration file")
		divisions  = flag.String("divisions", "", "comma-separated division IDs, overriding the configuration")
		dryRun     = flag.Bool("dry-run", false, "scan without persisting suggestions")
		once       = flag.Bool("once", false, "run a single scan cycle and exit")
	)
	flag.Parse()

	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	logLevel := os.Getenv("DEDUP_LOGGING_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	zapLogger, err := logger.NewLogger(logLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	mgr := config.NewManager(zapLogger)
	var paths []string
	if *configPath != "" {
		paths = []string{*configPath}
	}
	if err := mgr.Load(paths...); err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	if level := mgr.Get().Logging.Level; level != logLevel {
		if rebuilt, err := logger.NewLogger(level); err == nil {
			zapLogger = rebuilt
		}
	}
	defer zapLogger.Sync()

	overrides := flagOverrides{dryRun: *dryRun, once: *once}
	if *divisions != "" {
		overrides.divisions = splitList(*divisions)
	}
	cfg := applyOverrides(mgr.Get(), overrides)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, closeStores, err := buildStores(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to initialize stores", zap.Error(err))
	}
	defer closeStores()

	if cfg.Metrics.Enabled {
		startMetricsServer(ctx, cfg.Metrics.Address, zapLogger)
	}

	if cfg.Scan.Interval == 0 {
		if err := runCycle(ctx, cfg, deps, zapLogger); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Fatal("Scan failed", zap.Error(err))
		}
		return
	}

	// Periodic mode: hot-reload tunes thresholds between cycles. Interval
	// changes take effect on restart.
	if err := mgr.Watch(ctx); err != nil {
		zapLogger.Warn("Config hot-reload unavailable", zap.Error(err))
	}
	defer mgr.Close()

	runPeriodic(ctx, mgr, overrides, cfg.Scan.Interval, deps, zapLogger)
	zapLogger.Info("Shutting down")
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func applyOverrides(cfg config.AppConfig, o flagOverrides) config.AppConfig {
	if len(o.divisions) > 0 {
		cfg.Scan.Divisions = o.divisions
	}
	if o.dryRun {
		cfg.Scan.DryRun = true
	}
	if o.once {
		cfg.Scan.Interval = 0
	}
	return cfg
}

// buildStores wires the five collaborator contracts to the configured
// backend. The badger driver splits them: dedup state in Badger, the
// customer universe from SQL.
func buildStores(cfg config.AppConfig, zapLogger *zap.Logger) (scanner.Deps, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		mem := store.NewMemoryStore()
		deps := scanner.Deps{
			Customers:   mem,
			Statistics:  mem,
			Rules:       mem,
			Rejections:  mem,
			Suggestions: mem,
		}
		return deps, func() {}, nil

	case "postgres":
		db, err := database.NewPostgresDB(cfg.Store.DSN, 0, 0)
		if err != nil {
			return scanner.Deps{}, nil, err
		}
		gs := store.NewGormStore(db, zapLogger)
		if cfg.Store.AutoMigrate {
			if err := gs.AutoMigrate(); err != nil {
				return scanner.Deps{}, nil, err
			}
		}
		closer := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		deps := scanner.Deps{
			Customers:   gs,
			Statistics:  gs,
			Rules:       gs,
			Rejections:  gs,
			Suggestions: gs,
		}
		return deps, closer, nil

	case "badger":
		db, err := database.NewPostgresDB(cfg.Store.DSN, 0, 0)
		if err != nil {
			return scanner.Deps{}, nil, err
		}
		gs := store.NewGormStore(db, zapLogger)
		if cfg.Store.AutoMigrate {
			if err := gs.AutoMigrate(); err != nil {
				return scanner.Deps{}, nil, err
			}
		}
		bs, err := store.NewBadgerStore(cfg.Store.BadgerDir, zapLogger)
		if err != nil {
			return scanner.Deps{}, nil, err
		}
		closer := func() {
			if err := bs.Close(); err != nil {
				zapLogger.Error("Failed to close badger store", zap.Error(err))
			}
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		deps := scanner.Deps{
			Customers:   gs,
			Statistics:  gs,
			Rules:       bs,
			Rejections:  bs,
			Suggestions: bs,
		}
		return deps, closer, nil

	default:
		return scanner.Deps{}, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func startMetricsServer(ctx context.Context, addr string, zapLogger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		zapLogger.Info("Starting metrics server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLogger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

func runPeriodic(ctx context.Context, mgr *config.Manager, overrides flagOverrides, interval time.Duration, deps scanner.Deps, zapLogger *zap.Logger) {
	if err := runCycle(ctx, applyOverrides(mgr.Get(), overrides), deps, zapLogger); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		zapLogger.Error("Scan cycle failed", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := applyOverrides(mgr.Get(), overrides)
			if err := runCycle(ctx, cfg, deps, zapLogger); err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				zapLogger.Error("Scan cycle failed", zap.Error(err))
			}
		}
	}
}

// runCycle revalidates rules and scans every configured division. A failure
// in one division does not stop the others.
func runCycle(ctx context.Context, cfg config.AppConfig, deps scanner.Deps, zapLogger *zap.Logger) error {
	for _, division := range cfg.Scan.Divisions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanDivision(ctx, cfg, deps, division, zapLogger); err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			zapLogger.Error("Division scan failed",
				zap.String("division", division),
				zap.Error(err))
		}
	}
	return nil
}

func scanDivision(ctx context.Context, cfg config.AppConfig, deps scanner.Deps, division string, zapLogger *zap.Logger) error {
	progress := make(chan scanner.ProgressEvent, 64)
	sc, err := scanner.New(cfg.Engine, deps, scanner.Options{
		DryRun:   cfg.Scan.DryRun,
		Progress: progress,
	}, zapLogger)
	if err != nil {
		return err
	}

	// The rules manager shares the scanner's engine so revalidation scoring
	// hits the same similarity cache.
	ruleMgr := rules.NewManager(cfg.Engine, deps.Rules, deps.Rejections, sc.Engine(), zapLogger)
	universe, err := deps.Customers.ListDistinctCustomerNames(ctx, division)
	if err != nil {
		return err
	}
	reports, err := ruleMgr.RevalidateRules(ctx, division, universe)
	if err != nil {
		return err
	}
	printRevalidation(os.Stdout, division, reports)

	done := make(chan struct{})
	rendered := make(chan struct{})
	go func() {
		renderProgress(os.Stdout, progress, done)
		close(rendered)
	}()

	result, err := sc.Scan(ctx, division)
	close(done)
	<-rendered
	if err != nil {
		return err
	}

	printResult(os.Stdout, result, cfg.Scan.DryRun)
	return nil
}

func renderProgress(w io.Writer, progress <-chan scanner.ProgressEvent, done <-chan struct{}) {
	for {
		select {
		case ev := <-progress:
			if ev.Total > 0 {
				fmt.Fprintf(w, "\r%-12s %6.1f%% (%d/%d)", ev.Stage, ev.Percent, ev.Done, ev.Total)
			} else {
				fmt.Fprintf(w, "\r%-12s", ev.Stage)
			}
			if ev.Stage == scanner.StageDone {
				fmt.Fprintln(w)
			}
		case <-done:
			fmt.Fprintln(w)
			return
		}
	}
}

func printRevalidation(w io.Writer, division string, reports []dedup.RevalidationReport) {
	changed := 0
	for _, r := range reports {
		if r.OldStatus != r.NewStatus {
			changed++
		}
	}
	if changed == 0 {
		return
	}
	fmt.Fprintf(w, "division %s: %d rule(s) changed status\n", division, changed)
	for _, r := range reports {
		if r.OldStatus == r.NewStatus {
			continue
		}
		fmt.Fprintf(w, "  rule %s: %s -> %s", r.RuleID, r.OldStatus, r.NewStatus)
		if len(r.MissingNames) > 0 {
			fmt.Fprintf(w, " (missing: %s)", strings.Join(r.MissingNames, ", "))
		}
		fmt.Fprintln(w)
		for _, rep := range r.Replacements {
			fmt.Fprintf(w, "    %q could be replaced by %q (%.2f)\n", rep.MissingName, rep.Candidate, rep.Score)
		}
	}
}

func printResult(w io.Writer, result *dedup.ScanResult, dryRun bool) {
	st := result.Stats
	fmt.Fprintf(w, "division %s: %d name(s), %d pair(s) compared in %s\n",
		result.DivisionID, st.UniverseSize, st.PairsCompared, st.Duration.Round(time.Millisecond))

	if len(result.Groups) == 0 && len(result.Oversized) == 0 {
		fmt.Fprintln(w, "  no merge candidates found")
		return
	}

	for _, g := range result.Groups {
		marker := " "
		if g.HighConfidence {
			marker = "*"
		}
		fmt.Fprintf(w, "  %s %.2f  %q <- %s\n",
			marker, g.Confidence, g.SuggestedCanonicalName, strings.Join(g.Members, " | "))
	}
	for _, g := range result.Oversized {
		fmt.Fprintf(w, "  ! oversized (%d members, review manually): %s\n",
			len(g.Members), strings.Join(g.Members, " | "))
	}

	if dryRun {
		fmt.Fprintf(w, "  dry-run: %d suggestion(s) not persisted\n", len(result.Groups))
	} else {
		fmt.Fprintf(w, "  %d suggestion(s) persisted, %d oversized flagged\n",
			len(result.Groups), len(result.Oversized))
	}
}
