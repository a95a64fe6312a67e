// Command thalamus is the transcript refinement service.
//
// Usage:
//
//	thalamus [-config config.yaml]         run the service
//	thalamus [-config config.yaml] audit   check ledger integrity and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/thalamus/internal/config"
	"github.com/MrWong99/thalamus/internal/diarize"
	"github.com/MrWong99/thalamus/internal/health"
	"github.com/MrWong99/thalamus/internal/ingest"
	"github.com/MrWong99/thalamus/internal/observe"
	"github.com/MrWong99/thalamus/internal/refine"
	"github.com/MrWong99/thalamus/internal/scheduler"
	"github.com/MrWong99/thalamus/pkg/ledger"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("thalamus", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "config.yaml", "path to the YAML configuration file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	command := fs.Arg(0)
	if command != "" && command != "audit" {
		fmt.Fprintf(stderr, "thalamus: unknown command %q\n", command)
		return 2
	}

	// ── Configuration and logger ──────────────────────────────────────────────
	var level slog.LevelVar
	vocab := refine.NewVocabulary(nil)

	watcher, err := config.NewWatcher(*configPath, func(_, _ *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(diff.NewLogLevel.Level())
			slog.Info("log level changed", slog.String("level", string(diff.NewLogLevel)))
		}
		if diff.VocabularyChanged {
			vocab.Set(diff.NewVocabulary)
			slog.Info("vocabulary reloaded", slog.Int("terms", len(diff.NewVocabulary)))
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(stderr, "thalamus: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(stderr, "thalamus: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())
	vocab.Set(cfg.Refiner.Vocabulary)
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: &level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Ledger ────────────────────────────────────────────────────────────────
	store, err := openLedger(ctx, cfg.Ledger)
	if err != nil {
		slog.Error("failed to open ledger", slog.Any("err", err))
		return 1
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("ledger close error", slog.Any("err", err))
		}
	}()

	if command == "audit" {
		return runAudit(ctx, store, stdout)
	}

	slog.Info("thalamus starting",
		slog.String("config", *configPath),
		slog.String("listen_addr", cfg.Server.ListenAddr),
		slog.String("ledger", string(cfg.Ledger.Driver)),
		slog.String("log_level", string(cfg.Server.LogLevel)),
	)

	if cfg.Refiner.AuditOnStart {
		if err := scheduler.AuditOnStart(ctx, store); err != nil {
			slog.Error("refusing to start", slog.Any("err", err))
			return 1
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.Telemetry.ServiceName})
	if err != nil {
		slog.Error("failed to initialise telemetry", slog.Any("err", err))
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", slog.Any("err", err))
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", slog.Any("err", err))
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	model, err := buildLLM(cfg.LLM, reg, metrics)
	if err != nil {
		slog.Error("failed to build llm providers", slog.Any("err", err))
		return 1
	}

	rc := cfg.Refiner
	engine := refine.NewEngine(model,
		refine.WithLockPolicy(refine.LockPolicy{
			ConfidenceThreshold: rc.ConfidenceThreshold,
			MaxAttempts:         rc.MaxAttempts,
			MaxElapsed:          rc.MaxElapsed,
		}),
		refine.WithTimeout(rc.RefineTimeout),
		refine.WithTemperature(rc.Temperature),
		refine.WithMaxTokens(rc.MaxTokens),
		refine.WithMetrics(metrics),
	)
	corrector := refine.NewCorrector(store, model,
		refine.WithVocabulary(vocab),
		refine.WithCorrectionTimeout(rc.RefineTimeout),
		refine.WithCorrectionMetrics(metrics),
	)
	grouper := diarize.New(store,
		diarize.WithIdleTimeout(rc.IdleTimeout),
		diarize.WithMetrics(metrics),
	)
	sched := scheduler.New(store, grouper, engine,
		scheduler.WithInterval(rc.Interval),
		scheduler.WithErrorBackoff(rc.ErrorBackoff),
		scheduler.WithWorkers(rc.Workers),
		scheduler.WithCorrector(corrector),
		scheduler.WithMetrics(metrics),
	)
	ing := ingest.New(store, ingest.WithMetrics(metrics))

	// ── HTTP ──────────────────────────────────────────────────────────────────
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(observe.Middleware(metrics))
	r.Handle("/metrics", tel.Handler)
	health.New(
		health.PingChecker("ledger", store),
		health.BreakerChecker("llm", model.Breakers()...),
	).Register(r)
	if cfg.Ingest.HTTP {
		ingest.NewHandler(ing).Register(r)
	}
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(stdout, cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	if cfg.Ingest.NATS.URL != "" {
		consumer, err := ingest.Dial(cfg.Ingest.NATS, ing)
		if err != nil {
			slog.Error("failed to connect to nats", slog.Any("err", err))
			stop()
			_ = g.Wait()
			return 1
		}
		g.Go(func() error { return consumer.Run(gctx) })
	}

	slog.Info("server ready, press Ctrl+C to shut down")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", slog.Any("err", err))
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// runAudit prints the ledger integrity report. It returns 1 when the ledger
// violates exclusive consumption.
func runAudit(ctx context.Context, src ledger.Inspector, w io.Writer) int {
	report, err := ledger.Audit(ctx, src)
	if err != nil {
		slog.Error("audit failed", slog.Any("err", err))
		return 1
	}
	fmt.Fprintf(w, "refined rows: %d\nusage rows:   %d\n", report.RefinedRows, report.UsageRows)
	for raw, groups := range report.Duplicates {
		fmt.Fprintf(w, "raw segment %d claimed by groups %v\n", raw, groups)
	}
	for _, id := range report.Divergent {
		fmt.Fprintf(w, "row %d diverges from its group's source segments\n", id)
	}
	for _, id := range report.Orphans {
		fmt.Fprintf(w, "raw segment %d is bound to a group that does not list it\n", id)
	}
	if !report.OK() {
		fmt.Fprintln(w, report.Err())
		return 1
	}
	fmt.Fprintln(w, "ledger OK")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║         Thalamus startup summary      ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "LLM", cfg.LLM.Primary.Name+" / "+cfg.LLM.Primary.Model)
	printRow(w, "Fallbacks", fmt.Sprint(len(cfg.LLM.Fallbacks)))
	printRow(w, "Ledger", string(cfg.Ledger.Driver))
	printRow(w, "Workers", fmt.Sprint(cfg.Refiner.Workers))
	ingestion := "(disabled)"
	switch {
	case cfg.Ingest.HTTP && cfg.Ingest.NATS.URL != "":
		ingestion = "http + nats"
	case cfg.Ingest.HTTP:
		ingestion = "http"
	case cfg.Ingest.NATS.URL != "":
		ingestion = "nats"
	}
	printRow(w, "Ingest", ingestion)
	printRow(w, "Listen addr", cfg.Server.ListenAddr)
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
}

func printRow(w io.Writer, label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", label, value)
}
