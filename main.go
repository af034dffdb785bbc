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

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vladimiradmaev/health-importer/internal/config"
	"github.com/vladimiradmaev/health-importer/internal/ingest"
	"github.com/vladimiradmaev/health-importer/internal/interfaces"
	"github.com/vladimiradmaev/health-importer/internal/logger"
	"github.com/vladimiradmaev/health-importer/internal/notify"
	"github.com/vladimiradmaev/health-importer/internal/repository"
	"github.com/vladimiradmaev/health-importer/internal/runstate"
	"github.com/vladimiradmaev/health-importer/internal/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

type cliFlags struct {
	xml             string
	userID          uint64
	host            string
	port            string
	db              string
	dbUser          string
	dbPass          string
	commitEvery     int
	configPath      string
	dryRun          bool
	duplicatePolicy string
	metricsAddr     string
}

func parseFlags(args []string, stderr io.Writer) (*cliFlags, error) {
	f := &cliFlags{}
	fs := flag.NewFlagSet("health-importer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&f.xml, "xml", "", "Path to export.xml (.zip, .gz and .zst exports are accepted too)")
	fs.Uint64Var(&f.userID, "user-id", 0, "Existing user_id to associate data with")
	fs.StringVar(&f.host, "host", "", "Database host (default from DB_HOST)")
	fs.StringVar(&f.port, "port", "", "Database port (default from DB_PORT)")
	fs.StringVar(&f.db, "db", "", "Database name (default from DB_NAME)")
	fs.StringVar(&f.dbUser, "db-user", "", "Database user (default from DB_USER)")
	fs.StringVar(&f.dbPass, "db-pass", "", "Database password (default from DB_PASSWORD)")
	fs.IntVar(&f.commitEvery, "commit-every", 0, "Commit interval for batch inserts (default 500)")
	fs.StringVar(&f.configPath, "config", "", "YAML config file applied over the environment")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Run the whole pipeline against an in-memory store")
	fs.StringVar(&f.duplicatePolicy, "duplicate-policy", "", "Workout/activity summary duplicates: append or skip")
	fs.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while importing")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if f.xml == "" {
		return nil, errors.New("--xml is required")
	}
	if f.userID == 0 {
		return nil, errors.New("--user-id is required")
	}
	return f, nil
}

func loadConfig(f *cliFlags) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if f.configPath != "" {
		cfg, err = config.LoadFile(f.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if f.host != "" {
		cfg.DB.Host = f.host
	}
	if f.port != "" {
		cfg.DB.Port = f.port
	}
	if f.db != "" {
		cfg.DB.DBName = f.db
	}
	if f.dbUser != "" {
		cfg.DB.User = f.dbUser
	}
	if f.dbPass != "" {
		cfg.DB.Password = f.dbPass
	}
	if f.commitEvery != 0 {
		cfg.Import.CommitEvery = f.commitEvery
	}
	if f.duplicatePolicy != "" {
		cfg.Import.DuplicatePolicy = f.duplicatePolicy
	}
	if f.metricsAddr != "" {
		cfg.Metrics.Addr = f.metricsAddr
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	f, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "Warning: failed to read .env: %v\n", err)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(stderr, "Error: invalid configuration: %v\n", err)
		return 2
	}

	if err := logger.InitWithConfig(cfg.LoggerSettings()); err != nil {
		fmt.Fprintf(stderr, "Error: failed to initialize logger: %v\n", err)
		return 1
	}
	defer logger.Close()
	log := logger.GetLogger()

	if cfg.Metrics.Addr != "" {
		stopMetrics := serveMetrics(cfg.Metrics.Addr, log)
		defer stopMetrics()
	}

	var connector ingest.Connector = repository.PostgresConnector{Policy: cfg.Import.DuplicatePolicy, Logger: log}
	if f.dryRun {
		connector = repository.MemoryConnector{Store: repository.NewMemoryStore(cfg.Import.DuplicatePolicy)}
	}

	tracker := newTracker(cfg, log)
	defer tracker.Close()

	orchestrator := ingest.New(connector, ingest.Options{
		Tracker:        tracker,
		Notifier:       newNotifier(cfg, log),
		StrictIntegers: cfg.Import.StrictIntegers,
		Logger:         log,
	})
	var svc interfaces.ImportServiceInterface = services.NewImportService(orchestrator, cfg.DB, cfg.Import, log)

	log.Info("Starting import", "xml", f.xml, "user_id", f.userID, "commit_every", cfg.Import.CommitEvery, "dry_run", f.dryRun)
	res, err := svc.ImportFile(ctx, f.userID, f.xml)
	if err != nil {
		fmt.Fprintf(stderr, "Import failed: %v\n", err)
		if res.RowsImported > 0 {
			fmt.Fprintf(stderr, "Rows committed before the failure: %d\n", res.RowsImported)
		}
		return 1
	}

	fmt.Fprintln(stdout, "Import completed successfully.")
	fmt.Fprintf(stdout, "Rows imported: %d\n", res.RowsImported)
	if f.dryRun {
		fmt.Fprintln(stdout, "Dry run: nothing was written to the database.")
	}
	return 0
}

func newTracker(cfg *config.Config, log *slog.Logger) runstate.Tracker {
	if !cfg.Redis.Enabled() {
		return runstate.NewManager()
	}
	rm, err := runstate.NewRedisManager(cfg.Redis)
	if err != nil {
		log.Warn("Redis unavailable, run lock is process-local", "error", err)
		return runstate.NewManager()
	}
	return rm
}

func newNotifier(cfg *config.Config, log *slog.Logger) notify.Notifier {
	if !cfg.Telegram.Enabled() {
		return notify.Nop{}
	}
	tg, err := notify.NewTelegram(cfg.Telegram, log)
	if err != nil {
		log.Warn("Telegram notifications disabled", "error", err)
		return notify.Nop{}
	}
	return tg
}

func serveMetrics(addr string, log *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server stopped", "error", err)
		}
	}()
	log.Info("Serving metrics", "addr", addr)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
