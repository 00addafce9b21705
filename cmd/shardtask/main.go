// Package main implements the unified shardtask binary. It runs the
// maintenance daemon, one-shot migration, validation, or a health check
// based on the --mode flag.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/shardtask/shardtask/internal/app"
	"github.com/shardtask/shardtask/internal/config"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		mode        string
		showVersion bool
		showHelp    bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the database and snapshots")
	flag.StringVar(&mode, "mode", "maintain", "Run mode: maintain, migrate, validate, health")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showHelp, "help", false, "Show help message")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "shardtask - partitioned task store maintenance\n\n")
		fmt.Fprintf(os.Stderr, "Usage: shardtask [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  shardtask --data-dir /data/shardtask\n")
		fmt.Fprintf(os.Stderr, "  shardtask --mode migrate --config /etc/shardtask/config.yaml\n")
		fmt.Fprintf(os.Stderr, "  shardtask --mode health --data-dir /data/shardtask\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  SHARDTASK_DATA_DIR            Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  SHARDTASK_ACTIVE_PARTITIONS   Active store partition count\n")
		fmt.Fprintf(os.Stderr, "  SHARDTASK_ARCHIVAL_AGE_DAYS   Days before done items archive\n")
		fmt.Fprintf(os.Stderr, "  SHARDTASK_RETENTION_MONTHS    Archive retention (0 = keep forever)\n")
		fmt.Fprintf(os.Stderr, "  SHARDTASK_STORAGE_TYPE        Snapshot storage type (local, s3)\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}
	if showVersion {
		fmt.Printf("shardtask version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	// Optional .env for local development; missing file is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig(configFile, dataDir)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	defer application.Close()

	switch mode {
	case "maintain":
		runMaintain(ctx, application)
	case "migrate":
		runMigrate(ctx, application)
	case "validate":
		runValidate(ctx, application)
	case "health":
		runHealth(ctx, application)
	default:
		log.Fatalf("Unknown mode %q (want maintain, migrate, validate, or health)", mode)
	}
}

func loadConfig(configFile, dataDir string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Flags win over file and environment.
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	return cfg, nil
}

// runMaintain starts the cron cadence and blocks until a signal.
func runMaintain(ctx context.Context, application *app.App) {
	if err := application.StartScheduler(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	log.Printf("Received signal: %v", sig)

	application.StopScheduler()
}

// runMigrate drains the legacy table, then validates.
func runMigrate(ctx context.Context, application *app.App) {
	engine := application.Migration()
	if err := engine.EnsureLegacyTable(ctx); err != nil {
		log.Fatalf("Migration setup failed: %v", err)
	}

	result, err := engine.Run(ctx, application.Config().Migration.BatchSize, 0)
	if err != nil {
		log.Fatalf("Migration failed after %d rows: %v", result.RowsMigrated, err)
	}
	log.Printf("Migration finished: %d migrated, %d skipped, %d batches",
		result.RowsMigrated, result.RowsSkipped, result.BatchesRun)

	runValidate(ctx, application)
}

func runValidate(ctx context.Context, application *app.App) {
	report, err := application.Migration().Validate(ctx)
	if report != nil {
		for _, c := range report.Checks {
			status := "ok"
			if !c.Pass {
				status = "FAIL"
			}
			log.Printf("  %-20s expected=%d actual=%d %s", c.Name, c.Expected, c.Actual, status)
		}
	}
	if err != nil {
		log.Fatalf("Validation failed: %v", err)
	}
	log.Printf("Validation passed")
}

func runHealth(ctx context.Context, application *app.App) {
	report, err := application.Health().Check(ctx)
	if err != nil {
		log.Fatalf("Health check failed: %v", err)
	}

	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
	if !report.Healthy {
		os.Exit(1)
	}
}
