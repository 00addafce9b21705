// Package main implements the maintenance runner. Without flags it runs as
// a daemon on the configured cron cadence; --run-daily / --run-weekly
// trigger a single run and exit, for operators and cron-external setups.
// --list-snapshots and --restore-snapshot manage the archive partition
// snapshots taken before retention drops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/shardtask/shardtask/internal/app"
	"github.com/shardtask/shardtask/internal/config"
	"github.com/shardtask/shardtask/internal/maintenance"
)

func main() {
	var (
		configFile    string
		dataDir       string
		runDaily      bool
		runWeekly     bool
		archiveID     string
		tenantKey     string
		listSnapshots bool
		restoreTarget string
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for the database")
	flag.BoolVar(&runDaily, "run-daily", false, "Run the daily job once and exit")
	flag.BoolVar(&runWeekly, "run-weekly", false, "Run the weekly job once and exit")
	flag.StringVar(&archiveID, "archive-item", "", "Archive one completed item by id and exit")
	flag.StringVar(&tenantKey, "tenant", "", "Tenant key for --archive-item")
	flag.BoolVar(&listSnapshots, "list-snapshots", false, "List stored partition snapshots and exit")
	flag.StringVar(&restoreTarget, "restore-snapshot", "", "Restore an archive partition from its snapshot (partition name, or 'all')")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "shardtask-maint - maintenance daemon and one-shot runner\n\n")
		fmt.Fprintf(os.Stderr, "Usage: shardtask-maint [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	_ = godotenv.Load()

	cfg := config.DefaultConfig()
	if configFile != "" {
		loaded, err := config.LoadFromFile(configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	config.LoadFromEnv(cfg)
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("Failed to start application: %v", err)
	}
	defer application.Close()

	jobs := application.Maintenance()

	switch {
	case listSnapshots:
		paths, err := jobs.ListSnapshots(ctx)
		if err != nil {
			log.Fatalf("Failed to list snapshots: %v", err)
		}
		for _, p := range paths {
			fmt.Println(p)
		}

	case restoreTarget != "":
		var names []string
		if restoreTarget != "all" {
			names = []string{restoreTarget}
		}
		report, err := jobs.RestoreSnapshots(ctx, names)
		exitOnReport(report, err)

	case archiveID != "":
		id, err := uuid.Parse(archiveID)
		if err != nil {
			log.Fatalf("Invalid item id: %v", err)
		}
		tenant, err := uuid.Parse(tenantKey)
		if err != nil {
			log.Fatalf("Invalid tenant key (use --tenant): %v", err)
		}
		report, err := jobs.ArchiveNow(ctx, id, tenant)
		exitOnReport(report, err)

	case runDaily:
		report, err := jobs.RunDaily(ctx)
		exitOnReport(report, err)

	case runWeekly:
		report, err := jobs.RunWeekly(ctx)
		exitOnReport(report, err)

	default:
		if err := application.StartScheduler(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Printf("Received signal: %v", sig)
		application.StopScheduler()
	}
}

func exitOnReport(report *maintenance.RunReport, err error) {
	if report != nil {
		for _, s := range report.Steps {
			log.Printf("  %-22s %s", s.Name, s.Detail)
		}
	}
	if err != nil {
		log.Fatalf("Maintenance run failed: %v", err)
	}
	log.Printf("Run %d completed (%d archived)", report.RunID, report.Archived)
}
