package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chatgate/gatekeeper/internal/config"
	"github.com/chatgate/gatekeeper/internal/database"
	"github.com/chatgate/gatekeeper/internal/export"
	"github.com/chatgate/gatekeeper/internal/logging"
	"github.com/chatgate/gatekeeper/internal/metrics"
	"github.com/chatgate/gatekeeper/internal/store"
)

// The worker owns the periodic jobs: demoting expired trials and
// exporting audit snapshots to object storage. It shares the store with
// the API through the database; both sides are safe to run concurrently
// because the sweep is a single guarded UPDATE.
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	userStore, err := store.NewPostgresStore(ctx, db)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}

	var exporter *export.Exporter
	if cfg.Storage.Endpoint != "" {
		exporter, err = export.New(cfg.Storage, userStore)
		if err != nil {
			log.WithError(err).Warn("Object storage unavailable, audit exports disabled")
			exporter = nil
		}
	}

	sweepInterval := cfg.Gate.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = time.Hour
	}
	exportInterval := cfg.Storage.ExportInterval
	if exportInterval <= 0 {
		exportInterval = 24 * time.Hour
	}

	log.Infof("Worker started (sweep every %s, export every %s)", sweepInterval, exportInterval)

	sweepTicker := time.NewTicker(sweepInterval)
	defer sweepTicker.Stop()
	exportTicker := time.NewTicker(exportInterval)
	defer exportTicker.Stop()

	// Run one sweep immediately so a long interval cannot leave expired
	// trials privileged after a restart.
	runSweep(ctx, userStore, log)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-sweepTicker.C:
			runSweep(ctx, userStore, log)
		case <-exportTicker.C:
			if exporter == nil {
				continue
			}
			object, err := exporter.Export(ctx)
			if err != nil {
				log.WithError(err).Error("Audit export failed")
				continue
			}
			log.WithField("object", object).Info("Audit snapshot exported")
		case <-quit:
			log.Info("Worker stopped")
			return
		}
	}
}

func runSweep(ctx context.Context, s store.Store, log *logging.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	n, err := s.SweepExpiredTrials(sweepCtx, time.Now().UTC())
	if err != nil {
		log.WithError(err).Error("Trial sweep failed")
		return
	}
	if n > 0 {
		metrics.TrialsExpiredTotal.Add(float64(n))
		log.Infof("Demoted %d expired trials", n)
	}

	if total, err := s.Count(sweepCtx); err == nil {
		metrics.TrackedUsers.Set(float64(total))
	}
}
