// Package main is the entry point for the marketcache service: a market-aware
// caching layer for financial data. Cache lifetimes follow the trading
// calendar: entries written during market hours expire quickly, entries
// written over a weekend live until the next session matters.
//
// Startup sequence:
//  1. Load configuration from environment variables (.env supported)
//  2. Initialize structured logging
//  3. Open and migrate the cache database
//  4. Build the market clock, TTL policy, store, and admin services
//  5. Register background maintenance jobs with the scheduler
//  6. Start the admin HTTP server
//  7. Wait for shutdown signal and drain gracefully
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/quantbox/marketcache/internal/admin"
	"github.com/quantbox/marketcache/internal/backup"
	"github.com/quantbox/marketcache/internal/config"
	"github.com/quantbox/marketcache/internal/database"
	"github.com/quantbox/marketcache/internal/marketclock"
	"github.com/quantbox/marketcache/internal/policy"
	"github.com/quantbox/marketcache/internal/refresh"
	"github.com/quantbox/marketcache/internal/scheduler"
	"github.com/quantbox/marketcache/internal/server"
	"github.com/quantbox/marketcache/internal/store"
	"github.com/quantbox/marketcache/pkg/logger"
)

func main() {
	// Load configuration first to get log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})

	log.Info().Msg("Starting marketcache")

	// Cache database: speed-over-durability profile, since every entry can be
	// refetched from its upstream source.
	cacheDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open cache database")
	}
	defer cacheDB.Close()

	if err := cacheDB.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate cache database")
	}

	// Market clock: an unknown timezone is a configuration error, not
	// something to limp past with wrong session classifications.
	clock, err := marketclock.New(cfg.MarketHours)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize market clock")
	}

	table, err := policy.NewTable(clock, cfg.TTLOverrides)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build TTL policy table")
	}

	cacheStore := store.New(cacheDB.Conn(), table, cfg.CachingEnabled, log)
	if !cfg.CachingEnabled {
		log.Warn().Msg("Caching is disabled: every read will miss")
	}

	refreshCtrl := refresh.New(cacheDB.Conn(), cfg.MaxAgeOverrides, log)
	cacheAdmin := admin.New(cacheDB.Conn(), table, log)

	// Backup service (optional offsite upload)
	var backupSvc *backup.Service
	if cfg.Backup.Enabled {
		var s3Client *backup.S3Client
		if cfg.Backup.S3Enabled {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			s3Client, err = backup.NewS3Client(ctx, cfg.Backup)
			cancel()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialize S3 backup client")
			}
		}
		backupSvc = backup.New(cacheDB.Conn(), cfg.Backup, s3Client, log)
		log.Info().Bool("offsite", s3Client != nil).Msg("Backup service initialized")
	}

	// Background maintenance jobs
	sched := scheduler.New(log)

	jobs := []struct {
		schedule string
		job      scheduler.Job
	}{
		// Expired-entry sweep at 3 AM daily, after post-market data settles.
		{"0 3 * * *", admin.NewCleanupJob(cacheAdmin, log)},
		// Absolute-age purge weekly, Sunday 4 AM.
		{"0 4 * * 0", admin.NewPurgeJob(cacheAdmin, log)},
		// WAL checkpoint hourly so the cache file never bloats.
		{"@hourly", admin.NewMaintenanceJob(cacheDB, log)},
	}
	if backupSvc != nil {
		jobs = append(jobs, struct {
			schedule string
			job      scheduler.Job
		}{"30 3 * * *", backup.NewJob(backupSvc, log)})
	}

	for _, j := range jobs {
		if err := sched.AddJob(j.schedule, j.job); err != nil {
			log.Fatal().Err(err).Str("job", j.job.Name()).Msg("Failed to register job")
		}
	}

	sched.Start()
	defer sched.Stop()

	// Admin HTTP server
	srv := server.New(server.Config{
		Port:    cfg.Port,
		Log:     log,
		DevMode: cfg.DevMode,
		CacheDB: cacheDB,
		Clock:   clock,
		Policy:  table,
		Store:   cacheStore,
		Admin:   cacheAdmin,
		Refresh: refreshCtrl,
		Backup:  backupSvc,
	})

	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	// Leave the WAL small for the next startup.
	if err := cacheDB.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("Shutdown complete")
}
