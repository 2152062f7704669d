package admin

import (
	"github.com/rs/zerolog"

	"github.com/quantbox/marketcache/internal/database"
)

// CleanupJob removes expired cache entries.
// It should be scheduled to run at least daily.
type CleanupJob struct {
	admin *Admin
	log   zerolog.Logger
}

// NewCleanupJob creates a new cache cleanup job.
func NewCleanupJob(admin *Admin, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		admin: admin,
		log:   log.With().Str("job", "cache_cleanup").Logger(),
	}
}

// Run executes the cleanup job, removing all expired entries.
func (j *CleanupJob) Run() error {
	removed, err := j.admin.CleanupExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete expired cache entries")
		return err
	}

	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Cleaned up expired cache entries")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *CleanupJob) Name() string {
	return "cache_cleanup"
}

// PurgeJob removes entries past their absolute age limits, across all data
// types, using the per-type defaults.
type PurgeJob struct {
	admin *Admin
	log   zerolog.Logger
}

// NewPurgeJob creates a new stale-entry purge job.
func NewPurgeJob(admin *Admin, log zerolog.Logger) *PurgeJob {
	return &PurgeJob{
		admin: admin,
		log:   log.With().Str("job", "cache_purge").Logger(),
	}
}

// Run executes the purge job.
func (j *PurgeJob) Run() error {
	removed, err := j.admin.PurgeStale("", 0)
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to purge stale cache entries")
		return err
	}

	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Purged stale cache entries")
	}

	return nil
}

// Name returns the job name for scheduling and logging.
func (j *PurgeJob) Name() string {
	return "cache_purge"
}

// MaintenanceJob checkpoints the WAL and reclaims free pages so the cache
// database does not bloat over long uptimes.
type MaintenanceJob struct {
	db  *database.DB
	log zerolog.Logger
}

// NewMaintenanceJob creates a new database maintenance job.
func NewMaintenanceJob(db *database.DB, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		db:  db,
		log: log.With().Str("job", "db_maintenance").Logger(),
	}
}

// Run checkpoints the WAL file.
func (j *MaintenanceJob) Run() error {
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		j.log.Error().Err(err).Msg("WAL checkpoint failed")
		return err
	}

	j.log.Debug().Msg("WAL checkpoint completed")
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *MaintenanceJob) Name() string {
	return "db_maintenance"
}
