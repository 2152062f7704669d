// Package backup snapshots the cache contents to compressed archives and
// optionally ships them to S3-compatible storage. Snapshots are a recovery
// convenience: the cache rebuilds itself from fetches either way, but a
// restore avoids a cold-start burst against rate-limited upstream APIs.
package backup

import (
	"compress/gzip"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/quantbox/marketcache/internal/config"
	"github.com/quantbox/marketcache/internal/database"
)

const snapshotSuffix = ".snap.gz"

// snapshotEntry mirrors one cache_entries row.
type snapshotEntry struct {
	Key           string `msgpack:"key"`
	DataType      string `msgpack:"data_type"`
	Identifier    string `msgpack:"identifier"`
	Params        string `msgpack:"params"`
	Payload       []byte `msgpack:"payload"`
	SessionBucket string `msgpack:"session_bucket"`
	TTLMinutes    int    `msgpack:"ttl_minutes"`
	CachedAt      int64  `msgpack:"cached_at"`
}

// snapshotFile is the on-disk snapshot format (msgpack inside gzip).
type snapshotFile struct {
	CreatedAt time.Time       `msgpack:"created_at"`
	Entries   []snapshotEntry `msgpack:"entries"`
}

// Service creates and restores cache snapshots.
type Service struct {
	db  *sql.DB
	cfg config.BackupConfig
	s3  *S3Client // nil when offsite upload is disabled
	log zerolog.Logger
}

// New creates a backup service. s3 may be nil for local-only snapshots.
func New(db *sql.DB, cfg config.BackupConfig, s3 *S3Client, log zerolog.Logger) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
		s3:  s3,
		log: log.With().Str("component", "backup").Logger(),
	}
}

// Snapshot writes all cache entries to a compressed snapshot file, prunes old
// local snapshots, and uploads the new one offsite when configured.
// Returns the local snapshot path.
func (s *Service) Snapshot(ctx context.Context) (string, error) {
	entries, err := s.readEntries()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(s.cfg.Dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("marketcache_%s_%s%s",
		time.Now().UTC().Format("20060102T150405Z"),
		uuid.New().String()[:8],
		snapshotSuffix)
	path := filepath.Join(s.cfg.Dir, name)

	if err := s.writeSnapshot(path, entries); err != nil {
		return "", err
	}

	s.log.Info().
		Str("path", path).
		Int("entries", len(entries)).
		Msg("Cache snapshot written")

	if err := s.pruneLocal(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to prune old snapshots")
	}

	if s.s3 != nil {
		f, err := os.Open(path)
		if err != nil {
			return path, fmt.Errorf("failed to reopen snapshot for upload: %w", err)
		}
		defer f.Close()

		if err := s.s3.Upload(ctx, name, f); err != nil {
			// Offsite failure keeps the local snapshot usable.
			s.log.Error().Err(err).Str("snapshot", name).Msg("Offsite upload failed")
			return path, err
		}
		s.log.Info().Str("snapshot", name).Msg("Snapshot uploaded offsite")
	}

	return path, nil
}

// Restore re-imports a snapshot, upserting every entry. Returns the number of
// entries imported. Existing entries with the same key are overwritten.
func (s *Service) Restore(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("failed to read snapshot compression: %w", err)
	}
	defer gz.Close()

	var snap snapshotFile
	if err := msgpack.NewDecoder(gz).Decode(&snap); err != nil {
		return 0, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	err = database.WithTransaction(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO cache_entries (key, data_type, identifier, params, payload, session_bucket, ttl_minutes, cached_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				data_type      = excluded.data_type,
				identifier     = excluded.identifier,
				params         = excluded.params,
				payload        = excluded.payload,
				session_bucket = excluded.session_bucket,
				ttl_minutes    = excluded.ttl_minutes,
				cached_at      = excluded.cached_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, e := range snap.Entries {
			if _, err := stmt.Exec(e.Key, e.DataType, e.Identifier, e.Params,
				e.Payload, e.SessionBucket, e.TTLMinutes, e.CachedAt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to restore snapshot: %w", err)
	}

	s.log.Info().
		Str("path", path).
		Int("entries", len(snap.Entries)).
		Msg("Cache snapshot restored")

	return len(snap.Entries), nil
}

func (s *Service) readEntries() ([]snapshotEntry, error) {
	rows, err := s.db.Query(`
		SELECT key, data_type, identifier, params, payload, session_bucket, ttl_minutes, cached_at
		FROM cache_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entries: %w", err)
	}
	defer rows.Close()

	var entries []snapshotEntry
	for rows.Next() {
		var e snapshotEntry
		if err := rows.Scan(&e.Key, &e.DataType, &e.Identifier, &e.Params,
			&e.Payload, &e.SessionBucket, &e.TTLMinutes, &e.CachedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Service) writeSnapshot(path string, entries []snapshotEntry) error {
	// Write to a temp file and rename so a crash never leaves a truncated
	// snapshot under the final name.
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}

	gz := gzip.NewWriter(f)
	enc := msgpack.NewEncoder(gz)

	snap := snapshotFile{CreatedAt: time.Now().UTC(), Entries: entries}
	if err := enc.Encode(&snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot compression: %w", err)
	}

	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	return nil
}

// pruneLocal keeps the newest KeepLocal snapshots and removes the rest.
func (s *Service) pruneLocal() error {
	if s.cfg.KeepLocal <= 0 {
		return nil
	}

	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return err
	}

	var snapshots []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapshotSuffix) {
			snapshots = append(snapshots, e.Name())
		}
	}

	if len(snapshots) <= s.cfg.KeepLocal {
		return nil
	}

	// Names embed a UTC timestamp, so lexical order is chronological.
	sort.Strings(snapshots)
	for _, name := range snapshots[:len(snapshots)-s.cfg.KeepLocal] {
		if err := os.Remove(filepath.Join(s.cfg.Dir, name)); err != nil {
			s.log.Warn().Err(err).Str("snapshot", name).Msg("Failed to remove old snapshot")
		} else {
			s.log.Debug().Str("snapshot", name).Msg("Removed old snapshot")
		}
	}

	return nil
}

// Job runs periodic snapshots on a schedule.
type Job struct {
	service *Service
	log     zerolog.Logger
}

// NewJob creates a scheduled snapshot job.
func NewJob(service *Service, log zerolog.Logger) *Job {
	return &Job{
		service: service,
		log:     log.With().Str("job", "cache_backup").Logger(),
	}
}

// Run creates one snapshot.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if _, err := j.service.Snapshot(ctx); err != nil {
		j.log.Error().Err(err).Msg("Snapshot failed")
		return err
	}
	return nil
}

// Name returns the job name for scheduling and logging.
func (j *Job) Name() string {
	return "cache_backup"
}
