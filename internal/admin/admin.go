// Package admin provides cross-cutting cache administration: expiry sweeps,
// absolute-age purges, targeted invalidation, and aggregate statistics.
package admin

import (
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/quantbox/marketcache/internal/policy"
	"github.com/quantbox/marketcache/internal/store"
)

// defaultPurgeAges holds per-type defaults for PurgeStale, in hours.
var defaultPurgeAges = map[string]int{
	store.DataTypeStockData:           72,
	store.DataTypeTechnicalIndicators: 72,
	store.DataTypeSentimentData:       96,
	store.DataTypeProcessedNews:       96,
	store.DataTypeAIRecommendations:   168,
}

// fallbackPurgeAgeHours applies to data types without an explicit default.
const fallbackPurgeAgeHours = 168

// TypeStats aggregates one data type.
type TypeStats struct {
	Count     int   `json:"count"`
	Expired   int   `json:"expired"`
	SizeBytes int64 `json:"size_bytes"`
}

// Stats is the aggregate cache report.
type Stats struct {
	TotalEntries         int                  `json:"total_entries"`
	ExpiredEntries       int                  `json:"expired_entries"`
	TotalSizeBytes       int64                `json:"total_size_bytes"`
	PerType              map[string]TypeStats `json:"per_type"`
	CurrentSessionBucket policy.SessionBucket `json:"current_session_bucket"`
	AgeP50Seconds        float64              `json:"age_p50_seconds"`
	AgeP95Seconds        float64              `json:"age_p95_seconds"`
}

// Admin performs sweep and reporting operations over the cache store.
type Admin struct {
	db     *sql.DB
	policy *policy.Table
	log    zerolog.Logger
	now    func() time.Time
}

// New creates a cache administration service.
func New(db *sql.DB, table *policy.Table, log zerolog.Logger) *Admin {
	return &Admin{
		db:     db,
		policy: table,
		log:    log.With().Str("component", "cache_admin").Logger(),
		now:    time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (a *Admin) SetNowFunc(now func() time.Time) {
	a.now = now
}

// CleanupExpired removes every entry whose stored snapshot TTL has elapsed.
// Unlike Get, this sweep trusts the TTL recorded at write time rather than
// re-resolving the live policy; a policy change therefore does not affect
// sweep timing until entries are rewritten. Corrupt rows (bad metadata) are
// removed and counted too.
func (a *Admin) CleanupExpired() (int, error) {
	now := a.now().Unix()

	res, err := a.db.Exec(`
		DELETE FROM cache_entries
		WHERE cached_at + ttl_minutes * 60 <= ?
		   OR cached_at <= 0
		   OR ttl_minutes < 0
	`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count removed entries: %w", err)
	}

	return int(removed), nil
}

// PurgeStale removes entries older than an absolute wall-clock age,
// independent of any TTL policy. An empty dataType purges all types;
// maxAgeHours <= 0 selects the per-type default.
func (a *Admin) PurgeStale(dataType string, maxAgeHours int) (int, error) {
	if dataType != "" {
		return a.purgeType(dataType, maxAgeHours)
	}

	types, err := a.dataTypes()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, dt := range types {
		removed, err := a.purgeType(dt, maxAgeHours)
		if err != nil {
			return total, err
		}
		total += removed
	}
	return total, nil
}

func (a *Admin) purgeType(dataType string, maxAgeHours int) (int, error) {
	if maxAgeHours <= 0 {
		if hours, ok := defaultPurgeAges[dataType]; ok {
			maxAgeHours = hours
		} else {
			maxAgeHours = fallbackPurgeAgeHours
		}
	}

	cutoff := a.now().Add(-time.Duration(maxAgeHours) * time.Hour).Unix()

	res, err := a.db.Exec(`
		DELETE FROM cache_entries
		WHERE data_type = ? AND cached_at < ?
	`, dataType, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge stale %s entries: %w", dataType, err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count purged entries: %w", err)
	}

	return int(removed), nil
}

// Invalidate removes entries without TTL consideration. All arguments narrow
// the scope: empty dataType removes everything, identifier narrows to one
// logical subject, non-nil params narrow to one exact key. Idempotent: a
// second identical call removes nothing and returns 0.
func (a *Admin) Invalidate(dataType, identifier string, params store.Params) (int, error) {
	var res sql.Result
	var err error

	switch {
	case dataType == "":
		res, err = a.db.Exec("DELETE FROM cache_entries")
	case identifier == "":
		res, err = a.db.Exec("DELETE FROM cache_entries WHERE data_type = ?", dataType)
	case params == nil:
		res, err = a.db.Exec(
			"DELETE FROM cache_entries WHERE data_type = ? AND identifier = ?",
			dataType, identifier)
	default:
		res, err = a.db.Exec(
			"DELETE FROM cache_entries WHERE key = ?",
			store.Key(dataType, identifier, params))
	}

	if err != nil {
		return 0, fmt.Errorf("failed to invalidate entries: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count invalidated entries: %w", err)
	}

	return int(removed), nil
}

// Stats returns the aggregate cache report. Totals always equal the sum of
// the per-type sub-aggregates because both come from one scan. Expiry here
// uses the stored snapshot TTL, matching CleanupExpired.
func (a *Admin) Stats() (*Stats, error) {
	rows, err := a.db.Query(`
		SELECT data_type, ttl_minutes, cached_at, length(payload)
		FROM cache_entries
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan cache entries: %w", err)
	}
	defer rows.Close()

	now := a.now()
	nowUnix := now.Unix()

	s := &Stats{
		PerType:              make(map[string]TypeStats),
		CurrentSessionBucket: a.policy.CurrentBucket(now),
	}

	var ages []float64
	for rows.Next() {
		var dataType string
		var ttlMinutes int
		var cachedAt, size int64
		if err := rows.Scan(&dataType, &ttlMinutes, &cachedAt, &size); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry row: %w", err)
		}

		ts := s.PerType[dataType]
		ts.Count++
		ts.SizeBytes += size
		if cachedAt+int64(ttlMinutes)*60 <= nowUnix {
			ts.Expired++
			s.ExpiredEntries++
		}
		s.PerType[dataType] = ts

		s.TotalEntries++
		s.TotalSizeBytes += size
		ages = append(ages, float64(nowUnix-cachedAt))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache entries: %w", err)
	}

	if len(ages) > 0 {
		sort.Float64s(ages)
		s.AgeP50Seconds = stat.Quantile(0.5, stat.Empirical, ages, nil)
		s.AgeP95Seconds = stat.Quantile(0.95, stat.Empirical, ages, nil)
	}

	return s, nil
}

// dataTypes lists the distinct data types currently cached.
func (a *Admin) dataTypes() ([]string, error) {
	rows, err := a.db.Query("SELECT DISTINCT data_type FROM cache_entries")
	if err != nil {
		return nil, fmt.Errorf("failed to list data types: %w", err)
	}
	defer rows.Close()

	var types []string
	for rows.Next() {
		var dt string
		if err := rows.Scan(&dt); err != nil {
			return nil, fmt.Errorf("failed to scan data type: %w", err)
		}
		types = append(types, dt)
	}
	return types, rows.Err()
}
