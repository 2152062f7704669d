// Package store provides the durable market-aware cache. Payloads are opaque
// blobs; each entry carries a snapshot of the session bucket and TTL that
// applied at write time, while reads re-resolve the policy live.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbox/marketcache/internal/policy"
)

// Well-known data types. The data type space is open: unknown types are
// cached with fallback TTLs.
const (
	DataTypeStockData           = "stock_data"
	DataTypeSentimentData       = "sentiment_data"
	DataTypeAIRecommendations   = "ai_recommendations"
	DataTypeTechnicalIndicators = "technical_indicators"
	DataTypeProcessedNews       = "processed_news"
)

// dateSensitiveTypes lists data types subject to the trading-day-boundary
// gate: a quote cached on Friday evening must not survive into Monday's
// opening tick, no matter how much TTL remains.
var dateSensitiveTypes = map[string]bool{
	DataTypeStockData:           true,
	DataTypeTechnicalIndicators: true,
}

// Entry is the stored record for one cache key.
type Entry struct {
	Key           string
	DataType      string
	Identifier    string
	Params        Params
	Payload       []byte
	SessionBucket policy.SessionBucket
	TTLMinutes    int
	CachedAt      time.Time
}

// Store is the durable cache. Safe for concurrent use; same-key writers race
// with last-writer-wins semantics (the upsert itself is atomic).
type Store struct {
	db      *sql.DB
	policy  *policy.Table
	enabled bool
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a cache store. When enabled is false, Put is a no-op and Get
// always misses.
func New(db *sql.DB, table *policy.Table, enabled bool, log zerolog.Logger) *Store {
	return &Store{
		db:      db,
		policy:  table,
		enabled: enabled,
		log:     log.With().Str("component", "cache_store").Logger(),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Policy returns the policy table backing this store.
func (s *Store) Policy() *policy.Table {
	return s.policy
}

// Put stores a payload under the computed cache key, snapshotting the current
// session bucket and its TTL. A failure is non-fatal: the caller proceeds
// without caching this result.
func (s *Store) Put(dataType, identifier string, params Params, payload []byte) error {
	if !s.enabled {
		return nil
	}

	now := s.now()
	bucket := s.policy.CurrentBucket(now)
	ttlMinutes := s.policy.TTLMinutes(dataType, bucket)

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%w: failed to encode params: %v", ErrStoreIO, err)
	}

	key := Key(dataType, identifier, params)

	_, err = s.db.Exec(`
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
	`, key, dataType, identifier, string(paramsJSON), payload, string(bucket), ttlMinutes, now.Unix())
	if err != nil {
		s.log.Warn().Err(err).
			Str("data_type", dataType).
			Str("identifier", identifier).
			Msg("Failed to write cache entry")
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	s.log.Debug().
		Str("data_type", dataType).
		Str("identifier", identifier).
		Str("bucket", string(bucket)).
		Int("ttl_minutes", ttlMinutes).
		Msg("Cache entry written")

	return nil
}

// Get returns the cached payload, or (nil, nil) when no valid entry exists.
// Validity is two independent gates, both of which must pass:
//
//  1. TTL gate using the LIVE policy lookup (not the entry's snapshot), so a
//     configuration change takes effect on the next read.
//  2. Date-context gate for date-sensitive types: an entry cached on a
//     previous local trading date is invalid once the current local time
//     reaches market open.
//
// Errors are degradations, never fatal: any non-nil error should be treated
// as a miss by the caller.
func (s *Store) Get(dataType, identifier string, params Params) ([]byte, error) {
	if !s.enabled {
		return nil, nil
	}

	key := Key(dataType, identifier, params)

	var payload []byte
	var ttlSnapshot int
	var cachedAtUnix int64
	err := s.db.QueryRow(`
		SELECT payload, ttl_minutes, cached_at
		FROM cache_entries
		WHERE key = ?
	`, key).Scan(&payload, &ttlSnapshot, &cachedAtUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	// Malformed metadata: delete so it does not recur, report as corrupt.
	if cachedAtUnix <= 0 || ttlSnapshot < 0 {
		s.deleteKey(key)
		return nil, fmt.Errorf("%w: key %s has invalid metadata", ErrCorruptEntry, key)
	}

	now := s.now()
	cachedAt := time.Unix(cachedAtUnix, 0)

	// Gate 1: live TTL.
	liveBucket := s.policy.CurrentBucket(now)
	liveTTL := s.policy.TTLMinutes(dataType, liveBucket)
	if !now.Before(cachedAt.Add(time.Duration(liveTTL) * time.Minute)) {
		return nil, nil
	}

	// Gate 2: trading-day boundary for date-sensitive types.
	if dateSensitiveTypes[dataType] && s.crossedTradingDay(cachedAt, now) {
		return nil, nil
	}

	return payload, nil
}

// crossedTradingDay reports whether an entry cached on a previous local date
// has been overtaken by a new trading session (current local time at or past
// market open).
func (s *Store) crossedTradingDay(cachedAt, now time.Time) bool {
	clock := s.policy.Clock()
	if clock.TradingDate(cachedAt) == clock.TradingDate(now) {
		return false
	}

	local := now.In(clock.Location())
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= clock.Hours().MarketOpen.Minutes()
}

// GetEntry returns the full stored record for a key, without validity checks.
// Used by administrative tooling to inspect entries regardless of freshness.
func (s *Store) GetEntry(dataType, identifier string, params Params) (*Entry, error) {
	key := Key(dataType, identifier, params)

	var e Entry
	var paramsJSON string
	var bucket string
	var cachedAtUnix int64
	err := s.db.QueryRow(`
		SELECT key, data_type, identifier, params, payload, session_bucket, ttl_minutes, cached_at
		FROM cache_entries
		WHERE key = ?
	`, key).Scan(&e.Key, &e.DataType, &e.Identifier, &paramsJSON, &e.Payload, &bucket, &e.TTLMinutes, &cachedAtUnix)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreIO, err)
	}

	if err := json.Unmarshal([]byte(paramsJSON), &e.Params); err != nil {
		s.deleteKey(key)
		return nil, fmt.Errorf("%w: key %s has malformed params: %v", ErrCorruptEntry, key, err)
	}

	e.SessionBucket = policy.SessionBucket(bucket)
	e.CachedAt = time.Unix(cachedAtUnix, 0)
	return &e, nil
}

// Delete removes a single entry.
func (s *Store) Delete(dataType, identifier string, params Params) error {
	key := Key(dataType, identifier, params)
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreIO, err)
	}
	return nil
}

// deleteKey removes a corrupt row best-effort.
func (s *Store) deleteKey(key string) {
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to delete corrupt cache entry")
	} else {
		s.log.Info().Str("key", key).Msg("Deleted corrupt cache entry")
	}
}
