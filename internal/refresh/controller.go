// Package refresh provides two independent staleness escape hatches on top of
// the cache store: one-shot force-refresh markers and per-type absolute
// max-age limits that apply regardless of the session-aware TTL policy.
package refresh

import (
	"database/sql"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantbox/marketcache/internal/store"
)

// defaultMaxAges caps how old an entry may get before a refresh is demanded,
// independent of any TTL policy.
var defaultMaxAges = map[string]time.Duration{
	store.DataTypeSentimentData:       24 * time.Hour,
	store.DataTypeAIRecommendations:   12 * time.Hour,
	store.DataTypeStockData:           48 * time.Hour,
	store.DataTypeTechnicalIndicators: 48 * time.Hour,
	store.DataTypeProcessedNews:       24 * time.Hour,
}

// fallbackMaxAge applies to data types without an explicit limit.
const fallbackMaxAge = 72 * time.Hour

// Controller decides when cached data must be refetched regardless of TTL.
type Controller struct {
	db      *sql.DB
	maxAges map[string]time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// New creates a refresh controller. overrideHours maps data type to an
// absolute max age in hours, replacing the built-in default for that type.
func New(db *sql.DB, overrideHours map[string]int, log zerolog.Logger) *Controller {
	maxAges := make(map[string]time.Duration, len(defaultMaxAges)+len(overrideHours))
	for dataType, age := range defaultMaxAges {
		maxAges[dataType] = age
	}
	for dataType, hours := range overrideHours {
		maxAges[dataType] = time.Duration(hours) * time.Hour
	}

	return &Controller{
		db:      db,
		maxAges: maxAges,
		log:     log.With().Str("component", "refresh_controller").Logger(),
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock, for tests.
func (c *Controller) SetNowFunc(now func() time.Time) {
	c.now = now
}

// MaxAge returns the absolute max age for a data type.
func (c *Controller) MaxAge(dataType string) time.Duration {
	if age, ok := c.maxAges[dataType]; ok {
		return age
	}
	return fallbackMaxAge
}

// ForceRefreshNext marks the computed cache key so that the next
// ShouldForceRefresh call reports true. Idempotent: setting the marker twice
// has the same effect as once.
func (c *Controller) ForceRefreshNext(dataType, identifier string, params store.Params) error {
	key := store.Key(dataType, identifier, params)

	_, err := c.db.Exec(`
		INSERT INTO force_refresh (key, requested_at) VALUES (?, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, c.now().Unix())
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to set force-refresh marker")
		return err
	}

	c.log.Info().
		Str("data_type", dataType).
		Str("identifier", identifier).
		Msg("Force refresh requested")

	return nil
}

// ShouldForceRefresh reports whether the caller must bypass the cache and
// fetch fresh data. Two independent conditions, either of which alone
// suffices:
//
//  1. A force-refresh marker exists for the key. The marker is consumed
//     (deleted) by this check, so it fires exactly once.
//  2. The cached entry is older than the data type's absolute max age.
//
// Store failures degrade to false: the normal TTL policy still governs.
func (c *Controller) ShouldForceRefresh(dataType, identifier string, params store.Params) bool {
	key := store.Key(dataType, identifier, params)

	// One-shot marker consumption.
	res, err := c.db.Exec("DELETE FROM force_refresh WHERE key = ?", key)
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to check force-refresh marker")
	} else if n, err := res.RowsAffected(); err == nil && n > 0 {
		c.log.Debug().Str("key", key).Msg("Force-refresh marker consumed")
		return true
	}

	// Absolute max-age check, independent of the session-aware TTL.
	var cachedAtUnix int64
	err = c.db.QueryRow("SELECT cached_at FROM cache_entries WHERE key = ?", key).Scan(&cachedAtUnix)
	if err == sql.ErrNoRows {
		// Nothing cached: a plain miss, no forced refresh needed.
		return false
	}
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("Failed to read entry age")
		return false
	}

	age := c.now().Sub(time.Unix(cachedAtUnix, 0))
	if age > c.MaxAge(dataType) {
		c.log.Debug().
			Str("data_type", dataType).
			Str("identifier", identifier).
			Dur("age", age).
			Msg("Entry exceeds absolute max age")
		return true
	}

	return false
}
