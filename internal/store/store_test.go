package store

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/marketcache/internal/config"
	"github.com/quantbox/marketcache/internal/marketclock"
	"github.com/quantbox/marketcache/internal/policy"
)

const testSchema = `
	CREATE TABLE cache_entries (
		key            TEXT PRIMARY KEY,
		data_type      TEXT NOT NULL,
		identifier     TEXT NOT NULL,
		params         TEXT NOT NULL,
		payload        BLOB NOT NULL,
		session_bucket TEXT NOT NULL,
		ttl_minutes    INTEGER NOT NULL,
		cached_at      INTEGER NOT NULL
	);
	CREATE TABLE force_refresh (
		key          TEXT PRIMARY KEY,
		requested_at INTEGER NOT NULL
	);
`

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(testSchema)
	require.NoError(t, err)

	return db
}

func testPolicy(t *testing.T, overrides map[string]map[string]int) *policy.Table {
	t.Helper()

	clock, err := marketclock.New(config.MarketHoursConfig{
		Timezone:       "America/New_York",
		PreMarketStart: config.TimeOfDay{Hour: 4, Minute: 0},
		MarketOpen:     config.TimeOfDay{Hour: 9, Minute: 30},
		MarketClose:    config.TimeOfDay{Hour: 16, Minute: 0},
		PostMarketEnd:  config.TimeOfDay{Hour: 20, Minute: 0},
	})
	require.NoError(t, err)

	table, err := policy.NewTable(clock, overrides)
	require.NoError(t, err)
	return table
}

func newTestStore(t *testing.T, overrides map[string]map[string]int) (*Store, *sql.DB) {
	t.Helper()
	db := setupTestDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	return New(db, testPolicy(t, overrides), true, log), db
}

func nyTime(t *testing.T, year int, month time.Month, day, hour, min int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return time.Date(year, month, day, hour, min, 0, 0, loc)
}

// fixNow pins the store clock to a settable virtual time.
func fixNow(s *Store, ts time.Time) *time.Time {
	current := ts
	s.SetNowFunc(func() time.Time { return current })
	return &current
}

func TestKey_Deterministic(t *testing.T) {
	a := Key("stock_data", "AAPL", Params{"period": "1y", "interval": "1d"})
	b := Key("stock_data", "AAPL", Params{"interval": "1d", "period": "1y"})
	assert.Equal(t, a, b, "param order must not change the key")

	c := Key("stock_data", "MSFT", Params{"period": "1y", "interval": "1d"})
	assert.NotEqual(t, a, c)

	d := Key("sentiment_data", "AAPL", Params{"period": "1y", "interval": "1d"})
	assert.NotEqual(t, a, d)

	// Hex SHA-256.
	assert.Len(t, a, 64)
}

func TestKey_NilAndEmptyParamsEquivalent(t *testing.T) {
	assert.Equal(t,
		Key("stock_data", "AAPL", nil),
		Key("stock_data", "AAPL", Params{}))
}

func TestPutGet_RoundTrip(t *testing.T) {
	s, _ := newTestStore(t, nil)
	fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	payload := []byte(`{"price": 123.45}`)
	require.NoError(t, s.Put("stock_data", "AAPL", Params{"period": "1d"}, payload))

	got, err := s.Get("stock_data", "AAPL", Params{"period": "1d"})
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestGet_MissOnUnknownKey(t *testing.T) {
	s, _ := newTestStore(t, nil)

	got, err := s.Get("stock_data", "NOPE", nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestPut_OverwritesSameKey(t *testing.T) {
	s, db := newTestStore(t, nil)
	fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("v1")))
	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("v2")))

	got, err := s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&count))
	assert.Equal(t, 1, count)
}

// TestGet_ExpiresByLiveTTL verifies the TTL gate uses virtual time: stock_data
// during market hours has a 5-minute TTL.
func TestGet_ExpiresByLiveTTL(t *testing.T) {
	s, _ := newTestStore(t, nil)
	now := fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("x")))

	// 4 minutes later: still valid.
	*now = now.Add(4 * time.Minute)
	got, err := s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// 5 minutes after write: expired (boundary is exclusive).
	*now = now.Add(1 * time.Minute)
	got, err = s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestGet_LivePolicyNotSnapshot verifies reads resolve TTL from the policy in
// effect at read time, not the snapshot stored at write time. An entry written
// during the long-TTL weekend must expire under the short market-hours TTL
// once the market reopens.
func TestGet_LivePolicyNotSnapshot(t *testing.T) {
	s, db := newTestStore(t, nil)
	now := fixNow(s, nyTime(t, 2026, time.March, 7, 12, 0)) // Saturday

	require.NoError(t, s.Put("sentiment_data", "AAPL", nil, []byte("x")))

	// The stored snapshot reflects the weekend policy.
	var bucket string
	var ttl int
	require.NoError(t, db.QueryRow(
		"SELECT session_bucket, ttl_minutes FROM cache_entries").Scan(&bucket, &ttl))
	assert.Equal(t, "weekend", bucket)
	assert.Equal(t, 1440, ttl)

	// Monday 10:00: live bucket is market_hours (TTL 30m for sentiment), and
	// the entry is ~46 hours old. Snapshot TTL would still call it fresh.
	*now = nyTime(t, 2026, time.March, 9, 10, 0)
	got, err := s.Get("sentiment_data", "AAPL", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestGet_TradingDayBoundary verifies the date-context gate: a date-sensitive
// entry cached on Friday evening survives the weekend and Monday pre-market,
// but dies the moment Monday reaches market open.
func TestGet_TradingDayBoundary(t *testing.T) {
	// Give stock_data a huge TTL in every bucket so only the boundary gate
	// can invalidate.
	big := map[string]map[string]int{
		"stock_data": {
			"market_hours": 1000000, "pre_post_market": 1000000,
			"market_closed": 1000000, "weekend": 1000000, "holiday": 1000000,
		},
		"sentiment_data": {
			"market_hours": 1000000, "pre_post_market": 1000000,
			"market_closed": 1000000, "weekend": 1000000, "holiday": 1000000,
		},
	}
	s, _ := newTestStore(t, big)
	now := fixNow(s, nyTime(t, 2026, time.March, 6, 19, 55)) // Friday post-market

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("friday-close")))
	require.NoError(t, s.Put("sentiment_data", "AAPL", nil, []byte("friday-mood")))

	// Saturday: valid.
	*now = nyTime(t, 2026, time.March, 7, 12, 0)
	got, err := s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Monday 09:00, before open: still valid.
	*now = nyTime(t, 2026, time.March, 9, 9, 0)
	got, err = s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// Monday 09:31, one minute after open: invalid for the date-sensitive type.
	*now = nyTime(t, 2026, time.March, 9, 9, 31)
	got, err = s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	// The non-date-sensitive type is untouched by the boundary gate.
	got, err = s.Get("sentiment_data", "AAPL", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

// TestGet_FridayQuoteDiesAtMondayOpen runs the canonical scenario under the
// default policy: a quote cached Friday 19:55 is still served minutes later,
// but is gone by 09:31 the next trading day no matter what.
func TestGet_FridayQuoteDiesAtMondayOpen(t *testing.T) {
	s, _ := newTestStore(t, nil)
	now := fixNow(s, nyTime(t, 2026, time.March, 6, 19, 55))

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("friday-quote")))

	// 19:58 Friday: within the post-market TTL.
	*now = nyTime(t, 2026, time.March, 6, 19, 58)
	got, err := s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)

	// 09:31 Monday: invalid.
	*now = nyTime(t, 2026, time.March, 9, 9, 31)
	got, err = s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestGet_SameDayNotInvalidated verifies the boundary gate never fires within
// a single trading date, even across the open boundary.
func TestGet_SameDayNotInvalidated(t *testing.T) {
	big := map[string]map[string]int{
		"stock_data": {
			"market_hours": 1000000, "pre_post_market": 1000000,
			"market_closed": 1000000, "weekend": 1000000, "holiday": 1000000,
		},
	}
	s, _ := newTestStore(t, big)
	now := fixNow(s, nyTime(t, 2026, time.March, 5, 8, 0)) // Thursday pre-market

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("x")))

	// Same local date at 10:00, past market open: still the same trading date.
	*now = nyTime(t, 2026, time.March, 5, 10, 0)
	got, err := s.Get("stock_data", "AAPL", nil)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestGet_CorruptMetadataDeletedAndReported(t *testing.T) {
	s, db := newTestStore(t, nil)
	fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	key := Key("stock_data", "AAPL", nil)
	_, err := db.Exec(`
		INSERT INTO cache_entries (key, data_type, identifier, params, payload, session_bucket, ttl_minutes, cached_at)
		VALUES (?, 'stock_data', 'AAPL', '{}', X'00', 'market_hours', 5, 0)
	`, key)
	require.NoError(t, err)

	got, err := s.Get("stock_data", "AAPL", nil)
	assert.Nil(t, got)
	assert.True(t, errors.Is(err, ErrCorruptEntry))

	// The corrupt row is gone: the next read is a plain miss.
	got, err = s.Get("stock_data", "AAPL", nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestDisabledStore(t *testing.T) {
	db := setupTestDB(t)
	log := zerolog.New(nil).Level(zerolog.Disabled)
	s := New(db, testPolicy(t, nil), false, log)
	fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("x")))

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cache_entries").Scan(&count))
	assert.Equal(t, 0, count, "disabled Put must not write")

	got, err := s.Get("stock_data", "AAPL", nil)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetEntry_FullRecord(t *testing.T) {
	s, _ := newTestStore(t, nil)
	fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	params := Params{"period": "1y"}
	require.NoError(t, s.Put("stock_data", "AAPL", params, []byte("x")))

	e, err := s.GetEntry("stock_data", "AAPL", params)
	require.NoError(t, err)
	require.NotNil(t, e)

	assert.Equal(t, "stock_data", e.DataType)
	assert.Equal(t, "AAPL", e.Identifier)
	assert.Equal(t, params, e.Params)
	assert.Equal(t, policy.BucketMarketHours, e.SessionBucket)
	assert.Equal(t, 5, e.TTLMinutes)
	assert.Equal(t, nyTime(t, 2026, time.March, 5, 12, 0).Unix(), e.CachedAt.Unix())
}

func TestGetEntry_MissingReturnsNil(t *testing.T) {
	s, _ := newTestStore(t, nil)

	e, err := s.GetEntry("stock_data", "NOPE", nil)
	assert.NoError(t, err)
	assert.Nil(t, e)
}

func TestDelete(t *testing.T) {
	s, _ := newTestStore(t, nil)
	fixNow(s, nyTime(t, 2026, time.March, 5, 12, 0))

	require.NoError(t, s.Put("stock_data", "AAPL", nil, []byte("x")))
	require.NoError(t, s.Delete("stock_data", "AAPL", nil))

	got, err := s.Get("stock_data", "AAPL", nil)
	assert.NoError(t, err)
	assert.Nil(t, got)

	// Deleting again is a no-op.
	assert.NoError(t, s.Delete("stock_data", "AAPL", nil))
}
