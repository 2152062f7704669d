package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantbox/marketcache/internal/admin"
	"github.com/quantbox/marketcache/internal/config"
	"github.com/quantbox/marketcache/internal/database"
	"github.com/quantbox/marketcache/internal/marketclock"
	"github.com/quantbox/marketcache/internal/policy"
	"github.com/quantbox/marketcache/internal/refresh"
	"github.com/quantbox/marketcache/internal/store"
)

// newTestServer wires a complete server over a throwaway cache database.
func newTestServer(t *testing.T) *Server {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "cache.db"),
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	clock, err := marketclock.New(config.MarketHoursConfig{
		Timezone:       "America/New_York",
		PreMarketStart: config.TimeOfDay{Hour: 4, Minute: 0},
		MarketOpen:     config.TimeOfDay{Hour: 9, Minute: 30},
		MarketClose:    config.TimeOfDay{Hour: 16, Minute: 0},
		PostMarketEnd:  config.TimeOfDay{Hour: 20, Minute: 0},
	})
	require.NoError(t, err)

	table, err := policy.NewTable(clock, nil)
	require.NoError(t, err)

	log := zerolog.New(nil).Level(zerolog.Disabled)

	return New(Config{
		Port:    0,
		Log:     log,
		CacheDB: db,
		Clock:   clock,
		Policy:  table,
		Store:   store.New(db.Conn(), table, true, log),
		Admin:   admin.New(db.Conn(), table, log),
		Refresh: refresh.New(db.Conn(), nil, log),
	})
}

func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "marketcache", body["service"])
}

func TestMarketStatusEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/market/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.NotEmpty(t, body["session"])
	assert.NotEmpty(t, body["session_bucket"])
	assert.NotEmpty(t, body["trading_date"])
	assert.NotEmpty(t, body["next_trading_day"])
}

func TestHolidaysEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/market/holidays?year=2026", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, float64(2026), body["year"])
	assert.Len(t, body["holidays"], 10)
}

func TestHolidaysEndpoint_BadYear(t *testing.T) {
	srv := newTestServer(t)

	for _, q := range []string{"?year=soon", "?year=1492", "?year=9999"} {
		rec := doRequest(t, srv, http.MethodGet, "/api/market/holidays"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, "query %s", q)
	}
}

func TestEntryEndpoints_RoundTrip(t *testing.T) {
	srv := newTestServer(t)

	put := `{
		"data_type": "stock_data",
		"identifier": "AAPL",
		"params": {"period": "1d"},
		"payload": {"price": 123.45}
	}`
	rec := doRequest(t, srv, http.MethodPost, "/api/cache/entry", put)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, "cached", body["status"])
	assert.Len(t, body["key"], 64)

	rec = doRequest(t, srv, http.MethodGet,
		"/api/cache/entry?data_type=stock_data&identifier=AAPL&period=1d", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body = decodeResponse(t, rec)
	payload, ok := body["payload"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, 123.45, payload["price"])
}

func TestEntryEndpoint_Miss(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet,
		"/api/cache/entry?data_type=stock_data&identifier=NOPE", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEntryEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/api/cache/entry?identifier=AAPL", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/cache/entry",
		`{"data_type": "stock_data"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	put := `{"data_type": "stock_data", "identifier": "AAPL", "payload": {"v": 1}}`
	rec := doRequest(t, srv, http.MethodPost, "/api/cache/entry", put)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodGet, "/api/cache/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, float64(1), body["total_entries"])
	assert.NotEmpty(t, body["current_session_bucket"])
}

func TestCleanupEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/cache/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, float64(0), body["removed"])
}

func TestInvalidateEndpoint(t *testing.T) {
	srv := newTestServer(t)

	put := `{"data_type": "stock_data", "identifier": "AAPL", "payload": {"v": 1}}`
	rec := doRequest(t, srv, http.MethodPost, "/api/cache/entry", put)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, srv, http.MethodPost, "/api/cache/invalidate",
		`{"data_type": "stock_data", "identifier": "AAPL"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, float64(1), body["removed"])

	// Identifier without a data type is rejected.
	rec = doRequest(t, srv, http.MethodPost, "/api/cache/invalidate",
		`{"identifier": "AAPL"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForceRefreshEndpoint(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/cache/refresh",
		`{"data_type": "stock_data", "identifier": "AAPL"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeResponse(t, rec)
	assert.Equal(t, "marked", body["status"])

	rec = doRequest(t, srv, http.MethodPost, "/api/cache/refresh", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBackupEndpoint_NotConfigured(t *testing.T) {
	srv := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/api/cache/backup", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
