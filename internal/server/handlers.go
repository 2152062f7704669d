package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/quantbox/marketcache/internal/store"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if err := s.cacheDB.QuickCheck(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Database health check failed")
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	s.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "marketcache",
		"uptime":  time.Since(s.startupTime).Round(time.Second).String(),
	})
}

// handleMarketStatus reports the current market session and cache bucket.
// GET /api/market/status
func (s *Server) handleMarketStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	session := s.clock.Session(now)
	bucket := s.policy.CurrentBucket(now)

	local := now.In(s.clock.Location())

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":          string(session),
		"session_bucket":   string(bucket),
		"local_time":       local.Format(time.RFC3339),
		"trading_date":     s.clock.TradingDate(now),
		"is_trading_day":   s.clock.IsTradingDay(now),
		"next_trading_day": s.clock.NextTradingDay(now).Format("2006-01-02"),
	})
}

// handleHolidays lists market holidays for a year.
// GET /api/market/holidays?year=2026
func (s *Server) handleHolidays(w http.ResponseWriter, r *http.Request) {
	year := time.Now().In(s.clock.Location()).Year()
	if v := r.URL.Query().Get("year"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1900 || parsed > 2200 {
			s.writeError(w, http.StatusBadRequest, "invalid year")
			return
		}
		year = parsed
	}

	dates := s.clock.Holidays(year)

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"year":     year,
		"holidays": dates,
	})
}

// handleGetEntry performs a cache lookup. Query parameters other than
// data_type and identifier become cache-key params, so
// ?data_type=stock_data&identifier=AAPL&period=1y addresses the same entry
// as a library Get with params {period: 1y}.
// GET /api/cache/entry
func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dataType := q.Get("data_type")
	identifier := q.Get("identifier")
	if dataType == "" || identifier == "" {
		s.writeError(w, http.StatusBadRequest, "data_type and identifier are required")
		return
	}

	params := store.Params{}
	for k, v := range q {
		if k == "data_type" || k == "identifier" || len(v) == 0 {
			continue
		}
		params[k] = v[0]
	}

	payload, err := s.store.Get(dataType, identifier, params)
	if err != nil {
		// Store errors are misses by contract; surface them as 404 but log.
		s.log.Warn().Err(err).Str("data_type", dataType).Msg("Cache lookup error")
	}
	if payload == nil {
		s.writeError(w, http.StatusNotFound, "cache miss")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data_type":  dataType,
		"identifier": identifier,
		"payload":    json.RawMessage(payload),
	})
}

// putEntryRequest is the body for POST /api/cache/entry.
type putEntryRequest struct {
	DataType   string            `json:"data_type"`
	Identifier string            `json:"identifier"`
	Params     map[string]string `json:"params"`
	Payload    json.RawMessage   `json:"payload"`
}

// handlePutEntry writes a payload into the cache under the session bucket and
// TTL in effect right now.
// POST /api/cache/entry
func (s *Server) handlePutEntry(w http.ResponseWriter, r *http.Request) {
	var req putEntryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DataType == "" || req.Identifier == "" || len(req.Payload) == 0 {
		s.writeError(w, http.StatusBadRequest, "data_type, identifier and payload are required")
		return
	}

	if err := s.store.Put(req.DataType, req.Identifier, store.Params(req.Params), req.Payload); err != nil {
		s.log.Error().Err(err).Str("data_type", req.DataType).Msg("Cache write failed")
		s.writeError(w, http.StatusInternalServerError, "cache write failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "cached",
		"key":    store.Key(req.DataType, req.Identifier, store.Params(req.Params)),
	})
}

// handleStats returns cache statistics.
// GET /api/cache/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.Stats()
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to collect cache stats")
		s.writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// handleCleanup removes expired entries immediately.
// POST /api/cache/cleanup
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed, err := s.admin.CleanupExpired()
	if err != nil {
		s.log.Error().Err(err).Msg("Cache cleanup failed")
		s.writeError(w, http.StatusInternalServerError, "cleanup failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed": removed,
	})
}

// purgeRequest is the body for POST /api/cache/purge.
type purgeRequest struct {
	DataType    string `json:"data_type"`
	MaxAgeHours int    `json:"max_age_hours"`
}

// handlePurge removes entries past an absolute age limit.
// POST /api/cache/purge
func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.MaxAgeHours < 0 {
		s.writeError(w, http.StatusBadRequest, "max_age_hours must not be negative")
		return
	}

	removed, err := s.admin.PurgeStale(req.DataType, req.MaxAgeHours)
	if err != nil {
		s.log.Error().Err(err).Str("data_type", req.DataType).Msg("Cache purge failed")
		s.writeError(w, http.StatusInternalServerError, "purge failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":   removed,
		"data_type": req.DataType,
	})
}

// invalidateRequest is the body for POST /api/cache/invalidate.
type invalidateRequest struct {
	DataType   string            `json:"data_type"`
	Identifier string            `json:"identifier"`
	Params     map[string]string `json:"params"`
}

// handleInvalidate removes entries at the requested scope: everything, one
// data type, one identifier within a type, or one exact entry.
// POST /api/cache/invalidate
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DataType == "" && req.Identifier != "" {
		s.writeError(w, http.StatusBadRequest, "identifier requires data_type")
		return
	}

	removed, err := s.admin.Invalidate(req.DataType, req.Identifier, store.Params(req.Params))
	if err != nil {
		s.log.Error().Err(err).
			Str("data_type", req.DataType).
			Str("identifier", req.Identifier).
			Msg("Cache invalidation failed")
		s.writeError(w, http.StatusInternalServerError, "invalidation failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"removed":    removed,
		"data_type":  req.DataType,
		"identifier": req.Identifier,
	})
}

// refreshRequest is the body for POST /api/cache/refresh.
type refreshRequest struct {
	DataType   string            `json:"data_type"`
	Identifier string            `json:"identifier"`
	Params     map[string]string `json:"params"`
}

// handleForceRefresh marks an entry so the next read bypasses the cache once.
// POST /api/cache/refresh
func (s *Server) handleForceRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.DataType == "" || req.Identifier == "" {
		s.writeError(w, http.StatusBadRequest, "data_type and identifier are required")
		return
	}

	if err := s.refresh.ForceRefreshNext(req.DataType, req.Identifier, store.Params(req.Params)); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to set refresh marker")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "marked",
		"key":    store.Key(req.DataType, req.Identifier, store.Params(req.Params)),
	})
}

// handleBackup takes a snapshot immediately.
// POST /api/cache/backup
func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.writeError(w, http.StatusServiceUnavailable, "backups are not configured")
		return
	}

	path, err := s.backup.Snapshot(r.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("Manual snapshot failed")
		s.writeError(w, http.StatusInternalServerError, "snapshot failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"path":   path,
	})
}

// decodeBody decodes a JSON request body. An empty body decodes to the zero
// value so parameterless POSTs work without sending "{}".
func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(dst)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
