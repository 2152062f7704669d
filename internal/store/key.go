package store

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Params holds auxiliary cache-key parameters (e.g. period=1y).
type Params map[string]string

// canonical renders params as sorted k=v pairs so that argument order never
// changes the resulting key.
func (p Params) canonical() string {
	if len(p) == 0 {
		return ""
	}

	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+p[k])
	}
	return strings.Join(pairs, "&")
}

// Key computes the deterministic cache key for (dataType, identifier, params).
// Two calls with the same logical inputs always hash to the same key.
func Key(dataType, identifier string, params Params) string {
	h := sha256.New()
	h.Write([]byte(dataType))
	h.Write([]byte{0})
	h.Write([]byte(identifier))
	h.Write([]byte{0})
	h.Write([]byte(params.canonical()))
	return hex.EncodeToString(h.Sum(nil))
}
