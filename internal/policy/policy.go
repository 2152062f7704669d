// Package policy maps market sessions to cache TTLs. The table is built once
// from defaults plus configuration overrides and is immutable afterwards;
// lookups never fail.
package policy

import (
	"fmt"
	"time"

	"github.com/quantbox/marketcache/internal/marketclock"
)

// SessionBucket is the coarse session partition used for TTL selection.
// It is deliberately not the same enum as marketclock.MarketSession: the
// clock folds weekday holidays into market_closed, while the bucket keeps a
// distinct holiday option so holidays can carry their own (longer) TTLs.
type SessionBucket string

const (
	BucketMarketHours   SessionBucket = "market_hours"
	BucketPrePostMarket SessionBucket = "pre_post_market"
	BucketMarketClosed  SessionBucket = "market_closed"
	BucketWeekend       SessionBucket = "weekend"
	BucketHoliday       SessionBucket = "holiday"
)

// AllBuckets lists every session bucket, for override validation and stats.
var AllBuckets = []SessionBucket{
	BucketMarketHours,
	BucketPrePostMarket,
	BucketMarketClosed,
	BucketWeekend,
	BucketHoliday,
}

// fallbackTTL is the hardcoded table used for unknown data types.
var fallbackTTL = map[SessionBucket]int{
	BucketMarketHours:   10,
	BucketPrePostMarket: 30,
	BucketMarketClosed:  60,
	BucketWeekend:       1440,
	BucketHoliday:       1440,
}

// defaultTTLs holds the per-type defaults in minutes. Prices move fast during
// trading hours; derived data (sentiment, AI output) tolerates longer staleness.
var defaultTTLs = map[string]map[SessionBucket]int{
	"stock_data": {
		BucketMarketHours:   5,
		BucketPrePostMarket: 15,
		BucketMarketClosed:  60,
		BucketWeekend:       1440,
		BucketHoliday:       1440,
	},
	"technical_indicators": {
		BucketMarketHours:   10,
		BucketPrePostMarket: 30,
		BucketMarketClosed:  60,
		BucketWeekend:       1440,
		BucketHoliday:       1440,
	},
	"sentiment_data": {
		BucketMarketHours:   30,
		BucketPrePostMarket: 60,
		BucketMarketClosed:  120,
		BucketWeekend:       1440,
		BucketHoliday:       1440,
	},
	"processed_news": {
		BucketMarketHours:   15,
		BucketPrePostMarket: 30,
		BucketMarketClosed:  60,
		BucketWeekend:       720,
		BucketHoliday:       720,
	},
	"ai_recommendations": {
		BucketMarketHours:   60,
		BucketPrePostMarket: 120,
		BucketMarketClosed:  240,
		BucketWeekend:       2880,
		BucketHoliday:       2880,
	},
}

// Table resolves (data type, session bucket) to a TTL in minutes.
type Table struct {
	clock *marketclock.Clock
	ttls  map[string]map[SessionBucket]int
}

// NewTable builds the policy table from defaults plus configuration
// overrides. An override naming an unknown bucket is a configuration error.
func NewTable(clock *marketclock.Clock, overrides map[string]map[string]int) (*Table, error) {
	ttls := make(map[string]map[SessionBucket]int, len(defaultTTLs))
	for dataType, buckets := range defaultTTLs {
		ttls[dataType] = make(map[SessionBucket]int, len(buckets))
		for bucket, minutes := range buckets {
			ttls[dataType][bucket] = minutes
		}
	}

	for dataType, buckets := range overrides {
		if ttls[dataType] == nil {
			// Unknown data types may still be configured explicitly;
			// unconfigured buckets fall through to the fallback table.
			ttls[dataType] = make(map[SessionBucket]int, len(buckets))
		}
		for bucketName, minutes := range buckets {
			bucket := SessionBucket(bucketName)
			if !validBucket(bucket) {
				return nil, fmt.Errorf("unknown session bucket %q in TTL override for %s", bucketName, dataType)
			}
			ttls[dataType][bucket] = minutes
		}
	}

	return &Table{clock: clock, ttls: ttls}, nil
}

func validBucket(bucket SessionBucket) bool {
	for _, b := range AllBuckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// Bucket projects a market session onto its policy bucket. MARKET_CLOSED is
// split by an independent holiday re-check: a closed weekday that is a
// holiday selects the holiday bucket instead of market_closed.
func (t *Table) Bucket(session marketclock.MarketSession, now time.Time) SessionBucket {
	switch session {
	case marketclock.SessionWeekend:
		return BucketWeekend
	case marketclock.SessionPreMarket, marketclock.SessionPostMarket:
		return BucketPrePostMarket
	case marketclock.SessionMarketOpen:
		return BucketMarketHours
	default:
		if t.clock.IsHoliday(now) {
			return BucketHoliday
		}
		return BucketMarketClosed
	}
}

// CurrentBucket classifies "now" and projects it in one step.
func (t *Table) CurrentBucket(now time.Time) SessionBucket {
	return t.Bucket(t.clock.Session(now), now)
}

// TTLMinutes returns the TTL for a data type in a bucket. Unknown data types
// use the hardcoded fallback table; lookups never error.
func (t *Table) TTLMinutes(dataType string, bucket SessionBucket) int {
	if buckets, ok := t.ttls[dataType]; ok {
		if minutes, ok := buckets[bucket]; ok {
			return minutes
		}
	}
	return fallbackTTL[bucket]
}

// Clock returns the market clock backing this table.
func (t *Table) Clock() *marketclock.Clock {
	return t.clock
}
