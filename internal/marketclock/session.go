package marketclock

// MarketSession classifies a moment in time relative to the trading venue's
// daily schedule. Exactly one session applies to any timestamp.
type MarketSession string

const (
	// SessionPreMarket - between pre-market start and market open
	SessionPreMarket MarketSession = "pre_market"
	// SessionMarketOpen - regular trading hours
	SessionMarketOpen MarketSession = "market_open"
	// SessionPostMarket - between market close and post-market end
	SessionPostMarket MarketSession = "post_market"
	// SessionMarketClosed - overnight hours and weekday holidays
	SessionMarketClosed MarketSession = "market_closed"
	// SessionWeekend - Saturday and Sunday, regardless of time of day
	SessionWeekend MarketSession = "weekend"
)

// String returns the session name.
func (s MarketSession) String() string {
	return string(s)
}
