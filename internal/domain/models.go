// Package domain holds the core entity types shared by the market data
// clients, the cache, and the chat relay. The domain layer is pure: it has
// no infrastructure dependencies.
package domain

import "time"

// MarketTimezone is the exchange timezone all calendar instants are
// expressed in.
const MarketTimezone = "America/New_York"

// MarketLocation returns the exchange time location. Panics only if the
// platform tzdata is broken, which is a deployment error.
func MarketLocation() *time.Location {
	loc, err := time.LoadLocation(MarketTimezone)
	if err != nil {
		panic("failed to load market timezone: " + err.Error())
	}
	return loc
}

// Candle is a single OHLCV bar. Datetime is epoch milliseconds, matching
// the TD Ameritrade price history wire format.
type Candle struct {
	Datetime int64   `json:"datetime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   int64   `json:"volume"`
}

// Time returns the candle timestamp in the market timezone.
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.Datetime).In(MarketLocation())
}

// CalendarDay is one raw trading day as returned by the calendar endpoint.
// Open and Close are wall-clock strings like "09:30" and "16:00".
type CalendarDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

// SessionDay is a trading day resolved into concrete instants.
// MarketOpen/MarketClose cover regular hours; SessionOpen/SessionClose
// cover the extended window (00:00:01 through 23:59:59 local).
type SessionDay struct {
	MarketOpen   time.Time `json:"market_open" msgpack:"market_open"`
	MarketClose  time.Time `json:"market_close" msgpack:"market_close"`
	SessionOpen  time.Time `json:"session_open" msgpack:"session_open"`
	SessionClose time.Time `json:"session_close" msgpack:"session_close"`
}

// Date returns the calendar date of the trading day.
func (d SessionDay) Date() time.Time {
	return time.Date(
		d.MarketOpen.Year(), d.MarketOpen.Month(), d.MarketOpen.Day(),
		0, 0, 0, 0, d.MarketOpen.Location(),
	)
}

// Quote is a real-time quote for one symbol.
type Quote struct {
	Symbol     string  `json:"symbol"`
	AssetType  string  `json:"assetType"`
	Mark       float64 `json:"mark"`
	ClosePrice float64 `json:"closePrice"`
	BidPrice   float64 `json:"bidPrice"`
	AskPrice   float64 `json:"askPrice"`
	LastPrice  float64 `json:"lastPrice"`
}

// Price returns the quote usable as "the price" in summaries. Mutual funds
// only carry a close price.
func (q Quote) Price() float64 {
	if q.AssetType == "MUTUAL_FUND" {
		return q.ClosePrice
	}
	return q.Mark
}

// Fundamental is the slice of instrument fundamentals the chat summary and
// cache care about.
type Fundamental struct {
	Symbol          string  `json:"symbol"`
	MarketCap       float64 `json:"marketCap"`
	DividendAmount  float64 `json:"dividendAmount"`
	DividendYield   float64 `json:"dividendYield"`
	DividendDate    string  `json:"dividendDate"`
	DividendPayDate string  `json:"dividendPayDate"`
	PeRatio         float64 `json:"peRatio"`
	High52          float64 `json:"high52"`
	Low52           float64 `json:"low52"`
}

// Profile is an instrument description plus its fundamentals.
type Profile struct {
	Symbol      string      `json:"symbol"`
	Description string      `json:"description"`
	Exchange    string      `json:"exchange"`
	AssetType   string      `json:"assetType"`
	Fundamental Fundamental `json:"fundamental"`
}
