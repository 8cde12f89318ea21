package models

import (
	"time"

	"gorm.io/gorm"
)

// Instrument is one entry of the static universe file.
type Instrument struct {
	Symbol      string   `json:"symbol" yaml:"symbol"`
	YahooSymbol string   `json:"yahooSymbol" yaml:"yahooSymbol"`
	Series      *string  `json:"series,omitempty" yaml:"series,omitempty"`
	SeedPrice   *float64 `json:"currentPrice,omitempty" yaml:"currentPrice,omitempty"`
	LastUpdated *string  `json:"lastUpdated,omitempty" yaml:"lastUpdated,omitempty"`
}

// Key is the provider symbol, which every store is keyed on.
func (i Instrument) Key() string {
	return i.YahooSymbol
}

// Quote is the normalized current quote for one instrument. Absent provider
// fields stay nil.
type Quote struct {
	Symbol           string     `json:"symbol"`
	Name             *string    `json:"name"`
	Currency         *string    `json:"currency"`
	CurrentPrice     *float64   `json:"currentPrice"`
	PreviousClose    *float64   `json:"previousClose"`
	Open             *float64   `json:"open"`
	DayHigh          *float64   `json:"dayHigh"`
	DayLow           *float64   `json:"dayLow"`
	Volume           *int64     `json:"volume"`
	MarketCap        *float64   `json:"marketCap"`
	Change           *float64   `json:"change"`
	ChangePercent    *float64   `json:"changePercent"`
	FiftyTwoWeekHigh *float64   `json:"fiftyTwoWeekHigh"`
	FiftyTwoWeekLow  *float64   `json:"fiftyTwoWeekLow"`
	LastUpdated      *time.Time `json:"lastUpdated"`
}

// Empty reports whether the provider returned no volatile fields.
func (q Quote) Empty() bool {
	return q.CurrentPrice == nil && q.PreviousClose == nil && q.DayHigh == nil && q.DayLow == nil && q.Volume == nil
}

// Bar is one OHLCV row. Date is a UTC calendar day, YYYY-MM-DD.
type Bar struct {
	Date   string   `json:"date" bson:"date"`
	Open   *float64 `json:"open" bson:"open"`
	High   *float64 `json:"high" bson:"high"`
	Low    *float64 `json:"low" bson:"low"`
	Close  *float64 `json:"close" bson:"close"`
	Volume *int64   `json:"volume" bson:"volume"`
}

// ChartPoint is an intraday or daily point used by the chart view.
type ChartPoint struct {
	Time   time.Time `json:"time"`
	Open   *float64  `json:"open"`
	High   *float64  `json:"high"`
	Low    *float64  `json:"low"`
	Close  *float64  `json:"close"`
	Volume *int64    `json:"volume"`
}

// HistoricalBar is a stored daily bar, keyed by "symbol|date".
type HistoricalBar struct {
	ID         string `json:"id" bson:"_id"`
	Symbol     string `json:"symbol" bson:"symbol"`
	Bar        `bson:",inline"`
	Source     string    `json:"source" bson:"source"`
	IngestedAt time.Time `json:"ingestedAt" bson:"ingestedAt"`
}

func HistoricalBarID(symbol, date string) string {
	return symbol + "|" + date
}

// SnapshotEntry is one row of the live snapshot.
type SnapshotEntry struct {
	Symbol        string   `json:"symbol"`
	YahooSymbol   string   `json:"yahooSymbol"`
	Series        *string  `json:"series"`
	Name          string   `json:"name"`
	Currency      string   `json:"currency"`
	CurrentPrice  *float64 `json:"currentPrice"`
	PreviousClose *float64 `json:"previousClose"`
	Open          *float64 `json:"open"`
	DayHigh       *float64 `json:"dayHigh"`
	DayLow        *float64 `json:"dayLow"`
	Volume        *int64   `json:"volume"`
	MarketCap     *float64 `json:"marketCap"`
	Change        *float64 `json:"change"`
	ChangePercent *float64 `json:"changePercent"`
	LastUpdated   *string  `json:"lastUpdated"`
}

// UpdateProgress is the live-refresh progress view.
type UpdateProgress struct {
	IsUpdating       bool       `json:"isUpdating"`
	TotalSymbols     int        `json:"totalSymbols"`
	ProcessedSymbols int        `json:"processedSymbols"`
	ProgressPercent  int        `json:"progressPercent"`
	LastUpdate       *time.Time `json:"lastUpdate"`
}

// PauseState tells push consumers whether live updates are suspended.
type PauseState struct {
	Paused   bool       `json:"paused"`
	Reason   string     `json:"reason,omitempty"`
	PausedAt *time.Time `json:"pausedAt"`
}

// TopMover is one ranked gainer or loser.
type TopMover struct {
	Symbol        string  `json:"symbol"`
	YahooSymbol   string  `json:"yahooSymbol"`
	Name          string  `json:"name"`
	CurrentPrice  float64 `json:"currentPrice"`
	PreviousClose float64 `json:"previousClose"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
}

type TopMovers struct {
	Gainers   []TopMover `json:"gainers"`
	Losers    []TopMover `json:"losers"`
	Timestamp time.Time  `json:"timestamp"`
}

// IngestMeta is the process-wide record of the daily ingest.
type IngestMeta struct {
	LastAttemptAt     *time.Time `json:"lastAttemptAt"`
	LastAttemptReason string     `json:"lastAttemptReason"`
	LastSuccessYmd    string     `json:"lastSuccessYmd"`
	LastSuccessAt     *time.Time `json:"lastSuccessAt"`
	LastSuccessCount  int        `json:"lastSuccessCount"`
	LastFailureCount  int        `json:"lastFailureCount"`
}

// Per-symbol ingest status values. Errors are recorded as "error:<msg>".
const (
	IngestStatusOK     = "ok"
	IngestStatusNoData = "no_data"
)

// SymbolQuote is the relational warm-start cache row.
type SymbolQuote struct {
	YahooSymbol   string     `gorm:"primaryKey;column:yahoo_symbol" json:"yahooSymbol"`
	Symbol        string     `gorm:"column:symbol;index" json:"symbol"`
	Series        *string    `gorm:"column:series" json:"series"`
	Name          *string    `gorm:"column:name" json:"name"`
	Currency      *string    `gorm:"column:currency" json:"currency"`
	CurrentPrice  *float64   `gorm:"column:current_price" json:"currentPrice"`
	PreviousClose *float64   `gorm:"column:previous_close" json:"previousClose"`
	DayHigh       *float64   `gorm:"column:day_high" json:"dayHigh"`
	DayLow        *float64   `gorm:"column:day_low" json:"dayLow"`
	Volume        *int64     `gorm:"column:volume" json:"volume"`
	LastUpdated   *time.Time `gorm:"column:last_updated" json:"lastUpdated"`
}

func (SymbolQuote) TableName() string {
	return "symbols"
}

// MigrateQuoteModels runs the additive migration for the quote cache.
func MigrateQuoteModels(db *gorm.DB) error {
	return db.AutoMigrate(&SymbolQuote{})
}
