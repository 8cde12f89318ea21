package analysis

import (
	"strconv"

	"github.com/shopspring/decimal"

	"livestock_backend/models"
)

var (
	smaPeriods = []int{10, 20, 50, 200}
	emaPeriods = []int{12, 26, 50}
)

const (
	rsiPeriod       = 14
	bollingerPeriod = 20
	places          = 2
)

// Indicators is the indicator view for one instrument. Indicators that need
// more history than is stored are omitted.
type Indicators struct {
	Symbol    string                     `json:"symbol"`
	AsOf      string                     `json:"asOf"`
	Bars      int                        `json:"bars"`
	Close     *decimal.Decimal           `json:"close"`
	SMA       map[string]decimal.Decimal `json:"sma"`
	EMA       map[string]decimal.Decimal `json:"ema"`
	RSI       *decimal.Decimal           `json:"rsi14"`
	MACD      *MACDResult                `json:"macd"`
	Bollinger *BollingerBands            `json:"bollinger20"`
}

// Calculate computes every indicator from bars ordered oldest first.
func Calculate(symbol string, bars []models.HistoricalBar) Indicators {
	out := Indicators{
		Symbol: symbol,
		SMA:    map[string]decimal.Decimal{},
		EMA:    map[string]decimal.Decimal{},
	}
	closes := Closes(bars)
	out.Bars = len(closes)
	if len(bars) > 0 {
		out.AsOf = bars[len(bars)-1].Date
	}
	if len(closes) == 0 {
		return out
	}
	last := closes[len(closes)-1]
	out.Close = &last

	for _, p := range smaPeriods {
		if v, err := SMA(closes, p); err == nil {
			out.SMA[strconv.Itoa(p)] = v.Round(places)
		}
	}
	for _, p := range emaPeriods {
		if v, err := EMA(closes, p); err == nil {
			out.EMA[strconv.Itoa(p)] = v.Round(places)
		}
	}
	if v, err := RSI(closes, rsiPeriod); err == nil {
		r := v.Round(places)
		out.RSI = &r
	}
	if m, err := MACD(closes); err == nil {
		out.MACD = &MACDResult{
			MACD:      m.MACD.Round(places),
			Signal:    m.Signal.Round(places),
			Histogram: m.Histogram.Round(places),
		}
	}
	if b, err := Bollinger(closes, bollingerPeriod); err == nil {
		out.Bollinger = &BollingerBands{
			Upper:  b.Upper.Round(places),
			Middle: b.Middle.Round(places),
			Lower:  b.Lower.Round(places),
		}
	}
	return out
}
