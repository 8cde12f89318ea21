// Package analysis derives technical indicators from stored daily bars.
package analysis

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"livestock_backend/models"
)

var ErrInsufficientData = errors.New("insufficient data")

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
)

// Closes extracts close prices in chronological order, skipping bars
// without a close.
func Closes(bars []models.HistoricalBar) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, len(bars))
	for _, b := range bars {
		if b.Close == nil {
			continue
		}
		out = append(out, decimal.NewFromFloat(*b.Close))
	}
	return out
}

// SMA is the mean of the last period values.
func SMA(values []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 || len(values) < period {
		return decimal.Zero, fmt.Errorf("SMA%d: %w", period, ErrInsufficientData)
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), nil
}

// EMASeries seeds with the SMA of the first period values and smooths
// forward. Element i lines up with values[i+period-1].
func EMASeries(values []decimal.Decimal, period int) []decimal.Decimal {
	if period <= 0 || len(values) < period {
		return nil
	}
	seed, _ := SMA(values[:period], period)
	multiplier := two.Div(decimal.NewFromInt(int64(period + 1)))

	out := make([]decimal.Decimal, 0, len(values)-period+1)
	out = append(out, seed)
	ema := seed
	for _, v := range values[period:] {
		ema = v.Sub(ema).Mul(multiplier).Add(ema)
		out = append(out, ema)
	}
	return out
}

// EMA is the latest value of EMASeries.
func EMA(values []decimal.Decimal, period int) (decimal.Decimal, error) {
	series := EMASeries(values, period)
	if len(series) == 0 {
		return decimal.Zero, fmt.Errorf("EMA%d: %w", period, ErrInsufficientData)
	}
	return series[len(series)-1], nil
}

// RSI averages the gains and losses over the last period changes.
func RSI(values []decimal.Decimal, period int) (decimal.Decimal, error) {
	if period <= 0 || len(values) < period+1 {
		return decimal.Zero, fmt.Errorf("RSI%d: %w", period, ErrInsufficientData)
	}
	window := values[len(values)-period-1:]

	gains := decimal.Zero
	losses := decimal.Zero
	for i := 1; i < len(window); i++ {
		change := window[i].Sub(window[i-1])
		if change.IsPositive() {
			gains = gains.Add(change)
		} else {
			losses = losses.Add(change.Abs())
		}
	}

	if losses.IsZero() {
		return hundred, nil
	}
	rs := gains.Div(losses)
	return hundred.Sub(hundred.Div(one.Add(rs))), nil
}

// MACDResult holds MACD calculation results
type MACDResult struct {
	MACD      decimal.Decimal `json:"macd"`
	Signal    decimal.Decimal `json:"signal"`
	Histogram decimal.Decimal `json:"histogram"`
}

// MACD uses 12/26 EMAs and a 9-period EMA of the MACD line as the signal.
func MACD(values []decimal.Decimal) (*MACDResult, error) {
	const fast, slow, signalPeriod = 12, 26, 9
	if len(values) < slow+signalPeriod-1 {
		return nil, fmt.Errorf("MACD: %w", ErrInsufficientData)
	}

	fastSeries := EMASeries(values, fast)
	slowSeries := EMASeries(values, slow)
	offset := slow - fast

	line := make([]decimal.Decimal, len(slowSeries))
	for i := range slowSeries {
		line[i] = fastSeries[i+offset].Sub(slowSeries[i])
	}

	signalSeries := EMASeries(line, signalPeriod)
	macd := line[len(line)-1]
	signal := signalSeries[len(signalSeries)-1]
	return &MACDResult{
		MACD:      macd,
		Signal:    signal,
		Histogram: macd.Sub(signal),
	}, nil
}

// BollingerBands holds the band around the SMA at two standard deviations.
type BollingerBands struct {
	Upper  decimal.Decimal `json:"upper"`
	Middle decimal.Decimal `json:"middle"`
	Lower  decimal.Decimal `json:"lower"`
}

func Bollinger(values []decimal.Decimal, period int) (*BollingerBands, error) {
	sma, err := SMA(values, period)
	if err != nil {
		return nil, err
	}

	var variance float64
	smaFloat, _ := sma.Float64()
	for _, v := range values[len(values)-period:] {
		f, _ := v.Float64()
		diff := f - smaFloat
		variance += diff * diff
	}
	stdDev := decimal.NewFromFloat(math.Sqrt(variance / float64(period)))

	return &BollingerBands{
		Upper:  sma.Add(stdDev.Mul(two)),
		Middle: sma,
		Lower:  sma.Sub(stdDev.Mul(two)),
	}, nil
}
