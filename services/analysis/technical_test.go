package analysis

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestock_backend/models"
)

func series(vals ...float64) []decimal.Decimal {
	out := make([]decimal.Decimal, len(vals))
	for i, v := range vals {
		out[i] = decimal.NewFromFloat(v)
	}
	return out
}

func linear(n int) []decimal.Decimal {
	out := make([]decimal.Decimal, n)
	for i := range out {
		out[i] = decimal.NewFromInt(int64(i + 1))
	}
	return out
}

func TestSMA(t *testing.T) {
	v, err := SMA(series(1, 2, 3, 4, 5), 3)
	require.NoError(t, err)
	assert.Equal(t, "4", v.String())

	_, err = SMA(series(1, 2), 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestEMASeriesSeedsWithSMA(t *testing.T) {
	s := EMASeries(linear(10), 3)
	require.Len(t, s, 8)
	assert.Equal(t, "2", s[0].String())
	assert.Equal(t, "9.00", s[len(s)-1].StringFixed(2))

	assert.Nil(t, EMASeries(linear(2), 3))
	_, err := EMA(linear(2), 3)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestRSI(t *testing.T) {
	v, err := RSI(linear(20), 14)
	require.NoError(t, err)
	assert.Equal(t, "100", v.String())

	v, err = RSI(series(1, 2, 1, 2, 1), 4)
	require.NoError(t, err)
	assert.Equal(t, "50.00", v.StringFixed(2))

	_, err = RSI(linear(14), 14)
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestMACDSignalIsEMAOfLine(t *testing.T) {
	// A straight line gives a constant MACD of 7, so its EMA9 is also 7.
	m, err := MACD(linear(60))
	require.NoError(t, err)
	assert.Equal(t, "7.00", m.MACD.StringFixed(2))
	assert.Equal(t, "7.00", m.Signal.StringFixed(2))
	assert.Equal(t, "0.00", m.Histogram.StringFixed(2))

	flat := make([]decimal.Decimal, 40)
	for i := range flat {
		flat[i] = decimal.NewFromInt(50)
	}
	m, err = MACD(flat)
	require.NoError(t, err)
	assert.True(t, m.MACD.IsZero())
	assert.True(t, m.Signal.IsZero())

	_, err = MACD(linear(33))
	assert.ErrorIs(t, err, ErrInsufficientData)
}

func TestBollingerFlatSeriesCollapses(t *testing.T) {
	b, err := Bollinger(series(10, 10, 10, 10), 4)
	require.NoError(t, err)
	assert.True(t, b.Upper.Equal(b.Lower))
	assert.Equal(t, "10", b.Middle.String())
}

func TestCalculateOmitsIndicatorsWithoutHistory(t *testing.T) {
	bars := make([]models.HistoricalBar, 0, 30)
	for i := 0; i < 30; i++ {
		c := float64(100 + i)
		date := fmt.Sprintf("2024-04-%02d", i+1)
		bars = append(bars, models.HistoricalBar{Symbol: "AAA.NS", Bar: models.Bar{Date: date, Close: &c}})
	}
	bars = append(bars, models.HistoricalBar{Symbol: "AAA.NS", Bar: models.Bar{Date: "2024-05-01"}})

	ind := Calculate("AAA.NS", bars)
	assert.Equal(t, "2024-05-01", ind.AsOf)
	assert.Equal(t, 30, ind.Bars)
	require.NotNil(t, ind.Close)
	assert.Equal(t, "129", ind.Close.String())
	assert.Contains(t, ind.SMA, "10")
	assert.Contains(t, ind.SMA, "20")
	assert.NotContains(t, ind.SMA, "50")
	assert.Contains(t, ind.EMA, "26")
	require.NotNil(t, ind.RSI)
	assert.Equal(t, "100", ind.RSI.String())
	assert.Nil(t, ind.MACD)
	assert.NotNil(t, ind.Bollinger)

	empty := Calculate("NONE.NS", nil)
	assert.Nil(t, empty.Close)
	assert.Empty(t, empty.SMA)
}
