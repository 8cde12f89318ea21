package quotes

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"livestock_backend/models"
)

// Chart is the chart view for one symbol and range.
type Chart struct {
	Symbol   string              `json:"symbol"`
	Range    string              `json:"range"`
	Interval string              `json:"interval"`
	Currency *string             `json:"currency"`
	Points   []models.ChartPoint `json:"points"`
}

var chartRanges = map[string]string{
	"1d":  "5m",
	"5d":  "15m",
	"1mo": "1d",
	"3mo": "1d",
	"6mo": "1d",
	"1y":  "1d",
	"5y":  "1d",
	"max": "1d",
}

const DefaultChartRange = "1mo"

// ChartInterval maps a range to its bar interval. Unknown ranges fall back
// to the default range.
func ChartInterval(rng string) (string, string) {
	if interval, ok := chartRanges[rng]; ok {
		return rng, interval
	}
	return DefaultChartRange, chartRanges[DefaultChartRange]
}

func (c *YahooClient) FetchChart(ctx context.Context, symbol, rng string) (*Chart, error) {
	rng, interval := ChartInterval(rng)
	chart := &Chart{Symbol: symbol, Range: rng, Interval: interval, Points: []models.ChartPoint{}}

	q := url.Values{"range": {rng}, "interval": {interval}}
	body, err := c.get(ctx, "chart", symbol, "/v8/finance/chart/"+url.PathEscape(symbol), q)
	if errors.Is(err, errNotFound) {
		return chart, nil
	}
	if err != nil {
		return nil, err
	}

	result := gjson.GetBytes(body, "chart.result.0")
	chart.Currency = strPtr(result.Get("meta.currency"))
	quote := result.Get("indicators.quote.0")
	opens, highs, lows := quote.Get("open").Array(), quote.Get("high").Array(), quote.Get("low").Array()
	closes, volumes := quote.Get("close").Array(), quote.Get("volume").Array()
	for i, ts := range result.Get("timestamp").Array() {
		last := floatPtr(at(closes, i))
		if last == nil {
			continue
		}
		chart.Points = append(chart.Points, models.ChartPoint{
			Time:   time.Unix(ts.Int(), 0).UTC(),
			Open:   floatPtr(at(opens, i)),
			High:   floatPtr(at(highs, i)),
			Low:    floatPtr(at(lows, i)),
			Close:  last,
			Volume: intPtr(at(volumes, i)),
		})
	}
	return chart, nil
}

func (c *YahooClient) quoteSummary(ctx context.Context, op, symbol, modules string) (gjson.Result, error) {
	body, err := c.get(ctx, op, symbol, "/v10/finance/quoteSummary/"+url.PathEscape(symbol), url.Values{"modules": {modules}})
	if errors.Is(err, errNotFound) {
		return gjson.Result{}, nil
	}
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.GetBytes(body, "quoteSummary.result.0"), nil
}

// FetchFundamentals returns profile, financial data and key statistics.
func (c *YahooClient) FetchFundamentals(ctx context.Context, symbol string) (map[string]interface{}, error) {
	res, err := c.quoteSummary(ctx, "fundamentals", symbol, "assetProfile,financialData,defaultKeyStatistics,summaryDetail,price")
	if err != nil {
		return nil, err
	}
	return asMap(res), nil
}

func (c *YahooClient) FetchInsider(ctx context.Context, symbol string) ([]interface{}, error) {
	res, err := c.quoteSummary(ctx, "insider", symbol, "insiderTransactions")
	if err != nil {
		return nil, err
	}
	return asSlice(res.Get("insiderTransactions.transactions")), nil
}

func (c *YahooClient) FetchRecommendations(ctx context.Context, symbol string) ([]interface{}, error) {
	res, err := c.quoteSummary(ctx, "recommendations", symbol, "recommendationTrend")
	if err != nil {
		return nil, err
	}
	return asSlice(res.Get("recommendationTrend.trend")), nil
}

// FetchOptions returns the nearest-expiry options chain.
func (c *YahooClient) FetchOptions(ctx context.Context, symbol string) (map[string]interface{}, error) {
	body, err := c.get(ctx, "options", symbol, "/v7/finance/options/"+url.PathEscape(symbol), nil)
	if errors.Is(err, errNotFound) {
		return map[string]interface{}{}, nil
	}
	if err != nil {
		return nil, err
	}
	return asMap(gjson.GetBytes(body, "optionChain.result.0")), nil
}

func asMap(v gjson.Result) map[string]interface{} {
	if m, ok := v.Value().(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func asSlice(v gjson.Result) []interface{} {
	if s, ok := v.Value().([]interface{}); ok {
		return s
	}
	return []interface{}{}
}
