// Package quotes is the market-data provider adapter. Provider payloads are
// normalized into models.Quote and models.Bar at this boundary.
package quotes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"livestock_backend/models"
)

const (
	DefaultBaseURL = "https://query1.finance.yahoo.com"
	DefaultTimeout = 15 * time.Second
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// QuoteFetcher returns the current quote for one provider symbol.
type QuoteFetcher interface {
	FetchQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// BarFetcher returns daily or intraday bars in [start, end].
type BarFetcher interface {
	FetchBars(ctx context.Context, symbol string, start, end time.Time, interval string) ([]models.Bar, error)
}

// InsightsFetcher backs the on-demand detail views.
type InsightsFetcher interface {
	FetchChart(ctx context.Context, symbol, rng string) (*Chart, error)
	FetchFundamentals(ctx context.Context, symbol string) (map[string]interface{}, error)
	FetchOptions(ctx context.Context, symbol string) (map[string]interface{}, error)
	FetchInsider(ctx context.Context, symbol string) ([]interface{}, error)
	FetchRecommendations(ctx context.Context, symbol string) ([]interface{}, error)
}

// Observer is told about every provider call.
type Observer func(op string, err error)

// YahooClient talks to the Yahoo Finance HTTP API.
type YahooClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        logrus.FieldLogger
	observe    Observer
}

type Option func(*YahooClient)

func WithBaseURL(u string) Option {
	return func(c *YahooClient) { c.baseURL = u }
}

func WithTimeout(d time.Duration) Option {
	return func(c *YahooClient) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithRateLimit caps outbound requests per second. perSec <= 0 disables it.
func WithRateLimit(perSec float64) Option {
	return func(c *YahooClient) {
		if perSec <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSec)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func WithObserver(o Observer) Option {
	return func(c *YahooClient) { c.observe = o }
}

func NewYahooClient(log logrus.FieldLogger, opts ...Option) *YahooClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	c := &YahooClient{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Inf, 0),
		log:        log.WithField("component", "yahoo"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var errNotFound = errors.New("not found")

// get performs one rate-limited GET and returns the body. A provider
// "Not Found" answer is reported as errNotFound.
func (c *YahooClient) get(ctx context.Context, op, symbol, path string, query url.Values) (body []byte, err error) {
	defer func() {
		if c.observe != nil {
			if errors.Is(err, errNotFound) {
				c.observe(op, nil)
			} else {
				c.observe(op, err)
			}
		}
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &FetchError{Symbol: symbol, Op: op, Err: err}
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Symbol: symbol, Op: op, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Symbol: symbol, Op: op, Err: fmt.Errorf("request failed: %w", err)}
	}
	defer resp.Body.Close()

	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Symbol: symbol, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusNotFound && providerErrorCode(body) == "Not Found" {
			return nil, errNotFound
		}
		return nil, &FetchError{Symbol: symbol, Op: op, Status: resp.StatusCode, Err: fmt.Errorf("%s", providerMessage(body))}
	}
	return body, nil
}

func providerErrorCode(body []byte) string {
	for _, p := range []string{"chart.error.code", "quoteSummary.error.code", "optionChain.error.code", "finance.error.code"} {
		if v := gjson.GetBytes(body, p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func providerMessage(body []byte) string {
	for _, p := range []string{"chart.error.description", "quoteSummary.error.description", "optionChain.error.description", "finance.error.description"} {
		if v := gjson.GetBytes(body, p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	msg := string(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

// FetchQuote returns the latest quote built from the 5-day daily chart. The
// last bar's high/low win over the meta day range. An unknown or delisted
// symbol yields a quote with only Symbol set.
func (c *YahooClient) FetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	q := url.Values{"range": {"5d"}, "interval": {"1d"}}
	body, err := c.get(ctx, "quote", symbol, "/v8/finance/chart/"+url.PathEscape(symbol), q)
	if errors.Is(err, errNotFound) {
		return models.Quote{Symbol: symbol}, nil
	}
	if err != nil {
		return models.Quote{}, err
	}
	result := gjson.GetBytes(body, "chart.result.0")
	if !result.Exists() {
		return models.Quote{Symbol: symbol}, nil
	}
	return parseQuote(symbol, result), nil
}

func parseQuote(symbol string, result gjson.Result) models.Quote {
	meta := result.Get("meta")
	bars := parseBars(result)

	quote := models.Quote{
		Symbol:           symbol,
		Currency:         strPtr(meta.Get("currency")),
		CurrentPrice:     floatPtr(meta.Get("regularMarketPrice")),
		DayHigh:          floatPtr(meta.Get("regularMarketDayHigh")),
		DayLow:           floatPtr(meta.Get("regularMarketDayLow")),
		Volume:           intPtr(meta.Get("regularMarketVolume")),
		FiftyTwoWeekHigh: floatPtr(meta.Get("fiftyTwoWeekHigh")),
		FiftyTwoWeekLow:  floatPtr(meta.Get("fiftyTwoWeekLow")),
	}
	if s := meta.Get("symbol").String(); s != "" {
		quote.Symbol = s
	}
	for _, key := range []string{"longName", "shortName"} {
		if name := meta.Get(key).String(); name != "" {
			quote.Name = &name
			break
		}
	}

	quote.PreviousClose = floatPtr(meta.Get("previousClose"))
	if n := len(bars); n > 0 {
		last := bars[n-1]
		quote.Open = last.Open
		if last.High != nil {
			quote.DayHigh = last.High
		}
		if last.Low != nil {
			quote.DayLow = last.Low
		}
		if quote.PreviousClose == nil {
			marketDay := ""
			if ts := meta.Get("regularMarketTime"); ts.Exists() {
				marketDay = time.Unix(ts.Int(), 0).UTC().Format("2006-01-02")
			}
			if last.Date == marketDay && n >= 2 {
				quote.PreviousClose = bars[n-2].Close
			} else if last.Date != marketDay {
				quote.PreviousClose = last.Close
			}
		}
	}
	if quote.PreviousClose == nil {
		quote.PreviousClose = floatPtr(meta.Get("chartPreviousClose"))
	}

	if quote.CurrentPrice != nil && quote.PreviousClose != nil && *quote.PreviousClose != 0 {
		change := *quote.CurrentPrice - *quote.PreviousClose
		pct := change / *quote.PreviousClose * 100
		quote.Change = &change
		quote.ChangePercent = &pct
	}
	return quote
}

// FetchBars returns bars between start and end ordered by date with one bar
// per date. A symbol without data yields an empty slice.
func (c *YahooClient) FetchBars(ctx context.Context, symbol string, start, end time.Time, interval string) ([]models.Bar, error) {
	if interval == "" {
		interval = "1d"
	}
	q := url.Values{
		"period1":  {strconv.FormatInt(start.Unix(), 10)},
		"period2":  {strconv.FormatInt(end.Unix(), 10)},
		"interval": {interval},
	}
	body, err := c.get(ctx, "bars", symbol, "/v8/finance/chart/"+url.PathEscape(symbol), q)
	if errors.Is(err, errNotFound) {
		return []models.Bar{}, nil
	}
	if err != nil {
		return nil, err
	}
	return parseBars(gjson.GetBytes(body, "chart.result.0")), nil
}

func parseBars(result gjson.Result) []models.Bar {
	stamps := result.Get("timestamp").Array()
	q := result.Get("indicators.quote.0")
	opens, highs, lows := q.Get("open").Array(), q.Get("high").Array(), q.Get("low").Array()
	closes, volumes := q.Get("close").Array(), q.Get("volume").Array()

	byDate := make(map[string]models.Bar, len(stamps))
	for i, ts := range stamps {
		date := time.Unix(ts.Int(), 0).UTC().Format("2006-01-02")
		byDate[date] = models.Bar{
			Date:   date,
			Open:   floatPtr(at(opens, i)),
			High:   floatPtr(at(highs, i)),
			Low:    floatPtr(at(lows, i)),
			Close:  floatPtr(at(closes, i)),
			Volume: intPtr(at(volumes, i)),
		}
	}

	bars := make([]models.Bar, 0, len(byDate))
	for _, b := range byDate {
		bars = append(bars, b)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Date < bars[j].Date })
	return bars
}

func at(values []gjson.Result, i int) gjson.Result {
	if i < len(values) {
		return values[i]
	}
	return gjson.Result{}
}

func floatPtr(v gjson.Result) *float64 {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	f := v.Float()
	return &f
}

func intPtr(v gjson.Result) *int64 {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	n := v.Int()
	return &n
}

func strPtr(v gjson.Result) *string {
	if !v.Exists() || v.Type == gjson.Null || v.String() == "" {
		return nil
	}
	s := v.String()
	return &s
}
