package controllers

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"livestock_backend/middleware"
	"livestock_backend/models"
	"livestock_backend/services/analysis"
	"livestock_backend/services/events"
	"livestock_backend/services/ohlcv"
	"livestock_backend/services/quotes"
	"livestock_backend/services/snapshot"
	"livestock_backend/services/universe"
)

const (
	insightsTimeout   = 20 * time.Second
	ingestRunTimeout  = 6 * time.Hour
	progressBufSize   = 64
	IngestCompleteMsg = "ingestComplete"
)

// LiveState is the live-refresh view the API reads.
type LiveState interface {
	Progress() models.UpdateProgress
	TopMovers() models.TopMovers
}

// HistoryReader serves stored bars and ingest metadata.
type HistoryReader interface {
	Bars(ctx context.Context, symbol, from, to string) ([]models.HistoricalBar, error)
	Meta(ctx context.Context) (models.IngestMeta, error)
}

// IngestRunner triggers the daily ingest on demand.
type IngestRunner interface {
	Run(ctx context.Context, reason string) (ohlcv.RunResult, error)
	NextRun() time.Time
}

// Notifier delivers a message to every connection of one user.
type Notifier interface {
	SendToUser(userID, msgType string, data interface{})
}

// ProgressFeed streams bus events to long-lived HTTP clients.
type ProgressFeed interface {
	Subscribe(bufSize int) (int, <-chan events.Event)
	Unsubscribe(id int)
}

type PauseSource interface {
	PauseState() models.PauseState
}

type LiveStockDeps struct {
	Universe universe.Source
	Snapshot *snapshot.Store
	Recent   *snapshot.Recent
	Live     LiveState
	History  HistoryReader
	Ingest   IngestRunner
	Insights quotes.InsightsFetcher
	Pause    PauseSource
	Feed     ProgressFeed
	Notifier Notifier
	Log      logrus.FieldLogger
}

// LiveStockController serves the live snapshot, history and analytics views.
type LiveStockController struct {
	deps LiveStockDeps
	log  logrus.FieldLogger
}

func NewLiveStockController(deps LiveStockDeps) *LiveStockController {
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	return &LiveStockController{deps: deps, log: deps.Log.WithField("component", "live_stock_api")}
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"data":      data,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func respondError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// resolve maps a display or provider symbol to its snapshot entry.
func (lc *LiveStockController) resolve(c *gin.Context) (models.SnapshotEntry, bool) {
	entry, found, err := lc.deps.Snapshot.Find(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		lc.log.WithError(err).Error("Failed to load instrument universe")
		respondError(c, http.StatusInternalServerError, "Failed to load symbols")
		return entry, false
	}
	if !found {
		respondError(c, http.StatusNotFound, "Symbol not found")
		return entry, false
	}
	return entry, true
}

// providerSymbol resolves known instruments and passes through any other
// well-formed provider symbol.
func (lc *LiveStockController) providerSymbol(c *gin.Context) (string, bool) {
	raw := c.Param("symbol")
	entry, found, err := lc.deps.Snapshot.Find(c.Request.Context(), raw)
	if err == nil && found {
		return entry.YahooSymbol, true
	}
	if !universe.ValidSymbol(raw) {
		respondError(c, http.StatusBadRequest, "Invalid stock symbol")
		return "", false
	}
	return strings.ToUpper(raw), true
}

// GetSymbols returns the instrument universe
// GET /api/live-stock/symbols
func (lc *LiveStockController) GetSymbols(c *gin.Context) {
	list, err := lc.deps.Universe.Instruments(c.Request.Context())
	if err != nil {
		lc.log.WithError(err).Error("Failed to load instrument universe")
		respondError(c, http.StatusInternalServerError, "Failed to load symbols")
		return
	}
	respondOK(c, list)
}

// GetCachedData returns the full snapshot, one row per instrument
// GET /api/live-stock/cached-data
func (lc *LiveStockController) GetCachedData(c *gin.Context) {
	entries, err := lc.deps.Snapshot.Snapshot(c.Request.Context())
	if err != nil {
		lc.log.WithError(err).Error("Failed to build snapshot")
		respondError(c, http.StatusInternalServerError, "Failed to load data")
		return
	}
	respondOK(c, entries)
}

// GetLiveData returns the snapshot with the refresh progress.
// GET /api/live-stock/live-data
func (lc *LiveStockController) GetLiveData(c *gin.Context) {
	entries, err := lc.deps.Snapshot.Snapshot(c.Request.Context())
	if err != nil {
		lc.log.WithError(err).Error("Failed to build snapshot")
		respondError(c, http.StatusInternalServerError, "Failed to load data")
		return
	}
	respondOK(c, gin.H{
		"stocks":   entries,
		"count":    len(entries),
		"progress": lc.deps.Live.Progress(),
		"pause":    lc.deps.Pause.PauseState(),
	})
}

// GetLiveSymbol returns one snapshot row.
// GET /api/live-stock/live-data/:symbol
func (lc *LiveStockController) GetLiveSymbol(c *gin.Context) {
	entry, found := lc.resolve(c)
	if !found {
		return
	}
	respondOK(c, entry)
}

// GetUpdateProgress
// GET /api/live-stock/update-progress
func (lc *LiveStockController) GetUpdateProgress(c *gin.Context) {
	respondOK(c, lc.deps.Live.Progress())
}

// StreamUpdateProgress pushes progress as server-sent events until the
// client goes away. The current value is sent first.
// GET /api/live-stock/update-progress/stream
func (lc *LiveStockController) StreamUpdateProgress(c *gin.Context) {
	id, ch := lc.deps.Feed.Subscribe(progressBufSize)
	defer lc.deps.Feed.Unsubscribe(id)

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(string(events.KindProgress), lc.deps.Live.Progress())
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case ev, open := <-ch:
			if !open {
				return false
			}
			if ev.Kind == events.KindProgress {
				c.SSEvent(string(ev.Kind), ev.Data)
			}
			return true
		}
	})
}

// GetRecentUpdates returns the latest update per recently refreshed symbol.
// GET /api/live-stock/recent-updates
func (lc *LiveStockController) GetRecentUpdates(c *gin.Context) {
	respondOK(c, lc.deps.Recent.All())
}

// GetPauseState
// GET /api/live-stock/pause-state
func (lc *LiveStockController) GetPauseState(c *gin.Context) {
	respondOK(c, lc.deps.Pause.PauseState())
}

// GetTopMovers returns the ranking from the last completed refresh.
// GET /api/live-stock/top-movers
func (lc *LiveStockController) GetTopMovers(c *gin.Context) {
	respondOK(c, lc.deps.Live.TopMovers())
}

// GetChart returns provider bars for a range
// GET /api/live-stock/chart/:symbol?range=1mo
func (lc *LiveStockController) GetChart(c *gin.Context) {
	symbol, valid := lc.providerSymbol(c)
	if !valid {
		return
	}
	chart, err := lc.deps.Insights.FetchChart(c.Request.Context(), symbol, c.DefaultQuery("range", quotes.DefaultChartRange))
	if err != nil {
		lc.log.WithError(err).WithField("symbol", symbol).Warn("Chart fetch failed")
		respondError(c, http.StatusBadGateway, "Failed to fetch chart data")
		return
	}
	respondOK(c, chart)
}

// GetInsights gathers chart, fundamentals, options, insider and analyst
// data concurrently. Each part is best effort and is null when its fetch
// fails.
// GET /api/live-stock/insights/:symbol?range=1mo
func (lc *LiveStockController) GetInsights(c *gin.Context) {
	symbol, valid := lc.providerSymbol(c)
	if !valid {
		return
	}
	rng := c.DefaultQuery("range", quotes.DefaultChartRange)

	ctx, cancel := context.WithTimeout(c.Request.Context(), insightsTimeout)
	defer cancel()

	var (
		chart           *quotes.Chart
		fundamentals    map[string]interface{}
		options         map[string]interface{}
		insider         []interface{}
		recommendations []interface{}
	)
	warn := func(part string, err error) {
		lc.log.WithError(err).WithFields(logrus.Fields{"symbol": symbol, "part": part}).Warn("Insight fetch failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := lc.deps.Insights.FetchChart(gctx, symbol, rng)
		if err != nil {
			warn("chart", err)
			return nil
		}
		chart = v
		return nil
	})
	g.Go(func() error {
		v, err := lc.deps.Insights.FetchFundamentals(gctx, symbol)
		if err != nil {
			warn("fundamentals", err)
			return nil
		}
		fundamentals = v
		return nil
	})
	g.Go(func() error {
		v, err := lc.deps.Insights.FetchOptions(gctx, symbol)
		if err != nil {
			warn("options", err)
			return nil
		}
		options = v
		return nil
	})
	g.Go(func() error {
		v, err := lc.deps.Insights.FetchInsider(gctx, symbol)
		if err != nil {
			warn("insider", err)
			return nil
		}
		insider = v
		return nil
	})
	g.Go(func() error {
		v, err := lc.deps.Insights.FetchRecommendations(gctx, symbol)
		if err != nil {
			warn("recommendations", err)
			return nil
		}
		recommendations = v
		return nil
	})
	_ = g.Wait()

	respondOK(c, gin.H{
		"symbol":          symbol,
		"chart":           chart,
		"fundamentals":    fundamentals,
		"options":         options,
		"insider":         insider,
		"recommendations": recommendations,
	})
}

// GetHistory returns stored daily bars, oldest first
// GET /api/live-stock/history/:symbol?from=2024-01-01&to=2024-12-31
func (lc *LiveStockController) GetHistory(c *gin.Context) {
	entry, found := lc.resolve(c)
	if !found {
		return
	}
	from, to := c.Query("from"), c.Query("to")
	for _, d := range []string{from, to} {
		if d == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", d); err != nil {
			respondError(c, http.StatusBadRequest, "Dates must be YYYY-MM-DD")
			return
		}
	}

	bars, err := lc.deps.History.Bars(c.Request.Context(), entry.YahooSymbol, from, to)
	if err != nil {
		lc.log.WithError(err).WithField("symbol", entry.YahooSymbol).Error("Failed to read history")
		respondError(c, http.StatusInternalServerError, "Failed to load history")
		return
	}
	respondOK(c, gin.H{"symbol": entry.Symbol, "yahooSymbol": entry.YahooSymbol, "bars": bars})
}

// GetIndicators computes technical indicators from stored bars
// GET /api/live-stock/indicators/:symbol
func (lc *LiveStockController) GetIndicators(c *gin.Context) {
	entry, found := lc.resolve(c)
	if !found {
		return
	}
	bars, err := lc.deps.History.Bars(c.Request.Context(), entry.YahooSymbol, "", "")
	if err != nil {
		lc.log.WithError(err).WithField("symbol", entry.YahooSymbol).Error("Failed to read history")
		respondError(c, http.StatusInternalServerError, "Failed to load history")
		return
	}
	respondOK(c, analysis.Calculate(entry.YahooSymbol, bars))
}

// GetIngestStatus returns the daily ingest metadata and next run.
// GET /api/live-stock/ingest/status
func (lc *LiveStockController) GetIngestStatus(c *gin.Context) {
	meta, err := lc.deps.History.Meta(c.Request.Context())
	if err != nil {
		lc.log.WithError(err).Error("Failed to read ingest metadata")
		respondError(c, http.StatusInternalServerError, "Failed to load ingest status")
		return
	}
	var next *time.Time
	if t := lc.deps.Ingest.NextRun(); !t.IsZero() {
		next = &t
	}
	respondOK(c, gin.H{"meta": meta, "nextRun": next})
}

// RunIngest starts a manual ingest in the background. The caller is told
// over their push connections when it finishes.
// POST /api/live-stock/ingest/run
func (lc *LiveStockController) RunIngest(c *gin.Context) {
	userID, _ := middleware.GetUserIDFromContext(c)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), ingestRunTimeout)
		defer cancel()

		res, err := lc.deps.Ingest.Run(ctx, ohlcv.ReasonManual)
		payload := gin.H{"result": res}
		if err != nil {
			lc.log.WithError(err).WithField("user_id", userID).Warn("Manual ingest failed")
			payload["error"] = err.Error()
		}
		if lc.deps.Notifier != nil {
			lc.deps.Notifier.SendToUser(userID, IngestCompleteMsg, payload)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"success":   true,
		"message":   "Ingest started",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
