// Package ohlcv records one daily OHLCV bar set per instrument, once a day
// at a fixed local time, with incremental watermark-based backfill.
package ohlcv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"livestock_backend/models"
	"livestock_backend/services/batch"
	"livestock_backend/services/clock"
	"livestock_backend/services/events"
	"livestock_backend/services/metrics"
	"livestock_backend/services/quotes"
	"livestock_backend/services/universe"
)

// Run reasons.
const (
	ReasonScheduled      = "scheduled"
	ReasonStartupCatchup = "startup_catchup_missed"
	ReasonManual         = "manual"
)

// PauseReason tags the pause state while an ingest runs.
const PauseReason = "ohlcv_daily_ingest"

const (
	maxStatusErrorLength = 200
	barInterval          = "1d"
)

var ErrUniverseEmpty = errors.New("instrument universe is empty")

// HistoryStore persists bars, per-symbol watermarks and ingest metadata.
type HistoryStore interface {
	// Watermark returns the last recorded date for symbol. When none is
	// stored it is derived from the latest stored bar and persisted.
	Watermark(ctx context.Context, symbol string) (string, bool, error)
	UpsertBars(ctx context.Context, symbol string, bars []models.Bar) (int, error)
	// SetSymbolStatus records the fetch status; a non-empty lastDate also
	// moves the watermark.
	SetSymbolStatus(ctx context.Context, inst models.Instrument, status, lastDate string) error
	Meta(ctx context.Context) (models.IngestMeta, error)
	SaveAttempt(ctx context.Context, at time.Time, reason string) error
	SaveSuccess(ctx context.Context, ymd string, at time.Time, succeeded, failed int) error
}

type Config struct {
	Hour         int
	Minute       int
	Location     *time.Location
	LookbackDays int
	SeedDays     int
	BatchSize    int
	Concurrency  int
	BatchDelay   time.Duration
	SymbolLimit  int
}

func DefaultConfig() Config {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.FixedZone("IST", 5*3600+1800)
	}
	return Config{
		Hour:         22,
		Minute:       0,
		Location:     ist,
		LookbackDays: 30,
		SeedDays:     30,
		BatchSize:    100,
		Concurrency:  100,
		BatchDelay:   20 * time.Second,
	}
}

type Deps struct {
	Universe universe.Source
	Fetcher  quotes.BarFetcher
	Store    HistoryStore
	Pauser   events.Pauser
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// RunResult summarizes one ingest run.
type RunResult struct {
	Reason    string        `json:"reason"`
	Date      string        `json:"date"`
	Total     int           `json:"total"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Upserted  int           `json:"upserted"`
	Duration  time.Duration `json:"duration"`
}

type symbolOutcome struct {
	Status   string
	Upserted int
}

// Recorder runs the daily ingest. Concurrent Run calls join the in-flight run.
type Recorder struct {
	cfg      Config
	universe universe.Source
	fetcher  quotes.BarFetcher
	store    HistoryStore
	pauser   events.Pauser
	clock    clock.Clock
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	flight singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	timer   clock.Timer
	nextRun time.Time
	stopped bool
}

func New(cfg Config, deps Deps) *Recorder {
	def := DefaultConfig()
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.LookbackDays < 0 {
		cfg.LookbackDays = def.LookbackDays
	}
	if cfg.SeedDays <= 0 {
		cfg.SeedDays = def.SeedDays
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Recorder{
		cfg:      cfg,
		universe: deps.Universe,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		pauser:   deps.Pauser,
		clock:    deps.Clock,
		log:      deps.Log.WithField("component", "ohlcv_recorder"),
		metrics:  deps.Metrics,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start replays a missed run for today if needed and arms the daily timer.
func (r *Recorder) Start() {
	now := r.clock.Now()
	today := DateInZone(now, r.cfg.Location)

	meta, err := r.store.Meta(r.ctx)
	if err != nil {
		r.log.WithError(err).Warn("Failed to read ingest metadata")
	}
	runAt := TodayRunInstant(now, r.cfg.Hour, r.cfg.Minute, r.cfg.Location)
	if (meta.LastSuccessYmd == "" || meta.LastSuccessYmd < today) && !now.Before(runAt) {
		r.log.WithFields(logrus.Fields{
			"lastSuccess": meta.LastSuccessYmd,
			"today":       today,
		}).Info("Missed daily ingest, running catch-up")
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if _, err := r.Run(r.ctx, ReasonStartupCatchup); err != nil {
				r.log.WithError(err).Error("Catch-up ingest failed")
			}
		}()
	}

	r.schedule()
}

// schedule arms the next run, computed from the current instant.
func (r *Recorder) schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}

	now := r.clock.Now()
	next := NextRunInstant(now, r.cfg.Hour, r.cfg.Minute, r.cfg.Location)
	r.nextRun = next
	delay := next.Sub(now)
	r.log.WithFields(logrus.Fields{
		"nextRun": next.UTC().Format(time.RFC3339),
		"delay":   delay.Round(time.Second).String(),
		"tz":      r.cfg.Location.String(),
	}).Info("Next daily ingest scheduled")

	r.timer = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.stopped {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()
		defer r.wg.Done()
		if _, err := r.Run(r.ctx, ReasonScheduled); err != nil {
			r.log.WithError(err).Error("Scheduled ingest failed")
		}
		r.schedule()
	})
}

// NextRun is the instant the daily timer is armed for.
func (r *Recorder) NextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextRun
}

// Stop disarms the timer and cancels any running ingest.
func (r *Recorder) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until background runs started by Start or the timer return.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

// Run performs one ingest. Live pushes are paused for its duration and are
// always resumed, whatever happens during the run.
func (r *Recorder) Run(ctx context.Context, reason string) (RunResult, error) {
	v, err, _ := r.flight.Do("ingest", func() (interface{}, error) {
		return r.run(ctx, reason)
	})
	res, _ := v.(RunResult)
	return res, err
}

func (r *Recorder) run(ctx context.Context, reason string) (res RunResult, err error) {
	start := r.clock.Now()
	res.Reason = reason
	res.Date = DateInZone(start, r.cfg.Location)
	log := r.log.WithField("reason", reason)
	log.Info("Daily ingest started")

	if err := r.store.SaveAttempt(ctx, start, reason); err != nil {
		log.WithError(err).Warn("Failed to record ingest attempt")
	}

	if r.pauser != nil {
		r.pauser.SetPaused(true, PauseReason)
	}
	r.metrics.SetPaused(true)

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("ingest panic: %v", rec)
		}
		if r.pauser != nil {
			r.pauser.SetPaused(false, "")
		}
		r.metrics.SetPaused(false)

		res.Duration = r.clock.Now().Sub(start)
		r.metrics.IngestRun(reason, err, res.Duration)
		entry := log.WithFields(logrus.Fields{
			"total":     res.Total,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"upserted":  res.Upserted,
		})
		if err != nil {
			entry.WithError(err).Error("Daily ingest aborted")
			return
		}
		entry.Info("Daily ingest finished")
	}()

	list, err := r.universe.Instruments(ctx)
	if err != nil {
		return res, fmt.Errorf("load universe: %w", err)
	}
	list = universe.Limit(list, r.cfg.SymbolLimit)
	if len(list) == 0 {
		return res, ErrUniverseEmpty
	}
	res.Total = len(list)

	batches := batch.Chunk(list, r.cfg.BatchSize)
	for bi, items := range batches {
		outcomes := batch.Run(ctx, items, r.cfg.Concurrency, func(ctx context.Context, inst models.Instrument, _ int) (symbolOutcome, error) {
			return r.ingestSymbol(ctx, inst, start)
		})
		for _, o := range outcomes {
			if o.Err != nil {
				res.Failed++
				continue
			}
			res.Succeeded++
			res.Upserted += o.Value.Upserted
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}
		if bi < len(batches)-1 {
			if err := r.clock.Sleep(ctx, r.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
	}

	if err := r.store.SaveSuccess(ctx, res.Date, r.clock.Now(), res.Succeeded, res.Failed); err != nil {
		return res, fmt.Errorf("save ingest metadata: %w", err)
	}
	return res, nil
}

// ingestSymbol fetches [watermark - lookback, now] (or the seed window for a
// first backfill) and upserts the bars. An empty response is not a failure.
func (r *Recorder) ingestSymbol(ctx context.Context, inst models.Instrument, now time.Time) (symbolOutcome, error) {
	key := inst.Key()
	log := r.log.WithField("symbol", key)

	watermark, ok, err := r.store.Watermark(ctx, key)
	if err != nil {
		return r.fail(ctx, inst, fmt.Errorf("read watermark: %w", err))
	}

	from := r.windowStart(watermark, ok, now)
	bars, err := r.fetcher.FetchBars(ctx, key, from, now, barInterval)
	if err != nil {
		return r.fail(ctx, inst, err)
	}

	if len(bars) == 0 {
		if err := r.store.SetSymbolStatus(ctx, inst, models.IngestStatusNoData, ""); err != nil {
			log.WithError(err).Warn("Failed to record symbol status")
		}
		r.metrics.IngestSymbol(models.IngestStatusNoData)
		return symbolOutcome{Status: models.IngestStatusNoData}, nil
	}

	n, err := r.store.UpsertBars(ctx, key, bars)
	if err != nil {
		return r.fail(ctx, inst, fmt.Errorf("upsert bars: %w", err))
	}

	latest := bars[0].Date
	for _, b := range bars[1:] {
		if b.Date > latest {
			latest = b.Date
		}
	}
	if ok && watermark > latest {
		latest = watermark
	}
	if err := r.store.SetSymbolStatus(ctx, inst, models.IngestStatusOK, latest); err != nil {
		return r.fail(ctx, inst, fmt.Errorf("advance watermark: %w", err))
	}
	r.metrics.IngestSymbol(models.IngestStatusOK)
	return symbolOutcome{Status: models.IngestStatusOK, Upserted: n}, nil
}

func (r *Recorder) windowStart(watermark string, ok bool, now time.Time) time.Time {
	if ok {
		if d, err := time.Parse(ymdLayout, watermark); err == nil {
			return d.AddDate(0, 0, -r.cfg.LookbackDays)
		}
	}
	return utcMidnight(now).AddDate(0, 0, -r.cfg.SeedDays)
}

func (r *Recorder) fail(ctx context.Context, inst models.Instrument, cause error) (symbolOutcome, error) {
	status := StatusForError(cause)
	if err := r.store.SetSymbolStatus(ctx, inst, status, ""); err != nil {
		r.log.WithField("symbol", inst.Key()).WithError(err).Warn("Failed to record symbol status")
	}
	r.log.WithField("symbol", inst.Key()).WithError(cause).Warn("OHLCV fetch failed")
	r.metrics.IngestSymbol("error")
	return symbolOutcome{Status: status}, cause
}

// StatusForError renders "error:<msg>" capped at 200 bytes, cut on a rune
// boundary.
func StatusForError(err error) string {
	s := "error:" + err.Error()
	if len(s) <= maxStatusErrorLength {
		return s
	}
	end := maxStatusErrorLength
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
