// Package liverefresh runs the periodic quote refresh over the whole
// instrument universe.
package liverefresh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"livestock_backend/models"
	"livestock_backend/services/batch"
	"livestock_backend/services/clock"
	"livestock_backend/services/events"
	"livestock_backend/services/metrics"
	"livestock_backend/services/quotes"
	"livestock_backend/services/snapshot"
	"livestock_backend/services/universe"
)

type State int

const (
	Idle State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "idle"
}

// QuoteCache persists fetched quotes for warm starts.
type QuoteCache interface {
	SaveQuote(ctx context.Context, inst models.Instrument, q models.Quote) error
}

type Config struct {
	BatchSize      int
	Concurrency    int
	BatchDelay     time.Duration
	RetryDelay     time.Duration
	TopMoversLimit int
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		Concurrency:    100,
		BatchDelay:     20 * time.Second,
		RetryDelay:     30 * time.Second,
		TopMoversLimit: snapshot.DefaultTopMoversLimit,
	}
}

// CycleResult summarizes one refresh cycle.
type CycleResult struct {
	Total     int
	Succeeded int
	Failed    int
	Batches   int
	Duration  time.Duration
}

type Deps struct {
	Universe universe.Source
	Fetcher  quotes.QuoteFetcher
	Store    *snapshot.Store
	Cache    QuoteCache
	Bus      events.Publisher
	Clock    clock.Clock
	Log      logrus.FieldLogger
	Metrics  *metrics.Metrics
}

// Scheduler owns the Idle/Running state machine. Concurrent RunCycle calls
// share one in-flight cycle.
type Scheduler struct {
	cfg      Config
	universe universe.Source
	fetcher  quotes.QuoteFetcher
	store    *snapshot.Store
	cache    QuoteCache
	bus      events.Publisher
	clock    clock.Clock
	log      logrus.FieldLogger
	metrics  *metrics.Metrics

	flight singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	total      int
	processed  int
	lastUpdate *time.Time
	retry      clock.Timer
	stopped    bool
	movers     models.TopMovers
}

func New(cfg Config, deps Deps) *Scheduler {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.TopMoversLimit <= 0 {
		cfg.TopMoversLimit = def.TopMoversLimit
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Log == nil {
		deps.Log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		universe: deps.Universe,
		fetcher:  deps.Fetcher,
		store:    deps.Store,
		cache:    deps.Cache,
		bus:      deps.Bus,
		clock:    deps.Clock,
		log:      deps.Log.WithField("component", "live_refresh"),
		metrics:  deps.Metrics,
		movers:   models.TopMovers{Gainers: []models.TopMover{}, Losers: []models.TopMover{}},
	}
}

// RunCycle refreshes every instrument once. A call made while a cycle is
// running waits for that cycle and returns its result.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	v, err, shared := s.flight.Do("cycle", func() (interface{}, error) {
		return s.runCycle(ctx)
	})
	if shared {
		s.log.Debug("Joined in-flight live refresh cycle")
	}
	res, _ := v.(CycleResult)
	return res, err
}

// Trigger starts a cycle in the background. Used by the periodic timer and
// the retry handle.
func (s *Scheduler) Trigger() {
	go func() {
		if s.ctx.Err() != nil {
			return
		}
		if _, err := s.RunCycle(s.ctx); err != nil {
			s.log.WithError(err).Warn("Live refresh cycle failed")
		}
	}()
}

func (s *Scheduler) runCycle(ctx context.Context) (res CycleResult, err error) {
	start := s.clock.Now()
	s.begin()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("live refresh panic: %v", r)
		}
		res.Duration = s.clock.Now().Sub(start)
		s.end(err)
		s.metrics.LiveCycle(err, res.Duration)

		entry := s.log.WithFields(logrus.Fields{
			"total":     res.Total,
			"succeeded": res.Succeeded,
			"failed":    res.Failed,
			"duration":  res.Duration.String(),
		})
		if err != nil {
			entry.WithError(err).Error("Live refresh cycle aborted")
			return
		}
		entry.Info("Live refresh cycle completed")
		s.publishTopMovers(ctx)
	}()

	return s.refresh(ctx)
}

func (s *Scheduler) refresh(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	list, err := s.universe.Instruments(ctx)
	if err != nil {
		return res, fmt.Errorf("load universe: %w", err)
	}
	if len(list) == 0 {
		s.log.Warn("Instrument universe is empty, nothing to refresh")
		return res, nil
	}
	res.Total = len(list)
	s.setTotal(len(list))

	batches := batch.Chunk(list, s.cfg.BatchSize)
	res.Batches = len(batches)
	for bi, items := range batches {
		s.log.WithFields(logrus.Fields{
			"batch":   bi + 1,
			"batches": len(batches),
			"size":    len(items),
		}).Debug("Processing live refresh batch")

		outcomes := batch.Run(ctx, items, s.cfg.Concurrency, func(ctx context.Context, inst models.Instrument, _ int) (models.Quote, error) {
			return s.fetcher.FetchQuote(ctx, inst.Key())
		})
		for i, o := range outcomes {
			inst := items[i]
			if o.Err != nil {
				res.Failed++
				s.log.WithField("symbol", inst.Key()).WithError(o.Err).Warn("Quote fetch failed")
			} else {
				res.Succeeded++
				s.apply(ctx, inst, o.Value)
			}
			s.advance()
		}

		if err := ctx.Err(); err != nil {
			return res, err
		}
		if bi < len(batches)-1 {
			if err := s.clock.Sleep(ctx, s.cfg.BatchDelay); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// apply stores a fetched quote, writes it through to the cache and announces
// it. A cache failure leaves the in-memory entry in place.
func (s *Scheduler) apply(ctx context.Context, inst models.Instrument, q models.Quote) {
	stored := s.store.Upsert(inst.Key(), q)
	if s.cache != nil {
		if err := s.cache.SaveQuote(ctx, inst, stored); err != nil {
			s.log.WithField("symbol", inst.Key()).WithError(err).Warn("Failed to persist quote")
		}
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{
			Kind:   events.KindDataUpdate,
			Symbol: inst.Key(),
			Data:   s.store.Entry(inst),
		})
	}
}

func (s *Scheduler) begin() {
	s.mu.Lock()
	s.state = Running
	s.total = 0
	s.processed = 0
	s.mu.Unlock()
	s.publishProgress()
}

func (s *Scheduler) setTotal(n int) {
	s.mu.Lock()
	s.total = n
	s.mu.Unlock()
	s.publishProgress()
}

func (s *Scheduler) advance() {
	s.mu.Lock()
	s.processed++
	s.mu.Unlock()
	s.publishProgress()
}

func (s *Scheduler) end(err error) {
	s.mu.Lock()
	if err == nil {
		now := s.clock.Now()
		s.lastUpdate = &now
	}
	s.state = Idle
	s.total = 0
	s.processed = 0
	s.mu.Unlock()
	s.publishProgress()

	if err != nil {
		s.scheduleRetry()
	}
}

// scheduleRetry arms a single delayed re-run, replacing any pending one.
func (s *Scheduler) scheduleRetry() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.retry != nil {
		s.retry.Stop()
	}
	s.log.WithField("delay", s.cfg.RetryDelay.String()).Info("Scheduling live refresh retry")
	var t clock.Timer
	t = s.clock.AfterFunc(s.cfg.RetryDelay, func() {
		s.mu.Lock()
		if s.retry == t {
			s.retry = nil
		}
		s.mu.Unlock()
		s.Trigger()
	})
	s.retry = t
}

// RetryPending reports whether a retry is armed.
func (s *Scheduler) RetryPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry != nil
}

// Stop cancels any pending retry, prevents new ones and cancels cycles
// started by Trigger.
func (s *Scheduler) Stop() {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.retry != nil {
		s.retry.Stop()
		s.retry = nil
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Progress() models.UpdateProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := models.UpdateProgress{
		IsUpdating:       s.state == Running,
		TotalSymbols:     s.total,
		ProcessedSymbols: s.processed,
		LastUpdate:       s.lastUpdate,
	}
	if s.total > 0 {
		p.ProgressPercent = int(float64(s.processed)/float64(s.total)*100 + 0.5)
	}
	return p
}

func (s *Scheduler) publishProgress() {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Kind: events.KindProgress, Data: s.Progress()})
}

func (s *Scheduler) publishTopMovers(ctx context.Context) {
	entries, err := s.store.Snapshot(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to build snapshot for top movers")
		return
	}
	movers := snapshot.TopMovers(entries, s.cfg.TopMoversLimit, s.clock.Now())

	s.mu.Lock()
	s.movers = movers
	s.mu.Unlock()

	if snapshot.Empty(movers) || s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Kind: events.KindTopMovers, Data: movers})
}

// TopMovers returns the ranking computed after the last completed cycle.
func (s *Scheduler) TopMovers() models.TopMovers {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.movers
}
