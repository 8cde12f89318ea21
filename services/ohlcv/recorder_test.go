package ohlcv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestock_backend/models"
	"livestock_backend/services/clock"
	"livestock_backend/services/events"
	"livestock_backend/services/store"
	"livestock_backend/services/universe"
)

func f(v float64) *float64 { return &v }

func bar(date string, px float64) models.Bar {
	return models.Bar{Date: date, Open: f(px), High: f(px), Low: f(px), Close: f(px)}
}

type fetchCall struct {
	symbol string
	start  time.Time
}

type fakeBars struct {
	mu    sync.Mutex
	bars  map[string][]models.Bar
	errs  map[string]error
	calls []fetchCall
}

func (fb *fakeBars) FetchBars(ctx context.Context, symbol string, start, end time.Time, interval string) ([]models.Bar, error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.calls = append(fb.calls, fetchCall{symbol: symbol, start: start})
	if err := fb.errs[symbol]; err != nil {
		return nil, err
	}
	return fb.bars[symbol], nil
}

func (fb *fakeBars) starts() map[string]time.Time {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	out := make(map[string]time.Time, len(fb.calls))
	for _, c := range fb.calls {
		out[c.symbol] = c.start
	}
	return out
}

func (fb *fakeBars) count() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.calls)
}

type panicUniverse struct{}

func (panicUniverse) Instruments(context.Context) ([]models.Instrument, error) {
	panic("universe exploded")
}

type failingUniverse struct{}

func (failingUniverse) Instruments(context.Context) ([]models.Instrument, error) {
	return nil, errors.New("universe file missing")
}

func instruments(keys ...string) universe.Static {
	out := make(universe.Static, 0, len(keys))
	for _, k := range keys {
		out = append(out, models.Instrument{Symbol: strings.TrimSuffix(k, ".NS"), YahooSymbol: k})
	}
	return out
}

type harness struct {
	clock   *clock.Fake
	bars    *fakeBars
	history *store.MemoryHistoryStore
	bus     *events.Bus
	rec     *Recorder
}

// 22:30 IST, past the default 22:00 run.
var afterRun = time.Date(2024, 5, 10, 17, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, now time.Time, src universe.Source, mutate func(*Config)) *harness {
	t.Helper()
	clk := clock.NewFake(now)
	h := &harness{
		clock:   clk,
		bars:    &fakeBars{bars: map[string][]models.Bar{}, errs: map[string]error{}},
		history: store.NewMemoryHistoryStore(clk),
		bus:     events.NewBus(clk),
	}
	cfg := DefaultConfig()
	cfg.Location = mustLoad(t, "Asia/Kolkata")
	if mutate != nil {
		mutate(&cfg)
	}
	h.rec = New(cfg, Deps{
		Universe: src,
		Fetcher:  h.bars,
		Store:    h.history,
		Pauser:   h.bus,
		Clock:    clk,
	})
	t.Cleanup(h.rec.Stop)
	return h
}

func TestRunUpsertsBarsAndAdvancesWatermark(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS", "BBB.NS"), nil)
	h.bars.bars["AAA.NS"] = []models.Bar{bar("2024-05-08", 10), bar("2024-05-10", 12), bar("2024-05-09", 11)}
	h.bars.bars["BBB.NS"] = []models.Bar{bar("2024-05-09", 50)}

	res, err := h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, 4, res.Upserted)
	assert.Equal(t, "2024-05-10", res.Date)

	wm, ok, err := h.history.Watermark(context.Background(), "AAA.NS")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "2024-05-10", wm)

	rec, ok := h.history.Symbol("BBB.NS")
	require.True(t, ok)
	assert.Equal(t, models.IngestStatusOK, rec.FetchStatus)
	assert.Equal(t, "2024-05-09", rec.OHLCVLastDate)
	assert.Equal(t, "BBB", rec.Symbol)

	// First backfill uses the seed window.
	seedStart := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	for sym, start := range h.bars.starts() {
		assert.True(t, seedStart.Equal(start), "%s started at %s", sym, start)
	}

	meta, err := h.history.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-05-10", meta.LastSuccessYmd)
	assert.Equal(t, 2, meta.LastSuccessCount)
	assert.Equal(t, 0, meta.LastFailureCount)
	assert.Equal(t, ReasonManual, meta.LastAttemptReason)
	require.NotNil(t, meta.LastSuccessAt)
}

func TestRunTwiceYieldsSameBarSet(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS"), nil)
	h.bars.bars["AAA.NS"] = []models.Bar{bar("2024-05-08", 10), bar("2024-05-09", 11), bar("2024-05-10", 12)}

	_, err := h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	first, err := h.history.Bars(context.Background(), "AAA.NS", "", "")
	require.NoError(t, err)

	_, err = h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	second, err := h.history.Bars(context.Background(), "AAA.NS", "", "")
	require.NoError(t, err)

	require.Len(t, second, 3)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].Close, second[i].Close)
	}
	assert.Equal(t, "AAA.NS|2024-05-08", second[0].ID)
}

func TestWatermarkNeverMovesBackwards(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS"), nil)
	h.bars.bars["AAA.NS"] = []models.Bar{bar("2024-05-10", 12)}

	_, err := h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	wm1, _, _ := h.history.Watermark(context.Background(), "AAA.NS")

	// A restated window that ends earlier must not rewind the watermark.
	h.bars.bars["AAA.NS"] = []models.Bar{bar("2024-05-01", 9)}
	h.clock.Advance(24 * time.Hour)
	_, err = h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	wm2, _, _ := h.history.Watermark(context.Background(), "AAA.NS")

	assert.Equal(t, "2024-05-10", wm1)
	assert.GreaterOrEqual(t, wm2, wm1)
}

func TestCatchupFetchesOnlyLookbackWindow(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS"), nil)
	ctx := context.Background()
	require.NoError(t, h.history.SetSymbolStatus(ctx, models.Instrument{Symbol: "AAA", YahooSymbol: "AAA.NS"}, models.IngestStatusOK, "2024-05-08"))
	require.NoError(t, h.history.SaveSuccess(ctx, "2024-05-08", afterRun.Add(-48*time.Hour), 1, 0))
	h.bars.bars["AAA.NS"] = []models.Bar{bar("2024-05-09", 11), bar("2024-05-10", 12)}

	res, err := h.rec.Run(ctx, ReasonStartupCatchup)
	require.NoError(t, err)
	assert.Equal(t, ReasonStartupCatchup, res.Reason)

	start := h.bars.starts()["AAA.NS"]
	assert.True(t, time.Date(2024, 4, 8, 0, 0, 0, 0, time.UTC).Equal(start), start.String())

	wm, _, _ := h.history.Watermark(ctx, "AAA.NS")
	assert.Equal(t, "2024-05-10", wm)
}

func TestWatermarkDerivedFromStoredBars(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS"), nil)
	ctx := context.Background()
	_, err := h.history.UpsertBars(ctx, "AAA.NS", []models.Bar{bar("2024-05-02", 5), bar("2024-05-03", 6)})
	require.NoError(t, err)

	_, err = h.rec.Run(ctx, ReasonManual)
	require.NoError(t, err)

	start := h.bars.starts()["AAA.NS"]
	assert.True(t, time.Date(2024, 4, 3, 0, 0, 0, 0, time.UTC).Equal(start), start.String())
}

func TestEmptyResponseIsNoData(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS"), nil)

	res, err := h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Upserted)

	rec, ok := h.history.Symbol("AAA.NS")
	require.True(t, ok)
	assert.Equal(t, models.IngestStatusNoData, rec.FetchStatus)
	_, hasWM, _ := h.history.Watermark(context.Background(), "AAA.NS")
	assert.False(t, hasWM)
}

func TestFetchErrorIsRecordedPerSymbol(t *testing.T) {
	h := newHarness(t, afterRun, instruments("AAA.NS", "BBB.NS"), nil)
	h.bars.errs["AAA.NS"] = errors.New(strings.Repeat("x", 400))
	h.bars.bars["BBB.NS"] = []models.Bar{bar("2024-05-10", 1)}

	res, err := h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Failed)

	rec, _ := h.history.Symbol("AAA.NS")
	assert.True(t, strings.HasPrefix(rec.FetchStatus, "error:"))
	assert.Len(t, rec.FetchStatus, 200)
	assert.Empty(t, rec.OHLCVLastDate)

	meta, _ := h.history.Meta(context.Background())
	assert.Equal(t, 1, meta.LastSuccessCount)
	assert.Equal(t, 1, meta.LastFailureCount)
}

func TestStatusForError(t *testing.T) {
	assert.Equal(t, "error:boom", StatusForError(errors.New("boom")))
	assert.Len(t, StatusForError(errors.New(strings.Repeat("y", 500))), 200)

	// "error:" is 6 bytes, so a 3-byte rune straddles the 200 byte cap.
	multi := StatusForError(errors.New(strings.Repeat("₹", 100)))
	assert.True(t, utf8.ValidString(multi))
	assert.Len(t, multi, 198)
	assert.True(t, strings.HasSuffix(multi, "₹"))
}

func TestPauseAlwaysResumed(t *testing.T) {
	tests := []struct {
		name    string
		src     universe.Source
		wantErr bool
	}{
		{name: "success", src: instruments("AAA.NS")},
		{name: "universe error", src: failingUniverse{}, wantErr: true},
		{name: "universe panic", src: panicUniverse{}, wantErr: true},
		{name: "empty universe", src: universe.Static{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, afterRun, tt.src, nil)
			_, ch := h.bus.Subscribe(16)

			_, err := h.rec.Run(context.Background(), ReasonManual)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}

			var states []bool
			for len(ch) > 0 {
				ev := <-ch
				if ev.Kind == events.KindPauseStateChanged {
					states = append(states, ev.Data.(models.PauseState).Paused)
				}
			}
			assert.Equal(t, []bool{true, false}, states)
			assert.False(t, h.bus.PauseState().Paused)

			meta, _ := h.history.Meta(context.Background())
			assert.Equal(t, ReasonManual, meta.LastAttemptReason)
			if tt.wantErr {
				assert.Empty(t, meta.LastSuccessYmd)
			}
		})
	}
}

func TestSymbolLimitAndBatchDelay(t *testing.T) {
	h := newHarness(t, afterRun, instruments("A.NS", "B.NS", "C.NS", "D.NS"), func(c *Config) {
		c.BatchSize = 1
		c.SymbolLimit = 3
		c.BatchDelay = 20 * time.Second
	})

	res, err := h.rec.Run(context.Background(), ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 3, h.bars.count())
	assert.Equal(t, []time.Duration{20 * time.Second, 20 * time.Second}, h.clock.Sleeps())
}

func TestStartCatchupDecision(t *testing.T) {
	tests := []struct {
		name        string
		now         time.Time
		lastSuccess string
		wantRun     bool
		wantNext    time.Time
	}{
		{
			name:     "never ran and past run time",
			now:      afterRun,
			wantRun:  true,
			wantNext: time.Date(2024, 5, 11, 16, 30, 0, 0, time.UTC),
		},
		{
			name:        "last success two days old",
			now:         afterRun,
			lastSuccess: "2024-05-08",
			wantRun:     true,
			wantNext:    time.Date(2024, 5, 11, 16, 30, 0, 0, time.UTC),
		},
		{
			name:        "already ran today",
			now:         afterRun,
			lastSuccess: "2024-05-10",
			wantNext:    time.Date(2024, 5, 11, 16, 30, 0, 0, time.UTC),
		},
		{
			name:     "before today's run time",
			now:      time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC),
			wantNext: time.Date(2024, 5, 10, 16, 30, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, tt.now, instruments("AAA.NS"), nil)
			if tt.lastSuccess != "" {
				require.NoError(t, h.history.SaveSuccess(context.Background(), tt.lastSuccess, tt.now, 1, 0))
			}

			h.rec.Start()
			h.rec.Wait()

			meta, _ := h.history.Meta(context.Background())
			if tt.wantRun {
				assert.Equal(t, ReasonStartupCatchup, meta.LastAttemptReason)
				assert.Equal(t, "2024-05-10", meta.LastSuccessYmd)
			} else {
				assert.Nil(t, meta.LastAttemptAt)
			}
			assert.True(t, tt.wantNext.Equal(h.rec.NextRun()), h.rec.NextRun().String())
			assert.Equal(t, 1, h.clock.Pending())
		})
	}
}

func TestScheduledRunFiresAndReschedules(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC), instruments("AAA.NS"), nil)
	h.bars.bars["AAA.NS"] = []models.Bar{bar("2024-05-10", 12)}

	h.rec.Start()
	h.clock.Advance(6*time.Hour + 30*time.Minute)
	h.rec.Wait()

	meta, _ := h.history.Meta(context.Background())
	assert.Equal(t, ReasonScheduled, meta.LastAttemptReason)
	assert.Equal(t, "2024-05-10", meta.LastSuccessYmd)
	assert.True(t, time.Date(2024, 5, 11, 16, 30, 0, 0, time.UTC).Equal(h.rec.NextRun()))
	assert.Equal(t, 1, h.clock.Pending())
}

func TestScheduledRunReschedulesAfterFailure(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC), failingUniverse{}, nil)

	h.rec.Start()
	h.clock.Advance(6*time.Hour + 30*time.Minute)
	h.rec.Wait()

	assert.True(t, time.Date(2024, 5, 11, 16, 30, 0, 0, time.UTC).Equal(h.rec.NextRun()))
	assert.Equal(t, 1, h.clock.Pending())
	assert.False(t, h.bus.PauseState().Paused)
}

func TestStopDisarmsTimer(t *testing.T) {
	h := newHarness(t, time.Date(2024, 5, 10, 10, 0, 0, 0, time.UTC), instruments("AAA.NS"), nil)

	h.rec.Start()
	h.rec.Stop()
	h.clock.Advance(24 * time.Hour)
	h.rec.Wait()

	assert.Equal(t, 0, h.bars.count())
	assert.Equal(t, 0, h.clock.Pending())
}
