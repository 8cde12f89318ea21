// Package store holds the durable backends: the relational warm-start quote
// cache and the historical bar store.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"livestock_backend/models"
	"livestock_backend/services/clock"
)

// BarSource is the value stamped on every ingested bar.
const BarSource = "yahoo"

// SymbolRecord is the per-instrument ingest bookkeeping.
type SymbolRecord struct {
	Symbol        string    `json:"symbol" bson:"symbol"`
	YahooSymbol   string    `json:"yahooSymbol" bson:"_id"`
	Series        *string   `json:"series,omitempty" bson:"series,omitempty"`
	FetchStatus   string    `json:"fetchStatus" bson:"fetchStatus"`
	OHLCVLastDate string    `json:"ohlcvLastDate,omitempty" bson:"ohlcvLastDate,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt" bson:"updatedAt"`
}

// BarReader serves the history and indicator queries.
type BarReader interface {
	// Bars returns stored bars for symbol ordered by date. Empty from or to
	// leaves that side open.
	Bars(ctx context.Context, symbol, from, to string) ([]models.HistoricalBar, error)
}

// MemoryHistoryStore keeps bars and ingest metadata in process memory. It
// backs the recorder when no document store is configured.
type MemoryHistoryStore struct {
	clock clock.Clock

	mu      sync.RWMutex
	bars    map[string]map[string]models.HistoricalBar
	symbols map[string]SymbolRecord
	meta    models.IngestMeta
}

func NewMemoryHistoryStore(clk clock.Clock) *MemoryHistoryStore {
	if clk == nil {
		clk = clock.Real()
	}
	return &MemoryHistoryStore{
		clock:   clk,
		bars:    make(map[string]map[string]models.HistoricalBar),
		symbols: make(map[string]SymbolRecord),
	}
}

func (m *MemoryHistoryStore) Watermark(_ context.Context, symbol string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.symbols[symbol]; ok && rec.OHLCVLastDate != "" {
		return rec.OHLCVLastDate, true, nil
	}
	latest := ""
	for date := range m.bars[symbol] {
		if date > latest {
			latest = date
		}
	}
	if latest == "" {
		return "", false, nil
	}
	rec := m.symbols[symbol]
	rec.YahooSymbol = symbol
	rec.OHLCVLastDate = latest
	rec.UpdatedAt = m.clock.Now().UTC()
	m.symbols[symbol] = rec
	return latest, true, nil
}

func (m *MemoryHistoryStore) UpsertBars(_ context.Context, symbol string, bars []models.Bar) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, ok := m.bars[symbol]
	if !ok {
		rows = make(map[string]models.HistoricalBar)
		m.bars[symbol] = rows
	}
	now := m.clock.Now().UTC()
	for _, b := range bars {
		rows[b.Date] = models.HistoricalBar{
			ID:         models.HistoricalBarID(symbol, b.Date),
			Symbol:     symbol,
			Bar:        b,
			Source:     BarSource,
			IngestedAt: now,
		}
	}
	return len(bars), nil
}

func (m *MemoryHistoryStore) SetSymbolStatus(_ context.Context, inst models.Instrument, status, lastDate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.symbols[inst.Key()]
	rec.Symbol = inst.Symbol
	rec.YahooSymbol = inst.Key()
	rec.Series = inst.Series
	rec.FetchStatus = status
	if lastDate != "" {
		rec.OHLCVLastDate = lastDate
	}
	rec.UpdatedAt = m.clock.Now().UTC()
	m.symbols[inst.Key()] = rec
	return nil
}

func (m *MemoryHistoryStore) Meta(context.Context) (models.IngestMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meta, nil
}

func (m *MemoryHistoryStore) SaveAttempt(_ context.Context, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = at.UTC()
	m.meta.LastAttemptAt = &at
	m.meta.LastAttemptReason = reason
	return nil
}

func (m *MemoryHistoryStore) SaveSuccess(_ context.Context, ymd string, at time.Time, succeeded, failed int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	at = at.UTC()
	m.meta.LastSuccessYmd = ymd
	m.meta.LastSuccessAt = &at
	m.meta.LastSuccessCount = succeeded
	m.meta.LastFailureCount = failed
	return nil
}

func (m *MemoryHistoryStore) Bars(_ context.Context, symbol, from, to string) ([]models.HistoricalBar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.HistoricalBar, 0, len(m.bars[symbol]))
	for date, b := range m.bars[symbol] {
		if from != "" && date < from {
			continue
		}
		if to != "" && date > to {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// Symbol returns the ingest record for a provider symbol.
func (m *MemoryHistoryStore) Symbol(symbol string) (SymbolRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.symbols[symbol]
	return rec, ok
}
