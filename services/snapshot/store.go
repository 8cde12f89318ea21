// Package snapshot holds the authoritative in-memory view of every
// instrument's latest quote.
package snapshot

import (
	"context"
	"strings"
	"sync"
	"time"

	"livestock_backend/models"
	"livestock_backend/services/clock"
	"livestock_backend/services/universe"
)

const DefaultCurrency = "INR"

// Store maps provider symbols to their latest quote. Every universe
// instrument is listed by Snapshot whether or not a quote has arrived.
type Store struct {
	universe universe.Source
	clock    clock.Clock

	mu     sync.RWMutex
	latest map[string]models.Quote
}

func NewStore(src universe.Source, clk clock.Clock) *Store {
	if clk == nil {
		clk = clock.Real()
	}
	return &Store{universe: src, clock: clk, latest: make(map[string]models.Quote)}
}

// Upsert replaces the entry for key and stamps LastUpdated. It returns the
// stored quote.
func (s *Store) Upsert(key string, q models.Quote) models.Quote {
	now := s.clock.Now().UTC()
	q.LastUpdated = &now

	s.mu.Lock()
	s.latest[key] = q
	s.mu.Unlock()
	return q
}

// Seed loads warm-start quotes without overwriting anything fetched live.
func (s *Store) Seed(quotes map[string]models.Quote) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, q := range quotes {
		if _, ok := s.latest[key]; ok {
			continue
		}
		s.latest[key] = q
		n++
	}
	return n
}

// Quote returns the latest quote stored for key.
func (s *Store) Quote(key string) (models.Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.latest[key]
	return q, ok
}

// Len is the number of instruments with live data.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}

// Snapshot merges the universe with live data, in universe order.
func (s *Store) Snapshot(ctx context.Context) ([]models.SnapshotEntry, error) {
	list, err := s.universe.Instruments(ctx)
	if err != nil {
		return []models.SnapshotEntry{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.SnapshotEntry, 0, len(list))
	for _, inst := range list {
		out = append(out, s.entryLocked(inst))
	}
	return out, nil
}

// Entry builds the snapshot row for one instrument.
func (s *Store) Entry(inst models.Instrument) models.SnapshotEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entryLocked(inst)
}

// Find looks an instrument up by display or provider symbol, ignoring case.
func (s *Store) Find(ctx context.Context, symbol string) (models.SnapshotEntry, bool, error) {
	list, err := s.universe.Instruments(ctx)
	if err != nil {
		return models.SnapshotEntry{}, false, err
	}
	for _, inst := range list {
		if strings.EqualFold(inst.YahooSymbol, symbol) || strings.EqualFold(inst.Symbol, symbol) {
			return s.Entry(inst), true, nil
		}
	}
	return models.SnapshotEntry{}, false, nil
}

func (s *Store) entryLocked(inst models.Instrument) models.SnapshotEntry {
	display := inst.Symbol
	if display == "" {
		display = inst.YahooSymbol
	}
	e := models.SnapshotEntry{
		Symbol:       display,
		YahooSymbol:  inst.YahooSymbol,
		Series:       inst.Series,
		Name:         display,
		Currency:     DefaultCurrency,
		CurrentPrice: inst.SeedPrice,
		LastUpdated:  inst.LastUpdated,
	}

	q, ok := s.latest[inst.Key()]
	if !ok {
		return e
	}
	if q.Name != nil && *q.Name != "" {
		e.Name = *q.Name
	}
	if q.Currency != nil && *q.Currency != "" {
		e.Currency = *q.Currency
	}
	if q.CurrentPrice != nil {
		e.CurrentPrice = q.CurrentPrice
	}
	e.PreviousClose = q.PreviousClose
	e.Open = q.Open
	e.DayHigh = q.DayHigh
	e.DayLow = q.DayLow
	e.Volume = q.Volume
	e.MarketCap = q.MarketCap
	e.Change = q.Change
	e.ChangePercent = q.ChangePercent
	if q.LastUpdated != nil {
		ts := q.LastUpdated.UTC().Format(time.RFC3339Nano)
		e.LastUpdated = &ts
	}
	return e
}
