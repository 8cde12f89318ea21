package snapshot

import (
	"sort"
	"time"

	"livestock_backend/models"
)

const DefaultTopMoversLimit = 10

// TopMovers ranks entries by percentage change versus previous close.
// Entries without a price or with a non-positive previous close are ignored,
// and unchanged entries appear in neither list.
func TopMovers(entries []models.SnapshotEntry, limit int, now time.Time) models.TopMovers {
	if limit <= 0 {
		limit = DefaultTopMoversLimit
	}
	result := models.TopMovers{Gainers: []models.TopMover{}, Losers: []models.TopMover{}, Timestamp: now}

	for _, e := range entries {
		if e.CurrentPrice == nil || e.PreviousClose == nil || *e.PreviousClose <= 0 {
			continue
		}
		change := *e.CurrentPrice - *e.PreviousClose
		m := models.TopMover{
			Symbol:        e.Symbol,
			YahooSymbol:   e.YahooSymbol,
			Name:          e.Name,
			CurrentPrice:  *e.CurrentPrice,
			PreviousClose: *e.PreviousClose,
			Change:        change,
			ChangePercent: change / *e.PreviousClose * 100,
		}
		switch {
		case m.ChangePercent > 0:
			result.Gainers = append(result.Gainers, m)
		case m.ChangePercent < 0:
			result.Losers = append(result.Losers, m)
		}
	}

	sort.SliceStable(result.Gainers, func(i, j int) bool {
		return result.Gainers[i].ChangePercent > result.Gainers[j].ChangePercent
	})
	sort.SliceStable(result.Losers, func(i, j int) bool {
		return result.Losers[i].ChangePercent < result.Losers[j].ChangePercent
	})
	if len(result.Gainers) > limit {
		result.Gainers = result.Gainers[:limit]
	}
	if len(result.Losers) > limit {
		result.Losers = result.Losers[:limit]
	}
	return result
}

// Empty reports whether there is nothing to rank.
func Empty(m models.TopMovers) bool {
	return len(m.Gainers) == 0 && len(m.Losers) == 0
}
