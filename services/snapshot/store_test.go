package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestock_backend/models"
	"livestock_backend/services/clock"
	"livestock_backend/services/events"
	"livestock_backend/services/universe"
)

func f(v float64) *float64 { return &v }
func s(v string) *string   { return &v }

var testUniverse = universe.Static{
	{Symbol: "RELIANCE", YahooSymbol: "RELIANCE.NS", SeedPrice: f(2900)},
	{Symbol: "TCS", YahooSymbol: "TCS.NS", LastUpdated: s("2024-01-01T00:00:00Z")},
	{Symbol: "INFY", YahooSymbol: "INFY.NS"},
}

func TestSnapshotListsEveryInstrumentBeforeData(t *testing.T) {
	store := NewStore(testUniverse, clock.NewFake(time.Now()))

	entries, err := store.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, len(testUniverse))

	assert.Equal(t, "RELIANCE", entries[0].Name)
	assert.Equal(t, "INR", entries[0].Currency)
	assert.Equal(t, 2900.0, *entries[0].CurrentPrice)
	assert.Nil(t, entries[0].PreviousClose)
	assert.Nil(t, entries[0].LastUpdated)
	assert.Equal(t, "2024-01-01T00:00:00Z", *entries[1].LastUpdated)
	assert.Nil(t, entries[2].CurrentPrice)
}

func TestUpsertReplacesWholesaleAndStamps(t *testing.T) {
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)
	store := NewStore(testUniverse, clock.NewFake(now))

	store.Upsert("TCS.NS", models.Quote{Symbol: "TCS.NS", CurrentPrice: f(3900), PreviousClose: f(3800), Name: s("Tata Consultancy"), Currency: s("INR")})
	store.Upsert("TCS.NS", models.Quote{Symbol: "TCS.NS", CurrentPrice: f(3950)})

	entry, ok, err := store.Find(context.Background(), "tcs")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3950.0, *entry.CurrentPrice)
	assert.Nil(t, entry.PreviousClose)
	assert.Equal(t, "TCS", entry.Name)
	assert.Equal(t, now.Format(time.RFC3339Nano), *entry.LastUpdated)

	_, ok, err = store.Find(context.Background(), "WIPRO.NS")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindMatchesProviderSymbolCaseInsensitive(t *testing.T) {
	store := NewStore(testUniverse, nil)
	entry, ok, err := store.Find(context.Background(), "reliance.ns")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "RELIANCE.NS", entry.YahooSymbol)
}

func TestSeedDoesNotOverwriteLive(t *testing.T) {
	store := NewStore(testUniverse, clock.NewFake(time.Now()))
	store.Upsert("TCS.NS", models.Quote{CurrentPrice: f(4000)})

	n := store.Seed(map[string]models.Quote{
		"TCS.NS":  {CurrentPrice: f(1)},
		"INFY.NS": {CurrentPrice: f(1500)},
	})
	assert.Equal(t, 1, n)

	q, ok := store.Quote("TCS.NS")
	require.True(t, ok)
	assert.Equal(t, 4000.0, *q.CurrentPrice)
	q, ok = store.Quote("INFY.NS")
	require.True(t, ok)
	assert.Equal(t, 1500.0, *q.CurrentPrice)
}

func TestTopMoversRanking(t *testing.T) {
	entries := []models.SnapshotEntry{
		{Symbol: "D", CurrentPrice: f(100), PreviousClose: f(100)},
		{Symbol: "B", CurrentPrice: f(105), PreviousClose: f(100)},
		{Symbol: "C", CurrentPrice: f(97), PreviousClose: f(100)},
		{Symbol: "A", CurrentPrice: f(110), PreviousClose: f(100)},
		{Symbol: "E", CurrentPrice: f(50)},
		{Symbol: "F", CurrentPrice: f(50), PreviousClose: f(0)},
	}
	now := time.Date(2024, 5, 3, 10, 0, 0, 0, time.UTC)

	movers := TopMovers(entries, 10, now)

	require.Len(t, movers.Gainers, 2)
	assert.Equal(t, "A", movers.Gainers[0].Symbol)
	assert.InDelta(t, 10.0, movers.Gainers[0].ChangePercent, 1e-9)
	assert.Equal(t, "B", movers.Gainers[1].Symbol)
	require.Len(t, movers.Losers, 1)
	assert.Equal(t, "C", movers.Losers[0].Symbol)
	assert.InDelta(t, -3.0, movers.Losers[0].ChangePercent, 1e-9)
	assert.Equal(t, now, movers.Timestamp)
	assert.False(t, Empty(movers))
}

func TestTopMoversLimit(t *testing.T) {
	var entries []models.SnapshotEntry
	for i := 1; i <= 15; i++ {
		entries = append(entries,
			models.SnapshotEntry{Symbol: fmt.Sprintf("G%d", i), CurrentPrice: f(100 + float64(i)), PreviousClose: f(100)},
			models.SnapshotEntry{Symbol: fmt.Sprintf("L%d", i), CurrentPrice: f(100 - float64(i)), PreviousClose: f(100)},
		)
	}
	movers := TopMovers(entries, 3, time.Now())
	assert.Equal(t, []string{"G15", "G14", "G13"}, moverSymbols(movers.Gainers))
	assert.Equal(t, []string{"L15", "L14", "L13"}, moverSymbols(movers.Losers))

	assert.True(t, Empty(TopMovers(nil, 0, time.Now())))
}

func moverSymbols(ms []models.TopMover) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.Symbol
	}
	return out
}

func TestRecentEvictsOldest(t *testing.T) {
	r := NewRecent(2)
	r.Record("A", 1)
	r.Record("B", 2)
	r.Record("A", 3)
	r.Record("C", 4)

	all := r.All()
	assert.Len(t, all, 2)
	assert.Equal(t, 3, all["A"])
	assert.Equal(t, 4, all["C"])
	assert.NotContains(t, all, "B")
	assert.Equal(t, []string{"A", "C"}, r.Symbols())
	assert.Equal(t, 2, r.Len())
}

func TestRecentUpdateRefreshesRecency(t *testing.T) {
	r := NewRecent(3)
	r.Record("A", 1)
	r.Record("B", 2)
	r.Record("C", 3)
	r.Record("A", 4)
	r.Record("D", 5)

	assert.Equal(t, []string{"C", "A", "D"}, r.Symbols())
	assert.Equal(t, 4, r.All()["A"])
}

func TestNewRecentDefaultsLimit(t *testing.T) {
	r := NewRecent(0)
	for i := 0; i < DefaultRecentLimit+5; i++ {
		r.Record(string(rune('a'+i%26))+string(rune('A'+i/26)), i)
	}
	assert.Equal(t, DefaultRecentLimit, r.Len())
}

func TestRecentFollowsBus(t *testing.T) {
	bus := events.NewBus(nil)
	id, ch := bus.Subscribe(8)
	r := NewRecent(10)

	done := make(chan struct{})
	go func() {
		r.Follow(context.Background(), ch)
		close(done)
	}()

	bus.Publish(events.Event{Kind: events.KindProgress})
	bus.Publish(events.Event{Kind: events.KindDataUpdate, Symbol: "TCS.NS", Data: "x"})
	bus.Unsubscribe(id)
	<-done

	assert.Equal(t, map[string]interface{}{"TCS.NS": "x"}, r.All())
}
