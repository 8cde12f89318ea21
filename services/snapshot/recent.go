package snapshot

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"livestock_backend/services/events"
)

const DefaultRecentLimit = 100

// Recent keeps the latest data update per symbol for the most recently
// updated symbols.
type Recent struct {
	cache *lru.Cache[string, interface{}]
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	// New only fails on a non-positive size.
	cache, _ := lru.New[string, interface{}](limit)
	return &Recent{cache: cache}
}

// Record stores data for symbol and marks it most recently updated.
func (r *Recent) Record(symbol string, data interface{}) {
	r.cache.Add(symbol, data)
}

// All returns a copy keyed by symbol.
func (r *Recent) All() map[string]interface{} {
	keys := r.cache.Keys()
	out := make(map[string]interface{}, len(keys))
	for _, sym := range keys {
		if data, ok := r.cache.Peek(sym); ok {
			out[sym] = data
		}
	}
	return out
}

// Symbols lists the retained symbols, least recently updated first.
func (r *Recent) Symbols() []string {
	return r.cache.Keys()
}

func (r *Recent) Len() int {
	return r.cache.Len()
}

// Follow records data updates from ch until ctx is done or ch closes.
func (r *Recent) Follow(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind == events.KindDataUpdate && ev.Symbol != "" {
				r.Record(ev.Symbol, ev.Data)
			}
		}
	}
}
