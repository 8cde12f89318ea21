package universe

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livestock_backend/models"
)

const sampleJSON = `[
  {"symbol": "RELIANCE", "yahooSymbol": "RELIANCE.NS", "series": "EQ", "currentPrice": 2950.5},
  {"symbol": "BAD", "yahooSymbol": "BAD SYMBOL"},
  {"symbol": "M&M", "yahooSymbol": "M&M.NS"},
  {"yahooSymbol": "TCS.NS"}
]`

func TestParseFiltersInvalidSymbols(t *testing.T) {
	list, err := Parse([]byte(sampleJSON), ".json")
	require.NoError(t, err)
	require.Len(t, list, 2)

	assert.Equal(t, "RELIANCE", list[0].Symbol)
	require.NotNil(t, list[0].Series)
	assert.Equal(t, "EQ", *list[0].Series)
	require.NotNil(t, list[0].SeedPrice)
	assert.Equal(t, 2950.5, *list[0].SeedPrice)

	assert.Equal(t, "TCS.NS", list[1].Symbol)
	assert.Equal(t, "TCS.NS", list[1].Key())
}

func TestParseYAML(t *testing.T) {
	raw := []byte("- symbol: INFY\n  yahooSymbol: INFY.NS\n- symbol: X\n  yahooSymbol: \"x/y\"\n")
	list, err := Parse(raw, ".yml")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "INFY.NS", list[0].YahooSymbol)
}

func TestLoaderReloadsWhenEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "symbols.json")
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))

	l := NewLoader(path, nil)
	list, err := l.Instruments(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, os.WriteFile(path, []byte(sampleJSON), 0o644))
	list, err = l.Instruments(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)

	// Non-empty copy is served from memory.
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))
	list, err = l.Instruments(context.Background())
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestLoaderMissingFile(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "missing.json"), nil)
	_, err := l.Instruments(context.Background())
	assert.Error(t, err)
}

func TestLimit(t *testing.T) {
	list := []models.Instrument{{YahooSymbol: "A"}, {YahooSymbol: "B"}, {YahooSymbol: "C"}}
	assert.Len(t, Limit(list, 0), 3)
	assert.Len(t, Limit(list, 2), 2)
	assert.Len(t, Limit(list, 10), 3)
}
