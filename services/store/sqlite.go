package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"livestock_backend/models"
)

// quoteColumns are added to the symbols table when missing, in order.
var quoteColumns = []struct {
	name string
	typ  string
}{
	{"name", "TEXT"},
	{"currency", "TEXT"},
	{"current_price", "REAL"},
	{"previous_close", "REAL"},
	{"day_high", "REAL"},
	{"day_low", "REAL"},
	{"volume", "INTEGER"},
	{"last_updated", "TEXT"},
}

// OpenSQLite opens the database file, creating its directory if needed.
func OpenSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping SQLite: %w", err)
	}
	return db, nil
}

// SQLiteQuoteStore is the warm-start quote cache on SQLite.
type SQLiteQuoteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteQuoteStore(db *sql.DB) *SQLiteQuoteStore {
	return &SQLiteQuoteStore{db: db}
}

// EnsureSchema creates the symbols table and adds any missing quote columns.
// Running it again is a no-op.
func (s *SQLiteQuoteStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := `
		CREATE TABLE IF NOT EXISTS symbols (
			yahoo_symbol TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			series TEXT
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create symbols table: %w", err)
	}

	existing, err := s.columns(ctx)
	if err != nil {
		return err
	}
	for _, col := range quoteColumns {
		if existing[col.name] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE symbols ADD COLUMN %s %s", col.name, col.typ)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("failed to add column %s: %w", col.name, err)
		}
	}
	return nil
}

func (s *SQLiteQuoteStore) columns(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA table_info(symbols)")
	if err != nil {
		return nil, fmt.Errorf("failed to read symbols schema: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			typ     string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = true
	}
	return out, rows.Err()
}

// SaveQuote upserts the latest fields for one instrument. Absent fields keep
// the stored value.
func (s *SQLiteQuoteStore) SaveQuote(ctx context.Context, inst models.Instrument, q models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO symbols (
			yahoo_symbol, symbol, series, name, currency, current_price,
			previous_close, day_high, day_low, volume, last_updated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(yahoo_symbol) DO UPDATE SET
			symbol = excluded.symbol,
			series = COALESCE(excluded.series, symbols.series),
			name = COALESCE(excluded.name, symbols.name),
			currency = COALESCE(excluded.currency, symbols.currency),
			current_price = COALESCE(excluded.current_price, symbols.current_price),
			previous_close = COALESCE(excluded.previous_close, symbols.previous_close),
			day_high = COALESCE(excluded.day_high, symbols.day_high),
			day_low = COALESCE(excluded.day_low, symbols.day_low),
			volume = COALESCE(excluded.volume, symbols.volume),
			last_updated = COALESCE(excluded.last_updated, symbols.last_updated)
	`

	var lastUpdated interface{}
	if q.LastUpdated != nil {
		lastUpdated = q.LastUpdated.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx, query,
		inst.Key(), inst.Symbol, inst.Series, q.Name, q.Currency, q.CurrentPrice,
		q.PreviousClose, q.DayHigh, q.DayLow, q.Volume, lastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to save quote for %s: %w", inst.Key(), err)
	}
	return nil
}

// LoadAll returns every cached quote keyed by provider symbol.
func (s *SQLiteQuoteStore) LoadAll(ctx context.Context) (map[string]models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT yahoo_symbol, name, currency, current_price, previous_close,
		day_high, day_low, volume, last_updated FROM symbols`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to load cached quotes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]models.Quote)
	for rows.Next() {
		var (
			key                              string
			name, currency, lastUpdated      sql.NullString
			price, prevClose, dayHigh, dayLo sql.NullFloat64
			volume                           sql.NullInt64
		)
		if err := rows.Scan(&key, &name, &currency, &price, &prevClose, &dayHigh, &dayLo, &volume, &lastUpdated); err != nil {
			return nil, err
		}
		q := models.Quote{
			Symbol:        key,
			Name:          nullString(name),
			Currency:      nullString(currency),
			CurrentPrice:  nullFloat(price),
			PreviousClose: nullFloat(prevClose),
			DayHigh:       nullFloat(dayHigh),
			DayLow:        nullFloat(dayLo),
		}
		if volume.Valid {
			v := volume.Int64
			q.Volume = &v
		}
		if lastUpdated.Valid {
			if t, err := time.Parse(time.RFC3339Nano, lastUpdated.String); err == nil {
				q.LastUpdated = &t
			}
		}
		out[key] = q
	}
	return out, rows.Err()
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
