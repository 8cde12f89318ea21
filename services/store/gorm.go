package store

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"livestock_backend/models"
)

// GormQuoteStore is the warm-start quote cache on Postgres via gorm.
type GormQuoteStore struct {
	db *gorm.DB
}

func NewGormQuoteStore(db *gorm.DB) *GormQuoteStore {
	return &GormQuoteStore{db: db}
}

// EnsureSchema runs the additive migration.
func (s *GormQuoteStore) EnsureSchema(ctx context.Context) error {
	if err := models.MigrateQuoteModels(s.db.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to migrate symbols table: %w", err)
	}
	return nil
}

func (s *GormQuoteStore) SaveQuote(ctx context.Context, inst models.Instrument, q models.Quote) error {
	row := models.SymbolQuote{
		YahooSymbol:   inst.Key(),
		Symbol:        inst.Symbol,
		Series:        inst.Series,
		Name:          q.Name,
		Currency:      q.Currency,
		CurrentPrice:  q.CurrentPrice,
		PreviousClose: q.PreviousClose,
		DayHigh:       q.DayHigh,
		DayLow:        q.DayLow,
		Volume:        q.Volume,
		LastUpdated:   q.LastUpdated,
	}

	set := map[string]interface{}{"symbol": inst.Symbol}
	for col, present := range map[string]bool{
		"series":         row.Series != nil,
		"name":           row.Name != nil,
		"currency":       row.Currency != nil,
		"current_price":  row.CurrentPrice != nil,
		"previous_close": row.PreviousClose != nil,
		"day_high":       row.DayHigh != nil,
		"day_low":        row.DayLow != nil,
		"volume":         row.Volume != nil,
		"last_updated":   row.LastUpdated != nil,
	} {
		if present {
			set[col] = clause.Column{Table: "excluded", Name: col}
		}
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "yahoo_symbol"}},
		DoUpdates: clause.Assignments(set),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save quote for %s: %w", inst.Key(), err)
	}
	return nil
}

func (s *GormQuoteStore) LoadAll(ctx context.Context) (map[string]models.Quote, error) {
	var rows []models.SymbolQuote
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load cached quotes: %w", err)
	}
	out := make(map[string]models.Quote, len(rows))
	for _, r := range rows {
		out[r.YahooSymbol] = models.Quote{
			Symbol:        r.YahooSymbol,
			Name:          r.Name,
			Currency:      r.Currency,
			CurrentPrice:  r.CurrentPrice,
			PreviousClose: r.PreviousClose,
			DayHigh:       r.DayHigh,
			DayLow:        r.DayLow,
			Volume:        r.Volume,
			LastUpdated:   r.LastUpdated,
		}
	}
	return out, nil
}
