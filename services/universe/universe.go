// Package universe loads the static instrument list.
package universe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"livestock_backend/models"
)

var validSymbol = regexp.MustCompile(`^[A-Za-z0-9.\-]+$`)

// ValidSymbol reports whether a provider symbol passes the allow-list.
func ValidSymbol(s string) bool {
	return validSymbol.MatchString(s)
}

// Source supplies the instrument universe.
type Source interface {
	Instruments(ctx context.Context) ([]models.Instrument, error)
}

// Loader reads the universe file and keeps it in memory. An empty in-memory
// copy is reloaded on the next call.
type Loader struct {
	path string
	log  logrus.FieldLogger

	mu          sync.RWMutex
	instruments []models.Instrument
}

func NewLoader(path string, log logrus.FieldLogger) *Loader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Loader{path: path, log: log.WithField("component", "universe")}
}

func (l *Loader) Instruments(ctx context.Context) ([]models.Instrument, error) {
	l.mu.RLock()
	cached := l.instruments
	l.mu.RUnlock()
	if len(cached) > 0 {
		return cached, nil
	}
	return l.Reload(ctx)
}

// Reload rereads the file unconditionally.
func (l *Loader) Reload(ctx context.Context) ([]models.Instrument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read universe %s: %w", l.path, err)
	}
	list, err := Parse(raw, filepath.Ext(l.path))
	if err != nil {
		return nil, fmt.Errorf("parse universe %s: %w", l.path, err)
	}

	l.mu.Lock()
	l.instruments = list
	l.mu.Unlock()

	l.log.WithField("count", len(list)).Info("Loaded instrument universe")
	return list, nil
}

// Parse decodes a JSON or YAML universe and drops entries whose provider
// symbol fails the allow-list. A missing display symbol defaults to the
// provider symbol.
func Parse(raw []byte, ext string) ([]models.Instrument, error) {
	var list []models.Instrument
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
	default:
		if err := json.Unmarshal(raw, &list); err != nil {
			return nil, err
		}
	}

	out := make([]models.Instrument, 0, len(list))
	for _, inst := range list {
		inst.YahooSymbol = strings.TrimSpace(inst.YahooSymbol)
		if !ValidSymbol(inst.YahooSymbol) {
			continue
		}
		if inst.Symbol == "" {
			inst.Symbol = inst.YahooSymbol
		}
		out = append(out, inst)
	}
	return out, nil
}

// Limit returns at most n instruments; n <= 0 means no limit.
func Limit(list []models.Instrument, n int) []models.Instrument {
	if n <= 0 || n >= len(list) {
		return list
	}
	return list[:n]
}

// Static is a fixed in-memory universe.
type Static []models.Instrument

func (s Static) Instruments(ctx context.Context) ([]models.Instrument, error) {
	return s, ctx.Err()
}
