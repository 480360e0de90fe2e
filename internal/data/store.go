// Package data provides historical market data storage for real-data rounds.
package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/apperr"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"go.uber.org/zap"
)

// ErrNoData is returned when no dataset exists for a symbol and interval.
var ErrNoData = errors.New("no market data")

// Store provides access to ingested historical bars, one JSON file per
// symbol and interval plus a metadata index.
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	dataDir  string
	cache    map[string][]types.OHLCV
	metadata map[string]*types.MarketDataset
}

// NewStore creates a new data store rooted at dataDir.
func NewStore(logger *zap.Logger, dataDir string) (*Store, error) {
	store := &Store{
		logger:   logger,
		dataDir:  dataDir,
		cache:    make(map[string][]types.OHLCV),
		metadata: make(map[string]*types.MarketDataset),
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	if err := store.loadMetadata(); err != nil {
		logger.Warn("Failed to load market data metadata", zap.Error(err))
	}

	return store, nil
}

func datasetKey(symbol string, interval types.Timeframe) string {
	return fmt.Sprintf("%s_%s", strings.ToUpper(symbol), interval)
}

func validSymbol(symbol string) bool {
	if symbol == "" || len(symbol) > 16 {
		return false
	}
	return !strings.ContainsAny(symbol, `/\.:`)
}

// LoadBars returns all bars for symbol at interval, oldest first.
func (s *Store) LoadBars(ctx context.Context, symbol string, interval types.Timeframe) ([]types.OHLCV, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validSymbol(symbol) {
		return nil, apperr.InvalidConfig("invalid symbol %q", symbol)
	}

	key := datasetKey(symbol, interval)

	s.mu.RLock()
	cached, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cached, ok := s.cache[key]; ok {
		return cached, nil
	}

	raw, err := os.ReadFile(filepath.Join(s.dataDir, key+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", symbol, interval, ErrNoData)
		}
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	var bars []types.OHLCV
	if err := json.Unmarshal(raw, &bars); err != nil {
		return nil, fmt.Errorf("failed to parse data: %w", err)
	}
	if len(bars) == 0 {
		return nil, fmt.Errorf("%s %s: %w", symbol, interval, ErrNoData)
	}

	sortBars(bars)
	s.cache[key] = bars
	return bars, nil
}

// SaveBars replaces the dataset for symbol at interval. Bars are sorted and
// de-duplicated by timestamp, keeping the last occurrence.
func (s *Store) SaveBars(symbol string, interval types.Timeframe, bars []types.OHLCV) (*types.MarketDataset, error) {
	if !validSymbol(symbol) {
		return nil, apperr.InvalidConfig("invalid symbol %q", symbol)
	}
	if len(bars) == 0 {
		return nil, apperr.InvalidConfig("no bars to save")
	}

	clean := dedupe(bars)

	s.mu.Lock()
	defer s.mu.Unlock()

	key := datasetKey(symbol, interval)
	raw, err := json.Marshal(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dataDir, key+".json"), raw, 0644); err != nil {
		return nil, fmt.Errorf("failed to write data file: %w", err)
	}

	s.cache[key] = clean
	meta := &types.MarketDataset{
		Symbol:    strings.ToUpper(symbol),
		Interval:  interval,
		StartDate: clean[0].Timestamp,
		EndDate:   clean[len(clean)-1].Timestamp,
		TotalBars: len(clean),
		FetchedAt: time.Now().UTC(),
	}
	s.metadata[key] = meta

	if err := s.saveMetadata(); err != nil {
		return nil, fmt.Errorf("failed to save metadata: %w", err)
	}

	s.logger.Info("Stored market data",
		zap.String("symbol", meta.Symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", meta.TotalBars),
	)

	out := *meta
	return &out, nil
}

// DeleteSymbol removes every interval stored for symbol and returns how many
// datasets were deleted.
func (s *Store) DeleteSymbol(symbol string) (int, error) {
	if !validSymbol(symbol) {
		return 0, apperr.InvalidConfig("invalid symbol %q", symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, interval := range types.Timeframes {
		key := datasetKey(symbol, interval)
		if _, ok := s.metadata[key]; !ok {
			continue
		}
		if err := os.Remove(filepath.Join(s.dataDir, key+".json")); err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("failed to remove data file: %w", err)
		}
		delete(s.metadata, key)
		delete(s.cache, key)
		deleted++
	}

	if deleted > 0 {
		if err := s.saveMetadata(); err != nil {
			return deleted, fmt.Errorf("failed to save metadata: %w", err)
		}
	}
	return deleted, nil
}

// Datasets lists stored datasets ordered by symbol then interval.
func (s *Store) Datasets() []types.MarketDataset {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.MarketDataset, 0, len(s.metadata))
	for _, m := range s.metadata {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Interval < out[j].Interval
	})
	return out
}

// HasDataset reports whether symbol has data at interval.
func (s *Store) HasDataset(symbol string, interval types.Timeframe) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.metadata[datasetKey(symbol, interval)]
	return ok
}

// Status reports whether real-data rounds can run for symbol against the
// benchmark.
func (s *Store) Status(symbol, benchmark string) types.MarketDataStatus {
	status := types.MarketDataStatus{
		Symbol:          strings.ToUpper(symbol),
		BenchmarkSymbol: strings.ToUpper(benchmark),
	}
	for _, d := range s.Datasets() {
		if d.Symbol == status.Symbol || d.Symbol == status.BenchmarkSymbol {
			status.Datasets = append(status.Datasets, d)
		}
	}

	for _, interval := range types.Timeframes {
		if s.HasDataset(symbol, interval) && s.HasDataset(benchmark, interval) {
			status.IsReady = true
			break
		}
	}

	if status.IsReady {
		status.Message = "market data ready"
	} else {
		status.Message = fmt.Sprintf("import %s and %s bars to enable real-data rounds", status.Symbol, status.BenchmarkSymbol)
	}
	return status
}

// ClearCache clears the in-memory cache
func (s *Store) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache = make(map[string][]types.OHLCV)
}

func sortBars(bars []types.OHLCV) {
	sort.SliceStable(bars, func(i, j int) bool {
		return bars[i].Timestamp.Before(bars[j].Timestamp)
	})
}

func dedupe(bars []types.OHLCV) []types.OHLCV {
	sorted := make([]types.OHLCV, len(bars))
	copy(sorted, bars)
	sortBars(sorted)

	out := sorted[:0]
	for _, b := range sorted {
		if n := len(out); n > 0 && out[n-1].Timestamp.Equal(b.Timestamp) {
			out[n-1] = b
			continue
		}
		out = append(out, b)
	}
	return out
}

// loadMetadata loads the dataset index from disk
func (s *Store) loadMetadata() error {
	raw, err := os.ReadFile(filepath.Join(s.dataDir, "metadata.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var metadata map[string]*types.MarketDataset
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return err
	}
	if metadata != nil {
		s.metadata = metadata
	}
	return nil
}

// saveMetadata writes the dataset index to disk; callers hold s.mu.
func (s *Store) saveMetadata() error {
	raw, err := json.MarshalIndent(s.metadata, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, "metadata.json"), raw, 0644)
}
