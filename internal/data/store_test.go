// Package data_test provides tests for the data store.
package data_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlas-desktop/arena-backend/internal/data"
	"github.com/atlas-desktop/arena-backend/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func makeBars(start time.Time, n int, step time.Duration) []types.OHLCV {
	bars := make([]types.OHLCV, n)
	for i := 0; i < n; i++ {
		p := decimal.NewFromInt(int64(100 + i))
		bars[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * step),
			Open:      p,
			High:      p.Add(decimal.NewFromInt(1)),
			Low:       p.Sub(decimal.NewFromInt(1)),
			Close:     p,
			Volume:    decimal.NewFromInt(1000),
		}
	}
	return bars
}

func TestLoadMissingDataset(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	_, err = store.LoadBars(context.Background(), "AAPL", types.Timeframe1h)
	if !errors.Is(err, data.ErrNoData) {
		t.Fatalf("expected ErrNoData, got %v", err)
	}
}

func TestSaveAndLoadBars(t *testing.T) {
	dir := t.TempDir()
	store, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	start := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	bars := makeBars(start, 5, time.Hour)
	// Out of order plus a duplicate timestamp that should win.
	input := []types.OHLCV{bars[3], bars[0], bars[4], bars[1], bars[2]}
	dup := bars[2]
	dup.Close = decimal.NewFromInt(999)
	input = append(input, dup)

	meta, err := store.SaveBars("aapl", types.Timeframe1h, input)
	if err != nil {
		t.Fatalf("SaveBars: %v", err)
	}
	if meta.Symbol != "AAPL" || meta.TotalBars != 5 {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if !meta.StartDate.Equal(start) || !meta.EndDate.Equal(start.Add(4*time.Hour)) {
		t.Errorf("unexpected range: %v - %v", meta.StartDate, meta.EndDate)
	}

	// A fresh store must read the data back from disk.
	reopened, err := data.NewStore(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := reopened.LoadBars(context.Background(), "AAPL", types.Timeframe1h)
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("expected 5 bars, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("bars not sorted at %d", i)
		}
	}
	if !got[2].Close.Equal(decimal.NewFromInt(999)) {
		t.Errorf("duplicate should keep last occurrence, got close %s", got[2].Close)
	}
	if !reopened.HasDataset("AAPL", types.Timeframe1h) {
		t.Error("metadata not persisted")
	}
}

func TestStatusAndDelete(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}

	start := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	if _, err := store.SaveBars("AAPL", types.Timeframe1h, makeBars(start, 10, time.Hour)); err != nil {
		t.Fatal(err)
	}

	if st := store.Status("AAPL", "SPY"); st.IsReady {
		t.Error("status should not be ready without benchmark data")
	}

	if _, err := store.SaveBars("SPY", types.Timeframe1h, makeBars(start, 10, time.Hour)); err != nil {
		t.Fatal(err)
	}
	st := store.Status("AAPL", "SPY")
	if !st.IsReady || len(st.Datasets) != 2 {
		t.Errorf("unexpected status: %+v", st)
	}

	n, err := store.DeleteSymbol("SPY")
	if err != nil || n != 1 {
		t.Fatalf("DeleteSymbol = %d, %v", n, err)
	}
	if store.Status("AAPL", "SPY").IsReady {
		t.Error("status should drop readiness after benchmark deletion")
	}
	if _, err := store.LoadBars(context.Background(), "SPY", types.Timeframe1h); !errors.Is(err, data.ErrNoData) {
		t.Errorf("expected ErrNoData after delete, got %v", err)
	}
}

func TestRejectsPathLikeSymbols(t *testing.T) {
	store, err := data.NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.SaveBars("../etc", types.Timeframe1h, makeBars(time.Now(), 1, time.Hour)); err == nil {
		t.Error("expected invalid symbol error")
	}
}
