package data_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/internal/data"
	"github.com/atlas-desktop/decision-engine/pkg/types"
)

var hourZero = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func makeBars(symbol string, n int) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		price := decimal.NewFromInt(int64(50000 + i))
		bars[i] = types.Bar{
			Symbol:   symbol,
			OpenTime: hourZero.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price.Add(decimal.NewFromInt(10)),
			Low:      price.Sub(decimal.NewFromInt(10)),
			Close:    price.Add(decimal.NewFromInt(5)),
			Volume:   decimal.NewFromInt(1000),
		}
	}
	return bars
}

func openStore(t *testing.T) *data.Store {
	t.Helper()
	store, err := data.NewStore(data.StoreConfig{
		Path: filepath.Join(t.TempDir(), "klines.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreRoundTrip(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	bars := makeBars("BTCUSDT", 10)
	if err := store.Upsert(ctx, types.Interval1h, bars); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Bars(ctx, "BTCUSDT", types.Interval1h, hourZero, hourZero.Add(10*time.Hour))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d bars, want 10", len(got))
	}
	for i, b := range got {
		if !b.OpenTime.Equal(bars[i].OpenTime) {
			t.Errorf("bar %d open time %s, want %s", i, b.OpenTime, bars[i].OpenTime)
		}
		if !b.Close.Equal(bars[i].Close) {
			t.Errorf("bar %d close %s, want %s", i, b.Close, bars[i].Close)
		}
	}
}

func TestStoreWindowIsHalfOpen(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, types.Interval1h, makeBars("BTCUSDT", 5)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Bars(ctx, "BTCUSDT", types.Interval1h, hourZero.Add(time.Hour), hourZero.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d bars, want 2", len(got))
	}
	if !got[0].OpenTime.Equal(hourZero.Add(time.Hour)) {
		t.Errorf("first bar at %s, want %s", got[0].OpenTime, hourZero.Add(time.Hour))
	}
}

func TestStoreUpsertIsIdempotent(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	bars := makeBars("ETHUSDT", 8)
	for i := 0; i < 3; i++ {
		if err := store.Upsert(ctx, types.Interval1h, bars); err != nil {
			t.Fatalf("Upsert pass %d: %v", i, err)
		}
	}

	got, err := store.Bars(ctx, "ETHUSDT", types.Interval1h, hourZero, hourZero.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 8 {
		t.Fatalf("got %d bars after repeated upserts, want 8", len(got))
	}
}

func TestStoreUpsertReplacesRow(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	bars := makeBars("BTCUSDT", 1)
	if err := store.Upsert(ctx, types.Interval1h, bars); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	bars[0].Close = decimal.NewFromInt(99999)
	if err := store.Upsert(ctx, types.Interval1h, bars); err != nil {
		t.Fatalf("Upsert replace: %v", err)
	}

	got, err := store.Bars(ctx, "BTCUSDT", types.Interval1h, hourZero, hourZero.Add(time.Hour))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 1 || !got[0].Close.Equal(decimal.NewFromInt(99999)) {
		t.Fatalf("replaced row not visible: %+v", got)
	}
}

func TestStoreIntervalsAreSeparate(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	if err := store.Upsert(ctx, types.Interval1h, makeBars("BTCUSDT", 3)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := store.Bars(ctx, "BTCUSDT", types.Interval4h, hourZero, hourZero.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("4h query returned %d bars stored as 1h", len(got))
	}
}

func TestStoreRange(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	_, _, ok, err := store.Range(ctx, "BTCUSDT", types.Interval1h)
	if err != nil {
		t.Fatalf("Range empty: %v", err)
	}
	if ok {
		t.Fatal("Range reported data for an empty store")
	}

	if err := store.Upsert(ctx, types.Interval1h, makeBars("BTCUSDT", 6)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	start, end, ok, err := store.Range(ctx, "BTCUSDT", types.Interval1h)
	if err != nil || !ok {
		t.Fatalf("Range: ok=%v err=%v", ok, err)
	}
	if !start.Equal(hourZero) || !end.Equal(hourZero.Add(5*time.Hour)) {
		t.Errorf("range [%s, %s], want [%s, %s]", start, end, hourZero, hourZero.Add(5*time.Hour))
	}
}

type stubSource struct {
	bars []types.Bar
	err  error
}

func (s stubSource) Bars(context.Context, string, types.Interval, time.Time, time.Time) ([]types.Bar, error) {
	return s.bars, s.err
}

func TestStoreBackfill(t *testing.T) {
	store := openStore(t)
	ctx := context.Background()

	n, err := store.Backfill(ctx, stubSource{bars: makeBars("BTCUSDT", 12)},
		"BTCUSDT", types.Interval1h, hourZero, hourZero.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 12 {
		t.Fatalf("backfilled %d bars, want 12", n)
	}

	got, err := store.Bars(ctx, "BTCUSDT", types.Interval1h, hourZero, hourZero.Add(12*time.Hour))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("got %d bars, want 12", len(got))
	}
}

func TestStoreBackfillSourceFailure(t *testing.T) {
	store := openStore(t)

	wantErr := errors.New("venue down")
	_, err := store.Backfill(context.Background(), stubSource{err: wantErr},
		"BTCUSDT", types.Interval1h, hourZero, hourZero.Add(time.Hour))
	if !errors.Is(err, wantErr) {
		t.Fatalf("Backfill error = %v, want wrapped %v", err, wantErr)
	}
}
