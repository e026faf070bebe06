package data

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// StoreConfig locates the kline database.
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// DefaultStoreConfig returns the standard database location.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{Path: "./data/klines.db"}
}

// klineRow is the database shape of one closed bar. Prices are stored as
// strings so decimals round-trip exactly.
type klineRow struct {
	Symbol   string `gorm:"primaryKey;size:20"`
	Interval string `gorm:"primaryKey;size:8"`
	OpenTime int64  `gorm:"primaryKey"`
	Open     string
	High     string
	Low      string
	Close    string
	Volume   string
}

func (klineRow) TableName() string { return "klines" }

// Store persists klines in SQLite, keyed (symbol, interval, open_time).
// Writes are idempotent upserts so repeated backfills never duplicate bars.
type Store struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewStore opens (creating if needed) the kline database.
func NewStore(cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening kline store: %w", err)
	}
	if err := db.AutoMigrate(&klineRow{}); err != nil {
		return nil, fmt.Errorf("migrating kline store: %w", err)
	}

	return &Store{logger: logger, db: db}, nil
}

// Upsert writes the bars, replacing any existing rows with the same key.
func (s *Store) Upsert(ctx context.Context, interval types.Interval, bars []types.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	rows := make([]klineRow, len(bars))
	for i, b := range bars {
		rows[i] = klineRow{
			Symbol:   b.Symbol,
			Interval: string(interval),
			OpenTime: b.OpenTime.UnixMilli(),
			Open:     b.Open.String(),
			High:     b.High.String(),
			Low:      b.Low.String(),
			Close:    b.Close.String(),
			Volume:   b.Volume.String(),
		}
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		CreateInBatches(rows, 500).Error
	if err != nil {
		return fmt.Errorf("upserting %d klines for %s: %w", len(bars), bars[0].Symbol, err)
	}
	return nil
}

// Bars implements BarSource: ordered bars with OpenTime in [start, end).
func (s *Store) Bars(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Bar, error) {
	var rows []klineRow
	err := s.db.WithContext(ctx).
		Where("symbol = ? AND interval = ? AND open_time >= ? AND open_time < ?",
			symbol, string(interval), start.UnixMilli(), end.UnixMilli()).
		Order("open_time asc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading klines for %s: %w", symbol, err)
	}

	bars := make([]types.Bar, 0, len(rows))
	for _, r := range rows {
		bar, err := r.toBar()
		if err != nil {
			return nil, fmt.Errorf("corrupt kline for %s at %d: %w", symbol, r.OpenTime, err)
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

// Range reports the stored time span for a symbol and interval. ok is false
// when no bars are stored.
func (s *Store) Range(ctx context.Context, symbol string, interval types.Interval) (start, end time.Time, ok bool, err error) {
	type bounds struct {
		Min int64
		Max int64
		N   int64
	}
	var b bounds
	err = s.db.WithContext(ctx).Model(&klineRow{}).
		Select("MIN(open_time) as min, MAX(open_time) as max, COUNT(*) as n").
		Where("symbol = ? AND interval = ?", symbol, string(interval)).
		Scan(&b).Error
	if err != nil || b.N == 0 {
		return time.Time{}, time.Time{}, false, err
	}
	return time.UnixMilli(b.Min).UTC(), time.UnixMilli(b.Max).UTC(), true, nil
}

// Backfill pulls history from the source and persists it. Existing rows are
// overwritten, which makes interrupted backfills safe to rerun.
func (s *Store) Backfill(ctx context.Context, source BarSource, symbol string, interval types.Interval, start, end time.Time) (int, error) {
	bars, err := source.Bars(ctx, symbol, interval, start, end)
	if err != nil {
		return 0, fmt.Errorf("backfilling %s: %w", symbol, err)
	}
	if err := s.Upsert(ctx, interval, bars); err != nil {
		return 0, err
	}
	s.logger.Info("Backfilled klines",
		zap.String("symbol", symbol),
		zap.String("interval", string(interval)),
		zap.Int("bars", len(bars)))
	return len(bars), nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r klineRow) toBar() (types.Bar, error) {
	fields := [5]string{r.Open, r.High, r.Low, r.Close, r.Volume}
	var parsed [5]decimal.Decimal
	for i, s := range fields {
		v, err := decimal.NewFromString(s)
		if err != nil {
			return types.Bar{}, err
		}
		parsed[i] = v
	}
	return types.Bar{
		Symbol:   r.Symbol,
		OpenTime: time.UnixMilli(r.OpenTime).UTC(),
		Open:     parsed[0],
		High:     parsed[1],
		Low:      parsed[2],
		Close:    parsed[3],
		Volume:   parsed[4],
	}, nil
}
