package ledger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// SQLiteConfig locates the durable ledger database.
type SQLiteConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// DefaultSQLiteConfig returns the standard ledger location.
func DefaultSQLiteConfig() SQLiteConfig {
	return SQLiteConfig{Path: "./data/ledger.db"}
}

// entryRow is the database shape of one entry. Intent and fills are stored
// as JSON; decimals as strings.
type entryRow struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	RunID       string `gorm:"index;size:40"`
	CycleTime   int64  `gorm:"index"`
	Symbol      string `gorm:"index;size:20"`
	ClientID    string `gorm:"size:40"`
	IntentJSON  string
	FillsJSON   string
	RealizedPnL string
	EquityAfter string
}

func (entryRow) TableName() string { return "ledger_entries" }

// SQLite appends entries durably, tagged with the run ID so multiple runs
// share one database.
type SQLite struct {
	logger *zap.Logger
	db     *gorm.DB
	runID  string
}

// NewSQLite opens (creating if needed) the ledger database.
func NewSQLite(cfg SQLiteConfig, runID string, logger *zap.Logger) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening ledger store: %w", err)
	}
	if err := db.AutoMigrate(&entryRow{}); err != nil {
		return nil, fmt.Errorf("migrating ledger store: %w", err)
	}

	return &SQLite{logger: logger, db: db, runID: runID}, nil
}

// Record implements Recorder.
func (s *SQLite) Record(entry Entry) error {
	intentJSON, err := json.Marshal(entry.Intent)
	if err != nil {
		return fmt.Errorf("encoding intent for %s: %w", entry.Symbol, err)
	}
	fillsJSON, err := json.Marshal(entry.Fills)
	if err != nil {
		return fmt.Errorf("encoding fills for %s: %w", entry.Symbol, err)
	}

	row := entryRow{
		RunID:       s.runID,
		CycleTime:   entry.CycleTime.UnixMilli(),
		Symbol:      entry.Symbol,
		ClientID:    entry.Intent.ClientID,
		IntentJSON:  string(intentJSON),
		FillsJSON:   string(fillsJSON),
		RealizedPnL: entry.RealizedPnL.String(),
		EquityAfter: entry.EquityAfter.String(),
	}
	if err := s.db.Create(&row).Error; err != nil {
		return fmt.Errorf("recording ledger entry for %s: %w", entry.Symbol, err)
	}
	return nil
}

// Entries loads all entries for this recorder's run in decision order.
func (s *SQLite) Entries() ([]Entry, error) {
	var rows []entryRow
	err := s.db.Where("run_id = ?", s.runID).Order("id asc").Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("loading ledger entries: %w", err)
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, fmt.Errorf("corrupt ledger entry %d: %w", row.ID, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r entryRow) toEntry() (Entry, error) {
	var intent types.OrderIntent
	if err := json.Unmarshal([]byte(r.IntentJSON), &intent); err != nil {
		return Entry{}, err
	}
	var fills []types.Fill
	if err := json.Unmarshal([]byte(r.FillsJSON), &fills); err != nil {
		return Entry{}, err
	}
	realized, err := decimal.NewFromString(r.RealizedPnL)
	if err != nil {
		return Entry{}, err
	}
	equity, err := decimal.NewFromString(r.EquityAfter)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		CycleTime:   time.UnixMilli(r.CycleTime).UTC(),
		Symbol:      r.Symbol,
		Intent:      intent,
		Fills:       fills,
		RealizedPnL: realized,
		EquityAfter: equity,
	}, nil
}
