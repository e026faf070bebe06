// Package ledger records the engine's full decision trail: one entry per
// submitted intent with its fills and the P&L snapshot after crediting.
// Replaying the same bars must produce the same sequence of entries.
package ledger

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// Entry is one decision-trail record.
type Entry struct {
	CycleTime   time.Time         `json:"cycleTime"`
	Symbol      string            `json:"symbol"`
	Intent      types.OrderIntent `json:"intent"`
	Fills       []types.Fill      `json:"fills"`
	RealizedPnL decimal.Decimal   `json:"realizedPnl"`
	EquityAfter decimal.Decimal   `json:"equityAfter"`
}

// Recorder accepts entries in decision order.
type Recorder interface {
	Record(entry Entry) error
}

// Memory keeps entries in order in memory. Backtests read it back for the
// run summary and determinism checks.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{}
}

// Record implements Recorder.
func (m *Memory) Record(entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

// Entries returns a copy of all recorded entries in order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}

// Len returns the number of recorded entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Tail returns up to n most recent entries, oldest first.
func (m *Memory) Tail(n int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > len(m.entries) {
		n = len(m.entries)
	}
	return append([]Entry(nil), m.entries[len(m.entries)-n:]...)
}

// Tee fans entries out to several recorders, stopping at the first failure.
type Tee []Recorder

// Record implements Recorder.
func (t Tee) Record(entry Entry) error {
	for _, r := range t {
		if err := r.Record(entry); err != nil {
			return err
		}
	}
	return nil
}
