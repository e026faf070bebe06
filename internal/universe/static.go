package universe

import "context"

// Static is a fixed evaluation set. Backtests use it so the universe is
// part of the replayed inputs rather than a live ranking.
type Static []string

// Select returns the fixed set.
func (s Static) Select(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

// RecordReward is a no-op; a fixed universe has nothing to learn.
func (Static) RecordReward(string, float64) {}
