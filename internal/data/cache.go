package data

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/decision-engine/pkg/types"
)

// CacheConfig tunes the bar cache.
type CacheConfig struct {
	// TTL is how long a fetched window stays fresh.
	TTL time.Duration `json:"ttl" mapstructure:"ttl"`
}

// DefaultCacheConfig returns the live polling default.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 45 * time.Minute}
}

type cachedWindow struct {
	bars      []types.Bar
	start     time.Time
	end       time.Time
	fetchedAt time.Time
}

// CachedSource wraps a BarSource with a per-symbol TTL cache so repeated
// polls inside one interval don't refetch the same window.
type CachedSource struct {
	logger *zap.Logger
	inner  BarSource
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]cachedWindow
}

// NewCachedSource wraps inner with a TTL cache.
func NewCachedSource(cfg CacheConfig, inner BarSource, logger *zap.Logger) *CachedSource {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 45 * time.Minute
	}
	return &CachedSource{
		logger:  logger,
		inner:   inner,
		ttl:     ttl,
		now:     time.Now,
		windows: make(map[string]cachedWindow),
	}
}

// Bars serves from the cache when a fresh window covers the request, and
// refetches through the inner source otherwise.
func (c *CachedSource) Bars(ctx context.Context, symbol string, interval types.Interval, start, end time.Time) ([]types.Bar, error) {
	key := symbol + "|" + string(interval)

	c.mu.Lock()
	win, ok := c.windows[key]
	c.mu.Unlock()

	if ok && c.now().Sub(win.fetchedAt) < c.ttl && !start.Before(win.start) && !end.After(win.end) {
		return sliceWindow(win.bars, start, end), nil
	}

	bars, err := c.inner.Bars(ctx, symbol, interval, start, end)
	if err != nil {
		if ok {
			// Serve the stale window rather than stall the cycle.
			c.logger.Warn("bar fetch failed, serving stale cache",
				zap.String("symbol", symbol),
				zap.Error(err))
			return sliceWindow(win.bars, start, end), nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.windows[key] = cachedWindow{bars: bars, start: start, end: end, fetchedAt: c.now()}
	c.mu.Unlock()
	return bars, nil
}

// sliceWindow returns the bars with OpenTime in [start, end).
func sliceWindow(bars []types.Bar, start, end time.Time) []types.Bar {
	out := make([]types.Bar, 0, len(bars))
	for _, b := range bars {
		if b.OpenTime.Before(start) || !b.OpenTime.Before(end) {
			continue
		}
		out = append(out, b)
	}
	return out
}
