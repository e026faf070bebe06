package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SourceHealth reports the state of a sentiment feed.
type SourceHealth struct {
	IsHealthy   bool      `json:"isHealthy"`
	LastFetch   time.Time `json:"lastFetch"`
	LastError   string    `json:"lastError,omitempty"`
	FetchCount  int64     `json:"fetchCount"`
	ErrorCount  int64     `json:"errorCount"`
	DisplayName string    `json:"displayName"`
}

// FearGreedSource reads the market-wide fear & greed index. The index is
// symbol-agnostic; every symbol gets the same observation.
type FearGreedSource struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string

	mu     sync.RWMutex
	health SourceHealth
}

// NewFearGreedSource creates the fear & greed provider.
func NewFearGreedSource(logger *zap.Logger) *FearGreedSource {
	return &FearGreedSource{
		logger:     logger.Named("fear-greed"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://api.alternative.me/fng/",
		health:     SourceHealth{IsHealthy: true, DisplayName: "fear_greed"},
	}
}

// Health returns the feed state.
func (f *FearGreedSource) Health() SourceHealth {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.health
}

// Recent implements Source. The raw index in [0,100] maps linearly onto
// [-1,1] with 50 as neutral.
func (f *FearGreedSource) Recent(ctx context.Context, symbol string, window time.Duration) ([]Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		f.recordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fear & greed API status %d", resp.StatusCode)
		f.recordError(err)
		return nil, err
	}

	var payload struct {
		Data []struct {
			Value     string `json:"value"`
			Timestamp string `json:"timestamp"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		f.recordError(err)
		return nil, err
	}
	if len(payload.Data) == 0 {
		f.recordError(fmt.Errorf("fear & greed API returned no data"))
		return nil, nil
	}

	value, err := strconv.ParseFloat(payload.Data[0].Value, 64)
	if err != nil {
		f.recordError(err)
		return nil, err
	}
	unix, err := strconv.ParseInt(payload.Data[0].Timestamp, 10, 64)
	if err != nil {
		f.recordError(err)
		return nil, err
	}

	f.recordSuccess()
	return []Observation{{
		Symbol:     symbol,
		Score:      value/50 - 1,
		ObservedAt: time.Unix(unix, 0).UTC(),
		Source:     "fear_greed",
	}}, nil
}

func (f *FearGreedSource) recordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health.IsHealthy = true
	f.health.LastFetch = time.Now()
	f.health.LastError = ""
	f.health.FetchCount++
}

func (f *FearGreedSource) recordError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health.IsHealthy = false
	f.health.LastError = err.Error()
	f.health.ErrorCount++
}

// NewsVoteSource reads a crypto news feed where community votes classify
// posts as bullish or bearish. Each post becomes one +1/-1/0 observation.
type NewsVoteSource struct {
	logger     *zap.Logger
	httpClient *http.Client
	baseURL    string
	authToken  string

	mu     sync.RWMutex
	health SourceHealth
}

// NewNewsVoteSource creates the news vote provider.
func NewNewsVoteSource(logger *zap.Logger, authToken string) *NewsVoteSource {
	return &NewsVoteSource{
		logger:     logger.Named("news-votes"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    "https://cryptopanic.com/api/v1/posts/",
		authToken:  authToken,
		health:     SourceHealth{IsHealthy: true, DisplayName: "news_votes"},
	}
}

// Health returns the feed state.
func (n *NewsVoteSource) Health() SourceHealth {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.health
}

// Recent implements Source.
func (n *NewsVoteSource) Recent(ctx context.Context, symbol string, window time.Duration) ([]Observation, error) {
	if n.authToken == "" {
		return nil, nil
	}

	url := fmt.Sprintf("%s?auth_token=%s&currencies=%s&public=true",
		n.baseURL, n.authToken, baseAsset(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.recordError(err)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("news API status %d", resp.StatusCode)
		n.recordError(err)
		return nil, err
	}

	var payload struct {
		Results []struct {
			CreatedAt time.Time `json:"created_at"`
			Votes     struct {
				Positive int `json:"positive"`
				Negative int `json:"negative"`
			} `json:"votes"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		n.recordError(err)
		return nil, err
	}

	cutoff := time.Now().Add(-window)
	observations := make([]Observation, 0, len(payload.Results))
	for _, post := range payload.Results {
		if post.CreatedAt.Before(cutoff) {
			continue
		}
		score := 0.0
		if post.Votes.Positive > post.Votes.Negative {
			score = 1
		} else if post.Votes.Negative > post.Votes.Positive {
			score = -1
		}
		observations = append(observations, Observation{
			Symbol:     symbol,
			Score:      score,
			ObservedAt: post.CreatedAt.UTC(),
			Source:     "news_votes",
		})
	}

	n.recordSuccess()
	return observations, nil
}

func (n *NewsVoteSource) recordSuccess() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health.IsHealthy = true
	n.health.LastFetch = time.Now()
	n.health.LastError = ""
	n.health.FetchCount++
}

func (n *NewsVoteSource) recordError(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.health.IsHealthy = false
	n.health.LastError = err.Error()
	n.health.ErrorCount++
}

// baseAsset strips the quote currency from a pair symbol, BTCUSDT -> BTC.
func baseAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD", "USD"} {
		if strings.HasSuffix(symbol, quote) && len(symbol) > len(quote) {
			return strings.TrimSuffix(symbol, quote)
		}
	}
	return symbol
}
