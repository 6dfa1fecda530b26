package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"lendcore/native/lending"
)

// Quote is the USD price of one smallest unit of a token expressed as
// Multiplier / 10^Decimals, together with the time the source observed it.
type Quote struct {
	Multiplier *big.Int
	Decimals   uint8
	Timestamp  time.Time
	Source     string
}

// Clone returns a deep copy of the quote.
func (q Quote) Clone() Quote {
	clone := Quote{Decimals: q.Decimals, Timestamp: q.Timestamp, Source: q.Source}
	if q.Multiplier != nil {
		clone.Multiplier = new(big.Int).Set(q.Multiplier)
	}
	return clone
}

// Price converts the quote into the lending price form.
func (q Quote) Price() lending.Price {
	return lending.Price{Multiplier: new(big.Int).Set(q.Multiplier), Decimals: q.Decimals}
}

// Feed resolves the current quote for a token.
type Feed interface {
	Quote(ctx context.Context, token string) (Quote, error)
}

var (
	// ErrNoFreshQuote indicates that no feed produced a quote within the
	// freshness window.
	ErrNoFreshQuote = errors.New("oracle: no fresh quote available")
	// ErrQuoteNotFound is returned by feeds that do not know a token.
	ErrQuoteNotFound = errors.New("oracle: quote not found")
)

// FeedHealth reports the last successful observation of a token.
type FeedHealth struct {
	Token        string    `json:"token"`
	Source       string    `json:"source"`
	LastObserved time.Time `json:"lastObserved"`
	Observations int       `json:"observations"`
}

// Aggregator consults registered feeds in priority order until a fresh quote
// is obtained.
type Aggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]Feed
	maxAge   time.Duration
	now      func() time.Time
	health   map[string]FeedHealth
	logger   *slog.Logger
}

// NewAggregator constructs an aggregator with the provided priority and
// freshness window. A zero maxAge disables the freshness check.
func NewAggregator(priority []string, maxAge time.Duration) *Aggregator {
	prio := make([]string, 0, len(priority))
	for _, name := range priority {
		if trimmed := strings.ToLower(strings.TrimSpace(name)); trimmed != "" {
			prio = append(prio, trimmed)
		}
	}
	return &Aggregator{
		priority: prio,
		feeds:    make(map[string]Feed),
		maxAge:   maxAge,
		now:      time.Now,
		health:   make(map[string]FeedHealth),
		logger:   slog.Default(),
	}
}

// SetClock overrides the time source used for the freshness check.
func (a *Aggregator) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	a.mu.Lock()
	a.now = now
	a.mu.Unlock()
}

// SetLogger replaces the logger used to report skipped quotes.
func (a *Aggregator) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	a.mu.Lock()
	a.logger = l
	a.mu.Unlock()
}

// Register adds or replaces a feed. Feeds not named in the priority list are
// consulted after the listed ones, in registration order.
func (a *Aggregator) Register(name string, feed Feed) {
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" || feed == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[trimmed] = feed
	for _, entry := range a.priority {
		if entry == trimmed {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// Quote fetches a fresh quote for token.
func (a *Aggregator) Quote(ctx context.Context, token string) (Quote, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Quote{}, fmt.Errorf("oracle: token required")
	}
	a.mu.RLock()
	priority := append([]string(nil), a.priority...)
	maxAge := a.maxAge
	now := a.now()
	a.mu.RUnlock()

	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		feed := a.feeds[name]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		quote, err := feed.Quote(ctx, token)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Multiplier == nil || quote.Multiplier.Sign() <= 0 {
			lastErr = fmt.Errorf("oracle: feed %s returned invalid price for %s", name, token)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(now.Add(-maxAge)) {
			lastErr = fmt.Errorf("%w: %s from %s observed %s", ErrNoFreshQuote, token, name, quote.Timestamp.UTC().Format(time.RFC3339))
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = name
		}
		a.record(token, result)
		return result, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: %s", ErrNoFreshQuote, token)
	}
	return Quote{}, lastErr
}

func (a *Aggregator) record(token string, q Quote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := a.health[token]
	h.Token = token
	h.Source = q.Source
	h.LastObserved = q.Timestamp
	h.Observations++
	a.health[token] = h
}

// Prices builds the lending price set for tokens. Tokens without a fresh
// quote are left out; the engine rejects a batch only if it needs them.
func (a *Aggregator) Prices(ctx context.Context, tokens []lending.TokenID) *lending.Prices {
	a.mu.RLock()
	now := a.now()
	logger := a.logger
	a.mu.RUnlock()
	prices := lending.NewPrices(uint64(now.UnixMilli()))
	for _, token := range tokens {
		quote, err := a.Quote(ctx, string(token))
		if err != nil {
			logger.Warn("price unavailable", "token", token, "error", err)
			continue
		}
		prices.Set(token, quote.Price())
	}
	return prices
}

// Health reports the last observation per token, sorted by token.
func (a *Aggregator) Health() []FeedHealth {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]FeedHealth, 0, len(a.health))
	for _, h := range a.health {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out
}

// ManualFeed is an in-memory feed used for tests and manual overrides during
// incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[string]Quote)}
}

// SetDecimal records a USD price per whole token given as a decimal string.
// tokenDecimals is the number of decimals of the token's smallest unit.
func (m *ManualFeed) SetDecimal(token, usd string, tokenDecimals uint8, ts time.Time) error {
	price, err := decimal.NewFromString(strings.TrimSpace(usd))
	if err != nil {
		return fmt.Errorf("manual feed: invalid price %q: %w", usd, err)
	}
	if !price.IsPositive() {
		return fmt.Errorf("manual feed: price must be positive")
	}
	frac := int32(0)
	if exp := price.Exponent(); exp < 0 {
		frac = -exp
	}
	decimals := int32(tokenDecimals) + frac
	if decimals > 255 {
		return fmt.Errorf("manual feed: price %q too precise", usd)
	}
	multiplier := price.Shift(frac).BigInt()
	m.Set(token, Quote{Multiplier: multiplier, Decimals: uint8(decimals), Timestamp: ts, Source: "manual"})
	return nil
}

// Set stores a quote for token.
func (m *ManualFeed) Set(token string, q Quote) {
	m.mu.Lock()
	m.quotes[strings.TrimSpace(token)] = q.Clone()
	m.mu.Unlock()
}

func (m *ManualFeed) Quote(_ context.Context, token string) (Quote, error) {
	m.mu.RLock()
	stored, ok := m.quotes[token]
	m.mu.RUnlock()
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, token)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPFeed reads quotes from a price service answering
// GET {endpoint}?token=<id> with {"multiplier","decimals","timestamp"}.
type HTTPFeed struct {
	client   HTTPDoer
	endpoint string
	apiKey   string
	name     string
}

// NewHTTPFeed constructs an HTTP feed adapter. When the client is nil
// http.DefaultClient is used. The API key is optional.
func NewHTTPFeed(name string, client HTTPDoer, endpoint, apiKey string) *HTTPFeed {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFeed{client: client, endpoint: strings.TrimSpace(endpoint), apiKey: strings.TrimSpace(apiKey), name: name}
}

func (f *HTTPFeed) Quote(ctx context.Context, token string) (Quote, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	values := url.Values{}
	values.Set("token", token)
	req.URL.RawQuery = values.Encode()
	if f.apiKey != "" {
		req.Header.Set("x-api-key", f.apiKey)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return Quote{}, fmt.Errorf("%w: %s", ErrQuoteNotFound, token)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Quote{}, fmt.Errorf("%s feed: status %d: %s", f.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload struct {
		Multiplier string `json:"multiplier"`
		Decimals   uint8  `json:"decimals"`
		Timestamp  int64  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Quote{}, fmt.Errorf("%s feed: decode: %w", f.name, err)
	}
	multiplier, ok := new(big.Int).SetString(strings.TrimSpace(payload.Multiplier), 10)
	if !ok || multiplier.Sign() <= 0 {
		return Quote{}, fmt.Errorf("%s feed: invalid multiplier %q", f.name, payload.Multiplier)
	}
	return Quote{
		Multiplier: multiplier,
		Decimals:   payload.Decimals,
		Timestamp:  time.UnixMilli(payload.Timestamp),
		Source:     f.name,
	}, nil
}
