package stability

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// FeedQuote captures a USD price for the platform token along with the
// retrieval timestamp and the upstream source identifier.
type FeedQuote struct {
	Rate      *big.Rat
	Timestamp time.Time
	Source    string
}

// Clone returns a defensive copy so callers cannot mutate shared rates.
func (q FeedQuote) Clone() FeedQuote {
	clone := FeedQuote{Timestamp: q.Timestamp, Source: q.Source}
	if q.Rate != nil {
		clone.Rate = new(big.Rat).Set(q.Rate)
	}
	return clone
}

// PriceWei converts the decimal rate into the fixed-point wei representation
// the oracle consumes.
func (q FeedQuote) PriceWei() (*big.Int, error) {
	if q.Rate == nil || q.Rate.Sign() <= 0 {
		return nil, fmt.Errorf("stability: feed quote rate invalid")
	}
	scaled := new(big.Rat).Mul(q.Rate, new(big.Rat).SetInt(pricePrecision))
	wei := new(big.Int).Quo(scaled.Num(), scaled.Denom())
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("stability: feed quote rounds to zero")
	}
	return wei, nil
}

// PriceFeed resolves the current USD price for a token symbol.
type PriceFeed interface {
	GetRate(symbol string) (FeedQuote, error)
}

// ErrNoFreshQuote indicates no registered feed produced a quote within the
// configured freshness window.
var ErrNoFreshQuote = errors.New("stability: no fresh feed quote available")

func normaliseSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// FeedAggregator consults registered feeds in priority order until a fresh
// quote is obtained, keeping every feed behind one PriceFeed facade.
type FeedAggregator struct {
	mu       sync.RWMutex
	priority []string
	feeds    map[string]PriceFeed
	maxAge   time.Duration
}

// NewFeedAggregator constructs an aggregator with the provided priority and
// freshness window.
func NewFeedAggregator(priority []string, maxAge time.Duration) *FeedAggregator {
	return &FeedAggregator{
		priority: append([]string{}, priority...),
		feeds:    make(map[string]PriceFeed),
		maxAge:   maxAge,
	}
}

// SetMaxAge updates the freshness window used when filtering quotes.
func (a *FeedAggregator) SetMaxAge(maxAge time.Duration) {
	if a == nil {
		return
	}
	a.mu.Lock()
	a.maxAge = maxAge
	a.mu.Unlock()
}

// Register adds or replaces a feed under the supplied identifier. Identifiers
// are stored lowercase so lookups ignore configuration casing.
func (a *FeedAggregator) Register(name string, feed PriceFeed) {
	if a == nil {
		return
	}
	trimmed := strings.ToLower(strings.TrimSpace(name))
	if trimmed == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeds[trimmed] = feed
	for _, entry := range a.priority {
		if strings.EqualFold(entry, trimmed) {
			return
		}
	}
	a.priority = append(a.priority, trimmed)
}

// GetRate fetches a rate respecting the priority ordering and freshness
// window.
func (a *FeedAggregator) GetRate(symbol string) (FeedQuote, error) {
	if a == nil {
		return FeedQuote{}, fmt.Errorf("feed aggregator not configured")
	}
	a.mu.RLock()
	priority := append([]string{}, a.priority...)
	maxAge := a.maxAge
	a.mu.RUnlock()

	sym := normaliseSymbol(symbol)
	if sym == "" {
		return FeedQuote{}, fmt.Errorf("stability: feed symbol required")
	}
	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}
	var lastErr error
	for _, name := range priority {
		a.mu.RLock()
		feed := a.feeds[strings.ToLower(name)]
		a.mu.RUnlock()
		if feed == nil {
			continue
		}
		quote, err := feed.GetRate(sym)
		if err != nil {
			lastErr = err
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			lastErr = fmt.Errorf("feed %s returned invalid rate", name)
			continue
		}
		if maxAge > 0 && quote.Timestamp.Before(cutoff) {
			lastErr = ErrNoFreshQuote
			continue
		}
		result := quote.Clone()
		if strings.TrimSpace(result.Source) == "" {
			result.Source = strings.ToLower(name)
		}
		return result, nil
	}
	if lastErr == nil {
		lastErr = ErrNoFreshQuote
	}
	return FeedQuote{}, lastErr
}

// ManualFeed provides an in-memory feed used for tests and manual overrides
// during incident response.
type ManualFeed struct {
	mu     sync.RWMutex
	quotes map[string]FeedQuote
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{quotes: make(map[string]FeedQuote)}
}

// SetDecimal records the supplied decimal rate for the symbol.
func (m *ManualFeed) SetDecimal(symbol, rate string, ts time.Time) error {
	if m == nil {
		return fmt.Errorf("manual feed not configured")
	}
	trimmed := strings.TrimSpace(rate)
	if trimmed == "" {
		return fmt.Errorf("manual feed: rate required")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return fmt.Errorf("manual feed: invalid rate %q", rate)
	}
	if rat.Sign() <= 0 {
		return fmt.Errorf("manual feed: rate must be positive")
	}
	m.Set(symbol, rat, ts)
	return nil
}

// Set stores the provided rational rate for the symbol.
func (m *ManualFeed) Set(symbol string, rate *big.Rat, ts time.Time) {
	if m == nil || rate == nil {
		return
	}
	sym := normaliseSymbol(symbol)
	if sym == "" {
		return
	}
	m.mu.Lock()
	m.quotes[sym] = FeedQuote{Rate: new(big.Rat).Set(rate), Timestamp: ts, Source: "manual"}
	m.mu.Unlock()
}

// GetRate retrieves the stored rate for the symbol.
func (m *ManualFeed) GetRate(symbol string) (FeedQuote, error) {
	if m == nil {
		return FeedQuote{}, fmt.Errorf("manual feed not configured")
	}
	sym := normaliseSymbol(symbol)
	m.mu.RLock()
	stored, ok := m.quotes[sym]
	m.mu.RUnlock()
	if !ok {
		return FeedQuote{}, fmt.Errorf("manual feed: quote for %s not found", symbol)
	}
	return stored.Clone(), nil
}

// HTTPDoer abstracts http.Client for ease of testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

const defaultCoinGeckoEndpoint = "https://api.coingecko.com/api/v3/simple/price"

// CoinGeckoFeed adapts the public CoinGecko simple price API. idMap maps
// token symbols to CoinGecko asset identifiers.
type CoinGeckoFeed struct {
	client   HTTPDoer
	endpoint string
	idMap    map[string]string
}

// NewCoinGeckoFeed constructs a new adapter. When the client is nil
// http.DefaultClient is used.
func NewCoinGeckoFeed(client HTTPDoer, endpoint string, idMap map[string]string) *CoinGeckoFeed {
	ep := strings.TrimSpace(endpoint)
	if ep == "" {
		ep = defaultCoinGeckoEndpoint
	}
	if client == nil {
		client = http.DefaultClient
	}
	mapped := make(map[string]string, len(idMap))
	for sym, id := range idMap {
		mapped[normaliseSymbol(sym)] = strings.ToLower(strings.TrimSpace(id))
	}
	return &CoinGeckoFeed{client: client, endpoint: ep, idMap: mapped}
}

// GetRate fetches the USD quote for the symbol.
func (f *CoinGeckoFeed) GetRate(symbol string) (FeedQuote, error) {
	if f == nil {
		return FeedQuote{}, fmt.Errorf("coingecko feed not configured")
	}
	sym := normaliseSymbol(symbol)
	id, ok := f.idMap[sym]
	if !ok || id == "" {
		return FeedQuote{}, fmt.Errorf("coingecko feed: no asset id for %s", symbol)
	}
	req, err := http.NewRequest(http.MethodGet, f.endpoint, nil)
	if err != nil {
		return FeedQuote{}, err
	}
	values := url.Values{}
	values.Set("ids", id)
	values.Set("vs_currencies", "usd")
	req.URL.RawQuery = values.Encode()
	resp, err := f.client.Do(req)
	if err != nil {
		return FeedQuote{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return FeedQuote{}, fmt.Errorf("coingecko feed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var payload map[string]map[string]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return FeedQuote{}, fmt.Errorf("coingecko feed: decode: %w", err)
	}
	entry, ok := payload[id]
	if !ok {
		return FeedQuote{}, fmt.Errorf("coingecko feed: asset %s missing from response", id)
	}
	raw, ok := entry["usd"]
	if !ok {
		return FeedQuote{}, fmt.Errorf("coingecko feed: usd quote missing for %s", id)
	}
	rat, ok := new(big.Rat).SetString(raw.String())
	if !ok || rat.Sign() <= 0 {
		return FeedQuote{}, fmt.Errorf("coingecko feed: invalid rate %q", raw.String())
	}
	return FeedQuote{Rate: rat, Timestamp: time.Now(), Source: "coingecko"}, nil
}
