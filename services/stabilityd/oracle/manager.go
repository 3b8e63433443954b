package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/buckhoff/stabilityfund/native/stability"
	"github.com/buckhoff/stabilityfund/observability"
	"github.com/buckhoff/stabilityfund/services/stabilityd/storage"
)

// Feed pairs a configured source name with its price resolver.
type Feed struct {
	Name   string
	Source stability.PriceFeed
}

// Manager polls the configured feeds, aggregates a median and submits the
// result to the engine as the oracle updater.
type Manager struct {
	logger   *slog.Logger
	store    *storage.Store
	engine   *stability.Engine
	feeds    []Feed
	symbol   string
	updater  [20]byte
	interval time.Duration
	maxAge   time.Duration
	minFeeds int
	metrics  *observability.OracleMetrics
	now      func() time.Time
	once     sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics installs the oracle metrics registry.
func WithMetrics(metrics *observability.OracleMetrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithClock overrides the time source for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a manager instance.
func New(engine *stability.Engine, store *storage.Store, feeds []Feed, symbol string, updater [20]byte, interval, maxAge time.Duration, minFeeds int, opts ...Option) (*Manager, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage required")
	}
	if len(feeds) == 0 {
		return nil, fmt.Errorf("at least one feed required")
	}
	if strings.TrimSpace(symbol) == "" {
		return nil, fmt.Errorf("symbol required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	if maxAge <= 0 {
		maxAge = time.Minute
	}
	if minFeeds <= 0 {
		minFeeds = 1
	}
	mgr := &Manager{
		logger:   slog.Default(),
		store:    store,
		engine:   engine,
		feeds:    append([]Feed{}, feeds...),
		symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		updater:  updater,
		interval: interval,
		maxAge:   maxAge,
		minFeeds: minFeeds,
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(mgr)
		}
	}
	return mgr, nil
}

// Run blocks, periodically polling the feeds until the context is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.once.Do(func() {
		m.logger.Info("oracle manager started", "sources", len(m.feeds), "symbol", m.symbol)
	})
	for {
		if err := m.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.logger.Warn("oracle tick failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick performs a single poll-aggregate-submit cycle.
func (m *Manager) Tick(ctx context.Context) error {
	if m == nil {
		return fmt.Errorf("manager not configured")
	}
	now := m.now()
	rates := make([]*big.Rat, 0, len(m.feeds))
	feeders := make([]string, 0, len(m.feeds))
	for _, feed := range m.feeds {
		if feed.Source == nil {
			continue
		}
		quote, err := feed.Source.GetRate(m.symbol)
		if err != nil {
			m.metrics.RecordFeedError(feed.Name)
			m.logger.Warn("feed failed", "source", feed.Name, "error", err.Error())
			continue
		}
		if quote.Rate == nil || quote.Rate.Sign() <= 0 {
			m.metrics.RecordFeedError(feed.Name)
			m.logger.Warn("feed returned invalid rate", "source", feed.Name)
			continue
		}
		if quote.Timestamp.After(now.Add(5 * time.Second)) {
			m.metrics.RecordFeedError(feed.Name)
			m.logger.Warn("feed produced future timestamp", "source", feed.Name)
			continue
		}
		if m.maxAge > 0 && quote.Timestamp.Before(now.Add(-m.maxAge)) {
			m.metrics.RecordFeedError(feed.Name)
			m.logger.Warn("feed quote expired", "source", feed.Name)
			continue
		}
		feeders = append(feeders, feed.Name)
		rates = append(rates, new(big.Rat).Set(quote.Rate))
		if err := m.store.RecordSample(ctx, m.symbol, feed.Name, quote.Rate, quote.Timestamp, now); err != nil {
			m.logger.Warn("record sample failed", "source", feed.Name, "error", err.Error())
		}
	}
	if len(rates) < m.minFeeds {
		return fmt.Errorf("insufficient feeds for %s: %d < %d", m.symbol, len(rates), m.minFeeds)
	}
	median := computeMedian(rates)
	if median == nil || median.Sign() <= 0 {
		return fmt.Errorf("median computation failed for %s", m.symbol)
	}
	wei, err := (stability.FeedQuote{Rate: median, Timestamp: now}).PriceWei()
	if err != nil {
		return fmt.Errorf("convert median: %w", err)
	}
	if err := m.store.RecordSnapshot(ctx, m.symbol, median.FloatString(18), feeders, wei, now); err != nil {
		return fmt.Errorf("record snapshot: %w", err)
	}
	update, err := m.engine.UpdatePrice(m.updater, wei)
	if err != nil {
		m.metrics.RecordUpdate(classifyOutcome(err))
		return fmt.Errorf("submit price: %w", err)
	}
	m.metrics.RecordUpdate("accepted")
	m.metrics.RecordPrices(update.VerifiedPrice, update.Twap, 0)
	return nil
}

func classifyOutcome(err error) string {
	switch {
	case errors.Is(err, stability.ErrPriceDeviatesFromTWAP):
		return "twap_reject"
	case errors.Is(err, stability.ErrPriceChangeTooLarge):
		return "step_reject"
	case errors.Is(err, stability.ErrOraclePriceInvalid):
		return "invalid_price"
	default:
		return "error"
	}
}

func computeMedian(rates []*big.Rat) *big.Rat {
	if len(rates) == 0 {
		return nil
	}
	sorted := make([]*big.Rat, 0, len(rates))
	for _, r := range rates {
		if r == nil {
			continue
		}
		sorted = append(sorted, new(big.Rat).Set(r))
	}
	if len(sorted) == 0 {
		return nil
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Cmp(sorted[j]) < 0
	})
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return new(big.Rat).Set(sorted[mid])
	}
	sum := new(big.Rat).Add(sorted[mid-1], sorted[mid])
	return sum.Quo(sum, big.NewRat(2, 1))
}
