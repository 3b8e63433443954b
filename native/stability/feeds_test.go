package stability

import (
	"bytes"
	"errors"
	"io"
	"math/big"
	"net/http"
	"testing"
	"time"
)

func TestFeedQuotePriceWei(t *testing.T) {
	quote := FeedQuote{Rate: big.NewRat(4, 5), Timestamp: time.Now()}
	wei, err := quote.PriceWei()
	if err != nil {
		t.Fatalf("price wei: %v", err)
	}
	if wei.Cmp(price80()) != 0 {
		t.Fatalf("expected 0.8 units in wei, got %s", wei)
	}
	if _, err := (FeedQuote{}).PriceWei(); err == nil {
		t.Fatalf("expected error for empty quote")
	}
}

func TestFeedAggregatorPriorityAndFreshness(t *testing.T) {
	primary := NewManualFeed()
	secondary := NewManualFeed()
	agg := NewFeedAggregator([]string{"primary", "secondary"}, time.Minute)
	agg.Register("primary", primary)
	agg.Register("secondary", secondary)

	// Primary quote is stale; the aggregator must fall through.
	primary.Set("STBL", big.NewRat(1, 1), time.Now().Add(-2*time.Minute))
	secondary.Set("STBL", big.NewRat(2, 1), time.Now())

	quote, err := agg.GetRate("stbl")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("expected secondary rate, got %s", quote.Rate)
	}
	if quote.Source != "manual" {
		t.Fatalf("unexpected source %q", quote.Source)
	}

	// With a fresh primary quote the priority order wins again.
	primary.Set("STBL", big.NewRat(3, 1), time.Now())
	quote, err = agg.GetRate("STBL")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	if quote.Rate.Cmp(big.NewRat(3, 1)) != 0 {
		t.Fatalf("expected primary rate, got %s", quote.Rate)
	}
}

func TestFeedAggregatorNoFreshQuote(t *testing.T) {
	agg := NewFeedAggregator(nil, time.Minute)
	stale := NewManualFeed()
	stale.Set("STBL", big.NewRat(1, 1), time.Now().Add(-time.Hour))
	agg.Register("stale", stale)
	if _, err := agg.GetRate("STBL"); !errors.Is(err, ErrNoFreshQuote) {
		t.Fatalf("expected no-fresh-quote error, got %v", err)
	}
}

type staticDoer struct {
	status int
	body   string
}

func (d staticDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: d.status,
		Body:       io.NopCloser(bytes.NewBufferString(d.body)),
		Header:     make(http.Header),
	}, nil
}

func TestCoinGeckoFeedParsesQuote(t *testing.T) {
	feed := NewCoinGeckoFeed(staticDoer{status: http.StatusOK, body: `{"stable-token":{"usd":0.8}}`}, "", map[string]string{"STBL": "stable-token"})
	quote, err := feed.GetRate("stbl")
	if err != nil {
		t.Fatalf("get rate: %v", err)
	}
	wei, err := quote.PriceWei()
	if err != nil {
		t.Fatalf("price wei: %v", err)
	}
	if wei.Cmp(price80()) != 0 {
		t.Fatalf("expected 0.8 units in wei, got %s", wei)
	}
	if quote.Source != "coingecko" {
		t.Fatalf("unexpected source %q", quote.Source)
	}
}

func TestCoinGeckoFeedErrors(t *testing.T) {
	feed := NewCoinGeckoFeed(staticDoer{status: http.StatusTooManyRequests, body: "rate limited"}, "", map[string]string{"STBL": "stable-token"})
	if _, err := feed.GetRate("STBL"); err == nil {
		t.Fatalf("expected status error")
	}
	feed = NewCoinGeckoFeed(staticDoer{status: http.StatusOK, body: `{}`}, "", map[string]string{"STBL": "stable-token"})
	if _, err := feed.GetRate("STBL"); err == nil {
		t.Fatalf("expected missing asset error")
	}
	if _, err := feed.GetRate("UNKNOWN"); err == nil {
		t.Fatalf("expected unmapped symbol error")
	}
}
