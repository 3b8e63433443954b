package stability

import (
	"math/big"
	"testing"
	"time"
)

func TestRecordObservationRespectsInterval(t *testing.T) {
	state := newOracleState(weiUnits(1), 1000, true)
	if state.LastObservationTime != 1000 {
		t.Fatalf("expected seed observation at 1000, got %d", state.LastObservationTime)
	}
	if recorded := recordObservation(state, 1500, weiUnits(1), time.Hour); recorded {
		t.Fatalf("expected sub-interval write to be skipped")
	}
	if recorded := recordObservation(state, 1000+3600, weiUnits(1), time.Hour); !recorded {
		t.Fatalf("expected write after a full interval")
	}
	if state.WriteCursor != 2 {
		t.Fatalf("expected cursor 2, got %d", state.WriteCursor)
	}
}

func TestRecordObservationWrapsRing(t *testing.T) {
	state := newOracleState(weiUnits(1), 0, true)
	for i := 1; i <= ObservationSlots+3; i++ {
		ts := int64(i) * 3600
		if recorded := recordObservation(state, ts, weiUnits(int64(i)), time.Hour); !recorded {
			t.Fatalf("expected write %d to land", i)
		}
	}
	if state.WriteCursor != (1+ObservationSlots+3)%ObservationSlots {
		t.Fatalf("unexpected cursor %d", state.WriteCursor)
	}
	// The oldest retained sample must be the one written ObservationSlots ago.
	oldestIdx := state.WriteCursor
	if state.Ring[oldestIdx].Price == nil {
		t.Fatalf("expected wrapped slot to hold a sample")
	}
}

func TestComputeTWAPConstantPrice(t *testing.T) {
	state := newOracleState(weiUnits(2), 0, true)
	for i := 1; i <= 12; i++ {
		recordObservation(state, int64(i)*3600, weiUnits(2), time.Hour)
	}
	now := int64(12*3600 + 600)
	twap := computeTWAP(state, now, 12, time.Hour)
	if twap.Cmp(weiUnits(2)) != 0 {
		t.Fatalf("expected constant twap of 2 units, got %s", twap)
	}
}

func TestComputeTWAPHalfWindowGate(t *testing.T) {
	state := newOracleState(weiUnits(1), 0, true)
	recordObservation(state, 3600, weiUnits(1), time.Hour)
	recordObservation(state, 7200, weiUnits(1), time.Hour)
	// Two qualifying samples with a 12-slot window requirement of six.
	twap := computeTWAP(state, 7800, 12, time.Hour)
	if twap.Sign() != 0 {
		t.Fatalf("expected zero twap below half window, got %s", twap)
	}
}

func TestComputeTWAPWeightsRecentSamples(t *testing.T) {
	state := newOracleState(weiUnits(1), 0, true)
	// Four samples, window of four requires two.
	prices := []int64{1, 1, 1, 3}
	for i, p := range prices {
		recordObservation(state, int64(i+1)*3600, weiUnits(p), time.Hour)
	}
	now := int64(len(prices)) * 3600
	twap := computeTWAP(state, now, 4, time.Hour)
	if twap.Cmp(weiUnits(1)) <= 0 {
		t.Fatalf("expected twap above 1 unit, got %s", twap)
	}
	if twap.Cmp(weiUnits(3)) >= 0 {
		t.Fatalf("expected twap below the spike, got %s", twap)
	}
}

func TestDeviationBps(t *testing.T) {
	if dev := deviationBps(weiUnits(12), weiUnits(10)); dev != 2000 {
		t.Fatalf("expected 2000 bps, got %d", dev)
	}
	if dev := deviationBps(weiUnits(8), weiUnits(10)); dev != 2000 {
		t.Fatalf("expected symmetric 2000 bps, got %d", dev)
	}
	if dev := deviationBps(weiUnits(1), big.NewInt(0)); dev != 0 {
		t.Fatalf("expected zero deviation with zero reference, got %d", dev)
	}
}

func TestVerifiedPriceOverridesOutliers(t *testing.T) {
	state := newOracleState(weiUnits(10), 0, true)
	twap := weiUnits(10)

	state.CurrentPrice = weiUnits(11)
	if price := verifiedPrice(state, twap, 2000); price.Cmp(weiUnits(11)) != 0 {
		t.Fatalf("expected in-band price to pass through, got %s", price)
	}

	state.CurrentPrice = weiUnits(20)
	if price := verifiedPrice(state, twap, 2000); price.Cmp(twap) != 0 {
		t.Fatalf("expected outlier to fall back to twap, got %s", price)
	}

	state.TwapEnabled = false
	if price := verifiedPrice(state, twap, 2000); price.Cmp(weiUnits(20)) != 0 {
		t.Fatalf("expected raw price with twap disabled, got %s", price)
	}
}
