package stability

import (
	"math/big"
	"testing"
)

func defaultFeeParams(t *testing.T) FeeParameters {
	t.Helper()
	params, err := FeeConfig{}.Parameters()
	if err != nil {
		t.Fatalf("default fee parameters: %v", err)
	}
	return params
}

func TestFeeParametersValidate(t *testing.T) {
	bad := FeeParameters{BaseFeeBps: 100, MinFeeBps: 200, MaxFeeBps: 300, DropThresholdBps: 500, MaxDropThresholdBps: 3000}
	if err := bad.Validate(); err != ErrFeeBoundsInvalid {
		t.Fatalf("expected fee bounds error, got %v", err)
	}
	bad = FeeParameters{BaseFeeBps: 500, MaxFeeBps: 500, DropThresholdBps: 3000, MaxDropThresholdBps: 3000}
	if err := bad.Validate(); err != ErrDropThresholdsInvalid {
		t.Fatalf("expected threshold error, got %v", err)
	}
}

func TestPriceDropBps(t *testing.T) {
	baseline := weiUnits(1)
	if drop := PriceDropBps(weiUnits(2), baseline); drop != 0 {
		t.Fatalf("expected no drop above baseline, got %d", drop)
	}
	eighty := new(big.Int).Mul(big.NewInt(8), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if drop := PriceDropBps(eighty, baseline); drop != 2000 {
		t.Fatalf("expected 2000 bps drop, got %d", drop)
	}
	if drop := PriceDropBps(big.NewInt(0), baseline); drop != 10000 {
		t.Fatalf("expected full drop at zero price, got %d", drop)
	}
}

func TestEffectiveFeeBpsPiecewise(t *testing.T) {
	params := defaultFeeParams(t)
	baseline := weiUnits(1)

	// Within the drop threshold the base fee applies.
	nearBaseline := new(big.Int).Mul(big.NewInt(97), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
	if fee := params.EffectiveFeeBps(nearBaseline, baseline); fee != params.BaseFeeBps {
		t.Fatalf("expected base fee %d, got %d", params.BaseFeeBps, fee)
	}

	// Beyond the max drop threshold the min fee applies.
	deep := new(big.Int).Mul(big.NewInt(5), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	if fee := params.EffectiveFeeBps(deep, baseline); fee != params.MinFeeBps {
		t.Fatalf("expected min fee %d, got %d", params.MinFeeBps, fee)
	}

	// Interpolated region: 20% drop with thresholds 5%..30% sits at 60%.
	eighty := new(big.Int).Mul(big.NewInt(8), new(big.Int).Exp(big.NewInt(10), big.NewInt(17), nil))
	mid := params.EffectiveFeeBps(eighty, baseline)
	if mid >= params.BaseFeeBps || mid < params.MinFeeBps {
		t.Fatalf("interpolated fee %d outside (%d, %d]", mid, params.MinFeeBps, params.BaseFeeBps)
	}
	expected := params.BaseFeeBps - (params.BaseFeeBps-params.MinFeeBps)*6000/10000
	if mid != expected {
		t.Fatalf("expected interpolated fee %d, got %d", expected, mid)
	}
}

func TestEffectiveFeeBpsMonotoneInDrop(t *testing.T) {
	params := defaultFeeParams(t)
	baseline := weiUnits(1)
	prev := params.EffectiveFeeBps(baseline, baseline)
	for pct := int64(99); pct >= 1; pct-- {
		price := new(big.Int).Mul(big.NewInt(pct), new(big.Int).Exp(big.NewInt(10), big.NewInt(16), nil))
		fee := params.EffectiveFeeBps(price, baseline)
		if fee > prev {
			t.Fatalf("fee increased from %d to %d at %d%% of baseline", prev, fee, pct)
		}
		prev = fee
	}
}

func TestFeeAmountRoundsDown(t *testing.T) {
	if fee := FeeAmount(big.NewInt(999), 500); fee.Cmp(big.NewInt(49)) != 0 {
		t.Fatalf("expected 49, got %s", fee)
	}
	if fee := FeeAmount(nil, 500); fee.Sign() != 0 {
		t.Fatalf("expected zero fee for nil value")
	}
	scenario := FeeAmount(weiUnits(800), 500)
	if scenario.Cmp(weiUnits(40)) != 0 {
		t.Fatalf("expected 40 units, got %s", scenario)
	}
}
