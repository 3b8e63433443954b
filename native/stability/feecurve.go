package stability

import (
	"errors"
	"math/big"
)

const bpsDenominator = 10_000

var (
	// ErrFeeBoundsInvalid indicates the fee bounds violate max >= base >= min.
	ErrFeeBoundsInvalid = errors.New("stability: fee bounds must satisfy max >= base >= min")
	// ErrDropThresholdsInvalid indicates the drop thresholds are not strictly ordered.
	ErrDropThresholdsInvalid = errors.New("stability: max drop threshold must exceed drop threshold")
)

// FeeParameters holds the runtime fee curve. The curve charges the base fee in
// normal conditions and discounts towards the minimum fee as the verified
// price falls away from baseline, encouraging conversions the reserve
// subsidises during downturns.
type FeeParameters struct {
	BaseFeeBps          uint64
	MaxFeeBps           uint64
	MinFeeBps           uint64
	AdjustmentFactor    uint64
	DropThresholdBps    uint64
	MaxDropThresholdBps uint64
}

// Validate verifies the parameter invariants.
func (p FeeParameters) Validate() error {
	if p.MaxFeeBps < p.BaseFeeBps || p.BaseFeeBps < p.MinFeeBps {
		return ErrFeeBoundsInvalid
	}
	if p.MaxFeeBps > bpsDenominator {
		return ErrFeeBoundsInvalid
	}
	if p.MaxDropThresholdBps <= p.DropThresholdBps {
		return ErrDropThresholdsInvalid
	}
	return nil
}

// PriceDropBps returns how far the verified price sits below baseline in
// basis points, clamped at zero when the price is at or above baseline.
func PriceDropBps(verifiedPrice, baseline *big.Int) uint64 {
	if verifiedPrice == nil || baseline == nil || baseline.Sign() <= 0 {
		return 0
	}
	if verifiedPrice.Cmp(baseline) >= 0 {
		return 0
	}
	gap := new(big.Int).Sub(baseline, verifiedPrice)
	gap.Mul(gap, big.NewInt(bpsDenominator))
	gap.Quo(gap, baseline)
	if !gap.IsUint64() {
		return bpsDenominator
	}
	drop := gap.Uint64()
	if drop > bpsDenominator {
		return bpsDenominator
	}
	return drop
}

// EffectiveFeeBps evaluates the piecewise fee curve for the supplied verified
// price and baseline. Below the first drop threshold the base fee applies; at
// or beyond the max drop threshold the minimum fee applies; in between the
// fee interpolates linearly, scaled by the adjustment factor and clamped.
func (p FeeParameters) EffectiveFeeBps(verifiedPrice, baseline *big.Int) uint64 {
	drop := PriceDropBps(verifiedPrice, baseline)
	if drop <= p.DropThresholdBps {
		return p.BaseFeeBps
	}
	if drop >= p.MaxDropThresholdBps {
		return p.MinFeeBps
	}
	span := p.MaxDropThresholdBps - p.DropThresholdBps
	position := (drop - p.DropThresholdBps) * bpsDenominator / span
	if p.AdjustmentFactor != 100 {
		position = position * p.AdjustmentFactor / 100
	}
	if position > bpsDenominator {
		position = bpsDenominator
	}
	discount := (p.BaseFeeBps - p.MinFeeBps) * position / bpsDenominator
	return p.BaseFeeBps - discount
}

// FeeAmount applies the supplied fee rate to a value, rounding down.
func FeeAmount(value *big.Int, feeBps uint64) *big.Int {
	if value == nil || value.Sign() <= 0 || feeBps == 0 {
		return big.NewInt(0)
	}
	fee := new(big.Int).Mul(value, new(big.Int).SetUint64(feeBps))
	return fee.Quo(fee, big.NewInt(bpsDenominator))
}
