package stability

import (
	"math/big"
	"time"
)

// newOracleState initialises an empty observation ring seeded with the
// supplied price.
func newOracleState(seedPrice *big.Int, now int64, twapEnabled bool) *OracleState {
	state := &OracleState{
		CurrentPrice:        new(big.Int).Set(seedPrice),
		LastUpdateTime:      now,
		LastObservationTime: 0,
		Ring:                make([]PriceObservation, ObservationSlots),
		WriteCursor:         0,
		TwapEnabled:         twapEnabled,
	}
	recordObservation(state, now, seedPrice, 0)
	return state
}

// recordObservation appends a (now, price) sample to the ring when at least
// one full interval has elapsed since the previous sample. Sub-interval
// updates do not create a new sample; the spacing invariant keeps the ring
// covering a full window rather than a burst of near-identical writes.
func recordObservation(state *OracleState, now int64, price *big.Int, interval time.Duration) bool {
	if state == nil || price == nil || price.Sign() <= 0 {
		return false
	}
	intervalSeconds := int64(interval / time.Second)
	if state.LastObservationTime > 0 && now < state.LastObservationTime+intervalSeconds {
		return false
	}
	if len(state.Ring) != ObservationSlots {
		resized := make([]PriceObservation, ObservationSlots)
		copy(resized, state.Ring)
		state.Ring = resized
	}
	state.Ring[state.WriteCursor] = PriceObservation{
		Timestamp: now,
		Price:     new(big.Int).Set(price),
	}
	state.WriteCursor = (state.WriteCursor + 1) % ObservationSlots
	state.LastObservationTime = now
	return true
}

// computeTWAP walks the ring backward from the most recent slot collecting up
// to windowSize valid samples, weighting each by the time gap to the next
// newer retained sample (or to now for the newest). Samples older than
// now - windowSize*interval and unwritten slots are skipped. A zero result
// means no valid TWAP: fewer than windowSize/2 samples qualified, which is
// the documented half-window minimum-liquidity gate.
func computeTWAP(state *OracleState, now int64, windowSize int, interval time.Duration) *big.Int {
	if state == nil || windowSize <= 0 {
		return big.NewInt(0)
	}
	if windowSize > ObservationSlots {
		windowSize = ObservationSlots
	}
	intervalSeconds := int64(interval / time.Second)
	cutoff := now - int64(windowSize)*intervalSeconds
	weighted := new(big.Int)
	totalDt := int64(0)
	newerTimestamp := now
	collected := 0
	for step := 1; step <= ObservationSlots && collected < windowSize; step++ {
		idx := (state.WriteCursor + ObservationSlots - step) % ObservationSlots
		obs := state.Ring[idx]
		if obs.Price == nil || obs.Price.Sign() <= 0 || obs.Timestamp == 0 {
			continue
		}
		if obs.Timestamp < cutoff {
			break
		}
		if obs.Timestamp > newerTimestamp {
			continue
		}
		dt := newerTimestamp - obs.Timestamp
		if dt <= 0 {
			dt = 1
		}
		weighted.Add(weighted, new(big.Int).Mul(obs.Price, big.NewInt(dt)))
		totalDt += dt
		newerTimestamp = obs.Timestamp
		collected++
	}
	if collected < windowSize/2 || totalDt <= 0 {
		return big.NewInt(0)
	}
	return weighted.Quo(weighted, big.NewInt(totalDt))
}

// deviationBps returns |value - reference| expressed in basis points of the
// reference. A zero reference yields zero to keep callers branch-free.
func deviationBps(value, reference *big.Int) uint64 {
	if value == nil || reference == nil || reference.Sign() <= 0 {
		return 0
	}
	diff := new(big.Int).Sub(value, reference)
	if diff.Sign() < 0 {
		diff.Neg(diff)
	}
	diff.Mul(diff, big.NewInt(bpsDenominator))
	diff.Quo(diff, reference)
	if !diff.IsUint64() {
		return ^uint64(0)
	}
	return diff.Uint64()
}

// verifiedPrice returns the manipulation-resistant price every other
// component reads. When TWAP is enabled and available, raw prices deviating
// beyond the configured threshold are overridden by the TWAP.
func verifiedPrice(state *OracleState, twap *big.Int, maxDeviationBps uint64) *big.Int {
	if state == nil || state.CurrentPrice == nil {
		return big.NewInt(0)
	}
	current := new(big.Int).Set(state.CurrentPrice)
	if !state.TwapEnabled || twap == nil || twap.Sign() <= 0 {
		return current
	}
	if deviationBps(current, twap) > maxDeviationBps {
		return new(big.Int).Set(twap)
	}
	return current
}
