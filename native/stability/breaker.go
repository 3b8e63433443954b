package stability

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

var (
	// ErrBreakerPaused indicates a reserve operation was attempted while conversions are halted.
	ErrBreakerPaused = errors.New("stability: circuit breaker paused")
	// ErrBreakerNotPaused indicates a pause-only transition was attempted from an active phase.
	ErrBreakerNotPaused = errors.New("stability: circuit breaker not paused")
	// ErrRecoveryNotActive indicates an approval arrived outside an emergency recovery.
	ErrRecoveryNotActive = errors.New("stability: emergency recovery not active")
	// ErrRecoveryAlreadyActive indicates a second recovery initiation while one is in flight.
	ErrRecoveryAlreadyActive = errors.New("stability: emergency recovery already active")
	// ErrEmergencyAlreadyApproved indicates a guardian attempted to approve the same recovery twice.
	ErrEmergencyAlreadyApproved = errors.New("stability: recovery already approved by signer")
	// ErrReserveRatioStillCritical indicates a resume attempt while reserves remain below the critical floor.
	ErrReserveRatioStillCritical = errors.New("stability: reserve ratio still critical")
)

// Breaker guards conversions behind a reserve-ratio circuit breaker with a
// multi-party recovery path.
type Breaker struct {
	store Storage
	cfg   BreakerConfig
	clock func() time.Time
}

// NewBreaker constructs a breaker backed by the supplied storage adapter.
func NewBreaker(store Storage, cfg BreakerConfig) *Breaker {
	return &Breaker{store: store, cfg: cfg.Normalise(), clock: time.Now}
}

// SetClock overrides the time source for deterministic tests.
func (b *Breaker) SetClock(clock func() time.Time) {
	if b == nil || clock == nil {
		return
	}
	b.clock = clock
}

type storedBreakerState struct {
	Phase             string
	PausedAt          uint64
	Approvals         [][]byte
	RequiredApprovals uint64
}

// State loads the breaker state, defaulting to the normal phase.
func (b *Breaker) State() (*BreakerState, error) {
	if b == nil {
		return nil, fmt.Errorf("breaker not initialised")
	}
	var stored storedBreakerState
	ok, err := b.store.KVGet(breakerStateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &BreakerState{
			Phase:             BreakerPhaseNormal,
			RequiredApprovals: b.cfg.RequiredApprovals,
		}, nil
	}
	pausedAt, err := uint64ToInt64(stored.PausedAt)
	if err != nil {
		return nil, fmt.Errorf("breaker: paused timestamp overflow: %w", err)
	}
	state := &BreakerState{
		Phase:             BreakerPhase(stored.Phase),
		PausedAt:          pausedAt,
		RequiredApprovals: int(stored.RequiredApprovals),
	}
	if state.Phase == "" {
		state.Phase = BreakerPhaseNormal
	}
	if state.RequiredApprovals <= 0 {
		state.RequiredApprovals = b.cfg.RequiredApprovals
	}
	for _, raw := range stored.Approvals {
		if len(raw) != 20 {
			return nil, fmt.Errorf("breaker: malformed approval entry")
		}
		var addr [20]byte
		copy(addr[:], raw)
		state.RecoveryApprovals = append(state.RecoveryApprovals, addr)
	}
	return state, nil
}

func (b *Breaker) putState(state *BreakerState) error {
	stored := storedBreakerState{
		Phase:             string(state.Phase),
		RequiredApprovals: uint64(state.RequiredApprovals),
	}
	if state.PausedAt > 0 {
		stored.PausedAt = uint64(state.PausedAt)
	}
	for _, addr := range state.RecoveryApprovals {
		stored.Approvals = append(stored.Approvals, append([]byte(nil), addr[:]...))
	}
	return b.store.KVPut(breakerStateKey, stored)
}

// ReserveRatioBps reports reserves as basis points of the backed market value
// (circulating supply valued at the verified price). A zero market value
// yields the maximum ratio so an empty system never trips the breaker.
func ReserveRatioBps(totalReserves, supply, price *big.Int) uint64 {
	if totalReserves == nil || totalReserves.Sign() < 0 {
		return 0
	}
	if supply == nil || supply.Sign() <= 0 || price == nil || price.Sign() <= 0 {
		return ^uint64(0)
	}
	market := new(big.Int).Mul(supply, price)
	market.Quo(market, pricePrecision)
	if market.Sign() <= 0 {
		return ^uint64(0)
	}
	ratio := new(big.Int).Mul(totalReserves, big.NewInt(bpsDenominator))
	ratio.Quo(ratio, market)
	if !ratio.IsUint64() {
		return ^uint64(0)
	}
	return ratio.Uint64()
}

func (b *Breaker) criticalRatioBps() uint64 {
	return b.cfg.MinReserveRatioBps * b.cfg.CriticalThresholdPercent / 100
}

// CheckAndPauseIfCritical trips the breaker when the reserve ratio falls
// below the critical fraction of the minimum ratio. Returns whether the
// breaker is paused after the check and the observed ratio.
func (b *Breaker) CheckAndPauseIfCritical(totalReserves, supply, price *big.Int) (bool, uint64, error) {
	if b == nil {
		return false, 0, fmt.Errorf("breaker not initialised")
	}
	state, err := b.State()
	if err != nil {
		return false, 0, err
	}
	ratio := ReserveRatioBps(totalReserves, supply, price)
	if state.Phase != BreakerPhaseNormal {
		return true, ratio, nil
	}
	if ratio >= b.criticalRatioBps() {
		return false, ratio, nil
	}
	state.Phase = BreakerPhasePaused
	state.PausedAt = b.clock().Unix()
	state.RecoveryApprovals = nil
	if err := b.putState(state); err != nil {
		return false, ratio, err
	}
	return true, ratio, nil
}

// EmergencyPause halts conversions unconditionally.
func (b *Breaker) EmergencyPause() error {
	if b == nil {
		return fmt.Errorf("breaker not initialised")
	}
	state, err := b.State()
	if err != nil {
		return err
	}
	if state.Phase == BreakerPhasePaused {
		return nil
	}
	state.Phase = BreakerPhasePaused
	state.PausedAt = b.clock().Unix()
	state.RecoveryApprovals = nil
	return b.putState(state)
}

// ResumeFromPause returns the breaker to normal operation. The reserve ratio
// is re-checked so a resume cannot bypass a still-critical ratio.
func (b *Breaker) ResumeFromPause(totalReserves, supply, price *big.Int) error {
	if b == nil {
		return fmt.Errorf("breaker not initialised")
	}
	state, err := b.State()
	if err != nil {
		return err
	}
	if state.Phase != BreakerPhasePaused {
		return ErrBreakerNotPaused
	}
	if ReserveRatioBps(totalReserves, supply, price) < b.criticalRatioBps() {
		return ErrReserveRatioStillCritical
	}
	state.Phase = BreakerPhaseNormal
	state.PausedAt = 0
	state.RecoveryApprovals = nil
	return b.putState(state)
}

// InitiateEmergencyRecovery opens the multi-party recovery window. Only a
// paused breaker may enter recovery; the approval set starts empty.
func (b *Breaker) InitiateEmergencyRecovery() error {
	if b == nil {
		return fmt.Errorf("breaker not initialised")
	}
	state, err := b.State()
	if err != nil {
		return err
	}
	switch state.Phase {
	case BreakerPhasePaused:
	case BreakerPhaseInRecovery:
		return ErrRecoveryAlreadyActive
	default:
		return ErrBreakerNotPaused
	}
	state.Phase = BreakerPhaseInRecovery
	state.RecoveryApprovals = nil
	return b.putState(state)
}

// ApproveRecovery records one guardian approval. Reaching the quorum resets
// the breaker to normal operation and clears the approval set. Returns the
// approval count after this vote and whether the system reopened.
func (b *Breaker) ApproveRecovery(approver [20]byte) (int, bool, error) {
	if b == nil {
		return 0, false, fmt.Errorf("breaker not initialised")
	}
	state, err := b.State()
	if err != nil {
		return 0, false, err
	}
	if state.Phase != BreakerPhaseInRecovery {
		return len(state.RecoveryApprovals), false, ErrRecoveryNotActive
	}
	if state.HasApproval(approver) {
		return len(state.RecoveryApprovals), false, ErrEmergencyAlreadyApproved
	}
	state.RecoveryApprovals = append(state.RecoveryApprovals, approver)
	count := len(state.RecoveryApprovals)
	if count >= state.RequiredApprovals {
		state.Phase = BreakerPhaseNormal
		state.PausedAt = 0
		state.RecoveryApprovals = nil
		if err := b.putState(state); err != nil {
			return count, false, err
		}
		return count, true, nil
	}
	if err := b.putState(state); err != nil {
		return count, false, err
	}
	return count, false, nil
}
