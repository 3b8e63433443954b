package stability

import "math/big"

// ObservationSlots fixes the capacity of the price observation ring. The ring
// retains at most one observation per configured interval, so 24 slots cover a
// full day at the default hourly cadence.
const ObservationSlots = 24

// PriceObservation is a single immutable (timestamp, price) sample. Prices are
// fixed-point values scaled by 1e18.
type PriceObservation struct {
	Timestamp int64
	Price     *big.Int
}

// Copy returns a deep copy of the observation.
func (o PriceObservation) Copy() PriceObservation {
	clone := PriceObservation{Timestamp: o.Timestamp}
	if o.Price != nil {
		clone.Price = new(big.Int).Set(o.Price)
	}
	return clone
}

// OracleState captures the complete price oracle state owned by the engine.
// WriteCursor always points at the next ring slot to overwrite.
type OracleState struct {
	CurrentPrice        *big.Int
	LastUpdateTime      int64
	LastObservationTime int64
	Ring                []PriceObservation
	WriteCursor         int
	TwapEnabled         bool
	LowValueMode        bool
}

// Copy returns a deep copy of the oracle state.
func (s *OracleState) Copy() *OracleState {
	if s == nil {
		return nil
	}
	clone := &OracleState{
		LastUpdateTime:      s.LastUpdateTime,
		LastObservationTime: s.LastObservationTime,
		WriteCursor:         s.WriteCursor,
		TwapEnabled:         s.TwapEnabled,
		LowValueMode:        s.LowValueMode,
	}
	if s.CurrentPrice != nil {
		clone.CurrentPrice = new(big.Int).Set(s.CurrentPrice)
	}
	clone.Ring = make([]PriceObservation, len(s.Ring))
	for i := range s.Ring {
		clone.Ring[i] = s.Ring[i].Copy()
	}
	return clone
}

// ReserveState aggregates the reserve balances backing conversion subsidies.
// TotalReserves is the only balance that funds payouts and must never go
// negative.
type ReserveState struct {
	TotalReserves    *big.Int
	TotalConversions *big.Int
	TotalStabilized  *big.Int
	BaselinePrice    *big.Int
	UpdatedAt        int64
}

// Copy returns a deep copy to shield callers from accidental mutation.
func (r *ReserveState) Copy() *ReserveState {
	if r == nil {
		return nil
	}
	clone := &ReserveState{UpdatedAt: r.UpdatedAt}
	if r.TotalReserves != nil {
		clone.TotalReserves = new(big.Int).Set(r.TotalReserves)
	}
	if r.TotalConversions != nil {
		clone.TotalConversions = new(big.Int).Set(r.TotalConversions)
	}
	if r.TotalStabilized != nil {
		clone.TotalStabilized = new(big.Int).Set(r.TotalStabilized)
	}
	if r.BaselinePrice != nil {
		clone.BaselinePrice = new(big.Int).Set(r.BaselinePrice)
	}
	return clone
}

// BreakerPhase enumerates the circuit breaker states.
type BreakerPhase string

const (
	// BreakerPhaseNormal permits all reserve-mutating operations.
	BreakerPhaseNormal BreakerPhase = "normal"
	// BreakerPhasePaused blocks reserve mutations until recovery or manual resume.
	BreakerPhasePaused BreakerPhase = "paused"
	// BreakerPhaseInRecovery awaits a quorum of independent approvals.
	BreakerPhaseInRecovery BreakerPhase = "in_recovery"
)

// BreakerState records the circuit breaker phase and any outstanding recovery
// approvals. Approvals are cleared whenever InRecovery is exited.
type BreakerState struct {
	Phase             BreakerPhase
	PausedAt          int64
	RecoveryApprovals [][20]byte
	RequiredApprovals int
}

// Copy returns a deep copy of the breaker state.
func (b *BreakerState) Copy() *BreakerState {
	if b == nil {
		return nil
	}
	clone := &BreakerState{
		Phase:             b.Phase,
		PausedAt:          b.PausedAt,
		RequiredApprovals: b.RequiredApprovals,
	}
	clone.RecoveryApprovals = make([][20]byte, len(b.RecoveryApprovals))
	copy(clone.RecoveryApprovals, b.RecoveryApprovals)
	return clone
}

// HasApproval reports whether the supplied approver already approved recovery.
func (b *BreakerState) HasApproval(addr [20]byte) bool {
	if b == nil {
		return false
	}
	for _, approved := range b.RecoveryApprovals {
		if approved == addr {
			return true
		}
	}
	return false
}

// RateLimitState tracks the per-caller counters consulted by the flash-loan
// guard. Entries are created lazily on first interaction.
type RateLimitState struct {
	LastActionTime int64
	DailyVolume    *big.Int
	DayAnchor      string
	CooldownUntil  int64
	Seen           bool
}

// Copy returns a deep copy of the rate limit state.
func (s *RateLimitState) Copy() *RateLimitState {
	if s == nil {
		return nil
	}
	clone := &RateLimitState{
		LastActionTime: s.LastActionTime,
		DayAnchor:      s.DayAnchor,
		CooldownUntil:  s.CooldownUntil,
		Seen:           s.Seen,
	}
	if s.DailyVolume != nil {
		clone.DailyVolume = new(big.Int).Set(s.DailyVolume)
	}
	return clone
}

// ConversionKind distinguishes subsidised conversions from direct swaps.
type ConversionKind string

const (
	// ConversionKindConvert identifies baseline-protected conversions.
	ConversionKindConvert ConversionKind = "convert"
	// ConversionKindSwap identifies direct, unsubsidised swaps.
	ConversionKindSwap ConversionKind = "swap"
)

// ConversionRecord captures the metadata persisted for every executed
// conversion or swap.
type ConversionRecord struct {
	ID            string
	Kind          ConversionKind
	Caller        [20]byte
	Project       string
	TokenAmount   *big.Int
	GrossValue    *big.Int
	FeeAmount     *big.Int
	Subsidy       *big.Int
	Payout        *big.Int
	Price         *big.Int
	TwapPrice     *big.Int
	FeeBps        uint64
	CreatedAt     int64
	ReservesAfter *big.Int
}

// Copy returns a deep copy to avoid callers mutating shared pointers.
func (c *ConversionRecord) Copy() *ConversionRecord {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TokenAmount != nil {
		clone.TokenAmount = new(big.Int).Set(c.TokenAmount)
	}
	if c.GrossValue != nil {
		clone.GrossValue = new(big.Int).Set(c.GrossValue)
	}
	if c.FeeAmount != nil {
		clone.FeeAmount = new(big.Int).Set(c.FeeAmount)
	}
	if c.Subsidy != nil {
		clone.Subsidy = new(big.Int).Set(c.Subsidy)
	}
	if c.Payout != nil {
		clone.Payout = new(big.Int).Set(c.Payout)
	}
	if c.Price != nil {
		clone.Price = new(big.Int).Set(c.Price)
	}
	if c.TwapPrice != nil {
		clone.TwapPrice = new(big.Int).Set(c.TwapPrice)
	}
	if c.ReservesAfter != nil {
		clone.ReservesAfter = new(big.Int).Set(c.ReservesAfter)
	}
	return &clone
}

// ConversionQuote is the read-only projection returned by SimulateConversion.
// The arithmetic matches Convert exactly so a quote and an execution at the
// same state never disagree.
type ConversionQuote struct {
	ExpectedValue *big.Int
	FeeAmount     *big.Int
	Subsidy       *big.Int
	FinalAmount   *big.Int
	FeeBps        uint64
	Price         *big.Int
}

// ReserveHealth summarises the solvency metrics published to operators.
type ReserveHealth struct {
	TotalReserves   *big.Int
	ReserveRatio    uint64
	MinRatio        uint64
	CriticalRatio   uint64
	Phase           BreakerPhase
	LowValueMode    bool
	VerifiedPrice   *big.Int
	WithdrawableWei *big.Int
}
