package stability

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrAmountInvalid indicates a nil, zero or negative amount.
	ErrAmountInvalid = errors.New("stability: amount must be positive")
	// ErrBelowMinReturn indicates the computed payout fell short of the caller minimum.
	ErrBelowMinReturn = errors.New("stability: payout below minimum return")
	// ErrSystemPaused indicates the external system-wide pause signal is asserted.
	ErrSystemPaused = errors.New("stability: system paused")
	// ErrEngineNotInitialised indicates use of a zero-value engine.
	ErrEngineNotInitialised = errors.New("stability: engine not initialised")
)

// SupplyReader reports the circulating token supply backing the reserve
// ratio. The token contract is an external collaborator.
type SupplyReader interface {
	CirculatingSupply() (*big.Int, error)
}

// TokenBridge moves tokens and stable value between the caller and the fund.
// Both legs of a conversion must be atomic with the ledger update, so the
// engine invokes the bridge before committing and aborts on failure.
type TokenBridge interface {
	CollectTokens(from [20]byte, amount *big.Int) error
	PayOut(to [20]byte, amount *big.Int) error
}

// ConversionNotifier receives best-effort settlement notifications. Errors
// are swallowed: an optional collaborator must never fail a conversion.
type ConversionNotifier interface {
	ConversionSettled(record *ConversionRecord) error
}

// Engine orchestrates conversions against the reserve fund. Every external
// call runs under one mutex and recomputes price, fee and subsidy from
// current state, so two racing callers always observe sequential ledgers.
type Engine struct {
	mu sync.Mutex

	cfg     Config
	fees    FeeParameters
	guards  GuardParameters
	ledger  *Ledger
	oracle  *Oracle
	guard   *Guard
	breaker *Breaker
	roles   *Roles

	supply      SupplyReader
	bridge      TokenBridge
	notifier    ConversionNotifier
	pauseSignal func() bool
	emit        func(*Event)
	onNotifyErr func(error)

	clock func() time.Time
	idGen func() string
}

// EngineOption customises collaborator wiring.
type EngineOption func(*Engine)

// WithTokenBridge wires the token transfer collaborator.
func WithTokenBridge(bridge TokenBridge) EngineOption {
	return func(e *Engine) { e.bridge = bridge }
}

// WithNotifier wires the best-effort settlement notifier.
func WithNotifier(notifier ConversionNotifier) EngineOption {
	return func(e *Engine) { e.notifier = notifier }
}

// WithPauseSignal wires the external system-wide pause check.
func WithPauseSignal(signal func() bool) EngineOption {
	return func(e *Engine) { e.pauseSignal = signal }
}

// WithEmitter wires the event sink.
func WithEmitter(emit func(*Event)) EngineOption {
	return func(e *Engine) { e.emit = emit }
}

// WithNotifyErrorHandler observes swallowed notifier failures, typically for
// logging at the service layer.
func WithNotifyErrorHandler(handler func(error)) EngineOption {
	return func(e *Engine) { e.onNotifyErr = handler }
}

// NewEngine constructs the engine and validates every parameter group.
func NewEngine(store Storage, cfg Config, supply SupplyReader, roles *Roles, opts ...EngineOption) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("stability: storage required")
	}
	if supply == nil {
		return nil, fmt.Errorf("stability: supply reader required")
	}
	normalized := cfg.Normalise()
	fees, err := normalized.Fees.Parameters()
	if err != nil {
		return nil, err
	}
	guards, err := normalized.Guard.Parameters()
	if err != nil {
		return nil, err
	}
	if _, err := normalized.Reserve.BaselinePrice(); err != nil {
		return nil, err
	}
	if roles == nil {
		roles = NewRoles()
	}
	engine := &Engine{
		cfg:     normalized,
		fees:    fees,
		guards:  guards,
		ledger:  NewLedger(store),
		oracle:  NewOracle(store, normalized.Oracle),
		guard:   NewGuard(store),
		breaker: NewBreaker(store, normalized.Breaker),
		roles:   roles,
		supply:  supply,
		clock:   time.Now,
		idGen:   uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(engine)
		}
	}
	return engine, nil
}

// SetClock overrides every component clock for deterministic testing.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
	e.ledger.SetClock(clock)
	e.oracle.SetClock(clock)
	e.guard.SetClock(clock)
	e.breaker.SetClock(clock)
}

// Oracle exposes the price component for feed plumbing.
func (e *Engine) Oracle() *Oracle { return e.oracle }

// Ledger exposes the conversion log for query surfaces.
func (e *Engine) Ledger() *Ledger { return e.ledger }

// Roles exposes the capability registry.
func (e *Engine) Roles() *Roles { return e.roles }

func (e *Engine) emitEvent(evt *Event) {
	if e.emit != nil && evt != nil {
		e.emit(evt)
	}
}

func (e *Engine) systemPaused() bool {
	return e.pauseSignal != nil && e.pauseSignal()
}

func (e *Engine) baseline() (*big.Int, error) {
	seed, err := e.cfg.Reserve.BaselinePrice()
	if err != nil {
		return nil, err
	}
	reserves, err := e.ledger.Reserves(seed)
	if err != nil {
		return nil, err
	}
	if reserves.BaselinePrice == nil || reserves.BaselinePrice.Sign() <= 0 {
		return seed, nil
	}
	return new(big.Int).Set(reserves.BaselinePrice), nil
}

// Initialize seeds oracle and reserve state on first boot. It is idempotent.
func (e *Engine) Initialize(seedPrice *big.Int) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if seedPrice == nil || seedPrice.Sign() <= 0 {
		var err error
		seedPrice, err = e.cfg.Reserve.BaselinePrice()
		if err != nil {
			return err
		}
	}
	if _, err := e.oracle.EnsureState(seedPrice); err != nil {
		return err
	}
	baseline, err := e.cfg.Reserve.BaselinePrice()
	if err != nil {
		return err
	}
	reserves, err := e.ledger.Reserves(baseline)
	if err != nil {
		return err
	}
	return e.ledger.PutReserves(reserves)
}

// UpdatePrice commits a new oracle price on behalf of a price-feed caller and
// re-evaluates the low-value operating mode.
func (e *Engine) UpdatePrice(caller [20]byte, price *big.Int) (*PriceUpdate, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityOracleUpdater, caller); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyPriceUpdate(func() (*PriceUpdate, error) {
		return e.oracle.UpdatePrice(price)
	})
}

// UpdatePriceWithProof commits a signed oracle price. The signature replaces
// the role check: any caller may relay a proof from a registered signer.
func (e *Engine) UpdatePriceWithProof(proof *PriceProof) (*PriceUpdate, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applyPriceUpdate(func() (*PriceUpdate, error) {
		return e.oracle.UpdatePriceWithProof(proof)
	})
}

func (e *Engine) applyPriceUpdate(commit func() (*PriceUpdate, error)) (*PriceUpdate, error) {
	update, err := commit()
	if err != nil {
		return nil, err
	}
	baseline, err := e.baseline()
	if err != nil {
		return nil, err
	}
	if err := e.reevaluateLowValueMode(update.VerifiedPrice, baseline); err != nil {
		return nil, err
	}
	e.emitEvent(PriceUpdated{
		RawPrice:      update.RawPrice,
		VerifiedPrice: update.VerifiedPrice,
		Twap:          update.Twap,
		DeviationBps:  update.TwapDeviationBps,
	}.Event())
	return update, nil
}

func (e *Engine) reevaluateLowValueMode(verified, baseline *big.Int) error {
	if verified == nil || baseline == nil || baseline.Sign() <= 0 {
		return nil
	}
	threshold := new(big.Int).Mul(baseline, new(big.Int).SetUint64(e.cfg.Reserve.LowValueThresholdPct))
	threshold.Quo(threshold, big.NewInt(100))
	enabled := verified.Cmp(threshold) < 0
	state, err := e.oracle.State()
	if err != nil {
		return err
	}
	if state.LowValueMode == enabled {
		return nil
	}
	if err := e.oracle.SetLowValueMode(enabled); err != nil {
		return err
	}
	e.emitEvent(LowValueModeChanged{Enabled: enabled}.Event())
	return nil
}

// RegisterPriceSigner binds a feed provider to its signing address.
func (e *Engine) RegisterPriceSigner(caller [20]byte, provider string, signer [20]byte) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityOracleUpdater, caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracle.RegisterPriceSigner(provider, signer)
}

// quoteConversion computes the pricing legs shared by Convert, Swap and
// SimulateConversion. Held lock required.
func (e *Engine) quoteConversion(kind ConversionKind, amount *big.Int) (*ConversionQuote, *ReserveState, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil, ErrAmountInvalid
	}
	verified, err := e.oracle.VerifiedPrice()
	if err != nil {
		return nil, nil, err
	}
	if verified.Sign() <= 0 {
		return nil, nil, ErrOraclePriceInvalid
	}
	baseline, err := e.baseline()
	if err != nil {
		return nil, nil, err
	}
	reserves, err := e.ledger.Reserves(baseline)
	if err != nil {
		return nil, nil, err
	}
	currentValue := new(big.Int).Mul(amount, verified)
	currentValue.Quo(currentValue, pricePrecision)
	feeBps := e.fees.EffectiveFeeBps(verified, baseline)
	fee := FeeAmount(currentValue, feeBps)
	afterFee := new(big.Int).Sub(currentValue, fee)
	subsidy := big.NewInt(0)
	if kind == ConversionKindConvert {
		baselineValue := new(big.Int).Mul(amount, baseline)
		baselineValue.Quo(baselineValue, pricePrecision)
		if baselineValue.Cmp(afterFee) > 0 {
			subsidy = new(big.Int).Sub(baselineValue, afterFee)
			if reserves.TotalReserves != nil && subsidy.Cmp(reserves.TotalReserves) > 0 {
				subsidy = new(big.Int).Set(reserves.TotalReserves)
			}
		}
	}
	payout := new(big.Int).Add(afterFee, subsidy)
	quote := &ConversionQuote{
		ExpectedValue: currentValue,
		FeeAmount:     fee,
		Subsidy:       subsidy,
		FinalAmount:   payout,
		FeeBps:        feeBps,
		Price:         verified,
	}
	return quote, reserves, nil
}

// SimulateConversion quotes a baseline-protected conversion without touching
// state. The arithmetic matches Convert exactly.
func (e *Engine) SimulateConversion(amount *big.Int) (*ConversionQuote, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	quote, _, err := e.quoteConversion(ConversionKindConvert, amount)
	return quote, err
}

// Convert executes a baseline-protected conversion for the caller.
func (e *Engine) Convert(caller [20]byte, amount, minReturn *big.Int) (*ConversionRecord, error) {
	return e.execute(ConversionKindConvert, caller, "", amount, minReturn)
}

// Swap executes a direct conversion at the verified price with no subsidy.
// The payout is funded by reserves.
func (e *Engine) Swap(caller [20]byte, amount, minReturn *big.Int) (*ConversionRecord, error) {
	return e.execute(ConversionKindSwap, caller, "", amount, minReturn)
}

// ConvertForProject tags the conversion with a beneficiary project label.
func (e *Engine) ConvertForProject(caller [20]byte, project string, amount, minReturn *big.Int) (*ConversionRecord, error) {
	return e.execute(ConversionKindConvert, caller, project, amount, minReturn)
}

func (e *Engine) execute(kind ConversionKind, caller [20]byte, project string, amount, minReturn *big.Int) (*ConversionRecord, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.systemPaused() {
		return nil, ErrSystemPaused
	}
	breakerState, err := e.breaker.State()
	if err != nil {
		return nil, err
	}
	if breakerState.Phase != BreakerPhaseNormal {
		return nil, ErrBreakerPaused
	}
	if violation, err := e.guard.Check(caller, amount, e.guards); err != nil {
		return nil, err
	} else if violation != nil {
		return nil, violation
	}
	suspicions, err := e.guard.Suspicion(caller, amount, e.guards)
	if err != nil {
		return nil, err
	}
	quote, reserves, err := e.quoteConversion(kind, amount)
	if err != nil {
		return nil, err
	}
	if minReturn != nil && minReturn.Sign() > 0 && quote.FinalAmount.Cmp(minReturn) < 0 {
		return nil, fmt.Errorf("%w: payout %s < minimum %s", ErrBelowMinReturn, quote.FinalAmount, minReturn)
	}
	debit := quote.Subsidy
	if kind == ConversionKindSwap {
		debit = quote.FinalAmount
	}
	if reserves.TotalReserves == nil || reserves.TotalReserves.Cmp(debit) < 0 {
		return nil, ErrInsufficientReserves
	}

	prevReserves := reserves.Copy()
	prevGuard, err := e.guard.State(caller)
	if err != nil {
		return nil, err
	}
	reserves.TotalReserves = new(big.Int).Sub(reserves.TotalReserves, debit)
	reserves.TotalConversions = new(big.Int).Add(zeroIfNil(reserves.TotalConversions), amount)
	if kind == ConversionKindConvert {
		reserves.TotalStabilized = new(big.Int).Add(zeroIfNil(reserves.TotalStabilized), quote.Subsidy)
	}

	// Guard counters and the reserve debit commit before any value moves,
	// each step restoring its predecessors on failure so a rejected
	// conversion leaves no trace.
	if err := e.guard.Commit(caller, amount); err != nil {
		return nil, err
	}
	if err := e.ledger.PutReserves(reserves); err != nil {
		if restoreErr := e.guard.putState(caller, prevGuard); restoreErr != nil {
			return nil, fmt.Errorf("stability: reserve persist failed: %v (guard restore failed: %w)", err, restoreErr)
		}
		return nil, err
	}
	if e.bridge != nil {
		if err := e.bridge.CollectTokens(caller, amount); err != nil {
			return nil, e.rollbackConversion(caller, prevGuard, prevReserves, err)
		}
		if err := e.bridge.PayOut(caller, quote.FinalAmount); err != nil {
			return nil, e.rollbackConversion(caller, prevGuard, prevReserves, err)
		}
	}
	now := e.clock().UTC().Unix()
	twap, err := e.oracle.TWAP()
	if err != nil {
		twap = big.NewInt(0)
	}
	record := &ConversionRecord{
		ID:            e.idGen(),
		Kind:          kind,
		Caller:        caller,
		Project:       strings.TrimSpace(project),
		TokenAmount:   new(big.Int).Set(amount),
		GrossValue:    quote.ExpectedValue,
		FeeAmount:     quote.FeeAmount,
		Subsidy:       quote.Subsidy,
		Payout:        quote.FinalAmount,
		Price:         quote.Price,
		TwapPrice:     twap,
		FeeBps:        quote.FeeBps,
		CreatedAt:     now,
		ReservesAfter: new(big.Int).Set(reserves.TotalReserves),
	}
	if err := e.ledger.PutConversion(record); err != nil {
		// Value already settled; the reserve debit and guard counters stand.
		return nil, fmt.Errorf("stability: conversion settled but record persist failed: %w", err)
	}
	for _, reason := range suspicions {
		e.emitEvent(SuspiciousActivity{Address: caller, Amount: amount, Reason: reason}.Event())
	}
	e.emitEvent(ConversionExecuted{
		ID:            record.ID,
		Kind:          kind,
		Caller:        caller,
		TokenAmount:   record.TokenAmount,
		Payout:        record.Payout,
		FeeAmount:     record.FeeAmount,
		Subsidy:       record.Subsidy,
		ReservesAfter: record.ReservesAfter,
	}.Event())
	if e.notifier != nil {
		if err := e.notifier.ConversionSettled(record.Copy()); err != nil && e.onNotifyErr != nil {
			e.onNotifyErr(err)
		}
	}
	if err := e.checkBreakerLocked(reserves); err != nil {
		return nil, err
	}
	return record.Copy(), nil
}

// rollbackConversion restores the guard counters and reserve balances
// captured before a conversion began. Used when a bridge leg fails after
// local state committed.
func (e *Engine) rollbackConversion(caller [20]byte, prevGuard *RateLimitState, prevReserves *ReserveState, cause error) error {
	if restoreErr := e.ledger.PutReserves(prevReserves); restoreErr != nil {
		return fmt.Errorf("stability: conversion aborted: %v (reserve restore failed: %w)", cause, restoreErr)
	}
	if restoreErr := e.guard.putState(caller, prevGuard); restoreErr != nil {
		return fmt.Errorf("stability: conversion aborted: %v (guard restore failed: %w)", cause, restoreErr)
	}
	return cause
}

func zeroIfNil(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// AddReserves credits a voluntary contribution. Open to any caller.
func (e *Engine) AddReserves(amount *big.Int) error {
	return e.creditReserves("contribution", amount)
}

// ProcessBurnedTokens converts the configured share of a burn's market value
// into reserves. The token contract calls this on every burn, so it carries
// the burner capability rather than the operator-held reserve manager role.
func (e *Engine) ProcessBurnedTokens(caller [20]byte, burnedAmount *big.Int) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityBurner, caller); err != nil {
		return err
	}
	if burnedAmount == nil || burnedAmount.Sign() <= 0 {
		return ErrAmountInvalid
	}
	// Valuation and credit share one critical section so the price the burn
	// is valued at is the price in effect when the reserves are credited.
	e.mu.Lock()
	defer e.mu.Unlock()
	verified, err := e.oracle.VerifiedPrice()
	if err != nil {
		return err
	}
	value := new(big.Int).Mul(burnedAmount, verified)
	value.Quo(value, pricePrecision)
	value.Mul(value, new(big.Int).SetUint64(e.cfg.Reserve.BurnReservePercent))
	value.Quo(value, big.NewInt(100))
	if value.Sign() <= 0 {
		return nil
	}
	return e.creditReservesLocked("burn", value)
}

// ProcessPlatformFees routes the configured share of collected platform fees
// into reserves.
func (e *Engine) ProcessPlatformFees(caller [20]byte, feeAmount *big.Int) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityReserveManager, caller); err != nil {
		return err
	}
	if feeAmount == nil || feeAmount.Sign() <= 0 {
		return ErrAmountInvalid
	}
	share := new(big.Int).Mul(feeAmount, new(big.Int).SetUint64(e.cfg.Reserve.FeeSharePercent))
	share.Quo(share, big.NewInt(100))
	if share.Sign() <= 0 {
		return nil
	}
	return e.creditReserves("fees", share)
}

func (e *Engine) creditReserves(source string, amount *big.Int) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creditReservesLocked(source, amount)
}

// creditReservesLocked assumes e.mu is held.
func (e *Engine) creditReservesLocked(source string, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountInvalid
	}
	baseline, err := e.baseline()
	if err != nil {
		return err
	}
	reserves, err := e.ledger.Reserves(baseline)
	if err != nil {
		return err
	}
	reserves.TotalReserves = new(big.Int).Add(zeroIfNil(reserves.TotalReserves), amount)
	if err := e.ledger.PutReserves(reserves); err != nil {
		return err
	}
	e.emitEvent(ReservesDeposited{Source: source, Amount: amount, Total: reserves.TotalReserves}.Event())
	return nil
}

// WithdrawReserves releases excess reserves to the recipient. Privileged and
// bounded by the excess over the minimum reserve requirement.
func (e *Engine) WithdrawReserves(caller, recipient [20]byte, amount *big.Int) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityReserveManager, caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrAmountInvalid
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.systemPaused() {
		return ErrSystemPaused
	}
	breakerState, err := e.breaker.State()
	if err != nil {
		return err
	}
	if breakerState.Phase != BreakerPhaseNormal {
		return ErrBreakerPaused
	}
	baseline, err := e.baseline()
	if err != nil {
		return err
	}
	reserves, err := e.ledger.Reserves(baseline)
	if err != nil {
		return err
	}
	excess, err := e.withdrawableLocked(reserves)
	if err != nil {
		return err
	}
	if amount.Cmp(excess) > 0 {
		return fmt.Errorf("%w: %s > excess %s", ErrWithdrawalExceedsExcess, amount, excess)
	}
	reserves.TotalReserves = new(big.Int).Sub(reserves.TotalReserves, amount)
	if e.bridge != nil {
		if err := e.bridge.PayOut(recipient, amount); err != nil {
			return err
		}
	}
	if err := e.ledger.PutReserves(reserves); err != nil {
		return err
	}
	e.emitEvent(ReservesWithdrawn{Recipient: recipient, Amount: amount, Total: reserves.TotalReserves}.Event())
	return e.checkBreakerLocked(reserves)
}

// withdrawableLocked computes totalReserves minus the minimum reserve
// requirement at the current verified price. Held lock required.
func (e *Engine) withdrawableLocked(reserves *ReserveState) (*big.Int, error) {
	verified, err := e.oracle.VerifiedPrice()
	if err != nil {
		return nil, err
	}
	supply, err := e.supply.CirculatingSupply()
	if err != nil {
		return nil, err
	}
	total := zeroIfNil(reserves.TotalReserves)
	if supply == nil || supply.Sign() <= 0 || verified.Sign() <= 0 {
		return new(big.Int).Set(total), nil
	}
	market := new(big.Int).Mul(supply, verified)
	market.Quo(market, pricePrecision)
	minReserve := new(big.Int).Mul(market, new(big.Int).SetUint64(e.cfg.Breaker.MinReserveRatioBps))
	minReserve.Quo(minReserve, big.NewInt(bpsDenominator))
	if total.Cmp(minReserve) <= 0 {
		return big.NewInt(0), nil
	}
	return new(big.Int).Sub(total, minReserve), nil
}

func (e *Engine) checkBreakerLocked(reserves *ReserveState) error {
	verified, err := e.oracle.VerifiedPrice()
	if err != nil {
		return err
	}
	supply, err := e.supply.CirculatingSupply()
	if err != nil {
		return err
	}
	paused, ratio, err := e.breaker.CheckAndPauseIfCritical(zeroIfNil(reserves.TotalReserves), supply, verified)
	if err != nil {
		return err
	}
	if paused {
		e.emitEvent(BreakerTripped{RatioBps: ratio, Manual: false}.Event())
	}
	return nil
}

// EmergencyPause halts conversions on a guardian's order.
func (e *Engine) EmergencyPause(caller [20]byte) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityGuardian, caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.breaker.EmergencyPause(); err != nil {
		return err
	}
	e.emitEvent(BreakerTripped{Manual: true}.Event())
	return nil
}

// ResumeFromPause reopens conversions after re-checking the reserve ratio.
func (e *Engine) ResumeFromPause(caller [20]byte) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityGuardian, caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	baseline, err := e.baseline()
	if err != nil {
		return err
	}
	reserves, err := e.ledger.Reserves(baseline)
	if err != nil {
		return err
	}
	verified, err := e.oracle.VerifiedPrice()
	if err != nil {
		return err
	}
	supply, err := e.supply.CirculatingSupply()
	if err != nil {
		return err
	}
	if err := e.breaker.ResumeFromPause(zeroIfNil(reserves.TotalReserves), supply, verified); err != nil {
		return err
	}
	e.emitEvent(BreakerResumed{ViaRecovery: false}.Event())
	return nil
}

// InitiateEmergencyRecovery opens the guardian recovery window.
func (e *Engine) InitiateEmergencyRecovery(caller [20]byte) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityGuardian, caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.breaker.InitiateEmergencyRecovery(); err != nil {
		return err
	}
	e.emitEvent(RecoveryInitiated{Initiator: caller, Required: e.cfg.Breaker.RequiredApprovals}.Event())
	return nil
}

// ApproveRecovery records one guardian vote; reaching the quorum reopens the
// system.
func (e *Engine) ApproveRecovery(caller [20]byte) (int, bool, error) {
	if e == nil {
		return 0, false, ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityGuardian, caller); err != nil {
		return 0, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	count, reopened, err := e.breaker.ApproveRecovery(caller)
	if err != nil {
		return count, false, err
	}
	e.emitEvent(RecoveryApproved{Approver: caller, Count: count, Required: e.cfg.Breaker.RequiredApprovals}.Event())
	if reopened {
		e.emitEvent(BreakerResumed{ViaRecovery: true}.Event())
	}
	return count, reopened, nil
}

// SetAddressCooldown blacklists an address until the deadline.
func (e *Engine) SetAddressCooldown(caller, target [20]byte, until int64) error {
	if e == nil {
		return ErrEngineNotInitialised
	}
	if err := e.roles.Require(CapabilityRiskOfficer, caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.guard.SetCooldown(target, until)
}

// GetVerifiedPrice reports the manipulation-resistant price.
func (e *Engine) GetVerifiedPrice() (*big.Int, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracle.VerifiedPrice()
}

// CalculateTWAP reports the current time-weighted average price; zero means
// too few observations qualified.
func (e *Engine) CalculateTWAP() (*big.Int, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.oracle.TWAP()
}

// GetReserveRatioHealth reports the solvency metrics published to operators.
func (e *Engine) GetReserveRatioHealth() (*ReserveHealth, error) {
	if e == nil {
		return nil, ErrEngineNotInitialised
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	baseline, err := e.baseline()
	if err != nil {
		return nil, err
	}
	reserves, err := e.ledger.Reserves(baseline)
	if err != nil {
		return nil, err
	}
	verified, err := e.oracle.VerifiedPrice()
	if err != nil {
		return nil, err
	}
	supply, err := e.supply.CirculatingSupply()
	if err != nil {
		return nil, err
	}
	oracleState, err := e.oracle.State()
	if err != nil {
		return nil, err
	}
	breakerState, err := e.breaker.State()
	if err != nil {
		return nil, err
	}
	withdrawable, err := e.withdrawableLocked(reserves)
	if err != nil {
		return nil, err
	}
	return &ReserveHealth{
		TotalReserves:   new(big.Int).Set(zeroIfNil(reserves.TotalReserves)),
		ReserveRatio:    ReserveRatioBps(zeroIfNil(reserves.TotalReserves), supply, verified),
		MinRatio:        e.cfg.Breaker.MinReserveRatioBps,
		CriticalRatio:   e.breaker.criticalRatioBps(),
		Phase:           breakerState.Phase,
		LowValueMode:    oracleState.LowValueMode,
		VerifiedPrice:   verified,
		WithdrawableWei: withdrawable,
	}, nil
}
