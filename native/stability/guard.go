package stability

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// GuardCode enumerates flash-loan guard violation categories.
type GuardCode string

const (
	// GuardCodeCooldown indicates the address is blacklisted until a deadline.
	GuardCodeCooldown GuardCode = "address_in_cooldown"
	// GuardCodeTooSoon indicates the minimum interval between actions was not respected.
	GuardCodeTooSoon GuardCode = "action_too_soon"
	// GuardCodeMaxSingle indicates the amount exceeded the single-transaction cap.
	GuardCodeMaxSingle GuardCode = "amount_exceeds_max_conversion"
	// GuardCodeDailyVolume indicates the rolling daily volume cap would be exceeded.
	GuardCodeDailyVolume GuardCode = "daily_volume_limit_exceeded"
)

// GuardViolation conveys a violated limit alongside diagnostic context.
type GuardViolation struct {
	Code    GuardCode
	Message string
	Limit   *big.Int
	Current *big.Int
	RetryAt int64
}

// Error satisfies the error interface so violations propagate through call sites.
func (gv *GuardViolation) Error() string {
	if gv == nil {
		return ""
	}
	if strings.TrimSpace(gv.Message) != "" {
		return gv.Message
	}
	return fmt.Sprintf("stability: guard violation: %s", gv.Code)
}

// SuspicionReason labels advisory suspicious-activity signals. Signals never
// block a transaction; a privileged role may act on them by placing the
// address in cooldown.
type SuspicionReason string

const (
	// SuspicionLargeFirstAction flags a large first-ever action from an address.
	SuspicionLargeFirstAction SuspicionReason = "large_first_action"
	// SuspicionNearDailyCap flags an address approaching 90% of its daily cap.
	SuspicionNearDailyCap SuspicionReason = "near_daily_cap"
)

// Guard manages the per-address counters protecting reserve operations from
// single-transaction manipulation.
type Guard struct {
	store Storage
	clock func() time.Time
}

// NewGuard constructs a guard backed by the provided storage adapter.
func NewGuard(store Storage) *Guard {
	return &Guard{store: store, clock: time.Now}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (g *Guard) SetClock(clock func() time.Time) {
	if g == nil || clock == nil {
		return
	}
	g.clock = clock
}

type storedGuardState struct {
	LastActionTime uint64
	DailyVolume    string
	DayAnchor      string
	CooldownUntil  uint64
	Seen           bool
}

// State loads the counters for an address, creating a fresh entry lazily.
func (g *Guard) State(addr [20]byte) (*RateLimitState, error) {
	if g == nil {
		return nil, fmt.Errorf("guard not initialised")
	}
	var stored storedGuardState
	ok, err := g.store.KVGet(guardStateKey(addr), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &RateLimitState{DailyVolume: big.NewInt(0)}, nil
	}
	volume, err := amountFromString(stored.DailyVolume)
	if err != nil {
		return nil, err
	}
	lastAction, err := uint64ToInt64(stored.LastActionTime)
	if err != nil {
		return nil, fmt.Errorf("guard: last action overflow: %w", err)
	}
	cooldown, err := uint64ToInt64(stored.CooldownUntil)
	if err != nil {
		return nil, fmt.Errorf("guard: cooldown overflow: %w", err)
	}
	return &RateLimitState{
		LastActionTime: lastAction,
		DailyVolume:    volume,
		DayAnchor:      stored.DayAnchor,
		CooldownUntil:  cooldown,
		Seen:           stored.Seen,
	}, nil
}

func (g *Guard) putState(addr [20]byte, state *RateLimitState) error {
	stored := storedGuardState{
		DailyVolume: amountToString(state.DailyVolume),
		DayAnchor:   state.DayAnchor,
		Seen:        state.Seen,
	}
	if state.LastActionTime > 0 {
		stored.LastActionTime = uint64(state.LastActionTime)
	}
	if state.CooldownUntil > 0 {
		stored.CooldownUntil = uint64(state.CooldownUntil)
	}
	return g.store.KVPut(guardStateKey(addr), stored)
}

// Check evaluates the guard limits for a pending action without mutating any
// counters. A non-nil violation means the action must be rejected.
func (g *Guard) Check(addr [20]byte, amount *big.Int, params GuardParameters) (*GuardViolation, error) {
	if g == nil {
		return nil, fmt.Errorf("guard not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("guard: amount must be positive")
	}
	state, err := g.State(addr)
	if err != nil {
		return nil, err
	}
	now := g.clock().UTC()
	if state.CooldownUntil > now.Unix() {
		return &GuardViolation{
			Code:    GuardCodeCooldown,
			Message: fmt.Sprintf("address in cooldown until %d", state.CooldownUntil),
			RetryAt: state.CooldownUntil,
		}, nil
	}
	if params.MinInterval > 0 && state.LastActionTime > 0 {
		earliest := state.LastActionTime + int64(params.MinInterval/time.Second)
		if now.Unix() < earliest {
			return &GuardViolation{
				Code:    GuardCodeTooSoon,
				Message: fmt.Sprintf("next action allowed at %d", earliest),
				RetryAt: earliest,
			}, nil
		}
	}
	if params.MaxSingleWei != nil && params.MaxSingleWei.Sign() > 0 {
		if amount.Cmp(params.MaxSingleWei) > 0 {
			return &GuardViolation{
				Code:    GuardCodeMaxSingle,
				Message: fmt.Sprintf("amount %s exceeds single-transaction cap %s", amount, params.MaxSingleWei),
				Limit:   new(big.Int).Set(params.MaxSingleWei),
				Current: new(big.Int).Set(amount),
			}, nil
		}
	}
	if params.MaxDailyWei != nil && params.MaxDailyWei.Sign() > 0 {
		volume := g.effectiveDailyVolume(state, now)
		projected := new(big.Int).Add(volume, amount)
		if projected.Cmp(params.MaxDailyWei) > 0 {
			return &GuardViolation{
				Code:    GuardCodeDailyVolume,
				Message: fmt.Sprintf("daily volume cap %s exceeded", params.MaxDailyWei),
				Limit:   new(big.Int).Set(params.MaxDailyWei),
				Current: projected,
			}, nil
		}
	}
	return nil, nil
}

// Suspicion evaluates the advisory heuristics for a pending action. The
// result is informational only and never blocks the transaction.
func (g *Guard) Suspicion(addr [20]byte, amount *big.Int, params GuardParameters) ([]SuspicionReason, error) {
	if g == nil {
		return nil, fmt.Errorf("guard not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, nil
	}
	state, err := g.State(addr)
	if err != nil {
		return nil, err
	}
	now := g.clock().UTC()
	reasons := make([]SuspicionReason, 0, 2)
	if !state.Seen && params.LargeFirstActionWei != nil && params.LargeFirstActionWei.Sign() > 0 {
		if amount.Cmp(params.LargeFirstActionWei) >= 0 {
			reasons = append(reasons, SuspicionLargeFirstAction)
		}
	}
	if params.MaxDailyWei != nil && params.MaxDailyWei.Sign() > 0 {
		projected := new(big.Int).Add(g.effectiveDailyVolume(state, now), amount)
		threshold := new(big.Int).Mul(params.MaxDailyWei, big.NewInt(90))
		threshold.Quo(threshold, big.NewInt(100))
		if projected.Cmp(threshold) >= 0 {
			reasons = append(reasons, SuspicionNearDailyCap)
		}
	}
	return reasons, nil
}

// Commit records a successful action against the address counters. The day
// anchor resets whenever a new UTC day boundary is crossed.
func (g *Guard) Commit(addr [20]byte, amount *big.Int) error {
	if g == nil {
		return fmt.Errorf("guard not initialised")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("guard: amount must be positive")
	}
	state, err := g.State(addr)
	if err != nil {
		return err
	}
	now := g.clock().UTC()
	day := formatGuardDay(now)
	if state.DayAnchor != day {
		state.DayAnchor = day
		state.DailyVolume = big.NewInt(0)
	}
	if state.DailyVolume == nil {
		state.DailyVolume = big.NewInt(0)
	}
	state.DailyVolume = new(big.Int).Add(state.DailyVolume, amount)
	state.LastActionTime = now.Unix()
	state.Seen = true
	return g.putState(addr, state)
}

// SetCooldown blacklists the address until the supplied deadline. A zero
// deadline clears an existing cooldown.
func (g *Guard) SetCooldown(addr [20]byte, until int64) error {
	if g == nil {
		return fmt.Errorf("guard not initialised")
	}
	state, err := g.State(addr)
	if err != nil {
		return err
	}
	if until < 0 {
		until = 0
	}
	state.CooldownUntil = until
	return g.putState(addr, state)
}

func (g *Guard) effectiveDailyVolume(state *RateLimitState, now time.Time) *big.Int {
	if state == nil || state.DailyVolume == nil {
		return big.NewInt(0)
	}
	if state.DayAnchor != formatGuardDay(now) {
		return big.NewInt(0)
	}
	return new(big.Int).Set(state.DailyVolume)
}

func formatGuardDay(ts time.Time) string {
	return ts.UTC().Format("2006-01-02")
}
