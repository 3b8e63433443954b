package stability

import (
	"errors"
	"math/big"
	"testing"
)

func newTestBreaker(t *testing.T) *Breaker {
	t.Helper()
	breaker := NewBreaker(newMemoryStore(), BreakerConfig{})
	breaker.SetClock(fixedClock(1_700_000_000))
	return breaker
}

func TestReserveRatioBps(t *testing.T) {
	// 1000 units of reserves against 1000 tokens at 1 unit each is 100%.
	ratio := ReserveRatioBps(weiUnits(1000), weiUnits(1000), weiUnits(1))
	if ratio != 10000 {
		t.Fatalf("expected 10000 bps, got %d", ratio)
	}
	ratio = ReserveRatioBps(weiUnits(50), weiUnits(1000), weiUnits(1))
	if ratio != 500 {
		t.Fatalf("expected 500 bps, got %d", ratio)
	}
	if ratio := ReserveRatioBps(weiUnits(1), big.NewInt(0), weiUnits(1)); ratio != ^uint64(0) {
		t.Fatalf("expected max ratio with zero supply, got %d", ratio)
	}
}

func TestBreakerPausesBelowCritical(t *testing.T) {
	breaker := newTestBreaker(t)
	// Defaults: min ratio 10%, critical at 50% of that, so 5% trips.

	paused, ratio, err := breaker.CheckAndPauseIfCritical(weiUnits(60), weiUnits(1000), weiUnits(1))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if paused {
		t.Fatalf("ratio %d bps must not trip the breaker", ratio)
	}

	paused, ratio, err = breaker.CheckAndPauseIfCritical(weiUnits(40), weiUnits(1000), weiUnits(1))
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !paused {
		t.Fatalf("ratio %d bps must trip the breaker", ratio)
	}

	state, err := breaker.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Phase != BreakerPhasePaused {
		t.Fatalf("expected paused phase, got %q", state.Phase)
	}
	if state.PausedAt != 1_700_000_000 {
		t.Fatalf("unexpected pause timestamp %d", state.PausedAt)
	}
}

func TestBreakerResumeRechecksRatio(t *testing.T) {
	breaker := newTestBreaker(t)
	if err := breaker.EmergencyPause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	err := breaker.ResumeFromPause(weiUnits(40), weiUnits(1000), weiUnits(1))
	if !errors.Is(err, ErrReserveRatioStillCritical) {
		t.Fatalf("expected critical-ratio rejection, got %v", err)
	}
	if err := breaker.ResumeFromPause(weiUnits(200), weiUnits(1000), weiUnits(1)); err != nil {
		t.Fatalf("resume: %v", err)
	}
	state, err := breaker.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Phase != BreakerPhaseNormal {
		t.Fatalf("expected normal phase, got %q", state.Phase)
	}
}

func TestBreakerResumeRequiresPause(t *testing.T) {
	breaker := newTestBreaker(t)
	err := breaker.ResumeFromPause(weiUnits(200), weiUnits(1000), weiUnits(1))
	if !errors.Is(err, ErrBreakerNotPaused) {
		t.Fatalf("expected not-paused rejection, got %v", err)
	}
}

func TestBreakerRecoveryQuorum(t *testing.T) {
	breaker := newTestBreaker(t)

	if err := breaker.InitiateEmergencyRecovery(); !errors.Is(err, ErrBreakerNotPaused) {
		t.Fatalf("expected recovery to require a pause, got %v", err)
	}
	if err := breaker.EmergencyPause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := breaker.InitiateEmergencyRecovery(); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := breaker.InitiateEmergencyRecovery(); !errors.Is(err, ErrRecoveryAlreadyActive) {
		t.Fatalf("expected duplicate initiation rejection, got %v", err)
	}

	guardians := [][20]byte{{0x01}, {0x02}, {0x03}}
	count, reopened, err := breaker.ApproveRecovery(guardians[0])
	if err != nil || count != 1 || reopened {
		t.Fatalf("first approval: count=%d reopened=%t err=%v", count, reopened, err)
	}
	if _, _, err := breaker.ApproveRecovery(guardians[0]); !errors.Is(err, ErrEmergencyAlreadyApproved) {
		t.Fatalf("expected duplicate approval rejection, got %v", err)
	}
	if _, reopened, err = breaker.ApproveRecovery(guardians[1]); err != nil || reopened {
		t.Fatalf("second approval: reopened=%t err=%v", reopened, err)
	}
	count, reopened, err = breaker.ApproveRecovery(guardians[2])
	if err != nil {
		t.Fatalf("third approval: %v", err)
	}
	if count != 3 || !reopened {
		t.Fatalf("expected quorum at 3 approvals, count=%d reopened=%t", count, reopened)
	}

	state, err := breaker.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Phase != BreakerPhaseNormal {
		t.Fatalf("expected normal phase after quorum, got %q", state.Phase)
	}
	if len(state.RecoveryApprovals) != 0 {
		t.Fatalf("expected approvals cleared, got %d", len(state.RecoveryApprovals))
	}
	if _, _, err := breaker.ApproveRecovery(guardians[0]); !errors.Is(err, ErrRecoveryNotActive) {
		t.Fatalf("expected approval outside recovery to fail, got %v", err)
	}
}
