package stability

import (
	"errors"
	"math/big"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

func newTestOracle(t *testing.T, seed *big.Int) (*Oracle, *memoryStore) {
	t.Helper()
	store := newMemoryStore()
	oracle := NewOracle(store, OracleConfig{
		ObservationIntervalSeconds: 3600,
		TwapWindowSize:             4,
		TwapEnabled:                true,
	})
	oracle.SetClock(fixedClock(1_700_000_000))
	if _, err := oracle.EnsureState(seed); err != nil {
		t.Fatalf("ensure state: %v", err)
	}
	return oracle, store
}

func TestOracleStateRoundTrip(t *testing.T) {
	oracle, _ := newTestOracle(t, weiUnits(1))
	state, err := oracle.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.CurrentPrice.Cmp(weiUnits(1)) != 0 {
		t.Fatalf("expected seed price, got %s", state.CurrentPrice)
	}
	if !state.TwapEnabled {
		t.Fatalf("expected twap enabled")
	}
	if state.WriteCursor != 1 {
		t.Fatalf("expected cursor 1 after seed, got %d", state.WriteCursor)
	}
}

func TestUpdatePriceRejectsLargeStep(t *testing.T) {
	oracle, _ := newTestOracle(t, weiUnits(100))
	// Default step guard is 10%; an 11% move must be rejected.
	if _, err := oracle.UpdatePrice(weiUnits(111)); !errors.Is(err, ErrPriceChangeTooLarge) {
		t.Fatalf("expected step-change rejection, got %v", err)
	}
	update, err := oracle.UpdatePrice(weiUnits(109))
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if update.RawPrice.Cmp(weiUnits(109)) != 0 {
		t.Fatalf("unexpected committed price %s", update.RawPrice)
	}
}

func TestUpdatePriceRejectsTWAPOutlier(t *testing.T) {
	store := newMemoryStore()
	oracle := NewOracle(store, OracleConfig{
		ObservationIntervalSeconds: 3600,
		TwapWindowSize:             4,
		TwapEnabled:                true,
		MaxStepChangeBps:           10000,
	})
	now := int64(1_700_000_000)
	oracle.SetClock(fixedClock(now))
	if _, err := oracle.EnsureState(weiUnits(100)); err != nil {
		t.Fatalf("ensure state: %v", err)
	}
	// Build a stable twap at 100 units.
	for i := 1; i <= 4; i++ {
		now += 3600
		oracle.SetClock(fixedClock(now))
		if _, err := oracle.UpdatePrice(weiUnits(100)); err != nil {
			t.Fatalf("warmup %d: %v", i, err)
		}
	}
	// With the step guard open, a 25% jump still violates the twap band.
	if _, err := oracle.UpdatePrice(weiUnits(125)); !errors.Is(err, ErrPriceDeviatesFromTWAP) {
		t.Fatalf("expected twap rejection, got %v", err)
	}
	update, err := oracle.UpdatePrice(weiUnits(115))
	if err != nil {
		t.Fatalf("in-band update: %v", err)
	}
	if update.TwapDeviationBps == 0 {
		t.Fatalf("expected non-zero deviation for a moved price")
	}
}

func TestUpdatePriceStepUsesVerifiedReference(t *testing.T) {
	store := newMemoryStore()
	oracle := NewOracle(store, OracleConfig{
		ObservationIntervalSeconds: 3600,
		TwapWindowSize:             4,
		TwapEnabled:                true,
	})
	now := int64(1_700_000_000)
	oracle.SetClock(fixedClock(now))
	if _, err := oracle.EnsureState(weiUnits(100)); err != nil {
		t.Fatalf("ensure state: %v", err)
	}
	for i := 1; i <= 4; i++ {
		now += 3600
		oracle.SetClock(fixedClock(now))
		if _, err := oracle.UpdatePrice(weiUnits(100)); err != nil {
			t.Fatalf("warmup %d: %v", i, err)
		}
	}
	// Drift the stored raw price to 130 while the twap sits at 100. The
	// verified reference substitutes the twap, so the step band must anchor
	// on 100, not 130.
	state, err := oracle.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	state.CurrentPrice = weiUnits(130)
	if err := oracle.putState(state); err != nil {
		t.Fatalf("put state: %v", err)
	}
	// 119 is 8.5% from the raw price but 19% from the verified reference.
	if _, err := oracle.UpdatePrice(weiUnits(119)); !errors.Is(err, ErrPriceChangeTooLarge) {
		t.Fatalf("expected step rejection against verified reference, got %v", err)
	}
	update, err := oracle.UpdatePrice(weiUnits(109))
	if err != nil {
		t.Fatalf("in-band update: %v", err)
	}
	if update.VerifiedPrice.Cmp(weiUnits(109)) != 0 {
		t.Fatalf("unexpected verified price %s", update.VerifiedPrice)
	}
}

func TestUpdatePriceRejectsNonPositive(t *testing.T) {
	oracle, _ := newTestOracle(t, weiUnits(1))
	if _, err := oracle.UpdatePrice(nil); !errors.Is(err, ErrOraclePriceInvalid) {
		t.Fatalf("expected invalid price rejection, got %v", err)
	}
	if _, err := oracle.UpdatePrice(big.NewInt(0)); !errors.Is(err, ErrOraclePriceInvalid) {
		t.Fatalf("expected zero price rejection, got %v", err)
	}
}

func TestPriceProofVerification(t *testing.T) {
	oracle, _ := newTestOracle(t, weiUnits(100))
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var signer [20]byte
	copy(signer[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	if err := oracle.RegisterPriceSigner("acme", signer); err != nil {
		t.Fatalf("register signer: %v", err)
	}

	ts := int64(1_700_000_000) - 30
	proof, err := NewPriceProof(PriceProofDomainV1, "acme", "STBL", weiUnits(105), ts, nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	hash, err := proof.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	proof.Signature, err = ethcrypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	update, err := oracle.UpdatePriceWithProof(proof)
	if err != nil {
		t.Fatalf("update with proof: %v", err)
	}
	if update.RawPrice.Cmp(weiUnits(105)) != 0 {
		t.Fatalf("unexpected committed price %s", update.RawPrice)
	}

	// Replaying the same proof must fail even though the signature is valid.
	if _, err := oracle.UpdatePriceWithProof(proof); !errors.Is(err, ErrProofReplayed) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
}

func TestPriceProofRejectsForgedSigner(t *testing.T) {
	oracle, _ := newTestOracle(t, weiUnits(100))
	registered, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var signer [20]byte
	copy(signer[:], ethcrypto.PubkeyToAddress(registered.PublicKey).Bytes())
	if err := oracle.RegisterPriceSigner("acme", signer); err != nil {
		t.Fatalf("register signer: %v", err)
	}

	imposter, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate imposter key: %v", err)
	}
	proof, err := NewPriceProof(PriceProofDomainV1, "acme", "STBL", weiUnits(105), 1_700_000_000-30, nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	hash, err := proof.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	proof.Signature, err = ethcrypto.Sign(hash, imposter)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := oracle.VerifyProof(proof); !errors.Is(err, ErrProofSignatureInvalid) {
		t.Fatalf("expected signature rejection, got %v", err)
	}

	proof.Provider = "unknown"
	if err := oracle.VerifyProof(proof); !errors.Is(err, ErrProofSignerUnknown) {
		t.Fatalf("expected unknown signer rejection, got %v", err)
	}
}

func TestPriceProofRejectsStale(t *testing.T) {
	oracle, _ := newTestOracle(t, weiUnits(100))
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var signer [20]byte
	copy(signer[:], ethcrypto.PubkeyToAddress(key.PublicKey).Bytes())
	if err := oracle.RegisterPriceSigner("acme", signer); err != nil {
		t.Fatalf("register signer: %v", err)
	}

	stale := int64(1_700_000_000) - 3600
	proof, err := NewPriceProof(PriceProofDomainV1, "acme", "STBL", weiUnits(105), stale, nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	hash, err := proof.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	proof.Signature, err = ethcrypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := oracle.VerifyProof(proof); !errors.Is(err, ErrProofStale) {
		t.Fatalf("expected stale rejection, got %v", err)
	}

	future := time.Unix(1_700_000_000, 0).Add(5 * time.Minute).Unix()
	proof, err = NewPriceProof(PriceProofDomainV1, "acme", "STBL", weiUnits(105), future, nil)
	if err != nil {
		t.Fatalf("new proof: %v", err)
	}
	hash, err = proof.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	proof.Signature, err = ethcrypto.Sign(hash, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := oracle.VerifyProof(proof); !errors.Is(err, ErrProofStale) {
		t.Fatalf("expected future timestamp rejection, got %v", err)
	}
}
