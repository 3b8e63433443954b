package stability

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrOraclePriceInvalid indicates a submitted price was nil, zero or negative.
	ErrOraclePriceInvalid = errors.New("stability: oracle price invalid")
	// ErrPriceDeviatesFromTWAP indicates a submitted price strayed too far from the time-weighted average.
	ErrPriceDeviatesFromTWAP = errors.New("stability: price deviates from twap")
	// ErrPriceChangeTooLarge indicates a submitted price moved too far from the previous accepted price.
	ErrPriceChangeTooLarge = errors.New("stability: price change too large")
	// ErrOracleNotInitialised indicates state access before the first seed write.
	ErrOracleNotInitialised = errors.New("stability: oracle not initialised")

	// ErrProofNil indicates the submission did not include a price proof payload.
	ErrProofNil = errors.New("stability: price proof required")
	// ErrProofDomain indicates the supplied proof domain did not match the expected identifier.
	ErrProofDomain = errors.New("stability: price proof domain invalid")
	// ErrProofSignerUnknown indicates the proof provider has no registered signing address.
	ErrProofSignerUnknown = errors.New("stability: price proof signer unknown")
	// ErrProofSignatureInvalid indicates the signature could not be recovered or did not match the registered signer.
	ErrProofSignatureInvalid = errors.New("stability: price proof signature invalid")
	// ErrProofStale indicates the proof exceeded the configured freshness window.
	ErrProofStale = errors.New("stability: price proof stale")
	// ErrProofReplayed indicates the proof timestamp did not advance past the last accepted proof.
	ErrProofReplayed = errors.New("stability: price proof replayed")
)

// PriceProofDomainV1 defines the domain separator used when signing oracle price proofs.
const PriceProofDomainV1 = "STABILITY_ORACLE_PRICE_V1"

const proofFutureTolerance = 30 * time.Second

// Oracle owns the verified-price state machine. Every price entering the
// engine passes through its deviation and step-change guards.
type Oracle struct {
	store Storage
	cfg   OracleConfig
	clock func() time.Time
}

// NewOracle constructs an oracle backed by the supplied storage adapter.
func NewOracle(store Storage, cfg OracleConfig) *Oracle {
	return &Oracle{store: store, cfg: cfg.Normalise(), clock: time.Now}
}

// SetClock overrides the time source, primarily for deterministic testing.
func (o *Oracle) SetClock(clock func() time.Time) {
	if o == nil || clock == nil {
		return
	}
	o.clock = clock
}

type storedObservation struct {
	Timestamp uint64
	Price     string
}

type storedOracleState struct {
	CurrentPrice        string
	LastUpdateTime      uint64
	LastObservationTime uint64
	Ring                []storedObservation
	WriteCursor         uint64
	TwapEnabled         bool
	LowValueMode        bool
}

// EnsureState loads the oracle state, seeding the ring on first use.
func (o *Oracle) EnsureState(seedPrice *big.Int) (*OracleState, error) {
	if o == nil {
		return nil, ErrOracleNotInitialised
	}
	state, err := o.State()
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrOracleNotInitialised) {
		return nil, err
	}
	if seedPrice == nil || seedPrice.Sign() <= 0 {
		return nil, ErrOraclePriceInvalid
	}
	seeded := newOracleState(seedPrice, o.clock().Unix(), o.cfg.TwapEnabled)
	if err := o.putState(seeded); err != nil {
		return nil, err
	}
	return seeded, nil
}

// State loads the persisted oracle state.
func (o *Oracle) State() (*OracleState, error) {
	if o == nil {
		return nil, ErrOracleNotInitialised
	}
	var stored storedOracleState
	ok, err := o.store.KVGet(oracleStateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOracleNotInitialised
	}
	current, err := amountFromString(stored.CurrentPrice)
	if err != nil {
		return nil, err
	}
	lastUpdate, err := uint64ToInt64(stored.LastUpdateTime)
	if err != nil {
		return nil, fmt.Errorf("oracle: last update overflow: %w", err)
	}
	lastObs, err := uint64ToInt64(stored.LastObservationTime)
	if err != nil {
		return nil, fmt.Errorf("oracle: last observation overflow: %w", err)
	}
	state := &OracleState{
		CurrentPrice:        current,
		LastUpdateTime:      lastUpdate,
		LastObservationTime: lastObs,
		Ring:                make([]PriceObservation, ObservationSlots),
		WriteCursor:         int(stored.WriteCursor) % ObservationSlots,
		TwapEnabled:         stored.TwapEnabled,
		LowValueMode:        stored.LowValueMode,
	}
	for i, slot := range stored.Ring {
		if i >= ObservationSlots {
			break
		}
		if strings.TrimSpace(slot.Price) == "" {
			continue
		}
		price, err := amountFromString(slot.Price)
		if err != nil {
			return nil, err
		}
		ts, err := uint64ToInt64(slot.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("oracle: observation overflow: %w", err)
		}
		state.Ring[i] = PriceObservation{Timestamp: ts, Price: price}
	}
	return state, nil
}

func (o *Oracle) putState(state *OracleState) error {
	if state == nil {
		return ErrOracleNotInitialised
	}
	stored := storedOracleState{
		CurrentPrice: amountToString(state.CurrentPrice),
		WriteCursor:  uint64(state.WriteCursor),
		TwapEnabled:  state.TwapEnabled,
		LowValueMode: state.LowValueMode,
		Ring:         make([]storedObservation, len(state.Ring)),
	}
	if state.LastUpdateTime > 0 {
		stored.LastUpdateTime = uint64(state.LastUpdateTime)
	}
	if state.LastObservationTime > 0 {
		stored.LastObservationTime = uint64(state.LastObservationTime)
	}
	for i, obs := range state.Ring {
		if obs.Price == nil || obs.Timestamp <= 0 {
			continue
		}
		stored.Ring[i] = storedObservation{
			Timestamp: uint64(obs.Timestamp),
			Price:     amountToString(obs.Price),
		}
	}
	return o.store.KVPut(oracleStateKey, stored)
}

// PriceUpdate summarises the outcome of an accepted oracle submission.
type PriceUpdate struct {
	RawPrice            *big.Int
	VerifiedPrice       *big.Int
	Twap                *big.Int
	TwapDeviationBps    uint64
	ObservationRecorded bool
	UpdatedAt           int64
}

// UpdatePrice validates and commits a new spot price. Prices straying more
// than the configured threshold from the TWAP, or stepping too far from the
// previous accepted price, are rejected outright.
func (o *Oracle) UpdatePrice(price *big.Int) (*PriceUpdate, error) {
	if o == nil {
		return nil, ErrOracleNotInitialised
	}
	if price == nil || price.Sign() <= 0 {
		return nil, ErrOraclePriceInvalid
	}
	state, err := o.State()
	if err != nil {
		return nil, err
	}
	now := o.clock().Unix()
	interval := o.cfg.ObservationInterval()
	twap := computeTWAP(state, now, o.cfg.TwapWindowSize, interval)
	twapDeviation := uint64(0)
	if state.TwapEnabled && twap.Sign() > 0 {
		twapDeviation = deviationBps(price, twap)
		if o.cfg.MaxTwapDeviationBps > 0 && twapDeviation > o.cfg.MaxTwapDeviationBps {
			return nil, fmt.Errorf("%w: %d bps from twap %s", ErrPriceDeviatesFromTWAP, twapDeviation, twap)
		}
	}
	// The step reference is the verified price, not the raw spot: a raw price
	// that already drifted from TWAP must not widen the acceptance band.
	reference := verifiedPrice(state, twap, o.cfg.MaxTwapDeviationBps)
	if o.cfg.MaxStepChangeBps > 0 && reference != nil && reference.Sign() > 0 {
		if step := deviationBps(price, reference); step > o.cfg.MaxStepChangeBps {
			return nil, fmt.Errorf("%w: %d bps from reference %s", ErrPriceChangeTooLarge, step, reference)
		}
	}
	state.CurrentPrice = new(big.Int).Set(price)
	state.LastUpdateTime = now
	recorded := recordObservation(state, now, price, interval)
	if err := o.putState(state); err != nil {
		return nil, err
	}
	verified := verifiedPrice(state, twap, o.cfg.MaxTwapDeviationBps)
	return &PriceUpdate{
		RawPrice:            new(big.Int).Set(price),
		VerifiedPrice:       verified,
		Twap:                twap,
		TwapDeviationBps:    twapDeviation,
		ObservationRecorded: recorded,
		UpdatedAt:           now,
	}, nil
}

// VerifiedPrice returns the manipulation-resistant price downstream components
// must read instead of the raw spot price.
func (o *Oracle) VerifiedPrice() (*big.Int, error) {
	if o == nil {
		return nil, ErrOracleNotInitialised
	}
	state, err := o.State()
	if err != nil {
		return nil, err
	}
	twap := computeTWAP(state, o.clock().Unix(), o.cfg.TwapWindowSize, o.cfg.ObservationInterval())
	return verifiedPrice(state, twap, o.cfg.MaxTwapDeviationBps), nil
}

// TWAP computes the current time-weighted average over the configured window.
// A zero result means too few observations qualified.
func (o *Oracle) TWAP() (*big.Int, error) {
	if o == nil {
		return nil, ErrOracleNotInitialised
	}
	state, err := o.State()
	if err != nil {
		return nil, err
	}
	return computeTWAP(state, o.clock().Unix(), o.cfg.TwapWindowSize, o.cfg.ObservationInterval()), nil
}

// SetTwapEnabled toggles TWAP verification. Disabling it makes the raw price
// authoritative and is intended for governance intervention only.
func (o *Oracle) SetTwapEnabled(enabled bool) error {
	if o == nil {
		return ErrOracleNotInitialised
	}
	state, err := o.State()
	if err != nil {
		return err
	}
	state.TwapEnabled = enabled
	return o.putState(state)
}

// SetLowValueMode flips the depressed-price operating flag.
func (o *Oracle) SetLowValueMode(enabled bool) error {
	if o == nil {
		return ErrOracleNotInitialised
	}
	state, err := o.State()
	if err != nil {
		return err
	}
	if state.LowValueMode == enabled {
		return nil
	}
	state.LowValueMode = enabled
	return o.putState(state)
}

// PriceProof captures a signed oracle payload submitted by an off-chain feed.
type PriceProof struct {
	Domain    string
	Provider  string
	Symbol    string
	PriceWei  *big.Int
	Timestamp time.Time
	Signature []byte
}

// NewPriceProof constructs a price proof from the raw submission payload.
func NewPriceProof(domain, provider, symbol string, priceWei *big.Int, ts int64, signature []byte) (*PriceProof, error) {
	trimmedDomain := strings.TrimSpace(domain)
	if trimmedDomain == "" {
		return nil, fmt.Errorf("price proof: domain required")
	}
	trimmedProvider := strings.TrimSpace(provider)
	if trimmedProvider == "" {
		return nil, fmt.Errorf("price proof: provider required")
	}
	trimmedSymbol := strings.TrimSpace(symbol)
	if trimmedSymbol == "" {
		return nil, fmt.Errorf("price proof: symbol required")
	}
	if priceWei == nil || priceWei.Sign() <= 0 {
		return nil, fmt.Errorf("price proof: price must be positive")
	}
	if ts <= 0 {
		return nil, fmt.Errorf("price proof: timestamp required")
	}
	proof := &PriceProof{
		Domain:    trimmedDomain,
		Provider:  trimmedProvider,
		Symbol:    trimmedSymbol,
		PriceWei:  new(big.Int).Set(priceWei),
		Timestamp: time.Unix(ts, 0).UTC(),
	}
	if len(signature) > 0 {
		proof.Signature = append([]byte(nil), signature...)
	}
	return proof, nil
}

// CanonicalMessage renders the canonical message used for signature recovery.
func (p *PriceProof) CanonicalMessage() (string, error) {
	if p == nil {
		return "", ErrProofNil
	}
	domain := strings.ToUpper(strings.TrimSpace(p.Domain))
	if domain == "" {
		return "", fmt.Errorf("price proof: domain required")
	}
	provider := strings.ToLower(strings.TrimSpace(p.Provider))
	if provider == "" {
		return "", fmt.Errorf("price proof: provider required")
	}
	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	if symbol == "" {
		return "", fmt.Errorf("price proof: symbol required")
	}
	if p.PriceWei == nil || p.PriceWei.Sign() <= 0 {
		return "", fmt.Errorf("price proof: price required")
	}
	if p.Timestamp.IsZero() {
		return "", fmt.Errorf("price proof: timestamp required")
	}
	builder := strings.Builder{}
	builder.WriteString(domain)
	builder.WriteString("|provider=")
	builder.WriteString(provider)
	builder.WriteString("|symbol=")
	builder.WriteString(symbol)
	builder.WriteString("|price=")
	builder.WriteString(p.PriceWei.String())
	builder.WriteString("|ts=")
	builder.WriteString(fmt.Sprintf("%d", p.Timestamp.UTC().Unix()))
	return builder.String(), nil
}

// Hash computes the keccak256 digest of the canonical message.
func (p *PriceProof) Hash() ([]byte, error) {
	message, err := p.CanonicalMessage()
	if err != nil {
		return nil, err
	}
	return ethcrypto.Keccak256([]byte(message)), nil
}

type storedProofRecord struct {
	Timestamp uint64
	Price     string
	Provider  string
}

// RegisterPriceSigner binds a provider identifier to its signing address.
func (o *Oracle) RegisterPriceSigner(provider string, signer [20]byte) error {
	if o == nil {
		return ErrOracleNotInitialised
	}
	trimmed := strings.ToLower(strings.TrimSpace(provider))
	if trimmed == "" {
		return fmt.Errorf("oracle: provider required")
	}
	return o.store.KVPut(priceSignerKey(trimmed), signer[:])
}

// PriceSigner resolves the registered signing address for a provider.
func (o *Oracle) PriceSigner(provider string) ([20]byte, bool, error) {
	var addr [20]byte
	if o == nil {
		return addr, false, ErrOracleNotInitialised
	}
	trimmed := strings.ToLower(strings.TrimSpace(provider))
	if trimmed == "" {
		return addr, false, fmt.Errorf("oracle: provider required")
	}
	var raw []byte
	ok, err := o.store.KVGet(priceSignerKey(trimmed), &raw)
	if err != nil || !ok {
		return addr, false, err
	}
	if len(raw) != len(addr) {
		return addr, false, fmt.Errorf("oracle: malformed signer entry for %q", trimmed)
	}
	copy(addr[:], raw)
	return addr, true, nil
}

// VerifyProof validates a signed price proof against the registered signer,
// freshness window and replay guard. It does not commit the price.
func (o *Oracle) VerifyProof(proof *PriceProof) error {
	if o == nil {
		return ErrOracleNotInitialised
	}
	if proof == nil {
		return ErrProofNil
	}
	if !strings.EqualFold(strings.TrimSpace(proof.Domain), PriceProofDomainV1) {
		return ErrProofDomain
	}
	provider := strings.ToLower(strings.TrimSpace(proof.Provider))
	signer, ok, err := o.PriceSigner(provider)
	if err != nil {
		return err
	}
	if !ok {
		return ErrProofSignerUnknown
	}
	hash, err := proof.Hash()
	if err != nil {
		return err
	}
	if len(proof.Signature) != 65 {
		return ErrProofSignatureInvalid
	}
	pubKey, err := ethcrypto.SigToPub(hash, proof.Signature)
	if err != nil {
		return ErrProofSignatureInvalid
	}
	recovered := ethcrypto.PubkeyToAddress(*pubKey)
	if recovered != ethcommon.BytesToAddress(signer[:]) {
		return ErrProofSignatureInvalid
	}
	now := o.clock()
	if proof.Timestamp.After(now.Add(proofFutureTolerance)) {
		return ErrProofStale
	}
	maxAge := time.Duration(o.cfg.ProofMaxAgeSeconds) * time.Second
	if maxAge > 0 && now.Sub(proof.Timestamp) > maxAge {
		return ErrProofStale
	}
	var last storedProofRecord
	ok, err = o.store.KVGet(lastPriceProofKey, &last)
	if err != nil {
		return err
	}
	if ok && proof.Timestamp.Unix() <= int64(last.Timestamp) {
		return ErrProofReplayed
	}
	return nil
}

// UpdatePriceWithProof verifies the signed proof, then commits the carried
// price through the standard deviation guards. The proof record persists only
// after the price itself is accepted.
func (o *Oracle) UpdatePriceWithProof(proof *PriceProof) (*PriceUpdate, error) {
	if err := o.VerifyProof(proof); err != nil {
		return nil, err
	}
	update, err := o.UpdatePrice(proof.PriceWei)
	if err != nil {
		return nil, err
	}
	record := storedProofRecord{
		Timestamp: uint64(proof.Timestamp.Unix()),
		Price:     amountToString(proof.PriceWei),
		Provider:  strings.ToLower(strings.TrimSpace(proof.Provider)),
	}
	if err := o.store.KVPut(lastPriceProofKey, record); err != nil {
		return nil, err
	}
	return update, nil
}
