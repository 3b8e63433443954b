package stability

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"
)

// FeeConfig captures the piecewise fee curve parameters parsed from
// configuration. Fees and thresholds are expressed in basis points.
type FeeConfig struct {
	BaseFeeBps          uint64 `toml:"BaseFeeBps"`
	MaxFeeBps           uint64 `toml:"MaxFeeBps"`
	MinFeeBps           uint64 `toml:"MinFeeBps"`
	AdjustmentFactor    uint64 `toml:"AdjustmentFactor"`
	DropThresholdBps    uint64 `toml:"DropThresholdBps"`
	MaxDropThresholdBps uint64 `toml:"MaxDropThresholdBps"`
}

// Normalise applies canonical defaults to the fee configuration.
func (fc FeeConfig) Normalise() FeeConfig {
	cfg := fc
	if cfg.BaseFeeBps == 0 {
		cfg.BaseFeeBps = 500
	}
	if cfg.MaxFeeBps == 0 {
		cfg.MaxFeeBps = cfg.BaseFeeBps
	}
	if cfg.AdjustmentFactor == 0 {
		cfg.AdjustmentFactor = 100
	}
	if cfg.DropThresholdBps == 0 {
		cfg.DropThresholdBps = 500
	}
	if cfg.MaxDropThresholdBps == 0 {
		cfg.MaxDropThresholdBps = 3000
	}
	return cfg
}

// Parameters validates the configuration and returns runtime fee parameters.
func (fc FeeConfig) Parameters() (FeeParameters, error) {
	cfg := fc.Normalise()
	params := FeeParameters{
		BaseFeeBps:          cfg.BaseFeeBps,
		MaxFeeBps:           cfg.MaxFeeBps,
		MinFeeBps:           cfg.MinFeeBps,
		AdjustmentFactor:    cfg.AdjustmentFactor,
		DropThresholdBps:    cfg.DropThresholdBps,
		MaxDropThresholdBps: cfg.MaxDropThresholdBps,
	}
	if err := params.Validate(); err != nil {
		return FeeParameters{}, err
	}
	return params, nil
}

// GuardConfig captures the flash-loan guard limits parsed from configuration.
// Amounts are textual wei values supporting scientific notation.
type GuardConfig struct {
	MaxSingleWei        string `toml:"MaxSingleWei"`
	MaxDailyWei         string `toml:"MaxDailyWei"`
	MinIntervalSeconds  int64  `toml:"MinIntervalSeconds"`
	LargeFirstActionWei string `toml:"LargeFirstActionWei"`
}

// Normalise trims whitespace and coerces negative intervals to zero.
func (gc GuardConfig) Normalise() GuardConfig {
	cfg := GuardConfig{
		MaxSingleWei:        strings.TrimSpace(gc.MaxSingleWei),
		MaxDailyWei:         strings.TrimSpace(gc.MaxDailyWei),
		MinIntervalSeconds:  gc.MinIntervalSeconds,
		LargeFirstActionWei: strings.TrimSpace(gc.LargeFirstActionWei),
	}
	if cfg.MinIntervalSeconds < 0 {
		cfg.MinIntervalSeconds = 0
	}
	return cfg
}

// Parameters converts the textual configuration into runtime big integers.
func (gc GuardConfig) Parameters() (GuardParameters, error) {
	cfg := gc.Normalise()
	params := GuardParameters{}
	if cfg.MaxSingleWei != "" {
		amount, err := parseWeiAmount(cfg.MaxSingleWei)
		if err != nil {
			return params, fmt.Errorf("guard: invalid MaxSingleWei: %w", err)
		}
		params.MaxSingleWei = amount
	}
	if cfg.MaxDailyWei != "" {
		amount, err := parseWeiAmount(cfg.MaxDailyWei)
		if err != nil {
			return params, fmt.Errorf("guard: invalid MaxDailyWei: %w", err)
		}
		params.MaxDailyWei = amount
	}
	if cfg.LargeFirstActionWei != "" {
		amount, err := parseWeiAmount(cfg.LargeFirstActionWei)
		if err != nil {
			return params, fmt.Errorf("guard: invalid LargeFirstActionWei: %w", err)
		}
		params.LargeFirstActionWei = amount
	}
	if cfg.MinIntervalSeconds > 0 {
		params.MinInterval = time.Duration(cfg.MinIntervalSeconds) * time.Second
	}
	return params, nil
}

// GuardParameters represents the runtime-ready flash-loan guard limits.
type GuardParameters struct {
	MaxSingleWei        *big.Int
	MaxDailyWei         *big.Int
	MinInterval         time.Duration
	LargeFirstActionWei *big.Int
}

// BreakerConfig tunes the circuit breaker thresholds and recovery quorum.
type BreakerConfig struct {
	MinReserveRatioBps       uint64 `toml:"MinReserveRatioBps"`
	ReserveRatioTargetBps    uint64 `toml:"ReserveRatioTargetBps"`
	CriticalThresholdPercent uint64 `toml:"CriticalThresholdPercent"`
	RequiredApprovals        int    `toml:"RequiredApprovals"`
}

// Normalise applies canonical defaults to the breaker configuration.
func (bc BreakerConfig) Normalise() BreakerConfig {
	cfg := bc
	if cfg.MinReserveRatioBps == 0 {
		cfg.MinReserveRatioBps = 1000
	}
	if cfg.ReserveRatioTargetBps == 0 {
		cfg.ReserveRatioTargetBps = 2000
	}
	if cfg.CriticalThresholdPercent == 0 {
		cfg.CriticalThresholdPercent = 50
	}
	if cfg.RequiredApprovals <= 0 {
		cfg.RequiredApprovals = 3
	}
	return cfg
}

// OracleConfig tunes the observation ring and price verification guards.
type OracleConfig struct {
	ObservationIntervalSeconds int64  `toml:"ObservationIntervalSeconds"`
	TwapWindowSize             int    `toml:"TwapWindowSize"`
	TwapEnabled                bool   `toml:"TwapEnabled"`
	MaxTwapDeviationBps        uint64 `toml:"MaxTwapDeviationBps"`
	MaxStepChangeBps           uint64 `toml:"MaxStepChangeBps"`
	ProofMaxAgeSeconds         int64  `toml:"ProofMaxAgeSeconds"`
}

// Normalise applies canonical defaults to the oracle configuration.
func (oc OracleConfig) Normalise() OracleConfig {
	cfg := oc
	if cfg.ObservationIntervalSeconds <= 0 {
		cfg.ObservationIntervalSeconds = 3600
	}
	if cfg.TwapWindowSize <= 0 || cfg.TwapWindowSize > ObservationSlots {
		cfg.TwapWindowSize = 12
	}
	if cfg.MaxTwapDeviationBps == 0 {
		cfg.MaxTwapDeviationBps = 2000
	}
	if cfg.MaxStepChangeBps == 0 {
		cfg.MaxStepChangeBps = 1000
	}
	if cfg.ProofMaxAgeSeconds <= 0 {
		cfg.ProofMaxAgeSeconds = 300
	}
	return cfg
}

// ObservationInterval returns the configured ring cadence as a duration.
func (oc OracleConfig) ObservationInterval() time.Duration {
	normalized := oc.Normalise()
	return time.Duration(normalized.ObservationIntervalSeconds) * time.Second
}

// ReserveConfig tunes reserve contributions sourced from burns and fees and
// the low-value mode threshold.
type ReserveConfig struct {
	BaselinePriceWei     string `toml:"BaselinePriceWei"`
	BurnReservePercent   uint64 `toml:"BurnReservePercent"`
	FeeSharePercent      uint64 `toml:"FeeSharePercent"`
	LowValueThresholdPct uint64 `toml:"LowValueThresholdPct"`
}

// Normalise applies canonical defaults to the reserve configuration.
func (rc ReserveConfig) Normalise() ReserveConfig {
	cfg := ReserveConfig{
		BaselinePriceWei:     strings.TrimSpace(rc.BaselinePriceWei),
		BurnReservePercent:   rc.BurnReservePercent,
		FeeSharePercent:      rc.FeeSharePercent,
		LowValueThresholdPct: rc.LowValueThresholdPct,
	}
	if cfg.BurnReservePercent == 0 {
		cfg.BurnReservePercent = 20
	}
	if cfg.BurnReservePercent > 100 {
		cfg.BurnReservePercent = 100
	}
	if cfg.FeeSharePercent == 0 {
		cfg.FeeSharePercent = 100
	}
	if cfg.FeeSharePercent > 100 {
		cfg.FeeSharePercent = 100
	}
	if cfg.LowValueThresholdPct == 0 {
		cfg.LowValueThresholdPct = 50
	}
	return cfg
}

// BaselinePrice parses the configured seed baseline price.
func (rc ReserveConfig) BaselinePrice() (*big.Int, error) {
	cfg := rc.Normalise()
	if cfg.BaselinePriceWei == "" {
		return new(big.Int).Set(pricePrecision), nil
	}
	price, err := parseWeiAmount(cfg.BaselinePriceWei)
	if err != nil {
		return nil, fmt.Errorf("reserve: invalid BaselinePriceWei: %w", err)
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("reserve: baseline price must be positive")
	}
	return price, nil
}

// Config aggregates every engine parameter group.
type Config struct {
	Fees    FeeConfig     `toml:"fees"`
	Guard   GuardConfig   `toml:"guard"`
	Breaker BreakerConfig `toml:"breaker"`
	Oracle  OracleConfig  `toml:"oracle"`
	Reserve ReserveConfig `toml:"reserve"`
}

// Normalise applies defaults across every parameter group.
func (c Config) Normalise() Config {
	return Config{
		Fees:    c.Fees.Normalise(),
		Guard:   c.Guard.Normalise(),
		Breaker: c.Breaker.Normalise(),
		Oracle:  c.Oracle.Normalise(),
		Reserve: c.Reserve.Normalise(),
	}
}

func parseWeiAmount(value string) (*big.Int, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	normalized := trimmed
	var exponent int64
	if idx := strings.IndexAny(normalized, "eE"); idx != -1 {
		expPart := strings.TrimSpace(normalized[idx+1:])
		if expPart == "" {
			return nil, fmt.Errorf("invalid scientific notation")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid scientific notation")
		}
		exponent = expValue
		normalized = strings.TrimSpace(normalized[:idx])
	}
	normalized = strings.TrimPrefix(normalized, "+")
	if strings.HasPrefix(normalized, "-") {
		return nil, fmt.Errorf("amount must not be negative")
	}
	parts := strings.Split(normalized, ".")
	if len(parts) > 2 {
		return nil, fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
	}
	digits := integerPart + fractionalPart
	if digits == "" {
		return big.NewInt(0), nil
	}
	if !isDigits(digits) {
		return nil, fmt.Errorf("invalid amount format")
	}
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	digits = strings.TrimLeft(digits, "0")
	totalExponent := exponent - int64(fracLen)
	if totalExponent < 0 {
		return nil, fmt.Errorf("amount must be an integer")
	}
	if digits == "" {
		digits = "0"
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", int(totalExponent))
	}
	amount := new(big.Int)
	if _, ok := amount.SetString(digits, 10); !ok {
		return nil, fmt.Errorf("invalid amount value")
	}
	return amount, nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
