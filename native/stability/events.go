package stability

import (
	"fmt"
	"math/big"
	"strings"

	ethcommon "github.com/ethereum/go-ethereum/common"
)

const (
	// TypePriceUpdated is emitted whenever the oracle accepts a new spot price.
	TypePriceUpdated = "stability.price.updated"
	// TypeConversionExecuted is emitted for every settled conversion or swap.
	TypeConversionExecuted = "stability.conversion.executed"
	// TypeReservesDeposited is emitted when reserves are topped up.
	TypeReservesDeposited = "stability.reserves.deposited"
	// TypeReservesWithdrawn is emitted when excess reserves leave the fund.
	TypeReservesWithdrawn = "stability.reserves.withdrawn"
	// TypeBreakerTripped is emitted when conversions halt.
	TypeBreakerTripped = "stability.breaker.tripped"
	// TypeBreakerResumed is emitted when conversions reopen.
	TypeBreakerResumed = "stability.breaker.resumed"
	// TypeRecoveryInitiated is emitted when the guardian recovery window opens.
	TypeRecoveryInitiated = "stability.recovery.initiated"
	// TypeRecoveryApproved is emitted per guardian recovery vote.
	TypeRecoveryApproved = "stability.recovery.approved"
	// TypeSuspiciousActivity is emitted for advisory guard signals.
	TypeSuspiciousActivity = "stability.guard.suspicious"
	// TypeLowValueModeChanged is emitted when the depressed-price flag flips.
	TypeLowValueModeChanged = "stability.oracle.lowvalue"
)

// Event is the wire representation handed to the configured emitter.
type Event struct {
	Type       string
	Attributes map[string]string
}

func eventAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return ethcommon.BytesToAddress(addr[:]).Hex()
}

func eventAmount(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

// PriceUpdated reports an accepted oracle submission.
type PriceUpdated struct {
	RawPrice      *big.Int
	VerifiedPrice *big.Int
	Twap          *big.Int
	DeviationBps  uint64
}

func (e PriceUpdated) Event() *Event {
	return &Event{
		Type: TypePriceUpdated,
		Attributes: map[string]string{
			"rawPrice":      eventAmount(e.RawPrice),
			"verifiedPrice": eventAmount(e.VerifiedPrice),
			"twap":          eventAmount(e.Twap),
			"deviationBps":  fmt.Sprintf("%d", e.DeviationBps),
		},
	}
}

// ConversionExecuted reports a settled conversion or swap.
type ConversionExecuted struct {
	ID            string
	Kind          ConversionKind
	Caller        [20]byte
	TokenAmount   *big.Int
	Payout        *big.Int
	FeeAmount     *big.Int
	Subsidy       *big.Int
	ReservesAfter *big.Int
}

func (e ConversionExecuted) Event() *Event {
	return &Event{
		Type: TypeConversionExecuted,
		Attributes: map[string]string{
			"id":            strings.TrimSpace(e.ID),
			"kind":          string(e.Kind),
			"caller":        eventAddress(e.Caller),
			"tokenAmount":   eventAmount(e.TokenAmount),
			"payout":        eventAmount(e.Payout),
			"fee":           eventAmount(e.FeeAmount),
			"subsidy":       eventAmount(e.Subsidy),
			"reservesAfter": eventAmount(e.ReservesAfter),
		},
	}
}

// ReservesDeposited reports reserve inflows from any source.
type ReservesDeposited struct {
	Source string
	Amount *big.Int
	Total  *big.Int
}

func (e ReservesDeposited) Event() *Event {
	return &Event{
		Type: TypeReservesDeposited,
		Attributes: map[string]string{
			"source": strings.TrimSpace(e.Source),
			"amount": eventAmount(e.Amount),
			"total":  eventAmount(e.Total),
		},
	}
}

// ReservesWithdrawn reports an excess-reserve withdrawal.
type ReservesWithdrawn struct {
	Recipient [20]byte
	Amount    *big.Int
	Total     *big.Int
}

func (e ReservesWithdrawn) Event() *Event {
	return &Event{
		Type: TypeReservesWithdrawn,
		Attributes: map[string]string{
			"recipient": eventAddress(e.Recipient),
			"amount":    eventAmount(e.Amount),
			"total":     eventAmount(e.Total),
		},
	}
}

// BreakerTripped reports a conversion halt with the observed ratio.
type BreakerTripped struct {
	RatioBps uint64
	Manual   bool
}

func (e BreakerTripped) Event() *Event {
	return &Event{
		Type: TypeBreakerTripped,
		Attributes: map[string]string{
			"ratioBps": fmt.Sprintf("%d", e.RatioBps),
			"manual":   fmt.Sprintf("%t", e.Manual),
		},
	}
}

// BreakerResumed reports conversions reopening.
type BreakerResumed struct {
	ViaRecovery bool
}

func (e BreakerResumed) Event() *Event {
	return &Event{
		Type: TypeBreakerResumed,
		Attributes: map[string]string{
			"viaRecovery": fmt.Sprintf("%t", e.ViaRecovery),
		},
	}
}

// RecoveryInitiated reports the opening of the guardian recovery window.
type RecoveryInitiated struct {
	Initiator [20]byte
	Required  int
}

func (e RecoveryInitiated) Event() *Event {
	return &Event{
		Type: TypeRecoveryInitiated,
		Attributes: map[string]string{
			"initiator": eventAddress(e.Initiator),
			"required":  fmt.Sprintf("%d", e.Required),
		},
	}
}

// RecoveryApproved reports one guardian vote.
type RecoveryApproved struct {
	Approver [20]byte
	Count    int
	Required int
}

func (e RecoveryApproved) Event() *Event {
	return &Event{
		Type: TypeRecoveryApproved,
		Attributes: map[string]string{
			"approver": eventAddress(e.Approver),
			"count":    fmt.Sprintf("%d", e.Count),
			"required": fmt.Sprintf("%d", e.Required),
		},
	}
}

// SuspiciousActivity reports an advisory guard signal. It never blocks the
// underlying transaction.
type SuspiciousActivity struct {
	Address [20]byte
	Amount  *big.Int
	Reason  SuspicionReason
}

func (e SuspiciousActivity) Event() *Event {
	return &Event{
		Type: TypeSuspiciousActivity,
		Attributes: map[string]string{
			"address": eventAddress(e.Address),
			"amount":  eventAmount(e.Amount),
			"reason":  string(e.Reason),
		},
	}
}

// LowValueModeChanged reports a flip of the depressed-price flag.
type LowValueModeChanged struct {
	Enabled bool
}

func (e LowValueModeChanged) Event() *Event {
	return &Event{
		Type: TypeLowValueModeChanged,
		Attributes: map[string]string{
			"enabled": fmt.Sprintf("%t", e.Enabled),
		},
	}
}
