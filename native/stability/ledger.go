package stability

import (
	"bytes"
	"encoding/base64"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// pricePrecision is the fixed-point scale shared by prices and baseline
// values (1e18).
var pricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// Storage abstracts the subset of state management required by the engine.
// Implementations must persist every structure durably; the engine keeps no
// in-memory-only copies of reserve balances, the price ring, or breaker state.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
	KVAppend(key []byte, value []byte) error
	KVGetList(key []byte, out interface{}) error
}

var (
	// ErrInsufficientReserves indicates a debit would push the reserve balance negative.
	ErrInsufficientReserves = errors.New("stability: insufficient reserves")
	// ErrWithdrawalExceedsExcess indicates a withdrawal would dip below the minimum reserve requirement.
	ErrWithdrawalExceedsExcess = errors.New("stability: withdrawal exceeds excess over minimum reserve")
)

// Ledger persists the reserve balances and the append-only conversion log.
type Ledger struct {
	store Storage
	clock func() time.Time
}

// NewLedger constructs a ledger bound to the provided storage backend.
func NewLedger(store Storage) *Ledger {
	return &Ledger{store: store, clock: time.Now}
}

// SetClock overrides the time source (primarily for deterministic testing).
func (l *Ledger) SetClock(clock func() time.Time) {
	if l == nil || clock == nil {
		return
	}
	l.clock = clock
}

type storedReserveState struct {
	TotalReserves    string
	TotalConversions string
	TotalStabilized  string
	BaselinePrice    string
	UpdatedAt        uint64
}

// Reserves loads the persisted reserve state, initialising a zeroed state
// seeded with the supplied baseline when none exists yet.
func (l *Ledger) Reserves(baseline *big.Int) (*ReserveState, error) {
	if l == nil {
		return nil, fmt.Errorf("ledger not initialised")
	}
	var stored storedReserveState
	ok, err := l.store.KVGet(reserveStateKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		seed := big.NewInt(0)
		if baseline == nil || baseline.Sign() <= 0 {
			return nil, fmt.Errorf("ledger: baseline price required to initialise reserves")
		}
		state := &ReserveState{
			TotalReserves:    seed,
			TotalConversions: big.NewInt(0),
			TotalStabilized:  big.NewInt(0),
			BaselinePrice:    new(big.Int).Set(baseline),
		}
		return state, nil
	}
	return reserveStateFromStored(&stored)
}

// PutReserves persists the supplied reserve state.
func (l *Ledger) PutReserves(state *ReserveState) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if state == nil {
		return fmt.Errorf("ledger: reserve state must not be nil")
	}
	if state.TotalReserves != nil && state.TotalReserves.Sign() < 0 {
		return ErrInsufficientReserves
	}
	stored := storedReserveState{
		TotalReserves:    amountToString(state.TotalReserves),
		TotalConversions: amountToString(state.TotalConversions),
		TotalStabilized:  amountToString(state.TotalStabilized),
		BaselinePrice:    amountToString(state.BaselinePrice),
	}
	now := l.clock().UTC().Unix()
	if now > 0 {
		stored.UpdatedAt = uint64(now)
	}
	return l.store.KVPut(reserveStateKey, stored)
}

type storedConversionRecord struct {
	ID            string
	Kind          string
	Caller        [20]byte
	Project       string
	TokenAmount   string
	GrossValue    string
	FeeAmount     string
	Subsidy       string
	Payout        string
	Price         string
	TwapPrice     string
	FeeBps        uint64
	CreatedAt     uint64
	ReservesAfter string
}

type conversionIndexEntry struct {
	ID        string
	CreatedAt uint64
}

// PutConversion stores a conversion record, enforcing append-only semantics
// keyed by the record identifier.
func (l *Ledger) PutConversion(record *ConversionRecord) error {
	if l == nil {
		return fmt.Errorf("ledger not initialised")
	}
	if record == nil {
		return fmt.Errorf("ledger: record must not be nil")
	}
	id := strings.TrimSpace(record.ID)
	if id == "" {
		return fmt.Errorf("ledger: conversion id required")
	}
	key := conversionKey(id)
	var existing storedConversionRecord
	ok, err := l.store.KVGet(key, &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("ledger: conversion %s already exists", id)
	}
	stored := toStoredConversion(record)
	stored.ID = id
	if stored.CreatedAt == 0 {
		now := l.clock().UTC().Unix()
		if now > 0 {
			stored.CreatedAt = uint64(now)
		}
	}
	if err := l.store.KVPut(key, stored); err != nil {
		return err
	}
	entry := conversionIndexEntry{ID: id, CreatedAt: stored.CreatedAt}
	encoded, err := rlp.EncodeToBytes(entry)
	if err != nil {
		return err
	}
	return l.store.KVAppend(conversionIndexKey, encoded)
}

// Conversion retrieves a conversion record by identifier.
func (l *Ledger) Conversion(id string) (*ConversionRecord, bool, error) {
	if l == nil {
		return nil, false, fmt.Errorf("ledger not initialised")
	}
	var stored storedConversionRecord
	ok, err := l.store.KVGet(conversionKey(strings.TrimSpace(id)), &stored)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	record, err := fromStoredConversion(&stored)
	if err != nil {
		return nil, false, err
	}
	return record, true, nil
}

// ListConversions returns a paginated slice of records within the inclusive
// timestamp bounds. The cursor is the identifier of the last item from the
// previous page.
func (l *Ledger) ListConversions(startTs, endTs int64, cursor string, limit int) ([]*ConversionRecord, string, error) {
	if l == nil {
		return nil, "", fmt.Errorf("ledger not initialised")
	}
	entries, err := l.loadIndex()
	if err != nil {
		return nil, "", err
	}
	filtered := make([]conversionIndexEntry, 0, len(entries))
	for _, entry := range entries {
		createdAt, err := uint64ToInt64(entry.CreatedAt)
		if err != nil {
			return nil, "", fmt.Errorf("ledger: index entry overflow: %w", err)
		}
		if startTs != 0 && createdAt < startTs {
			continue
		}
		if endTs != 0 && createdAt > endTs {
			continue
		}
		filtered = append(filtered, entry)
	}
	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt == filtered[j].CreatedAt {
			return filtered[i].ID < filtered[j].ID
		}
		return filtered[i].CreatedAt < filtered[j].CreatedAt
	})
	startIdx := 0
	cursorID := strings.TrimSpace(cursor)
	if cursorID != "" {
		for i, entry := range filtered {
			if entry.ID == cursorID {
				startIdx = i + 1
				break
			}
		}
	}
	pageSize := limit
	if pageSize <= 0 {
		pageSize = len(filtered) - startIdx
	}
	records := make([]*ConversionRecord, 0, minInt(pageSize, len(filtered)-startIdx))
	nextCursor := ""
	for i := startIdx; i < len(filtered) && len(records) < pageSize; i++ {
		record, ok, err := l.Conversion(filtered[i].ID)
		if err != nil {
			return nil, "", err
		}
		if !ok {
			continue
		}
		records = append(records, record)
		nextCursor = filtered[i].ID
	}
	if startIdx+len(records) >= len(filtered) {
		nextCursor = ""
	}
	return records, nextCursor, nil
}

// ExportCSV generates a deterministic base64-encoded CSV export covering the
// supplied timestamp window, alongside the entry count and total payout.
func (l *Ledger) ExportCSV(startTs, endTs int64) (string, int, *big.Int, error) {
	if l == nil {
		return "", 0, nil, fmt.Errorf("ledger not initialised")
	}
	entries, _, err := l.ListConversions(startTs, endTs, "", 0)
	if err != nil {
		return "", 0, nil, err
	}
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)
	header := []string{"id", "kind", "caller", "project", "tokenAmount", "grossValue", "fee", "subsidy", "payout", "price", "twapPrice", "feeBps", "createdAt", "reservesAfter"}
	if err := writer.Write(header); err != nil {
		return "", 0, nil, err
	}
	total := big.NewInt(0)
	for _, record := range entries {
		if record.Payout != nil {
			total = new(big.Int).Add(total, record.Payout)
		}
		row := []string{
			record.ID,
			string(record.Kind),
			hex.EncodeToString(record.Caller[:]),
			record.Project,
			amountToString(record.TokenAmount),
			amountToString(record.GrossValue),
			amountToString(record.FeeAmount),
			amountToString(record.Subsidy),
			amountToString(record.Payout),
			amountToString(record.Price),
			amountToString(record.TwapPrice),
			strconv.FormatUint(record.FeeBps, 10),
			strconv.FormatInt(record.CreatedAt, 10),
			amountToString(record.ReservesAfter),
		}
		if err := writer.Write(row); err != nil {
			return "", 0, nil, err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", 0, nil, err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), len(entries), total, nil
}

func (l *Ledger) loadIndex() ([]conversionIndexEntry, error) {
	var raw [][]byte
	if err := l.store.KVGetList(conversionIndexKey, &raw); err != nil {
		return nil, err
	}
	entries := make([]conversionIndexEntry, 0, len(raw))
	for _, encoded := range raw {
		if len(encoded) == 0 {
			continue
		}
		var entry conversionIndexEntry
		if err := rlp.DecodeBytes(encoded, &entry); err != nil {
			return nil, err
		}
		if strings.TrimSpace(entry.ID) == "" {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func toStoredConversion(record *ConversionRecord) storedConversionRecord {
	stored := storedConversionRecord{}
	if record == nil {
		return stored
	}
	stored.ID = strings.TrimSpace(record.ID)
	stored.Kind = string(record.Kind)
	stored.Caller = record.Caller
	stored.Project = strings.TrimSpace(record.Project)
	stored.TokenAmount = amountToString(record.TokenAmount)
	stored.GrossValue = amountToString(record.GrossValue)
	stored.FeeAmount = amountToString(record.FeeAmount)
	stored.Subsidy = amountToString(record.Subsidy)
	stored.Payout = amountToString(record.Payout)
	stored.Price = amountToString(record.Price)
	stored.TwapPrice = amountToString(record.TwapPrice)
	stored.FeeBps = record.FeeBps
	if record.CreatedAt > 0 {
		stored.CreatedAt = uint64(record.CreatedAt)
	}
	stored.ReservesAfter = amountToString(record.ReservesAfter)
	return stored
}

func fromStoredConversion(stored *storedConversionRecord) (*ConversionRecord, error) {
	if stored == nil {
		return nil, fmt.Errorf("ledger: nil stored record")
	}
	createdAt, err := uint64ToInt64(stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: created at overflow: %w", err)
	}
	record := &ConversionRecord{
		ID:        stored.ID,
		Kind:      ConversionKind(stored.Kind),
		Caller:    stored.Caller,
		Project:   stored.Project,
		FeeBps:    stored.FeeBps,
		CreatedAt: createdAt,
	}
	fields := []struct {
		raw string
		dst **big.Int
	}{
		{stored.TokenAmount, &record.TokenAmount},
		{stored.GrossValue, &record.GrossValue},
		{stored.FeeAmount, &record.FeeAmount},
		{stored.Subsidy, &record.Subsidy},
		{stored.Payout, &record.Payout},
		{stored.Price, &record.Price},
		{stored.TwapPrice, &record.TwapPrice},
		{stored.ReservesAfter, &record.ReservesAfter},
	}
	for _, field := range fields {
		parsed, err := amountFromString(field.raw)
		if err != nil {
			return nil, err
		}
		*field.dst = parsed
	}
	return record, nil
}

func reserveStateFromStored(stored *storedReserveState) (*ReserveState, error) {
	if stored == nil {
		return nil, fmt.Errorf("ledger: nil stored reserve state")
	}
	updatedAt, err := uint64ToInt64(stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("ledger: updated at overflow: %w", err)
	}
	state := &ReserveState{UpdatedAt: updatedAt}
	fields := []struct {
		raw string
		dst **big.Int
	}{
		{stored.TotalReserves, &state.TotalReserves},
		{stored.TotalConversions, &state.TotalConversions},
		{stored.TotalStabilized, &state.TotalStabilized},
		{stored.BaselinePrice, &state.BaselinePrice},
	}
	for _, field := range fields {
		parsed, err := amountFromString(field.raw)
		if err != nil {
			return nil, err
		}
		*field.dst = parsed
	}
	return state, nil
}

func amountToString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func amountFromString(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("ledger: invalid amount %q", raw)
	}
	return amount, nil
}

func uint64ToInt64(value uint64) (int64, error) {
	if value > math.MaxInt64 {
		return 0, fmt.Errorf("value %d exceeds int64 range", value)
	}
	return int64(value), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
