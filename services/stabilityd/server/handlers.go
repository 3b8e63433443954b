package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	ethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buckhoff/stabilityfund/native/stability"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReserveHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health, err := s.engine.GetReserveRatioHealth()
	if err != nil {
		s.writeEngineError(w, r, "health", err)
		return
	}
	paused := health.Phase != stability.BreakerPhaseNormal
	s.metrics.RecordHealth(health.ReserveRatio, health.TotalReserves, paused, health.LowValueMode)
	writeJSON(w, http.StatusOK, map[string]any{
		"total_reserves":    amountString(health.TotalReserves),
		"reserve_ratio_bps": ratioString(health.ReserveRatio),
		"min_ratio_bps":     health.MinRatio,
		"critical_bps":      health.CriticalRatio,
		"phase":             string(health.Phase),
		"low_value_mode":    health.LowValueMode,
		"verified_price":    amountString(health.VerifiedPrice),
		"withdrawable":      amountString(health.WithdrawableWei),
	})
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	verified, err := s.engine.GetVerifiedPrice()
	if err != nil {
		s.writeEngineError(w, r, "price", err)
		return
	}
	twap, err := s.engine.CalculateTWAP()
	if err != nil {
		s.writeEngineError(w, r, "price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"verified_price": amountString(verified),
		"twap":           amountString(twap),
	})
}

func (s *Server) handlePriceProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Domain    string `json:"domain"`
		Provider  string `json:"provider"`
		Symbol    string `json:"symbol"`
		PriceWei  string `json:"price_wei"`
		Timestamp int64  `json:"timestamp"`
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	price, err := parseAmount(req.PriceWei)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	signature, err := hexutil.Decode(ensureHexPrefix(req.Signature))
	if err != nil {
		http.Error(w, "invalid signature encoding", http.StatusBadRequest)
		return
	}
	domain := strings.TrimSpace(req.Domain)
	if domain == "" {
		domain = stability.PriceProofDomainV1
	}
	proof, err := stability.NewPriceProof(domain, req.Provider, req.Symbol, price, req.Timestamp, signature)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	update, err := s.engine.UpdatePriceWithProof(proof)
	if err != nil {
		s.writeEngineError(w, r, "price_proof", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verified_price": amountString(update.VerifiedPrice),
		"twap":           amountString(update.Twap),
		"recorded":       update.ObservationRecorded,
	})
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	quote, err := s.engine.SimulateConversion(amount)
	if err != nil {
		s.writeEngineError(w, r, "simulate", err)
		return
	}
	writeJSON(w, http.StatusOK, quoteJSON(quote))
}

type conversionRequest struct {
	Caller    string `json:"caller"`
	Amount    string `json:"amount"`
	MinReturn string `json:"min_return"`
	Project   string `json:"project"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	s.executeConversion(w, r, "convert")
}

func (s *Server) handleSwap(w http.ResponseWriter, r *http.Request) {
	s.executeConversion(w, r, "swap")
}

func (s *Server) executeConversion(w http.ResponseWriter, r *http.Request, kind string) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req conversionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var minReturn *big.Int
	if strings.TrimSpace(req.MinReturn) != "" {
		minReturn, err = parseAmount(req.MinReturn)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	started := s.now()
	var record *stability.ConversionRecord
	switch {
	case kind == "swap":
		record, err = s.engine.Swap(caller, amount, minReturn)
	case strings.TrimSpace(req.Project) != "":
		record, err = s.engine.ConvertForProject(caller, req.Project, amount, minReturn)
	default:
		record, err = s.engine.Convert(caller, amount, minReturn)
	}
	if err != nil {
		s.writeEngineError(w, r, kind, err)
		return
	}
	s.metrics.ObserveConversion(string(record.Kind), s.now().Sub(started))
	writeJSON(w, http.StatusOK, recordJSON(record))
}

func (s *Server) handleConversions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start, err := parseUnixParam(r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := parseUnixParam(r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
	}
	records, cursor, err := s.engine.Ledger().ListConversions(start, end, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		s.writeEngineError(w, r, "conversions", err)
		return
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, recordJSON(record))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversions": items,
		"next_cursor": cursor,
	})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start, err := parseUnixParam(r.URL.Query().Get("start"))
	if err != nil {
		http.Error(w, "invalid start", http.StatusBadRequest)
		return
	}
	end, err := parseUnixParam(r.URL.Query().Get("end"))
	if err != nil {
		http.Error(w, "invalid end", http.StatusBadRequest)
		return
	}
	encoded, count, total, err := s.engine.Ledger().ExportCSV(start, end)
	if err != nil {
		s.writeEngineError(w, r, "export", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csv_base64":   encoded,
		"count":        count,
		"total_payout": amountString(total),
	})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Kind   string `json:"kind"`
		Caller string `json:"caller"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	switch kind {
	case "", "contribution":
		err = s.engine.AddReserves(amount)
	case "burn", "fees":
		var caller [20]byte
		caller, err = parseAddress(req.Caller)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if kind == "burn" {
			err = s.engine.ProcessBurnedTokens(caller, amount)
		} else {
			err = s.engine.ProcessPlatformFees(caller, amount)
		}
	default:
		http.Error(w, "unknown deposit kind", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.writeEngineError(w, r, "deposit", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller    string `json:"caller"`
		Recipient string `json:"recipient"`
		Amount    string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	recipient, err := parseAddress(req.Recipient)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.WithdrawReserves(caller, recipient, amount); err != nil {
		s.writeEngineError(w, r, "withdraw", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.guardianAction(w, r, "pause", s.engine.EmergencyPause)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.guardianAction(w, r, "resume", s.engine.ResumeFromPause)
}

func (s *Server) handleRecoveryInitiate(w http.ResponseWriter, r *http.Request) {
	s.guardianAction(w, r, "recovery_initiate", s.engine.InitiateEmergencyRecovery)
}

func (s *Server) guardianAction(w http.ResponseWriter, r *http.Request, operation string, action func([20]byte) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := action(caller); err != nil {
		s.writeEngineError(w, r, operation, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecoveryApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	count, reopened, err := s.engine.ApproveRecovery(caller)
	if err != nil {
		s.writeEngineError(w, r, "recovery_approve", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approvals": count,
		"reopened":  reopened,
	})
}

func (s *Server) handleCooldown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller string `json:"caller"`
		Target string `json:"target"`
		Until  int64  `json:"until"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target, err := parseAddress(req.Target)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.SetAddressCooldown(caller, target, req.Until); err != nil {
		s.writeEngineError(w, r, "cooldown", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterSigner(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Caller   string `json:"caller"`
		Provider string `json:"provider"`
		Signer   string `json:"signer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	caller, err := parseAddress(req.Caller)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	signer, err := parseAddress(req.Signer)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.engine.RegisterPriceSigner(caller, req.Provider, signer); err != nil {
		s.writeEngineError(w, r, "register_signer", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEngineError maps engine failures onto HTTP statuses and records the
// rejection for dashboards and the active span.
func (s *Server) writeEngineError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	status := http.StatusInternalServerError
	reason := "internal"
	var violation *stability.GuardViolation
	switch {
	case errors.As(err, &violation):
		status = http.StatusTooManyRequests
		reason = string(violation.Code)
	case errors.Is(err, stability.ErrCapabilityRequired):
		status = http.StatusForbidden
		reason = "capability_required"
	case errors.Is(err, stability.ErrSystemPaused), errors.Is(err, stability.ErrBreakerPaused):
		status = http.StatusServiceUnavailable
		reason = "paused"
	case errors.Is(err, stability.ErrBelowMinReturn):
		status = http.StatusConflict
		reason = "below_min_return"
	case errors.Is(err, stability.ErrInsufficientReserves):
		status = http.StatusConflict
		reason = "insufficient_reserves"
	case errors.Is(err, stability.ErrWithdrawalExceedsExcess):
		status = http.StatusConflict
		reason = "exceeds_excess"
	case errors.Is(err, stability.ErrBreakerNotPaused),
		errors.Is(err, stability.ErrRecoveryNotActive),
		errors.Is(err, stability.ErrRecoveryAlreadyActive),
		errors.Is(err, stability.ErrEmergencyAlreadyApproved),
		errors.Is(err, stability.ErrReserveRatioStillCritical):
		status = http.StatusConflict
		reason = "breaker_state"
	case errors.Is(err, stability.ErrProofSignatureInvalid), errors.Is(err, stability.ErrProofSignerUnknown):
		status = http.StatusUnauthorized
		reason = "proof_rejected"
	case errors.Is(err, stability.ErrAmountInvalid),
		errors.Is(err, stability.ErrOraclePriceInvalid),
		errors.Is(err, stability.ErrPriceChangeTooLarge),
		errors.Is(err, stability.ErrPriceDeviatesFromTWAP),
		errors.Is(err, stability.ErrProofDomain),
		errors.Is(err, stability.ErrProofStale),
		errors.Is(err, stability.ErrProofReplayed),
		errors.Is(err, stability.ErrProofNil):
		status = http.StatusBadRequest
		reason = "invalid_request"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("handler failed", "operation", operation, "error", err.Error())
	}
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	s.metrics.RecordRejection(operation, reason)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func parseAddress(raw string) ([20]byte, error) {
	trimmed := strings.TrimSpace(raw)
	if !ethcommon.IsHexAddress(trimmed) {
		return [20]byte{}, fmt.Errorf("invalid address %q", raw)
	}
	return [20]byte(ethcommon.HexToAddress(trimmed)), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("amount required")
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	if amount.Sign() <= 0 {
		return nil, fmt.Errorf("amount must be positive")
	}
	return amount, nil
}

func parseUnixParam(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	if ts, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return ts, nil
	}
	parsed, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, err
	}
	return parsed.Unix(), nil
}

func ensureHexPrefix(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		return trimmed
	}
	return "0x" + trimmed
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	return amount.String()
}

func ratioString(ratio uint64) string {
	if ratio == ^uint64(0) {
		return "unbacked"
	}
	return strconv.FormatUint(ratio, 10)
}

func quoteJSON(quote *stability.ConversionQuote) map[string]any {
	if quote == nil {
		return nil
	}
	return map[string]any{
		"expected_value": amountString(quote.ExpectedValue),
		"fee":            amountString(quote.FeeAmount),
		"subsidy":        amountString(quote.Subsidy),
		"final_amount":   amountString(quote.FinalAmount),
		"fee_bps":        quote.FeeBps,
		"price":          amountString(quote.Price),
	}
}

func recordJSON(record *stability.ConversionRecord) map[string]any {
	if record == nil {
		return nil
	}
	return map[string]any{
		"id":             record.ID,
		"kind":           string(record.Kind),
		"caller":         ethcommon.BytesToAddress(record.Caller[:]).Hex(),
		"project":        record.Project,
		"token_amount":   amountString(record.TokenAmount),
		"gross_value":    amountString(record.GrossValue),
		"fee":            amountString(record.FeeAmount),
		"subsidy":        amountString(record.Subsidy),
		"payout":         amountString(record.Payout),
		"price":          amountString(record.Price),
		"twap_price":     amountString(record.TwapPrice),
		"fee_bps":        record.FeeBps,
		"created_at":     record.CreatedAt,
		"reserves_after": amountString(record.ReservesAfter),
	}
}
