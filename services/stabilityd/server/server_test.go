package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/buckhoff/stabilityfund/native/stability"
	"github.com/buckhoff/stabilityfund/services/stabilityd/storage"
)

const testToken = "test-token"

var (
	guardianAddr = "0x1111111111111111111111111111111111111111"
	managerAddr  = "0x2222222222222222222222222222222222222222"
	traderAddr   = "0x3333333333333333333333333333333333333333"
	burnerAddr   = "0x4444444444444444444444444444444444444444"
)

type staticSupply struct{ total *big.Int }

func (s staticSupply) CirculatingSupply() (*big.Int, error) {
	return new(big.Int).Set(s.total), nil
}

func weiUnits(n int64) *big.Int {
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	return new(big.Int).Mul(big.NewInt(n), unit)
}

func newTestServer(t *testing.T) (*httptest.Server, *stability.Engine) {
	t.Helper()
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := stability.Config{
		Fees:    stability.FeeConfig{DropThresholdBps: 2000, MaxDropThresholdBps: 3000},
		Reserve: stability.ReserveConfig{BaselinePriceWei: "1e18"},
	}
	engine, err := stability.NewEngine(store, cfg, staticSupply{total: weiUnits(100000)}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	guardian, _ := parseAddress(guardianAddr)
	manager, _ := parseAddress(managerAddr)
	burner, _ := parseAddress(burnerAddr)
	engine.Roles().Grant(stability.CapabilityGuardian, guardian)
	engine.Roles().Grant(stability.CapabilityReserveManager, manager)
	engine.Roles().Grant(stability.CapabilityBurner, burner)
	if err := engine.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := engine.AddReserves(weiUnits(50000)); err != nil {
		t.Fatalf("seed reserves: %v", err)
	}

	auth, err := NewAuthenticator(testToken)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	srv, err := New(Config{ListenAddress: ":0"}, engine, nil, auth)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any, authed bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return payload
}

func TestHealthzIsOpen(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload %v", payload)
	}
}

func TestReserveHealthReportsRatio(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodGet, "/v1/health", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["phase"] != string(stability.BreakerPhaseNormal) {
		t.Fatalf("unexpected phase %v", payload["phase"])
	}
	// 50000 reserves against 100000 market value is a 50% ratio.
	if payload["reserve_ratio_bps"] != "5000" {
		t.Fatalf("unexpected ratio %v", payload["reserve_ratio_bps"])
	}
}

func TestConvertRequiresAuth(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/v1/convert", map[string]string{
		"caller": traderAddr,
		"amount": weiUnits(100).String(),
	}, false)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestConvertAtBaselinePaysBaselineValue(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/v1/convert", map[string]string{
		"caller": traderAddr,
		"amount": weiUnits(1000).String(),
	}, true)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["payout"] != weiUnits(1000).String() {
		t.Fatalf("unexpected payout %v", payload["payout"])
	}
	if payload["fee"] != weiUnits(50).String() {
		t.Fatalf("unexpected fee %v", payload["fee"])
	}
	if payload["subsidy"] != weiUnits(50).String() {
		t.Fatalf("unexpected subsidy %v", payload["subsidy"])
	}
	if payload["kind"] != "convert" {
		t.Fatalf("unexpected kind %v", payload["kind"])
	}
}

func TestSimulateIsOpenAndStateless(t *testing.T) {
	ts, engine := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/v1/simulate", map[string]string{
		"amount": weiUnits(1000).String(),
	}, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	if payload["final_amount"] != weiUnits(1000).String() {
		t.Fatalf("unexpected final amount %v", payload["final_amount"])
	}
	health, err := engine.GetReserveRatioHealth()
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if health.TotalReserves.Cmp(weiUnits(50000)) != 0 {
		t.Fatalf("simulate mutated reserves: %s", health.TotalReserves)
	}
}

func TestConvertRejectsInvalidAmount(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/v1/convert", map[string]string{
		"caller": traderAddr,
		"amount": "-5",
	}, true)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPauseBlocksConversions(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/admin/breaker/pause", map[string]string{
		"caller": guardianAddr,
	}, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodPost, "/v1/convert", map[string]string{
		"caller": traderAddr,
		"amount": weiUnits(100).String(),
	}, true)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while paused, got %d", resp.StatusCode)
	}
}

func TestPauseRequiresGuardianRole(t *testing.T) {
	ts, _ := newTestServer(t)
	resp := doJSON(t, ts, http.MethodPost, "/admin/breaker/pause", map[string]string{
		"caller": traderAddr,
	}, true)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestWithdrawBoundedByExcess(t *testing.T) {
	ts, _ := newTestServer(t)
	// Minimum reserve is 10% of the 100000 market value, leaving 40000 excess.
	resp := doJSON(t, ts, http.MethodPost, "/admin/reserves/withdraw", map[string]string{
		"caller":    managerAddr,
		"recipient": traderAddr,
		"amount":    weiUnits(45000).String(),
	}, true)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodPost, "/admin/reserves/withdraw", map[string]string{
		"caller":    managerAddr,
		"recipient": traderAddr,
		"amount":    weiUnits(1000).String(),
	}, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestConversionListAndExport(t *testing.T) {
	ts, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		resp := doJSON(t, ts, http.MethodPost, "/v1/convert", map[string]string{
			"caller": traderAddr,
			"amount": weiUnits(10).String(),
		}, true)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("convert %d: status %d", i, resp.StatusCode)
		}
	}
	resp := doJSON(t, ts, http.MethodGet, "/v1/conversions?limit=2", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload := decodeBody(t, resp)
	items, ok := payload["conversions"].([]any)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 conversions, got %v", payload["conversions"])
	}
	cursor, _ := payload["next_cursor"].(string)
	if cursor == "" {
		t.Fatal("expected next cursor for remaining page")
	}
	resp = doJSON(t, ts, http.MethodGet, fmt.Sprintf("/v1/conversions?limit=2&cursor=%s", cursor), nil, false)
	payload = decodeBody(t, resp)
	items, _ = payload["conversions"].([]any)
	if len(items) != 1 {
		t.Fatalf("expected final page of 1, got %d", len(items))
	}

	resp = doJSON(t, ts, http.MethodGet, "/v1/conversions/export", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	payload = decodeBody(t, resp)
	if payload["count"] != float64(3) {
		t.Fatalf("unexpected export count %v", payload["count"])
	}
	if payload["csv_base64"] == "" {
		t.Fatal("expected csv payload")
	}
}

func TestDepositBurnRequiresBurnerRole(t *testing.T) {
	ts, _ := newTestServer(t)
	// Neither an unprivileged caller nor a reserve manager may report burns.
	for _, caller := range []string{traderAddr, managerAddr} {
		resp := doJSON(t, ts, http.MethodPost, "/admin/reserves/deposit", map[string]string{
			"kind":   "burn",
			"caller": caller,
			"amount": weiUnits(100).String(),
		}, true)
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("caller %s: expected 403, got %d", caller, resp.StatusCode)
		}
	}
	resp := doJSON(t, ts, http.MethodPost, "/admin/reserves/deposit", map[string]string{
		"kind":   "burn",
		"caller": burnerAddr,
		"amount": weiUnits(100).String(),
	}, true)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.StatusCode)
	}
}

func TestRateLimiterRejectsBursts(t *testing.T) {
	store, err := storage.OpenInMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	cfg := stability.Config{Reserve: stability.ReserveConfig{BaselinePriceWei: "1e18"}}
	engine, err := stability.NewEngine(store, cfg, staticSupply{total: weiUnits(1000)}, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := engine.Initialize(nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	auth, err := NewAuthenticator(testToken)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	srv, err := New(Config{RateLimit: RateLimit{RequestsPerSecond: 0.001, Burst: 1}}, engine, nil, auth)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp := doJSON(t, ts, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	resp = doJSON(t, ts, http.MethodGet, "/healthz", nil, false)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp.StatusCode)
	}
}
