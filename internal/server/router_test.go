package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"onchain-agent/internal/optimizer"
	"onchain-agent/internal/provider"
	"onchain-agent/internal/provider/mock"
	"onchain-agent/internal/x402"
)

func newTestGateway(t *testing.T, mutate func(*ServerConfig)) (*httptest.Server, *MemoryStore) {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Security.AdminToken = "test-admin-token"
	cfg.Payments.SigningKey = testSigningKey
	cfg.Payments.SettlementAddress = "0x9999000000000000000000000000000000000009"
	cfg.Payments.MaxParallel = 0
	if mutate != nil {
		mutate(&cfg)
	}

	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore error: %v", err)
	}
	signer, err := x402.NewSigner(cfg.Payments.SigningKey)
	if err != nil {
		t.Fatalf("NewSigner error: %v", err)
	}
	keys := NewKeyManager(store, cfg)
	limiter := NewRateLimiter(cfg.Limits.RequestsPerMinute)
	opt := optimizer.New(nil, cfg.Optimizer.DefaultProvider, cfg.Optimizer.FeePercent)
	providers := map[string]provider.Provider{
		"openai": mock.New(mock.WithName("openai"), mock.WithUsage(provider.Usage{
			PromptTokens:     100,
			CompletionTokens: 50,
			TotalTokens:      150,
		})),
	}
	settler := NewSettler(cfg.Payments, store, signer, nil)
	t.Cleanup(settler.Shutdown)

	api := NewAPI(cfg, keys, store, limiter, opt, providers, settler, nil)
	ts := httptest.NewServer(api.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, headers map[string]string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, url, err)
	}
	defer resp.Body.Close()
	var envelope map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&envelope)
	return resp, envelope
}

func issueTestKey(t *testing.T, ts *httptest.Server, permissions []string) string {
	t.Helper()
	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/admin/keys",
		map[string]string{"X-Admin-Token": "test-admin-token"},
		map[string]any{"owner": "tester", "permissions": permissions})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("issue key: expected 201, got %d (%v)", resp.StatusCode, envelope)
	}
	data := envelope["data"].(map[string]any)
	token, _ := data["api_key"].(string)
	if !strings.HasPrefix(token, "oa_") {
		t.Fatalf("issued key missing oa_ prefix: %q", token)
	}
	return token
}

func TestGatewayHealthAndInfo(t *testing.T) {
	ts, _ := newTestGateway(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: expected 200, got %d", resp.StatusCode)
	}

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/v1/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: expected 200, got %d", resp.StatusCode)
	}
	data := envelope["data"].(map[string]any)
	if data["key_prefix"] != "oa_" {
		t.Fatalf("unexpected key prefix: %v", data["key_prefix"])
	}
}

func TestGatewayAdminAuth(t *testing.T) {
	ts, _ := newTestGateway(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/admin/keys", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("admin without token: expected 401, got %d", resp.StatusCode)
	}

	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/v1/admin/keys",
		map[string]string{"X-Admin-Token": "test-admin-token"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin with token: expected 200, got %d (%v)", resp.StatusCode, envelope)
	}
}

func TestGatewayOptimize(t *testing.T) {
	ts, store := newTestGateway(t, nil)
	token := issueTestKey(t, ts, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize", nil,
		map[string]any{"prompt": "hello"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("optimize without key: expected 401, got %d", resp.StatusCode)
	}

	prompt := "Could you please summarize the latest onchain settlement activity for me in detail"
	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize",
		map[string]string{"X-API-Key": token},
		map[string]any{"prompt": prompt})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("optimize: expected 200, got %d (%v)", resp.StatusCode, envelope)
	}
	data := envelope["data"].(map[string]any)
	if data["savings_percentage"].(float64) <= 0 {
		t.Fatalf("expected positive savings percentage: %v", data["savings_percentage"])
	}
	if data["optimized_cost_usd"].(float64) > data["baseline_cost_usd"].(float64) {
		t.Fatalf("optimized cost above baseline: %v", data)
	}

	// the request lands in the key's rolling log
	listed := store.ListKeys()
	if len(listed) != 1 {
		t.Fatalf("expected 1 key, got %d", len(listed))
	}
	if len(listed[0].Requests) == 0 {
		t.Fatalf("request log is empty")
	}
	last := listed[0].Requests[len(listed[0].Requests)-1]
	if last.Path != "/api/v1/optimize" || last.Status != http.StatusOK {
		t.Fatalf("unexpected log entry: %+v", last)
	}
}

func TestGatewayOptimizeCostCap(t *testing.T) {
	ts, _ := newTestGateway(t, nil)
	token := issueTestKey(t, ts, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize",
		map[string]string{"X-API-Key": token},
		map[string]any{
			"prompt":       strings.Repeat("explain this very large topic ", 200),
			"max_cost_usd": 0.0000001,
		})
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for cost cap, got %d", resp.StatusCode)
	}
}

func TestGatewayPermissionDenied(t *testing.T) {
	ts, _ := newTestGateway(t, nil)
	token := issueTestKey(t, ts, []string{PermAnalytics})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize",
		map[string]string{"X-API-Key": token},
		map[string]any{"prompt": "hello"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for missing permission, got %d", resp.StatusCode)
	}
}

func TestGatewayRateLimit(t *testing.T) {
	ts, _ := newTestGateway(t, func(cfg *ServerConfig) {
		cfg.Limits.RequestsPerMinute = 1
	})
	token := issueTestKey(t, ts, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize",
		map[string]string{"X-API-Key": token},
		map[string]any{"prompt": "first request passes"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize",
		map[string]string{"X-API-Key": token},
		map[string]any{"prompt": "second request is limited"})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatalf("429 response missing Retry-After header")
	}
}

func TestGatewayWalletFlow(t *testing.T) {
	ts, store := newTestGateway(t, nil)
	token := issueTestKey(t, ts, nil)
	headers := map[string]string{"X-API-Key": token}
	address := "0xAaAa000000000000000000000000000000000001"

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/connect", headers,
		map[string]any{"wallet_address": "not-an-address"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("connect bad address: expected 400, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/connect", headers,
		map[string]any{"wallet_address": address})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect: expected 201, got %d", resp.StatusCode)
	}

	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/"+address+"/deposit", headers,
		map[string]any{"amount": 20.0})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d (%v)", resp.StatusCode, envelope)
	}
	tx := envelope["data"].(map[string]any)
	if !strings.HasPrefix(tx["hash"].(string), "0x") {
		t.Fatalf("deposit hash malformed: %v", tx["hash"])
	}

	// chat debits the wallet through the mock upstream
	resp, envelope = doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", headers,
		map[string]any{
			"provider":       "openai",
			"model":          "gpt-4o",
			"wallet_address": address,
			"messages":       []map[string]string{{"role": "user", "content": "hi"}},
		})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: expected 200, got %d (%v)", resp.StatusCode, envelope)
	}
	chat := envelope["data"].(map[string]any)
	if chat["content"] == "" {
		t.Fatalf("chat returned empty content")
	}
	if chat["cost_usd"].(float64) <= 0 {
		t.Fatalf("chat cost should be positive: %v", chat["cost_usd"])
	}

	// accrue a fee via optimize, then settle it
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize", headers,
		map[string]any{
			"prompt":         "Please summarize everything we know about layer two settlement costs",
			"wallet_address": address,
		})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("optimize with wallet: expected 200, got %d", resp.StatusCode)
	}
	wallet, _ := store.GetWallet(address)
	if wallet.AccruedFees.Sign() <= 0 {
		t.Fatalf("expected accrued fees after optimize, got %s", wallet.AccruedFees)
	}

	resp, envelope = doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/"+address+"/settle", headers, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("settle: expected 202, got %d (%v)", resp.StatusCode, envelope)
	}
	wallet, _ = store.GetWallet(address)
	if wallet.AccruedFees.Sign() != 0 {
		t.Fatalf("accrued fees should be swept, got %s", wallet.AccruedFees)
	}

	// settling again has nothing left
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/"+address+"/settle", headers, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("second settle: expected 422, got %d", resp.StatusCode)
	}

	resp, envelope = doJSON(t, http.MethodGet, ts.URL+"/api/v1/wallet/"+address+"/transactions", headers, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("transactions: expected 200, got %d", resp.StatusCode)
	}
	txs := envelope["data"].(map[string]any)["transactions"].([]any)
	if len(txs) != 2 {
		t.Fatalf("expected deposit + settlement, got %d transactions", len(txs))
	}

	resp, envelope = doJSON(t, http.MethodGet, ts.URL+"/api/v1/wallet/"+address, headers, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wallet get: expected 200, got %d", resp.StatusCode)
	}
	status := envelope["data"].(map[string]any)
	if status["transaction_count"].(float64) != 2 {
		t.Fatalf("expected transaction_count 2, got %v", status["transaction_count"])
	}

	resp, envelope = doJSON(t, http.MethodGet, ts.URL+"/api/v1/analytics?wallet_address="+address, headers, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("analytics: expected 200, got %d", resp.StatusCode)
	}
	analytics := envelope["data"].(map[string]any)
	if analytics["total_calls"].(float64) < 2 {
		t.Fatalf("expected at least 2 analytics calls, got %v", analytics["total_calls"])
	}
}

func TestGatewayChatDefaultModel(t *testing.T) {
	ts, _ := newTestGateway(t, nil)
	token := issueTestKey(t, ts, nil)
	headers := map[string]string{"X-API-Key": token}
	address := "0xDdDd000000000000000000000000000000000004"

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/connect", headers,
		map[string]any{"wallet_address": address})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("connect: expected 201, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/wallet/"+address+"/deposit", headers,
		map[string]any{"amount": 5.0})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("deposit: expected 201, got %d", resp.StatusCode)
	}

	// no model field, single message string instead of a messages array
	resp, envelope := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat", headers,
		map[string]any{
			"provider":       "openai",
			"wallet_address": address,
			"message":        "hi",
		})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("chat without model: expected 200, got %d (%v)", resp.StatusCode, envelope)
	}
	chat := envelope["data"].(map[string]any)
	if chat["model"] != "gpt-4o" {
		t.Fatalf("expected flagship model default, got %v", chat["model"])
	}
	if chat["cost_usd"].(float64) <= 0 {
		t.Fatalf("chat cost should be positive: %v", chat["cost_usd"])
	}
}

func TestGatewayChatRequiresWallet(t *testing.T) {
	ts, _ := newTestGateway(t, nil)
	token := issueTestKey(t, ts, nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/v1/chat",
		map[string]string{"X-API-Key": token},
		map[string]any{
			"provider":       "openai",
			"model":          "gpt-4o",
			"wallet_address": "0xBbBb000000000000000000000000000000000002",
			"messages":       []map[string]string{{"role": "user", "content": "hi"}},
		})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("chat with unconnected wallet: expected 404, got %d", resp.StatusCode)
	}
}

func TestGatewayAdminKeyRequests(t *testing.T) {
	ts, store := newTestGateway(t, nil)
	token := issueTestKey(t, ts, nil)
	admin := map[string]string{"X-Admin-Token": "test-admin-token"}

	doJSON(t, http.MethodGet, ts.URL+"/api/v1/analytics?wallet_address=0xCcCc000000000000000000000000000000000003",
		map[string]string{"X-API-Key": token}, nil)

	keys := store.ListKeys()
	if len(keys) != 1 {
		t.Fatalf("expected 1 key, got %d", len(keys))
	}
	resp, envelope := doJSON(t, http.MethodGet, ts.URL+"/api/v1/admin/keys/"+keys[0].ID+"/requests", admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("key requests: expected 200, got %d", resp.StatusCode)
	}
	requests := envelope["data"].(map[string]any)["requests"].([]any)
	if len(requests) != 1 {
		t.Fatalf("expected 1 logged request, got %d", len(requests))
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/admin/keys/"+keys[0].ID, admin, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete key: expected 200, got %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/admin/keys/"+keys[0].ID, admin, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing key: expected 404, got %d", resp.StatusCode)
	}
}

func TestGatewayRequestLogCap(t *testing.T) {
	ts, store := newTestGateway(t, func(cfg *ServerConfig) {
		cfg.Keys.RequestLogSize = 3
		cfg.Limits.RequestsPerMinute = 100
	})
	token := issueTestKey(t, ts, nil)

	for i := 0; i < 6; i++ {
		doJSON(t, http.MethodPost, ts.URL+"/api/v1/optimize",
			map[string]string{"X-API-Key": token},
			map[string]any{"prompt": "log cap check"})
	}
	keys := store.ListKeys()
	if len(keys[0].Requests) != 3 {
		t.Fatalf("expected log capped at 3, got %d", len(keys[0].Requests))
	}
	if keys[0].Usage.Requests != 6 {
		t.Fatalf("lifetime counter should keep counting, got %d", keys[0].Usage.Requests)
	}
}
