package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlevault/internal/config"
	"github.com/mbd888/settlevault/internal/logging"
)

const testAdminSecret = "server-test-admin-secret-0123456789abcdef"

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:              "0",
		Env:               "development",
		LogLevel:          "error",
		LogFormat:         "json",
		DefaultCurrency:   "CDF",
		PlatformFeeBps:    500,
		DriverShareBps:    1500,
		PlatformUserID:    "platform",
		EscrowTimeout:     72 * time.Hour,
		SweepInterval:     time.Minute,
		SweepBatchSize:    100,
		ReconcileInterval: time.Hour,
		WithdrawalFees:    config.DefaultWithdrawalFees,
		MinWithdrawal:     1000,
		AdminSecret:       testAdminSecret,
		RateLimitRPM:      10_000,
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	s.shutdownDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return s
}

func do(s *Server, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func asAdmin() map[string]string { return map[string]string{"X-Admin-Secret": testAdminSecret} }

func bearer(key string) map[string]string { return map[string]string{"Authorization": "Bearer " + key} }

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func issueKey(t *testing.T, s *Server, userID string) string {
	t.Helper()
	w := do(s, http.MethodPost, "/v1/admin/keys", map[string]string{"userId": userID}, asAdmin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["apiKey"].(string)
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	// The sweeper is not running until the workers start.
	w := do(s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "degraded", decode(t, w)["status"])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.startWorkers(ctx)

	require.Eventually(t, func() bool {
		return do(s, http.MethodGet, "/health", nil, nil).Code == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp := decode(t, do(s, http.MethodGet, "/health", nil, nil))
	assert.Equal(t, "healthy", resp["status"])
	assert.Len(t, resp["checks"], 2)
}

func TestLivenessAndReadiness(t *testing.T) {
	s := newTestServer(t)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", nil, nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(s, http.MethodGet, "/health/ready", nil, nil).Code)

	s.ready.Store(true)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", nil, nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "settlevault_")
}

// ---------------------------------------------------------------------------
// Middleware tests
// ---------------------------------------------------------------------------

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	w = do(s, http.MethodGet, "/health/live", nil, map[string]string{"X-Request-ID": "lb-123"})
	assert.Equal(t, "lb-123", w.Header().Get("X-Request-ID"))
}

func TestRequestSizeLimit(t *testing.T) {
	s := newTestServer(t)
	key := issueKey(t, s, "buyer_1")

	big := bytes.Repeat([]byte("a"), 128*1024)
	req := httptest.NewRequest(http.MethodPost, "/v1/settlement", bytes.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+key)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestSettlementRequiresAuth(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/settlement", map[string]string{"action": "get_wallet"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodPost, "/v1/settlement", map[string]string{"action": "get_wallet"}, bearer("sk_forged"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(s, http.MethodGet, "/v1/admin/reconcile", nil, map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestSettlementFlow(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/admin/orders", map[string]any{
		"orderRef": "ord_100", "buyerId": "buyer_1", "sellerId": "seller_1",
		"driverId": "driver_1", "totalAmount": 20_000,
	}, asAdmin())
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	buyer := issueKey(t, s, "buyer_1")
	seller := issueKey(t, s, "seller_1")

	w = do(s, http.MethodPost, "/v1/settlement", map[string]any{"action": "create_vault", "orderRef": "ord_100"}, bearer(buyer))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vault := decode(t, w)["vault"].(map[string]any)
	assert.Equal(t, "CDF", vault["currency"])

	w = do(s, http.MethodPost, "/v1/settlement", map[string]any{
		"action":           "confirm_delivery",
		"transactionId":    vault["id"],
		"confirmationCode": vault["confirmationCode"],
		"clientConfirmed":  true,
	}, bearer(buyer))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	released := decode(t, w)["releasedAmounts"].(map[string]any)
	assert.EqualValues(t, 16_000, released["seller"])
	assert.EqualValues(t, 3_000, released["driver"])
	assert.EqualValues(t, 1_000, released["platform"])

	w = do(s, http.MethodPost, "/v1/settlement", map[string]any{
		"action": "process_withdrawal", "amount": 10_000, "method": "bank_transfer",
		"payoutDetails": map[string]string{"account": "CD-0001"},
	}, bearer(seller))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wd := decode(t, w)["withdrawal"].(map[string]any)
	assert.EqualValues(t, 600, wd["fee"])

	w = do(s, http.MethodPost, "/v1/settlement", map[string]any{"action": "get_wallet"}, bearer(seller))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 6_000, decode(t, w)["wallet"].(map[string]any)["balance"])

	w = do(s, http.MethodGet, "/v1/admin/reconcile", nil, asAdmin())
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decode(t, w)["report"].(map[string]any)["healthy"])

	w = do(s, http.MethodGet, "/v1/vaults/ord_100", nil, bearer(seller))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "completed", decode(t, w)["vault"].(map[string]any)["status"])
}

func TestSeedOrderValidation(t *testing.T) {
	s := newTestServer(t)

	w := do(s, http.MethodPost, "/v1/admin/orders", map[string]any{
		"orderRef": "ord 1", "buyerId": "b", "sellerId": "s", "totalAmount": 10,
	}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(s, http.MethodPost, "/v1/admin/orders", map[string]any{"orderRef": "ord_1"}, asAdmin())
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestNew_RejectsBadFeeSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.WithdrawalFees = "mobile_money:abc"
	_, err := New(cfg, WithLogger(logging.Discard()))
	assert.Error(t, err)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:%2A%2A%2A@db:5432/settle", maskDSN("postgres://app:hunter2@db:5432/settle"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
