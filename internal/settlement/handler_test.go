package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlevault/internal/auth"
	"github.com/mbd888/settlevault/internal/escrow"
	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/logging"
	"github.com/mbd888/settlevault/internal/orders"
	"github.com/mbd888/settlevault/internal/reconciliation"
	"github.com/mbd888/settlevault/internal/validation"
	"github.com/mbd888/settlevault/internal/withdrawal"
)

const adminSecret = "settlement-test-admin-secret-0123456789"

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	store  *ledger.MemoryStore
	orders *orders.MemoryStore
	keys   map[string]string
	now    time.Time
}

func setup(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:  ledger.NewMemoryStore(),
		orders: orders.NewMemoryStore(),
		keys:   map[string]string{},
		now:    time.Now(),
	}

	env.orders.Put(&orders.Order{
		Ref: "ord_1", BuyerID: "buyer", SellerID: "seller", DriverID: "driver",
		TotalAmount: 10_000, Currency: "CDF", Status: "placed",
	})

	esc := escrow.NewService(env.store, env.orders, escrow.Config{PlatformUserID: "platform", DefaultCurrency: "CDF"}).
		WithLogger(logging.Discard()).
		WithClock(func() time.Time { return env.now })
	wd := withdrawal.NewProcessor(env.store, nil, 1000, "CDF").WithLogger(logging.Discard())
	recon := reconciliation.NewService(env.store, logging.Discard())

	mgr := auth.NewManager(auth.NewMemoryStore(), adminSecret)
	for _, u := range []string{"buyer", "seller", "driver", "stranger"} {
		raw, _, err := mgr.GenerateKey(context.Background(), u, "test", 0)
		require.NoError(t, err)
		env.keys[u] = raw
	}

	h := NewHandler(esc, wd, env.store, recon, "CDF")
	r := gin.New()
	r.Use(auth.Middleware(mgr))
	v1 := r.Group("/v1", auth.RequireAuth())
	h.RegisterRoutes(v1)
	h.RegisterAdminRoutes(r.Group("/v1/admin", auth.RequireAdmin()))
	env.router = r
	return env
}

// as sends an action as user; user "admin" sends the admin secret instead.
func (e *testEnv) as(user string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/settlement", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req, user)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) get(user, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	e.authorize(req, user)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) authorize(req *http.Request, user string) {
	switch user {
	case "":
	case "admin":
		req.Header.Set(auth.AdminSecretHeader, adminSecret)
	default:
		req.Header.Set("Authorization", "Bearer "+e.keys[user])
	}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), w.Body.String())
	return m
}

func errorKind(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	kind, _ := decode(t, w)["error"].(string)
	return kind
}

func (e *testEnv) createVault(t *testing.T) (id, code string) {
	t.Helper()
	w := e.as("buyer", ActionRequest{Action: ActionCreateVault, OrderRef: "ord_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vault := decode(t, w)["vault"].(map[string]any)
	return vault["id"].(string), vault["confirmationCode"].(string)
}

func TestCreateVault(t *testing.T) {
	env := setup(t)

	w := env.as("buyer", ActionRequest{Action: ActionCreateVault, OrderRef: "ord_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, ActionCreateVault, body["action"])
	vault := body["vault"].(map[string]any)
	assert.Equal(t, "held", vault["status"])
	assert.EqualValues(t, 8_000, vault["sellerAmount"])
	assert.EqualValues(t, 1_500, vault["driverAmount"])
	assert.EqualValues(t, 500, vault["platformFee"])
	assert.Len(t, vault["confirmationCode"], 6)

	w = env.as("buyer", ActionRequest{Action: ActionCreateVault, OrderRef: "ord_1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KindAlreadyExists, errorKind(t, w))

	w = env.as("buyer", ActionRequest{Action: ActionCreateVault, OrderRef: "ord_404"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, KindNotFound, errorKind(t, w))

	w = env.as("buyer", ActionRequest{Action: ActionCreateVault})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, KindInvalidRequest, errorKind(t, w))
	assert.NotNil(t, decode(t, w)["details"])
}

func TestCreateVault_OnlyBuyerOrAdmin(t *testing.T) {
	env := setup(t)

	w := env.as("seller", ActionRequest{Action: ActionCreateVault, OrderRef: "ord_1"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, KindUnauthorized, errorKind(t, w))

	w = env.as("admin", ActionRequest{Action: ActionCreateVault, OrderRef: "ord_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	vault := decode(t, w)["vault"].(map[string]any)
	assert.Nil(t, vault["confirmationCode"], "the code is only shown to the buyer")
}

func TestConfirmDelivery(t *testing.T) {
	env := setup(t)
	id, code := env.createVault(t)

	w := env.as("seller", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: code, ClientConfirmed: true})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.as("buyer", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: "999999x", ClientConfirmed: true})
	assert.Equal(t, KindUnauthorized, errorKind(t, w))

	w = env.as("buyer", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: code})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, KindInvalidRequest, errorKind(t, w))

	w = env.as("buyer", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: code, ClientConfirmed: true, Comments: "thanks"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	released := decode(t, w)["releasedAmounts"].(map[string]any)
	assert.EqualValues(t, 8_000, released["seller"])
	assert.EqualValues(t, 1_500, released["driver"])
	assert.EqualValues(t, 500, released["platform"])

	// Repeat is an idempotent success.
	w = env.as("buyer", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: code, ClientConfirmed: true})
	require.Equal(t, http.StatusOK, w.Code)
	tx := decode(t, w)["transaction"].(map[string]any)
	assert.Equal(t, true, tx["alreadyReleased"])

	seller, err := env.store.GetWallet(context.Background(), "seller", "CDF")
	require.NoError(t, err)
	assert.Equal(t, int64(8_000), seller.Balance)
}

func TestGetVaultStatus(t *testing.T) {
	env := setup(t)
	_, code := env.createVault(t)

	w := env.as("buyer", ActionRequest{Action: ActionGetVaultStatus, OrderRef: "ord_1"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, code, decode(t, w)["vault"].(map[string]any)["confirmationCode"])

	w = env.get("driver", "/v1/vaults/ord_1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Nil(t, decode(t, w)["vault"].(map[string]any)["confirmationCode"])

	w = env.get("stranger", "/v1/vaults/ord_1")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.get("buyer", "/v1/vaults/ord_missing")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.get("", "/v1/vaults/ord_1")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAutoReleaseTimeout(t *testing.T) {
	env := setup(t)
	id, _ := env.createVault(t)

	w := env.as("buyer", ActionRequest{Action: ActionAutoReleaseTimeout, TransactionID: id})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, KindUnauthorized, errorKind(t, w))

	w = env.as("admin", ActionRequest{Action: ActionAutoReleaseTimeout, TransactionID: id})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KindInvalidState, errorKind(t, w))

	env.now = env.now.Add(escrow.DefaultTimeout + time.Minute)
	w = env.as("admin", ActionRequest{Action: ActionAutoReleaseTimeout, TransactionID: id})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	tx := decode(t, w)["transaction"].(map[string]any)
	assert.Equal(t, true, tx["autoReleased"])
	assert.Equal(t, "completed", tx["status"])
}

func TestProcessWithdrawal(t *testing.T) {
	env := setup(t)
	_, err := env.store.Adjust(context.Background(), "seller", "CDF", 4_000, "opening")
	require.NoError(t, err)

	w := env.as("seller", ActionRequest{
		Action: ActionProcessWithdrawal, Amount: 5_000, Method: "mobile_money",
		PayoutDetails: map[string]string{"phone": "+243810000000"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, KindInsufficientFunds, errorKind(t, w))

	// The driver has never been paid, so there is no wallet to debit.
	w = env.as("driver", ActionRequest{
		Action: ActionProcessWithdrawal, Amount: 1_000, Method: "mobile_money",
		PayoutDetails: map[string]string{"phone": "+243820000000"},
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, KindNotFound, errorKind(t, w))

	w = env.as("buyer", ActionRequest{
		Action: ActionProcessWithdrawal, UserID: "seller", Amount: 1_000, Method: "mobile_money",
		PayoutDetails: map[string]string{"phone": "+243810000000"},
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.as("seller", ActionRequest{
		Action: ActionProcessWithdrawal, Amount: 3_000, Method: "mobile_money",
		PayoutDetails: map[string]string{"phone": "+243810000000"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	wd := decode(t, w)["withdrawal"].(map[string]any)
	assert.Equal(t, "pending", wd["status"])
	assert.EqualValues(t, 45, wd["fee"])
	assert.EqualValues(t, 2_955, wd["netAmount"])

	w = env.as("seller", ActionRequest{Action: ActionProcessWithdrawal, Amount: 0, Method: "mobile_money"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Payout confirmation is admin only.
	id := wd["id"].(string)
	w = env.as("seller", ActionRequest{Action: ActionConfirmPayout, WithdrawalID: id, Status: "completed"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.as("admin", ActionRequest{Action: ActionConfirmPayout, WithdrawalID: id, Status: "failed", FailureReason: "number inactive"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.as("admin", ActionRequest{Action: ActionConfirmPayout, WithdrawalID: id, Status: "completed"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, KindInvalidState, errorKind(t, w))

	wallet, err := env.store.GetWallet(context.Background(), "seller", "CDF")
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), wallet.Balance)
}

func TestGetWallet(t *testing.T) {
	env := setup(t)
	id, code := env.createVault(t)
	w := env.as("buyer", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: code, ClientConfirmed: true})
	require.Equal(t, http.StatusOK, w.Code)
	for i := 0; i < 3; i++ {
		_, err := env.store.Adjust(context.Background(), "seller", "CDF", 100, fmt.Sprintf("bonus %d", i))
		require.NoError(t, err)
	}

	w = env.as("seller", ActionRequest{Action: ActionGetWallet, Limit: 3})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 8_300, body["wallet"].(map[string]any)["balance"])
	assert.Len(t, body["entries"], 3)
	assert.Equal(t, true, body["hasMore"])

	w = env.as("seller", ActionRequest{Action: ActionGetWallet, Limit: 3, Cursor: body["nextCursor"].(string)})
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Len(t, body["entries"], 1)
	assert.Equal(t, false, body["hasMore"])

	w = env.as("buyer", ActionRequest{Action: ActionGetWallet})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["wallet"].(map[string]any)["balance"])

	w = env.as("buyer", ActionRequest{Action: ActionGetWallet, UserID: "seller"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.as("seller", ActionRequest{Action: ActionGetWallet, Cursor: "garbage!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDispatch_BadRequests(t *testing.T) {
	env := setup(t)

	w := env.as("buyer", ActionRequest{Action: "launch_rockets"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, KindInvalidRequest, errorKind(t, w))

	w = env.as("buyer", ActionRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/settlement", bytes.NewBufferString("[1,2"))
	env.authorize(req, "buyer")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = env.as("", ActionRequest{Action: ActionGetVaultStatus, OrderRef: "ord_1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	env := setup(t)
	id, code := env.createVault(t)
	env.as("buyer", ActionRequest{Action: ActionConfirmDelivery, TransactionID: id, ConfirmationCode: code, ClientConfirmed: true})

	w := env.get("buyer", "/v1/admin/reconcile")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.get("admin", "/v1/admin/reconcile")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)["report"].(map[string]any)
	assert.Equal(t, true, report["healthy"])
	assert.EqualValues(t, 3, report["walletsChecked"])

	w = env.get("admin", "/v1/admin/wallets?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, 2, body["count"])
	assert.Equal(t, true, body["hasMore"])

	w = env.get("admin", "/v1/admin/wallets?limit=2&cursor="+body["nextCursor"].(string))
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 1, decode(t, w)["count"])
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		kind   string
		status int
	}{
		{fmt.Errorf("release: %w", ledger.ErrUnavailable), KindLedgerUnavailable, http.StatusServiceUnavailable},
		{escrow.ErrOrderNotFound, KindNotFound, http.StatusNotFound},
		{withdrawal.ErrNotFound, KindNotFound, http.StatusNotFound},
		{escrow.ErrHoldExists, KindAlreadyExists, http.StatusConflict},
		{escrow.ErrNotExpired, KindInvalidState, http.StatusConflict},
		{withdrawal.ErrOutcomeConflict, KindInvalidState, http.StatusConflict},
		{ledger.ErrInsufficientFunds, KindInsufficientFunds, http.StatusUnprocessableEntity},
		{escrow.ErrInvalidCode, KindUnauthorized, http.StatusForbidden},
		{escrow.ErrNotConfirmed, KindInvalidRequest, http.StatusBadRequest},
		{withdrawal.ErrBelowMinimum, KindInvalidRequest, http.StatusBadRequest},
		{validation.ValidationErrors{{Field: "x", Message: "y"}}, KindInvalidRequest, http.StatusBadRequest},
		{errors.New("boom"), KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		kind, status := Classify(tt.err)
		assert.Equal(t, tt.kind, kind, tt.err.Error())
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
