// Package settlement is the HTTP action-dispatch surface of the escrow
// engine. Every request to POST /v1/settlement names an action; the action
// either fully succeeds or fails with {"error": kind, "message": text}.
package settlement

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/settlevault/internal/auth"
	"github.com/mbd888/settlevault/internal/escrow"
	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/logging"
	"github.com/mbd888/settlevault/internal/metrics"
	"github.com/mbd888/settlevault/internal/pagination"
	"github.com/mbd888/settlevault/internal/reconciliation"
	"github.com/mbd888/settlevault/internal/validation"
	"github.com/mbd888/settlevault/internal/withdrawal"
)

// Actions accepted by Dispatch.
const (
	ActionCreateVault        = "create_vault"
	ActionConfirmDelivery    = "confirm_delivery"
	ActionProcessWithdrawal  = "process_withdrawal"
	ActionGetVaultStatus     = "get_vault_status"
	ActionAutoReleaseTimeout = "auto_release_timeout"
	ActionConfirmPayout      = "confirm_payout"
	ActionGetWallet          = "get_wallet"
)

var (
	errAdminRequired = fmt.Errorf("%w: this action requires the admin secret", escrow.ErrUnauthorized)
	errNotParty      = fmt.Errorf("%w: caller is not a party to this order", escrow.ErrUnauthorized)
	errNotOwner      = fmt.Errorf("%w: caller may only act on their own wallet", escrow.ErrUnauthorized)
)

// ActionRequest is the body of POST /v1/settlement. Only the fields of the
// selected action are read.
type ActionRequest struct {
	Action string `json:"action"`

	OrderRef         string `json:"orderRef,omitempty"`
	TransactionID    string `json:"transactionId,omitempty"`
	ConfirmationCode string `json:"confirmationCode,omitempty"`
	ClientConfirmed  bool   `json:"clientConfirmed,omitempty"`
	Comments         string `json:"comments,omitempty"`

	UserID        string            `json:"userId,omitempty"`
	Amount        int64             `json:"amount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Method        string            `json:"method,omitempty"`
	PayoutDetails map[string]string `json:"payoutDetails,omitempty"`

	WithdrawalID  string `json:"withdrawalId,omitempty"`
	Status        string `json:"status,omitempty"`
	ProviderRef   string `json:"providerRef,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	Cursor string `json:"cursor,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Handler provides the settlement HTTP endpoints.
type Handler struct {
	escrow          *escrow.Service
	withdrawals     *withdrawal.Processor
	store           ledger.Store
	recon           *reconciliation.Service
	defaultCurrency string
}

// NewHandler creates a new settlement handler.
func NewHandler(esc *escrow.Service, wd *withdrawal.Processor, store ledger.Store, recon *reconciliation.Service, defaultCurrency string) *Handler {
	return &Handler{
		escrow:          esc,
		withdrawals:     wd,
		store:           store,
		recon:           recon,
		defaultCurrency: defaultCurrency,
	}
}

// RegisterRoutes sets up the authenticated settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/settlement", h.Dispatch)
	r.GET("/vaults/:orderRef", validation.RefParamMiddleware("orderRef"), h.GetVault)
}

// RegisterAdminRoutes sets up operator routes. The group must require the
// admin secret.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/reconcile", h.Reconcile)
	r.GET("/wallets", h.ListWallets)
}

type caller struct {
	userID string
	admin  bool
}

// id is the actor recorded for the caller. Admin requests without a user key
// act as the system.
func (c caller) id() string {
	if c.userID == "" && c.admin {
		return ledger.SystemActor
	}
	return c.userID
}

// Dispatch handles POST /v1/settlement
func (h *Handler) Dispatch(c *gin.Context) {
	var req ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, "unknown", fmt.Errorf("%w: request body must be a JSON object", escrow.ErrInvalidRequest))
		return
	}

	who := caller{userID: auth.GetUserID(c), admin: auth.IsAdmin(c)}
	action := strings.TrimSpace(req.Action)

	var (
		status = http.StatusOK
		body   gin.H
		err    error
	)
	switch action {
	case ActionCreateVault:
		status = http.StatusCreated
		body, err = h.createVault(c, who, req)
	case ActionConfirmDelivery:
		body, err = h.confirmDelivery(c, who, req)
	case ActionProcessWithdrawal:
		status = http.StatusCreated
		body, err = h.processWithdrawal(c, who, req)
	case ActionGetVaultStatus:
		body, err = h.vaultStatus(c, who, req.OrderRef)
	case ActionAutoReleaseTimeout:
		body, err = h.autoRelease(c, who, req)
	case ActionConfirmPayout:
		body, err = h.confirmPayout(c, who, req)
	case ActionGetWallet:
		body, err = h.getWallet(c, who, req)
	case "":
		err = fmt.Errorf("%w: action is required", escrow.ErrInvalidRequest)
		action = "unknown"
	default:
		err = fmt.Errorf("%w: unknown action %q", escrow.ErrInvalidRequest, action)
		action = "unknown"
	}

	if err != nil {
		h.fail(c, action, err)
		return
	}
	metrics.ActionsTotal.WithLabelValues(action, "ok").Inc()
	body["action"] = action
	c.JSON(status, body)
}

func (h *Handler) fail(c *gin.Context, action string, err error) {
	kind, status := Classify(err)
	metrics.ActionsTotal.WithLabelValues(action, kind).Inc()

	log := logging.L(c.Request.Context())
	if status >= http.StatusInternalServerError {
		log.Error("settlement action failed", "action", action, "kind", kind, "error", err)
	} else {
		log.Info("settlement action rejected", "action", action, "kind", kind, "error", err)
	}

	resp := gin.H{"error": kind, "message": err.Error()}
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		resp["details"] = verrs
	}
	if kind == KindInternal {
		resp["message"] = "internal error"
	}
	c.JSON(status, resp)
}

func (h *Handler) createVault(c *gin.Context, who caller, req ActionRequest) (gin.H, error) {
	if err := validation.Validate(
		validation.Required("orderRef", req.OrderRef),
		validation.ValidRef("orderRef", req.OrderRef),
	); err != nil {
		return nil, err
	}

	e, err := h.escrow.CreateForOrder(c.Request.Context(), req.OrderRef, who.id())
	if err != nil {
		return nil, err
	}
	return gin.H{"vault": escrow.ForCaller(e, who.userID)}, nil
}

func (h *Handler) confirmDelivery(c *gin.Context, who caller, req ActionRequest) (gin.H, error) {
	if err := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.ValidRef("transactionId", req.TransactionID),
		validation.Required("confirmationCode", req.ConfirmationCode),
		validation.MaxLength("comments", req.Comments, validation.MaxStringLength),
	); err != nil {
		return nil, err
	}

	res, err := h.escrow.ConfirmAndRelease(c.Request.Context(), escrow.ConfirmRequest{
		EscrowID:         req.TransactionID,
		ConfirmationCode: strings.TrimSpace(req.ConfirmationCode),
		ClientConfirmed:  req.ClientConfirmed,
		Comments:         validation.SanitizeString(req.Comments, validation.MaxStringLength),
		CallerID:         who.userID,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"releasedAmounts": res.Released, "transaction": res}, nil
}

func (h *Handler) processWithdrawal(c *gin.Context, who caller, req ActionRequest) (gin.H, error) {
	userID := req.UserID
	if userID == "" {
		userID = who.userID
	}
	if err := validation.Validate(
		validation.Required("userId", userID),
		validation.ValidRef("userId", userID),
		validation.PositiveAmount("amount", req.Amount),
		validation.ValidMethod("method", req.Method),
		validation.ValidCurrency("currency", req.Currency),
	); err != nil {
		return nil, err
	}
	if userID != who.userID && !who.admin {
		return nil, errNotOwner
	}

	w, err := h.withdrawals.RequestWithdrawal(c.Request.Context(), withdrawal.Request{
		UserID:        userID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Method:        req.Method,
		PayoutDetails: req.PayoutDetails,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"withdrawal": w}, nil
}

func (h *Handler) vaultStatus(c *gin.Context, who caller, orderRef string) (gin.H, error) {
	if err := validation.Validate(
		validation.Required("orderRef", orderRef),
		validation.ValidRef("orderRef", orderRef),
	); err != nil {
		return nil, err
	}

	e, err := h.escrow.GetStatus(c.Request.Context(), orderRef)
	if err != nil {
		return nil, err
	}
	if !who.admin && !escrow.IsParty(e, who.userID) {
		return nil, errNotParty
	}
	return gin.H{"vault": escrow.ForCaller(e, who.userID)}, nil
}

func (h *Handler) autoRelease(c *gin.Context, who caller, req ActionRequest) (gin.H, error) {
	if !who.admin {
		return nil, errAdminRequired
	}
	if err := validation.Validate(
		validation.Required("transactionId", req.TransactionID),
		validation.ValidRef("transactionId", req.TransactionID),
	); err != nil {
		return nil, err
	}

	res, err := h.escrow.AutoRelease(c.Request.Context(), req.TransactionID)
	if err != nil {
		return nil, err
	}
	return gin.H{"releasedAmounts": res.Released, "transaction": res}, nil
}

func (h *Handler) confirmPayout(c *gin.Context, who caller, req ActionRequest) (gin.H, error) {
	if !who.admin {
		return nil, errAdminRequired
	}
	if err := validation.Validate(
		validation.Required("withdrawalId", req.WithdrawalID),
		validation.ValidRef("withdrawalId", req.WithdrawalID),
		validation.Required("status", req.Status),
		validation.MaxLength("failureReason", req.FailureReason, validation.MaxStringLength),
	); err != nil {
		return nil, err
	}

	w, err := h.withdrawals.ConfirmPayout(c.Request.Context(), withdrawal.PayoutResult{
		WithdrawalID:  req.WithdrawalID,
		Status:        ledger.WithdrawalStatus(req.Status),
		ProviderRef:   req.ProviderRef,
		FailureReason: validation.SanitizeString(req.FailureReason, validation.MaxStringLength),
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"withdrawal": w}, nil
}

func (h *Handler) getWallet(c *gin.Context, who caller, req ActionRequest) (gin.H, error) {
	userID := req.UserID
	if userID == "" {
		userID = who.userID
	}
	currency := req.Currency
	if currency == "" {
		currency = h.defaultCurrency
	}
	if err := validation.Validate(
		validation.Required("userId", userID),
		validation.ValidCurrency("currency", currency),
	); err != nil {
		return nil, err
	}
	if userID != who.userID && !who.admin {
		return nil, errNotOwner
	}
	afterSeq, err := pagination.DecodeSeq(req.Cursor)
	if err != nil {
		return nil, err
	}
	limit := pagination.ClampLimit(req.Limit)

	ctx := c.Request.Context()
	w, err := h.store.GetWallet(ctx, userID, currency)
	if errors.Is(err, ledger.ErrNotFound) {
		// A user with no credits yet has an empty wallet, not an error.
		return gin.H{
			"wallet":  &ledger.Wallet{UserID: userID, Currency: currency},
			"entries": []*ledger.Entry{},
			"hasMore": false,
		}, nil
	}
	if err != nil {
		return nil, err
	}

	entries, err := h.store.ListEntries(ctx, w.ID, afterSeq, limit+1)
	if err != nil {
		return nil, err
	}
	entries, next, more := pagination.ComputePage(entries, limit, func(e *ledger.Entry) string {
		return pagination.EncodeSeq(e.Seq)
	})
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	return gin.H{
		"wallet":     w,
		"entries":    entries,
		"nextCursor": next,
		"hasMore":    more,
	}, nil
}

// GetVault handles GET /v1/vaults/:orderRef
func (h *Handler) GetVault(c *gin.Context) {
	who := caller{userID: auth.GetUserID(c), admin: auth.IsAdmin(c)}
	body, err := h.vaultStatus(c, who, c.Param("orderRef"))
	if err != nil {
		h.fail(c, ActionGetVaultStatus, err)
		return
	}
	metrics.ActionsTotal.WithLabelValues(ActionGetVaultStatus, "ok").Inc()
	c.JSON(http.StatusOK, body)
}

// Reconcile handles GET /v1/admin/reconcile
func (h *Handler) Reconcile(c *gin.Context) {
	rep, err := h.recon.Check(c.Request.Context())
	if err != nil {
		h.fail(c, "reconcile", err)
		return
	}
	status := http.StatusOK
	if !rep.Healthy {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"report": rep})
}

// ListWallets handles GET /v1/admin/wallets
func (h *Handler) ListWallets(c *gin.Context) {
	after, err := pagination.DecodeID(c.Query("cursor"))
	if err != nil {
		h.fail(c, "list_wallets", err)
		return
	}
	limit := pagination.DefaultLimit
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil {
			limit = pagination.ClampLimit(n)
		}
	}

	wallets, err := h.store.ListWallets(c.Request.Context(), after, limit+1)
	if err != nil {
		h.fail(c, "list_wallets", err)
		return
	}
	wallets, next, more := pagination.ComputePage(wallets, limit, func(w *ledger.Wallet) string {
		return pagination.EncodeID(w.ID)
	})
	if wallets == nil {
		wallets = []*ledger.Wallet{}
	}

	c.JSON(http.StatusOK, gin.H{
		"wallets":    wallets,
		"count":      len(wallets),
		"nextCursor": next,
		"hasMore":    more,
	})
}
