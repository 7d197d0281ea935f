// Package escrow holds a buyer's payment for an order and releases it to the
// seller, the driver and the platform exactly once.
//
// Flow:
//  1. Order placed → CreateHold splits the total and stores a held escrow
//  2. Buyer receives the order → ConfirmAndRelease with the confirmation code
//  3. Nobody confirms before timeout_date → the Timer calls AutoRelease
//
// Both release paths end in ledger.Store.ReleaseEscrow, whose compare-and-swap
// on status guarantees that only one of them moves money.
package escrow

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settlevault/internal/idgen"
	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/metrics"
	"github.com/mbd888/settlevault/internal/notify"
	"github.com/mbd888/settlevault/internal/orders"
	"github.com/mbd888/settlevault/internal/split"
	"github.com/mbd888/settlevault/internal/traces"
)

var (
	ErrUnauthorized   = errors.New("not authorized for this escrow operation")
	ErrInvalidCode    = fmt.Errorf("%w: confirmation code does not match", ErrUnauthorized)
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidAmount  = fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	ErrNotConfirmed   = fmt.Errorf("%w: delivery was not confirmed by the client", ErrInvalidRequest)

	ErrEscrowNotFound = fmt.Errorf("escrow %w", ledger.ErrNotFound)
	ErrOrderNotFound  = fmt.Errorf("order %w", ledger.ErrNotFound)
	ErrHoldExists     = fmt.Errorf("escrow for this order %w", ledger.ErrAlreadyExists)
	ErrNotHeld        = fmt.Errorf("%w: escrow is not held", ledger.ErrInvalidState)
	ErrNotExpired     = fmt.Errorf("%w: escrow has not reached its timeout", ledger.ErrInvalidState)
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultTimeout        = 72 * time.Hour
	DefaultCurrency       = "CDF"
	DefaultPlatformUserID = "platform"
	confirmationCodeLen   = 6
)

// Config carries the settlement policy.
type Config struct {
	Policy          split.Policy
	Timeout         time.Duration // grace window before auto-release
	DefaultCurrency string
	PlatformUserID  string
}

// HoldRequest contains the parameters for holding an order's payment.
type HoldRequest struct {
	OrderRef    string `json:"orderRef"`
	BuyerID     string `json:"buyerId"`
	SellerID    string `json:"sellerId"`
	DriverID    string `json:"driverId,omitempty"`
	TotalAmount int64  `json:"totalAmount"`
	Currency    string `json:"currency"`
}

// ConfirmRequest is the buyer's delivery confirmation.
type ConfirmRequest struct {
	EscrowID         string `json:"transactionId"`
	ConfirmationCode string `json:"confirmationCode"`
	ClientConfirmed  bool   `json:"clientConfirmed"`
	Comments         string `json:"comments,omitempty"`
	CallerID         string `json:"-"`
}

// ReleaseResult reports the amounts an escrow released. AlreadyReleased is
// true when this call found the escrow completed and moved nothing; the
// amounts are then the ones the original release paid out.
type ReleaseResult struct {
	EscrowID        string              `json:"transactionId"`
	OrderRef        string              `json:"orderRef"`
	Status          ledger.EscrowStatus `json:"status"`
	Released        split.Shares        `json:"releasedAmounts"`
	Currency        string              `json:"currency"`
	AutoReleased    bool                `json:"autoReleased"`
	ConfirmedBy     string              `json:"confirmedBy"`
	AlreadyReleased bool                `json:"alreadyReleased"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
}

// Service implements escrow business logic.
type Service struct {
	store    ledger.Store
	orders   orders.Source
	notifier notify.Notifier
	logger   *slog.Logger
	cfg      Config
	now      func() time.Time
}

// NewService creates a new escrow service.
func NewService(store ledger.Store, source orders.Source, cfg Config) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.DefaultCurrency == "" {
		cfg.DefaultCurrency = DefaultCurrency
	}
	if cfg.PlatformUserID == "" {
		cfg.PlatformUserID = DefaultPlatformUserID
	}
	if cfg.Policy == (split.Policy{}) {
		cfg.Policy = split.DefaultPolicy()
	}
	return &Service{
		store:    store,
		orders:   source,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithNotifier sets where lifecycle notifications go.
func (s *Service) WithNotifier(n notify.Notifier) *Service {
	s.notifier = n
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateForOrder holds the payment for an existing order. callerID must be
// the order's buyer unless it is ledger.SystemActor.
func (s *Service) CreateForOrder(ctx context.Context, orderRef, callerID string) (*ledger.Escrow, error) {
	if strings.TrimSpace(orderRef) == "" {
		return nil, fmt.Errorf("%w: orderRef is required", ErrInvalidRequest)
	}

	order, err := s.orders.GetOrder(ctx, orderRef)
	if errors.Is(err, orders.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ledger.ErrUnavailable, err)
	}

	if callerID != ledger.SystemActor && callerID != order.BuyerID {
		return nil, ErrUnauthorized
	}

	return s.CreateHold(ctx, HoldRequest{
		OrderRef:    order.Ref,
		BuyerID:     order.BuyerID,
		SellerID:    order.SellerID,
		DriverID:    order.DriverID,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
	})
}

// CreateHold splits the total and stores a held escrow for the order.
// A second hold for the same order fails with ErrHoldExists.
func (s *Service) CreateHold(ctx context.Context, req HoldRequest) (*ledger.Escrow, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.create_hold",
		traces.OrderRef(req.OrderRef), traces.Amount(req.TotalAmount))
	e, err := s.createHold(ctx, req)
	traces.End(span, err)
	return e, err
}

func (s *Service) createHold(ctx context.Context, req HoldRequest) (*ledger.Escrow, error) {
	if req.OrderRef == "" || req.BuyerID == "" || req.SellerID == "" {
		return nil, fmt.Errorf("%w: orderRef, buyer and seller are required", ErrInvalidRequest)
	}
	if req.BuyerID == req.SellerID {
		return nil, fmt.Errorf("%w: buyer and seller cannot be the same user", ErrInvalidRequest)
	}
	if req.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}
	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}

	if _, err := s.store.GetEscrowByOrder(ctx, req.OrderRef); err == nil {
		return nil, ErrHoldExists
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	shares, err := s.cfg.Policy.Split(req.TotalAmount, req.DriverID != "")
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	now := s.now()
	e := &ledger.Escrow{
		ID:               idgen.WithPrefix(idgen.PrefixEscrow),
		OrderRef:         req.OrderRef,
		BuyerID:          req.BuyerID,
		SellerID:         req.SellerID,
		DriverID:         req.DriverID,
		TotalAmount:      req.TotalAmount,
		SellerAmount:     shares.SellerAmount,
		DriverAmount:     shares.DriverAmount,
		PlatformFee:      shares.PlatformFee,
		Currency:         currency,
		Status:           ledger.EscrowHeld,
		ConfirmationCode: idgen.Code(confirmationCodeLen),
		TimeoutDate:      now.Add(s.cfg.Timeout),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.store.CreateEscrow(ctx, e); err != nil {
		// Lost a race with a concurrent hold for the same order.
		if errors.Is(err, ledger.ErrAlreadyExists) {
			return nil, ErrHoldExists
		}
		return nil, fmt.Errorf("failed to create escrow: %w", err)
	}

	metrics.EscrowHoldsTotal.Inc()
	s.logger.Info("escrow held",
		"escrowId", e.ID,
		"orderRef", e.OrderRef,
		"total", e.TotalAmount,
		"currency", e.Currency,
	)
	s.notifyHoldCreated(ctx, e)

	return e, nil
}

// ConfirmAndRelease releases a held escrow on the buyer's confirmation.
// Confirming an escrow that is already completed returns the original
// amounts with AlreadyReleased set and moves no money.
func (s *Service) ConfirmAndRelease(ctx context.Context, req ConfirmRequest) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.confirm_and_release",
		traces.EscrowID(req.EscrowID), traces.UserID(req.CallerID))
	res, err := s.confirmAndRelease(ctx, req)
	traces.End(span, err)
	return res, err
}

func (s *Service) confirmAndRelease(ctx context.Context, req ConfirmRequest) (*ReleaseResult, error) {
	if req.EscrowID == "" {
		return nil, fmt.Errorf("%w: transactionId is required", ErrInvalidRequest)
	}

	e, err := s.Get(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	if req.CallerID != e.BuyerID {
		return nil, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(req.ConfirmationCode), []byte(e.ConfirmationCode)) != 1 {
		return nil, ErrInvalidCode
	}
	if !req.ClientConfirmed {
		return nil, ErrNotConfirmed
	}

	switch e.Status {
	case ledger.EscrowCompleted:
		return resultFrom(e, false), nil
	case ledger.EscrowHeld:
	default:
		return nil, ErrNotHeld
	}

	return s.release(ctx, e, ledger.ReleaseParams{
		ConfirmedBy: req.CallerID,
		Comments:    req.Comments,
	})
}

// AutoRelease releases an escrow whose timeout has passed. It performs no
// authorization; callers must be the sweeper or an administrator.
func (s *Service) AutoRelease(ctx context.Context, id string) (*ReleaseResult, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.auto_release", traces.EscrowID(id))
	res, err := s.autoRelease(ctx, id)
	traces.End(span, err)
	return res, err
}

func (s *Service) autoRelease(ctx context.Context, id string) (*ReleaseResult, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch e.Status {
	case ledger.EscrowCompleted:
		return resultFrom(e, false), nil
	case ledger.EscrowHeld:
	default:
		return nil, ErrNotHeld
	}
	if !e.Expired(s.now()) {
		return nil, ErrNotExpired
	}

	return s.release(ctx, e, ledger.ReleaseParams{
		ConfirmedBy:  ledger.SystemActor,
		Comments:     "auto-released after timeout",
		AutoReleased: true,
	})
}

func (s *Service) release(ctx context.Context, e *ledger.Escrow, p ledger.ReleaseParams) (*ReleaseResult, error) {
	p.PlatformUserID = s.cfg.PlatformUserID
	p.At = s.now()

	out, err := s.store.ReleaseEscrow(ctx, e.ID, p)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to release escrow %s: %w", e.ID, err)
	}

	if !out.Applied {
		s.logger.Info("escrow already released",
			"escrowId", e.ID,
			"confirmedBy", out.Escrow.ConfirmedBy,
			"attemptedBy", p.ConfirmedBy,
		)
		return resultFrom(out.Escrow, false), nil
	}

	released := out.Escrow
	metrics.ObserveRelease(p.AutoReleased, p.At.Sub(released.CreatedAt))
	s.logger.Info("escrow released",
		"escrowId", released.ID,
		"orderRef", released.OrderRef,
		"seller", released.SellerAmount,
		"driver", released.DriverAmount,
		"platform", released.PlatformFee,
		"autoReleased", p.AutoReleased,
	)
	s.notifyReleased(ctx, released)

	return resultFrom(released, true), nil
}

// GetStatus returns the escrow held for an order.
func (s *Service) GetStatus(ctx context.Context, orderRef string) (*ledger.Escrow, error) {
	e, err := s.store.GetEscrowByOrder(ctx, orderRef)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// Get returns an escrow by ID.
func (s *Service) Get(ctx context.Context, id string) (*ledger.Escrow, error) {
	e, err := s.store.GetEscrow(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrEscrowNotFound
	}
	return e, err
}

// IsParty reports whether userID is the buyer, seller or driver of e.
func IsParty(e *ledger.Escrow, userID string) bool {
	return userID != "" && (userID == e.BuyerID || userID == e.SellerID || userID == e.DriverID)
}

// ForCaller returns a copy of e safe to show to userID: only the buyer sees
// the confirmation code.
func ForCaller(e *ledger.Escrow, userID string) *ledger.Escrow {
	cp := *e
	if userID != e.BuyerID {
		cp.ConfirmationCode = ""
	}
	return &cp
}

func resultFrom(e *ledger.Escrow, applied bool) *ReleaseResult {
	return &ReleaseResult{
		EscrowID: e.ID,
		OrderRef: e.OrderRef,
		Status:   e.Status,
		Released: split.Shares{
			SellerAmount: e.SellerAmount,
			DriverAmount: e.DriverAmount,
			PlatformFee:  e.PlatformFee,
		},
		Currency:        e.Currency,
		AutoReleased:    e.AutoReleased,
		ConfirmedBy:     e.ConfirmedBy,
		AlreadyReleased: !applied,
		CompletedAt:     e.CompletedAt,
	}
}
