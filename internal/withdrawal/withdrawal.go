// Package withdrawal moves money out of a wallet toward an external payout.
//
// The wallet is debited when the request is created, in the same store
// operation that records the pending request. A payout provider later reports
// the outcome through ConfirmPayout; a failed payout credits the amount back
// and a completed one credits the fee to the platform wallet.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/settlevault/internal/idgen"
	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/metrics"
	"github.com/mbd888/settlevault/internal/notify"
	"github.com/mbd888/settlevault/internal/traces"
)

var (
	ErrInvalidRequest   = errors.New("invalid request")
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	ErrBelowMinimum     = fmt.Errorf("%w: amount is below the minimum withdrawal", ErrInvalidRequest)
	ErrFeeExceedsAmount = fmt.Errorf("%w: fee would consume the whole amount", ErrInvalidRequest)
	ErrMissingDetails   = fmt.Errorf("%w: payout details are required", ErrInvalidRequest)
	ErrNotFound         = fmt.Errorf("withdrawal %w", ledger.ErrNotFound)
	ErrOutcomeConflict  = fmt.Errorf("%w: withdrawal already settled with a different outcome", ledger.ErrInvalidState)
)

const DefaultMinWithdrawal int64 = 1000

// DefaultPlatformUserID collects withdrawal fees unless WithPlatformUser says otherwise.
const DefaultPlatformUserID = "platform"

// Request is a user's withdrawal request.
type Request struct {
	UserID        string            `json:"userId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency,omitempty"`
	Method        string            `json:"method"`
	PayoutDetails map[string]string `json:"payoutDetails"`
}

// PayoutResult is the external payout confirmation.
type PayoutResult struct {
	WithdrawalID  string                  `json:"withdrawalId"`
	Status        ledger.WithdrawalStatus `json:"status"`
	ProviderRef   string                  `json:"providerRef,omitempty"`
	FailureReason string                  `json:"failureReason,omitempty"`
}

// Processor validates and records withdrawals.
type Processor struct {
	store    ledger.Store
	fees     FeeSchedule
	min      int64
	currency string
	platform string
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewProcessor creates a withdrawal processor. A nil fee schedule uses
// DefaultFeeSchedule.
func NewProcessor(store ledger.Store, fees FeeSchedule, minAmount int64, defaultCurrency string) *Processor {
	if fees == nil {
		fees, _ = ParseFeeSchedule(DefaultFeeSchedule)
	}
	if minAmount <= 0 {
		minAmount = DefaultMinWithdrawal
	}
	return &Processor{
		store:    store,
		fees:     fees,
		min:      minAmount,
		currency: defaultCurrency,
		platform: DefaultPlatformUserID,
		notifier: notify.Nop{},
		logger:   slog.Default(),
		now:      time.Now,
	}
}

func (p *Processor) WithNotifier(n notify.Notifier) *Processor {
	p.notifier = n
	return p
}

func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	p.logger = l
	return p
}

// WithPlatformUser sets the wallet that collects withdrawal fees.
func (p *Processor) WithPlatformUser(userID string) *Processor {
	if userID != "" {
		p.platform = userID
	}
	return p
}

func (p *Processor) WithClock(now func() time.Time) *Processor {
	p.now = now
	return p
}

// Fees returns the processor's fee schedule.
func (p *Processor) Fees() FeeSchedule {
	return p.fees
}

// RequestWithdrawal debits the wallet and creates a pending withdrawal.
// Fails with ledger.ErrInsufficientFunds when the balance does not cover the
// amount; the balance is then unchanged.
func (p *Processor) RequestWithdrawal(ctx context.Context, req Request) (*ledger.Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.request",
		traces.UserID(req.UserID), traces.Amount(req.Amount))
	w, err := p.requestWithdrawal(ctx, req)
	traces.End(span, err)
	return w, err
}

func (p *Processor) requestWithdrawal(ctx context.Context, req Request) (*ledger.Withdrawal, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%w: userId is required", ErrInvalidRequest)
	}
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.Amount < p.min {
		return nil, fmt.Errorf("%w (%d)", ErrBelowMinimum, p.min)
	}
	if len(req.PayoutDetails) == 0 {
		return nil, ErrMissingDetails
	}
	fee, err := p.fees.Fee(req.Method, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if fee >= req.Amount {
		return nil, ErrFeeExceedsAmount
	}
	currency := req.Currency
	if currency == "" {
		currency = p.currency
	}

	now := p.now()
	w := &ledger.Withdrawal{
		ID:            idgen.WithPrefix(idgen.PrefixWithdrawal),
		UserID:        req.UserID,
		Currency:      currency,
		Amount:        req.Amount,
		Fee:           fee,
		NetAmount:     req.Amount - fee,
		Method:        req.Method,
		PayoutDetails: req.PayoutDetails,
		Status:        ledger.WithdrawalPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	entry, err := p.store.CreateWithdrawal(ctx, w)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			metrics.WithdrawalsTotal.WithLabelValues("rejected").Inc()
		}
		return nil, err
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(ledger.WithdrawalPending)).Inc()
	p.logger.Info("withdrawal requested",
		"withdrawalId", w.ID,
		"userId", w.UserID,
		"amount", w.Amount,
		"fee", w.Fee,
		"method", w.Method,
	)

	data := map[string]interface{}{
		"withdrawalId": w.ID,
		"amount":       w.Amount,
		"fee":          w.Fee,
		"netAmount":    w.NetAmount,
		"currency":     w.Currency,
		"method":       w.Method,
		"balance":      entry.BalanceAfter,
	}
	p.notifier.Notify(ctx, notify.New(w.UserID, notify.TypeBalanceChanged,
		"Wallet debited",
		fmt.Sprintf("%d %s was reserved for your withdrawal. New balance: %d %s.",
			w.Amount, w.Currency, entry.BalanceAfter, w.Currency),
		data,
	))
	p.notifier.Notify(ctx, notify.New(w.UserID, notify.TypeWithdrawalRequested,
		"Withdrawal requested",
		fmt.Sprintf("Your withdrawal of %d %s via %s is being processed. You will receive %d %s.",
			w.Amount, w.Currency, w.Method, w.NetAmount, w.Currency),
		data,
	))

	return w, nil
}

// ConfirmPayout records the payout provider's outcome. Repeating the same
// outcome returns the stored request; a different outcome for an already
// settled request fails with ErrOutcomeConflict.
func (p *Processor) ConfirmPayout(ctx context.Context, res PayoutResult) (*ledger.Withdrawal, error) {
	ctx, span := traces.StartSpan(ctx, "withdrawal.confirm_payout", traces.WithdrawalID(res.WithdrawalID))
	w, err := p.confirmPayout(ctx, res)
	traces.End(span, err)
	return w, err
}

func (p *Processor) confirmPayout(ctx context.Context, res PayoutResult) (*ledger.Withdrawal, error) {
	if res.WithdrawalID == "" {
		return nil, fmt.Errorf("%w: withdrawalId is required", ErrInvalidRequest)
	}
	if res.Status != ledger.WithdrawalCompleted && res.Status != ledger.WithdrawalFailed {
		return nil, fmt.Errorf("%w: status must be completed or failed", ErrInvalidRequest)
	}

	out, err := p.store.SettleWithdrawal(ctx, res.WithdrawalID, ledger.SettleParams{
		Status:         res.Status,
		ProviderRef:    res.ProviderRef,
		FailureReason:  res.FailureReason,
		PlatformUserID: p.platform,
		At:             p.now(),
	})
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	w := out.Withdrawal
	if !out.Applied {
		if w.Status != res.Status {
			return nil, ErrOutcomeConflict
		}
		return w, nil
	}

	metrics.WithdrawalsTotal.WithLabelValues(string(w.Status)).Inc()
	p.logger.Info("withdrawal settled",
		"withdrawalId", w.ID,
		"status", w.Status,
		"providerRef", w.ProviderRef,
	)

	data := map[string]interface{}{
		"withdrawalId": w.ID,
		"amount":       w.Amount,
		"netAmount":    w.NetAmount,
		"currency":     w.Currency,
		"status":       w.Status,
	}
	if w.Status == ledger.WithdrawalCompleted {
		p.notifier.Notify(ctx, notify.New(w.UserID, notify.TypeWithdrawalCompleted,
			"Withdrawal sent",
			fmt.Sprintf("%d %s was sent via %s.", w.NetAmount, w.Currency, w.Method),
			data,
		))
		return w, nil
	}

	if out.Reversal != nil {
		data["balance"] = out.Reversal.BalanceAfter
	}
	p.notifier.Notify(ctx, notify.New(w.UserID, notify.TypeWithdrawalFailed,
		"Withdrawal failed",
		fmt.Sprintf("Your withdrawal of %d %s could not be completed and was returned to your wallet.", w.Amount, w.Currency),
		data,
	))
	p.notifier.Notify(ctx, notify.New(w.UserID, notify.TypeBalanceChanged,
		"Wallet credited",
		fmt.Sprintf("%d %s was returned to your wallet.", w.Amount, w.Currency),
		data,
	))
	return w, nil
}

// Get returns a withdrawal by ID.
func (p *Processor) Get(ctx context.Context, id string) (*ledger.Withdrawal, error) {
	w, err := p.store.GetWithdrawal(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, ErrNotFound
	}
	return w, err
}
