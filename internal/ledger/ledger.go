// Package ledger is the durable record of wallets, ledger entries, escrow
// transactions and withdrawal requests.
//
// Every mutation that moves money is a single all-or-nothing unit inside the
// store:
//  1. ReleaseEscrow: compare-and-swap held -> completed, then credit seller,
//     driver and platform wallets, one entry per credit
//  2. CreateWithdrawal: debit guarded by balance >= amount, entry, pending request
//  3. SettleWithdrawal: compare-and-swap pending -> completed|failed, with a
//     fee credit to the platform wallet when the payout completed and a
//     reversal credit when it failed
//
// Entries are append-only. For every wallet the entries chain
// (balance_after == balance_before + amount) and their amounts add up to the
// current balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrInvalidState      = errors.New("invalid state for this operation")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("invalid amount")
	// ErrUnavailable marks transient storage failures. Callers may retry.
	ErrUnavailable = errors.New("ledger unavailable")

	ErrWalletNotFound = fmt.Errorf("wallet %w", ErrNotFound)
)

// EscrowStatus is the state of an escrow transaction.
type EscrowStatus string

const (
	EscrowHeld      EscrowStatus = "held"
	EscrowCompleted EscrowStatus = "completed"
)

// SystemActor is recorded as confirmed_by for releases the service performs itself.
const SystemActor = "system"

// Escrow is a buyer's payment held in trust for one order.
type Escrow struct {
	ID               string       `json:"id"`
	OrderRef         string       `json:"orderRef"`
	BuyerID          string       `json:"buyerId"`
	SellerID         string       `json:"sellerId"`
	DriverID         string       `json:"driverId,omitempty"`
	TotalAmount      int64        `json:"totalAmount"`
	SellerAmount     int64        `json:"sellerAmount"`
	DriverAmount     int64        `json:"driverAmount"`
	PlatformFee      int64        `json:"platformFee"`
	Currency         string       `json:"currency"`
	Status           EscrowStatus `json:"status"`
	ConfirmationCode string       `json:"confirmationCode,omitempty"`
	TimeoutDate      time.Time    `json:"timeoutDate"`
	CompletedAt      *time.Time   `json:"completedAt,omitempty"`
	AutoReleased     bool         `json:"autoReleased"`
	ConfirmedBy      string       `json:"confirmedBy,omitempty"`
	Comments         string       `json:"comments,omitempty"`
	ReleaseAttempts  int          `json:"releaseAttempts"`
	LastReleaseError string       `json:"lastReleaseError,omitempty"`
	CreatedAt        time.Time    `json:"createdAt"`
	UpdatedAt        time.Time    `json:"updatedAt"`
}

// HasDriver reports whether a delivery agent takes part in the order.
func (e *Escrow) HasDriver() bool {
	return e.DriverID != ""
}

// Expired reports whether the escrow's grace window has passed at now.
func (e *Escrow) Expired(now time.Time) bool {
	return !e.TimeoutDate.After(now)
}

// Wallet is a user's balance in one currency.
type Wallet struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Currency  string    `json:"currency"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EntryType classifies a ledger entry.
type EntryType string

const (
	EntryEscrowRelease      EntryType = "escrow_release"
	EntryDeliveryEarning    EntryType = "delivery_earning"
	EntryPlatformFee        EntryType = "platform_fee"
	EntryWithdrawalPending  EntryType = "withdrawal_pending"
	EntryWithdrawalReversal EntryType = "withdrawal_reversal"
	EntryWithdrawalFee      EntryType = "withdrawal_fee"
	EntryAdjustment         EntryType = "adjustment"
)

// Entry is one signed balance change. Entries are never updated.
type Entry struct {
	Seq           int64     `json:"seq"`
	ID            string    `json:"id"`
	WalletID      string    `json:"walletId"`
	UserID        string    `json:"userId"`
	Currency      string    `json:"currency"`
	Type          EntryType `json:"type"`
	Amount        int64     `json:"amount"`
	BalanceBefore int64     `json:"balanceBefore"`
	BalanceAfter  int64     `json:"balanceAfter"`
	EscrowID      string    `json:"escrowId,omitempty"`
	WithdrawalID  string    `json:"withdrawalId,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// WithdrawalStatus is the state of a payout request.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "pending"
	WithdrawalCompleted WithdrawalStatus = "completed"
	WithdrawalFailed    WithdrawalStatus = "failed"
)

// Withdrawal is one payout attempt out of a wallet.
type Withdrawal struct {
	ID            string            `json:"id"`
	UserID        string            `json:"userId"`
	Currency      string            `json:"currency"`
	Amount        int64             `json:"amount"`
	Fee           int64             `json:"fee"`
	NetAmount     int64             `json:"netAmount"`
	Method        string            `json:"method"`
	PayoutDetails map[string]string `json:"payoutDetails,omitempty"`
	Status        WithdrawalStatus  `json:"status"`
	ProviderRef   string            `json:"providerRef,omitempty"`
	FailureReason string            `json:"failureReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
	CompletedAt   *time.Time        `json:"completedAt,omitempty"`
}

// ReleaseParams describes who released an escrow and how.
type ReleaseParams struct {
	ConfirmedBy    string
	Comments       string
	AutoReleased   bool
	PlatformUserID string
	At             time.Time
}

// ReleaseOutcome is the result of ReleaseEscrow. Applied is false when the
// escrow was no longer held; Escrow then reflects the earlier release and no
// wallet was touched.
type ReleaseOutcome struct {
	Escrow  *Escrow  `json:"escrow"`
	Applied bool     `json:"applied"`
	Entries []*Entry `json:"entries,omitempty"`
}

// SettleParams carries the external payout confirmation.
type SettleParams struct {
	Status         WithdrawalStatus
	ProviderRef    string
	FailureReason  string
	// PlatformUserID receives the withdrawal fee once the payout completes.
	// Empty leaves the fee uncredited.
	PlatformUserID string
	At             time.Time
}

// SettleOutcome is the result of SettleWithdrawal. Applied is false when the
// request had already left pending.
type SettleOutcome struct {
	Withdrawal *Withdrawal `json:"withdrawal"`
	Applied    bool        `json:"applied"`
	Reversal   *Entry      `json:"reversal,omitempty"`
	FeeEntry   *Entry      `json:"feeEntry,omitempty"`
}

// Store persists ledger state. Implementations must apply each method as one
// atomic unit.
type Store interface {
	CreateEscrow(ctx context.Context, e *Escrow) error
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
	GetEscrowByOrder(ctx context.Context, orderRef string) (*Escrow, error)
	// ListExpiredHeld returns held escrows due at before. A limit of 0 means all.
	ListExpiredHeld(ctx context.Context, before time.Time, limit int) ([]*Escrow, error)
	ReleaseEscrow(ctx context.Context, id string, p ReleaseParams) (*ReleaseOutcome, error)
	RecordReleaseFailure(ctx context.Context, id, reason string, at time.Time) error

	GetWallet(ctx context.Context, userID, currency string) (*Wallet, error)
	ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error)
	ListEntries(ctx context.Context, walletID string, afterSeq int64, limit int) ([]*Entry, error)
	Adjust(ctx context.Context, userID, currency string, amount int64, description string) (*Entry, error)

	CreateWithdrawal(ctx context.Context, w *Withdrawal) (*Entry, error)
	GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error)
	SettleWithdrawal(ctx context.Context, id string, p SettleParams) (*SettleOutcome, error)

	Ping(ctx context.Context) error
}

// IsRetryable reports whether err is a transient ledger failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
