package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/settlevault/internal/idgen"
)

// MemoryStore is an in-memory ledger store for development mode and tests.
// A single mutex makes every method one atomic unit.
type MemoryStore struct {
	mu          sync.Mutex
	escrows     map[string]*Escrow
	byOrder     map[string]string // order_ref -> escrow id
	wallets     map[string]*Wallet
	walletByKey map[string]string // user|currency -> wallet id
	entries     map[string][]*Entry
	withdrawals map[string]*Withdrawal
	seq         int64
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows:     make(map[string]*Escrow),
		byOrder:     make(map[string]string),
		wallets:     make(map[string]*Wallet),
		walletByKey: make(map[string]string),
		entries:     make(map[string][]*Entry),
		withdrawals: make(map[string]*Withdrawal),
	}
}

func walletKey(userID, currency string) string {
	return userID + "|" + currency
}

func copyEscrow(e *Escrow) *Escrow {
	cp := *e
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func copyWithdrawal(w *Withdrawal) *Withdrawal {
	cp := *w
	if w.PayoutDetails != nil {
		cp.PayoutDetails = make(map[string]string, len(w.PayoutDetails))
		for k, v := range w.PayoutDetails {
			cp.PayoutDetails[k] = v
		}
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func (m *MemoryStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byOrder[e.OrderRef]; ok {
		return ErrAlreadyExists
	}
	if _, ok := m.escrows[e.ID]; ok {
		return ErrAlreadyExists
	}
	m.escrows[e.ID] = copyEscrow(e)
	m.byOrder[e.OrderRef] = e.ID
	return nil
}

func (m *MemoryStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(e), nil
}

func (m *MemoryStore) GetEscrowByOrder(ctx context.Context, orderRef string) (*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byOrder[orderRef]
	if !ok {
		return nil, ErrNotFound
	}
	return copyEscrow(m.escrows[id]), nil
}

func (m *MemoryStore) ListExpiredHeld(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.Status == EscrowHeld && !e.TimeoutDate.After(before) {
			result = append(result, copyEscrow(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].ReleaseAttempts != result[j].ReleaseAttempts {
			return result[i].ReleaseAttempts < result[j].ReleaseAttempts
		}
		return result[i].TimeoutDate.Before(result[j].TimeoutDate)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, id string, p ReleaseParams) (*ReleaseOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if e.Status != EscrowHeld {
		return &ReleaseOutcome{Escrow: copyEscrow(e), Applied: false}, nil
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}

	var entries []*Entry
	credit := func(userID string, amount int64, typ EntryType) {
		if amount == 0 || userID == "" {
			return
		}
		entries = append(entries, m.applyLocked(userID, e.Currency, amount, typ, e.ID, "", "", at))
	}
	credit(e.SellerID, e.SellerAmount, EntryEscrowRelease)
	credit(e.DriverID, e.DriverAmount, EntryDeliveryEarning)
	credit(p.PlatformUserID, e.PlatformFee, EntryPlatformFee)

	e.Status = EscrowCompleted
	e.CompletedAt = &at
	e.AutoReleased = p.AutoReleased
	e.ConfirmedBy = p.ConfirmedBy
	e.Comments = p.Comments
	e.UpdatedAt = at

	return &ReleaseOutcome{Escrow: copyEscrow(e), Applied: true, Entries: entries}, nil
}

func (m *MemoryStore) RecordReleaseFailure(ctx context.Context, id, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.escrows[id]
	if !ok {
		return ErrNotFound
	}
	if e.Status != EscrowHeld {
		return nil
	}
	e.ReleaseAttempts++
	e.LastReleaseError = reason
	e.UpdatedAt = at
	return nil
}

// applyLocked changes a wallet balance and appends the matching entry.
// Callers hold m.mu and have already checked that a debit is covered.
func (m *MemoryStore) applyLocked(userID, currency string, amount int64, typ EntryType, escrowID, withdrawalID, description string, at time.Time) *Entry {
	key := walletKey(userID, currency)
	w, ok := m.wallets[m.walletByKey[key]]
	if !ok {
		w = &Wallet{
			ID:        idgen.WithPrefix(idgen.PrefixWallet),
			UserID:    userID,
			Currency:  currency,
			CreatedAt: at,
		}
		m.wallets[w.ID] = w
		m.walletByKey[key] = w.ID
	}

	before := w.Balance
	w.Balance += amount
	w.UpdatedAt = at

	m.seq++
	entry := &Entry{
		Seq:           m.seq,
		ID:            idgen.WithPrefix(idgen.PrefixEntry),
		WalletID:      w.ID,
		UserID:        userID,
		Currency:      currency,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  w.Balance,
		EscrowID:      escrowID,
		WithdrawalID:  withdrawalID,
		Description:   description,
		CreatedAt:     at,
	}
	m.entries[w.ID] = append(m.entries[w.ID], entry)
	cp := *entry
	return &cp
}

func (m *MemoryStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[m.walletByKey[walletKey(userID, currency)]]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.wallets))
	for id := range m.wallets {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	result := make([]*Wallet, 0, len(ids))
	for _, id := range ids {
		cp := *m.wallets[id]
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListEntries(ctx context.Context, walletID string, afterSeq int64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Entry
	for _, e := range m.entries[walletID] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		result = append(result, &cp)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (m *MemoryStore) Adjust(ctx context.Context, userID, currency string, amount int64, description string) (*Entry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if amount < 0 {
		w, ok := m.wallets[m.walletByKey[walletKey(userID, currency)]]
		if !ok {
			return nil, ErrWalletNotFound
		}
		if w.Balance < -amount {
			return nil, ErrInsufficientFunds
		}
	}
	return m.applyLocked(userID, currency, amount, EntryAdjustment, "", "", description, time.Now()), nil
}

func (m *MemoryStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) (*Entry, error) {
	if w.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.withdrawals[w.ID]; ok {
		return nil, ErrAlreadyExists
	}
	wallet, ok := m.wallets[m.walletByKey[walletKey(w.UserID, w.Currency)]]
	if !ok {
		return nil, ErrWalletNotFound
	}
	if wallet.Balance < w.Amount {
		return nil, ErrInsufficientFunds
	}

	entry := m.applyLocked(w.UserID, w.Currency, -w.Amount, EntryWithdrawalPending, "", w.ID, w.Method, w.CreatedAt)
	m.withdrawals[w.ID] = copyWithdrawal(w)
	return entry, nil
}

func (m *MemoryStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyWithdrawal(w), nil
}

func (m *MemoryStore) SettleWithdrawal(ctx context.Context, id string, p SettleParams) (*SettleOutcome, error) {
	if p.Status != WithdrawalCompleted && p.Status != WithdrawalFailed {
		return nil, ErrInvalidState
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.withdrawals[id]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Status != WithdrawalPending {
		return &SettleOutcome{Withdrawal: copyWithdrawal(w), Applied: false}, nil
	}

	at := p.At
	if at.IsZero() {
		at = time.Now()
	}

	out := &SettleOutcome{Applied: true}
	switch {
	case p.Status == WithdrawalFailed:
		out.Reversal = m.applyLocked(w.UserID, w.Currency, w.Amount, EntryWithdrawalReversal, "", w.ID, p.FailureReason, at)
	case w.Fee > 0 && p.PlatformUserID != "":
		out.FeeEntry = m.applyLocked(p.PlatformUserID, w.Currency, w.Fee, EntryWithdrawalFee, "", w.ID, w.Method, at)
	}

	w.Status = p.Status
	w.ProviderRef = p.ProviderRef
	w.FailureReason = p.FailureReason
	w.UpdatedAt = at
	w.CompletedAt = &at

	out.Withdrawal = copyWithdrawal(w)
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
