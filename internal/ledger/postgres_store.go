package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/settlevault/internal/idgen"
)

// PostgresStore implements Store with PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const escrowColumns = `id, order_ref, buyer_id, seller_id, driver_id,
	total_amount, seller_amount, driver_amount, platform_fee, currency,
	status, confirmation_code, timeout_date, completed_at, auto_released,
	confirmed_by, comments, release_attempts, last_release_error,
	created_at, updated_at`

const walletColumns = `id, user_id, currency, balance, created_at, updated_at`

const entryColumns = `seq, id, wallet_id, user_id, currency, type, amount,
	balance_before, balance_after, escrow_id, withdrawal_id, description, created_at`

const withdrawalColumns = `id, user_id, currency, amount, fee, net_amount, method,
	payout_details, status, provider_ref, failure_reason,
	created_at, updated_at, completed_at`

func (p *PostgresStore) CreateEscrow(ctx context.Context, e *Escrow) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, order_ref, buyer_id, seller_id, driver_id,
			total_amount, seller_amount, driver_amount, platform_fee, currency,
			status, confirmation_code, timeout_date, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.OrderRef, e.BuyerID, e.SellerID, nullString(e.DriverID),
		e.TotalAmount, e.SellerAmount, e.DriverAmount, e.PlatformFee, e.Currency,
		string(e.Status), e.ConfirmationCode, e.TimeoutDate, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create escrow: %w", classify(err))
	}
	return nil
}

func (p *PostgresStore) GetEscrow(ctx context.Context, id string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE id = $1`, id)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return e, nil
}

func (p *PostgresStore) GetEscrowByOrder(ctx context.Context, orderRef string) (*Escrow, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+escrowColumns+` FROM escrow_transactions WHERE order_ref = $1`, orderRef)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return e, nil
}

func (p *PostgresStore) ListExpiredHeld(ctx context.Context, before time.Time, limit int) ([]*Escrow, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+escrowColumns+`
		FROM escrow_transactions
		WHERE status = 'held' AND timeout_date <= $1
		ORDER BY release_attempts ASC, timeout_date ASC
		LIMIT NULLIF($2, 0)`, before, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, e)
	}
	return result, classify(rows.Err())
}

// ReleaseEscrow flips held -> completed and credits every party in one
// transaction. Under READ COMMITTED the UPDATE re-evaluates its WHERE clause
// after acquiring the row lock, so exactly one concurrent caller wins.
func (p *PostgresStore) ReleaseEscrow(ctx context.Context, id string, rp ReleaseParams) (*ReleaseOutcome, error) {
	at := rp.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE escrow_transactions SET
			status        = 'completed',
			completed_at  = $2,
			auto_released = $3,
			confirmed_by  = $4,
			comments      = $5,
			updated_at    = $2
		WHERE id = $1 AND status = 'held'
		RETURNING `+escrowColumns,
		id, at, rp.AutoReleased, nullString(rp.ConfirmedBy), nullString(rp.Comments),
	)
	e, err := scanEscrow(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		current, err := p.GetEscrow(ctx, id)
		if err != nil {
			return nil, err
		}
		return &ReleaseOutcome{Escrow: current, Applied: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to complete escrow: %w", classify(err))
	}

	credits := []struct {
		userID string
		amount int64
		typ    EntryType
	}{
		{e.SellerID, e.SellerAmount, EntryEscrowRelease},
		{e.DriverID, e.DriverAmount, EntryDeliveryEarning},
		{rp.PlatformUserID, e.PlatformFee, EntryPlatformFee},
	}

	var entries []*Entry
	for _, c := range credits {
		if c.amount == 0 || c.userID == "" {
			continue
		}
		entry, err := credit(ctx, tx, c.userID, e.Currency, c.amount, c.typ, e.ID, "", "", at)
		if err != nil {
			return nil, fmt.Errorf("failed to credit %s: %w", c.typ, err)
		}
		entries = append(entries, entry)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return &ReleaseOutcome{Escrow: e, Applied: true, Entries: entries}, nil
}

func (p *PostgresStore) RecordReleaseFailure(ctx context.Context, id, reason string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			release_attempts   = release_attempts + 1,
			last_release_error = $2,
			updated_at         = $3
		WHERE id = $1 AND status = 'held'`, id, reason, at)
	if err != nil {
		return classify(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return classify(err)
	}
	if n == 0 {
		var exists bool
		err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM escrow_transactions WHERE id = $1)`, id).Scan(&exists)
		if err != nil {
			return classify(err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2`, userID, currency)
	w, err := scanWallet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

func (p *PostgresStore) ListWallets(ctx context.Context, afterID string, limit int) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE id > $1 ORDER BY id LIMIT NULLIF($2, 0)`, afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, w)
	}
	return result, classify(rows.Err())
}

func (p *PostgresStore) ListEntries(ctx context.Context, walletID string, afterSeq int64, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM wallet_transaction_entries
		WHERE wallet_id = $1 AND seq > $2
		ORDER BY seq LIMIT NULLIF($3, 0)`, walletID, afterSeq, limit)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, classify(err)
		}
		result = append(result, e)
	}
	return result, classify(rows.Err())
}

func (p *PostgresStore) Adjust(ctx context.Context, userID, currency string, amount int64, description string) (*Entry, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	at := time.Now()
	var entry *Entry
	if amount > 0 {
		entry, err = credit(ctx, tx, userID, currency, amount, EntryAdjustment, "", "", description, at)
	} else {
		entry, err = debit(ctx, tx, userID, currency, -amount, EntryAdjustment, "", description, at)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

// CreateWithdrawal debits the wallet, records the pending entry and inserts
// the request in one transaction. The debit is a single guarded UPDATE so two
// concurrent withdrawals can never both pass a stale balance check.
func (p *PostgresStore) CreateWithdrawal(ctx context.Context, w *Withdrawal) (*Entry, error) {
	if w.Amount <= 0 {
		return nil, ErrInvalidAmount
	}

	details, err := json.Marshal(w.PayoutDetails)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payout details: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests (
			id, user_id, currency, amount, fee, net_amount, method,
			payout_details, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		w.ID, w.UserID, w.Currency, w.Amount, w.Fee, w.NetAmount, w.Method,
		details, string(w.Status), w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create withdrawal: %w", classify(err))
	}

	entry, err := debit(ctx, tx, w.UserID, w.Currency, w.Amount, EntryWithdrawalPending, w.ID, w.Method, w.CreatedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return entry, nil
}

func (p *PostgresStore) GetWithdrawal(ctx context.Context, id string) (*Withdrawal, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+withdrawalColumns+` FROM withdrawal_requests WHERE id = $1`, id)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, classify(err)
	}
	return w, nil
}

func (p *PostgresStore) SettleWithdrawal(ctx context.Context, id string, sp SettleParams) (*SettleOutcome, error) {
	if sp.Status != WithdrawalCompleted && sp.Status != WithdrawalFailed {
		return nil, ErrInvalidState
	}
	at := sp.At
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE withdrawal_requests SET
			status         = $2,
			provider_ref   = $3,
			failure_reason = $4,
			updated_at     = $5,
			completed_at   = $5
		WHERE id = $1 AND status = 'pending'
		RETURNING `+withdrawalColumns,
		id, string(sp.Status), nullString(sp.ProviderRef), nullString(sp.FailureReason), at,
	)
	w, err := scanWithdrawal(row)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		current, err := p.GetWithdrawal(ctx, id)
		if err != nil {
			return nil, err
		}
		return &SettleOutcome{Withdrawal: current, Applied: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to settle withdrawal: %w", classify(err))
	}

	out := &SettleOutcome{Withdrawal: w, Applied: true}
	switch {
	case sp.Status == WithdrawalFailed:
		out.Reversal, err = credit(ctx, tx, w.UserID, w.Currency, w.Amount, EntryWithdrawalReversal, "", w.ID, sp.FailureReason, at)
		if err != nil {
			return nil, fmt.Errorf("failed to reverse withdrawal: %w", err)
		}
	case w.Fee > 0 && sp.PlatformUserID != "":
		out.FeeEntry, err = credit(ctx, tx, sp.PlatformUserID, w.Currency, w.Fee, EntryWithdrawalFee, "", w.ID, w.Method, at)
		if err != nil {
			return nil, fmt.Errorf("failed to credit withdrawal fee: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return classify(p.db.PingContext(ctx))
}

// credit upserts the (user, currency) wallet, adds amount and appends the entry.
func credit(ctx context.Context, tx *sql.Tx, userID, currency string, amount int64, typ EntryType, escrowID, withdrawalID, description string, at time.Time) (*Entry, error) {
	var walletID string
	var after int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, user_id, currency, balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, currency) DO UPDATE SET
			balance    = wallets.balance + EXCLUDED.balance,
			updated_at = EXCLUDED.updated_at
		RETURNING id, balance`,
		idgen.WithPrefix(idgen.PrefixWallet), userID, currency, amount, at,
	).Scan(&walletID, &after)
	if err != nil {
		return nil, classify(err)
	}

	entry := &Entry{
		ID:            idgen.WithPrefix(idgen.PrefixEntry),
		WalletID:      walletID,
		UserID:        userID,
		Currency:      currency,
		Type:          typ,
		Amount:        amount,
		BalanceBefore: after - amount,
		BalanceAfter:  after,
		EscrowID:      escrowID,
		WithdrawalID:  withdrawalID,
		Description:   description,
		CreatedAt:     at,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// debit subtracts amount only when the balance covers it. Zero affected rows
// means the wallet is missing or short; the two are told apart afterwards.
func debit(ctx context.Context, tx *sql.Tx, userID, currency string, amount int64, typ EntryType, withdrawalID, description string, at time.Time) (*Entry, error) {
	var walletID string
	var after int64
	err := tx.QueryRowContext(ctx, `
		UPDATE wallets SET
			balance    = balance - $1,
			updated_at = $4
		WHERE user_id = $2 AND currency = $3 AND balance >= $1
		RETURNING id, balance`,
		amount, userID, currency, at,
	).Scan(&walletID, &after)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM wallets WHERE user_id = $1 AND currency = $2)`,
			userID, currency,
		).Scan(&exists); err != nil {
			return nil, classify(err)
		}
		if !exists {
			return nil, ErrWalletNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, classify(err)
	}

	entry := &Entry{
		ID:            idgen.WithPrefix(idgen.PrefixEntry),
		WalletID:      walletID,
		UserID:        userID,
		Currency:      currency,
		Type:          typ,
		Amount:        -amount,
		BalanceBefore: after + amount,
		BalanceAfter:  after,
		WithdrawalID:  withdrawalID,
		Description:   description,
		CreatedAt:     at,
	}
	if err := insertEntry(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO wallet_transaction_entries (
			id, wallet_id, user_id, currency, type, amount,
			balance_before, balance_after, escrow_id, withdrawal_id, description, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		e.ID, e.WalletID, e.UserID, e.Currency, string(e.Type), e.Amount,
		e.BalanceBefore, e.BalanceAfter, nullString(e.EscrowID), nullString(e.WithdrawalID),
		nullString(e.Description), e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", classify(err))
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEscrow(sc scanner) (*Escrow, error) {
	e := &Escrow{}
	var (
		status                                   string
		driverID, confirmedBy, comments, lastErr sql.NullString
		completedAt                              sql.NullTime
	)
	err := sc.Scan(
		&e.ID, &e.OrderRef, &e.BuyerID, &e.SellerID, &driverID,
		&e.TotalAmount, &e.SellerAmount, &e.DriverAmount, &e.PlatformFee, &e.Currency,
		&status, &e.ConfirmationCode, &e.TimeoutDate, &completedAt, &e.AutoReleased,
		&confirmedBy, &comments, &e.ReleaseAttempts, &lastErr,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = EscrowStatus(status)
	e.DriverID = driverID.String
	e.ConfirmedBy = confirmedBy.String
	e.Comments = comments.String
	e.LastReleaseError = lastErr.String
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
	return e, nil
}

func scanWallet(sc scanner) (*Wallet, error) {
	w := &Wallet{}
	if err := sc.Scan(&w.ID, &w.UserID, &w.Currency, &w.Balance, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	return w, nil
}

func scanEntry(sc scanner) (*Entry, error) {
	e := &Entry{}
	var typ string
	var escrowID, withdrawalID, description sql.NullString
	err := sc.Scan(
		&e.Seq, &e.ID, &e.WalletID, &e.UserID, &e.Currency, &typ, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &escrowID, &withdrawalID, &description, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Type = EntryType(typ)
	e.EscrowID = escrowID.String
	e.WithdrawalID = withdrawalID.String
	e.Description = description.String
	return e, nil
}

func scanWithdrawal(sc scanner) (*Withdrawal, error) {
	w := &Withdrawal{}
	var (
		status                     string
		details                    []byte
		providerRef, failureReason sql.NullString
		completedAt                sql.NullTime
	)
	err := sc.Scan(
		&w.ID, &w.UserID, &w.Currency, &w.Amount, &w.Fee, &w.NetAmount, &w.Method,
		&details, &status, &providerRef, &failureReason,
		&w.CreatedAt, &w.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	w.Status = WithdrawalStatus(status)
	w.ProviderRef = providerRef.String
	w.FailureReason = failureReason.String
	if completedAt.Valid {
		t := completedAt.Time
		w.CompletedAt = &t
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &w.PayoutDetails); err != nil {
			return nil, fmt.Errorf("failed to decode payout details: %w", err)
		}
	}
	return w, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
