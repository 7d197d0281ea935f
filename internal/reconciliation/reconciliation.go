// Package reconciliation audits the ledger: every wallet balance must equal
// the sum of its entries, and every entry must chain from the one before it.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/metrics"
)

const (
	walletPageSize = 100
	entryPageSize  = 500
)

// Mismatch describes one wallet that failed reconstruction.
type Mismatch struct {
	WalletID   string `json:"walletId"`
	UserID     string `json:"userId"`
	Currency   string `json:"currency"`
	Balance    int64  `json:"balance"`
	EntriesSum int64  `json:"entriesSum"`
	// BrokenSeq is the first entry that does not chain, or 0.
	BrokenSeq int64  `json:"brokenSeq,omitempty"`
	Reason    string `json:"reason"`
}

// Report is the outcome of one reconciliation run.
type Report struct {
	WalletsChecked int           `json:"walletsChecked"`
	EntriesChecked int           `json:"entriesChecked"`
	Mismatches     []Mismatch    `json:"mismatches"`
	StuckEscrows   int           `json:"stuckEscrows"`
	Healthy        bool          `json:"healthy"`
	StartedAt      time.Time     `json:"startedAt"`
	Duration       time.Duration `json:"durationNs"`
}

// Service performs reconciliation against a ledger store.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a reconciliation service.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Check walks every wallet and verifies its entry history. A wallet that
// fails is read a second time before it is reported, so that a credit landing
// between the two reads is not mistaken for corruption.
func (s *Service) Check(ctx context.Context) (*Report, error) {
	rep := &Report{StartedAt: s.now(), Mismatches: []Mismatch{}}
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	after := ""
	for {
		wallets, err := s.store.ListWallets(ctx, after, walletPageSize)
		if err != nil {
			reconcileErrors.Inc()
			return nil, fmt.Errorf("failed to list wallets: %w", err)
		}
		for _, w := range wallets {
			n, mm, err := s.checkWallet(ctx, w)
			if err == nil && mm != nil {
				n, mm, err = s.recheck(ctx, w)
			}
			if err != nil {
				reconcileErrors.Inc()
				return nil, err
			}
			rep.WalletsChecked++
			rep.EntriesChecked += n
			if mm != nil {
				rep.Mismatches = append(rep.Mismatches, *mm)
				s.logger.Error("ledger mismatch",
					"walletId", mm.WalletID,
					"userId", mm.UserID,
					"balance", mm.Balance,
					"entriesSum", mm.EntriesSum,
					"reason", mm.Reason,
				)
			}
		}
		if len(wallets) < walletPageSize {
			break
		}
		after = wallets[len(wallets)-1].ID
	}

	stuck, err := s.stuckEscrows(ctx)
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	rep.StuckEscrows = stuck

	rep.Healthy = len(rep.Mismatches) == 0
	rep.Duration = time.Since(start)
	metrics.LedgerMismatches.Set(float64(len(rep.Mismatches)))
	reconcileStuckEscrows.Set(float64(stuck))

	s.logger.Info("reconciliation finished",
		"wallets", rep.WalletsChecked,
		"entries", rep.EntriesChecked,
		"mismatches", len(rep.Mismatches),
		"stuckEscrows", stuck,
	)
	return rep, nil
}

func (s *Service) recheck(ctx context.Context, w *ledger.Wallet) (int, *Mismatch, error) {
	fresh, err := s.store.GetWallet(ctx, w.UserID, w.Currency)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to reload wallet %s: %w", w.ID, err)
	}
	return s.checkWallet(ctx, fresh)
}

func (s *Service) checkWallet(ctx context.Context, w *ledger.Wallet) (int, *Mismatch, error) {
	var (
		sum       int64
		prevAfter int64
		count     int
		afterSeq  int64
		broken    int64
		reason    string
	)
	for {
		entries, err := s.store.ListEntries(ctx, w.ID, afterSeq, entryPageSize)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to list entries for wallet %s: %w", w.ID, err)
		}
		for _, e := range entries {
			if broken == 0 {
				switch {
				case e.BalanceAfter != e.BalanceBefore+e.Amount:
					broken, reason = e.Seq, "entry balance_after does not equal balance_before + amount"
				case e.BalanceBefore != prevAfter:
					broken, reason = e.Seq, "entry does not chain from the previous entry"
				case e.BalanceAfter < 0:
					broken, reason = e.Seq, "entry leaves a negative balance"
				}
			}
			sum += e.Amount
			prevAfter = e.BalanceAfter
			count++
		}
		if len(entries) < entryPageSize {
			break
		}
		afterSeq = entries[len(entries)-1].Seq
	}

	if broken == 0 && sum == w.Balance {
		return count, nil, nil
	}
	if broken == 0 {
		reason = "balance does not equal the sum of entries"
	}
	return count, &Mismatch{
		WalletID:   w.ID,
		UserID:     w.UserID,
		Currency:   w.Currency,
		Balance:    w.Balance,
		EntriesSum: sum,
		BrokenSeq:  broken,
		Reason:     reason,
	}, nil
}

// stuckEscrows counts expired held escrows that have already failed at
// least one automatic release.
func (s *Service) stuckEscrows(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpiredHeld(ctx, s.now(), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired escrows: %w", err)
	}
	n := 0
	for _, e := range expired {
		if e.ReleaseAttempts > 0 {
			n++
		}
	}
	return n, nil
}
