//go:build integration

package ledger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlevault/internal/testutil"
)

func newHeld(id, orderRef string, now time.Time) *Escrow {
	return &Escrow{
		ID: id, OrderRef: orderRef, BuyerID: "buyer", SellerID: "seller", DriverID: "driver",
		TotalAmount: 10_000, SellerAmount: 8_000, DriverAmount: 1_500, PlatformFee: 500,
		Currency: "CDF", Status: EscrowHeld, ConfirmationCode: "123456",
		TimeoutDate: now.Add(-time.Minute), CreatedAt: now, UpdatedAt: now,
	}
}

func TestPostgresIntegration_ReleaseOnce(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.CreateEscrow(ctx, newHeld("esc_1", "ord_1", now)))
	assert.ErrorIs(t, store.CreateEscrow(ctx, newHeld("esc_2", "ord_1", now)), ErrAlreadyExists)

	expired, err := store.ListExpiredHeld(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, expired, 1)

	// Racing releases: exactly one applies.
	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := store.ReleaseEscrow(ctx, "esc_1", ReleaseParams{
				ConfirmedBy: SystemActor, AutoReleased: true, PlatformUserID: "platform", At: now,
			})
			if err == nil && out.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), applied.Load())

	for user, want := range map[string]int64{"seller": 8_000, "driver": 1_500, "platform": 500} {
		w, err := store.GetWallet(ctx, user, "CDF")
		require.NoError(t, err)
		assert.Equal(t, want, w.Balance, user)

		entries, err := store.ListEntries(ctx, w.ID, 0, 0)
		require.NoError(t, err)
		require.Len(t, entries, 1, user)
		assert.Equal(t, "esc_1", entries[0].EscrowID)
	}

	e, err := store.GetEscrow(ctx, "esc_1")
	require.NoError(t, err)
	assert.Equal(t, EscrowCompleted, e.Status)
	assert.True(t, e.AutoReleased)
}

func TestPostgresIntegration_GuardedWithdrawal(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Adjust(ctx, "seller", "CDF", 10_000, "opening balance")
	require.NoError(t, err)

	var ok, insufficient atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.CreateWithdrawal(ctx, &Withdrawal{
				ID: "wdr_" + string(rune('a'+i)), UserID: "seller", Currency: "CDF",
				Amount: 6_000, Fee: 90, NetAmount: 5_910, Method: "mobile_money",
				PayoutDetails: map[string]string{"phone": "+243810000000"},
				Status:        WithdrawalPending, CreatedAt: now, UpdatedAt: now,
			})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, ErrInsufficientFunds):
				insufficient.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(5), insufficient.Load())

	w, err := store.GetWallet(ctx, "seller", "CDF")
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), w.Balance)
}

func TestPostgresIntegration_FailedPayoutReverses(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Adjust(ctx, "seller", "CDF", 5_000, "opening balance")
	require.NoError(t, err)
	_, err = store.CreateWithdrawal(ctx, &Withdrawal{
		ID: "wdr_1", UserID: "seller", Currency: "CDF", Amount: 5_000, NetAmount: 5_000,
		Method: "card", Status: WithdrawalPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	out, err := store.SettleWithdrawal(ctx, "wdr_1", SettleParams{Status: WithdrawalFailed, FailureReason: "card declined", At: now})
	require.NoError(t, err)
	require.True(t, out.Applied)
	require.NotNil(t, out.Reversal)

	again, err := store.SettleWithdrawal(ctx, "wdr_1", SettleParams{Status: WithdrawalFailed, At: now})
	require.NoError(t, err)
	assert.False(t, again.Applied)

	w, err := store.GetWallet(ctx, "seller", "CDF")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), w.Balance)
}
