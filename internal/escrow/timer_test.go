package escrow

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/logging"
	"github.com/mbd888/settlevault/internal/retry"
)

// flakyStore fails ReleaseEscrow for one escrow ID.
type flakyStore struct {
	*ledger.MemoryStore
	failID string
	calls  atomic.Int32
	panics bool
}

func (s *flakyStore) ReleaseEscrow(ctx context.Context, id string, p ledger.ReleaseParams) (*ledger.ReleaseOutcome, error) {
	if id == s.failID {
		s.calls.Add(1)
		if s.panics {
			panic("driver exploded")
		}
		return nil, fmt.Errorf("%w: connection reset", ledger.ErrUnavailable)
	}
	return s.MemoryStore.ReleaseEscrow(ctx, id, p)
}

func newTimerFixture(t *testing.T, store ledger.Store) (*Service, *Timer, *time.Time) {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(store, nil, Config{PlatformUserID: "platform"}).
		WithClock(func() time.Time { return now })
	timer := NewTimer(svc, store, logging.Discard()).
		WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond})
	return svc, timer, &now
}

func hold(t *testing.T, svc *Service, orderRef string) *ledger.Escrow {
	t.Helper()
	e, err := svc.CreateHold(context.Background(), HoldRequest{
		OrderRef: orderRef, BuyerID: "buyer", SellerID: "seller", DriverID: "driver",
		TotalAmount: 10_000, Currency: "CDF",
	})
	require.NoError(t, err)
	return e
}

func TestTimer_SweepOnceReleasesExpired(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, timer, now := newTimerFixture(t, store)
	ctx := context.Background()

	first := hold(t, svc, "ord_1")
	hold(t, svc, "ord_2")
	*now = now.Add(time.Hour)
	fresh := hold(t, svc, "ord_3")

	*now = first.TimeoutDate.Add(30 * time.Minute)
	res, err := timer.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 2, Released: 2}, res)

	w, err := store.GetWallet(ctx, "seller", "CDF")
	require.NoError(t, err)
	assert.Equal(t, int64(16_000), w.Balance)

	got, err := store.GetEscrow(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, got.Status)

	// Nothing left to do.
	res, err = timer.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Scanned)
	assert.False(t, timer.LastSweep().IsZero())
}

func TestTimer_FailureIsolatedAndRecorded(t *testing.T) {
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore()}
	svc, timer, now := newTimerFixture(t, store)
	ctx := context.Background()

	bad := hold(t, svc, "ord_bad")
	good := hold(t, svc, "ord_good")
	store.failID = bad.ID

	*now = bad.TimeoutDate
	res, err := timer.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int32(3), store.calls.Load(), "transient failures are retried")

	got, err := store.GetEscrow(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowHeld, got.Status)
	assert.Equal(t, 1, got.ReleaseAttempts)
	assert.Contains(t, got.LastReleaseError, "connection reset")

	got, err = store.GetEscrow(ctx, good.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.EscrowCompleted, got.Status)

	// The failed escrow stays eligible for the next sweep.
	store.failID = ""
	res, err = timer.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Scanned: 1, Released: 1}, res)
}

func TestTimer_PanicInOneEscrow(t *testing.T) {
	store := &flakyStore{MemoryStore: ledger.NewMemoryStore(), panics: true}
	svc, timer, now := newTimerFixture(t, store)

	bad := hold(t, svc, "ord_bad")
	hold(t, svc, "ord_good")
	store.failID = bad.ID

	*now = bad.TimeoutDate
	res, err := timer.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, int32(1), store.calls.Load(), "panics are not retried")
}

func TestTimer_StartStop(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _, _ := newTimerFixture(t, store)
	timer := NewTimer(svc, store, logging.Discard()).WithInterval(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	assert.Eventually(t, func() bool { return timer.Running() && !timer.LastSweep().IsZero() },
		time.Second, 5*time.Millisecond)

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	assert.False(t, timer.Running())
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	store := ledger.NewMemoryStore()
	svc, _, _ := newTimerFixture(t, store)
	timer := NewTimer(svc, store, logging.Discard()).WithInterval(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop on cancel")
	}
}
