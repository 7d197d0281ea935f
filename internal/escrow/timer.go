package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/metrics"
	"github.com/mbd888/settlevault/internal/retry"
)

const (
	DefaultSweepInterval  = 30 * time.Second
	DefaultSweepBatchSize = 100
)

// SweepResult summarizes one pass of the timer.
type SweepResult struct {
	Scanned         int
	Released        int
	AlreadyReleased int
	Failed          int
}

// Timer periodically checks for expired escrows and auto-releases them.
type Timer struct {
	service   *Service
	store     ledger.Store
	interval  time.Duration
	batchSize int
	retry     retry.Policy
	logger    *slog.Logger
	stop      chan struct{}
	stopOnce  sync.Once
	running   atomic.Bool
	lastSweep atomic.Int64 // unix nanos
}

// NewTimer creates a new escrow auto-release timer.
func NewTimer(service *Service, store ledger.Store, logger *slog.Logger) *Timer {
	return &Timer{
		service:   service,
		store:     store,
		interval:  DefaultSweepInterval,
		batchSize: DefaultSweepBatchSize,
		retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			Retryable:   ledger.IsRetryable,
		},
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// WithInterval sets how often the timer sweeps.
func (t *Timer) WithInterval(d time.Duration) *Timer {
	if d > 0 {
		t.interval = d
	}
	return t
}

// WithBatchSize caps the escrows handled per sweep.
func (t *Timer) WithBatchSize(n int) *Timer {
	if n > 0 {
		t.batchSize = n
	}
	return t
}

// WithRetryPolicy overrides the per-escrow retry policy.
func (t *Timer) WithRetryPolicy(p retry.Policy) *Timer {
	if p.Retryable == nil {
		p.Retryable = ledger.IsRetryable
	}
	t.retry = p
	return t
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// LastSweep returns when the last sweep finished, or the zero time.
func (t *Timer) LastSweep() time.Time {
	n := t.lastSweep.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Start begins the auto-release loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.safeSweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
		}
	}
}

// Stop signals the timer to stop. Safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *Timer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in escrow timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.SweepOnce(ctx); err != nil {
		t.logger.Warn("escrow sweep failed", "error", err)
	}
}

// SweepOnce releases every held escrow whose timeout has passed, up to the
// batch size. A failure on one escrow is recorded on that escrow and does
// not stop the others.
func (t *Timer) SweepOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	start := time.Now()
	defer func() {
		metrics.SweepRunsTotal.Inc()
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
		t.lastSweep.Store(time.Now().UnixNano())
	}()

	expired, err := t.store.ListExpiredHeld(ctx, t.service.now(), t.batchSize)
	if err != nil {
		return res, fmt.Errorf("failed to list expired escrows: %w", err)
	}
	res.Scanned = len(expired)

	for _, e := range expired {
		if ctx.Err() != nil {
			break
		}
		out, err := t.releaseOne(ctx, e.ID)
		switch {
		case err != nil:
			res.Failed++
			t.recordFailure(ctx, e.ID, err)
		case out.AlreadyReleased:
			res.AlreadyReleased++
		default:
			res.Released++
			t.logger.Info("auto-released escrow",
				"escrowId", e.ID,
				"orderRef", e.OrderRef,
				"seller", e.SellerID,
				"amount", e.TotalAmount,
			)
		}
	}

	if res.Scanned > 0 {
		t.logger.Info("escrow sweep finished",
			"scanned", res.Scanned,
			"released", res.Released,
			"alreadyReleased", res.AlreadyReleased,
			"failed", res.Failed,
		)
	}
	return res, nil
}

func (t *Timer) releaseOne(ctx context.Context, id string) (out *ReleaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic releasing escrow", "escrowId", id, "panic", fmt.Sprint(r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	err = t.retry.Do(ctx, func() error {
		var rerr error
		out, rerr = t.service.AutoRelease(ctx, id)
		return rerr
	})
	return out, err
}

func (t *Timer) recordFailure(ctx context.Context, id string, cause error) {
	metrics.EscrowReleaseFailuresTotal.Inc()
	t.logger.Warn("failed to auto-release escrow", "escrowId", id, "error", cause)

	if errors.Is(cause, ErrNotExpired) {
		return
	}
	if err := t.store.RecordReleaseFailure(ctx, id, cause.Error(), t.service.now()); err != nil {
		t.logger.Error("failed to record release failure", "escrowId", id, "error", err)
	}
}
