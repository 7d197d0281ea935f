// Package notify delivers human-readable settlement events to users.
//
// Delivery is fire-and-forget: a Notifier never reports failure back to the
// money-moving code path that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/settlevault/internal/idgen"
	"github.com/mbd888/settlevault/internal/metrics"
)

// Type classifies a notification.
type Type string

const (
	TypeHoldCreated          Type = "hold_created"
	TypeBalanceChanged       Type = "balance_changed"
	TypeTransactionCompleted Type = "transaction_completed"
	TypeWithdrawalRequested  Type = "withdrawal_requested"
	TypeWithdrawalCompleted  Type = "withdrawal_completed"
	TypeWithdrawalFailed     Type = "withdrawal_failed"
)

// Notification is one message addressed to one user.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"userId"`
	Type      Type                   `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
}

// New builds a notification with a fresh id and timestamp.
func New(userID string, typ Type, title, message string, data map[string]interface{}) *Notification {
	return &Notification{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now(),
	}
}

// Notifier accepts notifications for delivery. Implementations must not block
// the caller on network I/O.
type Notifier interface {
	Notify(ctx context.Context, n *Notification)
}

// Func adapts a function into a Notifier.
type Func func(ctx context.Context, n *Notification)

func (f Func) Notify(ctx context.Context, n *Notification) { f(ctx, n) }

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, *Notification) {}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n *Notification) {
	l.logger.Info("notification",
		"id", n.ID,
		"user_id", n.UserID,
		"type", n.Type,
		"title", n.Title,
	)
	metrics.NotificationsTotal.WithLabelValues("log", "ok").Inc()
}

// Multi fans a notification out to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n *Notification) {
	for _, nf := range m {
		if nf != nil {
			nf.Notify(ctx, n)
		}
	}
}
