package escrow

import (
	"context"
	"fmt"

	"github.com/mbd888/settlevault/internal/ledger"
	"github.com/mbd888/settlevault/internal/notify"
)

func (s *Service) notifyHoldCreated(ctx context.Context, e *ledger.Escrow) {
	data := map[string]interface{}{
		"transactionId": e.ID,
		"orderRef":      e.OrderRef,
		"amount":        e.TotalAmount,
		"currency":      e.Currency,
		"timeoutDate":   e.TimeoutDate,
	}

	buyerData := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		buyerData[k] = v
	}
	buyerData["confirmationCode"] = e.ConfirmationCode

	s.notifier.Notify(ctx, notify.New(e.BuyerID, notify.TypeHoldCreated,
		"Payment held in escrow",
		fmt.Sprintf("Your payment of %d %s for order %s is held until you confirm delivery. Your confirmation code is %s.",
			e.TotalAmount, e.Currency, e.OrderRef, e.ConfirmationCode),
		buyerData,
	))
	s.notifier.Notify(ctx, notify.New(e.SellerID, notify.TypeHoldCreated,
		"Payment secured",
		fmt.Sprintf("The buyer's payment of %d %s for order %s is held in escrow and will be released on delivery.",
			e.TotalAmount, e.Currency, e.OrderRef),
		data,
	))
}

func (s *Service) notifyReleased(ctx context.Context, e *ledger.Escrow) {
	base := func(amount int64) map[string]interface{} {
		return map[string]interface{}{
			"transactionId": e.ID,
			"orderRef":      e.OrderRef,
			"amount":        amount,
			"currency":      e.Currency,
			"autoReleased":  e.AutoReleased,
		}
	}

	if e.SellerAmount > 0 {
		s.notifier.Notify(ctx, notify.New(e.SellerID, notify.TypeBalanceChanged,
			"Payment received",
			fmt.Sprintf("%d %s for order %s was credited to your wallet.", e.SellerAmount, e.Currency, e.OrderRef),
			base(e.SellerAmount),
		))
	}
	if e.HasDriver() && e.DriverAmount > 0 {
		s.notifier.Notify(ctx, notify.New(e.DriverID, notify.TypeBalanceChanged,
			"Delivery earning",
			fmt.Sprintf("You earned %d %s for delivering order %s.", e.DriverAmount, e.Currency, e.OrderRef),
			base(e.DriverAmount),
		))
	}

	msg := fmt.Sprintf("Order %s is complete and the seller has been paid.", e.OrderRef)
	if e.AutoReleased {
		msg = fmt.Sprintf("Order %s was not confirmed before the deadline, so the payment was released automatically.", e.OrderRef)
	}
	s.notifier.Notify(ctx, notify.New(e.BuyerID, notify.TypeTransactionCompleted,
		"Order completed", msg, base(e.TotalAmount)))
}
