package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCreateVault holds the payment for an order.
func (h *Handlers) HandleCreateVault(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderRef := req.GetString("order_ref", "")
	if orderRef == "" {
		return mcp.NewToolResultError("order_ref is required"), nil
	}

	v, err := h.client.CreateVault(ctx, orderRef)
	if err != nil {
		return failure("Failed to create vault", err), nil
	}

	var sb strings.Builder
	sb.WriteString("Payment held in escrow.\n\n")
	writeVault(&sb, v)
	if v.ConfirmationCode != "" {
		fmt.Fprintf(&sb, "\nConfirmation code: %s\nGive this code to the seller only when the order is delivered.\n", v.ConfirmationCode)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleConfirmDelivery releases a held vault.
func (h *Handlers) HandleConfirmDelivery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	txID := req.GetString("transaction_id", "")
	if txID == "" {
		return mcp.NewToolResultError("transaction_id is required"), nil
	}
	code := req.GetString("confirmation_code", "")
	if code == "" {
		return mcp.NewToolResultError("confirmation_code is required"), nil
	}

	r, err := h.client.ConfirmDelivery(ctx, txID, code, req.GetString("comments", ""))
	if err != nil {
		return failure("Failed to confirm delivery", err), nil
	}

	var sb strings.Builder
	if r.Transaction.AlreadyReleased {
		sb.WriteString("This vault was already released. No money moved.\n\n")
	} else {
		sb.WriteString("Delivery confirmed. Funds released.\n\n")
	}
	cur := r.Transaction.Currency
	fmt.Fprintf(&sb, "Order:    %s\n", r.Transaction.OrderRef)
	fmt.Fprintf(&sb, "Seller:   %d %s\n", r.ReleasedAmounts.Seller, cur)
	if r.ReleasedAmounts.Driver > 0 {
		fmt.Fprintf(&sb, "Driver:   %d %s\n", r.ReleasedAmounts.Driver, cur)
	}
	fmt.Fprintf(&sb, "Platform: %d %s\n", r.ReleasedAmounts.Platform, cur)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleProcessWithdrawal requests a payout from the caller's wallet.
func (h *Handlers) HandleProcessWithdrawal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	amount := req.GetInt("amount", 0)
	if amount <= 0 {
		return mcp.NewToolResultError("amount must be a positive integer"), nil
	}
	method := req.GetString("method", "")
	if method == "" {
		return mcp.NewToolResultError("method is required"), nil
	}
	details := stringMap(req.GetArguments()["payout_details"])
	if len(details) == 0 {
		return mcp.NewToolResultError("payout_details is required"), nil
	}

	w, err := h.client.ProcessWithdrawal(ctx, int64(amount), req.GetString("currency", ""), method, details)
	if err != nil {
		return failure("Failed to process withdrawal", err), nil
	}

	var sb strings.Builder
	sb.WriteString("Withdrawal requested.\n\n")
	fmt.Fprintf(&sb, "ID:      %s\n", w.ID)
	fmt.Fprintf(&sb, "Method:  %s\n", w.Method)
	fmt.Fprintf(&sb, "Amount:  %d %s\n", w.Amount, w.Currency)
	fmt.Fprintf(&sb, "Fee:     %d %s\n", w.Fee, w.Currency)
	fmt.Fprintf(&sb, "Payout:  %d %s\n", w.NetAmount, w.Currency)
	fmt.Fprintf(&sb, "Status:  %s\n", w.Status)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetVaultStatus looks up the vault for an order.
func (h *Handlers) HandleGetVaultStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderRef := req.GetString("order_ref", "")
	if orderRef == "" {
		return mcp.NewToolResultError("order_ref is required"), nil
	}

	v, err := h.client.GetVaultStatus(ctx, orderRef)
	if err != nil {
		return failure("Failed to get vault status", err), nil
	}

	var sb strings.Builder
	writeVault(&sb, v)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetWallet shows the caller's balance and recent entries.
func (h *Handlers) HandleGetWallet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", 20)

	w, err := h.client.GetWallet(ctx, req.GetString("currency", ""), req.GetString("cursor", ""), limit)
	if err != nil {
		return failure("Failed to get wallet", err), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Balance: %d %s\n", w.Wallet.Balance, w.Wallet.Currency)
	if len(w.Entries) == 0 {
		sb.WriteString("\nNo ledger entries.\n")
		return mcp.NewToolResultText(sb.String()), nil
	}
	sb.WriteString("\nEntries:\n")
	for _, e := range w.Entries {
		fmt.Fprintf(&sb, "  #%d %-20s %+d -> %d", e.Seq, e.Type, e.Amount, e.BalanceAfter)
		if e.Description != "" {
			fmt.Fprintf(&sb, "  (%s)", e.Description)
		}
		sb.WriteString("\n")
	}
	if w.HasMore {
		fmt.Fprintf(&sb, "\nMore entries available. Next cursor: %s\n", w.NextCursor)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// ============================================================
// Formatting helpers
// ============================================================

func writeVault(sb *strings.Builder, v *Vault) {
	fmt.Fprintf(sb, "Vault:    %s\n", v.ID)
	fmt.Fprintf(sb, "Order:    %s\n", v.OrderRef)
	fmt.Fprintf(sb, "Status:   %s\n", v.Status)
	fmt.Fprintf(sb, "Total:    %d %s\n", v.TotalAmount, v.Currency)
	fmt.Fprintf(sb, "Seller:   %d\n", v.SellerAmount)
	if v.DriverID != "" {
		fmt.Fprintf(sb, "Driver:   %d\n", v.DriverAmount)
	}
	fmt.Fprintf(sb, "Platform: %d\n", v.PlatformFee)
	if v.Status == "held" && v.TimeoutDate != "" {
		fmt.Fprintf(sb, "Auto-release after: %s\n", v.TimeoutDate)
	}
	if v.AutoReleased {
		sb.WriteString("Released automatically after the grace period.\n")
	}
}

// failure turns a client error into a tool error, with a hint for the
// error kinds an agent can act on.
func failure(prefix string, err error) *mcp.CallToolResult {
	msg := fmt.Sprintf("%s: %v", prefix, err)

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Kind {
		case "insufficient_funds":
			msg += "\nCheck the balance with get_wallet."
		case "unauthorized":
			msg += "\nOnly the buyer holding the correct confirmation code can do this."
		case "ledger_unavailable":
			msg += "\nThe ledger is temporarily unavailable. Retry shortly."
		}
	}
	return mcp.NewToolResultError(msg)
}

func stringMap(raw any) map[string]string {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case string:
			out[k] = t
		case float64:
			out[k] = fmt.Sprintf("%g", t)
		}
	}
	return out
}
