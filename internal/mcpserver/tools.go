package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the settlement MCP server.
// Descriptions are what the LLM reads to decide which tool to use.
// Amounts are integers in the currency's minor unit.

var ToolCreateVault = mcp.NewTool("create_vault",
	mcp.WithDescription(
		"Hold the buyer's payment for an order in escrow. "+
			"Returns the vault with the seller, driver and platform shares and, for the buyer, "+
			"the 6-digit confirmation code to hand over on delivery. "+
			"The funds are released automatically when the grace period ends."),
	mcp.WithString("order_ref",
		mcp.Required(),
		mcp.Description("The order reference (e.g. 'ord_1042')")),
)

var ToolConfirmDelivery = mcp.NewTool("confirm_delivery",
	mcp.WithDescription(
		"Confirm that an order was delivered and release the escrowed funds to the seller, "+
			"driver and platform. Only the buyer can confirm, and only with the vault's confirmation code. "+
			"Confirming twice is safe and returns the original amounts."),
	mcp.WithString("transaction_id",
		mcp.Required(),
		mcp.Description("The vault id returned by create_vault (e.g. 'esc_...')")),
	mcp.WithString("confirmation_code",
		mcp.Required(),
		mcp.Description("The 6-digit confirmation code")),
	mcp.WithString("comments",
		mcp.Description("Optional delivery feedback")),
)

var ToolProcessWithdrawal = mcp.NewTool("process_withdrawal",
	mcp.WithDescription(
		"Withdraw from your wallet to mobile money, bank transfer or card. "+
			"The amount is debited immediately and a method fee is deducted from the payout. "+
			"Fails if the balance is insufficient."),
	mcp.WithNumber("amount",
		mcp.Required(),
		mcp.Description("Amount to withdraw in minor units (e.g. 5000)")),
	mcp.WithString("method",
		mcp.Required(),
		mcp.Description("Payout method"),
		mcp.Enum("mobile_money", "bank_transfer", "card")),
	mcp.WithObject("payout_details",
		mcp.Required(),
		mcp.Description("Where to send the payout, e.g. {\"phone\": \"+243810000000\"} or {\"account\": \"CD-0001\"}")),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 currency code; defaults to the server currency")),
)

var ToolGetVaultStatus = mcp.NewTool("get_vault_status",
	mcp.WithDescription(
		"Look up the escrow vault for an order: status (held or completed), amounts, "+
			"and when it will auto-release. Only parties to the order can see it."),
	mcp.WithString("order_ref",
		mcp.Required(),
		mcp.Description("The order reference")),
)

var ToolGetWallet = mcp.NewTool("get_wallet",
	mcp.WithDescription(
		"Show your wallet balance and recent ledger entries."),
	mcp.WithString("currency",
		mcp.Description("ISO 4217 currency code; defaults to the server currency")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of entries to return (default 20)")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous get_wallet call to fetch the next page")),
)
