package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config holds the configuration for connecting to a settlement server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // API key of the acting user, e.g. "sk_..."
}

// APIError is a failed settlement response. Kind is the server's error kind
// such as "insufficient_funds" or "invalid_state".
type APIError struct {
	Status  int
	Kind    string
	Message string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("API error (%d %s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
}

// Client is a pure HTTP client for the settlement API. Every call acts as
// the user that owns the configured API key.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for the settlement API.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Vault is the escrow record as returned by the server.
type Vault struct {
	ID               string `json:"id"`
	OrderRef         string `json:"orderRef"`
	BuyerID          string `json:"buyerId"`
	SellerID         string `json:"sellerId"`
	DriverID         string `json:"driverId"`
	TotalAmount      int64  `json:"totalAmount"`
	SellerAmount     int64  `json:"sellerAmount"`
	DriverAmount     int64  `json:"driverAmount"`
	PlatformFee      int64  `json:"platformFee"`
	Currency         string `json:"currency"`
	Status           string `json:"status"`
	ConfirmationCode string `json:"confirmationCode"`
	TimeoutDate      string `json:"timeoutDate"`
	AutoReleased     bool   `json:"autoReleased"`
}

// Release is the outcome of confirm_delivery.
type Release struct {
	ReleasedAmounts struct {
		Seller   int64 `json:"seller"`
		Driver   int64 `json:"driver"`
		Platform int64 `json:"platform"`
	} `json:"releasedAmounts"`
	Transaction struct {
		ID              string `json:"transactionId"`
		OrderRef        string `json:"orderRef"`
		Status          string `json:"status"`
		Currency        string `json:"currency"`
		AlreadyReleased bool   `json:"alreadyReleased"`
	} `json:"transaction"`
}

// Withdrawal is a payout request as returned by the server.
type Withdrawal struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	Currency  string `json:"currency"`
	Amount    int64  `json:"amount"`
	Fee       int64  `json:"fee"`
	NetAmount int64  `json:"netAmount"`
	Method    string `json:"method"`
	Status    string `json:"status"`
}

// Wallet is the get_wallet response.
type Wallet struct {
	Wallet struct {
		UserID   string `json:"userId"`
		Currency string `json:"currency"`
		Balance  int64  `json:"balance"`
	} `json:"wallet"`
	Entries []struct {
		Seq          int64  `json:"seq"`
		Type         string `json:"type"`
		Amount       int64  `json:"amount"`
		BalanceAfter int64  `json:"balanceAfter"`
		Description  string `json:"description"`
	} `json:"entries"`
	NextCursor string `json:"nextCursor"`
	HasMore    bool   `json:"hasMore"`
}

// doRequest makes an HTTP request to the server and decodes the response into out.
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(strings.TrimRight(c.cfg.APIURL, "/") + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Message != "" {
			apiErr.Kind, apiErr.Message = payload.Error, payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) dispatch(ctx context.Context, body map[string]any, out any) error {
	return c.doRequest(ctx, http.MethodPost, "/v1/settlement", body, out)
}

// CreateVault holds the payment for an order the caller is buying.
func (c *Client) CreateVault(ctx context.Context, orderRef string) (*Vault, error) {
	var resp struct {
		Vault *Vault `json:"vault"`
	}
	if err := c.dispatch(ctx, map[string]any{"action": "create_vault", "orderRef": orderRef}, &resp); err != nil {
		return nil, err
	}
	return resp.Vault, nil
}

// ConfirmDelivery releases a held vault with the buyer's confirmation code.
func (c *Client) ConfirmDelivery(ctx context.Context, transactionID, code, comments string) (*Release, error) {
	var resp Release
	err := c.dispatch(ctx, map[string]any{
		"action":           "confirm_delivery",
		"transactionId":    transactionID,
		"confirmationCode": code,
		"clientConfirmed":  true,
		"comments":         comments,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessWithdrawal requests a payout from the caller's wallet.
func (c *Client) ProcessWithdrawal(ctx context.Context, amount int64, currency, method string, details map[string]string) (*Withdrawal, error) {
	body := map[string]any{
		"action":        "process_withdrawal",
		"amount":        amount,
		"method":        method,
		"payoutDetails": details,
	}
	if currency != "" {
		body["currency"] = currency
	}
	var resp struct {
		Withdrawal *Withdrawal `json:"withdrawal"`
	}
	if err := c.dispatch(ctx, body, &resp); err != nil {
		return nil, err
	}
	return resp.Withdrawal, nil
}

// GetVaultStatus returns the vault for an order the caller is party to.
func (c *Client) GetVaultStatus(ctx context.Context, orderRef string) (*Vault, error) {
	var resp struct {
		Vault *Vault `json:"vault"`
	}
	if err := c.dispatch(ctx, map[string]any{"action": "get_vault_status", "orderRef": orderRef}, &resp); err != nil {
		return nil, err
	}
	return resp.Vault, nil
}

// GetWallet returns the caller's wallet and a page of entries.
func (c *Client) GetWallet(ctx context.Context, currency, cursor string, limit int) (*Wallet, error) {
	body := map[string]any{"action": "get_wallet"}
	if currency != "" {
		body["currency"] = currency
	}
	if cursor != "" {
		body["cursor"] = cursor
	}
	if limit > 0 {
		body["limit"] = limit
	}
	var resp Wallet
	if err := c.dispatch(ctx, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
