package server

import (
	"time"

	"github.com/govalues/decimal"
)

// Key permissions. A key may hold any subset.
const (
	PermOptimize  = "optimize"
	PermChat      = "chat"
	PermWallet    = "wallet"
	PermAnalytics = "analytics"
)

// KeyUsage holds the lifetime counters for one API key.
type KeyUsage struct {
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	SavedUSD     float64 `json:"saved_usd"`
}

// RequestLogEntry is one line in a key's rolling request log.
type RequestLogEntry struct {
	Timestamp  string `json:"timestamp"`
	Method     string `json:"method"`
	Path       string `json:"path"`
	Status     int    `json:"status"`
	DurationMS int64  `json:"duration_ms"`
}

// KeyRecord is the stored state for one issued API key. The plaintext key is
// never stored; lookup is by SHA-256 hash.
type KeyRecord struct {
	ID          string            `json:"id"`
	Owner       string            `json:"owner"`
	Prefix      string            `json:"prefix"`
	KeyHash     string            `json:"key_hash"`
	Permissions []string          `json:"permissions"`
	CreatedAt   string            `json:"created_at"`
	LastUsedAt  string            `json:"last_used_at,omitempty"`
	Usage       KeyUsage          `json:"usage"`
	Requests    []RequestLogEntry `json:"requests,omitempty"`
}

// HasPermission reports whether the key carries the given permission.
func (k KeyRecord) HasPermission(perm string) bool {
	for _, p := range k.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// View returns the record without the key hash or request log, for API output.
func (k KeyRecord) View() map[string]any {
	return map[string]any{
		"id":           k.ID,
		"owner":        k.Owner,
		"prefix":       k.Prefix,
		"permissions":  k.Permissions,
		"created_at":   k.CreatedAt,
		"last_used_at": k.LastUsedAt,
		"usage":        k.Usage,
	}
}

// Wallet is a connected micropayment wallet. Balances are USDC amounts held
// with exact decimal arithmetic; nothing here touches a real chain.
type Wallet struct {
	Address     string          `json:"address"`
	Signature   string          `json:"signature,omitempty"`
	Balance     decimal.Decimal `json:"balance"`
	AccruedFees decimal.Decimal `json:"accrued_fees"`
	Nonce       uint64          `json:"nonce"`
	ConnectedAt string          `json:"connected_at"`
}

// Transaction kinds and statuses.
const (
	TxKindDeposit    = "deposit"
	TxKindSettlement = "settlement"

	TxStatusPending = "pending"
	TxStatusSettled = "settled"
	TxStatusFailed  = "failed"
)

// PaymentTransaction is one simulated x402 transfer.
type PaymentTransaction struct {
	ID        string          `json:"id"`
	Wallet    string          `json:"wallet"`
	To        string          `json:"to"`
	Token     string          `json:"token"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      string          `json:"kind"`
	Status    string          `json:"status"`
	Nonce     uint64          `json:"nonce"`
	Signature string          `json:"signature,omitempty"`
	Hash      string          `json:"hash,omitempty"`
	CreatedAt string          `json:"created_at"`
	SettledAt string          `json:"settled_at,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// UsageEvent records one billable action for analytics.
type UsageEvent struct {
	Timestamp    string  `json:"timestamp"`
	KeyID        string  `json:"key_id"`
	Wallet       string  `json:"wallet,omitempty"`
	Action       string  `json:"action"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	SavedUSD     float64 `json:"saved_usd"`
	FeeUSD       float64 `json:"fee_usd"`
}

// ProviderUsage is the per-provider slice of a wallet's analytics.
type ProviderUsage struct {
	Calls    int     `json:"calls"`
	CostUSD  float64 `json:"cost_usd"`
	SavedUSD float64 `json:"saved_usd"`
}

// WalletAnalytics aggregates usage events for one wallet.
type WalletAnalytics struct {
	Wallet         string                   `json:"wallet"`
	GeneratedAt    string                   `json:"generated_at"`
	TotalCalls     int                      `json:"total_calls"`
	TotalCostUSD   float64                  `json:"total_cost_usd"`
	TotalSavedUSD  float64                  `json:"total_saved_usd"`
	SavingsPercent float64                  `json:"savings_percentage"`
	ByProvider     map[string]ProviderUsage `json:"by_provider"`
}

// UsageOverview is the admin-facing aggregate across the whole gateway.
type UsageOverview struct {
	GeneratedAt        string  `json:"generated_at"`
	TotalKeys          int     `json:"total_keys"`
	TotalWallets       int     `json:"total_wallets"`
	TotalTransactions  int     `json:"total_transactions"`
	PendingSettlements int     `json:"pending_settlements"`
	SettledFeesUSD     float64 `json:"settled_fees_usd"`
	TotalRequests      int64   `json:"total_requests"`
	TotalCostUSD       float64 `json:"total_cost_usd"`
	TotalSavedUSD      float64 `json:"total_saved_usd"`
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// usd converts a float USD amount to an exact decimal rounded to 6 places.
func usd(amount float64) decimal.Decimal {
	d, err := decimal.NewFromFloat64(amount)
	if err != nil {
		return decimal.Decimal{}
	}
	return d.Round(6)
}

// decimalToFloat converts back for aggregate reporting.
func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// decimalFromString parses a stored balance, falling back to zero.
func decimalFromString(s string) decimal.Decimal {
	d, err := decimal.Parse(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}
