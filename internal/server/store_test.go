package server

import (
	"path/filepath"
	"testing"

	"github.com/govalues/decimal"
)

func TestMemoryStoreKeyLifecycle(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore error: %v", err)
	}
	rec := KeyRecord{
		ID:          "key-1",
		Owner:       "alice",
		Prefix:      "oa_abc",
		KeyHash:     sha256Hex("oa_secret"),
		Permissions: []string{PermOptimize},
		CreatedAt:   nowRFC3339(),
	}
	if err := store.CreateKey(rec); err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}
	if err := store.CreateKey(rec); err == nil {
		t.Fatalf("expected duplicate error on second CreateKey")
	}
	byHash, ok := store.GetKeyByHash(sha256Hex("oa_secret"))
	if !ok || byHash.ID != "key-1" {
		t.Fatalf("GetKeyByHash returned %+v ok=%v", byHash, ok)
	}
	updated, err := store.UpdateKey("key-1", func(k *KeyRecord) {
		k.Usage.Requests = 5
	})
	if err != nil {
		t.Fatalf("UpdateKey error: %v", err)
	}
	if updated.Usage.Requests != 5 {
		t.Fatalf("expected 5 requests, got %d", updated.Usage.Requests)
	}
	if err := store.DeleteKey("key-1"); err != nil {
		t.Fatalf("DeleteKey error: %v", err)
	}
	if _, ok := store.GetKeyByHash(sha256Hex("oa_secret")); ok {
		t.Fatalf("hash index still resolves after delete")
	}
}

func TestMemoryStoreWalletAndTransactions(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore error: %v", err)
	}
	address := "0xAbCd000000000000000000000000000000000001"
	if err := store.UpsertWallet(Wallet{Address: address, ConnectedAt: nowRFC3339()}); err != nil {
		t.Fatalf("UpsertWallet error: %v", err)
	}
	// lookups are case-insensitive on address
	if _, ok := store.GetWallet("0xABCD000000000000000000000000000000000001"); !ok {
		t.Fatalf("wallet lookup should ignore address case")
	}
	ten, _ := decimal.New(10, 0)
	wallet, err := store.UpdateWallet(address, func(w *Wallet) error {
		w.Balance = ten
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateWallet error: %v", err)
	}
	if wallet.Balance.Cmp(ten) != 0 {
		t.Fatalf("expected balance 10, got %s", wallet.Balance)
	}

	for _, id := range []string{"tx-1", "tx-2", "tx-3"} {
		if err := store.AppendTransaction(PaymentTransaction{
			ID:        id,
			Wallet:    address,
			Kind:      TxKindDeposit,
			Status:    TxStatusSettled,
			CreatedAt: nowRFC3339(),
		}); err != nil {
			t.Fatalf("AppendTransaction %s error: %v", id, err)
		}
	}
	listed := store.ListTransactions(address, 2)
	if len(listed) != 2 {
		t.Fatalf("expected 2 transactions, got %d", len(listed))
	}
	if listed[0].ID != "tx-3" {
		t.Fatalf("expected newest transaction first, got %s", listed[0].ID)
	}
}

func TestMemoryStoreWalletAnalytics(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore error: %v", err)
	}
	address := "0x1111000000000000000000000000000000000001"
	events := []UsageEvent{
		{KeyID: "k", Wallet: address, Action: "optimize", Provider: "openai", CostUSD: 1, SavedUSD: 1},
		{KeyID: "k", Wallet: address, Action: "chat", Provider: "anthropic", CostUSD: 2, SavedUSD: 0},
		{KeyID: "k", Wallet: "0x2222000000000000000000000000000000000002", Provider: "openai", CostUSD: 100},
	}
	for _, ev := range events {
		if err := store.RecordUsage(ev); err != nil {
			t.Fatalf("RecordUsage error: %v", err)
		}
	}
	analytics := store.WalletAnalytics(address)
	if analytics.TotalCalls != 2 {
		t.Fatalf("expected 2 calls, got %d", analytics.TotalCalls)
	}
	if analytics.TotalCostUSD != 3 {
		t.Fatalf("expected cost 3, got %f", analytics.TotalCostUSD)
	}
	if analytics.ByProvider["openai"].Calls != 1 {
		t.Fatalf("expected 1 openai call, got %d", analytics.ByProvider["openai"].Calls)
	}
	if analytics.SavingsPercent != 25 {
		t.Fatalf("expected 25%% savings, got %f", analytics.SavingsPercent)
	}
}

func TestMemoryStoreSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("NewMemoryStore error: %v", err)
	}
	rec := KeyRecord{
		ID:        "key-snap",
		Owner:     "bob",
		KeyHash:   sha256Hex("oa_snap"),
		CreatedAt: nowRFC3339(),
	}
	if err := store.CreateKey(rec); err != nil {
		t.Fatalf("CreateKey error: %v", err)
	}
	if err := store.UpsertWallet(Wallet{
		Address:     "0x3333000000000000000000000000000000000003",
		ConnectedAt: nowRFC3339(),
	}); err != nil {
		t.Fatalf("UpsertWallet error: %v", err)
	}

	reopened, err := NewMemoryStore(path)
	if err != nil {
		t.Fatalf("reopen NewMemoryStore error: %v", err)
	}
	if _, ok := reopened.GetKeyByHash(sha256Hex("oa_snap")); !ok {
		t.Fatalf("key missing after reopen")
	}
	if _, ok := reopened.GetWallet("0x3333000000000000000000000000000000000003"); !ok {
		t.Fatalf("wallet missing after reopen")
	}
}

func TestMemoryStoreOverview(t *testing.T) {
	store, err := NewMemoryStore("")
	if err != nil {
		t.Fatalf("NewMemoryStore error: %v", err)
	}
	_ = store.CreateKey(KeyRecord{ID: "k1", KeyHash: "h1", Usage: KeyUsage{Requests: 4}, CreatedAt: nowRFC3339()})
	_ = store.UpsertWallet(Wallet{Address: "0x4444000000000000000000000000000000000004", ConnectedAt: nowRFC3339()})
	fee, _ := decimal.NewFromFloat64(0.5)
	_ = store.AppendTransaction(PaymentTransaction{
		ID: "tx-s", Wallet: "0x4444000000000000000000000000000000000004",
		Amount: fee, Kind: TxKindSettlement, Status: TxStatusSettled, CreatedAt: nowRFC3339(),
	})
	_ = store.AppendTransaction(PaymentTransaction{
		ID: "tx-p", Wallet: "0x4444000000000000000000000000000000000004",
		Amount: fee, Kind: TxKindSettlement, Status: TxStatusPending, CreatedAt: nowRFC3339(),
	})

	overview := store.Overview()
	if overview.TotalKeys != 1 || overview.TotalWallets != 1 {
		t.Fatalf("unexpected overview counts: %+v", overview)
	}
	if overview.TotalRequests != 4 {
		t.Fatalf("expected 4 requests, got %d", overview.TotalRequests)
	}
	if overview.PendingSettlements != 1 {
		t.Fatalf("expected 1 pending settlement, got %d", overview.PendingSettlements)
	}
	if overview.SettledFeesUSD != 0.5 {
		t.Fatalf("expected 0.5 settled fees, got %f", overview.SettledFeesUSD)
	}
}
