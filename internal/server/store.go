package server

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is the injected storage boundary for the gateway. Handlers never
// touch shared state directly; everything flows through one of these.
type Store interface {
	CreateKey(rec KeyRecord) error
	GetKey(id string) (KeyRecord, bool)
	GetKeyByHash(hash string) (KeyRecord, bool)
	ListKeys() []KeyRecord
	DeleteKey(id string) error
	UpdateKey(id string, mutate func(*KeyRecord)) (KeyRecord, error)

	UpsertWallet(w Wallet) error
	GetWallet(address string) (Wallet, bool)
	UpdateWallet(address string, mutate func(*Wallet) error) (Wallet, error)

	AppendTransaction(tx PaymentTransaction) error
	GetTransaction(id string) (PaymentTransaction, bool)
	UpdateTransaction(id string, mutate func(*PaymentTransaction)) (PaymentTransaction, error)
	ListTransactions(address string, limit int) []PaymentTransaction

	RecordUsage(ev UsageEvent) error
	WalletAnalytics(address string) WalletAnalytics
	Overview() UsageOverview

	Ping(ctx context.Context) error
}

// maxUsageEvents bounds the in-memory usage history.
const maxUsageEvents = 10000

// MemoryStore keeps everything in maps guarded by one RWMutex, with an
// optional JSON snapshot on disk so dev restarts don't lose state.
type MemoryStore struct {
	mu         sync.RWMutex
	path       string
	keys       map[string]KeyRecord
	keysByHash map[string]string
	wallets    map[string]Wallet
	txs        map[string]PaymentTransaction
	txOrder    []string
	usage      []UsageEvent
}

// NewMemoryStore creates a MemoryStore. An empty path disables snapshots.
func NewMemoryStore(path string) (*MemoryStore, error) {
	store := &MemoryStore{
		path:       path,
		keys:       map[string]KeyRecord{},
		keysByHash: map[string]string{},
		wallets:    map[string]Wallet{},
		txs:        map[string]PaymentTransaction{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryStore) CreateKey(rec KeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[rec.ID]; exists {
		return fmt.Errorf("key %s: %w", rec.ID, ErrDuplicate)
	}
	if _, exists := s.keysByHash[rec.KeyHash]; exists {
		return fmt.Errorf("key hash: %w", ErrDuplicate)
	}
	s.keys[rec.ID] = rec
	s.keysByHash[rec.KeyHash] = rec.ID
	return s.persistLocked()
}

func (s *MemoryStore) GetKey(id string) (KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.keys[id]
	return rec, ok
}

func (s *MemoryStore) GetKeyByHash(hash string) (KeyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[hash]
	if !ok {
		return KeyRecord{}, false
	}
	rec, ok := s.keys[id]
	return rec, ok
}

func (s *MemoryStore) ListKeys() []KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]KeyRecord, 0, len(s.keys))
	for _, rec := range s.keys {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

func (s *MemoryStore) DeleteKey(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[id]
	if !ok {
		return ErrKeyNotFound
	}
	delete(s.keys, id)
	delete(s.keysByHash, rec.KeyHash)
	return s.persistLocked()
}

func (s *MemoryStore) UpdateKey(id string, mutate func(*KeyRecord)) (KeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.keys[id]
	if !ok {
		return KeyRecord{}, ErrKeyNotFound
	}
	if mutate != nil {
		mutate(&rec)
	}
	s.keys[id] = rec
	if err := s.persistLocked(); err != nil {
		return KeyRecord{}, err
	}
	return rec, nil
}

func (s *MemoryStore) UpsertWallet(w Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[strings.ToLower(w.Address)] = w
	return s.persistLocked()
}

func (s *MemoryStore) GetWallet(address string) (Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[strings.ToLower(address)]
	return w, ok
}

func (s *MemoryStore) UpdateWallet(address string, mutate func(*Wallet) error) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(address)
	w, ok := s.wallets[key]
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if mutate != nil {
		if err := mutate(&w); err != nil {
			return Wallet{}, err
		}
	}
	s.wallets[key] = w
	if err := s.persistLocked(); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

func (s *MemoryStore) AppendTransaction(tx PaymentTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.txs[tx.ID]; exists {
		return fmt.Errorf("transaction %s: %w", tx.ID, ErrDuplicate)
	}
	s.txs[tx.ID] = tx
	s.txOrder = append(s.txOrder, tx.ID)
	return s.persistLocked()
}

func (s *MemoryStore) GetTransaction(id string) (PaymentTransaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	return tx, ok
}

func (s *MemoryStore) UpdateTransaction(id string, mutate func(*PaymentTransaction)) (PaymentTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return PaymentTransaction{}, ErrTransactionNotFound
	}
	if mutate != nil {
		mutate(&tx)
	}
	s.txs[id] = tx
	if err := s.persistLocked(); err != nil {
		return PaymentTransaction{}, err
	}
	return tx, nil
}

func (s *MemoryStore) ListTransactions(address string, limit int) []PaymentTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := strings.ToLower(address)
	out := make([]PaymentTransaction, 0)
	// txOrder is append-only, so walking backwards yields newest first.
	for i := len(s.txOrder) - 1; i >= 0; i-- {
		tx := s.txs[s.txOrder[i]]
		if wanted != "" && strings.ToLower(tx.Wallet) != wanted {
			continue
		}
		out = append(out, tx)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (s *MemoryStore) RecordUsage(ev UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(ev.Timestamp) == "" {
		ev.Timestamp = nowRFC3339()
	}
	s.usage = append(s.usage, ev)
	if len(s.usage) > maxUsageEvents {
		s.usage = s.usage[len(s.usage)-maxUsageEvents:]
	}
	return s.persistLocked()
}

func (s *MemoryStore) WalletAnalytics(address string) WalletAnalytics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wanted := strings.ToLower(address)
	analytics := WalletAnalytics{
		Wallet:      wanted,
		GeneratedAt: nowRFC3339(),
		ByProvider:  map[string]ProviderUsage{},
	}
	for _, ev := range s.usage {
		if strings.ToLower(ev.Wallet) != wanted {
			continue
		}
		analytics.TotalCalls++
		analytics.TotalCostUSD += ev.CostUSD
		analytics.TotalSavedUSD += ev.SavedUSD
		pu := analytics.ByProvider[ev.Provider]
		pu.Calls++
		pu.CostUSD += ev.CostUSD
		pu.SavedUSD += ev.SavedUSD
		analytics.ByProvider[ev.Provider] = pu
	}
	if total := analytics.TotalCostUSD + analytics.TotalSavedUSD; total > 0 {
		analytics.SavingsPercent = analytics.TotalSavedUSD / total * 100
	}
	return analytics
}

func (s *MemoryStore) Overview() UsageOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := UsageOverview{
		GeneratedAt:  nowRFC3339(),
		TotalKeys:    len(s.keys),
		TotalWallets: len(s.wallets),
	}
	for _, rec := range s.keys {
		overview.TotalRequests += rec.Usage.Requests
	}
	for _, tx := range s.txs {
		overview.TotalTransactions++
		switch tx.Status {
		case TxStatusPending:
			overview.PendingSettlements++
		case TxStatusSettled:
			if tx.Kind == TxKindSettlement {
				overview.SettledFeesUSD += decimalToFloat(tx.Amount)
			}
		}
	}
	for _, ev := range s.usage {
		overview.TotalCostUSD += ev.CostUSD
		overview.TotalSavedUSD += ev.SavedUSD
	}
	return overview
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

type memorySnapshot struct {
	Keys         []KeyRecord          `json:"keys"`
	Wallets      []Wallet             `json:"wallets"`
	Transactions []PaymentTransaction `json:"transactions"`
	TxOrder      []string             `json:"tx_order"`
	Usage        []UsageEvent         `json:"usage"`
}

func (s *MemoryStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot memorySnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, rec := range snapshot.Keys {
		s.keys[rec.ID] = rec
		s.keysByHash[rec.KeyHash] = rec.ID
	}
	for _, w := range snapshot.Wallets {
		s.wallets[strings.ToLower(w.Address)] = w
	}
	for _, tx := range snapshot.Transactions {
		s.txs[tx.ID] = tx
	}
	s.txOrder = snapshot.TxOrder
	s.usage = snapshot.Usage
	return nil
}

func (s *MemoryStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	snapshot := memorySnapshot{
		Keys:         make([]KeyRecord, 0, len(s.keys)),
		Wallets:      make([]Wallet, 0, len(s.wallets)),
		Transactions: make([]PaymentTransaction, 0, len(s.txs)),
		TxOrder:      s.txOrder,
		Usage:        s.usage,
	}
	for _, rec := range s.keys {
		snapshot.Keys = append(snapshot.Keys, rec)
	}
	sort.Slice(snapshot.Keys, func(i, j int) bool {
		return snapshot.Keys[i].CreatedAt < snapshot.Keys[j].CreatedAt
	})
	for _, w := range s.wallets {
		snapshot.Wallets = append(snapshot.Wallets, w)
	}
	sort.Slice(snapshot.Wallets, func(i, j int) bool {
		return snapshot.Wallets[i].Address < snapshot.Wallets[j].Address
	})
	for _, id := range s.txOrder {
		if tx, ok := s.txs[id]; ok {
			snapshot.Transactions = append(snapshot.Transactions, tx)
		}
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
