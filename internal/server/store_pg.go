package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore persists gateway state in Postgres. Key and transaction records are
// stored as JSONB so the row shape survives field additions; wallet balances
// get real columns because settlement mutates them under FOR UPDATE.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateKey(rec KeyRecord) error {
	record, _ := json.Marshal(rec)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO api_keys (id, key_hash, record, created_at) VALUES ($1,$2,$3,$4)`,
		rec.ID, rec.KeyHash, record, rec.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("key %s: %w", rec.ID, ErrDuplicate)
	}
	return err
}

func (s *PgStore) GetKey(id string) (KeyRecord, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT record FROM api_keys WHERE id=$1`, id)
	return scanKeyRecord(row)
}

func (s *PgStore) GetKeyByHash(hash string) (KeyRecord, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT record FROM api_keys WHERE key_hash=$1`, hash)
	return scanKeyRecord(row)
}

func (s *PgStore) ListKeys() []KeyRecord {
	rows, err := s.pool.Query(context.Background(),
		`SELECT record FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return []KeyRecord{}
	}
	defer rows.Close()
	var out []KeyRecord
	for rows.Next() {
		if rec, ok := scanKeyRecord(rows); ok {
			out = append(out, rec)
		}
	}
	if out == nil {
		return []KeyRecord{}
	}
	return out
}

func (s *PgStore) DeleteKey(id string) error {
	tag, err := s.pool.Exec(context.Background(),
		`DELETE FROM api_keys WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *PgStore) UpdateKey(id string, mutate func(*KeyRecord)) (KeyRecord, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return KeyRecord{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT record FROM api_keys WHERE id=$1 FOR UPDATE`, id)
	rec, ok := scanKeyRecord(row)
	if !ok {
		return KeyRecord{}, ErrKeyNotFound
	}
	if mutate != nil {
		mutate(&rec)
	}
	record, _ := json.Marshal(rec)
	if _, err := tx.Exec(ctx, `UPDATE api_keys SET record=$1 WHERE id=$2`, record, id); err != nil {
		return KeyRecord{}, err
	}
	return rec, tx.Commit(ctx)
}

func (s *PgStore) UpsertWallet(w Wallet) error {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO wallets (address, signature, balance, accrued_fees, nonce, connected_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (address) DO UPDATE SET
		   signature=EXCLUDED.signature,
		   balance=EXCLUDED.balance,
		   accrued_fees=EXCLUDED.accrued_fees,
		   nonce=EXCLUDED.nonce`,
		strings.ToLower(w.Address), w.Signature, w.Balance.String(),
		w.AccruedFees.String(), int64(w.Nonce), w.ConnectedAt)
	return err
}

func (s *PgStore) GetWallet(address string) (Wallet, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT address, signature, balance, accrued_fees, nonce, connected_at
		 FROM wallets WHERE address=$1`, strings.ToLower(address))
	return scanWallet(row)
}

func (s *PgStore) UpdateWallet(address string, mutate func(*Wallet) error) (Wallet, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Wallet{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT address, signature, balance, accrued_fees, nonce, connected_at
		 FROM wallets WHERE address=$1 FOR UPDATE`, strings.ToLower(address))
	w, ok := scanWallet(row)
	if !ok {
		return Wallet{}, ErrWalletNotFound
	}
	if mutate != nil {
		if err := mutate(&w); err != nil {
			return Wallet{}, err
		}
	}
	_, err = tx.Exec(ctx,
		`UPDATE wallets SET signature=$1, balance=$2, accrued_fees=$3, nonce=$4 WHERE address=$5`,
		w.Signature, w.Balance.String(), w.AccruedFees.String(), int64(w.Nonce), strings.ToLower(address))
	if err != nil {
		return Wallet{}, err
	}
	return w, tx.Commit(ctx)
}

func (s *PgStore) AppendTransaction(txn PaymentTransaction) error {
	record, _ := json.Marshal(txn)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO transactions (id, wallet, record, created_at) VALUES ($1,$2,$3,$4)`,
		txn.ID, strings.ToLower(txn.Wallet), record, txn.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return fmt.Errorf("transaction %s: %w", txn.ID, ErrDuplicate)
	}
	return err
}

func (s *PgStore) GetTransaction(id string) (PaymentTransaction, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT record FROM transactions WHERE id=$1`, id)
	return scanTransaction(row)
}

func (s *PgStore) UpdateTransaction(id string, mutate func(*PaymentTransaction)) (PaymentTransaction, error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PaymentTransaction{}, err
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `SELECT record FROM transactions WHERE id=$1 FOR UPDATE`, id)
	txn, ok := scanTransaction(row)
	if !ok {
		return PaymentTransaction{}, ErrTransactionNotFound
	}
	if mutate != nil {
		mutate(&txn)
	}
	record, _ := json.Marshal(txn)
	if _, err := tx.Exec(ctx, `UPDATE transactions SET record=$1 WHERE id=$2`, record, id); err != nil {
		return PaymentTransaction{}, err
	}
	return txn, tx.Commit(ctx)
}

func (s *PgStore) ListTransactions(address string, limit int) []PaymentTransaction {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT record FROM transactions ORDER BY created_at DESC LIMIT $1`
	args := []any{limit}
	if strings.TrimSpace(address) != "" {
		query = `SELECT record FROM transactions WHERE wallet=$1 ORDER BY created_at DESC LIMIT $2`
		args = []any{strings.ToLower(address), limit}
	}
	rows, err := s.pool.Query(context.Background(), query, args...)
	if err != nil {
		return []PaymentTransaction{}
	}
	defer rows.Close()
	var out []PaymentTransaction
	for rows.Next() {
		if txn, ok := scanTransaction(rows); ok {
			out = append(out, txn)
		}
	}
	if out == nil {
		return []PaymentTransaction{}
	}
	return out
}

func (s *PgStore) RecordUsage(ev UsageEvent) error {
	if strings.TrimSpace(ev.Timestamp) == "" {
		ev.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO usage_events (timestamp,key_id,wallet,action,provider,model,input_tokens,output_tokens,cost_usd,saved_usd,fee_usd)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		ev.Timestamp, ev.KeyID, strings.ToLower(ev.Wallet), ev.Action, ev.Provider,
		ev.Model, ev.InputTokens, ev.OutputTokens, ev.CostUSD, ev.SavedUSD, ev.FeeUSD)
	return err
}

func (s *PgStore) WalletAnalytics(address string) WalletAnalytics {
	analytics := WalletAnalytics{
		Wallet:      strings.ToLower(address),
		GeneratedAt: nowRFC3339(),
		ByProvider:  map[string]ProviderUsage{},
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT provider, COUNT(*), COALESCE(SUM(cost_usd),0), COALESCE(SUM(saved_usd),0)
		 FROM usage_events WHERE wallet=$1 GROUP BY provider`, strings.ToLower(address))
	if err != nil {
		return analytics
	}
	defer rows.Close()
	for rows.Next() {
		var provider string
		var pu ProviderUsage
		if rows.Scan(&provider, &pu.Calls, &pu.CostUSD, &pu.SavedUSD) != nil {
			continue
		}
		analytics.ByProvider[provider] = pu
		analytics.TotalCalls += pu.Calls
		analytics.TotalCostUSD += pu.CostUSD
		analytics.TotalSavedUSD += pu.SavedUSD
	}
	if total := analytics.TotalCostUSD + analytics.TotalSavedUSD; total > 0 {
		analytics.SavingsPercent = analytics.TotalSavedUSD / total * 100
	}
	return analytics
}

func (s *PgStore) Overview() UsageOverview {
	overview := UsageOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT COUNT(*), COALESCE(SUM((record->'usage'->>'requests')::BIGINT),0) FROM api_keys`).
		Scan(&overview.TotalKeys, &overview.TotalRequests)
	_ = s.pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM wallets`).Scan(&overview.TotalWallets)
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE record->>'status'='pending'),
			COALESCE(SUM((record->>'amount')::NUMERIC) FILTER (WHERE record->>'status'='settled' AND record->>'kind'='settlement'),0)
		 FROM transactions`).
		Scan(&overview.TotalTransactions, &overview.PendingSettlements, &overview.SettledFeesUSD)
	_ = s.pool.QueryRow(context.Background(),
		`SELECT COALESCE(SUM(cost_usd),0), COALESCE(SUM(saved_usd),0) FROM usage_events`).
		Scan(&overview.TotalCostUSD, &overview.TotalSavedUSD)
	return overview
}

func (s *PgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanKeyRecord(row scannable) (KeyRecord, bool) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		return KeyRecord{}, false
	}
	var rec KeyRecord
	if err := json.Unmarshal(record, &rec); err != nil {
		return KeyRecord{}, false
	}
	return rec, true
}

func scanWallet(row scannable) (Wallet, bool) {
	var w Wallet
	var balance, accrued string
	var nonce int64
	if err := row.Scan(&w.Address, &w.Signature, &balance, &accrued, &nonce, &w.ConnectedAt); err != nil {
		return Wallet{}, false
	}
	w.Balance = decimalFromString(balance)
	w.AccruedFees = decimalFromString(accrued)
	w.Nonce = uint64(nonce)
	return w, true
}

func scanTransaction(row scannable) (PaymentTransaction, bool) {
	var record []byte
	if err := row.Scan(&record); err != nil {
		return PaymentTransaction{}, false
	}
	var txn PaymentTransaction
	if err := json.Unmarshal(record, &txn); err != nil {
		return PaymentTransaction{}, false
	}
	return txn, true
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
