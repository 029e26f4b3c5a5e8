package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/govalues/decimal"

	"onchain-agent/internal/x402"
)

// Settler moves accrued fees from wallets to the settlement address as
// signed (simulated) x402 transfers. Settlements run on a small worker pool;
// MaxParallel <= 0 switches to synchronous processing, which tests rely on.
type Settler struct {
	cfg   PaymentsConfig
	store Store
	signr *x402.Signer
	obs   *Observability
	queue chan string
	wg    sync.WaitGroup
}

func NewSettler(cfg PaymentsConfig, store Store, signer *x402.Signer, obs *Observability) *Settler {
	settler := &Settler{
		cfg:   cfg,
		store: store,
		signr: signer,
		obs:   obs,
	}
	if cfg.MaxParallel > 0 {
		settler.queue = make(chan string, cfg.MaxParallel*8)
		for i := 0; i < cfg.MaxParallel; i++ {
			settler.wg.Add(1)
			go func() {
				defer settler.wg.Done()
				settler.worker()
			}()
		}
	}
	return settler
}

func (s *Settler) Shutdown() {
	if s.queue == nil {
		return
	}
	close(s.queue)
	s.wg.Wait()
}

// Deposit credits a connected wallet and records a settled deposit transfer
// from the gateway's signing address.
func (s *Settler) Deposit(address string, amount decimal.Decimal) (PaymentTransaction, error) {
	if amount.Sign() <= 0 {
		return PaymentTransaction{}, errors.New("deposit amount must be positive")
	}
	// Signing inside the mutation keeps the nonce capture, the credit and
	// the nonce bump atomic; concurrent deposits cannot reuse a nonce.
	var txn PaymentTransaction
	if _, err := s.store.UpdateWallet(address, func(w *Wallet) error {
		payload := x402.Payload{
			From:    s.signr.Address(),
			To:      w.Address,
			Token:   s.cfg.Token,
			Amount:  amount,
			Nonce:   w.Nonce,
			ChainID: s.cfg.ChainID,
		}
		signature, signErr := s.signr.Sign(payload)
		if signErr != nil {
			return fmt.Errorf("sign deposit: %w", signErr)
		}
		hash, hashErr := x402.TransactionHash(payload, signature)
		if hashErr != nil {
			return fmt.Errorf("hash deposit: %w", hashErr)
		}
		next, addErr := w.Balance.Add(amount)
		if addErr != nil {
			return addErr
		}
		txn = PaymentTransaction{
			ID:        uuid.NewString(),
			Wallet:    w.Address,
			To:        w.Address,
			Token:     s.cfg.Token,
			Amount:    amount,
			Kind:      TxKindDeposit,
			Status:    TxStatusSettled,
			Nonce:     w.Nonce,
			Signature: signature,
			Hash:      hash,
			CreatedAt: nowRFC3339(),
			SettledAt: nowRFC3339(),
		}
		w.Balance = next
		w.Nonce++
		return nil
	}); err != nil {
		return PaymentTransaction{}, err
	}
	if err := s.store.AppendTransaction(txn); err != nil {
		return PaymentTransaction{}, err
	}
	return txn, nil
}

// RequestSettlement sweeps a wallet's accrued fees into a pending transfer
// and hands it to the worker pool. The accrued balance is zeroed up front so
// a second request cannot settle the same fees twice.
func (s *Settler) RequestSettlement(address string) (PaymentTransaction, error) {
	var amount decimal.Decimal
	var nonce uint64
	wallet, err := s.store.UpdateWallet(address, func(w *Wallet) error {
		if w.AccruedFees.Sign() <= 0 {
			return ErrNothingToSettle
		}
		if w.Balance.Cmp(w.AccruedFees) < 0 {
			return ErrInsufficientFunds
		}
		amount = w.AccruedFees
		nonce = w.Nonce
		w.AccruedFees = decimal.Decimal{}
		w.Nonce++
		return nil
	})
	if err != nil {
		return PaymentTransaction{}, err
	}
	txn := PaymentTransaction{
		ID:        uuid.NewString(),
		Wallet:    wallet.Address,
		To:        s.cfg.SettlementAddress,
		Token:     s.cfg.Token,
		Amount:    amount,
		Kind:      TxKindSettlement,
		Status:    TxStatusPending,
		Nonce:     nonce,
		CreatedAt: nowRFC3339(),
	}
	if err := s.store.AppendTransaction(txn); err != nil {
		return PaymentTransaction{}, err
	}
	if s.queue != nil {
		s.queue <- txn.ID
	} else {
		s.processSettlement(txn.ID)
	}
	return txn, nil
}

func (s *Settler) worker() {
	for txID := range s.queue {
		s.processSettlement(txID)
	}
}

func (s *Settler) processSettlement(txID string) {
	txn, ok := s.store.GetTransaction(txID)
	if !ok {
		slog.Error("settlement transaction vanished", "tx_id", txID)
		return
	}
	payload := x402.Payload{
		From:    txn.Wallet,
		To:      txn.To,
		Token:   txn.Token,
		Amount:  txn.Amount,
		Nonce:   txn.Nonce,
		ChainID: s.cfg.ChainID,
	}
	signature, err := s.signr.Sign(payload)
	if err != nil {
		s.failSettlement(txn, err)
		return
	}
	hash, err := x402.TransactionHash(payload, signature)
	if err != nil {
		s.failSettlement(txn, err)
		return
	}
	// Debit before marking settled. A chat debit may have drained the
	// balance since the sweep; in that case the settlement fails and the
	// fees go back to the wallet instead of the shortfall being absorbed.
	if _, err := s.store.UpdateWallet(txn.Wallet, func(w *Wallet) error {
		if w.Balance.Cmp(txn.Amount) < 0 {
			return ErrInsufficientFunds
		}
		next, subErr := w.Balance.Sub(txn.Amount)
		if subErr != nil {
			return subErr
		}
		w.Balance = next
		return nil
	}); err != nil {
		s.failSettlement(txn, err)
		return
	}
	if _, err := s.store.UpdateTransaction(txID, func(t *PaymentTransaction) {
		t.Signature = signature
		t.Hash = hash
		t.Status = TxStatusSettled
		t.SettledAt = nowRFC3339()
	}); err != nil {
		slog.Error("mark settlement settled", "tx_id", txID, "error", err)
		return
	}
	s.obs.MarkSettlement(context.Background(), TxStatusSettled)
	slog.Info("settlement complete", "tx_id", txID, "wallet", txn.Wallet, "hash", hash)
}

// failSettlement marks the transfer failed and gives the swept fees back.
func (s *Settler) failSettlement(txn PaymentTransaction, cause error) {
	_, _ = s.store.UpdateTransaction(txn.ID, func(t *PaymentTransaction) {
		t.Status = TxStatusFailed
		t.Error = cause.Error()
	})
	_, _ = s.store.UpdateWallet(txn.Wallet, func(w *Wallet) error {
		next, addErr := w.AccruedFees.Add(txn.Amount)
		if addErr != nil {
			return addErr
		}
		w.AccruedFees = next
		return nil
	})
	s.obs.MarkSettlement(context.Background(), TxStatusFailed)
	slog.Error("settlement failed", "tx_id", txn.ID, "wallet", txn.Wallet, "error", cause)
}
