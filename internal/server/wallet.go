package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/govalues/decimal"

	"onchain-agent/internal/x402"
)

type walletConnectRequest struct {
	WalletAddress string `json:"wallet_address"`
	Signature     string `json:"signature,omitempty"`
}

func (a *API) handleWalletConnect(w http.ResponseWriter, r *http.Request) {
	var req walletConnectRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !x402.ValidAddress(req.WalletAddress) {
		writeFailure(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	address := strings.ToLower(req.WalletAddress)

	// Reconnecting keeps the existing balance and fee state.
	if existing, ok := a.store.GetWallet(address); ok {
		if req.Signature != "" && req.Signature != existing.Signature {
			existing.Signature = req.Signature
			if err := a.store.UpsertWallet(existing); err != nil {
				writeFailure(w, http.StatusInternalServerError, "update wallet failed")
				return
			}
		}
		writeSuccess(w, http.StatusOK, existing)
		return
	}

	wallet := Wallet{
		Address:     address,
		Signature:   req.Signature,
		ConnectedAt: nowRFC3339(),
	}
	if err := a.store.UpsertWallet(wallet); err != nil {
		writeFailure(w, http.StatusInternalServerError, "connect wallet failed")
		return
	}
	writeSuccess(w, http.StatusCreated, wallet)
}

type walletStatus struct {
	Wallet
	TransactionCount int `json:"transaction_count"`
}

func (a *API) handleWalletGet(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !x402.ValidAddress(address) {
		writeFailure(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	wallet, ok := a.store.GetWallet(address)
	if !ok {
		writeFailure(w, http.StatusNotFound, "wallet not connected")
		return
	}
	writeSuccess(w, http.StatusOK, walletStatus{
		Wallet:           wallet,
		TransactionCount: len(a.store.ListTransactions(wallet.Address, 0)),
	})
}

func (a *API) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !x402.ValidAddress(address) {
		writeFailure(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	if _, ok := a.store.GetWallet(address); !ok {
		writeFailure(w, http.StatusNotFound, "wallet not connected")
		return
	}
	limit := parseLimit(r, 50)
	writeSuccess(w, http.StatusOK, map[string]any{
		"transactions": a.store.ListTransactions(address, limit),
	})
}

type depositRequest struct {
	Amount float64 `json:"amount"`
}

func (a *API) handleWalletDeposit(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !x402.ValidAddress(address) {
		writeFailure(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	var req depositRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeFailure(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	amount, err := decimal.NewFromFloat64(req.Amount)
	if err != nil || amount.Sign() <= 0 {
		writeFailure(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	txn, err := a.settler.Deposit(address, amount.Round(6))
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			writeFailure(w, http.StatusNotFound, "wallet not connected")
			return
		}
		writeFailure(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeSuccess(w, http.StatusCreated, txn)
}

func (a *API) handleWalletSettle(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !x402.ValidAddress(address) {
		writeFailure(w, http.StatusBadRequest, "invalid wallet address")
		return
	}
	txn, err := a.settler.RequestSettlement(address)
	if err != nil {
		switch {
		case errors.Is(err, ErrWalletNotFound):
			writeFailure(w, http.StatusNotFound, "wallet not connected")
		case errors.Is(err, ErrNothingToSettle):
			writeFailure(w, http.StatusUnprocessableEntity, "no accrued fees to settle")
		case errors.Is(err, ErrInsufficientFunds):
			writeFailure(w, http.StatusPaymentRequired, "wallet balance below accrued fees")
		default:
			writeFailure(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeSuccess(w, http.StatusAccepted, txn)
}
