package server

import "errors"

// Sentinel errors shared by the store implementations and handlers.
var (
	ErrKeyNotFound         = errors.New("api key not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrDuplicate           = errors.New("already exists")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrNothingToSettle     = errors.New("nothing to settle")
)
