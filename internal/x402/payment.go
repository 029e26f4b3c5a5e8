package x402

import (
	"fmt"
	"strings"

	"github.com/govalues/decimal"
)

// Payload is the canonical settlement message that gets signed.
type Payload struct {
	From    string          `json:"from"`
	To      string          `json:"to"`
	Token   string          `json:"token"`
	Amount  decimal.Decimal `json:"amount"`
	Nonce   uint64          `json:"nonce"`
	ChainID int64           `json:"chain_id"`
}

// Validate checks addresses and amount before signing.
func (p Payload) Validate() error {
	if !ValidAddress(p.From) {
		return fmt.Errorf("x402: invalid from address %q", p.From)
	}
	if !ValidAddress(p.To) {
		return fmt.Errorf("x402: invalid to address %q", p.To)
	}
	if strings.TrimSpace(p.Token) == "" {
		return fmt.Errorf("x402: token is required")
	}
	if p.Amount.Sign() <= 0 {
		return fmt.Errorf("x402: amount must be positive, got %s", p.Amount)
	}
	return nil
}

// canonical renders the payload as a fixed-order pipe-delimited string.
// The order must never change once transactions exist.
func (p Payload) canonical() ([]byte, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s := strings.Join([]string{
		strings.ToLower(p.From),
		strings.ToLower(p.To),
		strings.ToUpper(p.Token),
		p.Amount.String(),
		fmt.Sprintf("%d", p.Nonce),
		fmt.Sprintf("%d", p.ChainID),
	}, "|")
	return []byte(s), nil
}
