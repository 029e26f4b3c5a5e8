// Package x402 implements the simulated x402 micropayment settlement layer.
// Payloads are signed with real secp256k1 keys and hashed with Keccak-256 so
// transaction hashes and addresses are well-formed, but nothing is ever
// broadcast to a chain.
package x402

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ValidAddress reports whether s looks like an EVM address.
func ValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Signer signs settlement payloads with a secp256k1 private key.
type Signer struct {
	privKey *secp256k1.PrivateKey
	address string
}

// NewSigner parses a hex-encoded 32-byte private key.
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("x402: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("x402: private key must be 32 bytes, got %d", len(keyBytes))
	}
	privKey := secp256k1.PrivKeyFromBytes(keyBytes)
	if privKey.Key.IsZero() {
		return nil, fmt.Errorf("x402: private key is zero")
	}
	return &Signer{
		privKey: privKey,
		address: deriveAddress(privKey),
	}, nil
}

// Address returns the EVM address derived from the signer's key.
func (s *Signer) Address() string {
	return s.address
}

// deriveAddress computes the EVM address from a secp256k1 private key.
// Pipeline: uncompressed pubkey (minus the 0x04 prefix) → Keccak-256 → last 20 bytes.
func deriveAddress(privKey *secp256k1.PrivateKey) string {
	uncompressed := privKey.PubKey().SerializeUncompressed() // 65 bytes
	digest := keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}

// Sign produces the ECDSA signature for a settlement payload.
// Returns the base64-encoded compact signature (recovery flag || r || s, 65 bytes).
func (s *Signer) Sign(payload Payload) (string, error) {
	canonical, err := payload.canonical()
	if err != nil {
		return "", err
	}
	digest := keccak256(canonical)
	compactSig := ecdsa.SignCompact(s.privKey, digest, false)
	return base64.StdEncoding.EncodeToString(compactSig), nil
}

// RecoverSigner returns the address that produced the given signature over the
// payload, or an error if the signature does not verify.
func RecoverSigner(payload Payload, signature string) (string, error) {
	sigBytes, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return "", fmt.Errorf("x402: decode signature: %w", err)
	}
	canonical, err := payload.canonical()
	if err != nil {
		return "", err
	}
	digest := keccak256(canonical)
	pubKey, _, err := ecdsa.RecoverCompact(sigBytes, digest)
	if err != nil {
		return "", fmt.Errorf("x402: recover signer: %w", err)
	}
	uncompressed := pubKey.SerializeUncompressed()
	addrDigest := keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(addrDigest[12:]), nil
}

// TransactionHash derives the simulated on-chain hash for a signed payload:
// 0x + hex(Keccak-256(canonical payload || signature)).
func TransactionHash(payload Payload, signature string) (string, error) {
	canonical, err := payload.canonical()
	if err != nil {
		return "", err
	}
	digest := keccak256(append(canonical, []byte(signature)...))
	return "0x" + hex.EncodeToString(digest), nil
}

func keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}
