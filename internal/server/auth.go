package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// apiKeyHeader carries the caller's key on every authenticated route.
const apiKeyHeader = "X-API-Key"

// IssuedKey pairs a freshly minted plaintext token with its stored record.
// The plaintext is shown once and never persisted.
type IssuedKey struct {
	Token  string
	Record KeyRecord
}

// KeyManager issues and authenticates API keys against the store.
type KeyManager struct {
	store        Store
	prefix       string
	adminToken   string
	defaultPerms []string
}

func NewKeyManager(store Store, cfg ServerConfig) *KeyManager {
	return &KeyManager{
		store:        store,
		prefix:       cfg.Keys.Prefix,
		adminToken:   strings.TrimSpace(cfg.Security.AdminToken),
		defaultPerms: cfg.Keys.DefaultPermissions,
	}
}

// Issue creates a new key for owner. Permissions default to the configured
// set when none are given.
func (m *KeyManager) Issue(owner string, permissions []string) (IssuedKey, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return IssuedKey{}, errors.New("owner required")
	}
	if len(permissions) == 0 {
		permissions = append([]string(nil), m.defaultPerms...)
	}
	secret, err := randomBase64(32)
	if err != nil {
		return IssuedKey{}, fmt.Errorf("generate key: %w", err)
	}
	token := m.prefix + secret
	prefixLen := 12
	if len(token) < prefixLen {
		prefixLen = len(token)
	}
	rec := KeyRecord{
		ID:          uuid.NewString(),
		Owner:       owner,
		Prefix:      token[:prefixLen],
		KeyHash:     sha256Hex(token),
		Permissions: permissions,
		CreatedAt:   nowRFC3339(),
	}
	if err := m.store.CreateKey(rec); err != nil {
		return IssuedKey{}, err
	}
	return IssuedKey{Token: token, Record: rec}, nil
}

// Authenticate resolves the X-API-Key header to a stored key record.
func (m *KeyManager) Authenticate(r *http.Request) (KeyRecord, error) {
	token := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	if token == "" {
		return KeyRecord{}, errors.New("missing " + apiKeyHeader + " header")
	}
	if !strings.HasPrefix(token, m.prefix) {
		return KeyRecord{}, errors.New("malformed api key")
	}
	rec, ok := m.store.GetKeyByHash(sha256Hex(token))
	if !ok {
		return KeyRecord{}, errors.New("unknown api key")
	}
	return rec, nil
}

// IsAdmin checks the X-Admin-Token header or a Bearer token against the
// configured admin token.
func (m *KeyManager) IsAdmin(r *http.Request) bool {
	if m.adminToken == "" {
		return false
	}
	token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if token != "" && subtleConstantCompare(token, m.adminToken) {
		return true
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		bt := strings.TrimSpace(authHeader[7:])
		if bt != "" && subtleConstantCompare(bt, m.adminToken) {
			return true
		}
	}
	return false
}

type keyContextKey struct{}

// KeyFromContext returns the authenticated key record placed by the key
// middleware.
func KeyFromContext(ctx context.Context) (KeyRecord, bool) {
	value := ctx.Value(keyContextKey{})
	rec, ok := value.(KeyRecord)
	return rec, ok
}

func withKey(ctx context.Context, rec KeyRecord) context.Context {
	return context.WithValue(ctx, keyContextKey{}, rec)
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func randomBase64(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func subtleConstantCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	diff := byte(0)
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
