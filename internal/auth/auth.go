// Package auth authenticates partners calling the relay API.
//
// Partners present "Authorization: Bearer sk_..." on every /v1 route.
// Operators issue and revoke keys through admin routes guarded by a
// shared secret. Only the SHA-256 of a key is stored.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/relaygate/internal/idgen"
	"github.com/mbd888/relaygate/internal/logging"
)

var (
	ErrNoAPIKey      = errors.New("auth: API key required")
	ErrInvalidAPIKey = errors.New("auth: invalid or expired API key")
	ErrKeyNotFound   = errors.New("auth: API key not found")
	ErrTooManyKeys   = errors.New("auth: partner has too many active keys")
	// ErrUnavailable means the key could not be checked, not that it is bad.
	ErrUnavailable = errors.New("auth: key store unavailable")
)

const (
	keyPrefix = "sk_"

	// MaxActiveKeys caps unrevoked, unexpired keys per partner.
	MaxActiveKeys = 10

	// touchInterval throttles last-used writes for a busy key.
	touchInterval = time.Minute
)

// APIKey is the stored metadata of a partner key.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	PartnerID string     `json:"partnerId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Active reports whether the key can authenticate at t.
func (k *APIKey) Active(t time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || t.Before(*k.ExpiresAt))
}

// Store persists API keys. Revoke is one-way; Touch only moves last_used.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	ListByPartner(ctx context.Context, partnerID string) ([]*APIKey, error)
	Revoke(ctx context.Context, partnerID, keyID string) error
	Touch(ctx context.Context, keyID string, at time.Time) error
}

// Manager issues and validates keys.
type Manager struct {
	store Store
	now   func() time.Time
	// touched, when set, runs after each async last-used write.
	touched func(keyID string)
}

// NewManager creates a manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// GenerateKey creates a key for partnerID. A zero ttl never expires. The
// raw key is returned once and never stored.
func (m *Manager) GenerateKey(ctx context.Context, partnerID, name string, ttl time.Duration) (string, *APIKey, error) {
	existing, err := m.store.ListByPartner(ctx, partnerID)
	if err != nil {
		return "", nil, err
	}
	now := m.now()
	active := 0
	for _, k := range existing {
		if k.Active(now) {
			active++
		}
	}
	if active >= MaxActiveKeys {
		return "", nil, ErrTooManyKeys
	}

	raw := keyPrefix + idgen.Hex(32)
	key := &APIKey{
		ID:        idgen.WithPrefix(idgen.APIKey),
		Hash:      hashKey(raw),
		PartnerID: partnerID,
		Name:      name,
		CreatedAt: now,
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey accepts a raw key with or without the "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return nil, ErrNoAPIKey
	}
	if !strings.HasPrefix(raw, keyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	switch {
	case errors.Is(err, ErrKeyNotFound):
		return nil, ErrInvalidAPIKey
	case err != nil:
		logging.L(ctx).Error("api key lookup failed", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	now := m.now()
	if !key.Active(now) {
		return nil, ErrInvalidAPIKey
	}

	if now.Sub(key.LastUsed) >= touchInterval {
		go m.touch(key.ID, now)
	}
	return key, nil
}

func (m *Manager) touch(keyID string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.Touch(ctx, keyID, at); err != nil {
		logging.L(ctx).Warn("api key last-used update failed", "key_id", keyID, "error", err)
	}
	if m.touched != nil {
		m.touched(keyID)
	}
}

// ListKeys returns all keys for a partner.
func (m *Manager) ListKeys(ctx context.Context, partnerID string) ([]*APIKey, error) {
	return m.store.ListByPartner(ctx, partnerID)
}

// RevokeKey revokes one of partnerID's keys. Another partner's key is
// reported as not found.
func (m *Manager) RevokeKey(ctx context.Context, partnerID, keyID string) error {
	return m.store.Revoke(ctx, partnerID, keyID)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
