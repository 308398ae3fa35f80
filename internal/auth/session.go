package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ErrInvalidUserID is returned when attempting to create a session without a
// user identifier.
var ErrInvalidUserID = errors.New("userID is required")

// SessionStore defines the persistence contract for session tokens. Stores
// only ever see the SHA-256 hash of a token, never the token itself.
type SessionStore interface {
	Save(record SessionRecord) error
	Get(tokenHash string) (SessionRecord, bool, error)
	Delete(tokenHash string) error
	PurgeExpired(now time.Time) error
}

// SessionRecord captures a session row retrieved from the backing store.
type SessionRecord struct {
	TokenHash         string
	UserID            string
	ExpiresAt         time.Time
	AbsoluteExpiresAt time.Time
}

// Option configures a Manager instance.
type Option func(*Manager)

// WithStore injects a custom SessionStore implementation.
func WithStore(store SessionStore) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithIdleTimeout enables idle expiration: a session stays valid for the
// given duration past its last validation, capped by the absolute TTL.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// Manager issues and validates bearer session tokens against a backing store.
type Manager struct {
	store       SessionStore
	absoluteTTL time.Duration
	idleTimeout time.Duration
	now         func() time.Time
}

// NewManager constructs a Manager with the provided absolute TTL. The manager
// defaults to a 7-day TTL and an in-memory store when no store is supplied.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	manager := &Manager{
		absoluteTTL: ttl,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(manager)
		}
	}
	if manager.store == nil {
		manager.store = NewMemorySessionStore()
	}
	return manager
}

// Create issues a new session token for the provided user identifier and
// returns the raw token with its expiry.
func (m *Manager) Create(userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidUserID
	}
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	now := m.now()
	absolute := now.Add(m.absoluteTTL)
	expires := absolute
	if m.idleTimeout > 0 {
		expires = now.Add(m.idleTimeout)
		if expires.After(absolute) {
			expires = absolute
		}
	}
	record := SessionRecord{
		TokenHash:         hashToken(token),
		UserID:            userID,
		ExpiresAt:         expires.UTC(),
		AbsoluteExpiresAt: absolute.UTC(),
	}
	if err := m.store.Save(record); err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Validate resolves a raw token to its user. Valid sessions with an idle
// timeout configured have their expiry pushed forward, never past the
// absolute TTL.
func (m *Manager) Validate(token string) (string, time.Time, bool, error) {
	if token == "" {
		return "", time.Time{}, false, nil
	}
	hash := hashToken(token)
	record, ok, err := m.store.Get(hash)
	if err != nil {
		return "", time.Time{}, false, err
	}
	if !ok {
		return "", time.Time{}, false, nil
	}
	now := m.now()
	if now.After(record.ExpiresAt) || now.After(record.AbsoluteExpiresAt) {
		_ = m.store.Delete(hash)
		return "", time.Time{}, false, nil
	}
	expires := record.ExpiresAt
	if m.idleTimeout > 0 {
		refreshTo := now.Add(m.idleTimeout)
		if refreshTo.After(record.AbsoluteExpiresAt) {
			refreshTo = record.AbsoluteExpiresAt
		}
		if refreshTo.After(record.ExpiresAt) {
			record.ExpiresAt = refreshTo.UTC()
			if err := m.store.Save(record); err != nil {
				return "", time.Time{}, false, err
			}
			expires = refreshTo
		}
	}
	return record.UserID, expires, true, nil
}

// Revoke deletes the session token from the backing store.
func (m *Manager) Revoke(token string) error {
	if token == "" {
		return nil
	}
	return m.store.Delete(hashToken(token))
}

// PurgeExpired removes any expired sessions from the backing store.
func (m *Manager) PurgeExpired() error {
	return m.store.PurgeExpired(m.now())
}

// Ping verifies the underlying session store is reachable when it exposes a
// ping method.
func (m *Manager) Ping(ctx context.Context) error {
	if m == nil || m.store == nil {
		return nil
	}
	if pinger, ok := m.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
