package auth

import (
	"testing"
	"time"
)

func TestCreateAndValidateRoundTrip(t *testing.T) {
	manager := NewManager(time.Hour)
	token, expires, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token == "" {
		t.Fatal("empty token")
	}
	if time.Until(expires) <= 0 {
		t.Fatalf("expiry %v is not in the future", expires)
	}

	userID, _, ok, err := manager.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok || userID != "user-1" {
		t.Fatalf("Validate returned ok=%v user=%q", ok, userID)
	}
}

func TestCreateRequiresUserID(t *testing.T) {
	manager := NewManager(time.Hour)
	if _, _, err := manager.Create(""); err != ErrInvalidUserID {
		t.Fatalf("err = %v, want ErrInvalidUserID", err)
	}
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	manager := NewManager(time.Hour)
	base := time.Now()
	manager.now = func() time.Time { return base }

	token, _, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	manager.now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, _, ok, err := manager.Validate(token); err != nil || ok {
		t.Fatalf("Validate expired = (%v, %v), want rejection", ok, err)
	}
	// Expired tokens are deleted eagerly.
	if _, found, _ := manager.store.Get(hashToken(token)); found {
		t.Fatal("expired session still present in store")
	}
}

func TestIdleTimeoutRefreshesUpToAbsoluteTTL(t *testing.T) {
	manager := NewManager(time.Hour, WithIdleTimeout(10*time.Minute))
	base := time.Now()
	manager.now = func() time.Time { return base }

	token, expires, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !expires.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("initial expiry = %v, want idle window", expires)
	}

	// Steady activity slides the window forward each time.
	prev := expires
	for _, offset := range []time.Duration{8, 16, 24, 32, 40, 48} {
		manager.now = func() time.Time { return base.Add(offset * time.Minute) }
		_, refreshed, ok, err := manager.Validate(token)
		if err != nil || !ok {
			t.Fatalf("Validate at +%v: ok=%v err=%v", offset*time.Minute, ok, err)
		}
		if !refreshed.After(prev) {
			t.Fatalf("expiry %v was not refreshed past %v", refreshed, prev)
		}
		prev = refreshed
	}

	// Near the absolute TTL the refresh is capped, not extended.
	manager.now = func() time.Time { return base.Add(56 * time.Minute) }
	_, capped, ok, err := manager.Validate(token)
	if err != nil || !ok {
		t.Fatalf("Validate near TTL: ok=%v err=%v", ok, err)
	}
	if !capped.Equal(base.Add(time.Hour).UTC()) {
		t.Fatalf("expiry %v, want capped at %v", capped, base.Add(time.Hour))
	}

	// Past the absolute TTL the session is gone even with recent activity.
	manager.now = func() time.Time { return base.Add(61 * time.Minute) }
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("session valid past absolute TTL")
	}
}

func TestIdleTimeoutRejectsInactiveSession(t *testing.T) {
	manager := NewManager(time.Hour, WithIdleTimeout(10*time.Minute))
	base := time.Now()
	manager.now = func() time.Time { return base }

	token, _, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	manager.now = func() time.Time { return base.Add(5 * time.Minute) }
	if _, _, ok, err := manager.Validate(token); err != nil || !ok {
		t.Fatalf("Validate within window: ok=%v err=%v", ok, err)
	}

	// The last touch refreshed the window to +15m. Twenty minutes in the
	// session has gone idle.
	manager.now = func() time.Time { return base.Add(20 * time.Minute) }
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("idle session still validates")
	}
	if _, found, _ := manager.store.Get(hashToken(token)); found {
		t.Fatal("idle session still present in store")
	}
}

func TestRevokeRemovesSession(t *testing.T) {
	manager := NewManager(time.Hour)
	token, _, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := manager.Revoke(token); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if _, _, ok, _ := manager.Validate(token); ok {
		t.Fatal("revoked token still validates")
	}
}

func TestPurgeExpiredSweepsStore(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewManager(time.Hour, WithStore(store))
	base := time.Now()
	manager.now = func() time.Time { return base }

	if _, _, err := manager.Create("user-1"); err != nil {
		t.Fatalf("Create: %v", err)
	}

	manager.now = func() time.Time { return base.Add(2 * time.Hour) }
	if err := manager.PurgeExpired(); err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	store.mu.RLock()
	remaining := len(store.sessions)
	store.mu.RUnlock()
	if remaining != 0 {
		t.Fatalf("%d sessions left after purge", remaining)
	}
}

func TestStoreNeverSeesRawToken(t *testing.T) {
	store := NewMemorySessionStore()
	manager := NewManager(time.Hour, WithStore(store))
	token, _, err := manager.Create("user-1")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, found, _ := store.Get(token); found {
		t.Fatal("store is keyed by raw token")
	}
	if _, found, _ := store.Get(hashToken(token)); !found {
		t.Fatal("store missing hashed token entry")
	}
}
