package authkit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

const testIssuer = "authbridge-test"

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

type fakeIdentityBridge struct {
	mutex           sync.Mutex
	profiles        map[string]Profile
	failures        map[string]error
	introspectCalls int
}

func newFakeIdentityBridge() *fakeIdentityBridge {
	return &fakeIdentityBridge{profiles: make(map[string]Profile), failures: make(map[string]error)}
}

func (bridge *fakeIdentityBridge) accept(externalToken string, profile Profile) {
	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	bridge.profiles[externalToken] = profile
}

func (bridge *fakeIdentityBridge) fail(externalToken string, err error) {
	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	bridge.failures[externalToken] = err
}

func (bridge *fakeIdentityBridge) Introspect(ctx context.Context, externalToken string) error {
	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	bridge.introspectCalls++
	if err, ok := bridge.failures[externalToken]; ok {
		return err
	}
	if _, ok := bridge.profiles[externalToken]; !ok {
		return fmt.Errorf("fake introspect: %w", ErrInvalidCredential)
	}
	return nil
}

func (bridge *fakeIdentityBridge) FetchProfile(ctx context.Context, externalToken string) (Profile, error) {
	bridge.mutex.Lock()
	defer bridge.mutex.Unlock()
	profile, ok := bridge.profiles[externalToken]
	if !ok {
		return Profile{}, fmt.Errorf("fake userinfo: %w", ErrInvalidCredential)
	}
	return profile, nil
}

// contractStore is a Store that tests can also deactivate users in.
type contractStore interface {
	Store
	SetUserActive(ctx context.Context, userID int64, active bool, now time.Time) error
}

var errDiskFull = errors.New("disk full on /var/lib/authbridge/auth.db")

// failingStore delegates to a working store until broken, then fails every write the way a lost database would.
type failingStore struct {
	contractStore
	broken atomic.Bool
}

func newFailingStore() *failingStore {
	return &failingStore{contractStore: NewMemoryStore()}
}

func (store *failingStore) OpenSession(ctx context.Context, profile Profile, now time.Time, mint SessionMinter) (User, error) {
	if store.broken.Load() {
		return User{}, StoreFailure("session_store.open.failing", errDiskFull)
	}
	return store.contractStore.OpenSession(ctx, profile, now, mint)
}

func (store *failingStore) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, mint RotationMinter) (User, error) {
	if store.broken.Load() {
		return User{}, StoreFailure("refresh_store.rotate.failing", errDiskFull)
	}
	return store.contractStore.RotateRefreshToken(ctx, tokenHash, now, mint)
}

func (store *failingStore) RevokeAll(ctx context.Context, userID int64, now time.Time) (int64, error) {
	if store.broken.Load() {
		return 0, StoreFailure("session_store.revoke_all.failing", errDiskFull)
	}
	return store.contractStore.RevokeAll(ctx, userID, now)
}

type storeFactory struct {
	name string
	open func(t *testing.T) contractStore
}

func storeFactories() []storeFactory {
	return []storeFactory{
		{name: "memory", open: func(t *testing.T) contractStore { return NewMemoryStore() }},
		{name: "sqlite", open: func(t *testing.T) contractStore { return newSQLiteStore(t) }},
	}
}

func newSQLiteStore(t *testing.T) *DatabaseStore {
	t.Helper()
	databaseURL := "sqlite://" + filepath.Join(t.TempDir(), "auth.db") + "?_pragma=busy_timeout(5000)"
	store, err := NewDatabaseStore(context.Background(), databaseURL)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type serviceFixture struct {
	service *Service
	store   contractStore
	bridge  *fakeIdentityBridge
	tokens  *TokenIssuer
	clock   *controllableClock
	metrics *CounterMetrics
}

func newServiceFixture(t *testing.T, store contractStore, enforceRevocation bool) serviceFixture {
	t.Helper()
	clock := &controllableClock{current: time.Unix(1700000000, 0).UTC()}
	tokens, err := NewTokenIssuer(newTestKeyring(t), testIssuer, 15*time.Minute, clock)
	if err != nil {
		t.Fatalf("issuer error: %v", err)
	}
	bridge := newFakeIdentityBridge()
	metrics := NewCounterMetrics()
	service, err := NewService(ServerConfig{
		AppJWTIssuer:            testIssuer,
		AccessTokenTTL:          15 * time.Minute,
		RefreshTokenTTL:         24 * time.Hour,
		EnforceAccessRevocation: enforceRevocation,
	}, ServiceDependencies{
		Identity: bridge,
		Users:    store,
		Sessions: store,
		Tokens:   tokens,
		Clock:    clock,
		Logger:   zaptest.NewLogger(t),
		Metrics:  metrics,
	})
	if err != nil {
		t.Fatalf("service error: %v", err)
	}
	return serviceFixture{service: service, store: store, bridge: bridge, tokens: tokens, clock: clock, metrics: metrics}
}
