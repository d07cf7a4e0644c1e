package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const memoryDriverLabel = "memory"

// MemoryStore is an in-memory Store intended for tests and dev.
// A single mutex serializes every operation, which makes rotation a compare-and-set.
type MemoryStore struct {
	mutex           sync.Mutex
	users           map[int64]*User
	userBySubject   map[string]int64
	userByEmail     map[string]int64
	accessByID      map[string]*AccessTokenRecord
	accessByTokenID map[string]string
	accessByRefresh map[string]string
	refreshByID     map[string]*RefreshTokenRecord
	refreshByHash   map[string]string
	sequenceID      int64
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:           make(map[int64]*User),
		userBySubject:   make(map[string]int64),
		userByEmail:     make(map[string]int64),
		accessByID:      make(map[string]*AccessTokenRecord),
		accessByTokenID: make(map[string]string),
		accessByRefresh: make(map[string]string),
		refreshByID:     make(map[string]*RefreshTokenRecord),
		refreshByHash:   make(map[string]string),
	}
}

// Driver exposes the store label.
func (store *MemoryStore) Driver() string {
	return memoryDriverLabel
}

// Ping always succeeds.
func (store *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// UpsertExternalUser creates the user on first sight and refreshes its profile afterwards.
func (store *MemoryStore) UpsertExternalUser(ctx context.Context, profile Profile, now time.Time) (User, error) {
	if strings.TrimSpace(profile.Subject) == "" {
		return User{}, fmt.Errorf("user_directory.upsert.%s: %w", memoryDriverLabel, ErrEmptySubject)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, err := store.stageUserLocked(profile, now)
	if err != nil {
		return User{}, fmt.Errorf("user_directory.upsert.%s: %w", memoryDriverLabel, err)
	}
	store.commitUserLocked(user)
	return user, nil
}

// stageUserLocked computes the upserted user without touching the maps.
func (store *MemoryStore) stageUserLocked(profile Profile, now time.Time) (User, error) {
	userID, exists := store.userBySubject[profile.Subject]
	if profile.Email != "" {
		if ownerID, taken := store.userByEmail[profile.Email]; taken && (!exists || ownerID != userID) {
			return User{}, ErrEmailConflict
		}
	}
	if !exists {
		return User{
			ID:              store.sequenceID + 1,
			ExternalSubject: profile.Subject,
			Email:           profile.Email,
			Username:        profile.Username,
			FirstName:       profile.GivenName,
			LastName:        profile.FamilyName,
			Active:          true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}, nil
	}
	user := *store.users[userID]
	user.Email = profile.Email
	user.Username = profile.Username
	user.FirstName = profile.GivenName
	user.LastName = profile.FamilyName
	user.LastLoginAt = now
	user.UpdatedAt = now
	return user, nil
}

func (store *MemoryStore) commitUserLocked(user User) {
	if previous, exists := store.users[user.ID]; exists && previous.Email != "" {
		delete(store.userByEmail, previous.Email)
	}
	if user.ID > store.sequenceID {
		store.sequenceID = user.ID
	}
	stored := user
	store.users[user.ID] = &stored
	store.userBySubject[user.ExternalSubject] = user.ID
	if user.Email != "" {
		store.userByEmail[user.Email] = user.ID
	}
}

// GetUser returns a user by local id.
func (store *MemoryStore) GetUser(ctx context.Context, userID int64) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user_directory.get.%s: %w", memoryDriverLabel, ErrUserNotFound)
	}
	return *user, nil
}

// SetUserActive toggles the active flag; used for deactivation.
func (store *MemoryStore) SetUserActive(ctx context.Context, userID int64, active bool, now time.Time) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.users[userID]
	if !ok {
		return fmt.Errorf("user_directory.set_active.%s: %w", memoryDriverLabel, ErrUserNotFound)
	}
	user.Active = active
	user.UpdatedAt = now
	return nil
}

// OpenSession upserts the user and stores the records minted for it under one lock hold.
// Nothing is written when the upsert or mint fails.
func (store *MemoryStore) OpenSession(ctx context.Context, profile Profile, now time.Time, mint SessionMinter) (User, error) {
	operation := "session_store.open." + memoryDriverLabel
	if strings.TrimSpace(profile.Subject) == "" {
		return User{}, fmt.Errorf("%s: %w", operation, ErrEmptySubject)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, err := store.stageUserLocked(profile, now)
	if err != nil {
		return User{}, fmt.Errorf("%s: %w", operation, err)
	}
	access, refresh, mintErr := mint(user)
	if mintErr != nil {
		return User{}, fmt.Errorf("%s: %w", operation, mintErr)
	}
	if _, exists := store.refreshByHash[refresh.TokenHash]; exists {
		return User{}, StoreFailure(operation, errors.New("duplicate refresh token hash"))
	}
	if _, exists := store.accessByTokenID[access.LocalTokenID]; exists {
		return User{}, StoreFailure(operation, errors.New("duplicate access token id"))
	}
	store.commitUserLocked(user)
	store.insertLocked(access, refresh)
	return user, nil
}

// RotateRefreshToken consumes the matching refresh token and stores its successor.
func (store *MemoryStore) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, mint RotationMinter) (User, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return User{}, fmt.Errorf("refresh_store.rotate.%s: %w", memoryDriverLabel, InvalidRefreshToken(ErrRefreshTokenEmptyOpaque))
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	tokenID, ok := store.refreshByHash[tokenHash]
	if !ok {
		return User{}, fmt.Errorf("refresh_store.rotate.%s: %w", memoryDriverLabel, InvalidRefreshToken(ErrRefreshTokenNotFound))
	}
	consumed := store.refreshByID[tokenID]
	if consumed == nil {
		return User{}, fmt.Errorf("refresh_store.rotate.%s: %w", memoryDriverLabel, InvalidRefreshToken(ErrRefreshTokenNotFound))
	}
	if reason := consumed.RejectionReason(now); reason != nil {
		return User{}, fmt.Errorf("refresh_store.rotate.%s: %w", memoryDriverLabel, InvalidRefreshToken(reason))
	}
	owner, ok := store.users[consumed.UserID]
	if !ok || !owner.Active {
		return User{}, fmt.Errorf("refresh_store.rotate.%s: %w", memoryDriverLabel, InvalidRefreshToken(ErrRefreshTokenOwnerInactive))
	}

	var paired AccessTokenRecord
	if accessID, found := store.accessByRefresh[consumed.ID]; found {
		paired = *store.accessByID[accessID]
	}
	marked := *consumed
	marked.Used = true
	marked.UsedAt = now
	access, successor, mintErr := mint(*owner, marked, paired)
	if mintErr != nil {
		return User{}, fmt.Errorf("refresh_store.rotate.%s: %w", memoryDriverLabel, mintErr)
	}

	*consumed = marked
	store.insertLocked(access, successor)
	return *owner, nil
}

// FindAccessRecord returns the access record minted with the given local token id.
func (store *MemoryStore) FindAccessRecord(ctx context.Context, localTokenID string) (AccessTokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	recordID, ok := store.accessByTokenID[localTokenID]
	if !ok {
		return AccessTokenRecord{}, fmt.Errorf("session_store.find_access.%s: %w", memoryDriverLabel, ErrAccessRecordNotFound)
	}
	return *store.accessByID[recordID], nil
}

// RevokeAll marks every outstanding record owned by the user as revoked.
func (store *MemoryStore) RevokeAll(ctx context.Context, userID int64, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var revoked int64
	for _, record := range store.accessByID {
		if record.UserID == userID && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = now
			revoked++
		}
	}
	for _, record := range store.refreshByID {
		if record.UserID == userID && !record.Revoked {
			record.Revoked = true
			record.RevokedAt = now
			revoked++
		}
	}
	return revoked, nil
}

func (store *MemoryStore) insertLocked(access AccessTokenRecord, refresh RefreshTokenRecord) {
	refreshCopy := refresh
	store.refreshByID[refreshCopy.ID] = &refreshCopy
	store.refreshByHash[refreshCopy.TokenHash] = refreshCopy.ID

	accessCopy := access
	store.accessByID[accessCopy.ID] = &accessCopy
	store.accessByTokenID[accessCopy.LocalTokenID] = accessCopy.ID
	store.accessByRefresh[accessCopy.RefreshTokenID] = accessCopy.ID
}

var _ Store = (*MemoryStore)(nil)
