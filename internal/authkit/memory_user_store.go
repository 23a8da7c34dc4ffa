package authkit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUserStore is an in-memory identity directory used for demo and local runs.
type MemoryUserStore struct {
	mutex sync.Mutex
	users map[string]User
	clock Clock
}

// NewMemoryUserStore constructs an empty directory.
func NewMemoryUserStore(clock Clock) *MemoryUserStore {
	return &MemoryUserStore{users: make(map[string]User), clock: clockOrSystem(clock)}
}

// CreateUser inserts a password-based user.
func (store *MemoryUserStore) CreateUser(ctx context.Context, newUser NewUser) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	email := normalizeEmail(newUser.Email)
	username := normalizeUsername(newUser.Username)
	for _, existing := range store.users {
		if existing.Email == email || (username != "" && existing.Username == username) {
			return User{}, ErrUserConflict
		}
	}
	now := store.clock.Now().UTC()
	user := User{
		ID:           uuid.NewString(),
		Email:        email,
		Username:     username,
		DisplayName:  newUser.DisplayName,
		PasswordHash: newUser.PasswordHash,
		Role:         RoleUser,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	store.users[user.ID] = user
	return user, nil
}

// UpsertFromProvider finds by provider subject, then by email (linking), else creates.
func (store *MemoryUserStore) UpsertFromProvider(ctx context.Context, claim ProviderClaim) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	now := store.clock.Now().UTC()
	email := normalizeEmail(claim.Email)
	for userID, existing := range store.users {
		if existing.Provider == claim.Provider && existing.ProviderSubjectID == claim.ProviderSubjectID {
			refreshMemoryProfile(&existing, claim, now)
			store.users[userID] = existing
			return existing, nil
		}
	}
	for userID, existing := range store.users {
		if existing.Email != email {
			continue
		}
		if existing.ProviderSubjectID != "" && existing.ProviderSubjectID != claim.ProviderSubjectID {
			return User{}, ErrUserConflict
		}
		existing.Provider = claim.Provider
		existing.ProviderSubjectID = claim.ProviderSubjectID
		existing.EmailVerified = true
		refreshMemoryProfile(&existing, claim, now)
		store.users[userID] = existing
		return existing, nil
	}
	user := User{
		ID:                uuid.NewString(),
		Email:             email,
		DisplayName:       claim.DisplayName,
		AvatarURL:         claim.AvatarURL,
		Provider:          claim.Provider,
		ProviderSubjectID: claim.ProviderSubjectID,
		Role:              RoleUser,
		Active:            true,
		EmailVerified:     true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	store.users[user.ID] = user
	return user, nil
}

// FindByID returns a user by id.
func (store *MemoryUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.users[userID]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

// FindByEmail returns a user by normalized email.
func (store *MemoryUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	normalized := normalizeEmail(email)
	for _, user := range store.users {
		if user.Email == normalized {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

// RecordLogin stamps the last successful login time.
func (store *MemoryUserStore) RecordLogin(ctx context.Context, userID string, at time.Time) error {
	return store.mutate(userID, func(user *User) {
		user.LastLoginAt = at.UTC().Truncate(time.Second)
	})
}

// SetActive toggles the active flag.
func (store *MemoryUserStore) SetActive(ctx context.Context, userID string, active bool) error {
	return store.mutate(userID, func(user *User) {
		user.Active = active
	})
}

func (store *MemoryUserStore) mutate(userID string, apply func(user *User)) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	user, ok := store.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	apply(&user)
	user.UpdatedAt = store.clock.Now().UTC()
	store.users[userID] = user
	return nil
}

func refreshMemoryProfile(user *User, claim ProviderClaim, now time.Time) {
	if claim.DisplayName != "" {
		user.DisplayName = claim.DisplayName
	}
	if claim.AvatarURL != "" {
		user.AvatarURL = claim.AvatarURL
	}
	user.UpdatedAt = now
}
