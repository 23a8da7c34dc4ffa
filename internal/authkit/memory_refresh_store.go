package authkit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex  sync.Mutex
	byHash map[string]*memoryRecord
	clock  Clock
}

type memoryRecord struct {
	TokenID         string
	UserID          string
	ExpiresUnix     int64
	Active          bool
	Used            bool
	UsedAtUnix      int64
	RevokedAtUnix   int64
	IssuedAtUnix    int64
	PreviousTokenID string
	Metadata        IssueMetadata
}

func (record *memoryRecord) toRecord() RefreshTokenRecord {
	return RefreshTokenRecord{
		TokenID:         record.TokenID,
		UserID:          record.UserID,
		ExpiresAt:       timeOrZero(record.ExpiresUnix),
		Active:          record.Active,
		Used:            record.Used,
		UsedAt:          timeOrZero(record.UsedAtUnix),
		RevokedAt:       timeOrZero(record.RevokedAtUnix),
		IssuedAt:        timeOrZero(record.IssuedAtUnix),
		PreviousTokenID: record.PreviousTokenID,
		Metadata:        record.Metadata,
	}
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore(clock Clock) *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		byHash: make(map[string]*memoryRecord),
		clock:  clockOrSystem(clock),
	}
}

// Create stores a new token record keyed by the hash of its value.
func (store *MemoryRefreshTokenStore) Create(ctx context.Context, token NewRefreshToken) error {
	if strings.TrimSpace(token.Token) == "" {
		return ErrRefreshTokenEmptyOpaque
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	hashValue := hashOpaque(token.Token)
	if _, exists := store.byHash[hashValue]; exists {
		return ErrRefreshTokenConflict
	}
	for _, existing := range store.byHash {
		if existing.TokenID == token.TokenID {
			return ErrRefreshTokenConflict
		}
	}
	store.byHash[hashValue] = &memoryRecord{
		TokenID:         token.TokenID,
		UserID:          token.UserID,
		ExpiresUnix:     token.ExpiresAt.UTC().Unix(),
		Active:          true,
		IssuedAtUnix:    store.clock.Now().UTC().Unix(),
		PreviousTokenID: token.PreviousTokenID,
		Metadata:        token.Metadata,
	}
	return nil
}

// FindValid returns the record if it is active, unused, and unexpired.
func (store *MemoryRefreshTokenStore) FindValid(ctx context.Context, token string) (RefreshTokenRecord, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookupLocked(token)
	if err != nil {
		return RefreshTokenRecord{}, err
	}
	if invalidErr := classifyRefresh(record.Active, record.Used, record.ExpiresUnix, store.clock.Now()); invalidErr != nil {
		return RefreshTokenRecord{}, invalidErr
	}
	return record.toRecord(), nil
}

// Consume marks a valid token used under the store mutex.
func (store *MemoryRefreshTokenStore) Consume(ctx context.Context, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookupLocked(token)
	if err != nil {
		return err
	}
	now := store.clock.Now()
	if invalidErr := classifyRefresh(record.Active, record.Used, record.ExpiresUnix, now); invalidErr != nil {
		return invalidErr
	}
	record.Used = true
	record.UsedAtUnix = now.UTC().Unix()
	return nil
}

// Revoke deactivates the token if it belongs to userID and is still active.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, userID string, token string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	record, err := store.lookupLocked(token)
	if err != nil {
		return nil
	}
	if record.UserID != userID || !record.Active {
		return nil
	}
	record.Active = false
	record.RevokedAtUnix = store.clock.Now().UTC().Unix()
	return nil
}

// RevokeAllForUser deactivates every active token of userID.
func (store *MemoryRefreshTokenStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	nowUnix := store.clock.Now().UTC().Unix()
	var revoked int64
	for _, record := range store.byHash {
		if record.UserID == userID && record.Active {
			record.Active = false
			record.RevokedAtUnix = nowUnix
			revoked++
		}
	}
	return revoked, nil
}

// Sweep drops records that expired before now.
func (store *MemoryRefreshTokenStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var removed int64
	for hashValue, record := range store.byHash {
		if record.ExpiresUnix < now.Unix() {
			delete(store.byHash, hashValue)
			removed++
		}
	}
	return removed, nil
}

func (store *MemoryRefreshTokenStore) lookupLocked(token string) (*memoryRecord, error) {
	if strings.TrimSpace(token) == "" {
		return nil, invalidRefresh(ErrRefreshTokenEmptyOpaque)
	}
	record, ok := store.byHash[hashOpaque(token)]
	if !ok || record == nil {
		return nil, invalidRefresh(ErrRefreshTokenNotFound)
	}
	return record, nil
}
