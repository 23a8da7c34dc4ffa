package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrNonceNotFound indicates the supplied nonce was not issued or already consumed.
	ErrNonceNotFound = errors.New("nonce_store.not_found")
	// ErrNonceExpired indicates the nonce expired before consumption.
	ErrNonceExpired = errors.New("nonce_store.expired")
)

const (
	nonceByteLength = 32
	// maxPendingNonces bounds memory between sweeps; beyond it Issue purges inline.
	maxPendingNonces = 10000
)

// NonceStore issues one-time nonces that bind a Google sign-in to this server.
type NonceStore interface {
	// Issue creates a new nonce valid for the configured TTL.
	Issue(ctx context.Context) (string, time.Time, error)
	// Consume validates and invalidates an issued nonce.
	Consume(ctx context.Context, nonce string) error
	// Sweep drops nonces that expired before now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// MemoryNonceStore keeps pending nonces in process memory.
type MemoryNonceStore struct {
	mutex   sync.Mutex
	pending map[string]time.Time
	ttl     time.Duration
	clock   Clock
}

func NewMemoryNonceStore(ttl time.Duration, clock Clock) *MemoryNonceStore {
	return &MemoryNonceStore{
		pending: make(map[string]time.Time),
		ttl:     ttl,
		clock:   clockOrSystem(clock),
	}
}

func (store *MemoryNonceStore) Issue(ctx context.Context) (string, time.Time, error) {
	buffer := make([]byte, nonceByteLength)
	if _, err := rand.Read(buffer); err != nil {
		return "", time.Time{}, fmt.Errorf("nonce_store.issue: %w", err)
	}
	nonce := base64.RawURLEncoding.EncodeToString(buffer)

	now := store.clock.Now()
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if len(store.pending) >= maxPendingNonces {
		store.dropExpiredLocked(now)
	}
	expiresAt := now.Add(store.ttl)
	store.pending[nonce] = expiresAt
	return nonce, expiresAt, nil
}

func (store *MemoryNonceStore) Consume(ctx context.Context, nonce string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	expiresAt, issued := store.pending[nonce]
	if !issued {
		return ErrNonceNotFound
	}
	delete(store.pending, nonce)
	if !store.clock.Now().Before(expiresAt) {
		return ErrNonceExpired
	}
	return nil
}

func (store *MemoryNonceStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.dropExpiredLocked(now), nil
}

func (store *MemoryNonceStore) dropExpiredLocked(now time.Time) int64 {
	var removed int64
	for nonce, expiresAt := range store.pending {
		if !now.Before(expiresAt) {
			delete(store.pending, nonce)
			removed++
		}
	}
	return removed
}
