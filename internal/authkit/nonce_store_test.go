package authkit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryNonceStoreIsSingleUse(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryNonceStore(2*time.Minute, clock)

	nonce, expiresAt, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	if len(nonce) < 40 {
		t.Fatalf("expected a 32 byte url-safe nonce, got %q", nonce)
	}
	if !expiresAt.Equal(clock.Now().Add(2 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}
	if err := store.Consume(context.Background(), nonce); err != nil {
		t.Fatalf("consume nonce: %v", err)
	}
	if err := store.Consume(context.Background(), nonce); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected ErrNonceNotFound on replay, got %v", err)
	}
	if err := store.Consume(context.Background(), "never-issued"); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected ErrNonceNotFound, got %v", err)
	}
}

func TestMemoryNonceStoreExpiry(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryNonceStore(time.Minute, clock)

	nonce, _, err := store.Issue(context.Background())
	if err != nil {
		t.Fatalf("issue nonce: %v", err)
	}
	clock.Advance(time.Minute)

	if err := store.Consume(context.Background(), nonce); !errors.Is(err, ErrNonceExpired) {
		t.Fatalf("expected ErrNonceExpired at the deadline, got %v", err)
	}
}

func TestMemoryNonceStoreSweep(t *testing.T) {
	t.Parallel()
	clock := newControllableClock()
	store := NewMemoryNonceStore(time.Minute, clock)

	stale, _, _ := store.Issue(context.Background())
	clock.Advance(45 * time.Second)
	fresh, _, _ := store.Issue(context.Background())
	clock.Advance(30 * time.Second)

	removed, err := store.Sweep(context.Background(), clock.Now())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 swept nonce, got %d", removed)
	}
	if err := store.Consume(context.Background(), stale); !errors.Is(err, ErrNonceNotFound) {
		t.Fatalf("expected swept nonce to be gone, got %v", err)
	}
	if err := store.Consume(context.Background(), fresh); err != nil {
		t.Fatalf("expected fresh nonce to survive sweep, got %v", err)
	}
}
