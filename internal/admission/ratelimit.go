package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errInvalidPolicyMax    = errors.New("ratelimit.policy.invalid_max")
	errInvalidPolicyWindow = errors.New("ratelimit.policy.invalid_window")
	errMissingCounterStore = errors.New("ratelimit.missing_store")
)

// Policy is one fixed-window budget, e.g. five login attempts per fifteen minutes.
type Policy struct {
	Name   string
	Max    int64
	Window time.Duration
}

// Validate rejects budgets that would block or admit everything.
func (policy Policy) Validate() error {
	if policy.Max <= 0 {
		return fmt.Errorf("%w: %s", errInvalidPolicyMax, policy.Name)
	}
	if policy.Window <= 0 {
		return fmt.Errorf("%w: %s", errInvalidPolicyWindow, policy.Name)
	}
	return nil
}

// CounterStore keeps fixed-window counters. Increment must be atomic per key.
type CounterStore interface {
	// Increment counts one hit for key and returns the count and reset time of the current window.
	// An elapsed window restarts at count 1 with resetAt = now + window.
	Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)
	// Sweep drops counters whose window ended before now.
	Sweep(ctx context.Context, now time.Time) (int64, error)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Count      int64
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
	Degraded   bool
}

// Remaining reports how many requests are left in the window.
func (decision Decision) Remaining() int64 {
	if decision.Count >= decision.Limit {
		return 0
	}
	return decision.Limit - decision.Count
}

// KeyFunc extracts the client identity a policy is keyed by.
type KeyFunc func(contextGin *gin.Context) string

// KeyByIP keys on the client address only.
func KeyByIP(contextGin *gin.Context) string {
	return contextGin.ClientIP()
}

// KeyByIPAndUser keys on IP:userId when userID yields an identity, else on IP.
func KeyByIPAndUser(userID func(contextGin *gin.Context) string) KeyFunc {
	return func(contextGin *gin.Context) string {
		clientIP := contextGin.ClientIP()
		if userID == nil {
			return clientIP
		}
		if identity := userID(contextGin); identity != "" {
			return clientIP + ":" + identity
		}
		return clientIP
	}
}

// EventRecorder receives rate-limit events; authkit.CounterMetrics satisfies it.
type EventRecorder interface {
	Increment(event string)
}

const (
	eventRejected         = "ratelimit.rejected"
	eventStoreUnavailable = "ratelimit.store_unavailable"
)

// Limiter applies fixed-window policies over a CounterStore.
type Limiter struct {
	store    CounterStore
	logger   *zap.Logger
	recorder EventRecorder
	now      func() time.Time
}

// LimiterOption customises a Limiter.
type LimiterOption func(limiter *Limiter)

// WithRecorder reports rejections and store outages to recorder.
func WithRecorder(recorder EventRecorder) LimiterOption {
	return func(limiter *Limiter) {
		limiter.recorder = recorder
	}
}

// WithTimeSource replaces the wall clock.
func WithTimeSource(now func() time.Time) LimiterOption {
	return func(limiter *Limiter) {
		if now != nil {
			limiter.now = now
		}
	}
}

// NewLimiter constructs a Limiter over store.
func NewLimiter(store CounterStore, logger *zap.Logger, options ...LimiterOption) (*Limiter, error) {
	if store == nil {
		return nil, errMissingCounterStore
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	limiter := &Limiter{store: store, logger: logger, now: time.Now}
	for _, option := range options {
		option(limiter)
	}
	return limiter, nil
}

// Allow counts one request for clientKey under policy. Store failures admit the request.
func (limiter *Limiter) Allow(ctx context.Context, policy Policy, clientKey string) Decision {
	now := limiter.now().UTC()
	count, resetAt, err := limiter.store.Increment(ctx, policy.Name+":"+clientKey, policy.Window, now)
	if err != nil {
		limiter.logger.Warn("rate limit store unavailable, admitting request",
			append(LogFields(ctx),
				zap.String("code", eventStoreUnavailable),
				zap.String("policy", policy.Name),
				zap.Error(err),
			)...,
		)
		limiter.record(eventStoreUnavailable)
		return Decision{Allowed: true, Limit: policy.Max, Degraded: true}
	}
	decision := Decision{
		Allowed: count <= policy.Max,
		Count:   count,
		Limit:   policy.Max,
		ResetAt: resetAt,
	}
	if !decision.Allowed {
		decision.RetryAfter = resetAt.Sub(now)
		if decision.RetryAfter < 0 {
			decision.RetryAfter = 0
		}
	}
	return decision
}

// Admit counts one request like Allow and logs and records a rejection.
func (limiter *Limiter) Admit(ctx context.Context, policy Policy, clientKey string) Decision {
	decision := limiter.Allow(ctx, policy, clientKey)
	if decision.Allowed {
		return decision
	}
	limiter.logger.Info("rate limit exceeded",
		append(LogFields(ctx),
			zap.String("code", eventRejected),
			zap.String("policy", policy.Name),
			zap.String("client", clientKey),
			zap.Int64("count", decision.Count),
		)...,
	)
	limiter.record(eventRejected)
	return decision
}

// RetryAfterSeconds rounds the wait of a rejected decision up to whole seconds, never below one.
func (decision Decision) RetryAfterSeconds() int64 {
	retryAfterSeconds := int64(math.Ceil(decision.RetryAfter.Seconds()))
	if retryAfterSeconds < 1 {
		return 1
	}
	return retryAfterSeconds
}

// Middleware rejects requests over policy with 429 before any later handler runs.
func (limiter *Limiter) Middleware(policy Policy, keyFunc KeyFunc) gin.HandlerFunc {
	if keyFunc == nil {
		keyFunc = KeyByIP
	}
	return func(contextGin *gin.Context) {
		decision := limiter.Admit(contextGin.Request.Context(), policy, keyFunc(contextGin))
		if decision.Degraded {
			contextGin.Next()
			return
		}
		contextGin.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		contextGin.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining(), 10))
		contextGin.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		if decision.Allowed {
			contextGin.Next()
			return
		}
		retryAfterSeconds := decision.RetryAfterSeconds()
		contextGin.Header("Retry-After", strconv.FormatInt(retryAfterSeconds, 10))
		contextGin.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"success": false,
			"error":   "rate_limit_exceeded",
			"message": fmt.Sprintf("too many requests, retry in %d seconds", retryAfterSeconds),
		})
	}
}

func (limiter *Limiter) record(event string) {
	if limiter.recorder != nil {
		limiter.recorder.Increment(event)
	}
}

// Sweep drops elapsed counters from the underlying store.
func (limiter *Limiter) Sweep(ctx context.Context) (int64, error) {
	return limiter.store.Sweep(ctx, limiter.now().UTC())
}

// MemoryCounterStore is a per-instance CounterStore.
type MemoryCounterStore struct {
	mutex    sync.Mutex
	counters map[string]memoryCounter
}

type memoryCounter struct {
	count   int64
	resetAt time.Time
}

// NewMemoryCounterStore constructs an empty store.
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]memoryCounter)}
}

func (store *MemoryCounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	counter, ok := store.counters[key]
	if !ok || !now.Before(counter.resetAt) {
		counter = memoryCounter{count: 0, resetAt: now.Add(window)}
	}
	counter.count++
	store.counters[key] = counter
	return counter.count, counter.resetAt, nil
}

func (store *MemoryCounterStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	var removed int64
	for key, counter := range store.counters {
		if !now.Before(counter.resetAt) {
			delete(store.counters, key)
			removed++
		}
	}
	return removed, nil
}
