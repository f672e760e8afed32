// Package lock provides exclusive, time-bounded claims over named resources
// such as "lead:<id>" or "dispatch:job:<id>".
//
// A claim is a single atomic set-if-absent with expiry against a shared
// Store. Claims expire by TTL, so a holder that crashes without releasing
// blocks the resource for at most one TTL.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/courier/internal/metrics"
)

var (
	// ErrLockTimeout is returned when a claim could not be obtained in time.
	// Callers may retry the whole operation later.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrNotHeld is returned by Release for keys this manager does not hold.
	ErrNotHeld = errors.New("lock not held")
)

// Store is the shared backend holding live claims.
type Store interface {
	// SetNX stores token under key for ttl only if no live claim exists.
	SetNX(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only while it still holds token.
	CompareAndDelete(ctx context.Context, key, token string) (bool, error)
	// CompareAndExtend resets key's expiry to ttl only while it still holds
	// token.
	CompareAndExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Manager hands out claims on behalf of one process.
type Manager struct {
	store  Store
	holder string
	logger *zap.Logger

	mu     sync.Mutex
	tokens map[string]string
}

// NewManager creates a lock manager. holder identifies this process in claim
// tokens, which makes lock keys traceable in the store.
func NewManager(store Store, holder string, logger *zap.Logger) *Manager {
	if holder == "" {
		holder = "courier"
	}
	return &Manager{
		store:  store,
		holder: holder,
		logger: logger,
		tokens: make(map[string]string),
	}
}

func (m *Manager) newToken() string {
	return m.holder + ":" + uuid.NewString()
}

func (m *Manager) acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		return "", false, fmt.Errorf("lock %s: ttl must be positive", key)
	}
	token := m.newToken()
	ok, err := m.store.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		metrics.RecordLockAcquisition("busy")
		return "", false, nil
	}
	metrics.RecordLockAcquisition("acquired")
	return token, true, nil
}

func (m *Manager) release(ctx context.Context, key, token string) {
	// Release must succeed even when the caller's context is already done.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()

	ok, err := m.store.CompareAndDelete(ctx, key, token)
	if err != nil {
		m.logger.Warn("lock release failed, claim will expire by ttl",
			zap.String("key", key),
			zap.Error(err),
		)
		return
	}
	if !ok {
		m.logger.Debug("lock already expired or taken over before release",
			zap.String("key", key),
		)
	}
}

// TryAcquire claims key for ttl without waiting.
func (m *Manager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token, ok, err := m.acquire(ctx, key, ttl)
	if err != nil || !ok {
		return false, err
	}
	m.mu.Lock()
	m.tokens[key] = token
	m.mu.Unlock()
	return true, nil
}

// Release drops a claim obtained with TryAcquire. A claim that already
// expired and was taken by someone else is left alone.
func (m *Manager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	token, ok := m.tokens[key]
	delete(m.tokens, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	m.release(ctx, key, token)
	return nil
}

// Extend pushes the expiry of a claim obtained with TryAcquire out to ttl
// from now. It reports false when the claim already expired or was taken by
// someone else; the caller no longer holds key in that case.
func (m *Manager) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	token, ok := m.tokens[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	held, err := m.store.CompareAndExtend(ctx, key, token, ttl)
	if err != nil {
		return false, fmt.Errorf("extend lock %s: %w", key, err)
	}
	if !held {
		m.mu.Lock()
		if m.tokens[key] == token {
			delete(m.tokens, key)
		}
		m.mu.Unlock()
		metrics.RecordLockAcquisition("lost")
	}
	return held, nil
}

// WithExclusive runs fn while holding key. fn gets a context bounded by ttl,
// and the claim is released on every exit path including panics.
// It returns ErrLockTimeout immediately if key is held elsewhere.
func (m *Manager) WithExclusive(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, ok, err := m.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is held", ErrLockTimeout, key)
	}
	return m.run(ctx, key, token, ttl, fn)
}

// WithExclusiveRetrying polls for key every pollInterval until acquired or
// maxWait elapses, then runs fn as WithExclusive does.
func (m *Manager) WithExclusiveRetrying(ctx context.Context, key string, ttl, maxWait, pollInterval time.Duration, fn func(ctx context.Context) error) error {
	if pollInterval <= 0 {
		pollInterval = 50 * time.Millisecond
	}
	deadline := time.Now().Add(maxWait)

	for {
		token, ok, err := m.acquire(ctx, key, ttl)
		if err != nil {
			return err
		}
		if ok {
			return m.run(ctx, key, token, ttl, fn)
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.RecordLockAcquisition("timeout")
			return fmt.Errorf("%w: %s not acquired within %s", ErrLockTimeout, key, maxWait)
		}

		wait := min(pollInterval, remaining)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}

func (m *Manager) run(ctx context.Context, key, token string, ttl time.Duration, fn func(ctx context.Context) error) error {
	defer m.release(ctx, key, token)

	fnCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()

	return fn(fnCtx)
}
