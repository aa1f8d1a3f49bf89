package config

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Key identifies a policy setting. Values are stored as text and parsed by
// the typed getters.
type Key string

const (
	// KeyTimeIncrement is the verification code epoch length in seconds.
	KeyTimeIncrement Key = "token_time_increment_seconds"
	// KeyGraceWindow is the number of retired keys that still validate codes.
	KeyGraceWindow Key = "key_grace_window"
	// KeyRetentionEpochs controls how long retired keys are physically kept
	// past the grace window before the cleanup job may delete them.
	KeyRetentionEpochs Key = "key_retention_epochs"

	// KeyVerifyAttemptLimit caps verification attempts per cooldown window.
	KeyVerifyAttemptLimit Key = "verify_attempt_limit"
	// KeyVerifyCooldown is the verification attempt window in seconds.
	KeyVerifyCooldown Key = "verify_cooldown_seconds"
	// KeyAllowReverification permits relinking an already linked account.
	KeyAllowReverification Key = "allow_reverification"
	// KeyReverifyTimeout is the minimum interval between relinks in seconds.
	KeyReverifyTimeout Key = "reverify_timeout_seconds"

	// KeySyncCooldown is the minimum interval between sync passes in seconds.
	KeySyncCooldown Key = "sync_cooldown_seconds"
	// KeyFactsTimeout bounds the facts snapshot fetch in seconds.
	KeyFactsTimeout Key = "facts_timeout_seconds"
)

// GlobalScope addresses settings that apply to every server.
const GlobalScope int64 = 0

var defaults = map[Key]string{
	KeyTimeIncrement:       "300",
	KeyGraceWindow:         "5",
	KeyRetentionEpochs:     "1000",
	KeyVerifyAttemptLimit:  "10",
	KeyVerifyCooldown:      "3600",
	KeyAllowReverification: "true",
	KeyReverifyTimeout:     "86400",
	KeySyncCooldown:        "60",
	KeyFactsTimeout:        "10",
}

// Store is read/write access to persisted settings. Scope 0 is global;
// scoped values shadow global ones.
type Store interface {
	Get(ctx context.Context, scope int64, key Key) (string, bool, error)
	Set(ctx context.Context, scope int64, key Key, value string) error
	Delete(ctx context.Context, scope int64, key Key) error
}

// Manager resolves settings with scope shadowing, defaults, and a small
// read-through cache.
type Manager struct {
	store Store

	mu    sync.RWMutex
	cache map[cacheKey]string
}

type cacheKey struct {
	scope int64
	key   Key
}

// NewManager builds a Manager over the given store.
func NewManager(store Store) *Manager {
	return &Manager{store: store, cache: make(map[cacheKey]string)}
}

func (m *Manager) resolve(ctx context.Context, scope int64, key Key) (string, error) {
	m.mu.RLock()
	if v, ok := m.cache[cacheKey{scope, key}]; ok {
		m.mu.RUnlock()
		return v, nil
	}
	m.mu.RUnlock()

	v, ok, err := m.store.Get(ctx, scope, key)
	if err != nil {
		return "", err
	}
	if !ok && scope != GlobalScope {
		v, ok, err = m.store.Get(ctx, GlobalScope, key)
		if err != nil {
			return "", err
		}
	}
	if !ok {
		def, known := defaults[key]
		if !known {
			return "", fmt.Errorf("unknown config key %q", key)
		}
		v = def
	}

	m.mu.Lock()
	m.cache[cacheKey{scope, key}] = v
	m.mu.Unlock()
	return v, nil
}

// String returns the raw setting value.
func (m *Manager) String(ctx context.Context, scope int64, key Key) (string, error) {
	return m.resolve(ctx, scope, key)
}

// Int64 parses the setting as an integer.
func (m *Manager) Int64(ctx context.Context, scope int64, key Key) (int64, error) {
	raw, err := m.resolve(ctx, scope, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config %s: %w", key, err)
	}
	return n, nil
}

// Bool parses the setting as a boolean.
func (m *Manager) Bool(ctx context.Context, scope int64, key Key) (bool, error) {
	raw, err := m.resolve(ctx, scope, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config %s: %w", key, err)
	}
	return b, nil
}

// Seconds parses the setting as a duration expressed in whole seconds.
func (m *Manager) Seconds(ctx context.Context, scope int64, key Key) (time.Duration, error) {
	n, err := m.Int64(ctx, scope, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

// Set writes a setting and invalidates cached values for the key.
func (m *Manager) Set(ctx context.Context, scope int64, key Key, value string) error {
	if _, known := defaults[key]; !known {
		return fmt.Errorf("unknown config key %q", key)
	}
	if err := m.store.Set(ctx, scope, key, value); err != nil {
		return err
	}
	m.invalidate(key)
	return nil
}

// Reset removes a scoped override and invalidates cached values for the key.
func (m *Manager) Reset(ctx context.Context, scope int64, key Key) error {
	if err := m.store.Delete(ctx, scope, key); err != nil {
		return err
	}
	m.invalidate(key)
	return nil
}

func (m *Manager) invalidate(key Key) {
	m.mu.Lock()
	for k := range m.cache {
		if k.key == key {
			delete(m.cache, k)
		}
	}
	m.mu.Unlock()
}
