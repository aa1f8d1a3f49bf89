package verify

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"rolegate.org/internal/config"
	"rolegate.org/internal/obs"
)

const (
	// secretLen — длина секрета ключа в байтах.
	secretLen = 64

	// graceKeys — сколько предыдущих ключей остаются валидными после ротации.
	graceKeys = 5
)

// Keeper owns the verification key ring: the single current key plus the
// grace tail of its predecessors. All reads go through an in-process cache
// refreshed on rotation.
type Keeper struct {
	store Store
	cfg   *config.Manager

	mu   sync.RWMutex
	ring []VerificationKey // newest first, len <= graceKeys+1
}

func NewKeeper(store Store, cfg *config.Manager) *Keeper {
	return &Keeper{store: store, cfg: cfg}
}

// Ensure validates the key ring on startup: it loads the cache and rotates
// when no key exists yet, when the newest key was minted by an older code
// version, or when the configured time increment no longer matches the key.
func (k *Keeper) Ensure(ctx context.Context) error {
	if err := k.refresh(ctx); err != nil {
		return err
	}

	k.mu.RLock()
	var cur *VerificationKey
	if len(k.ring) > 0 {
		cur = &k.ring[0]
	}
	k.mu.RUnlock()

	inc, err := k.cfg.Seconds(ctx, config.GlobalScope, config.KeyTimeIncrement)
	if err != nil {
		return err
	}

	switch {
	case cur == nil:
		_, err = k.Rotate(ctx, RotationInitial)
	case cur.Version != CodeVersion:
		_, err = k.Rotate(ctx, RotationOutdatedVersion)
	case cur.TimeIncrement != int64(inc/time.Second):
		_, err = k.Rotate(ctx, RotationTimeIncrementChanged)
	}
	return err
}

// Current returns the newest key.
func (k *Keeper) Current() (VerificationKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if len(k.ring) == 0 {
		return VerificationKey{}, fmt.Errorf("%w: no verification key", ErrNotFound)
	}
	return k.ring[0], nil
}

// Active returns the keys accepted for verification, newest first: the
// current key and up to graceKeys predecessors.
func (k *Keeper) Active() []VerificationKey {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]VerificationKey, len(k.ring))
	copy(out, k.ring)
	return out
}

// Rotate mints a fresh key and makes it current. Previous keys slide into
// the grace tail; the oldest drops out of the accepted set but stays in
// storage until pruned.
func (k *Keeper) Rotate(ctx context.Context, reason string) (VerificationKey, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return VerificationKey{}, fmt.Errorf("generate key secret: %w", err)
	}

	inc, err := k.cfg.Seconds(ctx, config.GlobalScope, config.KeyTimeIncrement)
	if err != nil {
		return VerificationKey{}, err
	}

	key, err := k.store.Keys(ctx).Insert(ctx, secret, int64(inc/time.Second), CodeVersion, reason)
	if err != nil {
		return VerificationKey{}, fmt.Errorf("insert verification key: %w", err)
	}

	if err := k.refresh(ctx); err != nil {
		return VerificationKey{}, err
	}

	obs.ObserveKeyRotation(reason)
	obs.LogEvent(map[string]any{
		"event":  "verification_key_rotated",
		"key_id": key.ID,
		"reason": reason,
	})
	return key, nil
}

// Prune removes retired keys older than the retention horizon. The accepted
// set is never touched.
func (k *Keeper) Prune(ctx context.Context) (int64, error) {
	inc, err := k.cfg.Seconds(ctx, config.GlobalScope, config.KeyTimeIncrement)
	if err != nil {
		return 0, err
	}
	epochs, err := k.cfg.Int64(ctx, config.GlobalScope, config.KeyRetentionEpochs)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().UTC().Add(-time.Duration(epochs) * inc)
	return k.store.Keys(ctx).DeleteOlderThan(ctx, cutoff, graceKeys+1)
}

func (k *Keeper) refresh(ctx context.Context) error {
	keys, err := k.store.Keys(ctx).Recent(ctx, graceKeys+1)
	if err != nil {
		return fmt.Errorf("load verification keys: %w", err)
	}
	k.mu.Lock()
	k.ring = keys
	k.mu.Unlock()
	return nil
}
