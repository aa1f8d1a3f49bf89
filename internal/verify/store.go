package verify

import (
	"context"
	"time"
)

// Store describes persistence operations required by the verification
// subsystem.
type Store interface {
	Keys(ctx context.Context) KeyStore
	Accounts(ctx context.Context) AccountStore
	Links(ctx context.Context) LinkStore
	Cooldowns(ctx context.Context) CooldownStore
}

// KeyStore manages the rotating verification key set. Keys are immutable;
// rotation only inserts.
type KeyStore interface {
	// Insert stores new key material and returns the row with its
	// monotonic id assigned. Must run as a single transaction so readers
	// never observe an ambiguous current key.
	Insert(ctx context.Context, secret []byte, timeIncrement int64, version int, reason string) (VerificationKey, error)
	// Recent returns up to limit keys, newest first.
	Recent(ctx context.Context, limit int) ([]VerificationKey, error)
	// DeleteOlderThan removes retired keys created before the cutoff,
	// never touching the newest keep rows. Returns rows removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time, keep int) (int64, error)
}

// AccountStore tracks per-external-account proof state.
type AccountStore interface {
	Get(ctx context.Context, externalUserID int64) (*ExternalAccount, error)
	Upsert(ctx context.Context, externalUserID, keyID, epoch int64) error
}

// LinkStore manages the identity mapping and its append-only history.
type LinkStore interface {
	ByLocal(ctx context.Context, localUserID int64) (*Link, error)
	ByExternal(ctx context.Context, externalUserID int64) (*Link, error)
	// Upsert sets the mapping for a local user; externalUserID nil records
	// an unverified state while keeping the row.
	Upsert(ctx context.Context, localUserID int64, externalUserID *int64) error
	AppendHistory(ctx context.Context, entry HistoryEntry) error
	History(ctx context.Context, localUserID int64, limit int) ([]HistoryEntry, error)
}

// CooldownStore tracks verification attempt throttling.
type CooldownStore interface {
	Get(ctx context.Context, localUserID int64) (*Cooldown, error)
	Upsert(ctx context.Context, localUserID, attemptCount int64, lastAttempt time.Time) error
}
