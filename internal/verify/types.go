package verify

import "time"

// Rotation reasons recorded with every verification key.
const (
	RotationInitial              = "initial"
	RotationManual               = "manual"
	RotationOutdatedVersion      = "outdated_version"
	RotationTimeIncrementChanged = "time_increment_changed"
)

// CodeVersion tags the code derivation scheme. Bump when the derivation
// input format changes; boot rotates any key minted under an older version.
const CodeVersion = 1

// VerificationKey is one immutable entry of the rotating key set. The row
// with the highest ID is the current key; prior rows are retired but remain
// valid for the grace window.
type VerificationKey struct {
	ID            int64
	Secret        []byte
	TimeIncrement int64 // seconds per epoch
	Version       int
	ChangeReason  string
	CreatedAt     time.Time
}

// Epoch returns the time bucket the given instant falls into for this key.
func (k VerificationKey) Epoch(now time.Time) int64 {
	return now.Unix() / k.TimeIncrement
}

// ExternalAccount records the last key/epoch that produced a successful
// proof for an external account. Used for the monotonic anti-replay check.
type ExternalAccount struct {
	ExternalUserID int64
	LastKeyID      int64
	LastKeyEpoch   int64
	LastUpdated    time.Time
}

// Link is the current identity mapping. ExternalUserID is nil for a local
// user who verified once and has since been unverified.
type Link struct {
	LocalUserID    int64
	ExternalUserID *int64
	LastUpdated    time.Time
}

// HistoryEntry is one row of the append-only identity audit log.
type HistoryEntry struct {
	ID             string
	LocalUserID    int64
	ExternalUserID int64
	IsUnverify     bool
	CreatedAt      time.Time
}

// Cooldown throttles repeated verification attempts per local user.
type Cooldown struct {
	LocalUserID  int64
	AttemptCount int64
	LastAttempt  time.Time
}
