package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rolegate.org/internal/audit"
	"rolegate.org/internal/config"
	"rolegate.org/internal/ids"
	"rolegate.org/internal/obs"
)

// Verifier implements the identity verification flow: issuing codes,
// checking submitted proofs, and maintaining the link table with its
// append-only history.
type Verifier struct {
	store  Store
	keeper *Keeper
	cfg    *config.Manager

	now func() time.Time
}

func NewVerifier(store Store, keeper *Keeper, cfg *config.Manager) *Verifier {
	return &Verifier{store: store, keeper: keeper, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// IssuedCode is a freshly derived proof together with its validity horizon.
type IssuedCode struct {
	Code      Code
	KeyID     int64
	Epoch     int64
	ExpiresAt time.Time
}

// IssueCode derives the proof the external account holder must publish on
// their profile. The code stays valid for the current epoch plus one
// increment of skew on either side.
func (v *Verifier) IssueCode(ctx context.Context, externalUserID int64) (IssuedCode, error) {
	key, err := v.keeper.Current()
	if err != nil {
		return IssuedCode{}, err
	}
	now := v.now()
	epoch := key.Epoch(now)
	return IssuedCode{
		Code:      GenerateCode(key, epoch, externalUserID),
		KeyID:     key.ID,
		Epoch:     epoch,
		ExpiresAt: time.Unix((epoch+2)*key.TimeIncrement, 0).UTC(),
	}, nil
}

// SubmitVerification checks a proof code for (localUserID, externalUserID)
// and on success records the identity link. Failures count against the
// attempt cooldown; replayed and stale codes are reported distinctly so the
// caller can tell the user to fetch a fresh code.
func (v *Verifier) SubmitVerification(ctx context.Context, localUserID, externalUserID int64, rawCode string) error {
	now := v.now()
	if err := v.checkAttempts(ctx, localUserID, now); err != nil {
		return err
	}

	code, err := ParseCode(rawCode)
	if err != nil {
		obs.ObserveVerification("malformed")
		return err
	}

	key, epoch, ok, err := v.matchActive(externalUserID, code, now)
	if err != nil {
		return err
	}
	if !ok {
		return v.rejectAttempt(ctx, localUserID, externalUserID, code, now)
	}

	acct, err := v.store.Accounts(ctx).Get(ctx, externalUserID)
	if err != nil {
		return err
	}
	if acct != nil {
		// Проверка повтора: принимается только более новый ключ или более
		// поздняя эпоха; свежий код от grace-ключа остаётся валидным.
		if acct.LastKeyID >= key.ID && acct.LastKeyEpoch >= epoch {
			obs.ObserveVerification("replay")
			return ErrReplay
		}
	}

	if err := v.checkRelinkPolicy(ctx, localUserID, externalUserID, now); err != nil {
		return err
	}

	if err := v.store.Accounts(ctx).Upsert(ctx, externalUserID, key.ID, epoch); err != nil {
		return err
	}
	ext := externalUserID
	if err := v.store.Links(ctx).Upsert(ctx, localUserID, &ext); err != nil {
		return err
	}
	if err := v.store.Links(ctx).AppendHistory(ctx, HistoryEntry{
		ID:             ids.New(),
		LocalUserID:    localUserID,
		ExternalUserID: externalUserID,
		CreatedAt:      now,
	}); err != nil {
		return err
	}
	if err := v.store.Cooldowns(ctx).Upsert(ctx, localUserID, 0, now); err != nil {
		return err
	}

	obs.ObserveVerification("success")
	_ = audit.LogEvent(ctx, "verification_succeeded", map[string]any{
		"local_user_id":    localUserID,
		"external_user_id": externalUserID,
		"key_id":           key.ID,
		"epoch":            epoch,
	})
	return nil
}

// Unverify clears the identity link while keeping the history row. The
// account's replay floor is kept so the same code cannot relink the user.
func (v *Verifier) Unverify(ctx context.Context, localUserID int64) error {
	link, err := v.store.Links(ctx).ByLocal(ctx, localUserID)
	if err != nil {
		return err
	}
	if link == nil || link.ExternalUserID == nil {
		return ErrNotLinked
	}
	ext := *link.ExternalUserID

	if err := v.store.Links(ctx).Upsert(ctx, localUserID, nil); err != nil {
		return err
	}
	if err := v.store.Links(ctx).AppendHistory(ctx, HistoryEntry{
		ID:             ids.New(),
		LocalUserID:    localUserID,
		ExternalUserID: ext,
		IsUnverify:     true,
		CreatedAt:      v.now(),
	}); err != nil {
		return err
	}

	_ = audit.LogEvent(ctx, "verification_cleared", map[string]any{
		"local_user_id":    localUserID,
		"external_user_id": ext,
	})
	return nil
}

// LinkedExternal returns the current link for a local user, nil ExternalUserID
// meaning "verified once, currently unlinked".
func (v *Verifier) LinkedExternal(ctx context.Context, localUserID int64) (*Link, error) {
	link, err := v.store.Links(ctx).ByLocal(ctx, localUserID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%w: local user %d", ErrNotFound, localUserID)
	}
	return link, nil
}

// LinkedLocal resolves the local user currently linked to an external account.
func (v *Verifier) LinkedLocal(ctx context.Context, externalUserID int64) (*Link, error) {
	link, err := v.store.Links(ctx).ByExternal(ctx, externalUserID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, fmt.Errorf("%w: external user %d", ErrNotFound, externalUserID)
	}
	return link, nil
}

// History returns the identity audit trail for a local user, newest first.
func (v *Verifier) History(ctx context.Context, localUserID int64, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return v.store.Links(ctx).History(ctx, localUserID, limit)
}

// RotateKey mints a new current key on operator request.
func (v *Verifier) RotateKey(ctx context.Context) (VerificationKey, error) {
	key, err := v.keeper.Rotate(ctx, RotationManual)
	if err != nil {
		return VerificationKey{}, err
	}
	_ = audit.LogEvent(ctx, "verification_key_rotated", map[string]any{
		"key_id": key.ID,
		"reason": RotationManual,
	})
	return key, nil
}

// checkAttempts enforces the per-user attempt budget within the cooldown
// window. The window restarts once fully elapsed.
func (v *Verifier) checkAttempts(ctx context.Context, localUserID int64, now time.Time) error {
	limit, err := v.cfg.Int64(ctx, config.GlobalScope, config.KeyVerifyAttemptLimit)
	if err != nil {
		return err
	}
	window, err := v.cfg.Seconds(ctx, config.GlobalScope, config.KeyVerifyCooldown)
	if err != nil {
		return err
	}

	cd, err := v.store.Cooldowns(ctx).Get(ctx, localUserID)
	if err != nil {
		return err
	}
	if cd == nil {
		return nil
	}
	since := now.Sub(cd.LastAttempt)
	if since >= window {
		return nil
	}
	if cd.AttemptCount >= limit {
		obs.ObserveVerification("throttled")
		return &CooldownError{RetryAfter: window - since}
	}
	return nil
}

// rejectAttempt classifies a non-matching code and charges the attempt.
func (v *Verifier) rejectAttempt(ctx context.Context, localUserID, externalUserID int64, code Code, now time.Time) error {
	if err := v.chargeAttempt(ctx, localUserID, now); err != nil {
		return err
	}

	graceEpochs, err := v.cfg.Int64(ctx, config.GlobalScope, config.KeyGraceWindow)
	if err != nil {
		return err
	}
	for _, key := range v.keeper.Active() {
		if matchStale(key, externalUserID, code, key.Epoch(now), graceEpochs) {
			obs.ObserveVerification("expired")
			return ErrExpired
		}
	}
	obs.ObserveVerification("invalid")
	return ErrInvalidCode
}

func (v *Verifier) chargeAttempt(ctx context.Context, localUserID int64, now time.Time) error {
	window, err := v.cfg.Seconds(ctx, config.GlobalScope, config.KeyVerifyCooldown)
	if err != nil {
		return err
	}
	cd, err := v.store.Cooldowns(ctx).Get(ctx, localUserID)
	if err != nil {
		return err
	}
	var count int64 = 1
	if cd != nil && now.Sub(cd.LastAttempt) < window {
		count = cd.AttemptCount + 1
	}
	return v.store.Cooldowns(ctx).Upsert(ctx, localUserID, count, now)
}

// matchActive walks the accepted key set newest-first looking for a key/epoch
// pair that reproduces the code.
func (v *Verifier) matchActive(externalUserID int64, code Code, now time.Time) (VerificationKey, int64, bool, error) {
	keys := v.keeper.Active()
	if len(keys) == 0 {
		return VerificationKey{}, 0, false, fmt.Errorf("%w: no verification key", ErrNotFound)
	}
	for _, key := range keys {
		if epoch, ok := matchEpoch(key, externalUserID, code, key.Epoch(now)); ok {
			return key, epoch, true, nil
		}
	}
	return VerificationKey{}, 0, false, nil
}

// checkRelinkPolicy applies the reverification settings: relinking an already
// verified local user is gated by policy and timeout, and when the policy
// allows it an external account held by another local user changes hands,
// unlinking the previous holder.
func (v *Verifier) checkRelinkPolicy(ctx context.Context, localUserID, externalUserID int64, now time.Time) error {
	other, err := v.store.Links(ctx).ByExternal(ctx, externalUserID)
	if err != nil {
		return err
	}
	holder := other != nil && other.LocalUserID != localUserID

	cur, err := v.store.Links(ctx).ByLocal(ctx, localUserID)
	if err != nil {
		return err
	}
	relink := cur != nil && cur.ExternalUserID != nil

	if !holder && !relink {
		return nil
	}

	allow, err := v.cfg.Bool(ctx, config.GlobalScope, config.KeyAllowReverification)
	if err != nil {
		return err
	}
	if !allow {
		obs.ObserveVerification("conflict")
		if holder {
			return fmt.Errorf("%w: external account already linked", ErrConflict)
		}
		return fmt.Errorf("%w: reverification disabled", ErrConflict)
	}

	if relink {
		timeout, err := v.cfg.Seconds(ctx, config.GlobalScope, config.KeyReverifyTimeout)
		if err != nil {
			return err
		}
		if since := now.Sub(cur.LastUpdated); since < timeout {
			return &CooldownError{RetryAfter: timeout - since}
		}
	}

	if holder {
		// Внешний аккаунт переходит к новому владельцу: прежний отвязывается.
		if err := v.store.Links(ctx).Upsert(ctx, other.LocalUserID, nil); err != nil {
			return err
		}
		if err := v.store.Links(ctx).AppendHistory(ctx, HistoryEntry{
			ID:             ids.New(),
			LocalUserID:    other.LocalUserID,
			ExternalUserID: externalUserID,
			IsUnverify:     true,
			CreatedAt:      now,
		}); err != nil {
			return err
		}
		_ = audit.LogEvent(ctx, "previous_holder_unlinked", map[string]any{
			"local_user_id":    other.LocalUserID,
			"external_user_id": externalUserID,
		})
	}
	return nil
}

// IsCooldown reports whether err carries a retry-after hint and returns it.
func IsCooldown(err error) (time.Duration, bool) {
	var ce *CooldownError
	if errors.As(err, &ce) {
		return ce.RetryAfter, true
	}
	return 0, false
}
