package verify

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PG is the Postgres-backed verification store. Cooldown rows share the
// cooldowns table with the sync subsystem, discriminated by kind.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG { return &PG{db: db} }

func (p *PG) Keys(ctx context.Context) KeyStore           { return pgKeys{p.db} }
func (p *PG) Accounts(ctx context.Context) AccountStore   { return pgAccounts{p.db} }
func (p *PG) Links(ctx context.Context) LinkStore         { return pgLinks{p.db} }
func (p *PG) Cooldowns(ctx context.Context) CooldownStore { return pgCooldowns{p.db} }

type pgKeys struct{ db *sql.DB }

func (s pgKeys) Insert(ctx context.Context, secret []byte, timeIncrement int64, version int, reason string) (VerificationKey, error) {
	var key VerificationKey
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO verification_keys (secret, time_increment, version, change_reason, created_at)
		VALUES ($1, $2, $3, $4, now())
		RETURNING id, secret, time_increment, version, change_reason, created_at`,
		secret, timeIncrement, version, reason,
	).Scan(&key.ID, &key.Secret, &key.TimeIncrement, &key.Version, &key.ChangeReason, &key.CreatedAt)
	if err != nil {
		return VerificationKey{}, err
	}
	return key, nil
}

func (s pgKeys) Recent(ctx context.Context, limit int) ([]VerificationKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, secret, time_increment, version, change_reason, created_at
		FROM verification_keys
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VerificationKey
	for rows.Next() {
		var key VerificationKey
		if err := rows.Scan(&key.ID, &key.Secret, &key.TimeIncrement, &key.Version, &key.ChangeReason, &key.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s pgKeys) DeleteOlderThan(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM verification_keys
		WHERE created_at < $1
		  AND id NOT IN (SELECT id FROM verification_keys ORDER BY id DESC LIMIT $2)`,
		cutoff, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type pgAccounts struct{ db *sql.DB }

func (s pgAccounts) Get(ctx context.Context, externalUserID int64) (*ExternalAccount, error) {
	var acct ExternalAccount
	err := s.db.QueryRowContext(ctx, `
		SELECT external_user_id, last_key_id, last_key_epoch, last_updated
		FROM external_accounts
		WHERE external_user_id = $1`, externalUserID,
	).Scan(&acct.ExternalUserID, &acct.LastKeyID, &acct.LastKeyEpoch, &acct.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (s pgAccounts) Upsert(ctx context.Context, externalUserID, keyID, epoch int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_accounts (external_user_id, last_key_id, last_key_epoch, last_updated)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (external_user_id)
		DO UPDATE SET last_key_id = EXCLUDED.last_key_id,
		              last_key_epoch = EXCLUDED.last_key_epoch,
		              last_updated = now()`,
		externalUserID, keyID, epoch)
	return err
}

type pgLinks struct{ db *sql.DB }

func (s pgLinks) ByLocal(ctx context.Context, localUserID int64) (*Link, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT local_user_id, external_user_id, last_updated
		FROM user_links
		WHERE local_user_id = $1`, localUserID))
}

func (s pgLinks) ByExternal(ctx context.Context, externalUserID int64) (*Link, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT local_user_id, external_user_id, last_updated
		FROM user_links
		WHERE external_user_id = $1`, externalUserID))
}

func (s pgLinks) scanOne(row *sql.Row) (*Link, error) {
	var link Link
	var ext sql.NullInt64
	err := row.Scan(&link.LocalUserID, &ext, &link.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if ext.Valid {
		link.ExternalUserID = &ext.Int64
	}
	return &link, nil
}

func (s pgLinks) Upsert(ctx context.Context, localUserID int64, externalUserID *int64) error {
	var ext sql.NullInt64
	if externalUserID != nil {
		ext = sql.NullInt64{Int64: *externalUserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_links (local_user_id, external_user_id, last_updated)
		VALUES ($1, $2, now())
		ON CONFLICT (local_user_id)
		DO UPDATE SET external_user_id = EXCLUDED.external_user_id,
		              last_updated = now()`,
		localUserID, ext)
	return err
}

func (s pgLinks) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_history (id, local_user_id, external_user_id, is_unverify, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		entry.ID, entry.LocalUserID, entry.ExternalUserID, entry.IsUnverify, entry.CreatedAt)
	return err
}

func (s pgLinks) History(ctx context.Context, localUserID int64, limit int) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_user_id, external_user_id, is_unverify, created_at
		FROM user_history
		WHERE local_user_id = $1
		ORDER BY id DESC
		LIMIT $2`, localUserID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.LocalUserID, &e.ExternalUserID, &e.IsUnverify, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type pgCooldowns struct{ db *sql.DB }

func (s pgCooldowns) Get(ctx context.Context, localUserID int64) (*Cooldown, error) {
	var cd Cooldown
	err := s.db.QueryRowContext(ctx, `
		SELECT local_user_id, attempt_count, last_attempt
		FROM cooldowns
		WHERE local_user_id = $1 AND kind = 'verify'`, localUserID,
	).Scan(&cd.LocalUserID, &cd.AttemptCount, &cd.LastAttempt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cd, nil
}

func (s pgCooldowns) Upsert(ctx context.Context, localUserID, attemptCount int64, lastAttempt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (local_user_id, kind, attempt_count, last_attempt)
		VALUES ($1, 'verify', $2, $3)
		ON CONFLICT (local_user_id, kind)
		DO UPDATE SET attempt_count = EXCLUDED.attempt_count,
		              last_attempt = EXCLUDED.last_attempt`,
		localUserID, attemptCount, lastAttempt)
	return err
}
