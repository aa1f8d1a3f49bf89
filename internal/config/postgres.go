package config

import (
	"context"
	"database/sql"
	"errors"
)

var _ Store = (*PGStore)(nil)

// PGStore persists settings in the config_values table.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Get(ctx context.Context, scope int64, key Key) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`select value from config_values where scope=$1 and key=$2`,
		scope, string(key),
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PGStore) Set(ctx context.Context, scope int64, key Key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		insert into config_values(scope, key, value, updated_at)
		values ($1,$2,$3, now())
		on conflict (scope, key) do update
		set value = excluded.value, updated_at = now()
	`, scope, string(key), value)
	return err
}

func (s *PGStore) Delete(ctx context.Context, scope int64, key Key) error {
	_, err := s.db.ExecContext(ctx,
		`delete from config_values where scope=$1 and key=$2`,
		scope, string(key))
	return err
}
