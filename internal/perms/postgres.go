package perms

import (
	"context"
	"database/sql"
	"errors"
)

// PG is the Postgres-backed permission store.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG { return &PG{db: db} }

func (p *PG) Get(ctx context.Context, scope1, scope2, id int64) (*Permission, error) {
	var perm Permission
	err := p.db.QueryRowContext(ctx, `
		SELECT scope_1, scope_2, id, permission_bits, last_updated
		FROM permissions
		WHERE scope_1 = $1 AND scope_2 = $2 AND id = $3`,
		scope1, scope2, id,
	).Scan(&perm.Scope1, &perm.Scope2, &perm.ID, &perm.Bits, &perm.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &perm, nil
}

func (p *PG) Set(ctx context.Context, perm Permission) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO permissions (scope_1, scope_2, id, permission_bits, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope_1, scope_2, id)
		DO UPDATE SET permission_bits = EXCLUDED.permission_bits,
		              last_updated = EXCLUDED.last_updated`,
		perm.Scope1, perm.Scope2, perm.ID, perm.Bits, perm.LastUpdated)
	return err
}

func (p *PG) Delete(ctx context.Context, scope1, scope2, id int64) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM permissions
		WHERE scope_1 = $1 AND scope_2 = $2 AND id = $3`,
		scope1, scope2, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PG) List(ctx context.Context, scope1 int64) ([]Permission, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT scope_1, scope_2, id, permission_bits, last_updated
		FROM permissions
		WHERE scope_1 = $1
		ORDER BY scope_2, id`, scope1)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Permission
	for rows.Next() {
		var perm Permission
		if err := rows.Scan(&perm.Scope1, &perm.Scope2, &perm.ID, &perm.Bits, &perm.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}
