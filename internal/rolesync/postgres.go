package rolesync

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PG is the Postgres-backed sync store. Sync cooldown rows share the
// cooldowns table with the verification subsystem, discriminated by kind.
type PG struct {
	db *sql.DB
}

func NewPG(db *sql.DB) *PG { return &PG{db: db} }

func (p *PG) Rule(ctx context.Context, scope int64, ruleName string) (*CustomRoleRule, error) {
	var rule CustomRoleRule
	err := p.db.QueryRowContext(ctx, `
		SELECT scope, rule_name, condition, last_updated
		FROM custom_role_rules
		WHERE scope = $1 AND rule_name = $2`, scope, ruleName,
	).Scan(&rule.Scope, &rule.RuleName, &rule.Condition, &rule.LastUpdated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (p *PG) Rules(ctx context.Context, scope int64) ([]CustomRoleRule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT scope, rule_name, condition, last_updated
		FROM custom_role_rules
		WHERE scope = $1
		ORDER BY rule_name`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CustomRoleRule
	for rows.Next() {
		var rule CustomRoleRule
		if err := rows.Scan(&rule.Scope, &rule.RuleName, &rule.Condition, &rule.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

func (p *PG) UpsertRule(ctx context.Context, rule CustomRoleRule) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO custom_role_rules (scope, rule_name, condition, last_updated)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scope, rule_name)
		DO UPDATE SET condition = EXCLUDED.condition,
		              last_updated = EXCLUDED.last_updated`,
		rule.Scope, rule.RuleName, rule.Condition, rule.LastUpdated)
	return err
}

func (p *PG) DeleteRule(ctx context.Context, scope int64, ruleName string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM custom_role_rules
		WHERE scope = $1 AND rule_name = $2`, scope, ruleName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	// Осиротевшие привязки удаляются вместе с правилом.
	_, err = p.db.ExecContext(ctx, `
		DELETE FROM role_bindings
		WHERE scope = $1 AND rule_name = $2`, scope, ruleName)
	return err
}

func (p *PG) Bindings(ctx context.Context, scope int64) ([]RoleBinding, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT scope, rule_name, target_role_id, target_role_name, last_updated
		FROM role_bindings
		WHERE scope = $1
		ORDER BY rule_name`, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RoleBinding
	for rows.Next() {
		var b RoleBinding
		if err := rows.Scan(&b.Scope, &b.RuleName, &b.TargetRoleID, &b.TargetRoleName, &b.LastUpdated); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (p *PG) UpsertBinding(ctx context.Context, binding RoleBinding) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO role_bindings (scope, rule_name, target_role_id, target_role_name, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, rule_name)
		DO UPDATE SET target_role_id = EXCLUDED.target_role_id,
		              target_role_name = EXCLUDED.target_role_name,
		              last_updated = EXCLUDED.last_updated`,
		binding.Scope, binding.RuleName, binding.TargetRoleID, binding.TargetRoleName, binding.LastUpdated)
	return err
}

func (p *PG) DeleteBinding(ctx context.Context, scope int64, ruleName string) error {
	res, err := p.db.ExecContext(ctx, `
		DELETE FROM role_bindings
		WHERE scope = $1 AND rule_name = $2`, scope, ruleName)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (p *PG) ActiveAssigned(ctx context.Context, localUserID, scope int64) ([]AssignedRole, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, local_user_id, scope, external_user_id, target_role_id, is_active, assigned_at, unassigned_at
		FROM assigned_roles
		WHERE local_user_id = $1 AND scope = $2 AND is_active`, localUserID, scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AssignedRole
	for rows.Next() {
		var row AssignedRole
		var unassigned sql.NullTime
		if err := rows.Scan(&row.ID, &row.LocalUserID, &row.Scope, &row.ExternalUserID,
			&row.TargetRoleID, &row.IsActive, &row.AssignedAt, &unassigned); err != nil {
			return nil, err
		}
		if unassigned.Valid {
			row.UnassignedAt = &unassigned.Time
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (p *PG) OpenAssignment(ctx context.Context, row AssignedRole) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO assigned_roles (id, local_user_id, scope, external_user_id, target_role_id, is_active, assigned_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)`,
		row.ID, row.LocalUserID, row.Scope, row.ExternalUserID, row.TargetRoleID, row.AssignedAt)
	return err
}

func (p *PG) CloseAssignment(ctx context.Context, localUserID, scope, roleID int64, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE assigned_roles
		SET is_active = FALSE, unassigned_at = $4
		WHERE local_user_id = $1 AND scope = $2 AND target_role_id = $3 AND is_active`,
		localUserID, scope, roleID, at)
	return err
}

func (p *PG) SyncCooldown(ctx context.Context, localUserID int64) (int64, time.Time, bool, error) {
	var count int64
	var last time.Time
	err := p.db.QueryRowContext(ctx, `
		SELECT attempt_count, last_attempt
		FROM cooldowns
		WHERE local_user_id = $1 AND kind = 'sync'`, localUserID,
	).Scan(&count, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, time.Time{}, false, nil
	}
	if err != nil {
		return 0, time.Time{}, false, err
	}
	return count, last, true, nil
}

func (p *PG) SetSyncCooldown(ctx context.Context, localUserID, attemptCount int64, lastAttempt time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO cooldowns (local_user_id, kind, attempt_count, last_attempt)
		VALUES ($1, 'sync', $2, $3)
		ON CONFLICT (local_user_id, kind)
		DO UPDATE SET attempt_count = EXCLUDED.attempt_count,
		              last_attempt = EXCLUDED.last_attempt`,
		localUserID, attemptCount, lastAttempt)
	return err
}
