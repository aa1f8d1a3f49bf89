package rolesync

import (
	"context"
	"time"
)

// Store is persistence for rules, bindings, the assignment ledger, and the
// sync cooldown.
type Store interface {
	Rule(ctx context.Context, scope int64, ruleName string) (*CustomRoleRule, error)
	Rules(ctx context.Context, scope int64) ([]CustomRoleRule, error)
	UpsertRule(ctx context.Context, rule CustomRoleRule) error
	DeleteRule(ctx context.Context, scope int64, ruleName string) error

	Bindings(ctx context.Context, scope int64) ([]RoleBinding, error)
	UpsertBinding(ctx context.Context, binding RoleBinding) error
	DeleteBinding(ctx context.Context, scope int64, ruleName string) error

	// ActiveAssigned returns the open ledger rows for (user, scope).
	ActiveAssigned(ctx context.Context, localUserID, scope int64) ([]AssignedRole, error)
	// OpenAssignment inserts a new active ledger row. Its own transaction.
	OpenAssignment(ctx context.Context, row AssignedRole) error
	// CloseAssignment flips the open row inactive and stamps unassigned_at.
	// Its own transaction.
	CloseAssignment(ctx context.Context, localUserID, scope, roleID int64, at time.Time) error

	SyncCooldown(ctx context.Context, localUserID int64) (attemptCount int64, lastAttempt time.Time, found bool, err error)
	SetSyncCooldown(ctx context.Context, localUserID, attemptCount int64, lastAttempt time.Time) error
}
