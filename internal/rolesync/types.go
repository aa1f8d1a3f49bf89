package rolesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"rolegate.org/internal/rules"
)

// CustomRoleRule is an operator-authored condition scoped to one server.
type CustomRoleRule struct {
	Scope       int64
	RuleName    string
	Condition   string
	LastUpdated time.Time
}

// RoleBinding maps a rule to a concrete platform role. A rule without a
// binding is evaluated but has no effect.
type RoleBinding struct {
	Scope          int64
	RuleName       string
	TargetRoleID   int64
	TargetRoleName string
	LastUpdated    time.Time
}

// AssignedRole is one row of the role assignment ledger. Rows are opened on
// add and closed on remove, never deleted.
type AssignedRole struct {
	ID             string
	LocalUserID    int64
	Scope          int64
	ExternalUserID int64
	TargetRoleID   int64
	IsActive       bool
	AssignedAt     time.Time
	UnassignedAt   *time.Time
}

// Result summarizes one completed sync pass.
type Result struct {
	Added    []int64
	Removed  []int64
	Failures int // per-role apply errors, the pass still completes
}

var (
	// ErrInFlight signals the trigger was coalesced into a pass already
	// running for the same user.
	ErrInFlight = errors.New("rolesync: sync already in flight")

	ErrFactsUnavailable = errors.New("rolesync: facts unavailable")
	ErrNotVerified      = errors.New("rolesync: user not verified")
	ErrRuleNotFound     = errors.New("rolesync: rule not found")

	ErrCooldownActive = errors.New("rolesync: cooldown active")
)

// CooldownError reports how long the caller must wait before retrying.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("rolesync: cooldown active, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *CooldownError) Unwrap() error { return ErrCooldownActive }

// FactsFetcher produces the facts snapshot for an external account. Fetched
// once per user per pass.
type FactsFetcher interface {
	Fetch(ctx context.Context, externalUserID int64) (rules.Facts, error)
}

// RoleClient mutates platform role membership. Both calls are idempotent:
// adding a held role or removing an absent one is a no-op success.
type RoleClient interface {
	AddRole(ctx context.Context, scope, externalUserID, roleID int64) error
	RemoveRole(ctx context.Context, scope, externalUserID, roleID int64) error
}
