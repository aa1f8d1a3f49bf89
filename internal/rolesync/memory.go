package rolesync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory keeps rules, bindings, and the ledger in process memory. Intended
// for tests.
type InMemory struct {
	mu        sync.Mutex
	rules     map[ruleKey]CustomRoleRule
	bindings  map[ruleKey]RoleBinding
	ledger    []AssignedRole
	cooldowns map[int64]memCooldown
}

type ruleKey struct {
	scope    int64
	ruleName string
}

type memCooldown struct {
	count int64
	last  time.Time
}

func NewInMemory() *InMemory {
	return &InMemory{
		rules:     make(map[ruleKey]CustomRoleRule),
		bindings:  make(map[ruleKey]RoleBinding),
		cooldowns: make(map[int64]memCooldown),
	}
}

func (m *InMemory) Rule(ctx context.Context, scope int64, ruleName string) (*CustomRoleRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, ok := m.rules[ruleKey{scope, ruleName}]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

func (m *InMemory) Rules(ctx context.Context, scope int64) ([]CustomRoleRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CustomRoleRule
	for key, rule := range m.rules {
		if key.scope == scope {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleName < out[j].RuleName })
	return out, nil
}

func (m *InMemory) UpsertRule(ctx context.Context, rule CustomRoleRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[ruleKey{rule.Scope, rule.RuleName}] = rule
	return nil
}

func (m *InMemory) DeleteRule(ctx context.Context, scope int64, ruleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey{scope, ruleName}
	if _, ok := m.rules[key]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, key)
	delete(m.bindings, key)
	return nil
}

func (m *InMemory) Bindings(ctx context.Context, scope int64) ([]RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RoleBinding
	for key, b := range m.bindings {
		if key.scope == scope {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RuleName < out[j].RuleName })
	return out, nil
}

func (m *InMemory) UpsertBinding(ctx context.Context, binding RoleBinding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings[ruleKey{binding.Scope, binding.RuleName}] = binding
	return nil
}

func (m *InMemory) DeleteBinding(ctx context.Context, scope int64, ruleName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := ruleKey{scope, ruleName}
	if _, ok := m.bindings[key]; !ok {
		return ErrRuleNotFound
	}
	delete(m.bindings, key)
	return nil
}

func (m *InMemory) ActiveAssigned(ctx context.Context, localUserID, scope int64) ([]AssignedRole, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AssignedRole
	for _, row := range m.ledger {
		if row.IsActive && row.LocalUserID == localUserID && row.Scope == scope {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *InMemory) OpenAssignment(ctx context.Context, row AssignedRole) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger = append(m.ledger, row)
	return nil
}

func (m *InMemory) CloseAssignment(ctx context.Context, localUserID, scope, roleID int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.ledger {
		row := &m.ledger[i]
		if row.IsActive && row.LocalUserID == localUserID && row.Scope == scope && row.TargetRoleID == roleID {
			row.IsActive = false
			stamp := at
			row.UnassignedAt = &stamp
			return nil
		}
	}
	return nil
}

func (m *InMemory) SyncCooldown(ctx context.Context, localUserID int64) (int64, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.cooldowns[localUserID]
	if !ok {
		return 0, time.Time{}, false, nil
	}
	return cd.count, cd.last, true, nil
}

func (m *InMemory) SetSyncCooldown(ctx context.Context, localUserID, attemptCount int64, lastAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[localUserID] = memCooldown{count: attemptCount, last: lastAttempt}
	return nil
}

// Ledger returns a copy of every ledger row, for assertions in tests.
func (m *InMemory) Ledger() []AssignedRole {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AssignedRole, len(m.ledger))
	copy(out, m.ledger)
	return out
}
