package rolesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"rolegate.org/internal/audit"
	"rolegate.org/internal/config"
	"rolegate.org/internal/ids"
	"rolegate.org/internal/obs"
	"rolegate.org/internal/rules"
	"rolegate.org/internal/verify"
)

// Identity resolves a local user to their linked external account.
type Identity interface {
	LinkedExternal(ctx context.Context, localUserID int64) (*verify.Link, error)
}

// Engine runs role sync passes: evaluate rules against a facts snapshot,
// diff desired against actual, apply removals then additions.
type Engine struct {
	store    Store
	identity Identity
	facts    FactsFetcher
	roles    RoleClient
	cfg      *config.Manager
	cache    *rules.Cache

	mu    sync.Mutex
	locks map[int64]*sync.Mutex // per-local-user, for pass coalescing

	now func() time.Time
}

func NewEngine(store Store, identity Identity, facts FactsFetcher, roles RoleClient, cfg *config.Manager) *Engine {
	return &Engine{
		store:    store,
		identity: identity,
		facts:    facts,
		roles:    roles,
		cfg:      cfg,
		cache:    rules.NewCache(),
		locks:    make(map[int64]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Sync runs one pass for (localUserID, scope). A trigger while a pass for
// the same user is in flight is dropped, not queued: the running pass
// already reflects the latest facts.
func (e *Engine) Sync(ctx context.Context, localUserID, scope int64) (Result, error) {
	lock := e.userLock(localUserID)
	if !lock.TryLock() {
		obs.ObserveSyncPass("coalesced")
		return Result{}, ErrInFlight
	}
	defer lock.Unlock()

	now := e.now()
	if err := e.checkCooldown(ctx, localUserID, now); err != nil {
		obs.ObserveSyncPass("cooldown")
		return Result{}, err
	}

	res, err := e.runPass(ctx, localUserID, scope, now)
	switch {
	case err != nil:
		if errors.Is(err, ErrFactsUnavailable) {
			obs.ObserveSyncPass("facts_unavailable")
		} else {
			obs.ObserveSyncPass("error")
		}
		return Result{}, err
	case res.Failures > 0:
		obs.ObserveSyncPass("partial")
	default:
		obs.ObserveSyncPass("clean")
		// Полный проход без ошибок сбрасывает счётчик попыток.
		if err := e.store.SetSyncCooldown(ctx, localUserID, 0, now); err != nil {
			return res, err
		}
	}

	obs.ObserveRoleChanges(len(res.Added), len(res.Removed))
	_ = audit.LogEvent(ctx, "role_sync_completed", map[string]any{
		"local_user_id": localUserID,
		"scope":         scope,
		"added":         res.Added,
		"removed":       res.Removed,
		"failures":      res.Failures,
	})
	return res, nil
}

func (e *Engine) runPass(ctx context.Context, localUserID, scope int64, now time.Time) (Result, error) {
	link, err := e.identity.LinkedExternal(ctx, localUserID)
	if err != nil {
		if errors.Is(err, verify.ErrNotFound) {
			return Result{}, ErrNotVerified
		}
		return Result{}, err
	}
	if link.ExternalUserID == nil {
		return Result{}, ErrNotVerified
	}
	externalUserID := *link.ExternalUserID

	facts, err := e.fetchFacts(ctx, externalUserID)
	if err != nil {
		return Result{}, err
	}

	desired, err := e.desiredSet(ctx, scope, facts)
	if err != nil {
		return Result{}, err
	}
	actual, err := e.store.ActiveAssigned(ctx, localUserID, scope)
	if err != nil {
		return Result{}, err
	}

	toAdd, toRemove := diff(desired, actual)

	var res Result
	// Сначала снятия, потом назначения: без временного сверхдоступа при
	// частичном сбое. Каждая строка — отдельная транзакция; повторный
	// проход доводит состояние за счёт идемпотентности.
	for _, roleID := range toRemove {
		if err := e.roles.RemoveRole(ctx, scope, externalUserID, roleID); err != nil {
			res.Failures++
			continue
		}
		if err := e.store.CloseAssignment(ctx, localUserID, scope, roleID, now); err != nil {
			res.Failures++
			continue
		}
		res.Removed = append(res.Removed, roleID)
	}
	for _, roleID := range toAdd {
		if err := e.roles.AddRole(ctx, scope, externalUserID, roleID); err != nil {
			res.Failures++
			continue
		}
		if err := e.store.OpenAssignment(ctx, AssignedRole{
			ID:             ids.New(),
			LocalUserID:    localUserID,
			Scope:          scope,
			ExternalUserID: externalUserID,
			TargetRoleID:   roleID,
			IsActive:       true,
			AssignedAt:     now,
		}); err != nil {
			res.Failures++
			continue
		}
		res.Added = append(res.Added, roleID)
	}
	return res, nil
}

// desiredSet evaluates every rule for the scope against one shared facts
// snapshot and unions the bound role ids of rules that hold.
func (e *Engine) desiredSet(ctx context.Context, scope int64, facts rules.Facts) (map[int64]bool, error) {
	ruleRows, err := e.store.Rules(ctx, scope)
	if err != nil {
		return nil, err
	}
	bindings, err := e.store.Bindings(ctx, scope)
	if err != nil {
		return nil, err
	}
	byRule := make(map[string][]int64, len(bindings))
	for _, b := range bindings {
		byRule[b.RuleName] = append(byRule[b.RuleName], b.TargetRoleID)
	}

	desired := make(map[int64]bool)
	for _, rule := range ruleRows {
		expr, err := e.cache.Get(rule.Condition, rule.LastUpdated)
		if err != nil {
			// Сломанное правило — false, проход продолжается.
			obs.ObserveRuleParseFailure()
			obs.LogEvent(map[string]any{
				"event": "rule_parse_failed",
				"scope": rule.Scope,
				"rule":  rule.RuleName,
				"error": err.Error(),
			})
			continue
		}
		if !rules.Evaluate(expr, facts) {
			continue
		}
		for _, roleID := range byRule[rule.RuleName] {
			desired[roleID] = true
		}
	}
	return desired, nil
}

func (e *Engine) fetchFacts(ctx context.Context, externalUserID int64) (rules.Facts, error) {
	timeout, err := e.cfg.Seconds(ctx, config.GlobalScope, config.KeyFactsTimeout)
	if err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	facts, err := e.facts.Fetch(fctx, externalUserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFactsUnavailable, err)
	}
	return facts, nil
}

// checkCooldown enforces the minimum interval between passes. A rejected
// trigger does not touch the attempt counters; a proceeding one charges them.
func (e *Engine) checkCooldown(ctx context.Context, localUserID int64, now time.Time) error {
	interval, err := e.cfg.Seconds(ctx, config.GlobalScope, config.KeySyncCooldown)
	if err != nil {
		return err
	}
	count, last, found, err := e.store.SyncCooldown(ctx, localUserID)
	if err != nil {
		return err
	}
	if found {
		if since := now.Sub(last); since < interval {
			return &CooldownError{RetryAfter: interval - since}
		}
	}
	return e.store.SetSyncCooldown(ctx, localUserID, count+1, now)
}

func (e *Engine) userLock(localUserID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[localUserID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[localUserID] = lock
	}
	return lock
}

// diff computes to_add and to_remove between the desired set and the open
// ledger rows, both sorted for deterministic application order.
func diff(desired map[int64]bool, actual []AssignedRole) (toAdd, toRemove []int64) {
	have := make(map[int64]bool, len(actual))
	for _, row := range actual {
		have[row.TargetRoleID] = true
	}
	for roleID := range desired {
		if !have[roleID] {
			toAdd = append(toAdd, roleID)
		}
	}
	for roleID := range have {
		if !desired[roleID] {
			toRemove = append(toRemove, roleID)
		}
	}
	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i] < toAdd[j] })
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i] < toRemove[j] })
	return toAdd, toRemove
}

// UpsertRule validates the condition and stores the rule. A condition that
// does not parse is rejected at authoring time with the parse position.
func (e *Engine) UpsertRule(ctx context.Context, scope int64, ruleName, condition string) error {
	if _, err := rules.Parse(condition); err != nil {
		return err
	}
	rule := CustomRoleRule{
		Scope:       scope,
		RuleName:    ruleName,
		Condition:   condition,
		LastUpdated: e.now(),
	}
	if err := e.store.UpsertRule(ctx, rule); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "role_rule_upserted", map[string]any{
		"scope": scope,
		"rule":  ruleName,
	})
	return nil
}

func (e *Engine) DeleteRule(ctx context.Context, scope int64, ruleName string) error {
	if err := e.store.DeleteRule(ctx, scope, ruleName); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "role_rule_deleted", map[string]any{
		"scope": scope,
		"rule":  ruleName,
	})
	return nil
}

func (e *Engine) GetRule(ctx context.Context, scope int64, ruleName string) (*CustomRoleRule, error) {
	rule, err := e.store.Rule(ctx, scope, ruleName)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, ErrRuleNotFound
	}
	return rule, nil
}

func (e *Engine) ListRules(ctx context.Context, scope int64) ([]CustomRoleRule, error) {
	return e.store.Rules(ctx, scope)
}

// UpsertBinding attaches a platform role to a rule. The rule must exist.
func (e *Engine) UpsertBinding(ctx context.Context, binding RoleBinding) error {
	rule, err := e.store.Rule(ctx, binding.Scope, binding.RuleName)
	if err != nil {
		return err
	}
	if rule == nil {
		return ErrRuleNotFound
	}
	binding.LastUpdated = e.now()
	if err := e.store.UpsertBinding(ctx, binding); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "role_binding_upserted", map[string]any{
		"scope":   binding.Scope,
		"rule":    binding.RuleName,
		"role_id": binding.TargetRoleID,
	})
	return nil
}

func (e *Engine) DeleteBinding(ctx context.Context, scope int64, ruleName string) error {
	if err := e.store.DeleteBinding(ctx, scope, ruleName); err != nil {
		return err
	}
	_ = audit.LogEvent(ctx, "role_binding_deleted", map[string]any{
		"scope": scope,
		"rule":  ruleName,
	})
	return nil
}

func (e *Engine) ListBindings(ctx context.Context, scope int64) ([]RoleBinding, error) {
	return e.store.Bindings(ctx, scope)
}
