// Package perms resolves effective permission bitmasks over a three-level
// scope path with most-specific-match precedence.
package perms

import (
	"context"
	"errors"
	"time"
)

// Wildcard matches any value at its scope position.
const Wildcard int64 = 0

// Named permission bits.
const (
	BitVerifyOthers   int64 = 1 << 0 // submit or clear verification for another user
	BitManageRules    int64 = 1 << 1 // create, update, delete role rules
	BitManageBindings int64 = 1 << 2 // bind rules to platform roles
	BitTriggerSync    int64 = 1 << 3 // force a role sync pass
	BitRotateKeys     int64 = 1 << 4 // rotate verification keys
	BitManageConfig   int64 = 1 << 5 // change policy settings
	BitViewHistory    int64 = 1 << 6 // read identity history
	BitAdmin          int64 = 1<<7 - 1
)

// Names maps each single bit to its stable external name.
var Names = map[int64]string{
	BitVerifyOthers:   "verify_others",
	BitManageRules:    "manage_rules",
	BitManageBindings: "manage_bindings",
	BitTriggerSync:    "trigger_sync",
	BitRotateKeys:     "rotate_keys",
	BitManageConfig:   "manage_config",
	BitViewHistory:    "view_history",
}

// Permission is one scoped grant. The scope path is the primary key; at most
// one row exists per exact path.
type Permission struct {
	Scope1      int64
	Scope2      int64
	ID          int64
	Bits        int64
	LastUpdated time.Time
}

var ErrNotFound = errors.New("perms: not found")

// Store is exact-path access to permission rows.
type Store interface {
	Get(ctx context.Context, scope1, scope2, id int64) (*Permission, error)
	Set(ctx context.Context, p Permission) error
	Delete(ctx context.Context, scope1, scope2, id int64) error
	List(ctx context.Context, scope1 int64) ([]Permission, error)
}

// Resolver answers effective-permission queries.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver { return &Resolver{store: store} }

// Resolve returns the bits of the most specific matching row. Candidates are
// probed from exact to fully wild; the first hit wins outright, broader rows
// are not merged in. No match resolves to zero bits.
func (r *Resolver) Resolve(ctx context.Context, scope1, scope2, id int64) (int64, error) {
	candidates := [4][3]int64{
		{scope1, scope2, id},
		{scope1, scope2, Wildcard},
		{scope1, Wildcard, Wildcard},
		{Wildcard, Wildcard, Wildcard},
	}
	for _, c := range candidates {
		p, err := r.store.Get(ctx, c[0], c[1], c[2])
		if err != nil {
			return 0, err
		}
		if p != nil {
			return p.Bits, nil
		}
	}
	return 0, nil
}

// Has reports whether the resolved bitmask carries all the given bits.
func (r *Resolver) Has(ctx context.Context, scope1, scope2, id, bits int64) (bool, error) {
	got, err := r.Resolve(ctx, scope1, scope2, id)
	if err != nil {
		return false, err
	}
	return got&bits == bits, nil
}

// Set writes the grant for an exact scope path, replacing any prior bits.
func (r *Resolver) Set(ctx context.Context, p Permission) error {
	p.LastUpdated = time.Now().UTC()
	return r.store.Set(ctx, p)
}

// Delete removes the grant at an exact scope path.
func (r *Resolver) Delete(ctx context.Context, scope1, scope2, id int64) error {
	return r.store.Delete(ctx, scope1, scope2, id)
}

// List returns all grants under a top-level scope.
func (r *Resolver) List(ctx context.Context, scope1 int64) ([]Permission, error) {
	return r.store.List(ctx, scope1)
}

// BitNames expands a bitmask into its named components.
func BitNames(bits int64) []string {
	var out []string
	for bit := int64(1); bit != 0 && bit <= bits; bit <<= 1 {
		if bits&bit != 0 {
			if name, ok := Names[bit]; ok {
				out = append(out, name)
			}
		}
	}
	return out
}
