package verify

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory keeps the whole verification state in process memory. Intended
// for tests and local development.
type InMemory struct {
	mu        sync.Mutex
	nextKeyID int64
	keys      []VerificationKey
	accounts  map[int64]ExternalAccount
	links     map[int64]Link
	history   []HistoryEntry
	cooldowns map[int64]Cooldown
}

func NewInMemory() *InMemory {
	return &InMemory{
		nextKeyID: 1,
		accounts:  make(map[int64]ExternalAccount),
		links:     make(map[int64]Link),
		cooldowns: make(map[int64]Cooldown),
	}
}

func (m *InMemory) Keys(ctx context.Context) KeyStore           { return (*memKeys)(m) }
func (m *InMemory) Accounts(ctx context.Context) AccountStore   { return (*memAccounts)(m) }
func (m *InMemory) Links(ctx context.Context) LinkStore         { return (*memLinks)(m) }
func (m *InMemory) Cooldowns(ctx context.Context) CooldownStore { return (*memCooldowns)(m) }

type memKeys InMemory

func (m *memKeys) Insert(ctx context.Context, secret []byte, timeIncrement int64, version int, reason string) (VerificationKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := VerificationKey{
		ID:            m.nextKeyID,
		Secret:        append([]byte(nil), secret...),
		TimeIncrement: timeIncrement,
		Version:       version,
		ChangeReason:  reason,
		CreatedAt:     time.Now().UTC(),
	}
	m.nextKeyID++
	m.keys = append(m.keys, key)
	return key, nil
}

func (m *memKeys) Recent(ctx context.Context, limit int) ([]VerificationKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]VerificationKey, len(m.keys))
	copy(out, m.keys)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memKeys) DeleteOlderThan(ctx context.Context, cutoff time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sort.Slice(m.keys, func(i, j int) bool { return m.keys[i].ID > m.keys[j].ID })
	var kept []VerificationKey
	var removed int64
	for i, key := range m.keys {
		if i < keep || !key.CreatedAt.Before(cutoff) {
			kept = append(kept, key)
			continue
		}
		removed++
	}
	m.keys = kept
	return removed, nil
}

type memAccounts InMemory

func (m *memAccounts) Get(ctx context.Context, externalUserID int64) (*ExternalAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[externalUserID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (m *memAccounts) Upsert(ctx context.Context, externalUserID, keyID, epoch int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[externalUserID] = ExternalAccount{
		ExternalUserID: externalUserID,
		LastKeyID:      keyID,
		LastKeyEpoch:   epoch,
		LastUpdated:    time.Now().UTC(),
	}
	return nil
}

type memLinks InMemory

func (m *memLinks) ByLocal(ctx context.Context, localUserID int64) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	link, ok := m.links[localUserID]
	if !ok {
		return nil, nil
	}
	return cloneLink(link), nil
}

func (m *memLinks) ByExternal(ctx context.Context, externalUserID int64) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, link := range m.links {
		if link.ExternalUserID != nil && *link.ExternalUserID == externalUserID {
			return cloneLink(link), nil
		}
	}
	return nil, nil
}

func (m *memLinks) Upsert(ctx context.Context, localUserID int64, externalUserID *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ext *int64
	if externalUserID != nil {
		v := *externalUserID
		ext = &v
	}
	m.links[localUserID] = Link{
		LocalUserID:    localUserID,
		ExternalUserID: ext,
		LastUpdated:    time.Now().UTC(),
	}
	return nil
}

func (m *memLinks) AppendHistory(ctx context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entry)
	return nil
}

func (m *memLinks) History(ctx context.Context, localUserID int64, limit int) ([]HistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []HistoryEntry
	for i := len(m.history) - 1; i >= 0 && len(out) < limit; i-- {
		if m.history[i].LocalUserID == localUserID {
			out = append(out, m.history[i])
		}
	}
	return out, nil
}

type memCooldowns InMemory

func (m *memCooldowns) Get(ctx context.Context, localUserID int64) (*Cooldown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.cooldowns[localUserID]
	if !ok {
		return nil, nil
	}
	return &cd, nil
}

func (m *memCooldowns) Upsert(ctx context.Context, localUserID, attemptCount int64, lastAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[localUserID] = Cooldown{
		LocalUserID:  localUserID,
		AttemptCount: attemptCount,
		LastAttempt:  lastAttempt,
	}
	return nil
}

func cloneLink(l Link) *Link {
	out := l
	if l.ExternalUserID != nil {
		v := *l.ExternalUserID
		out.ExternalUserID = &v
	}
	return &out
}
