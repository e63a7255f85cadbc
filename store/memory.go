package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Memory is an in-process Backend. It is safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]User
	groups      map[string]Group
	memberships map[string][]string // user id -> group ids
	records     map[string]ProvisionRecord
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]User),
		groups:      make(map[string]Group),
		memberships: make(map[string][]string),
		records:     make(map[string]ProvisionRecord),
	}
}

// AddUser inserts a user, assigning an id when empty.
func (m *Memory) AddUser(u User) User {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.users[u.ID] = u
	return u
}

// AddGroup inserts a group, assigning an id when empty.
func (m *Memory) AddGroup(g Group) Group {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	g.ChatChannelRefs = slices.Clone(g.ChatChannelRefs)
	m.groups[g.ID] = g
	return g
}

// AddMembership records that userID belongs to groupID.
func (m *Memory) AddMembership(userID, groupID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !lo.Contains(m.memberships[userID], groupID) {
		m.memberships[userID] = append(m.memberships[userID], groupID)
	}
}

func (m *Memory) GetUserByChatHandle(_ context.Context, handle string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ChatHandle == handle {
			found := u
			return &found, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetUserByID(_ context.Context, id string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *Memory) SetChatMemberID(_ context.Context, userID, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.ChatMemberID = memberID
	m.users[userID] = u
	return nil
}

func (m *Memory) GetGroup(_ context.Context, id string) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return nil, ErrNotFound
	}
	g.ChatChannelRefs = slices.Clone(g.ChatChannelRefs)
	return &g, nil
}

func (m *Memory) GetGroupsByUserID(_ context.Context, userID string) ([]Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Group, 0, len(m.memberships[userID]))
	for _, gid := range m.memberships[userID] {
		if g, ok := m.groups[gid]; ok {
			g.ChatChannelRefs = slices.Clone(g.ChatChannelRefs)
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) SetChatChannelRefs(_ context.Context, groupID string, refs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[groupID]
	if !ok {
		return ErrNotFound
	}
	g.ChatChannelRefs = slices.Clone(refs)
	m.groups[groupID] = g
	return nil
}

func (m *Memory) GetRecord(_ context.Context, groupID string) (*ProvisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[groupID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *Memory) SaveRecord(_ context.Context, rec ProvisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = time.Now().UTC()
	m.records[rec.GroupID] = rec
	return nil
}

func (m *Memory) ListPending(_ context.Context) ([]ProvisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := lo.Filter(lo.Values(m.records), func(r ProvisionRecord, _ int) bool { return !r.State.Terminal() })
	slices.SortFunc(out, func(a, b ProvisionRecord) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	return out, nil
}

func (m *Memory) CountByState(_ context.Context) (map[ProvisionState]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountValuesBy(lo.Values(m.records), func(r ProvisionRecord) ProvisionState { return r.State }), nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close(context.Context) error { return nil }
