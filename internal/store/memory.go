package store

import (
	"context"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/DoyleJ11/diagram-collab/internal/diagram"
	"github.com/DoyleJ11/diagram-collab/pkg/types"
)

// Memory is a Store for tests and single-process development.
type Memory struct {
	mu       sync.RWMutex
	projects map[string]Project
	members  map[string]map[string]types.Role
	diagrams map[string]types.DiagramSnapshotV1
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		projects: make(map[string]Project),
		members:  make(map[string]map[string]types.Role),
		diagrams: make(map[string]types.DiagramSnapshotV1),
		now:      time.Now,
	}
}

func (m *Memory) CreateProject(_ context.Context, name, ownerID string) (Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := Project{ID: newProjectID(), Name: name, OwnerID: ownerID, ShareToken: newShareToken(), CreatedAt: m.now()}
	m.projects[p.ID] = p
	m.members[p.ID] = map[string]types.Role{ownerID: types.RoleOwner}
	return p, nil
}

func (m *Memory) GetProject(_ context.Context, id string) (Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) GetDiagram(_ context.Context, projectID string) (types.DiagramSnapshotV1, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.projects[projectID]; !ok {
		return types.DiagramSnapshotV1{}, ErrNotFound
	}
	s, ok := m.diagrams[projectID]
	if !ok {
		return types.NewSnapshot(nil, nil, time.Time{}), nil
	}
	return diagram.Clone(s), nil
}

func (m *Memory) PutDiagram(_ context.Context, projectID string, s types.DiagramSnapshotV1) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[projectID]; !ok {
		return false, ErrNotFound
	}
	if cur, ok := m.diagrams[projectID]; ok && cur.UpdatedAt.After(s.UpdatedAt) {
		return false, nil
	}
	m.diagrams[projectID] = diagram.Clone(s)
	return true, nil
}

func (m *Memory) GetRole(_ context.Context, projectID, userID string) (types.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members, ok := m.members[projectID]
	if !ok {
		return "", ErrNotFound
	}
	r, ok := members[userID]
	if !ok {
		return "", ErrNotMember
	}
	return r, nil
}

func (m *Memory) GrantRole(_ context.Context, projectID, userID string, role types.Role) (types.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members, ok := m.members[projectID]
	if !ok {
		return "", ErrNotFound
	}
	next := diagram.MaxRole(members[userID], role)
	members[userID] = next
	return next, nil
}

func (m *Memory) ShareTokenValid(_ context.Context, projectID, token string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[projectID]
	if !ok {
		return false, ErrNotFound
	}
	return token != "" && subtle.ConstantTimeCompare([]byte(p.ShareToken), []byte(token)) == 1, nil
}

func (m *Memory) Close() error { return nil }
