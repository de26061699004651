// Package memory provides an in-process store adapter used by tests
// and local development. A single mutex makes every multi-record
// mutation (cascade delete, key rotation) atomic with respect to
// readers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
)

// Store holds every entity table in maps keyed by primary id, with
// index scans done in memory. It implements access.Store and
// apikey.Store.
type Store struct {
	mu sync.RWMutex

	groups      map[string]access.Group
	memberships map[string]access.GroupMembership
	groupRoles  map[string]access.GroupRoleAssignment
	userRoles   map[string]access.UserRoleAssignment

	keys       map[string]apikey.Key
	keysByHash map[string]string
}

var (
	_ access.Store = (*Store)(nil)
	_ apikey.Store = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		groups:      make(map[string]access.Group),
		memberships: make(map[string]access.GroupMembership),
		groupRoles:  make(map[string]access.GroupRoleAssignment),
		userRoles:   make(map[string]access.UserRoleAssignment),
		keys:        make(map[string]apikey.Key),
		keysByHash:  make(map[string]string),
	}
}

// --- access.Store: groups ---

func (s *Store) CreateGroup(ctx context.Context, g *access.Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[g.ID]; ok {
		return fmt.Errorf("%w: group id %s", access.ErrConflict, g.ID)
	}
	for _, existing := range s.groups {
		if existing.ApplicationID == g.ApplicationID && existing.Name == g.Name && existing.Status == access.GroupActive {
			return fmt.Errorf("%w: group name %q", access.ErrConflict, g.Name)
		}
	}
	s.groups[g.ID] = *g
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (access.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.groups[id]
	if !ok {
		return access.Group{}, fmt.Errorf("%w: group %s", access.ErrNotFound, id)
	}
	return g, nil
}

func (s *Store) FindActiveGroupByName(ctx context.Context, applicationID, name string) (access.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, g := range s.groups {
		if g.ApplicationID == applicationID && g.Name == name && g.Status == access.GroupActive {
			return g, nil
		}
	}
	return access.Group{}, fmt.Errorf("%w: group %q", access.ErrNotFound, name)
}

func (s *Store) ListGroupsByApplication(ctx context.Context, applicationID string) ([]access.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.Group
	for _, g := range s.groups {
		if g.ApplicationID == applicationID {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeleteGroupCascade(ctx context.Context, groupID string) (access.CascadeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group, ok := s.groups[groupID]
	if !ok {
		return access.CascadeResult{}, fmt.Errorf("%w: group %s", access.ErrNotFound, groupID)
	}
	if group.Status != access.GroupActive {
		return access.CascadeResult{}, fmt.Errorf("%w: group %s already deleted", access.ErrConflict, groupID)
	}

	now := time.Now().UTC()
	group.Status = access.GroupDeleted
	group.UpdatedAt = now
	s.groups[groupID] = group

	result := access.CascadeResult{Group: group}
	seen := make(map[string]struct{})
	for id, m := range s.memberships {
		if m.GroupID != groupID {
			continue
		}
		if m.Status == access.MembershipActive || m.Status == access.MembershipInvited {
			if m.Status == access.MembershipActive {
				if _, dup := seen[m.UserID]; !dup {
					seen[m.UserID] = struct{}{}
					result.RemovedUserIDs = append(result.RemovedUserIDs, m.UserID)
				}
			}
			m.Status = access.MembershipRemoved
			m.UpdatedAt = now
			s.memberships[id] = m
			result.MembershipCount++
		}
	}
	for id, a := range s.groupRoles {
		if a.GroupID != groupID || a.Status != access.AssignmentActive {
			continue
		}
		a.Status = access.AssignmentDeleted
		a.UpdatedAt = now
		s.groupRoles[id] = a
		result.RemovedRoleIDs = append(result.RemovedRoleIDs, id)
	}
	sort.Strings(result.RemovedUserIDs)
	sort.Strings(result.RemovedRoleIDs)
	return result, nil
}

// --- access.Store: memberships ---

func (s *Store) CreateMembership(ctx context.Context, m *access.GroupMembership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.memberships[m.ID]; ok {
		return fmt.Errorf("%w: membership id %s", access.ErrConflict, m.ID)
	}
	if m.Status == access.MembershipActive || m.Status == access.MembershipInvited {
		for _, existing := range s.memberships {
			if existing.GroupID == m.GroupID && existing.UserID == m.UserID &&
				(existing.Status == access.MembershipActive || existing.Status == access.MembershipInvited) {
				return fmt.Errorf("%w: membership for user %s", access.ErrConflict, m.UserID)
			}
		}
	}
	s.memberships[m.ID] = *m
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (access.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[id]
	if !ok {
		return access.GroupMembership{}, fmt.Errorf("%w: membership %s", access.ErrNotFound, id)
	}
	return m, nil
}

func (s *Store) FindMembership(ctx context.Context, groupID, userID string, status access.MembershipStatus) (access.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memberships {
		if m.GroupID == groupID && m.UserID == userID && m.Status == status {
			return m, nil
		}
	}
	return access.GroupMembership{}, fmt.Errorf("%w: membership for user %s", access.ErrNotFound, userID)
}

func (s *Store) ListActiveMembershipsByUser(ctx context.Context, userID string) ([]access.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.GroupMembership
	for _, m := range s.memberships {
		if m.UserID == userID && m.Status == access.MembershipActive {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListMembershipsByGroup(ctx context.Context, groupID string) ([]access.GroupMembership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.GroupMembership
	for _, m := range s.memberships {
		if m.GroupID == groupID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateMembershipStatus(ctx context.Context, id string, expected, next access.MembershipStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.memberships[id]
	if !ok {
		return fmt.Errorf("%w: membership %s", access.ErrNotFound, id)
	}
	if m.Status != expected {
		return fmt.Errorf("%w: membership %s is %s, not %s", access.ErrConflict, id, m.Status, expected)
	}
	m.Status = next
	m.UpdatedAt = time.Now().UTC()
	s.memberships[id] = m
	return nil
}

// --- access.Store: group role assignments ---

func (s *Store) CreateGroupRoleAssignment(ctx context.Context, a *access.GroupRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groupRoles[a.ID]; ok {
		return fmt.Errorf("%w: assignment id %s", access.ErrConflict, a.ID)
	}
	s.groupRoles[a.ID] = *a
	return nil
}

func (s *Store) GetGroupRoleAssignment(ctx context.Context, id string) (access.GroupRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.groupRoles[id]
	if !ok {
		return access.GroupRoleAssignment{}, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	return a, nil
}

func (s *Store) ListActiveGroupRolesByEnvironment(ctx context.Context, groupID string, env access.Environment) ([]access.GroupRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.GroupRoleAssignment
	for _, a := range s.groupRoles {
		if a.GroupID == groupID && a.Environment == env && a.Status == access.AssignmentActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListGroupRolesByGroup(ctx context.Context, groupID string) ([]access.GroupRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.GroupRoleAssignment
	for _, a := range s.groupRoles {
		if a.GroupID == groupID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateGroupRoleStatus(ctx context.Context, id string, expected, next access.AssignmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.groupRoles[id]
	if !ok {
		return fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	if a.Status != expected {
		return fmt.Errorf("%w: assignment %s is %s, not %s", access.ErrConflict, id, a.Status, expected)
	}
	a.Status = next
	a.UpdatedAt = time.Now().UTC()
	s.groupRoles[id] = a
	return nil
}

// --- access.Store: user role assignments ---

func (s *Store) CreateUserRoleAssignment(ctx context.Context, a *access.UserRoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userRoles[a.ID]; ok {
		return fmt.Errorf("%w: assignment id %s", access.ErrConflict, a.ID)
	}
	s.userRoles[a.ID] = *a
	return nil
}

func (s *Store) GetUserRoleAssignment(ctx context.Context, id string) (access.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.userRoles[id]
	if !ok {
		return access.UserRoleAssignment{}, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	return a, nil
}

func (s *Store) ListActiveUserRolesByEnvironment(ctx context.Context, userID, applicationID string, env access.Environment) ([]access.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.UserRoleAssignment
	for _, a := range s.userRoles {
		if a.UserID == userID && a.ApplicationID == applicationID && a.Environment == env && a.Status == access.AssignmentActive {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ListUserRolesByUser(ctx context.Context, userID, applicationID string) ([]access.UserRoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []access.UserRoleAssignment
	for _, a := range s.userRoles {
		if a.UserID == userID && a.ApplicationID == applicationID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateUserRoleStatus(ctx context.Context, id string, expected, next access.AssignmentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.userRoles[id]
	if !ok {
		return fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	if a.Status != expected {
		return fmt.Errorf("%w: assignment %s is %s, not %s", access.ErrConflict, id, a.Status, expected)
	}
	a.Status = next
	a.UpdatedAt = time.Now().UTC()
	s.userRoles[id] = a
	return nil
}

// --- apikey.Store ---

func (s *Store) CreateKey(ctx context.Context, k *apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[k.ID]; ok {
		return fmt.Errorf("%w: key id %s", apikey.ErrConflict, k.ID)
	}
	if _, ok := s.keysByHash[k.KeyHash]; ok {
		return fmt.Errorf("%w: key hash", apikey.ErrConflict)
	}
	s.keys[k.ID] = *k
	s.keysByHash[k.KeyHash] = k.ID
	return nil
}

func (s *Store) GetKey(ctx context.Context, id string) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return apikey.Key{}, fmt.Errorf("%w: key %s", apikey.ErrNotFound, id)
	}
	return k, nil
}

func (s *Store) FindKeyByHash(ctx context.Context, keyHash string) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keysByHash[keyHash]
	if !ok {
		return apikey.Key{}, fmt.Errorf("%w: key hash", apikey.ErrNotFound)
	}
	return s.keys[id], nil
}

func (s *Store) FindActiveKey(ctx context.Context, applicationID string, env access.Environment) (apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		if k.ApplicationID == applicationID && k.Environment == env && k.Status == apikey.StatusActive {
			return k, nil
		}
	}
	return apikey.Key{}, fmt.Errorf("%w: no active key for %s/%s", apikey.ErrNotFound, applicationID, env)
}

func (s *Store) ListKeysByApplication(ctx context.Context, applicationID string) ([]apikey.Key, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []apikey.Key
	for _, k := range s.keys {
		if k.ApplicationID == applicationID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateKeyStatus(ctx context.Context, id string, expected, next apikey.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("%w: key %s", apikey.ErrNotFound, id)
	}
	if k.Status != expected {
		return fmt.Errorf("%w: key %s is %s, not %s", apikey.ErrConflict, id, k.Status, expected)
	}
	k.Status = next
	k.UpdatedAt = time.Now().UTC()
	s.keys[id] = k
	return nil
}

func (s *Store) RotateKey(ctx context.Context, oldID string, nextKeyHash string, rotationExpiresAt time.Time, replacement *apikey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.keys[oldID]
	if !ok {
		return fmt.Errorf("%w: key %s", apikey.ErrNotFound, oldID)
	}
	if old.Status != apikey.StatusActive {
		return fmt.Errorf("%w: key %s is %s", apikey.ErrConflict, oldID, old.Status)
	}
	if _, ok := s.keysByHash[replacement.KeyHash]; ok {
		return fmt.Errorf("%w: key hash", apikey.ErrConflict)
	}

	now := time.Now().UTC()
	old.Status = apikey.StatusRotating
	old.NextKeyHash = nextKeyHash
	old.RotationExpiresAt = &rotationExpiresAt
	old.UpdatedAt = now
	s.keys[oldID] = old

	s.keys[replacement.ID] = *replacement
	s.keysByHash[replacement.KeyHash] = replacement.ID
	return nil
}

func (s *Store) TouchKeyLastUsed(ctx context.Context, id string, usedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return fmt.Errorf("%w: key %s", apikey.ErrNotFound, id)
	}
	k.LastUsedAt = &usedAt
	s.keys[id] = k
	return nil
}
