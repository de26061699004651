package access

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"orbaccess.dev/internal/ids"
	"orbaccess.dev/internal/obs"
)

// Service is the engine facade: cached resolution on the read path,
// and mutations that invalidate the affected cache entries before
// reporting success, so read-your-writes holds for the calling session.
type Service struct {
	store    Store
	resolver *Resolver
	cache    *ResolutionCache
	cascade  *CascadeCoordinator
	now      func() time.Time
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithCache replaces the default resolution cache.
func WithCache(cache *ResolutionCache) ServiceOption {
	return func(s *Service) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// NewService constructs the access engine over the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	svc := &Service{
		store: store,
		cache: NewResolutionCache(0, 0),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	resolver, err := NewResolver(store)
	if err != nil {
		return nil, err
	}
	svc.resolver = resolver
	cascade, err := NewCascadeCoordinator(store, svc.cache)
	if err != nil {
		return nil, err
	}
	svc.cascade = cascade
	return svc, nil
}

// Cache exposes the resolution cache, primarily for wiring and tests.
func (s *Service) Cache() *ResolutionCache { return s.cache }

// Resolve returns effective permissions, read-through the cache.
func (s *Service) Resolve(ctx context.Context, userID, applicationID string, env Environment) (ResolvedPermissions, error) {
	userID = strings.TrimSpace(userID)
	applicationID = strings.TrimSpace(applicationID)
	start := s.now()
	if cached, ok := s.cache.Get(userID, applicationID, env); ok {
		obs.ObserveResolution(true, time.Since(start))
		return cached, nil
	}
	resolved, err := s.resolver.Resolve(ctx, userID, applicationID, env)
	if err != nil {
		return ResolvedPermissions{}, err
	}
	s.cache.Set(resolved)
	obs.ObserveResolution(false, time.Since(start))
	return resolved, nil
}

// HasPermission reports whether the user holds the permission in the
// given application environment. It goes through the cache and never
// re-runs a full resolution when a fresh entry exists.
func (s *Service) HasPermission(ctx context.Context, userID, applicationID string, env Environment, permission string) (bool, error) {
	resolved, err := s.Resolve(ctx, userID, applicationID, env)
	if err != nil {
		return false, err
	}
	return resolved.Has(permission), nil
}

// InvalidateCache drops every cached resolution of the user within the
// application, across all environments.
func (s *Service) InvalidateCache(userID, applicationID string) {
	s.cache.Invalidate(userID, applicationID)
}

// CreateGroup creates an ACTIVE group. Names are unique per application
// among ACTIVE groups; the store's unique index is the backstop for the
// pre-check here.
func (s *Service) CreateGroup(ctx context.Context, applicationID, name, description string) (Group, error) {
	applicationID = strings.TrimSpace(applicationID)
	name = strings.TrimSpace(name)
	if applicationID == "" {
		return Group{}, fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	if name == "" {
		return Group{}, fmt.Errorf("%w: group name is required", ErrInvalidInput)
	}
	if _, err := s.store.FindActiveGroupByName(ctx, applicationID, name); err == nil {
		return Group{}, fmt.Errorf("%w: group %q already exists", ErrConflict, name)
	} else if !errors.Is(err, ErrNotFound) {
		return Group{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	now := s.now().UTC()
	group := Group{
		ID:            ids.New(),
		ApplicationID: applicationID,
		Name:          name,
		Description:   strings.TrimSpace(description),
		Status:        GroupActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateGroup(ctx, &group); err != nil {
		if errors.Is(err, ErrConflict) {
			return Group{}, fmt.Errorf("%w: group %q already exists", ErrConflict, name)
		}
		return Group{}, fmt.Errorf("%w: create group: %v", ErrUnavailable, err)
	}
	return group, nil
}

// GetGroup fetches a group by id.
func (s *Service) GetGroup(ctx context.Context, groupID string) (Group, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return Group{}, fmt.Errorf("%w: group_id is required", ErrInvalidInput)
	}
	return s.store.GetGroup(ctx, groupID)
}

// ListGroups returns all groups of an application.
func (s *Service) ListGroups(ctx context.Context, applicationID string) ([]Group, error) {
	applicationID = strings.TrimSpace(applicationID)
	if applicationID == "" {
		return nil, fmt.Errorf("%w: application_id is required", ErrInvalidInput)
	}
	return s.store.ListGroupsByApplication(ctx, applicationID)
}

// DeleteGroup cascades the deletion through memberships and role
// assignments and invalidates every affected user's cache entries.
func (s *Service) DeleteGroup(ctx context.Context, groupID string) (CascadeResult, error) {
	return s.cascade.DeleteGroup(ctx, groupID)
}

// AddMember creates an ACTIVE membership for the user in the group.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) (GroupMembership, error) {
	return s.createMembership(ctx, groupID, userID, MembershipActive)
}

// InviteMember creates an INVITED membership; the user gains no
// permissions until the invite is accepted.
func (s *Service) InviteMember(ctx context.Context, groupID, userID string) (GroupMembership, error) {
	return s.createMembership(ctx, groupID, userID, MembershipInvited)
}

func (s *Service) createMembership(ctx context.Context, groupID, userID string, status MembershipStatus) (GroupMembership, error) {
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return GroupMembership{}, fmt.Errorf("%w: group_id and user_id are required", ErrInvalidInput)
	}
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return GroupMembership{}, err
	}
	if group.Status != GroupActive {
		return GroupMembership{}, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}
	for _, st := range []MembershipStatus{MembershipActive, MembershipInvited} {
		if _, err := s.store.FindMembership(ctx, groupID, userID, st); err == nil {
			return GroupMembership{}, fmt.Errorf("%w: user %s already belongs to group %s", ErrConflict, userID, groupID)
		} else if !errors.Is(err, ErrNotFound) {
			return GroupMembership{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	now := s.now().UTC()
	membership := GroupMembership{
		ID:        ids.New(),
		GroupID:   groupID,
		UserID:    userID,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateMembership(ctx, &membership); err != nil {
		if errors.Is(err, ErrConflict) {
			return GroupMembership{}, fmt.Errorf("%w: user %s already belongs to group %s", ErrConflict, userID, groupID)
		}
		return GroupMembership{}, fmt.Errorf("%w: create membership: %v", ErrUnavailable, err)
	}
	if status == MembershipActive {
		s.cache.Invalidate(userID, group.ApplicationID)
	}
	return membership, nil
}

// AcceptInvite flips an INVITED membership to ACTIVE.
func (s *Service) AcceptInvite(ctx context.Context, groupID, userID string) (GroupMembership, error) {
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return GroupMembership{}, fmt.Errorf("%w: group_id and user_id are required", ErrInvalidInput)
	}
	invited, err := s.store.FindMembership(ctx, groupID, userID, MembershipInvited)
	if err != nil {
		return GroupMembership{}, err
	}
	// The group is loaded before the transition so the invalidation
	// below can never be skipped after a committed write.
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return GroupMembership{}, err
	}
	if err := s.store.UpdateMembershipStatus(ctx, invited.ID, MembershipInvited, MembershipActive); err != nil {
		return GroupMembership{}, err
	}
	s.cache.Invalidate(userID, group.ApplicationID)
	invited.Status = MembershipActive
	return invited, nil
}

// RemoveMember marks the ACTIVE membership REMOVED and invalidates the
// user's cached resolutions.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID string) error {
	groupID = strings.TrimSpace(groupID)
	userID = strings.TrimSpace(userID)
	if groupID == "" || userID == "" {
		return fmt.Errorf("%w: group_id and user_id are required", ErrInvalidInput)
	}
	membership, err := s.store.FindMembership(ctx, groupID, userID, MembershipActive)
	if err != nil {
		return err
	}
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateMembershipStatus(ctx, membership.ID, MembershipActive, MembershipRemoved); err != nil {
		return err
	}
	s.cache.Invalidate(userID, group.ApplicationID)
	return nil
}

// ListMembers returns every membership of a group, regardless of status.
func (s *Service) ListMembers(ctx context.Context, groupID string) ([]GroupMembership, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalidInput)
	}
	return s.store.ListMembershipsByGroup(ctx, groupID)
}

// AssignGroupRole grants a role snapshot to a group within one
// environment and invalidates every active member's cache entries for
// the application. Other environments of the same group are untouched.
func (s *Service) AssignGroupRole(ctx context.Context, groupID string, env Environment, role RoleRef) (GroupRoleAssignment, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return GroupRoleAssignment{}, fmt.Errorf("%w: group_id is required", ErrInvalidInput)
	}
	if !env.Valid() {
		return GroupRoleAssignment{}, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
	if err := validateRole(role); err != nil {
		return GroupRoleAssignment{}, err
	}
	group, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return GroupRoleAssignment{}, err
	}
	if group.Status != GroupActive {
		return GroupRoleAssignment{}, fmt.Errorf("%w: group %s", ErrNotFound, groupID)
	}

	now := s.now().UTC()
	assignment := GroupRoleAssignment{
		ID:            ids.New(),
		GroupID:       groupID,
		ApplicationID: group.ApplicationID,
		Environment:   env,
		RoleID:        role.RoleID,
		RoleName:      role.RoleName,
		Permissions:   dedupeSorted(role.Permissions),
		Status:        AssignmentActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateGroupRoleAssignment(ctx, &assignment); err != nil {
		return GroupRoleAssignment{}, fmt.Errorf("%w: create group role assignment: %v", ErrUnavailable, err)
	}
	s.invalidateGroupMembers(ctx, groupID, group.ApplicationID)
	return assignment, nil
}

// RemoveGroupRole marks the assignment DELETED and invalidates every
// active member's cache entries.
func (s *Service) RemoveGroupRole(ctx context.Context, assignmentID string) error {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return fmt.Errorf("%w: assignment_id is required", ErrInvalidInput)
	}
	assignment, err := s.store.GetGroupRoleAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateGroupRoleStatus(ctx, assignmentID, AssignmentActive, AssignmentDeleted); err != nil {
		return err
	}
	s.invalidateGroupMembers(ctx, assignment.GroupID, assignment.ApplicationID)
	return nil
}

// ListGroupRoles returns every role assignment of a group.
func (s *Service) ListGroupRoles(ctx context.Context, groupID string) ([]GroupRoleAssignment, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" {
		return nil, fmt.Errorf("%w: group_id is required", ErrInvalidInput)
	}
	return s.store.ListGroupRolesByGroup(ctx, groupID)
}

// AssignUserRole grants a role snapshot directly to a user within one
// environment. Multiple active direct assignments may coexist.
func (s *Service) AssignUserRole(ctx context.Context, userID, applicationID string, env Environment, role RoleRef) (UserRoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	applicationID = strings.TrimSpace(applicationID)
	if userID == "" || applicationID == "" {
		return UserRoleAssignment{}, fmt.Errorf("%w: user_id and application_id are required", ErrInvalidInput)
	}
	if !env.Valid() {
		return UserRoleAssignment{}, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}
	if err := validateRole(role); err != nil {
		return UserRoleAssignment{}, err
	}

	now := s.now().UTC()
	assignment := UserRoleAssignment{
		ID:            ids.New(),
		UserID:        userID,
		ApplicationID: applicationID,
		Environment:   env,
		RoleID:        role.RoleID,
		RoleName:      role.RoleName,
		Permissions:   dedupeSorted(role.Permissions),
		Status:        AssignmentActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateUserRoleAssignment(ctx, &assignment); err != nil {
		return UserRoleAssignment{}, fmt.Errorf("%w: create user role assignment: %v", ErrUnavailable, err)
	}
	s.cache.Invalidate(userID, applicationID)
	return assignment, nil
}

// RemoveUserRole marks the direct assignment DELETED and invalidates
// the user's cached resolutions.
func (s *Service) RemoveUserRole(ctx context.Context, assignmentID string) error {
	assignmentID = strings.TrimSpace(assignmentID)
	if assignmentID == "" {
		return fmt.Errorf("%w: assignment_id is required", ErrInvalidInput)
	}
	assignment, err := s.store.GetUserRoleAssignment(ctx, assignmentID)
	if err != nil {
		return err
	}
	if err := s.store.UpdateUserRoleStatus(ctx, assignmentID, AssignmentActive, AssignmentDeleted); err != nil {
		return err
	}
	s.cache.Invalidate(assignment.UserID, assignment.ApplicationID)
	return nil
}

// ListUserRoles returns the direct assignments of a user within an
// application.
func (s *Service) ListUserRoles(ctx context.Context, userID, applicationID string) ([]UserRoleAssignment, error) {
	userID = strings.TrimSpace(userID)
	applicationID = strings.TrimSpace(applicationID)
	if userID == "" || applicationID == "" {
		return nil, fmt.Errorf("%w: user_id and application_id are required", ErrInvalidInput)
	}
	return s.store.ListUserRolesByUser(ctx, userID, applicationID)
}

func (s *Service) invalidateGroupMembers(ctx context.Context, groupID, applicationID string) {
	memberships, err := s.store.ListMembershipsByGroup(ctx, groupID)
	if err != nil {
		// Cannot enumerate members; drop everything rather than serve
		// stale permissions.
		s.cache.Purge()
		return
	}
	for _, m := range memberships {
		if m.Status == MembershipActive {
			s.cache.Invalidate(m.UserID, applicationID)
		}
	}
}

func validateRole(role RoleRef) error {
	if strings.TrimSpace(role.RoleID) == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(role.RoleName) == "" {
		return fmt.Errorf("%w: role_name is required", ErrInvalidInput)
	}
	return nil
}
