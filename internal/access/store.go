package access

import "context"

// ResolverStore is the read-side subset of Store consumed by the
// Resolver. Each method corresponds to a primary-key or secondary-index
// lookup in the underlying keyed store.
type ResolverStore interface {
	// ListActiveUserRolesByEnvironment queries the (user_id, environment)
	// index and filters to ACTIVE rows of the given application.
	ListActiveUserRolesByEnvironment(ctx context.Context, userID, applicationID string, env Environment) ([]UserRoleAssignment, error)

	// ListActiveMembershipsByUser queries the application-wide user_id
	// index for ACTIVE memberships.
	ListActiveMembershipsByUser(ctx context.Context, userID string) ([]GroupMembership, error)

	// ListActiveGroupRolesByEnvironment queries the (group_id, environment)
	// index for ACTIVE assignments.
	ListActiveGroupRolesByEnvironment(ctx context.Context, groupID string, env Environment) ([]GroupRoleAssignment, error)
}

// CascadeResult reports what a group deletion touched, so callers can
// invalidate exactly the affected cache entries.
type CascadeResult struct {
	Group           Group
	RemovedUserIDs  []string
	RemovedRoleIDs  []string
	MembershipCount int
}

// Store describes the persistence operations required by the access
// engine. Implementations must make DeleteGroupCascade atomic: a
// concurrent reader sees either the full pre-delete state or the full
// post-delete state, never a partial cascade.
type Store interface {
	ResolverStore

	CreateGroup(ctx context.Context, g *Group) error
	GetGroup(ctx context.Context, id string) (Group, error)
	FindActiveGroupByName(ctx context.Context, applicationID, name string) (Group, error)
	ListGroupsByApplication(ctx context.Context, applicationID string) ([]Group, error)
	DeleteGroupCascade(ctx context.Context, groupID string) (CascadeResult, error)

	CreateMembership(ctx context.Context, m *GroupMembership) error
	GetMembership(ctx context.Context, id string) (GroupMembership, error)
	FindMembership(ctx context.Context, groupID, userID string, status MembershipStatus) (GroupMembership, error)
	ListMembershipsByGroup(ctx context.Context, groupID string) ([]GroupMembership, error)
	UpdateMembershipStatus(ctx context.Context, id string, expected, next MembershipStatus) error

	CreateGroupRoleAssignment(ctx context.Context, a *GroupRoleAssignment) error
	GetGroupRoleAssignment(ctx context.Context, id string) (GroupRoleAssignment, error)
	ListGroupRolesByGroup(ctx context.Context, groupID string) ([]GroupRoleAssignment, error)
	UpdateGroupRoleStatus(ctx context.Context, id string, expected, next AssignmentStatus) error

	CreateUserRoleAssignment(ctx context.Context, a *UserRoleAssignment) error
	GetUserRoleAssignment(ctx context.Context, id string) (UserRoleAssignment, error)
	ListUserRolesByUser(ctx context.Context, userID, applicationID string) ([]UserRoleAssignment, error)
	UpdateUserRoleStatus(ctx context.Context, id string, expected, next AssignmentStatus) error
}
