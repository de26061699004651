package access_test

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/store/memory"
)

// groupLookupFailingStore flips GetGroup into an error on demand so
// tests can exercise the failure ordering of membership mutations.
type groupLookupFailingStore struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (s *groupLookupFailingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *groupLookupFailingStore) GetGroup(ctx context.Context, id string) (access.Group, error) {
	s.mu.Lock()
	failing := s.fail
	s.mu.Unlock()
	if failing {
		return access.Group{}, errors.New("group lookup unavailable")
	}
	return s.Store.GetGroup(ctx, id)
}

func newTestService(t *testing.T) *access.Service {
	t.Helper()
	svc, err := access.NewService(memory.New(),
		access.WithCache(access.NewResolutionCache(64, time.Minute)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func mustCreateGroup(t *testing.T, svc *access.Service, applicationID, name string) access.Group {
	t.Helper()
	group, err := svc.CreateGroup(context.Background(), applicationID, name, "")
	if err != nil {
		t.Fatalf("CreateGroup(%s): %v", name, err)
	}
	return group
}

func TestCreateGroupRejectsDuplicateActiveName(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	mustCreateGroup(t, svc, "app-1", "Developers")

	if _, err := svc.CreateGroup(ctx, "app-1", "Developers", ""); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	// Same name in another application is fine.
	if _, err := svc.CreateGroup(ctx, "app-2", "Developers", ""); err != nil {
		t.Fatalf("cross-application name reuse: %v", err)
	}
}

func TestGroupRoleResolutionPerEnvironment(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Developers")

	if _, err := svc.AddMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	writer := access.RoleRef{RoleID: "role-writer", RoleName: "WRITER",
		Permissions: []string{"documents:write", "documents:read"}}
	reader := access.RoleRef{RoleID: "role-reader", RoleName: "READER",
		Permissions: []string{"documents:read"}}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, writer); err != nil {
		t.Fatalf("AssignGroupRole production: %v", err)
	}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvStaging, reader); err != nil {
		t.Fatalf("AssignGroupRole staging: %v", err)
	}

	prod, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve production: %v", err)
	}
	if want := []string{"documents:read", "documents:write"}; !reflect.DeepEqual(prod.EffectivePermissions, want) {
		t.Fatalf("production permissions: got %v, want %v", prod.EffectivePermissions, want)
	}

	staging, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvStaging)
	if err != nil {
		t.Fatalf("Resolve staging: %v", err)
	}
	if want := []string{"documents:read"}; !reflect.DeepEqual(staging.EffectivePermissions, want) {
		t.Fatalf("staging permissions: got %v, want %v", staging.EffectivePermissions, want)
	}

	dev, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvDevelopment)
	if err != nil {
		t.Fatalf("Resolve development: %v", err)
	}
	if len(dev.EffectivePermissions) != 0 {
		t.Fatalf("ungranted environment has permissions: %v", dev.EffectivePermissions)
	}
}

func TestMembershipUniquenessSpansInvites(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Ops")

	if _, err := svc.InviteMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("InviteMember: %v", err)
	}
	if _, err := svc.AddMember(ctx, group.ID, "user-1"); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict for invited user, got %v", err)
	}
	if _, err := svc.InviteMember(ctx, group.ID, "user-1"); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict for double invite, got %v", err)
	}
}

func TestInviteGrantsNothingUntilAccepted(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Ops")

	role := access.RoleRef{RoleID: "role-ops", RoleName: "OPERATOR",
		Permissions: []string{"deployments:run"}}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, role); err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	if _, err := svc.InviteMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("InviteMember: %v", err)
	}

	resolved, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(resolved.EffectivePermissions) != 0 {
		t.Fatalf("invited user already has permissions: %v", resolved.EffectivePermissions)
	}

	accepted, err := svc.AcceptInvite(ctx, group.ID, "user-1")
	if err != nil {
		t.Fatalf("AcceptInvite: %v", err)
	}
	if accepted.Status != access.MembershipActive {
		t.Fatalf("status after accept: %s", accepted.Status)
	}

	resolved, err = svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve after accept: %v", err)
	}
	if !resolved.Has("deployments:run") {
		t.Fatalf("accepted member missing group grant: %v", resolved.EffectivePermissions)
	}
}

func TestRemoveMemberInvalidatesCachedResolution(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Ops")

	if _, err := svc.AddMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	role := access.RoleRef{RoleID: "role-ops", RoleName: "OPERATOR",
		Permissions: []string{"deployments:run"}}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, role); err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	// Prime the cache; if removal fails to invalidate, the stale entry
	// would satisfy the second resolve within its TTL.
	if _, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := svc.RemoveMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}

	resolved, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve after removal: %v", err)
	}
	if len(resolved.EffectivePermissions) != 0 {
		t.Fatalf("removed member still resolves: %v", resolved.EffectivePermissions)
	}
}

func TestRemoveMemberNeverSucceedsWithoutInvalidation(t *testing.T) {
	store := &groupLookupFailingStore{Store: memory.New()}
	svc, err := access.NewService(store,
		access.WithCache(access.NewResolutionCache(64, time.Minute)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	group, err := svc.CreateGroup(ctx, "app-1", "Ops", "")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := svc.AddMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	role := access.RoleRef{RoleID: "role-ops", RoleName: "OPERATOR",
		Permissions: []string{"deployments:run"}}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, role); err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	if _, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// While the group lookup is down the mutation must be rejected, so
	// the cached resolution stays truthful instead of going stale.
	store.setFail(true)
	if err := svc.RemoveMember(ctx, group.ID, "user-1"); err == nil {
		t.Fatal("RemoveMember succeeded despite failed group lookup")
	}
	resolved, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve during outage: %v", err)
	}
	if !resolved.Has("deployments:run") {
		t.Fatalf("membership untouched but permissions gone: %v", resolved.EffectivePermissions)
	}
	members, err := svc.ListMembers(ctx, group.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].Status != access.MembershipActive {
		t.Fatalf("membership mutated on a failed removal: %+v", members)
	}

	store.setFail(false)
	if err := svc.RemoveMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("RemoveMember after recovery: %v", err)
	}
	resolved, err = svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve after removal: %v", err)
	}
	if len(resolved.EffectivePermissions) != 0 {
		t.Fatalf("removed member still resolves: %v", resolved.EffectivePermissions)
	}
}

func TestAcceptInviteNeverSucceedsWithoutInvalidation(t *testing.T) {
	store := &groupLookupFailingStore{Store: memory.New()}
	svc, err := access.NewService(store,
		access.WithCache(access.NewResolutionCache(64, time.Minute)))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	group, err := svc.CreateGroup(ctx, "app-1", "Ops", "")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	role := access.RoleRef{RoleID: "role-ops", RoleName: "OPERATOR",
		Permissions: []string{"deployments:run"}}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, role); err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	if _, err := svc.InviteMember(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("InviteMember: %v", err)
	}
	if _, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	store.setFail(true)
	if _, err := svc.AcceptInvite(ctx, group.ID, "user-1"); err == nil {
		t.Fatal("AcceptInvite succeeded despite failed group lookup")
	}
	members, err := svc.ListMembers(ctx, group.ID)
	if err != nil {
		t.Fatalf("ListMembers: %v", err)
	}
	if len(members) != 1 || members[0].Status != access.MembershipInvited {
		t.Fatalf("invite mutated on a failed accept: %+v", members)
	}

	store.setFail(false)
	if _, err := svc.AcceptInvite(ctx, group.ID, "user-1"); err != nil {
		t.Fatalf("AcceptInvite after recovery: %v", err)
	}
	resolved, err := svc.Resolve(ctx, "user-1", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve after accept: %v", err)
	}
	if !resolved.Has("deployments:run") {
		t.Fatalf("accepted member missing group grant: %v", resolved.EffectivePermissions)
	}
}

func TestDeleteGroupCascade(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Developers")

	for _, userID := range []string{"user-b", "user-a"} {
		if _, err := svc.AddMember(ctx, group.ID, userID); err != nil {
			t.Fatalf("AddMember(%s): %v", userID, err)
		}
	}
	if _, err := svc.InviteMember(ctx, group.ID, "user-c"); err != nil {
		t.Fatalf("InviteMember: %v", err)
	}
	role := access.RoleRef{RoleID: "role-writer", RoleName: "WRITER",
		Permissions: []string{"documents:write"}}
	assignment, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, role)
	if err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	if _, err := svc.Resolve(ctx, "user-a", "app-1", access.EnvProduction); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result, err := svc.DeleteGroup(ctx, group.ID)
	if err != nil {
		t.Fatalf("DeleteGroup: %v", err)
	}
	if result.Group.Status != access.GroupDeleted {
		t.Fatalf("group status: %s", result.Group.Status)
	}
	if want := []string{"user-a", "user-b"}; !reflect.DeepEqual(result.RemovedUserIDs, want) {
		t.Fatalf("removed users: got %v, want %v", result.RemovedUserIDs, want)
	}
	if result.MembershipCount != 3 {
		t.Fatalf("membership count: got %d, want 3", result.MembershipCount)
	}
	if want := []string{assignment.ID}; !reflect.DeepEqual(result.RemovedRoleIDs, want) {
		t.Fatalf("removed roles: got %v, want %v", result.RemovedRoleIDs, want)
	}

	resolved, err := svc.Resolve(ctx, "user-a", "app-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("Resolve after delete: %v", err)
	}
	if len(resolved.EffectivePermissions) != 0 {
		t.Fatalf("cascade left stale permissions: %v", resolved.EffectivePermissions)
	}

	if _, err := svc.DeleteGroup(ctx, group.ID); !errors.Is(err, access.ErrConflict) {
		t.Fatalf("second delete: expected ErrConflict, got %v", err)
	}
	if _, err := svc.AddMember(ctx, group.ID, "user-d"); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("add to deleted group: expected ErrNotFound, got %v", err)
	}
}

func TestAssignGroupRoleNormalizesSnapshot(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Ops")

	role := access.RoleRef{RoleID: "role-ops", RoleName: "OPERATOR",
		Permissions: []string{"b:perm", "a:perm", "b:perm"}}
	assignment, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, role)
	if err != nil {
		t.Fatalf("AssignGroupRole: %v", err)
	}
	if want := []string{"a:perm", "b:perm"}; !reflect.DeepEqual(assignment.Permissions, want) {
		t.Fatalf("snapshot permissions: got %v, want %v", assignment.Permissions, want)
	}
}

func TestAssignGroupRoleValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	group := mustCreateGroup(t, svc, "app-1", "Ops")
	role := access.RoleRef{RoleID: "role-ops", RoleName: "OPERATOR"}

	if _, err := svc.AssignGroupRole(ctx, group.ID, access.Environment("QA"), role); !errors.Is(err, access.ErrInvalidEnvironment) {
		t.Fatalf("expected ErrInvalidEnvironment, got %v", err)
	}
	if _, err := svc.AssignGroupRole(ctx, group.ID, access.EnvProduction, access.RoleRef{RoleName: "OPERATOR"}); !errors.Is(err, access.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing role id, got %v", err)
	}
	if _, err := svc.AssignGroupRole(ctx, "missing", access.EnvProduction, role); !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown group, got %v", err)
	}
}

func TestDirectUserRoleLifecycle(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	role := access.RoleRef{RoleID: "role-admin", RoleName: "ADMIN",
		Permissions: []string{"users:manage"}}
	assignment, err := svc.AssignUserRole(ctx, "user-1", "app-1", access.EnvProduction, role)
	if err != nil {
		t.Fatalf("AssignUserRole: %v", err)
	}

	ok, err := svc.HasPermission(ctx, "user-1", "app-1", access.EnvProduction, "users:manage")
	if err != nil {
		t.Fatalf("HasPermission: %v", err)
	}
	if !ok {
		t.Fatal("direct grant not effective")
	}

	if err := svc.RemoveUserRole(ctx, assignment.ID); err != nil {
		t.Fatalf("RemoveUserRole: %v", err)
	}
	ok, err = svc.HasPermission(ctx, "user-1", "app-1", access.EnvProduction, "users:manage")
	if err != nil {
		t.Fatalf("HasPermission after removal: %v", err)
	}
	if ok {
		t.Fatal("removed grant still effective")
	}

	listed, err := svc.ListUserRoles(ctx, "user-1", "app-1")
	if err != nil {
		t.Fatalf("ListUserRoles: %v", err)
	}
	if len(listed) != 1 || listed[0].Status != access.AssignmentDeleted {
		t.Fatalf("expected one deleted assignment, got %+v", listed)
	}
}
