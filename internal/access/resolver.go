package access

import (
	"context"
	"fmt"
	"strings"
)

// Resolver computes effective permissions by merging direct role
// assignments with group-inherited ones. The merge is a union: every
// permission granted directly is always present, and group-sourced
// permissions are added on top; no direct grant is ever suppressed.
// Output is fully sorted, so identical underlying records always yield
// identical results.
type Resolver struct {
	store ResolverStore
}

// NewResolver constructs a Resolver backed by the given store.
func NewResolver(store ResolverStore) (*Resolver, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: resolver store is required", ErrInvalidInput)
	}
	return &Resolver{store: store}, nil
}

// Resolve returns the effective permission set of a user for one
// (application, environment) pair. A user or application unknown to the
// store yields an empty set, never an error; store failures surface as
// ErrUnavailable.
func (r *Resolver) Resolve(ctx context.Context, userID, applicationID string, env Environment) (ResolvedPermissions, error) {
	userID = strings.TrimSpace(userID)
	applicationID = strings.TrimSpace(applicationID)
	if userID == "" || applicationID == "" {
		return ResolvedPermissions{}, fmt.Errorf("%w: user_id and application_id are required", ErrInvalidInput)
	}
	if !env.Valid() {
		return ResolvedPermissions{}, fmt.Errorf("%w: %q", ErrInvalidEnvironment, env)
	}

	direct, err := r.store.ListActiveUserRolesByEnvironment(ctx, userID, applicationID, env)
	if err != nil {
		return ResolvedPermissions{}, fmt.Errorf("%w: list direct assignments: %v", ErrUnavailable, err)
	}

	memberships, err := r.store.ListActiveMembershipsByUser(ctx, userID)
	if err != nil {
		return ResolvedPermissions{}, fmt.Errorf("%w: list memberships: %v", ErrUnavailable, err)
	}

	var groupRoles []RoleRef
	perms := make(map[string]struct{})

	directRoles := make([]RoleRef, 0, len(direct))
	for _, a := range direct {
		if a.Status != AssignmentActive {
			continue
		}
		directRoles = append(directRoles, a.Role())
		for _, p := range a.Permissions {
			perms[p] = struct{}{}
		}
	}

	for _, m := range memberships {
		if m.Status != MembershipActive {
			continue
		}
		assignments, err := r.store.ListActiveGroupRolesByEnvironment(ctx, m.GroupID, env)
		if err != nil {
			return ResolvedPermissions{}, fmt.Errorf("%w: list group assignments: %v", ErrUnavailable, err)
		}
		for _, a := range assignments {
			// A group can hold assignments for several applications; only
			// the requested one contributes.
			if a.Status != AssignmentActive || a.ApplicationID != applicationID {
				continue
			}
			groupRoles = append(groupRoles, a.Role())
			for _, p := range a.Permissions {
				perms[p] = struct{}{}
			}
		}
	}

	sortRoleRefs(directRoles)
	sortRoleRefs(groupRoles)

	effective := make([]string, 0, len(perms))
	for p := range perms {
		effective = append(effective, p)
	}

	resolved := ResolvedPermissions{
		UserID:               userID,
		ApplicationID:        applicationID,
		Environment:          env,
		EffectivePermissions: dedupeSorted(effective),
		DirectRoles:          directRoles,
		GroupRoles:           groupRoles,
	}
	return resolved, nil
}
