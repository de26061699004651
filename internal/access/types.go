package access

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Environment identifies a deployment environment of an application.
// Role assignments and API keys are scoped to exactly one environment.
type Environment string

const (
	EnvProduction  Environment = "PRODUCTION"
	EnvStaging     Environment = "STAGING"
	EnvDevelopment Environment = "DEVELOPMENT"
	EnvTest        Environment = "TEST"
	EnvPreview     Environment = "PREVIEW"
)

// Environments lists every supported environment. Applications cannot
// define environments beyond this set.
var Environments = []Environment{
	EnvProduction,
	EnvStaging,
	EnvDevelopment,
	EnvTest,
	EnvPreview,
}

var environmentSlugs = map[Environment]string{
	EnvProduction:  "prod",
	EnvStaging:     "staging",
	EnvDevelopment: "dev",
	EnvTest:        "test",
	EnvPreview:     "preview",
}

// ParseEnvironment normalizes raw input into a supported Environment.
func ParseEnvironment(raw string) (Environment, error) {
	env := Environment(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := environmentSlugs[env]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidEnvironment, raw)
	}
	return env, nil
}

// EnvironmentFromSlug resolves the short lowercase form used inside API
// keys (orb_dev_..., orb_prod_...) back to an Environment.
func EnvironmentFromSlug(slug string) (Environment, bool) {
	for env, s := range environmentSlugs {
		if s == slug {
			return env, true
		}
	}
	return "", false
}

// Slug returns the short lowercase form embedded into API keys.
func (e Environment) Slug() string {
	return environmentSlugs[e]
}

// Valid reports whether e is one of the supported environments.
func (e Environment) Valid() bool {
	_, ok := environmentSlugs[e]
	return ok
}

type GroupStatus string

const (
	GroupActive  GroupStatus = "ACTIVE"
	GroupDeleted GroupStatus = "DELETED"
)

type MembershipStatus string

const (
	MembershipActive  MembershipStatus = "ACTIVE"
	MembershipRemoved MembershipStatus = "REMOVED"
	MembershipInvited MembershipStatus = "INVITED"
)

type AssignmentStatus string

const (
	AssignmentActive  AssignmentStatus = "ACTIVE"
	AssignmentDeleted AssignmentStatus = "DELETED"
)

// Group is a named collection of users within one application. Group
// names are unique per application while the group is ACTIVE.
type Group struct {
	ID            string      `json:"id"`
	ApplicationID string      `json:"application_id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	Status        GroupStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// GroupMembership links a user to a group. Membership is application
// wide, not environment scoped; at most one ACTIVE membership exists
// per (group, user) pair.
type GroupMembership struct {
	ID        string           `json:"id"`
	GroupID   string           `json:"group_id"`
	UserID    string           `json:"user_id"`
	Status    MembershipStatus `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// RoleRef is a denormalized snapshot of a role: the identifier plus the
// name and permission set copied onto the assignment row, so resolution
// needs no role-catalog join.
type RoleRef struct {
	RoleID      string   `json:"role_id"`
	RoleName    string   `json:"role_name"`
	Permissions []string `json:"permissions"`
}

// GroupRoleAssignment grants a role to every active member of a group
// within a single environment.
type GroupRoleAssignment struct {
	ID            string           `json:"id"`
	GroupID       string           `json:"group_id"`
	ApplicationID string           `json:"application_id"`
	Environment   Environment      `json:"environment"`
	RoleID        string           `json:"role_id"`
	RoleName      string           `json:"role_name"`
	Permissions   []string         `json:"permissions"`
	Status        AssignmentStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Role returns the denormalized role snapshot carried by the assignment.
func (a GroupRoleAssignment) Role() RoleRef {
	return RoleRef{RoleID: a.RoleID, RoleName: a.RoleName, Permissions: a.Permissions}
}

// UserRoleAssignment grants a role directly to a user within a single
// environment. Multiple active direct assignments may coexist; their
// permission sets union together.
type UserRoleAssignment struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	ApplicationID string           `json:"application_id"`
	Environment   Environment      `json:"environment"`
	RoleID        string           `json:"role_id"`
	RoleName      string           `json:"role_name"`
	Permissions   []string         `json:"permissions"`
	Status        AssignmentStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Role returns the denormalized role snapshot carried by the assignment.
func (a UserRoleAssignment) Role() RoleRef {
	return RoleRef{RoleID: a.RoleID, RoleName: a.RoleName, Permissions: a.Permissions}
}

// ResolvedPermissions is the effective permission set of a user for one
// (application, environment) pair, with role provenance preserved.
// EffectivePermissions is always sorted, and DirectRoles/GroupRoles are
// ordered by role id, so identical underlying state yields identical
// output.
type ResolvedPermissions struct {
	UserID               string      `json:"user_id"`
	ApplicationID        string      `json:"application_id"`
	Environment          Environment `json:"environment"`
	EffectivePermissions []string    `json:"effective_permissions"`
	DirectRoles          []RoleRef   `json:"direct_roles"`
	GroupRoles           []RoleRef   `json:"group_roles"`
}

// Has reports whether perm is part of the effective permission set.
func (rp ResolvedPermissions) Has(perm string) bool {
	for _, p := range rp.EffectivePermissions {
		if p == perm {
			return true
		}
	}
	return false
}

func sortRoleRefs(refs []RoleRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].RoleID != refs[j].RoleID {
			return refs[i].RoleID < refs[j].RoleID
		}
		return refs[i].RoleName < refs[j].RoleName
	})
	for i := range refs {
		refs[i].Permissions = dedupeSorted(refs[i].Permissions)
	}
}

func dedupeSorted(values []string) []string {
	set := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
