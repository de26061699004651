package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"orbaccess.dev/internal/access"
)

// --- groups ---

func (s *Store) CreateGroup(ctx context.Context, g *access.Group) error {
	_, err := s.db.ExecContext(ctx, `
		insert into groups (id, application_id, name, description, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, g.ID, g.ApplicationID, g.Name, nullIfEmpty(g.Description), g.Status, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: group name %q", access.ErrConflict, g.Name)
		}
		return err
	}
	return nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (access.Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		select id, application_id, name, description, status, created_at, updated_at
		from groups
		where id = $1
	`, id))
}

func (s *Store) FindActiveGroupByName(ctx context.Context, applicationID, name string) (access.Group, error) {
	return s.scanGroup(s.db.QueryRowContext(ctx, `
		select id, application_id, name, description, status, created_at, updated_at
		from groups
		where application_id = $1 and name = $2 and status = 'ACTIVE'
	`, applicationID, name))
}

func (s *Store) ListGroupsByApplication(ctx context.Context, applicationID string) ([]access.Group, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, application_id, name, description, status, created_at, updated_at
		from groups
		where application_id = $1
		order by name
	`, applicationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []access.Group
	for rows.Next() {
		var (
			g    access.Group
			desc sql.NullString
		)
		if err := rows.Scan(&g.ID, &g.ApplicationID, &g.Name, &desc, &g.Status, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.Description = desc.String
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return groups, nil
}

// DeleteGroupCascade marks the group DELETED and tombstones its
// memberships and role assignments within one transaction, returning
// everything the cascade touched.
func (s *Store) DeleteGroupCascade(ctx context.Context, groupID string) (access.CascadeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return access.CascadeResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var (
		group access.Group
		desc  sql.NullString
	)
	err = tx.QueryRowContext(ctx, `
		update groups
		set status = 'DELETED', updated_at = now()
		where id = $1 and status = 'ACTIVE'
		returning id, application_id, name, description, status, created_at, updated_at
	`, groupID).Scan(&group.ID, &group.ApplicationID, &group.Name, &desc, &group.Status, &group.CreatedAt, &group.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		var exists int
		check := tx.QueryRowContext(ctx, `select 1 from groups where id = $1`, groupID).Scan(&exists)
		if errors.Is(check, sql.ErrNoRows) {
			return access.CascadeResult{}, fmt.Errorf("%w: group %s", access.ErrNotFound, groupID)
		}
		if check != nil {
			return access.CascadeResult{}, check
		}
		return access.CascadeResult{}, fmt.Errorf("%w: group %s already deleted", access.ErrConflict, groupID)
	}
	if err != nil {
		return access.CascadeResult{}, err
	}
	group.Description = desc.String

	result := access.CascadeResult{Group: group}

	// The CTE snapshots the pre-update status: every live membership
	// counts toward the cascade, but only previously ACTIVE users are
	// reported for cache invalidation.
	rows, err := tx.QueryContext(ctx, `
		with live as (
			select id, user_id, status
			from group_memberships
			where group_id = $1 and status in ('ACTIVE', 'INVITED')
			for update
		)
		update group_memberships m
		set status = 'REMOVED', updated_at = now()
		from live
		where m.id = live.id
		returning live.user_id, live.status
	`, groupID)
	if err != nil {
		return access.CascadeResult{}, err
	}
	seen := make(map[string]struct{})
	for rows.Next() {
		var userID, prior string
		if err := rows.Scan(&userID, &prior); err != nil {
			rows.Close()
			return access.CascadeResult{}, err
		}
		result.MembershipCount++
		if prior != string(access.MembershipActive) {
			continue
		}
		if _, dup := seen[userID]; !dup {
			seen[userID] = struct{}{}
			result.RemovedUserIDs = append(result.RemovedUserIDs, userID)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return access.CascadeResult{}, err
	}

	roleRows, err := tx.QueryContext(ctx, `
		update group_role_assignments
		set status = 'DELETED', updated_at = now()
		where group_id = $1 and status = 'ACTIVE'
		returning id
	`, groupID)
	if err != nil {
		return access.CascadeResult{}, err
	}
	for roleRows.Next() {
		var id string
		if err := roleRows.Scan(&id); err != nil {
			roleRows.Close()
			return access.CascadeResult{}, err
		}
		result.RemovedRoleIDs = append(result.RemovedRoleIDs, id)
	}
	roleRows.Close()
	if err := roleRows.Err(); err != nil {
		return access.CascadeResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return access.CascadeResult{}, err
	}
	sort.Strings(result.RemovedUserIDs)
	sort.Strings(result.RemovedRoleIDs)
	return result, nil
}

// --- memberships ---

func (s *Store) CreateMembership(ctx context.Context, m *access.GroupMembership) error {
	_, err := s.db.ExecContext(ctx, `
		insert into group_memberships (id, group_id, user_id, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.GroupID, m.UserID, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok {
			switch pgErr.Code {
			case pgErrUniqueViolation:
				return fmt.Errorf("%w: membership for user %s", access.ErrConflict, m.UserID)
			case pgErrForeignKeyViolation:
				return fmt.Errorf("%w: group %s", access.ErrNotFound, m.GroupID)
			}
		}
		return err
	}
	return nil
}

func (s *Store) GetMembership(ctx context.Context, id string) (access.GroupMembership, error) {
	return s.scanMembership(s.db.QueryRowContext(ctx, `
		select id, group_id, user_id, status, created_at, updated_at
		from group_memberships
		where id = $1
	`, id))
}

func (s *Store) FindMembership(ctx context.Context, groupID, userID string, status access.MembershipStatus) (access.GroupMembership, error) {
	return s.scanMembership(s.db.QueryRowContext(ctx, `
		select id, group_id, user_id, status, created_at, updated_at
		from group_memberships
		where group_id = $1 and user_id = $2 and status = $3
	`, groupID, userID, status))
}

func (s *Store) ListActiveMembershipsByUser(ctx context.Context, userID string) ([]access.GroupMembership, error) {
	return s.listMemberships(ctx, `
		select id, group_id, user_id, status, created_at, updated_at
		from group_memberships
		where user_id = $1 and status = 'ACTIVE'
		order by id
	`, userID)
}

func (s *Store) ListMembershipsByGroup(ctx context.Context, groupID string) ([]access.GroupMembership, error) {
	return s.listMemberships(ctx, `
		select id, group_id, user_id, status, created_at, updated_at
		from group_memberships
		where group_id = $1
		order by id
	`, groupID)
}

func (s *Store) UpdateMembershipStatus(ctx context.Context, id string, expected, next access.MembershipStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update group_memberships
		set status = $3, updated_at = now()
		where id = $1 and status = $2
	`, id, expected, next)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		if _, getErr := s.GetMembership(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: membership %s is not %s", access.ErrConflict, id, expected)
	}
	return nil
}

// --- group role assignments ---

func (s *Store) CreateGroupRoleAssignment(ctx context.Context, a *access.GroupRoleAssignment) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into group_role_assignments (id, group_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.GroupID, a.ApplicationID, a.Environment, a.RoleID, a.RoleName, perms, a.Status, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: group %s", access.ErrNotFound, a.GroupID)
		}
		return err
	}
	return nil
}

func (s *Store) GetGroupRoleAssignment(ctx context.Context, id string) (access.GroupRoleAssignment, error) {
	var (
		a     access.GroupRoleAssignment
		perms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, group_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at
		from group_role_assignments
		where id = $1
	`, id).Scan(&a.ID, &a.GroupID, &a.ApplicationID, &a.Environment, &a.RoleID, &a.RoleName, &perms, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.GroupRoleAssignment{}, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	if err != nil {
		return access.GroupRoleAssignment{}, err
	}
	if err := json.Unmarshal(perms, &a.Permissions); err != nil {
		return access.GroupRoleAssignment{}, fmt.Errorf("decode permissions: %w", err)
	}
	return a, nil
}

func (s *Store) ListActiveGroupRolesByEnvironment(ctx context.Context, groupID string, env access.Environment) ([]access.GroupRoleAssignment, error) {
	return s.listGroupRoles(ctx, `
		select id, group_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at
		from group_role_assignments
		where group_id = $1 and environment = $2 and status = 'ACTIVE'
		order by id
	`, groupID, env)
}

func (s *Store) ListGroupRolesByGroup(ctx context.Context, groupID string) ([]access.GroupRoleAssignment, error) {
	return s.listGroupRoles(ctx, `
		select id, group_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at
		from group_role_assignments
		where group_id = $1
		order by id
	`, groupID)
}

func (s *Store) UpdateGroupRoleStatus(ctx context.Context, id string, expected, next access.AssignmentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update group_role_assignments
		set status = $3, updated_at = now()
		where id = $1 and status = $2
	`, id, expected, next)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		if _, getErr := s.GetGroupRoleAssignment(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: assignment %s is not %s", access.ErrConflict, id, expected)
	}
	return nil
}

// --- user role assignments ---

func (s *Store) CreateUserRoleAssignment(ctx context.Context, a *access.UserRoleAssignment) error {
	perms, err := json.Marshal(a.Permissions)
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into user_role_assignments (id, user_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, a.ID, a.UserID, a.ApplicationID, a.Environment, a.RoleID, a.RoleName, perms, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (s *Store) GetUserRoleAssignment(ctx context.Context, id string) (access.UserRoleAssignment, error) {
	var (
		a     access.UserRoleAssignment
		perms []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at
		from user_role_assignments
		where id = $1
	`, id).Scan(&a.ID, &a.UserID, &a.ApplicationID, &a.Environment, &a.RoleID, &a.RoleName, &perms, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.UserRoleAssignment{}, fmt.Errorf("%w: assignment %s", access.ErrNotFound, id)
	}
	if err != nil {
		return access.UserRoleAssignment{}, err
	}
	if err := json.Unmarshal(perms, &a.Permissions); err != nil {
		return access.UserRoleAssignment{}, fmt.Errorf("decode permissions: %w", err)
	}
	return a, nil
}

func (s *Store) ListActiveUserRolesByEnvironment(ctx context.Context, userID, applicationID string, env access.Environment) ([]access.UserRoleAssignment, error) {
	return s.listUserRoles(ctx, `
		select id, user_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at
		from user_role_assignments
		where user_id = $1 and application_id = $2 and environment = $3 and status = 'ACTIVE'
		order by id
	`, userID, applicationID, env)
}

func (s *Store) ListUserRolesByUser(ctx context.Context, userID, applicationID string) ([]access.UserRoleAssignment, error) {
	return s.listUserRoles(ctx, `
		select id, user_id, application_id, environment, role_id, role_name, permissions, status, created_at, updated_at
		from user_role_assignments
		where user_id = $1 and application_id = $2
		order by id
	`, userID, applicationID)
}

func (s *Store) UpdateUserRoleStatus(ctx context.Context, id string, expected, next access.AssignmentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		update user_role_assignments
		set status = $3, updated_at = now()
		where id = $1 and status = $2
	`, id, expected, next)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		if _, getErr := s.GetUserRoleAssignment(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: assignment %s is not %s", access.ErrConflict, id, expected)
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanGroup(row rowScanner) (access.Group, error) {
	var (
		g    access.Group
		desc sql.NullString
	)
	err := row.Scan(&g.ID, &g.ApplicationID, &g.Name, &desc, &g.Status, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.Group{}, fmt.Errorf("%w: group", access.ErrNotFound)
	}
	if err != nil {
		return access.Group{}, err
	}
	g.Description = desc.String
	return g, nil
}

func (s *Store) scanMembership(row rowScanner) (access.GroupMembership, error) {
	var m access.GroupMembership
	err := row.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return access.GroupMembership{}, fmt.Errorf("%w: membership", access.ErrNotFound)
	}
	if err != nil {
		return access.GroupMembership{}, err
	}
	return m, nil
}

func (s *Store) listMemberships(ctx context.Context, query string, args ...any) ([]access.GroupMembership, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.GroupMembership
	for rows.Next() {
		var m access.GroupMembership
		if err := rows.Scan(&m.ID, &m.GroupID, &m.UserID, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) listGroupRoles(ctx context.Context, query string, args ...any) ([]access.GroupRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.GroupRoleAssignment
	for rows.Next() {
		var (
			a     access.GroupRoleAssignment
			perms []byte
		)
		if err := rows.Scan(&a.ID, &a.GroupID, &a.ApplicationID, &a.Environment, &a.RoleID, &a.RoleName, &perms, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(perms, &a.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) listUserRoles(ctx context.Context, query string, args ...any) ([]access.UserRoleAssignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []access.UserRoleAssignment
	for rows.Next() {
		var (
			a     access.UserRoleAssignment
			perms []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.ApplicationID, &a.Environment, &a.RoleID, &a.RoleName, &perms, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(perms, &a.Permissions); err != nil {
			return nil, fmt.Errorf("decode permissions: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
