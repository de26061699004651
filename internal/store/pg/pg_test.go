package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"orbaccess.dev/internal/access"
	"orbaccess.dev/internal/apikey"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestCreateGroupConflictOnDuplicateName(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("insert into groups").
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	now := time.Now().UTC()
	err := store.CreateGroup(context.Background(), &access.Group{
		ID:            "grp-1",
		ApplicationID: "app-1",
		Name:          "Developers",
		Status:        access.GroupActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestGetGroupNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("select id, application_id, name, description, status, created_at, updated_at").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "name", "description", "status", "created_at", "updated_at"}))

	_, err := store.GetGroup(context.Background(), "missing")
	if !errors.Is(err, access.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteGroupCascadeSingleTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("update groups").
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "name", "description", "status", "created_at", "updated_at"}).
			AddRow("grp-1", "app-1", "Developers", nil, "DELETED", now, now))
	mock.ExpectQuery("update group_memberships").
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "status"}).
			AddRow("user-b", "ACTIVE").
			AddRow("user-a", "ACTIVE").
			AddRow("user-c", "INVITED"))
	mock.ExpectQuery("update group_role_assignments").
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("gra-1"))
	mock.ExpectCommit()

	result, err := store.DeleteGroupCascade(context.Background(), "grp-1")
	if err != nil {
		t.Fatalf("DeleteGroupCascade: %v", err)
	}
	if result.Group.Status != access.GroupDeleted {
		t.Fatalf("expected DELETED group, got %s", result.Group.Status)
	}
	if result.MembershipCount != 3 {
		t.Fatalf("expected 3 removed memberships, got %d", result.MembershipCount)
	}
	// Invited members count toward the cascade but are not reported as
	// removed users.
	if len(result.RemovedUserIDs) != 2 || result.RemovedUserIDs[0] != "user-a" || result.RemovedUserIDs[1] != "user-b" {
		t.Fatalf("expected sorted previously-active users, got %v", result.RemovedUserIDs)
	}
	if len(result.RemovedRoleIDs) != 1 || result.RemovedRoleIDs[0] != "gra-1" {
		t.Fatalf("unexpected removed roles: %v", result.RemovedRoleIDs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeleteGroupCascadeAlreadyDeleted(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("update groups").
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "application_id", "name", "description", "status", "created_at", "updated_at"}))
	mock.ExpectQuery("select 1 from groups").
		WithArgs("grp-1").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	_, err := store.DeleteGroupCascade(context.Background(), "grp-1")
	if !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestUpdateMembershipStatusConflict(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectExec("update group_memberships").
		WithArgs("mem-1", access.MembershipInvited, access.MembershipActive).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select id, group_id, user_id, status, created_at, updated_at").
		WithArgs("mem-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "group_id", "user_id", "status", "created_at", "updated_at"}).
			AddRow("mem-1", "grp-1", "user-1", "ACTIVE", now, now))

	err := store.UpdateMembershipStatus(context.Background(), "mem-1", access.MembershipInvited, access.MembershipActive)
	if !errors.Is(err, access.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestListActiveGroupRolesDecodesPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("from group_role_assignments").
		WithArgs("grp-1", access.EnvProduction).
		WillReturnRows(sqlmock.NewRows([]string{"id", "group_id", "application_id", "environment", "role_id", "role_name", "permissions", "status", "created_at", "updated_at"}).
			AddRow("gra-1", "grp-1", "app-1", "PRODUCTION", "role-w", "WRITER", []byte(`["documents:read","documents:write"]`), "ACTIVE", now, now))

	assignments, err := store.ListActiveGroupRolesByEnvironment(context.Background(), "grp-1", access.EnvProduction)
	if err != nil {
		t.Fatalf("ListActiveGroupRolesByEnvironment: %v", err)
	}
	if len(assignments) != 1 {
		t.Fatalf("expected one assignment, got %d", len(assignments))
	}
	if len(assignments[0].Permissions) != 2 || assignments[0].Permissions[1] != "documents:write" {
		t.Fatalf("permissions not decoded: %v", assignments[0].Permissions)
	}
}

func TestRotateKeyAtomic(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()
	graceUntil := now.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectExec("update api_keys").
		WithArgs("key-old", "newhash", graceUntil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into api_keys").
		WithArgs("key-new", "app-1", "org-1", access.EnvProduction, "newhash", "orb_prod", "ACTIVE",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	replacement := &apikey.Key{
		ID:             "key-new",
		ApplicationID:  "app-1",
		OrganizationID: "org-1",
		Environment:    access.EnvProduction,
		KeyHash:        "newhash",
		KeyPrefix:      "orb_prod",
		Status:         apikey.StatusActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.RotateKey(context.Background(), "key-old", "newhash", graceUntil, replacement); err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateKeyRejectsNonActive(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("update api_keys").
		WithArgs("key-old", "newhash", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select status from api_keys").
		WithArgs("key-old").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("REVOKED"))
	mock.ExpectRollback()

	err := store.RotateKey(context.Background(), "key-old", "newhash", time.Now(), &apikey.Key{ID: "key-new"})
	if !errors.Is(err, apikey.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestFindKeyByHashNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("from api_keys").
		WithArgs("nohash").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.FindKeyByHash(context.Background(), "nohash")
	if !errors.Is(err, apikey.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
