package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestOwnershipPatient(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select coalesce\\(owner_id, ''\\) from patients").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id"}).AddRow("pat-1"))
	mock.ExpectQuery("select principal_id").WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"principal_id"}).AddRow("doc-1").AddRow("nurse-1"))

	rec, err := s.Ownership(context.Background(), auth.ResourcePatient, "p1")
	if err != nil {
		t.Fatalf("Ownership: %v", err)
	}
	if rec.OwnerID != "pat-1" || len(rec.AssigneeIDs) != 2 || rec.AssigneeIDs[1] != "nurse-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestOwnershipMissingRow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select patient_id from medical_records").WithArgs("mr-x").WillReturnError(sql.ErrNoRows)

	if _, err := s.Ownership(context.Background(), auth.ResourceMedicalRecord, "mr-x"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOwnershipAppointment(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from appointments").WithArgs("a1").
		WillReturnRows(sqlmock.NewRows([]string{"patient_id", "provider_id"}).AddRow("p1", "doc-3"))

	rec, err := s.Ownership(context.Background(), auth.ResourceAppointment, "a1")
	if err != nil {
		t.Fatalf("Ownership: %v", err)
	}
	if rec.ParentID != "p1" || len(rec.AssigneeIDs) != 1 || rec.AssigneeIDs[0] != "doc-3" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestWithinTxLocksAndCommits(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectQuery("from principals\\s+where id = \\$1 for update").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "primary_role", "created_at", "updated_at"}).
			AddRow("u1", "u1@clinic.test", "DOCTOR", now, now))
	mock.ExpectExec("update principals set primary_role").WithArgs("u1", "NURSE").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.WithinTx(context.Background(), func(tx auth.AssignmentTx) error {
		rec, err := tx.LockPrincipal(context.Background(), "u1")
		if err != nil {
			return err
		}
		if rec.PrimaryRole != auth.RoleDoctor {
			t.Fatalf("unexpected primary role %s", rec.PrimaryRole)
		}
		return tx.SetPrimaryRole(context.Background(), "u1", auth.RoleNurse)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxRollsBack(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into role_assignments").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx auth.AssignmentTx) error {
		return tx.InsertAssignment(context.Background(), auth.RoleAssignment{ID: "a1", PrincipalID: "u1", RoleID: "r1", GrantedBy: "admin-1", GrantedAt: time.Now()})
	})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestWithinTxCommitFailure(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("serialization failure"))

	err := s.WithinTx(context.Background(), func(auth.AssignmentTx) error { return nil })
	if !errors.Is(err, auth.ErrTransaction) {
		t.Fatalf("expected ErrTransaction, got %v", err)
	}
}

func TestRevokeMissingAssignment(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("update role_assignments set revoked_at").WithArgs("a9", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.WithinTx(context.Background(), func(tx auth.AssignmentTx) error {
		return tx.RevokeAssignment(context.Background(), "a9", time.Now())
	})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPrincipalPermissionsUnion(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("from principals").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "primary_role", "created_at", "updated_at"}).
			AddRow("u1", "u1@clinic.test", "DOCTOR", now, now))
	mock.ExpectQuery("select r.permissions").WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"permissions"}).
			AddRow([]byte(`["PATIENTS_READ_ASSIGNED","PHI_VIEW_FULL"]`)).
			AddRow([]byte(`["PATIENTS_READ_ASSIGNED","AUDIT_READ"]`)))

	perms, err := s.PrincipalPermissions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("PrincipalPermissions: %v", err)
	}
	set := auth.NewPermissionSet(perms...)
	if len(perms) != 3 || !set.HasAll(auth.PermPatientsReadAssigned, auth.PermPHIViewFull, auth.PermAuditRead) {
		t.Fatalf("unexpected permissions %v", perms)
	}
}

func TestRoleWrites(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery("insert into roles").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	if _, err := s.CreateRole(ctx, auth.Role{ID: "r1", Name: auth.RoleNurse}); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("delete from roles").WithArgs("LAB_TECH").WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})
	if err := s.DeleteRole(ctx, "LAB_TECH"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	mock.ExpectExec("update roles set permissions").WithArgs("GHOST", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.SetRolePermissions(ctx, "GHOST", []auth.Permission{auth.PermAuditRead}); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	now := time.Now()
	mock.ExpectQuery("from roles\\s+where name").WithArgs("DOCTOR").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "permissions", "system", "created_at", "updated_at"}).
			AddRow("r2", "DOCTOR", "Doctor", []byte(`["PHI_VIEW_FULL"]`), true, now, now))
	role, err := s.GetRoleByName(ctx, auth.RoleDoctor)
	if err != nil {
		t.Fatalf("GetRoleByName: %v", err)
	}
	if role.Name != auth.RoleDoctor || !role.System || len(role.Permissions) != 1 || role.Permissions[0] != auth.PermPHIViewFull {
		t.Fatalf("unexpected role %+v", role)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAppendAuditEntry(t *testing.T) {
	s, mock := newMock(t)
	e := audit.Entry{
		ID:           "01J0AUDIT",
		ActorID:      "admin-1",
		Action:       audit.ActionRoleChange,
		ResourceType: "user",
		ResourceID:   "u1",
		Success:      true,
		OldValues:    map[string]any{"primary_role": "DOCTOR"},
		NewValues:    map[string]any{"primary_role": "NURSE"},
		Request:      audit.RequestMeta{RequestID: "req-1"},
		OccurredAt:   time.Now().UTC(),
	}
	mock.ExpectExec("insert into audit_log").
		WithArgs(e.ID, e.OccurredAt, "admin-1", sqlmock.AnyArg(), "ROLE_CHANGE", "user", sqlmock.AnyArg(),
			true, sqlmock.AnyArg(), []byte(`{"primary_role":"DOCTOR"}`), []byte(`{"primary_role":"NURSE"}`), sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := s.Append(context.Background(), e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
