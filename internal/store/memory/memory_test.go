package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/pii"
)

func seeded(t *testing.T) *Store {
	t.Helper()
	s := New()
	ctx := context.Background()
	if _, err := s.CreateRole(ctx, auth.Role{ID: "r-nurse", Name: auth.RoleNurse, Permissions: auth.RolePermissions(auth.RoleNurse).Slice(), System: true}); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if err := s.AddPrincipal(auth.PrincipalRecord{ID: "u1", PrimaryRole: auth.BaselineRole}); err != nil {
		t.Fatalf("AddPrincipal: %v", err)
	}
	return s
}

func TestWithinTxCommitsOnSuccess(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	err := s.WithinTx(ctx, func(tx auth.AssignmentTx) error {
		if _, err := tx.LockPrincipal(ctx, "u1"); err != nil {
			return err
		}
		if err := tx.InsertAssignment(ctx, auth.RoleAssignment{ID: "a1", PrincipalID: "u1", RoleID: "r-nurse", RoleName: auth.RoleNurse, GrantedAt: time.Now()}); err != nil {
			return err
		}
		return tx.SetPrimaryRole(ctx, "u1", auth.RoleNurse)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	perms, err := s.PrincipalPermissions(ctx, "u1")
	if err != nil {
		t.Fatalf("PrincipalPermissions: %v", err)
	}
	if !auth.NewPermissionSet(perms...).Has(auth.PermPatientsReadAssigned) {
		t.Fatalf("expected nurse permissions, got %v", perms)
	}
	rec, _ := s.GetPrincipal(ctx, "u1")
	if rec.PrimaryRole != auth.RoleNurse {
		t.Fatalf("primary role not committed")
	}
}

func TestWithinTxDiscardsOnError(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.WithinTx(ctx, func(tx auth.AssignmentTx) error {
		if err := tx.InsertAssignment(ctx, auth.RoleAssignment{ID: "a1", PrincipalID: "u1", RoleID: "r-nurse", RoleName: auth.RoleNurse}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	rows, _ := s.ListAssignments(ctx, "u1")
	if len(rows) != 0 {
		t.Fatalf("expected no rows after rollback, got %d", len(rows))
	}
}

func TestCommitFaultIsTransactionError(t *testing.T) {
	s := seeded(t)
	s.SetFault(func(op string) error {
		if op == "Commit" {
			return errors.New("lost connection")
		}
		return nil
	})
	err := s.WithinTx(context.Background(), func(auth.AssignmentTx) error { return nil })
	if !errors.Is(err, auth.ErrTransaction) {
		t.Fatalf("expected ErrTransaction, got %v", err)
	}
}

func TestDuplicateActiveAssignmentConflicts(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	insert := func(id string) error {
		return s.WithinTx(ctx, func(tx auth.AssignmentTx) error {
			return tx.InsertAssignment(ctx, auth.RoleAssignment{ID: id, PrincipalID: "u1", RoleID: "r-nurse", RoleName: auth.RoleNurse})
		})
	}
	if err := insert("a1"); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := insert("a2"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestOwnershipAndPatients(t *testing.T) {
	s := New()
	ctx := context.Background()
	s.PutPatient("p1", "pat-1", []string{"doc-1"}, pii.Record{"full_name": "Jane Doe"})

	rec, err := s.Ownership(ctx, auth.ResourcePatient, "p1")
	if err != nil {
		t.Fatalf("Ownership: %v", err)
	}
	if rec.OwnerID != "pat-1" || len(rec.AssigneeIDs) != 1 {
		t.Fatalf("unexpected ownership %+v", rec)
	}
	if _, err := s.Ownership(ctx, auth.ResourceAppointment, "p1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	row, err := s.Patient(ctx, "p1")
	if err != nil {
		t.Fatalf("Patient: %v", err)
	}
	row["full_name"] = "changed"
	again, _ := s.Patient(ctx, "p1")
	if again["full_name"] != "Jane Doe" || again["id"] != "p1" {
		t.Fatalf("stored row must not alias callers: %v", again)
	}
}

func TestAppendAuditEntries(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Append(ctx, audit.Entry{ID: "e1", Action: audit.ActionRead}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	s.SetFault(func(string) error { return errors.New("read only") })
	if err := s.Append(ctx, audit.Entry{ID: "e2"}); err == nil {
		t.Fatalf("expected fault")
	}
	if got := s.AuditEntries(); len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("unexpected entries %+v", got)
	}
}

func TestWritesDuringTransactionAreKept(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	inTx := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		<-inTx
		_, err := s.CreateRole(ctx, auth.Role{ID: "r-lab", Name: auth.RoleName("LAB_TECH")})
		done <- err
	}()
	err := s.WithinTx(ctx, func(tx auth.AssignmentTx) error {
		close(inTx)
		time.Sleep(20 * time.Millisecond)
		return tx.SetPrimaryRole(ctx, "u1", auth.RoleNurse)
	})
	if err != nil {
		t.Fatalf("WithinTx: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if _, err := s.GetRoleByName(ctx, auth.RoleName("LAB_TECH")); err != nil {
		t.Fatalf("role created alongside a transaction was lost: %v", err)
	}
	rec, _ := s.GetPrincipal(ctx, "u1")
	if rec.PrimaryRole != auth.RoleNurse {
		t.Fatalf("transaction result was lost")
	}
}

func TestAddPrincipalWithRoles(t *testing.T) {
	s := seeded(t)
	ctx := context.Background()
	if err := s.AddPrincipal(auth.PrincipalRecord{ID: "n1"}, auth.RoleNurse); err != nil {
		t.Fatalf("AddPrincipal: %v", err)
	}
	rec, err := s.GetPrincipal(ctx, "n1")
	if err != nil || rec.PrimaryRole != auth.RoleNurse {
		t.Fatalf("expected nurse primary, got %+v %v", rec, err)
	}
	rows, _ := s.ListAssignments(ctx, "n1")
	if len(rows) != 1 || !rows[0].Active() || rows[0].GrantedBy != "system" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if err := s.AddPrincipal(auth.PrincipalRecord{ID: "x1"}, auth.RoleName("JANITOR")); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for undefined role, got %v", err)
	}
	if _, err := s.GetPrincipal(ctx, "x1"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("principal must not be stored when a role is undefined")
	}
}
