package auth_test

import (
	"context"
	"errors"
	"testing"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
)

func TestSeedSystemRolesIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if err := f.cat.SeedSystemRoles(ctx); err != nil {
		t.Fatalf("second seed: %v", err)
	}
	roles, err := f.cat.ListRoles(ctx)
	if err != nil {
		t.Fatalf("ListRoles: %v", err)
	}
	if len(roles) != len(auth.SystemRoles()) {
		t.Fatalf("expected %d roles, got %d", len(auth.SystemRoles()), len(roles))
	}
	doctor, err := f.cat.GetRole(ctx, "Doctor")
	if err != nil {
		t.Fatalf("GetRole: %v", err)
	}
	if !doctor.System || doctor.Name != auth.RoleDoctor || len(doctor.Permissions) == 0 {
		t.Fatalf("unexpected doctor role %+v", doctor)
	}
}

func TestCustomRoleLifecycle(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	role, err := f.cat.CreateRole(ctx, f.actor, "lab tech", "Laboratory staff", []string{"medical_records_read_assigned", "PHI_VIEW_MASKED"})
	if err != nil {
		t.Fatalf("CreateRole: %v", err)
	}
	if role.Name != auth.RoleName("LAB_TECH") || role.System {
		t.Fatalf("unexpected role %+v", role)
	}
	if e := f.rec.last(t); e.Action != audit.ActionRoleDefine || !e.Success {
		t.Fatalf("expected ROLE_DEFINE entry, got %+v", e)
	}

	if _, err := f.mgr.GrantAdditional(ctx, f.actor, "u2", role.Name, "lab rotation"); err != nil {
		t.Fatalf("GrantAdditional custom: %v", err)
	}
	perms, err := f.mgr.EffectivePermissions(ctx, "u2")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if !perms.Has(auth.PermMedicalRecordsReadAssigned) || perms.Has(auth.PermPatientsReadOwn) {
		t.Fatalf("expected custom role permissions only, got %v", perms.Slice())
	}

	if err := f.cat.SetRolePermissions(ctx, f.actor, "LAB_TECH", []string{"MEDICAL_RECORDS_READ_ASSIGNED", "AUDIT_READ"}); err != nil {
		t.Fatalf("SetRolePermissions: %v", err)
	}
	perms, err = f.mgr.EffectivePermissions(ctx, "u2")
	if err != nil {
		t.Fatalf("EffectivePermissions: %v", err)
	}
	if !perms.Has(auth.PermAuditRead) || perms.Has(auth.PermPHIViewMasked) {
		t.Fatalf("expected updated permissions, got %v", perms.Slice())
	}

	if _, err := f.mgr.RevokeRole(ctx, f.actor, "u2", role.Name, ""); err != nil {
		t.Fatalf("RevokeRole: %v", err)
	}
	if err := f.cat.DeleteRole(ctx, f.actor, "LAB_TECH"); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict while assignment history exists, got %v", err)
	}

	if _, err := f.cat.CreateRole(ctx, f.actor, "AUDITOR", "", []string{"AUDIT_READ"}); err != nil {
		t.Fatalf("CreateRole auditor: %v", err)
	}
	if err := f.cat.DeleteRole(ctx, f.actor, "auditor"); err != nil {
		t.Fatalf("DeleteRole: %v", err)
	}
	if _, err := f.cat.GetRole(ctx, "AUDITOR"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSystemRolesAreFixed(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.cat.CreateRole(ctx, f.actor, "nurse", "", nil); !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := f.cat.SetRolePermissions(ctx, f.actor, "NURSE", []string{"AUDIT_READ"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if err := f.cat.DeleteRole(ctx, f.actor, "Doctor"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.cat.CreateRole(ctx, f.actor, "AUDITOR", "", []string{"AUDIT_EVERYTHING"}); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown permission, got %v", err)
	}
}

func TestRoleCatalogRequiresRolesManage(t *testing.T) {
	f := newFixture(t, nil)
	doctor := auth.NewPrincipal("u1", auth.RoleDoctor)
	if _, err := f.cat.CreateRole(context.Background(), doctor, "AUDITOR", "", nil); !errors.Is(err, auth.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	e := f.rec.last(t)
	if e.Action != audit.ActionPermissionDenied || e.ActorID != "u1" || e.Metadata["operation"] != "create" {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestFailedCatalogChangesAreAudited(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	if _, err := f.cat.CreateRole(ctx, f.actor, "AUDITOR", "", []string{"AUDIT_READ"}); err != nil {
		t.Fatalf("CreateRole: %v", err)
	}

	cases := []struct {
		name   string
		call   func() error
		action audit.Action
		target string
	}{
		{"create system role", func() error {
			_, err := f.cat.CreateRole(ctx, f.actor, "Nurse", "", nil)
			return err
		}, audit.ActionRoleDefine, "Nurse"},
		{"unknown permission", func() error {
			return f.cat.SetRolePermissions(ctx, f.actor, "AUDITOR", []string{"NOT_A_PERMISSION"})
		}, audit.ActionUpdate, "AUDITOR"},
		{"delete system role", func() error {
			return f.cat.DeleteRole(ctx, f.actor, "doctor")
		}, audit.ActionDelete, string(auth.RoleDoctor)},
		{"undefined role", func() error {
			return f.cat.DeleteRole(ctx, f.actor, "GHOST")
		}, audit.ActionDelete, "GHOST"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f.rec.reset()
			if err := tc.call(); err == nil {
				t.Fatalf("expected an error")
			}
			entries := f.rec.all()
			if len(entries) != 1 {
				t.Fatalf("expected one audit entry, got %d", len(entries))
			}
			e := entries[0]
			if e.Action != tc.action || e.Success || e.ErrorMessage == "" || e.ResourceID != tc.target {
				t.Fatalf("unexpected audit entry %+v", e)
			}
		})
	}

	t.Run("store failure", func(t *testing.T) {
		f.rec.reset()
		f.store.SetFault(func(op string) error {
			if op == "CreateRole" {
				return errors.New("disk full")
			}
			return nil
		})
		defer f.store.SetFault(nil)
		if _, err := f.cat.CreateRole(ctx, f.actor, "SCHEDULER", "", []string{"APPOINTMENTS_READ_ASSIGNED"}); err == nil {
			t.Fatalf("expected the store error")
		}
		e := f.rec.last(t)
		if e.Action != audit.ActionRoleDefine || e.Success || e.NewValues["name"] != "SCHEDULER" {
			t.Fatalf("unexpected audit entry %+v", e)
		}
	})
}
