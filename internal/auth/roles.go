package auth

import (
	"fmt"
	"regexp"
	"strings"
)

// RoleName is the canonical identifier of a role. System roles are the
// constants below; administrators may define additional custom names.
type RoleName string

const (
	RoleSuperAdmin   RoleName = "SUPER_ADMIN"
	RoleAdmin        RoleName = "ADMIN"
	RoleDoctor       RoleName = "DOCTOR"
	RoleNurse        RoleName = "NURSE"
	RoleReceptionist RoleName = "RECEPTIONIST"
	RolePatient      RoleName = "PATIENT"
)

const (
	// ProtectedRole can only be left by moving to the protected role itself.
	ProtectedRole = RoleSuperAdmin
	// BaselineRole is the primary role of a principal with no active assignment.
	BaselineRole = RolePatient
)

// systemRoles is the single mapping between canonical names and the labels
// shown to people. Parsing and display both go through it.
var systemRoles = []struct {
	name    RoleName
	display string
}{
	{RoleSuperAdmin, "Super Admin"},
	{RoleAdmin, "Admin"},
	{RoleDoctor, "Doctor"},
	{RoleNurse, "Nurse"},
	{RoleReceptionist, "Receptionist"},
	{RolePatient, "Patient"},
}

var rolePermissions = map[RoleName][]Permission{
	RoleSuperAdmin: AllPermissions(),
	RoleAdmin: {
		PermPatientsReadAll, PermPatientsWriteAll, PermPatientsCreate, PermPatientsDelete,
		PermAppointmentsReadAll, PermAppointmentsWriteAll,
		PermUsersReadAll, PermUsersWriteAll, PermUsersManageRoles,
		PermRolesManage, PermAuditRead, PermPHIViewMasked,
	},
	RoleDoctor: {
		PermPatientsReadAssigned, PermPatientsWriteAssign, PermPatientsCreate,
		PermMedicalRecordsReadAssigned, PermMedicalRecordsWriteAssign,
		PermAppointmentsReadAssigned, PermAppointmentsWriteAssign,
		PermUsersReadOwn, PermUsersWriteOwn,
		PermPHIViewFull,
	},
	RoleNurse: {
		PermPatientsReadAssigned,
		PermMedicalRecordsReadAssigned,
		PermAppointmentsReadAssigned,
		PermUsersReadOwn, PermUsersWriteOwn,
		PermPHIViewMasked,
	},
	RoleReceptionist: {
		PermPatientsReadAll, PermPatientsCreate,
		PermAppointmentsReadAll, PermAppointmentsWriteAll,
		PermUsersReadOwn, PermUsersWriteOwn,
		PermPHIViewMasked,
	},
	RolePatient: {
		PermPatientsReadOwn, PermPatientsWriteOwn,
		PermMedicalRecordsReadOwn,
		PermAppointmentsReadOwn, PermAppointmentsWriteOwn,
		PermUsersReadOwn, PermUsersWriteOwn,
		PermPHIViewFull,
	},
}

var customRoleName = regexp.MustCompile(`^[A-Z][A-Z0-9_]{1,63}$`)

// SystemRoles lists the built-in roles in tier order.
func SystemRoles() []RoleName {
	out := make([]RoleName, 0, len(systemRoles))
	for _, r := range systemRoles {
		out = append(out, r.name)
	}
	return out
}

// IsSystem reports whether r is one of the built-in roles.
func (r RoleName) IsSystem() bool {
	for _, s := range systemRoles {
		if s.name == r {
			return true
		}
	}
	return false
}

// DisplayName returns the label for people. Custom roles display as their name.
func (r RoleName) DisplayName() string {
	for _, s := range systemRoles {
		if s.name == r {
			return s.display
		}
	}
	return string(r)
}

func (r RoleName) String() string { return string(r) }

// ParseRoleName accepts a canonical name or a display label, in any case,
// and returns the canonical name. Unknown well-formed names are returned
// normalized so custom roles can be looked up in the store.
func ParseRoleName(raw string) (RoleName, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	for _, s := range systemRoles {
		if strings.EqualFold(trimmed, string(s.name)) || strings.EqualFold(trimmed, s.display) {
			return s.name, nil
		}
	}
	normalized := strings.ToUpper(strings.Join(strings.Fields(trimmed), "_"))
	if !customRoleName.MatchString(normalized) {
		return "", fmt.Errorf("%w: invalid role name %q", ErrInvalidInput, raw)
	}
	return RoleName(normalized), nil
}

// RolePermissions returns the static permission set of a system role.
// Unknown roles yield an empty set.
func RolePermissions(role RoleName) PermissionSet {
	return NewPermissionSet(rolePermissions[role]...)
}
