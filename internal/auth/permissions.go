package auth

import (
	"fmt"
	"sort"
	"strings"
)

// Permission is a capability token from the closed catalog below.
type Permission string

// ResourceType names a kind of protected resource.
type ResourceType string

const (
	ResourcePatient       ResourceType = "patient"
	ResourceMedicalRecord ResourceType = "medical_record"
	ResourceAppointment   ResourceType = "appointment"
	ResourceUser          ResourceType = "user"
	ResourceRole          ResourceType = "role"
	ResourceAuditLog      ResourceType = "audit_log"
	ResourcePHI           ResourceType = "phi"
)

// Action is the verb part of a permission token.
type Action string

const (
	ActionRead        Action = "READ"
	ActionWrite       Action = "WRITE"
	ActionCreate      Action = "CREATE"
	ActionDelete      Action = "DELETE"
	ActionManageRoles Action = "MANAGE_ROLES"
	ActionManage      Action = "MANAGE"
	ActionViewFull    Action = "VIEW_FULL"
	ActionViewMasked  Action = "VIEW_MASKED"
)

// Scope restricts a permission to a subset of resource instances.
// An empty scope means the permission is not instance-restricted.
type Scope string

const (
	ScopeNone     Scope = ""
	ScopeAll      Scope = "ALL"
	ScopeAssigned Scope = "ASSIGNED"
	ScopeOwn      Scope = "OWN"
)

const (
	PermPatientsReadAll      Permission = "PATIENTS_READ_ALL"
	PermPatientsReadAssigned Permission = "PATIENTS_READ_ASSIGNED"
	PermPatientsReadOwn      Permission = "PATIENTS_READ_OWN"
	PermPatientsWriteAll     Permission = "PATIENTS_WRITE_ALL"
	PermPatientsWriteAssign  Permission = "PATIENTS_WRITE_ASSIGNED"
	PermPatientsWriteOwn     Permission = "PATIENTS_WRITE_OWN"
	PermPatientsCreate       Permission = "PATIENTS_CREATE"
	PermPatientsDelete       Permission = "PATIENTS_DELETE"

	PermMedicalRecordsReadAll      Permission = "MEDICAL_RECORDS_READ_ALL"
	PermMedicalRecordsReadAssigned Permission = "MEDICAL_RECORDS_READ_ASSIGNED"
	PermMedicalRecordsReadOwn      Permission = "MEDICAL_RECORDS_READ_OWN"
	PermMedicalRecordsWriteAll     Permission = "MEDICAL_RECORDS_WRITE_ALL"
	PermMedicalRecordsWriteAssign  Permission = "MEDICAL_RECORDS_WRITE_ASSIGNED"

	PermAppointmentsReadAll      Permission = "APPOINTMENTS_READ_ALL"
	PermAppointmentsReadAssigned Permission = "APPOINTMENTS_READ_ASSIGNED"
	PermAppointmentsReadOwn      Permission = "APPOINTMENTS_READ_OWN"
	PermAppointmentsWriteAll     Permission = "APPOINTMENTS_WRITE_ALL"
	PermAppointmentsWriteAssign  Permission = "APPOINTMENTS_WRITE_ASSIGNED"
	PermAppointmentsWriteOwn     Permission = "APPOINTMENTS_WRITE_OWN"

	PermUsersReadAll     Permission = "USERS_READ_ALL"
	PermUsersReadOwn     Permission = "USERS_READ_OWN"
	PermUsersWriteAll    Permission = "USERS_WRITE_ALL"
	PermUsersWriteOwn    Permission = "USERS_WRITE_OWN"
	PermUsersManageRoles Permission = "USERS_MANAGE_ROLES"

	PermRolesManage   Permission = "ROLES_MANAGE"
	PermAuditRead     Permission = "AUDIT_READ"
	PermPHIViewFull   Permission = "PHI_VIEW_FULL"
	PermPHIViewMasked Permission = "PHI_VIEW_MASKED"
)

type permissionInfo struct {
	resource    ResourceType
	action      Action
	scope       Scope
	description string
}

var catalog = map[Permission]permissionInfo{
	PermPatientsReadAll:      {ResourcePatient, ActionRead, ScopeAll, "Read any patient"},
	PermPatientsReadAssigned: {ResourcePatient, ActionRead, ScopeAssigned, "Read patients assigned to the principal"},
	PermPatientsReadOwn:      {ResourcePatient, ActionRead, ScopeOwn, "Read the principal's own patient profile"},
	PermPatientsWriteAll:     {ResourcePatient, ActionWrite, ScopeAll, "Update any patient"},
	PermPatientsWriteAssign:  {ResourcePatient, ActionWrite, ScopeAssigned, "Update assigned patients"},
	PermPatientsWriteOwn:     {ResourcePatient, ActionWrite, ScopeOwn, "Update own patient profile"},
	PermPatientsCreate:       {ResourcePatient, ActionCreate, ScopeNone, "Register patients"},
	PermPatientsDelete:       {ResourcePatient, ActionDelete, ScopeNone, "Delete patients"},

	PermMedicalRecordsReadAll:      {ResourceMedicalRecord, ActionRead, ScopeAll, "Read any medical record"},
	PermMedicalRecordsReadAssigned: {ResourceMedicalRecord, ActionRead, ScopeAssigned, "Read records of assigned patients"},
	PermMedicalRecordsReadOwn:      {ResourceMedicalRecord, ActionRead, ScopeOwn, "Read own medical records"},
	PermMedicalRecordsWriteAll:     {ResourceMedicalRecord, ActionWrite, ScopeAll, "Write any medical record"},
	PermMedicalRecordsWriteAssign:  {ResourceMedicalRecord, ActionWrite, ScopeAssigned, "Write records of assigned patients"},

	PermAppointmentsReadAll:      {ResourceAppointment, ActionRead, ScopeAll, "Read any appointment"},
	PermAppointmentsReadAssigned: {ResourceAppointment, ActionRead, ScopeAssigned, "Read appointments the principal provides"},
	PermAppointmentsReadOwn:      {ResourceAppointment, ActionRead, ScopeOwn, "Read own appointments"},
	PermAppointmentsWriteAll:     {ResourceAppointment, ActionWrite, ScopeAll, "Schedule or change any appointment"},
	PermAppointmentsWriteAssign:  {ResourceAppointment, ActionWrite, ScopeAssigned, "Change appointments the principal provides"},
	PermAppointmentsWriteOwn:     {ResourceAppointment, ActionWrite, ScopeOwn, "Change own appointments"},

	PermUsersReadAll:     {ResourceUser, ActionRead, ScopeAll, "Read any user account"},
	PermUsersReadOwn:     {ResourceUser, ActionRead, ScopeOwn, "Read own account"},
	PermUsersWriteAll:    {ResourceUser, ActionWrite, ScopeAll, "Update any user account"},
	PermUsersWriteOwn:    {ResourceUser, ActionWrite, ScopeOwn, "Update own account"},
	PermUsersManageRoles: {ResourceUser, ActionManageRoles, ScopeNone, "Grant, change and revoke user roles"},

	PermRolesManage:   {ResourceRole, ActionManage, ScopeNone, "Create and edit role definitions"},
	PermAuditRead:     {ResourceAuditLog, ActionRead, ScopeNone, "Read the audit trail"},
	PermPHIViewFull:   {ResourcePHI, ActionViewFull, ScopeNone, "View decrypted protected health information"},
	PermPHIViewMasked: {ResourcePHI, ActionViewMasked, ScopeNone, "View masked protected health information"},
}

// AllPermissions returns every catalog token in lexical order.
func AllPermissions() []Permission {
	out := make([]Permission, 0, len(catalog))
	for p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether p belongs to the catalog.
func (p Permission) Valid() bool {
	_, ok := catalog[p]
	return ok
}

// Resource returns the resource type the permission applies to.
func (p Permission) Resource() ResourceType { return catalog[p].resource }

// Action returns the verb of the permission.
func (p Permission) Action() Action { return catalog[p].action }

// Scope returns the instance scope of the permission.
func (p Permission) Scope() Scope { return catalog[p].scope }

// Description is a human readable summary for role editors.
func (p Permission) Description() string { return catalog[p].description }

// ParsePermission validates a raw token against the catalog.
func ParsePermission(raw string) (Permission, error) {
	p := Permission(strings.ToUpper(strings.TrimSpace(raw)))
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown permission %q", ErrInvalidInput, raw)
	}
	return p, nil
}

// ParsePermissions validates and de-duplicates a list of raw tokens.
func ParsePermissions(raw []string) ([]Permission, error) {
	seen := make(map[Permission]struct{}, len(raw))
	out := make([]Permission, 0, len(raw))
	for _, r := range raw {
		if strings.TrimSpace(r) == "" {
			continue
		}
		p, err := ParsePermission(r)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out, nil
}

// BroadestHeld returns the widest permission in the (resource, action)
// family that the set contains. Callers use it to choose which token to
// check for an action on a resource instance.
func BroadestHeld(set PermissionSet, resource ResourceType, action Action) (Permission, bool) {
	best, bestRank := Permission(""), 0
	for p := range set {
		info, ok := catalog[p]
		if !ok || info.resource != resource || info.action != action {
			continue
		}
		if r := scopeRank(info.scope); r > bestRank {
			best, bestRank = p, r
		}
	}
	return best, bestRank > 0
}

func scopeRank(s Scope) int {
	switch s {
	case ScopeAll, ScopeNone:
		return 3
	case ScopeAssigned:
		return 2
	case ScopeOwn:
		return 1
	default:
		return 0
	}
}

// heldScopes lists the scopes the set grants for a resource/action family.
func heldScopes(set PermissionSet, resource ResourceType, action Action) map[Scope]bool {
	scopes := make(map[Scope]bool, 3)
	for p := range set {
		info, ok := catalog[p]
		if !ok || info.resource != resource || info.action != action {
			continue
		}
		scopes[info.scope] = true
	}
	return scopes
}
