package auth

import (
	"context"
	"time"
)

// OwnershipSource loads the identity links of a resource row.
// A missing row is reported as ErrNotFound.
type OwnershipSource interface {
	Ownership(ctx context.Context, resource ResourceType, id string) (OwnershipRecord, error)
}

// RoleStore persists role definitions.
type RoleStore interface {
	GetRoleByName(ctx context.Context, name RoleName) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	CreateRole(ctx context.Context, role Role) (Role, error)
	SetRolePermissions(ctx context.Context, name RoleName, perms []Permission) error
	DeleteRole(ctx context.Context, name RoleName) error
}

// AssignmentStore persists role assignments and the denormalized primary role.
type AssignmentStore interface {
	GetPrincipal(ctx context.Context, id string) (PrincipalRecord, error)
	// ListAssignments returns every row for the principal, revoked ones included.
	ListAssignments(ctx context.Context, principalID string) ([]RoleAssignment, error)
	// PrincipalPermissions is the union of permissions over active assignments.
	PrincipalPermissions(ctx context.Context, principalID string) ([]Permission, error)
	// WithinTx runs fn in one transaction. Nothing fn wrote survives an error.
	// Begin and commit failures are reported wrapped in ErrTransaction.
	WithinTx(ctx context.Context, fn func(tx AssignmentTx) error) error
}

// AssignmentTx is the transactional view used by role lifecycle changes.
type AssignmentTx interface {
	// LockPrincipal reads the principal row and holds it until the
	// transaction ends, serializing concurrent changes to one principal.
	LockPrincipal(ctx context.Context, id string) (PrincipalRecord, error)
	GetRoleByName(ctx context.Context, name RoleName) (Role, error)
	ListAssignments(ctx context.Context, principalID string) ([]RoleAssignment, error)
	InsertAssignment(ctx context.Context, a RoleAssignment) error
	ReactivateAssignment(ctx context.Context, assignmentID, grantedBy string, at time.Time) error
	RevokeAssignment(ctx context.Context, assignmentID string, at time.Time) error
	SetPrimaryRole(ctx context.Context, principalID string, role RoleName) error
}
