package auth

import "time"

// Role groups permissions under a unique name.
type Role struct {
	ID          string       `json:"id"`
	Name        RoleName     `json:"name"`
	Description string       `json:"description,omitempty"`
	Permissions []Permission `json:"permissions"`
	System      bool         `json:"system"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RoleAssignment links a principal to a role. A nil RevokedAt means active.
// Rows are never deleted; revoking and re-granting reuse the same row.
type RoleAssignment struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	RoleID      string     `json:"role_id"`
	RoleName    RoleName   `json:"role_name"`
	GrantedBy   string     `json:"granted_by"`
	GrantedAt   time.Time  `json:"granted_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// Active reports whether the assignment is currently in force.
func (a RoleAssignment) Active() bool { return a.RevokedAt == nil }

// PrincipalRecord is the stored account row with its denormalized primary role.
type PrincipalRecord struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	PrimaryRole RoleName  `json:"primary_role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// OwnershipRecord carries the identity links of one resource row.
type OwnershipRecord struct {
	OwnerID     string
	AssigneeIDs []string
	// ParentID is set for resources whose rule follows a parent row.
	ParentID string
}
