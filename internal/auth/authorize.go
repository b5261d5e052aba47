package auth

import (
	"context"
	"errors"
)

// Principal is an authenticated actor with its effective permission set.
type Principal struct {
	ID          string
	Email       string
	Role        RoleName
	Permissions PermissionSet
}

// NewPrincipal builds a principal whose permissions are the static set of role.
func NewPrincipal(id string, role RoleName) Principal {
	return Principal{ID: id, Role: role, Permissions: RolePermissions(role)}
}

// EffectivePermissions returns the supplied set, falling back to the static
// set of the principal's role when none was loaded.
func (p Principal) EffectivePermissions() PermissionSet {
	if p.Permissions != nil {
		return p.Permissions
	}
	return RolePermissions(p.Role)
}

// HasPermission reports whether the principal holds perm.
func (p Principal) HasPermission(perm Permission) bool {
	return p.EffectivePermissions().Has(perm)
}

// AccessContext optionally names the resource instance a check applies to.
type AccessContext struct {
	ResourceType ResourceType
	ResourceID   string
}

// ForResource is shorthand for an AccessContext naming one instance.
func ForResource(resource ResourceType, id string) AccessContext {
	return AccessContext{ResourceType: resource, ResourceID: id}
}

func (c AccessContext) hasResource() bool {
	return c.ResourceType != "" && c.ResourceID != ""
}

// DenyReason says which half of a check failed. It is for audit records
// only and must not reach the requester.
type DenyReason string

const (
	DenyNone              DenyReason = ""
	DenyMissingPermission DenyReason = "missing_permission"
	DenyNotOwner          DenyReason = "not_owner"
)

// Decision is the outcome of Decide.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// Err holds an ownership lookup failure that forced a deny.
	Err error
}

// Authorizer combines permission checks with instance ownership.
type Authorizer struct {
	resolver *OwnershipResolver
}

// NewAuthorizer constructs an authorizer backed by resolver.
func NewAuthorizer(resolver *OwnershipResolver) (*Authorizer, error) {
	if resolver == nil {
		return nil, errors.New("ownership resolver is required")
	}
	return &Authorizer{resolver: resolver}, nil
}

// Check reports whether principal may use perm in actx. Without a resource
// in actx this equals principal.HasPermission(perm).
func (a *Authorizer) Check(ctx context.Context, principal Principal, perm Permission, actx AccessContext) bool {
	return a.Decide(ctx, principal, perm, actx).Allowed
}

// Decide is Check with the reason for a deny.
func (a *Authorizer) Decide(ctx context.Context, principal Principal, perm Permission, actx AccessContext) Decision {
	if !principal.HasPermission(perm) {
		return Decision{Reason: DenyMissingPermission}
	}
	if !actx.hasResource() {
		return Decision{Allowed: true}
	}
	ok, err := a.resolver.ResolveErr(ctx, principal, ResourceRef{Type: actx.ResourceType, ID: actx.ResourceID}, perm)
	if !ok {
		return Decision{Reason: DenyNotOwner, Err: err}
	}
	return Decision{Allowed: true}
}
