package auth

import "sort"

// PermissionSet is an immutable-by-convention set of permission tokens.
type PermissionSet map[Permission]struct{}

// NewPermissionSet builds a set from tokens, ignoring anything outside the catalog.
func NewPermissionSet(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, p := range perms {
		if p.Valid() {
			set[p] = struct{}{}
		}
	}
	return set
}

// Has reports whether p is in the set. A nil set holds nothing.
func (s PermissionSet) Has(p Permission) bool {
	_, ok := s[p]
	return ok
}

// HasAny reports whether at least one of perms is held. An empty list is false.
func (s PermissionSet) HasAny(perms ...Permission) bool {
	for _, p := range perms {
		if s.Has(p) {
			return true
		}
	}
	return false
}

// HasAll reports whether every one of perms is held. An empty list is true.
func (s PermissionSet) HasAll(perms ...Permission) bool {
	for _, p := range perms {
		if !s.Has(p) {
			return false
		}
	}
	return true
}

// Union returns a new set with the members of both sets.
func (s PermissionSet) Union(other PermissionSet) PermissionSet {
	out := make(PermissionSet, len(s)+len(other))
	for p := range s {
		out[p] = struct{}{}
	}
	for p := range other {
		out[p] = struct{}{}
	}
	return out
}

// Slice returns the members in lexical order.
func (s PermissionSet) Slice() []Permission {
	out := make([]Permission, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasPermission reports whether role grants p through the static table.
func HasPermission(role RoleName, p Permission) bool {
	return RolePermissions(role).Has(p)
}

// HasAnyPermission reports whether role grants at least one of perms.
func HasAnyPermission(role RoleName, perms ...Permission) bool {
	return RolePermissions(role).HasAny(perms...)
}

// HasAllPermissions reports whether role grants every one of perms.
func HasAllPermissions(role RoleName, perms ...Permission) bool {
	return RolePermissions(role).HasAll(perms...)
}
