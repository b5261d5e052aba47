package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/ids"
	"healthgate.org/internal/obs"
)

// Catalog operations, named like lifecycle operations in audit entries.
const (
	OpCreateRole         ChangeOp = "create"
	OpSetRolePermissions ChangeOp = "set_permissions"
	OpDeleteRole         ChangeOp = "delete"
)

var catalogActions = map[ChangeOp]audit.Action{
	OpCreateRole:         audit.ActionRoleDefine,
	OpSetRolePermissions: audit.ActionUpdate,
	OpDeleteRole:         audit.ActionDelete,
}

// RoleCatalog maintains role definitions. System roles are seeded from the
// static table and cannot be edited or deleted.
type RoleCatalog struct {
	store RoleStore
	audit audit.Recorder
}

// NewRoleCatalog constructs a RoleCatalog.
func NewRoleCatalog(store RoleStore, recorder audit.Recorder) (*RoleCatalog, error) {
	if store == nil {
		return nil, errors.New("role store is required")
	}
	if recorder == nil {
		return nil, errors.New("audit recorder is required")
	}
	return &RoleCatalog{store: store, audit: recorder}, nil
}

// SeedSystemRoles creates any missing system role. Existing rows are left alone.
func (c *RoleCatalog) SeedSystemRoles(ctx context.Context) error {
	for _, name := range SystemRoles() {
		_, err := c.store.GetRoleByName(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("lookup role %s: %w", name, err)
		}
		role := Role{
			ID:          ids.New(),
			Name:        name,
			Description: name.DisplayName(),
			Permissions: RolePermissions(name).Slice(),
			System:      true,
		}
		if _, err := c.store.CreateRole(ctx, role); err != nil && !errors.Is(err, ErrConflict) {
			return fmt.Errorf("seed role %s: %w", name, err)
		}
	}
	return nil
}

// ListRoles returns all role definitions.
func (c *RoleCatalog) ListRoles(ctx context.Context) ([]Role, error) {
	return c.store.ListRoles(ctx)
}

// GetRole loads one role by canonical or display name.
func (c *RoleCatalog) GetRole(ctx context.Context, rawName string) (Role, error) {
	name, err := ParseRoleName(rawName)
	if err != nil {
		return Role{}, err
	}
	return c.store.GetRoleByName(ctx, name)
}

// CreateRole defines a custom role.
func (c *RoleCatalog) CreateRole(ctx context.Context, actor Principal, rawName, description string, rawPerms []string) (role Role, err error) {
	defer func() {
		mutation := roleMutation{op: OpCreateRole, target: strings.TrimSpace(rawName),
			newValues: map[string]any{"name": strings.TrimSpace(rawName), "permissions": rawPerms}}
		if err == nil {
			mutation.target = role.ID
			mutation.newValues = map[string]any{"name": string(role.Name), "permissions": permStrings(role.Permissions)}
		}
		c.record(ctx, actor, mutation, err)
	}()

	if !actor.HasPermission(PermRolesManage) {
		return Role{}, fmt.Errorf("%w: %s", ErrPermissionDenied, DenyMissingPermission)
	}
	name, err := ParseRoleName(rawName)
	if err != nil {
		return Role{}, err
	}
	if name.IsSystem() {
		return Role{}, fmt.Errorf("%w: %s is a system role", ErrConflict, name)
	}
	perms, err := ParsePermissions(rawPerms)
	if err != nil {
		return Role{}, err
	}
	return c.store.CreateRole(ctx, Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		Permissions: perms,
	})
}

// SetRolePermissions replaces the permission list of a custom role.
func (c *RoleCatalog) SetRolePermissions(ctx context.Context, actor Principal, rawName string, rawPerms []string) (err error) {
	mutation := roleMutation{op: OpSetRolePermissions, target: strings.TrimSpace(rawName),
		newValues: map[string]any{"permissions": rawPerms}}
	defer func() { c.record(ctx, actor, mutation, err) }()

	if !actor.HasPermission(PermRolesManage) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, DenyMissingPermission)
	}
	name, err := ParseRoleName(rawName)
	if err != nil {
		return err
	}
	if name.IsSystem() {
		return fmt.Errorf("%w: system role permissions are fixed", ErrInvalidInput)
	}
	perms, err := ParsePermissions(rawPerms)
	if err != nil {
		return err
	}
	current, err := c.store.GetRoleByName(ctx, name)
	if err != nil {
		return err
	}
	mutation.target = current.ID
	mutation.oldValues = map[string]any{"permissions": permStrings(current.Permissions)}
	mutation.newValues = map[string]any{"permissions": permStrings(perms)}
	return c.store.SetRolePermissions(ctx, name, perms)
}

// DeleteRole removes a custom role. System roles are never deleted.
func (c *RoleCatalog) DeleteRole(ctx context.Context, actor Principal, rawName string) (err error) {
	mutation := roleMutation{op: OpDeleteRole, target: strings.TrimSpace(rawName)}
	defer func() { c.record(ctx, actor, mutation, err) }()

	if !actor.HasPermission(PermRolesManage) {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, DenyMissingPermission)
	}
	name, err := ParseRoleName(rawName)
	if err != nil {
		return err
	}
	mutation.target = string(name)
	if name.IsSystem() {
		return fmt.Errorf("%w: system roles cannot be deleted", ErrInvalidInput)
	}
	return c.store.DeleteRole(ctx, name)
}

// Reject audits a catalog call that its caller refused before invoking the
// catalog, such as a malformed request body. err is returned unchanged.
func (c *RoleCatalog) Reject(ctx context.Context, actor Principal, op ChangeOp, rawName string, err error) error {
	if err == nil {
		err = ErrInvalidInput
	}
	c.record(ctx, actor, roleMutation{op: op, target: strings.TrimSpace(rawName)}, err)
	return err
}

type roleMutation struct {
	op        ChangeOp
	target    string
	oldValues map[string]any
	newValues map[string]any
}

// record writes the single audit entry of a catalog mutation, whatever its outcome.
func (c *RoleCatalog) record(ctx context.Context, actor Principal, m roleMutation, err error) {
	entry := audit.Entry{
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		Action:       catalogActions[m.op],
		ResourceType: string(ResourceRole),
		ResourceID:   m.target,
		Success:      err == nil,
		OldValues:    m.oldValues,
		NewValues:    m.newValues,
		Metadata:     map[string]any{"operation": string(m.op)},
	}
	result := "success"
	switch {
	case errors.Is(err, ErrPermissionDenied):
		entry.Action, result = audit.ActionPermissionDenied, "denied"
		entry.Metadata["permission"] = string(PermRolesManage)
	case err != nil:
		result = "error"
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
	}
	obs.RoleChanges.WithLabelValues("role_"+string(m.op), result).Inc()
	c.audit.Record(ctx, entry)
}

func permStrings(perms []Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}
