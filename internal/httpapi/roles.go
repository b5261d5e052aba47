package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"healthgate.org/internal/auth"
)

type roleChangeRequest struct {
	Role   string `json:"role"`
	Reason string `json:"reason"`
}

type createRoleRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permissions []string `json:"permissions"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type userRolesResponse struct {
	PrincipalID string                `json:"principal_id"`
	Assignments []auth.RoleAssignment `json:"assignments"`
	Permissions []auth.Permission     `json:"permissions"`
}

func (a *API) listUserRoles(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	id := strings.TrimSpace(r.PathValue("id"))
	perm := scopedPermission(p, auth.ResourceUser, auth.ActionRead, auth.PermUsersReadAll)
	if !a.authorize(w, r, p, perm, auth.ForResource(auth.ResourceUser, id)) {
		return
	}
	rows, err := a.roles.Assignments(r.Context(), id)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	perms, err := a.roles.EffectivePermissions(r.Context(), id)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	if rows == nil {
		rows = []auth.RoleAssignment{}
	}
	writeJSON(w, http.StatusOK, userRolesResponse{
		PrincipalID: id,
		Assignments: rows,
		Permissions: perms.Slice(),
	})
}

func (a *API) grantRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req roleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.rejectRoleChange(w, r, p, auth.OpGrant, req, err)
		return
	}
	role, err := auth.ParseRoleName(req.Role)
	if err != nil {
		a.rejectRoleChange(w, r, p, auth.OpGrant, req, err)
		return
	}
	change, err := a.roles.GrantAdditional(r.Context(), p, r.PathValue("id"), role, req.Reason)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, change)
}

func (a *API) setPrimaryRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req roleChangeRequest
	if err := decodeJSON(r, &req); err != nil {
		a.rejectRoleChange(w, r, p, auth.OpSetPrimary, req, err)
		return
	}
	role, err := auth.ParseRoleName(req.Role)
	if err != nil {
		a.rejectRoleChange(w, r, p, auth.OpSetPrimary, req, err)
		return
	}
	change, err := a.roles.SetPrimaryRole(r.Context(), p, r.PathValue("id"), role, req.Reason)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

func (a *API) revokeRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	req := roleChangeRequest{Role: r.PathValue("role"), Reason: r.URL.Query().Get("reason")}
	role, err := auth.ParseRoleName(req.Role)
	if err != nil {
		a.rejectRoleChange(w, r, p, auth.OpRevoke, req, err)
		return
	}
	change, err := a.roles.RevokeRole(r.Context(), p, r.PathValue("id"), role, req.Reason)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, change)
}

// rejectRoleChange audits a role change refused for malformed input and
// answers 400.
func (a *API) rejectRoleChange(w http.ResponseWriter, r *http.Request, p auth.Principal, op auth.ChangeOp, req roleChangeRequest, err error) {
	if !errors.Is(err, auth.ErrInvalidInput) {
		err = fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	a.roles.Reject(r.Context(), p, op, r.PathValue("id"), req.Role, req.Reason, err)
	writeError(w, r, http.StatusBadRequest, err.Error())
}

func (a *API) rejectCatalogChange(w http.ResponseWriter, r *http.Request, p auth.Principal, op auth.ChangeOp, name string, err error) {
	if !errors.Is(err, auth.ErrInvalidInput) {
		err = fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	a.catalog.Reject(r.Context(), p, op, name, err)
	writeError(w, r, http.StatusBadRequest, err.Error())
}

func (a *API) listRoles(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if !a.authorize(w, r, p, auth.PermRolesManage, auth.AccessContext{}) {
		return
	}
	roles, err := a.catalog.ListRoles(r.Context())
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	if roles == nil {
		roles = []auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": roles})
}

func (a *API) createRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req createRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		a.rejectCatalogChange(w, r, p, auth.OpCreateRole, req.Name, err)
		return
	}
	role, err := a.catalog.CreateRole(r.Context(), p, req.Name, req.Description, req.Permissions)
	if err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.Name))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) setRolePermissions(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req rolePermissionsRequest
	if err := decodeJSON(r, &req); err != nil {
		a.rejectCatalogChange(w, r, p, auth.OpSetRolePermissions, r.PathValue("name"), err)
		return
	}
	if err := a.catalog.SetRolePermissions(r.Context(), p, r.PathValue("name"), req.Permissions); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) deleteRole(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := a.catalog.DeleteRole(r.Context(), p, r.PathValue("name")); err != nil {
		a.handleAuthError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
