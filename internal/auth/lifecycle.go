package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/ids"
	"healthgate.org/internal/obs"
)

// ChangeOp names a lifecycle operation in audit entries and metrics.
type ChangeOp string

const (
	OpGrant      ChangeOp = "grant"
	OpSetPrimary ChangeOp = "set_primary"
	OpRevoke     ChangeOp = "revoke"
)

// RoleChange describes the state of a principal's roles around a mutation.
type RoleChange struct {
	PrincipalID string     `json:"principal_id"`
	OldPrimary  RoleName   `json:"old_primary"`
	NewPrimary  RoleName   `json:"new_primary"`
	OldRoles    []RoleName `json:"old_roles"`
	NewRoles    []RoleName `json:"new_roles"`
	At          time.Time  `json:"at"`
}

// RoleManager grants, changes and revokes role assignments. Every mutating
// call is authorized, runs in one store transaction and produces exactly
// one audit entry once the outcome is known.
type RoleManager struct {
	store  AssignmentStore
	authz  *Authorizer
	audit  audit.Recorder
	logger *zap.Logger
	now    func() time.Time
}

// ManagerOption configures a RoleManager.
type ManagerOption func(*RoleManager) error

// WithClock overrides the time source used for grant and revoke timestamps.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *RoleManager) error {
		if now == nil {
			return errors.New("clock function is required")
		}
		m.now = now
		return nil
	}
}

// WithLogger sets the logger for operational messages.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *RoleManager) error {
		if l == nil {
			return errors.New("logger is required")
		}
		m.logger = l
		return nil
	}
}

// NewRoleManager wires a manager. All collaborators are required.
func NewRoleManager(store AssignmentStore, authz *Authorizer, recorder audit.Recorder, opts ...ManagerOption) (*RoleManager, error) {
	if store == nil {
		return nil, errors.New("assignment store is required")
	}
	if authz == nil {
		return nil, errors.New("authorizer is required")
	}
	if recorder == nil {
		return nil, errors.New("audit recorder is required")
	}
	m := &RoleManager{
		store:  store,
		authz:  authz,
		audit:  recorder,
		logger: obs.Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// GrantAdditional gives principalID one more active role. The role becomes
// primary only when the principal had no active role before.
func (m *RoleManager) GrantAdditional(ctx context.Context, actor Principal, principalID string, role RoleName, reason string) (change RoleChange, err error) {
	principalID, reason = strings.TrimSpace(principalID), strings.TrimSpace(reason)
	var before RoleChange
	defer func() { m.finish(ctx, OpGrant, actor, principalID, role, reason, before, change, err) }()

	if err = m.precheck(ctx, actor, principalID, role); err != nil {
		return RoleChange{}, err
	}

	now := m.now().UTC()
	err = m.store.WithinTx(ctx, func(tx AssignmentTx) error {
		rec, rows, target, err := loadState(ctx, tx, principalID, role)
		if err != nil {
			return err
		}
		change = RoleChange{PrincipalID: principalID, OldPrimary: rec.PrimaryRole, NewPrimary: rec.PrimaryRole, OldRoles: activeRoles(rows), At: now}
		before = change
		if err := guardProtected(ctx, tx, actor, role); err != nil {
			return err
		}

		existing, found := findAssignment(rows, target.ID)
		switch {
		case found && existing.Active():
			return fmt.Errorf("%w: role %s already assigned", ErrConflict, role)
		case found:
			if err := tx.ReactivateAssignment(ctx, existing.ID, actor.ID, now); err != nil {
				return err
			}
		default:
			if err := tx.InsertAssignment(ctx, newAssignment(principalID, target, actor.ID, now)); err != nil {
				return err
			}
		}

		if len(change.OldRoles) == 0 {
			if err := tx.SetPrimaryRole(ctx, principalID, role); err != nil {
				return err
			}
			change.NewPrimary = role
		}
		change.NewRoles = sortedRoles(append(append([]RoleName{}, change.OldRoles...), role))
		return nil
	})
	if err != nil {
		return RoleChange{}, classify(err)
	}
	return change, nil
}

// SetPrimaryRole replaces every active role of principalID with newRole in
// one transaction. If the principal already has newRole as primary the
// result is ErrAlreadyInRole; a caller retrying after a lost race treats that
// as success.
func (m *RoleManager) SetPrimaryRole(ctx context.Context, actor Principal, principalID string, newRole RoleName, reason string) (change RoleChange, err error) {
	principalID, reason = strings.TrimSpace(principalID), strings.TrimSpace(reason)
	var before RoleChange
	defer func() { m.finish(ctx, OpSetPrimary, actor, principalID, newRole, reason, before, change, err) }()

	if err = m.precheck(ctx, actor, principalID, newRole); err != nil {
		return RoleChange{}, err
	}

	now := m.now().UTC()
	err = m.store.WithinTx(ctx, func(tx AssignmentTx) error {
		rec, rows, target, err := loadState(ctx, tx, principalID, newRole)
		if err != nil {
			return err
		}
		change = RoleChange{PrincipalID: principalID, OldPrimary: rec.PrimaryRole, OldRoles: activeRoles(rows), At: now}
		before = change
		if err := guardProtected(ctx, tx, actor, newRole); err != nil {
			return err
		}
		if rec.PrimaryRole == newRole {
			return ErrAlreadyInRole
		}
		// Holding the protected role can only be replaced by the protected role.
		if newRole != ProtectedRole && (rec.PrimaryRole == ProtectedRole || hasActive(rows, ProtectedRole)) {
			return ErrProtectedRole
		}

		for _, a := range rows {
			if a.Active() && a.RoleID != target.ID {
				if err := tx.RevokeAssignment(ctx, a.ID, now); err != nil {
					return err
				}
			}
		}
		if existing, found := findAssignment(rows, target.ID); found {
			if err := tx.ReactivateAssignment(ctx, existing.ID, actor.ID, now); err != nil {
				return err
			}
		} else if err := tx.InsertAssignment(ctx, newAssignment(principalID, target, actor.ID, now)); err != nil {
			return err
		}
		if err := tx.SetPrimaryRole(ctx, principalID, newRole); err != nil {
			return err
		}
		change.NewPrimary = newRole
		change.NewRoles = []RoleName{newRole}
		return nil
	})
	if err != nil {
		return RoleChange{}, classify(err)
	}
	return change, nil
}

// RevokeRole ends one active assignment. When it was the primary role the
// earliest remaining active role becomes primary, or the baseline role if
// none remains.
func (m *RoleManager) RevokeRole(ctx context.Context, actor Principal, principalID string, role RoleName, reason string) (change RoleChange, err error) {
	principalID, reason = strings.TrimSpace(principalID), strings.TrimSpace(reason)
	var before RoleChange
	defer func() { m.finish(ctx, OpRevoke, actor, principalID, role, reason, before, change, err) }()

	if err = m.precheck(ctx, actor, principalID, role); err != nil {
		return RoleChange{}, err
	}

	now := m.now().UTC()
	err = m.store.WithinTx(ctx, func(tx AssignmentTx) error {
		rec, rows, target, err := loadState(ctx, tx, principalID, role)
		if err != nil {
			return err
		}
		change = RoleChange{PrincipalID: principalID, OldPrimary: rec.PrimaryRole, NewPrimary: rec.PrimaryRole, OldRoles: activeRoles(rows), At: now}
		before = change
		if err := guardProtected(ctx, tx, actor, role); err != nil {
			return err
		}

		existing, found := findAssignment(rows, target.ID)
		if !found || !existing.Active() {
			return fmt.Errorf("%w: role %s is not assigned", ErrNotFound, role)
		}
		if err := tx.RevokeAssignment(ctx, existing.ID, now); err != nil {
			return err
		}

		var remaining []RoleAssignment
		for _, a := range rows {
			if a.Active() && a.ID != existing.ID {
				remaining = append(remaining, a)
			}
		}
		if rec.PrimaryRole == role {
			next := BaselineRole
			if len(remaining) > 0 {
				sort.SliceStable(remaining, func(i, j int) bool { return remaining[i].GrantedAt.Before(remaining[j].GrantedAt) })
				next = remaining[0].RoleName
			}
			if err := tx.SetPrimaryRole(ctx, principalID, next); err != nil {
				return err
			}
			change.NewPrimary = next
		}
		change.NewRoles = activeRoles(remaining)
		return nil
	})
	if err != nil {
		return RoleChange{}, classify(err)
	}
	return change, nil
}

// Assignments lists every assignment row of a principal, revoked ones included.
func (m *RoleManager) Assignments(ctx context.Context, principalID string) ([]RoleAssignment, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	if _, err := m.store.GetPrincipal(ctx, principalID); err != nil {
		return nil, err
	}
	return m.store.ListAssignments(ctx, principalID)
}

// EffectivePermissions returns the union of permissions of the principal's
// active roles. A principal without active roles gets the baseline role's set.
func (m *RoleManager) EffectivePermissions(ctx context.Context, principalID string) (PermissionSet, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	perms, err := m.store.PrincipalPermissions(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if len(perms) == 0 {
		return RolePermissions(BaselineRole), nil
	}
	return NewPermissionSet(perms...), nil
}

// Reject audits a lifecycle call that its caller refused before invoking the
// manager, such as a malformed request body or role name. err is returned
// unchanged.
func (m *RoleManager) Reject(ctx context.Context, actor Principal, op ChangeOp, principalID, rawRole, reason string, err error) error {
	if err == nil {
		err = ErrInvalidInput
	}
	principalID = strings.TrimSpace(principalID)
	m.finish(ctx, op, actor, principalID, RoleName(strings.TrimSpace(rawRole)), strings.TrimSpace(reason), RoleChange{}, RoleChange{}, err)
	return err
}

// PrimaryRole returns the stored primary role of a principal.
func (m *RoleManager) PrimaryRole(ctx context.Context, principalID string) (RoleName, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return "", fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	rec, err := m.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return "", err
	}
	return rec.PrimaryRole, nil
}

// assignmentLister is satisfied by both AssignmentStore and AssignmentTx.
type assignmentLister interface {
	ListAssignments(ctx context.Context, principalID string) ([]RoleAssignment, error)
}

// guardProtected allows touching the protected role only to actors whose
// stored assignments include it. The role named in the actor's token is
// not trusted for this.
func guardProtected(ctx context.Context, src assignmentLister, actor Principal, role RoleName) error {
	if role != ProtectedRole {
		return nil
	}
	rows, err := src.ListAssignments(ctx, actor.ID)
	if err != nil {
		return fmt.Errorf("load actor assignments: %w", err)
	}
	if !hasActive(rows, ProtectedRole) {
		return ErrProtectedRole
	}
	return nil
}

// precheck validates input, authorizes the actor and applies the self-change guard.
func (m *RoleManager) precheck(ctx context.Context, actor Principal, principalID string, role RoleName) error {
	if principalID == "" {
		return fmt.Errorf("%w: principal_id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(string(role)) == "" {
		return fmt.Errorf("%w: role is required", ErrInvalidInput)
	}
	decision := m.authz.Decide(ctx, actor, PermUsersManageRoles, ForResource(ResourceUser, principalID))
	if decision.Err != nil {
		m.logger.Warn("ownership lookup failed", zap.String("principal_id", principalID), zap.Error(decision.Err))
	}
	if !decision.Allowed {
		return fmt.Errorf("%w: %s", ErrPermissionDenied, decision.Reason)
	}
	if actor.ID == principalID {
		return ErrSelfRoleChange
	}
	return nil
}

// finish records the one audit entry of a lifecycle call. before holds the
// state read inside the transaction, when the call got that far.
func (m *RoleManager) finish(ctx context.Context, op ChangeOp, actor Principal, principalID string, role RoleName, reason string, before, change RoleChange, err error) {
	action := map[ChangeOp]audit.Action{
		OpGrant:      audit.ActionRoleGrant,
		OpSetPrimary: audit.ActionRoleChange,
		OpRevoke:     audit.ActionRoleRevoke,
	}[op]
	result := "success"
	switch {
	case errors.Is(err, ErrSelfRoleChange), errors.Is(err, ErrProtectedRole):
		action, result = audit.ActionAccessDenied, "denied"
	case errors.Is(err, ErrPermissionDenied):
		action, result = audit.ActionPermissionDenied, "denied"
	case err != nil:
		result = "error"
	}
	obs.RoleChanges.WithLabelValues(string(op), result).Inc()

	entry := audit.Entry{
		ActorID:      actor.ID,
		ActorEmail:   actor.Email,
		Action:       action,
		ResourceType: string(ResourceUser),
		ResourceID:   principalID,
		Success:      err == nil,
		Metadata: map[string]any{
			"operation": string(op),
			"role":      string(role),
			"reason":    reason,
		},
	}
	if err != nil {
		entry.ErrorMessage = err.Error()
		if before.PrincipalID == "" {
			before = m.snapshot(ctx, principalID)
		}
		if before.PrincipalID != "" {
			entry.OldValues = map[string]any{"primary_role": string(before.OldPrimary), "roles": roleStrings(before.OldRoles)}
		}
		entry.NewValues = map[string]any{"requested_role": string(role)}
	} else {
		entry.OldValues = map[string]any{"primary_role": string(change.OldPrimary), "roles": roleStrings(change.OldRoles)}
		entry.NewValues = map[string]any{"primary_role": string(change.NewPrimary), "roles": roleStrings(change.NewRoles)}
	}
	m.audit.Record(ctx, entry)

	if result == "error" && !errors.Is(err, ErrConflict) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrInvalidInput) {
		m.logger.Error("role change failed",
			zap.String("operation", string(op)),
			zap.String("principal_id", principalID),
			zap.String("role", string(role)),
			zap.String("actor_id", actor.ID),
			zap.Error(err),
		)
	}
}

// snapshot reads the current roles of principalID for a failure entry when
// the call failed before its transaction read them. Read errors yield a
// zero RoleChange.
func (m *RoleManager) snapshot(ctx context.Context, principalID string) RoleChange {
	if principalID == "" {
		return RoleChange{}
	}
	rec, err := m.store.GetPrincipal(ctx, principalID)
	if err != nil {
		return RoleChange{}
	}
	rows, err := m.store.ListAssignments(ctx, principalID)
	if err != nil {
		return RoleChange{}
	}
	return RoleChange{PrincipalID: principalID, OldPrimary: rec.PrimaryRole, OldRoles: activeRoles(rows)}
}

func loadState(ctx context.Context, tx AssignmentTx, principalID string, role RoleName) (PrincipalRecord, []RoleAssignment, Role, error) {
	rec, err := tx.LockPrincipal(ctx, principalID)
	if err != nil {
		return PrincipalRecord{}, nil, Role{}, err
	}
	target, err := tx.GetRoleByName(ctx, role)
	if err != nil {
		return PrincipalRecord{}, nil, Role{}, err
	}
	rows, err := tx.ListAssignments(ctx, principalID)
	if err != nil {
		return PrincipalRecord{}, nil, Role{}, err
	}
	return rec, rows, target, nil
}

// classify keeps domain errors and marks everything else as a failed transaction.
func classify(err error) error {
	for _, known := range []error{ErrInvalidInput, ErrPermissionDenied, ErrNotFound, ErrConflict, ErrTransaction} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", ErrTransaction, err)
}

func newAssignment(principalID string, role Role, grantedBy string, at time.Time) RoleAssignment {
	return RoleAssignment{
		ID:          ids.New(),
		PrincipalID: principalID,
		RoleID:      role.ID,
		RoleName:    role.Name,
		GrantedBy:   grantedBy,
		GrantedAt:   at,
	}
}

func findAssignment(rows []RoleAssignment, roleID string) (RoleAssignment, bool) {
	for _, a := range rows {
		if a.RoleID == roleID {
			return a, true
		}
	}
	return RoleAssignment{}, false
}

func hasActive(rows []RoleAssignment, role RoleName) bool {
	for _, a := range rows {
		if a.Active() && a.RoleName == role {
			return true
		}
	}
	return false
}

func activeRoles(rows []RoleAssignment) []RoleName {
	var out []RoleName
	for _, a := range rows {
		if a.Active() {
			out = append(out, a.RoleName)
		}
	}
	return sortedRoles(out)
}

func sortedRoles(roles []RoleName) []RoleName {
	sort.Slice(roles, func(i, j int) bool { return roles[i] < roles[j] })
	return roles
}

func roleStrings(roles []RoleName) []string {
	out := make([]string, 0, len(roles))
	for _, r := range roles {
		out = append(out, string(r))
	}
	return out
}
