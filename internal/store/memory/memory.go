// Package memory is an in-process store for roles, assignments, ownership
// links, patient rows and audit entries. It backs tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/ids"
	"healthgate.org/internal/pii"
)

// FaultFunc is consulted before each write; a non-nil error aborts it.
// op is the method name, e.g. "InsertAssignment" or "Append".
type FaultFunc func(op string) error

type state struct {
	roles       map[auth.RoleName]auth.Role
	principals  map[string]auth.PrincipalRecord
	assignments map[string]auth.RoleAssignment
	ownership   map[auth.ResourceType]map[string]auth.OwnershipRecord
	patients    map[string]pii.Record
}

func newState() *state {
	return &state{
		roles:       make(map[auth.RoleName]auth.Role),
		principals:  make(map[string]auth.PrincipalRecord),
		assignments: make(map[string]auth.RoleAssignment),
		ownership:   make(map[auth.ResourceType]map[string]auth.OwnershipRecord),
		patients:    make(map[string]pii.Record),
	}
}

func (s *state) clone() *state {
	out := newState()
	for k, v := range s.roles {
		v.Permissions = append([]auth.Permission(nil), v.Permissions...)
		out.roles[k] = v
	}
	for k, v := range s.principals {
		out.principals[k] = v
	}
	for k, v := range s.assignments {
		out.assignments[k] = v
	}
	for res, rows := range s.ownership {
		m := make(map[string]auth.OwnershipRecord, len(rows))
		for k, v := range rows {
			m[k] = v
		}
		out.ownership[res] = m
	}
	for k, v := range s.patients {
		out.patients[k] = v
	}
	return out
}

// Store implements the auth store interfaces and audit.Sink in memory.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
	log  []audit.Entry

	fault FaultFunc
}

var (
	_ auth.OwnershipSource = (*Store)(nil)
	_ auth.RoleStore       = (*Store)(nil)
	_ auth.AssignmentStore = (*Store)(nil)
	_ audit.Sink           = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState()}
}

// SetFault installs f; nil removes it.
func (s *Store) SetFault(f FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

func (s *Store) check(op string) error {
	s.mu.RLock()
	f := s.fault
	s.mu.RUnlock()
	if f == nil {
		return nil
	}
	return f(op)
}

// Writers outside WithinTx hold txMu as well as mu, so a transaction that
// publishes its copy of the state cannot drop their changes.
func (s *Store) write(fn func(st *state) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.st)
}

// AddPrincipal stores an account row. Each role in roles gets an active
// assignment granted by "system"; the first becomes primary when rec names
// none. Roles must already be defined.
func (s *Store) AddPrincipal(rec auth.PrincipalRecord, roles ...auth.RoleName) error {
	return s.write(func(st *state) error {
		defs := make([]auth.Role, 0, len(roles))
		for _, name := range roles {
			role, err := getRole(st, name)
			if err != nil {
				return err
			}
			defs = append(defs, role)
		}
		now := time.Now().UTC()
		for i, role := range defs {
			id := ids.New()
			st.assignments[id] = auth.RoleAssignment{
				ID:          id,
				PrincipalID: rec.ID,
				RoleID:      role.ID,
				RoleName:    role.Name,
				GrantedBy:   "system",
				GrantedAt:   now,
			}
			if i == 0 && rec.PrimaryRole == "" {
				rec.PrimaryRole = role.Name
			}
		}
		if rec.PrimaryRole == "" {
			rec.PrimaryRole = auth.BaselineRole
		}
		st.principals[rec.ID] = rec
		return nil
	})
}

// PutOwnership stores the identity links of one resource row.
func (s *Store) PutOwnership(resource auth.ResourceType, id string, rec auth.OwnershipRecord) {
	_ = s.write(func(st *state) error {
		putOwnership(st, resource, id, rec)
		return nil
	})
}

// PutPatient stores a patient row together with its ownership links.
// rec should already be sealed.
func (s *Store) PutPatient(id, ownerID string, assignees []string, rec pii.Record) {
	row := make(pii.Record, len(rec)+1)
	for k, v := range rec {
		row[k] = v
	}
	row["id"] = id
	_ = s.write(func(st *state) error {
		putOwnership(st, auth.ResourcePatient, id, auth.OwnershipRecord{OwnerID: ownerID, AssigneeIDs: assignees})
		st.patients[id] = row
		return nil
	})
}

func putOwnership(st *state, resource auth.ResourceType, id string, rec auth.OwnershipRecord) {
	rows, ok := st.ownership[resource]
	if !ok {
		rows = make(map[string]auth.OwnershipRecord)
		st.ownership[resource] = rows
	}
	rec.AssigneeIDs = append([]string(nil), rec.AssigneeIDs...)
	rows[id] = rec
}

// Ownership implements auth.OwnershipSource.
func (s *Store) Ownership(_ context.Context, resource auth.ResourceType, id string) (auth.OwnershipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.st.ownership[resource][id]
	if !ok {
		return auth.OwnershipRecord{}, fmt.Errorf("%w: %s %s", auth.ErrNotFound, resource, id)
	}
	rec.AssigneeIDs = append([]string(nil), rec.AssigneeIDs...)
	return rec, nil
}

// Patient returns a copy of the stored patient row.
func (s *Store) Patient(_ context.Context, id string) (pii.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.st.patients[id]
	if !ok {
		return nil, fmt.Errorf("%w: patient %s", auth.ErrNotFound, id)
	}
	out := make(pii.Record, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

// GetRoleByName implements auth.RoleStore.
func (s *Store) GetRoleByName(_ context.Context, name auth.RoleName) (auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRole(s.st, name)
}

func (s *Store) ListRoles(_ context.Context) ([]auth.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]auth.Role, 0, len(s.st.roles))
	for _, r := range s.st.roles {
		r.Permissions = append([]auth.Permission(nil), r.Permissions...)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreateRole(_ context.Context, role auth.Role) (auth.Role, error) {
	if err := s.check("CreateRole"); err != nil {
		return auth.Role{}, err
	}
	err := s.write(func(st *state) error {
		if _, ok := st.roles[role.Name]; ok {
			return fmt.Errorf("%w: role %s exists", auth.ErrConflict, role.Name)
		}
		now := time.Now().UTC()
		role.CreatedAt, role.UpdatedAt = now, now
		role.Permissions = append([]auth.Permission(nil), role.Permissions...)
		st.roles[role.Name] = role
		return nil
	})
	if err != nil {
		return auth.Role{}, err
	}
	return role, nil
}

func (s *Store) SetRolePermissions(_ context.Context, name auth.RoleName, perms []auth.Permission) error {
	if err := s.check("SetRolePermissions"); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		role, ok := st.roles[name]
		if !ok {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
		}
		role.Permissions = append([]auth.Permission(nil), perms...)
		role.UpdatedAt = time.Now().UTC()
		st.roles[name] = role
		return nil
	})
}

func (s *Store) DeleteRole(_ context.Context, name auth.RoleName) error {
	if err := s.check("DeleteRole"); err != nil {
		return err
	}
	return s.write(func(st *state) error {
		role, ok := st.roles[name]
		if !ok {
			return fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
		}
		for _, a := range st.assignments {
			if a.RoleID == role.ID {
				return fmt.Errorf("%w: role %s is referenced by assignments", auth.ErrConflict, name)
			}
		}
		delete(st.roles, name)
		return nil
	})
}

// GetPrincipal implements auth.AssignmentStore.
func (s *Store) GetPrincipal(_ context.Context, id string) (auth.PrincipalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPrincipal(s.st, id)
}

func (s *Store) ListAssignments(_ context.Context, principalID string) ([]auth.RoleAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAssignments(s.st, principalID), nil
}

func (s *Store) PrincipalPermissions(_ context.Context, principalID string) ([]auth.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, err := getPrincipal(s.st, principalID); err != nil {
		return nil, err
	}
	var roles []auth.Role
	for _, a := range listAssignments(s.st, principalID) {
		if !a.Active() {
			continue
		}
		if r, err := getRole(s.st, a.RoleName); err == nil {
			roles = append(roles, r)
		}
	}
	set := auth.NewPermissionSet()
	for _, r := range roles {
		set = set.Union(auth.NewPermissionSet(r.Permissions...))
	}
	return set.Slice(), nil
}

// WithinTx runs fn against a private copy of the state and publishes it only
// when fn succeeds. Transactions are serialized.
func (s *Store) WithinTx(ctx context.Context, fn func(tx auth.AssignmentTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", auth.ErrTransaction, err)
	}

	s.mu.RLock()
	work := s.st.clone()
	s.mu.RUnlock()

	if err := fn(&tx{store: s, st: work}); err != nil {
		return err
	}
	if err := s.check("Commit"); err != nil {
		return fmt.Errorf("%w: commit: %v", auth.ErrTransaction, err)
	}
	s.mu.Lock()
	s.st = work
	s.mu.Unlock()
	return nil
}

// Append implements audit.Sink.
func (s *Store) Append(_ context.Context, e audit.Entry) error {
	if err := s.check("Append"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, e)
	return nil
}

// AuditEntries returns the appended entries in order.
func (s *Store) AuditEntries() []audit.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry(nil), s.log...)
}

type tx struct {
	store *Store
	st    *state
}

func (t *tx) LockPrincipal(_ context.Context, id string) (auth.PrincipalRecord, error) {
	return getPrincipal(t.st, id)
}

func (t *tx) GetRoleByName(_ context.Context, name auth.RoleName) (auth.Role, error) {
	return getRole(t.st, name)
}

func (t *tx) ListAssignments(_ context.Context, principalID string) ([]auth.RoleAssignment, error) {
	return listAssignments(t.st, principalID), nil
}

func (t *tx) InsertAssignment(_ context.Context, a auth.RoleAssignment) error {
	if err := t.store.check("InsertAssignment"); err != nil {
		return err
	}
	if _, ok := t.st.assignments[a.ID]; ok {
		return fmt.Errorf("%w: assignment %s exists", auth.ErrConflict, a.ID)
	}
	for _, cur := range t.st.assignments {
		if cur.PrincipalID == a.PrincipalID && cur.RoleID == a.RoleID && cur.Active() {
			return fmt.Errorf("%w: active assignment exists", auth.ErrConflict)
		}
	}
	a.RevokedAt = nil
	t.st.assignments[a.ID] = a
	return nil
}

func (t *tx) ReactivateAssignment(_ context.Context, assignmentID, grantedBy string, at time.Time) error {
	if err := t.store.check("ReactivateAssignment"); err != nil {
		return err
	}
	a, ok := t.st.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("%w: assignment %s", auth.ErrNotFound, assignmentID)
	}
	a.RevokedAt = nil
	a.GrantedBy = grantedBy
	a.GrantedAt = at
	t.st.assignments[assignmentID] = a
	return nil
}

func (t *tx) RevokeAssignment(_ context.Context, assignmentID string, at time.Time) error {
	if err := t.store.check("RevokeAssignment"); err != nil {
		return err
	}
	a, ok := t.st.assignments[assignmentID]
	if !ok {
		return fmt.Errorf("%w: assignment %s", auth.ErrNotFound, assignmentID)
	}
	revoked := at
	a.RevokedAt = &revoked
	t.st.assignments[assignmentID] = a
	return nil
}

func (t *tx) SetPrimaryRole(_ context.Context, principalID string, role auth.RoleName) error {
	if err := t.store.check("SetPrimaryRole"); err != nil {
		return err
	}
	rec, err := getPrincipal(t.st, principalID)
	if err != nil {
		return err
	}
	rec.PrimaryRole = role
	rec.UpdatedAt = time.Now().UTC()
	t.st.principals[principalID] = rec
	return nil
}

func getPrincipal(st *state, id string) (auth.PrincipalRecord, error) {
	rec, ok := st.principals[id]
	if !ok {
		return auth.PrincipalRecord{}, fmt.Errorf("%w: principal %s", auth.ErrNotFound, id)
	}
	return rec, nil
}

func getRole(st *state, name auth.RoleName) (auth.Role, error) {
	r, ok := st.roles[name]
	if !ok {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
	}
	r.Permissions = append([]auth.Permission(nil), r.Permissions...)
	return r, nil
}

func listAssignments(st *state, principalID string) []auth.RoleAssignment {
	var out []auth.RoleAssignment
	for _, a := range st.assignments {
		if a.PrincipalID == principalID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].GrantedAt.Equal(out[j].GrantedAt) {
			return out[i].GrantedAt.Before(out[j].GrantedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
