package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"healthgate.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

func (s *Store) GetRoleByName(ctx context.Context, name auth.RoleName) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errors.New("database connection unavailable")
	}
	return getRole(ctx, s.db, name)
}

func (s *Store) ListRoles(ctx context.Context) ([]auth.Role, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, permissions, system, created_at, updated_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return roles, nil
}

func (s *Store) CreateRole(ctx context.Context, role auth.Role) (auth.Role, error) {
	if s.db == nil {
		return auth.Role{}, errors.New("database connection unavailable")
	}
	perms, err := json.Marshal(permissionKeys(role.Permissions))
	if err != nil {
		return auth.Role{}, fmt.Errorf("marshal permissions: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, permissions, system)
		values ($1, $2, $3, $4, $5)
		returning id, name, description, permissions, system, created_at, updated_at
	`, role.ID, string(role.Name), nullIfEmpty(role.Description), perms, role.System)
	created, err := scanRole(row)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.Role{}, fmt.Errorf("%w: role %s exists", auth.ErrConflict, role.Name)
		}
		return auth.Role{}, err
	}
	return created, nil
}

func (s *Store) SetRolePermissions(ctx context.Context, name auth.RoleName, perms []auth.Permission) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	raw, err := json.Marshal(permissionKeys(perms))
	if err != nil {
		return fmt.Errorf("marshal permissions: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		update roles set permissions = $2, updated_at = now()
		where name = $1
	`, string(name), raw)
	if err != nil {
		return err
	}
	return expectOne(res, "role "+string(name))
}

// DeleteRole removes a role definition. Assignment rows, revoked ones
// included, keep a role alive.
func (s *Store) DeleteRole(ctx context.Context, name auth.RoleName) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	res, err := s.db.ExecContext(ctx, `delete from roles where name = $1`, string(name))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
			return fmt.Errorf("%w: role %s is referenced by assignments", auth.ErrConflict, name)
		}
		return err
	}
	return expectOne(res, "role "+string(name))
}

func (s *Store) GetPrincipal(ctx context.Context, id string) (auth.PrincipalRecord, error) {
	if s.db == nil {
		return auth.PrincipalRecord{}, errors.New("database connection unavailable")
	}
	return getPrincipal(ctx, s.db, id, false)
}

func (s *Store) ListAssignments(ctx context.Context, principalID string) ([]auth.RoleAssignment, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	return listAssignments(ctx, s.db, principalID)
}

func (s *Store) PrincipalPermissions(ctx context.Context, principalID string) ([]auth.Permission, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	if _, err := getPrincipal(ctx, s.db, principalID, false); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select r.permissions
		from role_assignments a
		join roles r on r.id = a.role_id
		where a.principal_id = $1 and a.revoked_at is null
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	set := auth.NewPermissionSet()
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		perms, err := decodePermissions(raw)
		if err != nil {
			return nil, err
		}
		set = set.Union(auth.NewPermissionSet(perms...))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return set.Slice(), nil
}

// WithinTx runs fn in a read-committed transaction. Rows read through
// LockPrincipal stay locked until commit or rollback.
func (s *Store) WithinTx(ctx context.Context, fn func(tx auth.AssignmentTx) error) error {
	if s.db == nil {
		return fmt.Errorf("%w: database connection unavailable", auth.ErrTransaction)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", auth.ErrTransaction, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&assignmentTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", auth.ErrTransaction, err)
	}
	return nil
}

type assignmentTx struct {
	q queryer
}

func (t *assignmentTx) LockPrincipal(ctx context.Context, id string) (auth.PrincipalRecord, error) {
	return getPrincipal(ctx, t.q, id, true)
}

func (t *assignmentTx) GetRoleByName(ctx context.Context, name auth.RoleName) (auth.Role, error) {
	return getRole(ctx, t.q, name)
}

func (t *assignmentTx) ListAssignments(ctx context.Context, principalID string) ([]auth.RoleAssignment, error) {
	return listAssignments(ctx, t.q, principalID)
}

func (t *assignmentTx) InsertAssignment(ctx context.Context, a auth.RoleAssignment) error {
	_, err := t.q.ExecContext(ctx, `
		insert into role_assignments (id, principal_id, role_id, granted_by, granted_at)
		values ($1, $2, $3, $4, $5)
	`, a.ID, a.PrincipalID, a.RoleID, a.GrantedBy, a.GrantedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return fmt.Errorf("%w: active assignment exists", auth.ErrConflict)
		case pgErrForeignKeyViolation:
			return fmt.Errorf("%w: principal or role missing", auth.ErrNotFound)
		}
	}
	return err
}

func (t *assignmentTx) ReactivateAssignment(ctx context.Context, assignmentID, grantedBy string, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		update role_assignments
		set revoked_at = null, granted_by = $2, granted_at = $3
		where id = $1
	`, assignmentID, grantedBy, at)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: active assignment exists", auth.ErrConflict)
		}
		return err
	}
	return expectOne(res, "assignment "+assignmentID)
}

func (t *assignmentTx) RevokeAssignment(ctx context.Context, assignmentID string, at time.Time) error {
	res, err := t.q.ExecContext(ctx, `
		update role_assignments set revoked_at = $2
		where id = $1 and revoked_at is null
	`, assignmentID, at)
	if err != nil {
		return err
	}
	return expectOne(res, "active assignment "+assignmentID)
}

func (t *assignmentTx) SetPrimaryRole(ctx context.Context, principalID string, role auth.RoleName) error {
	res, err := t.q.ExecContext(ctx, `
		update principals set primary_role = $2, updated_at = now()
		where id = $1
	`, principalID, string(role))
	if err != nil {
		return err
	}
	return expectOne(res, "principal "+principalID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRole(row rowScanner) (auth.Role, error) {
	var (
		role  auth.Role
		name  string
		desc  sql.NullString
		perms []byte
	)
	if err := row.Scan(&role.ID, &name, &desc, &perms, &role.System, &role.CreatedAt, &role.UpdatedAt); err != nil {
		return auth.Role{}, err
	}
	role.Name = auth.RoleName(name)
	if desc.Valid {
		role.Description = desc.String
	}
	decoded, err := decodePermissions(perms)
	if err != nil {
		return auth.Role{}, err
	}
	role.Permissions = decoded
	return role, nil
}

func getRole(ctx context.Context, q queryer, name auth.RoleName) (auth.Role, error) {
	row := q.QueryRowContext(ctx, `
		select id, name, description, permissions, system, created_at, updated_at
		from roles
		where name = $1
	`, string(name))
	role, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Role{}, fmt.Errorf("%w: role %s", auth.ErrNotFound, name)
	}
	return role, err
}

func getPrincipal(ctx context.Context, q queryer, id string, lock bool) (auth.PrincipalRecord, error) {
	query := `
		select id, email, primary_role, created_at, updated_at
		from principals
		where id = $1`
	if lock {
		query += ` for update`
	}
	var (
		rec     auth.PrincipalRecord
		primary string
	)
	err := q.QueryRowContext(ctx, query, id).Scan(&rec.ID, &rec.Email, &primary, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.PrincipalRecord{}, fmt.Errorf("%w: principal %s", auth.ErrNotFound, id)
	}
	if err != nil {
		return auth.PrincipalRecord{}, err
	}
	rec.PrimaryRole = auth.RoleName(primary)
	return rec, nil
}

func listAssignments(ctx context.Context, q queryer, principalID string) ([]auth.RoleAssignment, error) {
	rows, err := q.QueryContext(ctx, `
		select a.id, a.principal_id, a.role_id, r.name, a.granted_by, a.granted_at, a.revoked_at
		from role_assignments a
		join roles r on r.id = a.role_id
		where a.principal_id = $1
		order by a.granted_at, a.id
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.RoleAssignment
	for rows.Next() {
		var (
			a       auth.RoleAssignment
			name    string
			revoked sql.NullTime
		)
		if err := rows.Scan(&a.ID, &a.PrincipalID, &a.RoleID, &name, &a.GrantedBy, &a.GrantedAt, &revoked); err != nil {
			return nil, err
		}
		a.RoleName = auth.RoleName(name)
		if revoked.Valid {
			at := revoked.Time
			a.RevokedAt = &at
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodePermissions(raw []byte) ([]auth.Permission, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	out := make([]auth.Permission, 0, len(keys))
	for _, k := range keys {
		out = append(out, auth.Permission(k))
	}
	return out, nil
}

func permissionKeys(perms []auth.Permission) []string {
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		out = append(out, string(p))
	}
	return out
}

func expectOne(res sql.Result, what string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return fmt.Errorf("%w: %s", auth.ErrNotFound, what)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
