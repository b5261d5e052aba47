package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"healthgate.org/internal/audit"
	"healthgate.org/internal/auth"
	"healthgate.org/internal/pii"
)

// Store is the Postgres implementation of the access-control stores and the
// audit sink.
type Store struct {
	db *sql.DB
}

var (
	_ auth.OwnershipSource = (*Store)(nil)
	_ auth.RoleStore       = (*Store)(nil)
	_ auth.AssignmentStore = (*Store)(nil)
	_ audit.Sink           = (*Store)(nil)
)

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	return s.db.PingContext(ctx)
}

// Ownership implements auth.OwnershipSource.
func (s *Store) Ownership(ctx context.Context, resource auth.ResourceType, id string) (auth.OwnershipRecord, error) {
	if s.db == nil {
		return auth.OwnershipRecord{}, errors.New("database connection unavailable")
	}
	switch resource {
	case auth.ResourcePatient:
		var owner string
		err := s.db.QueryRowContext(ctx, `select coalesce(owner_id, '') from patients where id = $1`, id).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.OwnershipRecord{}, auth.ErrNotFound
		}
		if err != nil {
			return auth.OwnershipRecord{}, err
		}
		assignees, err := s.patientAssignees(ctx, id)
		if err != nil {
			return auth.OwnershipRecord{}, err
		}
		return auth.OwnershipRecord{OwnerID: owner, AssigneeIDs: assignees}, nil

	case auth.ResourceMedicalRecord:
		var patientID string
		err := s.db.QueryRowContext(ctx, `select patient_id from medical_records where id = $1`, id).Scan(&patientID)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.OwnershipRecord{}, auth.ErrNotFound
		}
		if err != nil {
			return auth.OwnershipRecord{}, err
		}
		return auth.OwnershipRecord{ParentID: patientID}, nil

	case auth.ResourceAppointment:
		var patientID, providerID string
		err := s.db.QueryRowContext(ctx, `
			select patient_id, coalesce(provider_id, '')
			from appointments
			where id = $1
		`, id).Scan(&patientID, &providerID)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.OwnershipRecord{}, auth.ErrNotFound
		}
		if err != nil {
			return auth.OwnershipRecord{}, err
		}
		rec := auth.OwnershipRecord{ParentID: patientID}
		if providerID != "" {
			rec.AssigneeIDs = []string{providerID}
		}
		return rec, nil

	case auth.ResourceUser:
		var owner string
		err := s.db.QueryRowContext(ctx, `select id from principals where id = $1`, id).Scan(&owner)
		if errors.Is(err, sql.ErrNoRows) {
			return auth.OwnershipRecord{}, auth.ErrNotFound
		}
		if err != nil {
			return auth.OwnershipRecord{}, err
		}
		return auth.OwnershipRecord{OwnerID: owner}, nil
	}
	return auth.OwnershipRecord{}, fmt.Errorf("%w: no ownership for %s", auth.ErrNotFound, resource)
}

func (s *Store) patientAssignees(ctx context.Context, patientID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select principal_id
		from patient_assignments
		where patient_id = $1
		order by principal_id
	`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Patient loads one patient row. Encrypted columns are returned as stored.
func (s *Store) Patient(ctx context.Context, id string) (pii.Record, error) {
	if s.db == nil {
		return nil, errors.New("database connection unavailable")
	}
	var pid, owner, name, email, phone, blood, insurance string
	err := s.db.QueryRowContext(ctx, `
		select id, coalesce(owner_id, ''), full_name, coalesce(email, ''), coalesce(phone, ''),
		       coalesce(blood_type, ''), coalesce(insurance_number, '')
		from patients
		where id = $1
	`, id).Scan(&pid, &owner, &name, &email, &phone, &blood, &insurance)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pii.Record{
		"id":               pid,
		"owner_id":         owner,
		"full_name":        name,
		"email":            email,
		"phone":            phone,
		"blood_type":       blood,
		"insurance_number": insurance,
	}, nil
}

// Append implements audit.Sink.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	if s.db == nil {
		return errors.New("database connection unavailable")
	}
	oldJSON, err := jsonOrNil(e.OldValues)
	if err != nil {
		return fmt.Errorf("marshal old values: %w", err)
	}
	newJSON, err := jsonOrNil(e.NewValues)
	if err != nil {
		return fmt.Errorf("marshal new values: %w", err)
	}
	metaJSON, err := jsonOrNil(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_log (
			id, occurred_at, actor_id, actor_email, action, resource_type, resource_id,
			success, error_message, old_values, new_values, metadata,
			request_id, ip_address, user_agent
		) values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		e.ID, e.OccurredAt, e.ActorID, nullIfEmpty(e.ActorEmail), string(e.Action), e.ResourceType, nullIfEmpty(e.ResourceID),
		e.Success, nullIfEmpty(e.ErrorMessage), oldJSON, newJSON, metaJSON,
		nullIfEmpty(e.Request.RequestID), nullIfEmpty(e.Request.IPAddress), nullIfEmpty(e.Request.UserAgent),
	)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return fmt.Errorf("%w: audit entry %s exists", auth.ErrConflict, e.ID)
	}
	return err
}

func jsonOrNil(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}
