package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
	"github.com/clinprecision/clinops/internal/services/study/storage/sqlite/migrations"
)

const studyColumns = `id, legacy_key, name, sponsor, protocol_number, description, indication, study_type,
	phase_code, phase_name, principal_investigator, therapeutic_area, primary_objective, primary_endpoint,
	planned_subjects, target_enrollment, start_date, end_date, notes, version, status, status_name,
	status_reason, locked, created_by, updated_by, created_at, updated_at, applied_seq`

// ReadStore is the SQLite study read model.
type ReadStore struct {
	sqlDB *sql.DB
}

// OpenProjections opens the read model database at path.
func OpenProjections(path string) (*ReadStore, error) {
	sqlDB, err := openDB(path, migrations.ProjectionsFS, "projections")
	if err != nil {
		return nil, err
	}
	return &ReadStore{sqlDB: sqlDB}, nil
}

// Close closes the database. It is nil-safe.
func (s *ReadStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudy(row rowScanner) (storage.StudyRecord, error) {
	var (
		rec        storage.StudyRecord
		legacyKey  sql.NullInt64
		status     string
		locked     int
		createdAt  int64
		updatedAt  int64
		appliedSeq int64
	)
	d := &rec.Details
	if err := row.Scan(
		&rec.ID, &legacyKey, &d.Name, &d.Sponsor, &d.ProtocolNumber, &d.Description, &d.Indication, &d.StudyType,
		&d.PhaseCode, &rec.PhaseName, &d.PrincipalInvestigator, &d.TherapeuticArea, &d.PrimaryObjective, &d.PrimaryEndpoint,
		&d.PlannedSubjects, &d.TargetEnrollment, &d.StartDate, &d.EndDate, &d.Notes, &rec.Version, &status, &rec.StatusName,
		&rec.StatusReason, &locked, &rec.CreatedBy, &rec.UpdatedBy, &createdAt, &updatedAt, &appliedSeq,
	); err != nil {
		return storage.StudyRecord{}, err
	}
	rec.LegacyKey = legacyKey.Int64
	rec.Status = study.Status(status)
	rec.Locked = locked != 0
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.AppliedSeq = uint64(appliedSeq)
	return rec, nil
}

// GetStudy returns a study row with its associations.
func (s *ReadStore) GetStudy(ctx context.Context, id string) (storage.StudyRecord, error) {
	return s.getStudy(ctx, `SELECT `+studyColumns+` FROM studies WHERE id = ?`, id)
}

// GetStudyByLegacyKey finds the row created for a legacy key.
func (s *ReadStore) GetStudyByLegacyKey(ctx context.Context, key int64) (storage.StudyRecord, error) {
	if key == 0 {
		return storage.StudyRecord{}, storage.ErrNotFound
	}
	return s.getStudy(ctx, `SELECT `+studyColumns+` FROM studies WHERE legacy_key = ? ORDER BY id LIMIT 1`, key)
}

func (s *ReadStore) getStudy(ctx context.Context, query string, arg any) (storage.StudyRecord, error) {
	rec, err := scanStudy(s.sqlDB.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StudyRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.StudyRecord{}, fmt.Errorf("get study: %w", err)
	}
	assocs, err := s.associations(ctx, rec.ID)
	if err != nil {
		return storage.StudyRecord{}, err
	}
	rec.Associations = assocs
	return rec, nil
}

func (s *ReadStore) associations(ctx context.Context, id string) ([]study.Association, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT organization_id, role, is_primary FROM study_associations WHERE study_id = ? ORDER BY organization_id, role`, id)
	if err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	defer rows.Close()
	var out []study.Association
	for rows.Next() {
		var (
			a       study.Association
			role    string
			primary int
		)
		if err := rows.Scan(&a.OrganizationID, &role, &primary); err != nil {
			return nil, fmt.Errorf("scan association: %w", err)
		}
		a.Role = study.Role(role)
		a.IsPrimary = primary != 0
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read associations: %w", err)
	}
	return out, nil
}

// PutStudy upserts a study row. Associations are not touched.
func (s *ReadStore) PutStudy(ctx context.Context, rec storage.StudyRecord) error {
	return putStudy(ctx, s.sqlDB, rec)
}

// CreateStudy writes a row and its associations in one transaction.
func (s *ReadStore) CreateStudy(ctx context.Context, rec storage.StudyRecord) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := putStudy(ctx, tx, rec); err != nil {
		return err
	}
	if err := replaceAssociations(ctx, tx, rec.ID, rec.Associations); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit study %s: %w", rec.ID, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func putStudy(ctx context.Context, ex execer, rec storage.StudyRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("study id is required")
	}
	legacyKey := sql.NullInt64{Int64: rec.LegacyKey, Valid: rec.LegacyKey != 0}
	d := rec.Details
	_, err := ex.ExecContext(ctx, `INSERT INTO studies (`+studyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			legacy_key = excluded.legacy_key,
			name = excluded.name,
			sponsor = excluded.sponsor,
			protocol_number = excluded.protocol_number,
			description = excluded.description,
			indication = excluded.indication,
			study_type = excluded.study_type,
			phase_code = excluded.phase_code,
			phase_name = excluded.phase_name,
			principal_investigator = excluded.principal_investigator,
			therapeutic_area = excluded.therapeutic_area,
			primary_objective = excluded.primary_objective,
			primary_endpoint = excluded.primary_endpoint,
			planned_subjects = excluded.planned_subjects,
			target_enrollment = excluded.target_enrollment,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			notes = excluded.notes,
			version = excluded.version,
			status = excluded.status,
			status_name = excluded.status_name,
			status_reason = excluded.status_reason,
			locked = excluded.locked,
			created_by = excluded.created_by,
			updated_by = excluded.updated_by,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			applied_seq = excluded.applied_seq`,
		rec.ID, legacyKey, d.Name, d.Sponsor, d.ProtocolNumber, d.Description, d.Indication, d.StudyType,
		d.PhaseCode, rec.PhaseName, d.PrincipalInvestigator, d.TherapeuticArea, d.PrimaryObjective, d.PrimaryEndpoint,
		d.PlannedSubjects, d.TargetEnrollment, d.StartDate, d.EndDate, d.Notes, rec.Version, string(rec.Status), rec.StatusName,
		rec.StatusReason, boolToInt(rec.Locked), rec.CreatedBy, rec.UpdatedBy, toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), int64(rec.AppliedSeq),
	)
	if err != nil {
		return fmt.Errorf("put study %s: %w", rec.ID, err)
	}
	return nil
}

// ReplaceAssociations deletes associations absent from the set and upserts
// the rest in one transaction.
func (s *ReadStore) ReplaceAssociations(ctx context.Context, id string, associations []study.Association) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := replaceAssociations(ctx, tx, id, associations); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit associations: %w", err)
	}
	return nil
}

func replaceAssociations(ctx context.Context, tx *sql.Tx, id string, associations []study.Association) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM studies WHERE id = ?`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check study %s: %w", id, err)
	}

	keep := make([]string, 0, len(associations))
	args := []any{id}
	for _, a := range associations {
		keep = append(keep, "(?, ?)")
		args = append(args, a.OrganizationID, string(a.Role))
	}
	deleteSQL := `DELETE FROM study_associations WHERE study_id = ?`
	if len(keep) > 0 {
		deleteSQL += ` AND (organization_id, role) NOT IN (VALUES ` + strings.Join(keep, ", ") + `)`
	}
	if _, err := tx.ExecContext(ctx, deleteSQL, args...); err != nil {
		return fmt.Errorf("delete stale associations: %w", err)
	}
	for _, a := range associations {
		if _, err := tx.ExecContext(ctx, `INSERT INTO study_associations (study_id, organization_id, role, is_primary)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (study_id, organization_id, role) DO UPDATE SET is_primary = excluded.is_primary`,
			id, a.OrganizationID, string(a.Role), boolToInt(a.IsPrimary),
		); err != nil {
			return fmt.Errorf("upsert association: %w", err)
		}
	}
	return nil
}

// ListStudies returns every row ordered by name then id.
func (s *ReadStore) ListStudies(ctx context.Context) ([]storage.StudyRecord, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT `+studyColumns+` FROM studies ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	var out []storage.StudyRecord
	for rows.Next() {
		rec, err := scanStudy(rows)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan study: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("read studies: %w", err)
	}
	_ = rows.Close()

	for i := range out {
		assocs, err := s.associations(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Associations = assocs
	}
	return out, nil
}

// GetCheckpoint returns the last projected seq of a stream.
func (s *ReadStore) GetCheckpoint(ctx context.Context, streamID string) (uint64, error) {
	var seq int64
	err := s.sqlDB.QueryRowContext(ctx, `SELECT seq FROM projection_checkpoints WHERE stream_id = ?`, streamID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint: %w", err)
	}
	return uint64(seq), nil
}

// SaveCheckpoint records the last projected seq of a stream. Checkpoints
// never move backwards.
func (s *ReadStore) SaveCheckpoint(ctx context.Context, streamID string, seq uint64) error {
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO projection_checkpoints (stream_id, seq) VALUES (?, ?)
		ON CONFLICT (stream_id) DO UPDATE SET seq = MAX(seq, excluded.seq)`,
		streamID, int64(seq),
	); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// StatusName resolves a status code through the lookup table.
func (s *ReadStore) StatusName(ctx context.Context, code string) (string, error) {
	return s.lookup(ctx, "study_status_lookup", code)
}

// PhaseName resolves a phase code through the lookup table.
func (s *ReadStore) PhaseName(ctx context.Context, code string) (string, error) {
	return s.lookup(ctx, "study_phase_lookup", code)
}

func (s *ReadStore) lookup(ctx context.Context, table, code string) (string, error) {
	code = strings.TrimSpace(code)
	var name string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT name FROM `+table+` WHERE code = ?`, strings.ToUpper(code)).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return code, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", table, err)
	}
	return name, nil
}

// GetUserName returns a user's display name.
func (s *ReadStore) GetUserName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT name FROM users WHERE id = ?`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	return name, nil
}

// PutUser registers a user display name.
func (s *ReadStore) PutUser(ctx context.Context, userID, name string) error {
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO users (id, name) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`, userID, name); err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

// GetLegacyStudy reads a pre-journal study.
func (s *ReadStore) GetLegacyStudy(ctx context.Context, key int64) (storage.LegacyStudy, error) {
	legacy := storage.LegacyStudy{Key: key}
	err := s.sqlDB.QueryRowContext(ctx, `SELECT name, sponsor, protocol_number, description, phase_code, created_by
		FROM legacy_studies WHERE legacy_key = ?`, key,
	).Scan(&legacy.Name, &legacy.Sponsor, &legacy.ProtocolNumber, &legacy.Description, &legacy.PhaseCode, &legacy.CreatedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LegacyStudy{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LegacyStudy{}, fmt.Errorf("get legacy study: %w", err)
	}
	return legacy, nil
}

// PutLegacyStudy registers a pre-journal study.
func (s *ReadStore) PutLegacyStudy(ctx context.Context, legacy storage.LegacyStudy) error {
	if _, err := s.sqlDB.ExecContext(ctx, `INSERT INTO legacy_studies
		(legacy_key, name, sponsor, protocol_number, description, phase_code, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (legacy_key) DO UPDATE SET
			name = excluded.name,
			sponsor = excluded.sponsor,
			protocol_number = excluded.protocol_number,
			description = excluded.description,
			phase_code = excluded.phase_code,
			created_by = excluded.created_by`,
		legacy.Key, legacy.Name, legacy.Sponsor, legacy.ProtocolNumber, legacy.Description, legacy.PhaseCode, legacy.CreatedBy,
	); err != nil {
		return fmt.Errorf("put legacy study: %w", err)
	}
	return nil
}

// Reset drops every study row and checkpoint. Users, lookups and legacy
// rows stay.
func (s *ReadStore) Reset(ctx context.Context) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range []string{
		`DELETE FROM study_associations`,
		`DELETE FROM studies`,
		`DELETE FROM projection_checkpoints`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset read model: %w", err)
		}
	}
	return tx.Commit()
}
