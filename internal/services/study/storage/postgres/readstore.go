package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/clinprecision/clinops/internal/services/study/domain/study"
	"github.com/clinprecision/clinops/internal/services/study/storage"
)

type studyRow struct {
	ID                    string        `db:"id"`
	LegacyKey             sql.NullInt64 `db:"legacy_key"`
	Name                  string        `db:"name"`
	Sponsor               string        `db:"sponsor"`
	ProtocolNumber        string        `db:"protocol_number"`
	Description           string        `db:"description"`
	Indication            string        `db:"indication"`
	StudyType             string        `db:"study_type"`
	PhaseCode             string        `db:"phase_code"`
	PhaseName             string        `db:"phase_name"`
	PrincipalInvestigator string        `db:"principal_investigator"`
	TherapeuticArea       string        `db:"therapeutic_area"`
	PrimaryObjective      string        `db:"primary_objective"`
	PrimaryEndpoint       string        `db:"primary_endpoint"`
	PlannedSubjects       int           `db:"planned_subjects"`
	TargetEnrollment      int           `db:"target_enrollment"`
	StartDate             string        `db:"start_date"`
	EndDate               string        `db:"end_date"`
	Notes                 string        `db:"notes"`
	Version               string        `db:"version"`
	Status                string        `db:"status"`
	StatusName            string        `db:"status_name"`
	StatusReason          string        `db:"status_reason"`
	Locked                bool          `db:"locked"`
	CreatedBy             string        `db:"created_by"`
	UpdatedBy             string        `db:"updated_by"`
	CreatedAt             sql.NullTime  `db:"created_at"`
	UpdatedAt             sql.NullTime  `db:"updated_at"`
	AppliedSeq            int64         `db:"applied_seq"`
}

type associationRow struct {
	StudyID        string `db:"study_id"`
	OrganizationID string `db:"organization_id"`
	Role           string `db:"role"`
	IsPrimary      bool   `db:"is_primary"`
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func toStudyRow(rec storage.StudyRecord) studyRow {
	d := rec.Details
	return studyRow{
		ID:                    rec.ID,
		LegacyKey:             sql.NullInt64{Int64: rec.LegacyKey, Valid: rec.LegacyKey != 0},
		Name:                  d.Name,
		Sponsor:               d.Sponsor,
		ProtocolNumber:        d.ProtocolNumber,
		Description:           d.Description,
		Indication:            d.Indication,
		StudyType:             d.StudyType,
		PhaseCode:             d.PhaseCode,
		PhaseName:             rec.PhaseName,
		PrincipalInvestigator: d.PrincipalInvestigator,
		TherapeuticArea:       d.TherapeuticArea,
		PrimaryObjective:      d.PrimaryObjective,
		PrimaryEndpoint:       d.PrimaryEndpoint,
		PlannedSubjects:       d.PlannedSubjects,
		TargetEnrollment:      d.TargetEnrollment,
		StartDate:             d.StartDate,
		EndDate:               d.EndDate,
		Notes:                 d.Notes,
		Version:               rec.Version,
		Status:                string(rec.Status),
		StatusName:            rec.StatusName,
		StatusReason:          rec.StatusReason,
		Locked:                rec.Locked,
		CreatedBy:             rec.CreatedBy,
		UpdatedBy:             rec.UpdatedBy,
		CreatedAt:             nullTime(rec.CreatedAt),
		UpdatedAt:             nullTime(rec.UpdatedAt),
		AppliedSeq:            int64(rec.AppliedSeq),
	}
}

func (r studyRow) toDomain() storage.StudyRecord {
	return storage.StudyRecord{
		ID:        r.ID,
		LegacyKey: r.LegacyKey.Int64,
		Details: study.Details{
			Name:                  r.Name,
			Sponsor:               r.Sponsor,
			ProtocolNumber:        r.ProtocolNumber,
			Description:           r.Description,
			Indication:            r.Indication,
			StudyType:             r.StudyType,
			PhaseCode:             r.PhaseCode,
			PrincipalInvestigator: r.PrincipalInvestigator,
			TherapeuticArea:       r.TherapeuticArea,
			PrimaryObjective:      r.PrimaryObjective,
			PrimaryEndpoint:       r.PrimaryEndpoint,
			PlannedSubjects:       r.PlannedSubjects,
			TargetEnrollment:      r.TargetEnrollment,
			StartDate:             r.StartDate,
			EndDate:               r.EndDate,
			Notes:                 r.Notes,
		},
		PhaseName:    r.PhaseName,
		Version:      r.Version,
		Status:       study.Status(r.Status),
		StatusName:   r.StatusName,
		StatusReason: r.StatusReason,
		Locked:       r.Locked,
		CreatedBy:    r.CreatedBy,
		UpdatedBy:    r.UpdatedBy,
		CreatedAt:    fromNullTime(r.CreatedAt),
		UpdatedAt:    fromNullTime(r.UpdatedAt),
		AppliedSeq:   uint64(r.AppliedSeq),
	}
}

const upsertStudySQL = `INSERT INTO studies (id, legacy_key, name, sponsor, protocol_number, description, indication,
	study_type, phase_code, phase_name, principal_investigator, therapeutic_area, primary_objective, primary_endpoint,
	planned_subjects, target_enrollment, start_date, end_date, notes, version, status, status_name, status_reason,
	locked, created_by, updated_by, created_at, updated_at, applied_seq)
VALUES (:id, :legacy_key, :name, :sponsor, :protocol_number, :description, :indication,
	:study_type, :phase_code, :phase_name, :principal_investigator, :therapeutic_area, :primary_objective, :primary_endpoint,
	:planned_subjects, :target_enrollment, :start_date, :end_date, :notes, :version, :status, :status_name, :status_reason,
	:locked, :created_by, :updated_by, :created_at, :updated_at, :applied_seq)
ON CONFLICT (id) DO UPDATE SET
	legacy_key = EXCLUDED.legacy_key,
	name = EXCLUDED.name,
	sponsor = EXCLUDED.sponsor,
	protocol_number = EXCLUDED.protocol_number,
	description = EXCLUDED.description,
	indication = EXCLUDED.indication,
	study_type = EXCLUDED.study_type,
	phase_code = EXCLUDED.phase_code,
	phase_name = EXCLUDED.phase_name,
	principal_investigator = EXCLUDED.principal_investigator,
	therapeutic_area = EXCLUDED.therapeutic_area,
	primary_objective = EXCLUDED.primary_objective,
	primary_endpoint = EXCLUDED.primary_endpoint,
	planned_subjects = EXCLUDED.planned_subjects,
	target_enrollment = EXCLUDED.target_enrollment,
	start_date = EXCLUDED.start_date,
	end_date = EXCLUDED.end_date,
	notes = EXCLUDED.notes,
	version = EXCLUDED.version,
	status = EXCLUDED.status,
	status_name = EXCLUDED.status_name,
	status_reason = EXCLUDED.status_reason,
	locked = EXCLUDED.locked,
	created_by = EXCLUDED.created_by,
	updated_by = EXCLUDED.updated_by,
	created_at = EXCLUDED.created_at,
	updated_at = EXCLUDED.updated_at,
	applied_seq = EXCLUDED.applied_seq`

// GetStudy returns a study row with its associations.
func (s *Store) GetStudy(ctx context.Context, id string) (storage.StudyRecord, error) {
	return s.getStudy(ctx, `SELECT * FROM studies WHERE id = $1`, id)
}

// GetStudyByLegacyKey finds the row created for a legacy key.
func (s *Store) GetStudyByLegacyKey(ctx context.Context, key int64) (storage.StudyRecord, error) {
	if key == 0 {
		return storage.StudyRecord{}, storage.ErrNotFound
	}
	return s.getStudy(ctx, `SELECT * FROM studies WHERE legacy_key = $1 ORDER BY id LIMIT 1`, key)
}

func (s *Store) getStudy(ctx context.Context, query string, arg any) (storage.StudyRecord, error) {
	var row studyRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.StudyRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.StudyRecord{}, fmt.Errorf("get study: %w", err)
	}
	rec := row.toDomain()
	byStudy, err := s.associations(ctx, []string{rec.ID})
	if err != nil {
		return storage.StudyRecord{}, err
	}
	rec.Associations = byStudy[rec.ID]
	return rec, nil
}

func (s *Store) associations(ctx context.Context, ids []string) (map[string][]study.Association, error) {
	out := make(map[string][]study.Association, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT * FROM study_associations WHERE study_id IN (?) ORDER BY study_id, organization_id, role`, ids)
	if err != nil {
		return nil, fmt.Errorf("build association query: %w", err)
	}
	var rows []associationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list associations: %w", err)
	}
	for _, row := range rows {
		out[row.StudyID] = append(out[row.StudyID], study.Association{
			OrganizationID: row.OrganizationID,
			Role:           study.Role(row.Role),
			IsPrimary:      row.IsPrimary,
		})
	}
	return out, nil
}

// PutStudy upserts a study row. Associations are not touched.
func (s *Store) PutStudy(ctx context.Context, rec storage.StudyRecord) error {
	return putStudy(ctx, s.db, rec)
}

// CreateStudy writes a row and its associations in one transaction.
func (s *Store) CreateStudy(ctx context.Context, rec storage.StudyRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
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

func putStudy(ctx context.Context, ex sqlx.ExtContext, rec storage.StudyRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return fmt.Errorf("study id is required")
	}
	if _, err := sqlx.NamedExecContext(ctx, ex, upsertStudySQL, toStudyRow(rec)); err != nil {
		return fmt.Errorf("put study %s: %w", rec.ID, err)
	}
	return nil
}

// ReplaceAssociations deletes associations absent from the set and upserts
// the rest in one transaction.
func (s *Store) ReplaceAssociations(ctx context.Context, id string, associations []study.Association) error {
	tx, err := s.db.BeginTxx(ctx, nil)
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

func replaceAssociations(ctx context.Context, tx *sqlx.Tx, id string, associations []study.Association) error {
	var exists bool
	if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM studies WHERE id = $1)`, id); err != nil {
		return fmt.Errorf("check study %s: %w", id, err)
	}
	if !exists {
		return storage.ErrNotFound
	}

	keys := make([]string, 0, len(associations))
	for _, a := range associations {
		keys = append(keys, a.OrganizationID+"|"+string(a.Role))
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM study_associations
		WHERE study_id = $1 AND NOT (organization_id || '|' || role = ANY($2))`, id, keys); err != nil {
		return fmt.Errorf("delete stale associations: %w", err)
	}
	for _, a := range associations {
		if _, err := tx.NamedExecContext(ctx, `INSERT INTO study_associations (study_id, organization_id, role, is_primary)
			VALUES (:study_id, :organization_id, :role, :is_primary)
			ON CONFLICT (study_id, organization_id, role) DO UPDATE SET is_primary = EXCLUDED.is_primary`,
			associationRow{StudyID: id, OrganizationID: a.OrganizationID, Role: string(a.Role), IsPrimary: a.IsPrimary},
		); err != nil {
			return fmt.Errorf("upsert association: %w", err)
		}
	}
	return nil
}

// ListStudies returns every row ordered by name then id.
func (s *Store) ListStudies(ctx context.Context) ([]storage.StudyRecord, error) {
	var rows []studyRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM studies ORDER BY name, id`); err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	byStudy, err := s.associations(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]storage.StudyRecord, 0, len(rows))
	for _, row := range rows {
		rec := row.toDomain()
		rec.Associations = byStudy[rec.ID]
		out = append(out, rec)
	}
	return out, nil
}

// GetCheckpoint returns the last projected seq of a stream.
func (s *Store) GetCheckpoint(ctx context.Context, streamID string) (uint64, error) {
	var seq int64
	err := s.db.GetContext(ctx, &seq, `SELECT seq FROM projection_checkpoints WHERE stream_id = $1`, streamID)
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
func (s *Store) SaveCheckpoint(ctx context.Context, streamID string, seq uint64) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO projection_checkpoints (stream_id, seq) VALUES ($1, $2)
		ON CONFLICT (stream_id) DO UPDATE SET seq = GREATEST(projection_checkpoints.seq, EXCLUDED.seq)`,
		streamID, int64(seq)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// StatusName resolves a status code through the lookup table.
func (s *Store) StatusName(ctx context.Context, code string) (string, error) {
	return s.lookup(ctx, `SELECT name FROM study_status_lookup WHERE code = $1`, code)
}

// PhaseName resolves a phase code through the lookup table.
func (s *Store) PhaseName(ctx context.Context, code string) (string, error) {
	return s.lookup(ctx, `SELECT name FROM study_phase_lookup WHERE code = $1`, code)
}

func (s *Store) lookup(ctx context.Context, query, code string) (string, error) {
	code = strings.TrimSpace(code)
	var name string
	err := s.db.GetContext(ctx, &name, query, strings.ToUpper(code))
	if errors.Is(err, sql.ErrNoRows) {
		return code, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", code, err)
	}
	return name, nil
}

// GetUserName returns a user's display name.
func (s *Store) GetUserName(ctx context.Context, userID string) (string, error) {
	var name string
	err := s.db.GetContext(ctx, &name, `SELECT name FROM users WHERE id = $1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	return name, nil
}

// PutUser registers a user display name.
func (s *Store) PutUser(ctx context.Context, userID, name string) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO users (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, userID, name); err != nil {
		return fmt.Errorf("put user: %w", err)
	}
	return nil
}

type legacyRow struct {
	Key            int64  `db:"legacy_key"`
	Name           string `db:"name"`
	Sponsor        string `db:"sponsor"`
	ProtocolNumber string `db:"protocol_number"`
	Description    string `db:"description"`
	PhaseCode      string `db:"phase_code"`
	CreatedBy      string `db:"created_by"`
}

// GetLegacyStudy reads a pre-journal study.
func (s *Store) GetLegacyStudy(ctx context.Context, key int64) (storage.LegacyStudy, error) {
	var row legacyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM legacy_studies WHERE legacy_key = $1`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.LegacyStudy{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.LegacyStudy{}, fmt.Errorf("get legacy study: %w", err)
	}
	return storage.LegacyStudy(row), nil
}

// PutLegacyStudy registers a pre-journal study.
func (s *Store) PutLegacyStudy(ctx context.Context, legacy storage.LegacyStudy) error {
	if _, err := s.db.NamedExecContext(ctx, `INSERT INTO legacy_studies
		(legacy_key, name, sponsor, protocol_number, description, phase_code, created_by)
		VALUES (:legacy_key, :name, :sponsor, :protocol_number, :description, :phase_code, :created_by)
		ON CONFLICT (legacy_key) DO UPDATE SET
			name = EXCLUDED.name,
			sponsor = EXCLUDED.sponsor,
			protocol_number = EXCLUDED.protocol_number,
			description = EXCLUDED.description,
			phase_code = EXCLUDED.phase_code,
			created_by = EXCLUDED.created_by`, legacyRow(legacy)); err != nil {
		return fmt.Errorf("put legacy study: %w", err)
	}
	return nil
}

// Reset drops every study row and checkpoint. Users, lookups and legacy
// rows stay.
func (s *Store) Reset(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE study_associations, studies, projection_checkpoints`); err != nil {
		return fmt.Errorf("reset read model: %w", err)
	}
	return nil
}
