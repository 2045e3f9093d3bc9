package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stageline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means a row changed between read and conditional update.
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("duplicate")
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) Querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

const projectColumns = `id,status,COALESCE(description,''),template_id,current_stage,completed_stages_json,stage_data_json,last_transition_at,gate_status,version,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var (
		p             domain.Project
		completedJSON string
		stageJSON     string
		lastAt        sql.NullString
		gateStatus    string
	)
	err := row.Scan(&p.ID, &p.Status, &p.Description, &p.Workflow.TemplateID, &p.Workflow.CurrentStage,
		&completedJSON, &stageJSON, &lastAt, &gateStatus, &p.Workflow.Version, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(completedJSON), &p.Workflow.CompletedStages); err != nil {
		return p, fmt.Errorf("decode completed stages: %w", err)
	}
	if p.Workflow.CompletedStages == nil {
		p.Workflow.CompletedStages = []string{}
	}
	if err := json.Unmarshal([]byte(stageJSON), &p.Workflow.StageData); err != nil {
		return p, fmt.Errorf("decode stage data: %w", err)
	}
	if lastAt.Valid {
		v := lastAt.String
		p.Workflow.LastTransitionAt = &v
	}
	p.Workflow.GateStatus = domain.StageGateStatus(gateStatus)
	return p, nil
}

func encodeState(s domain.WorkflowState) (string, string, error) {
	completed := s.CompletedStages
	if completed == nil {
		completed = []string{}
	}
	cj, err := json.Marshal(completed)
	if err != nil {
		return "", "", err
	}
	data := s.StageData
	if data == nil {
		data = map[string]any{}
	}
	sj, err := json.Marshal(data)
	if err != nil {
		return "", "", fmt.Errorf("encode stage data: %w", err)
	}
	return string(cj), string(sj), nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	if p.ID == "" {
		return errors.New("id required")
	}
	cj, sj, err := encodeState(p.Workflow)
	if err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = "active"
	}
	version := p.Workflow.Version
	if version == 0 {
		version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO projects(id,status,description,template_id,current_stage,completed_stages_json,stage_data_json,last_transition_at,gate_status,version,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Status, nullable(p.Description), p.Workflow.TemplateID, p.Workflow.CurrentStage, cj, sj,
		nullablePtr(p.Workflow.LastTransitionAt), string(p.Workflow.GateStatus), version, p.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("project %s: %w", p.ID, ErrDuplicate)
	}
	return err
}

func (r Repo) GetProject(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return scanProject(r.q(tx).QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SingleProject returns the only project, for CLI calls that omit --project.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return domain.Project{}, err
	}
	if len(projects) == 0 {
		return domain.Project{}, ErrNotFound
	}
	if len(projects) > 1 {
		return domain.Project{}, fmt.Errorf("multiple projects exist; specify --project")
	}
	return projects[0], nil
}

// UpdateWorkflowState writes state only if the stored version still equals
// expectedVersion, then bumps the version.
func (r Repo) UpdateWorkflowState(ctx context.Context, tx *sql.Tx, projectID string, s domain.WorkflowState, expectedVersion int64) error {
	cj, sj, err := encodeState(s)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE projects SET current_stage=?, completed_stages_json=?, stage_data_json=?, last_transition_at=?, gate_status=?, version=version+1 WHERE id=? AND version=?`,
		s.CurrentStage, cj, sj, nullablePtr(s.LastTransitionAt), string(s.GateStatus), projectID, expectedVersion)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) UpdateProject(ctx context.Context, id, status string, description *string) error {
	var (
		fields []string
		args   []any
	)
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	if description != nil {
		fields = append(fields, "description=?")
		args = append(args, nullable(*description))
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
