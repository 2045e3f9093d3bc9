package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"stageline/internal/domain"
)

const gateColumns = `id,project_id,template_id,gate_key,display_name,stage_id,criteria_json,status,version,created_at,updated_at`

func scanGate(row rowScanner) (domain.Gate, error) {
	var (
		g        domain.Gate
		criteria string
		status   string
	)
	err := row.Scan(&g.ID, &g.ProjectID, &g.TemplateID, &g.GateKey, &g.DisplayName, &g.StageID, &criteria, &status, &g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if err := json.Unmarshal([]byte(criteria), &g.Criteria); err != nil {
		return g, fmt.Errorf("decode gate criteria: %w", err)
	}
	g.Status = domain.GateStatus(status)
	return g, nil
}

func (r Repo) InsertGate(ctx context.Context, tx *sql.Tx, g domain.Gate) error {
	if g.ID == "" || g.ProjectID == "" || g.GateKey == "" {
		return errors.New("gate id, project_id and gate_key required")
	}
	criteria, err := json.Marshal(g.Criteria)
	if err != nil {
		return err
	}
	if g.Version == 0 {
		g.Version = 1
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO gates(`+gateColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.TemplateID, g.GateKey, g.DisplayName, g.StageID, string(criteria), string(g.Status), g.Version, g.CreatedAt, g.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("gate %s: %w", g.GateKey, ErrDuplicate)
	}
	return err
}

func (r Repo) GetGate(ctx context.Context, tx *sql.Tx, id string) (domain.Gate, error) {
	return scanGate(r.q(tx).QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE id=?`, id))
}

func (r Repo) GetGateByKey(ctx context.Context, tx *sql.Tx, projectID, gateKey string) (domain.Gate, error) {
	return scanGate(r.q(tx).QueryRowContext(ctx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND gate_key=? ORDER BY rowid LIMIT 1`, projectID, gateKey))
}

// ListGates returns a project's gates in instantiation order, optionally for one stage.
func (r Repo) ListGates(ctx context.Context, tx *sql.Tx, projectID, stageID string) ([]domain.Gate, error) {
	query := `SELECT ` + gateColumns + ` FROM gates WHERE project_id=?`
	args := []any{projectID}
	if stageID != "" {
		query += ` AND stage_id=?`
		args = append(args, stageID)
	}
	query += ` ORDER BY rowid`
	return r.queryGates(ctx, tx, query, args...)
}

// ListSiblingGates returns every gate sharing the project and template instance.
func (r Repo) ListSiblingGates(ctx context.Context, tx *sql.Tx, projectID, templateID string) ([]domain.Gate, error) {
	return r.queryGates(ctx, tx, `SELECT `+gateColumns+` FROM gates WHERE project_id=? AND template_id=? ORDER BY rowid`, projectID, templateID)
}

func (r Repo) queryGates(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Gate, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// UpdateGate persists status and criteria when the stored version matches.
func (r Repo) UpdateGate(ctx context.Context, tx *sql.Tx, g domain.Gate, expectedVersion int64) error {
	criteria, err := json.Marshal(g.Criteria)
	if err != nil {
		return err
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE gates SET status=?, criteria_json=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		string(g.Status), string(criteria), g.UpdatedAt, g.ID, expectedVersion)
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

func (r Repo) InsertReviewer(ctx context.Context, tx *sql.Tx, rv domain.GateReviewer) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO gate_reviewers(id,gate_id,contact_id,role,assigned_at) VALUES (?,?,?,?,?)`,
		rv.ID, rv.GateID, rv.ContactID, rv.Role, rv.AssignedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("reviewer %s on gate %s: %w", rv.ContactID, rv.GateID, ErrDuplicate)
	}
	return err
}

func (r Repo) GetReviewer(ctx context.Context, tx *sql.Tx, gateID, contactID string) (domain.GateReviewer, error) {
	var rv domain.GateReviewer
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,gate_id,contact_id,role,assigned_at FROM gate_reviewers WHERE gate_id=? AND contact_id=?`, gateID, contactID).
		Scan(&rv.ID, &rv.GateID, &rv.ContactID, &rv.Role, &rv.AssignedAt)
	if err == sql.ErrNoRows {
		return rv, ErrNotFound
	}
	return rv, err
}

func (r Repo) ListReviewers(ctx context.Context, tx *sql.Tx, gateID string) ([]domain.GateReviewer, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,gate_id,contact_id,role,assigned_at FROM gate_reviewers WHERE gate_id=? ORDER BY assigned_at, id`, gateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.GateReviewer
	for rows.Next() {
		var rv domain.GateReviewer
		if err := rows.Scan(&rv.ID, &rv.GateID, &rv.ContactID, &rv.Role, &rv.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, rows.Err()
}

func (r Repo) DeleteReviewer(ctx context.Context, tx *sql.Tx, gateID, contactID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM gate_reviewers WHERE gate_id=? AND contact_id=?`, gateID, contactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReviewerCounts returns the number of reviewers per gate for a project.
func (r Repo) ReviewerCounts(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT g.id, COUNT(gr.id) FROM gates g LEFT JOIN gate_reviewers gr ON gr.gate_id=g.id WHERE g.project_id=? GROUP BY g.id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
