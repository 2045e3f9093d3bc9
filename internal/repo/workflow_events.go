package repo

import (
	"context"
	"database/sql"
	"strings"

	"stageline/internal/domain"
)

// EventFilter narrows an audit query. Zero values mean "any".
type EventFilter struct {
	ProjectID string
	Type      domain.EventType
	GateID    string
	From      string
	To        string
	Limit     int
	Offset    int
}

func (f EventFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, string(f.Type))
	}
	if f.GateID != "" {
		clauses = append(clauses, "json_extract(metadata_json, '$.gate_id')=?")
		args = append(args, f.GateID)
	}
	if f.From != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "ts<=?")
		args = append(args, f.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// QueryEvents returns matching events, most recent first, and the total match count.
func (r Repo) QueryEvents(ctx context.Context, f EventFilter) ([]domain.WorkflowEvent, int, error) {
	where, args := f.where()
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT id,project_id,event_type,from_stage,to_stage,actor_id,metadata_json,ts FROM workflow_events` + where + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []domain.WorkflowEvent
	for rows.Next() {
		var (
			e    domain.WorkflowEvent
			typ  string
			from sql.NullString
			md   string
		)
		if err := rows.Scan(&e.ID, &e.ProjectID, &typ, &from, &e.ToStage, &e.ActorID, &md, &e.TS); err != nil {
			return nil, 0, err
		}
		e.Type = domain.EventType(typ)
		if from.Valid {
			v := from.String
			e.FromStage = &v
		}
		meta, err := domain.DecodeMetadata(e.Type, []byte(md))
		if err != nil {
			return nil, 0, err
		}
		e.Metadata = meta
		out = append(out, e)
	}
	return out, total, rows.Err()
}
