package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"stageline/internal/domain"
)

// Writer is the only path that inserts workflow events. It always writes
// inside the caller's transaction so the event commits with the state change.
type Writer struct {
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evt domain.WorkflowEvent) (domain.WorkflowEvent, error) {
	if tx == nil {
		return evt, errors.New("events: transaction required")
	}
	if evt.ProjectID == "" {
		return evt, errors.New("events: project_id required")
	}
	if evt.ActorID == "" {
		return evt, errors.New("events: actor_id required")
	}
	if err := domain.CheckMetadata(evt.Type, evt.Metadata); err != nil {
		return evt, err
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	evt.TS = w.Now().UTC().Format(time.RFC3339)
	data, err := json.Marshal(evt.Metadata)
	if err != nil {
		return evt, fmt.Errorf("marshal event metadata: %w", err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO workflow_events(project_id,event_type,from_stage,to_stage,actor_id,metadata_json,ts) VALUES (?,?,?,?,?,?,?)`,
		evt.ProjectID, string(evt.Type), nullablePtr(evt.FromStage), evt.ToStage, evt.ActorID, string(data), evt.TS)
	if err != nil {
		return evt, fmt.Errorf("insert workflow event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		evt.ID = id
	}
	return evt, nil
}

func nullablePtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
